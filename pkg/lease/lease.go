// Package lease implements the claim lease and its three keep-alive
// modes: a throttled single-shot Pulse, a scoped background guard that
// must be explicitly joined, and a blocking variant for CPU-bound
// sections. All three share one renewal primitive grounded on the
// keepAliveWorker/worker state machine of a production etcd lease client.
package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/vectorlink-task/pkg/kv"
	"github.com/cuemby/vectorlink-task/pkg/log"
	"github.com/cuemby/vectorlink-task/pkg/metrics"
	"github.com/cuemby/vectorlink-task/pkg/queueerr"
)

// componentLog tags every log line this package emits with component=lease.
// A function, not a package var, so it picks up log.Logger as configured
// by the caller's log.Init rather than freezing the pre-Init zero value.
func componentLog() zerolog.Logger { return log.WithComponent("lease") }

// TTL is the lease lifetime granted for every claim.
const TTL = 10 * time.Second

// RenewInterval is the target cadence for keep-alive renewals, and the
// throttle window for Pulse.
const RenewInterval = 1 * time.Second

// Lease wraps one granted lease id and performs the renewal protocol
// against a kv.Store. It is not safe for concurrent use by multiple
// goroutines without external synchronization beyond what Pulse/Guard
// already provide.
type Lease struct {
	store store
	id    kv.LeaseID

	mu       sync.Mutex
	lastPulse time.Time
}

// store is the minimal slice of kv.Store this package depends on, named
// separately so tests can supply a narrower fake if desired.
type store interface {
	LeaseGrant(ctx context.Context, ttlSeconds int64) (kv.LeaseID, error)
	LeaseKeepAliveOnce(ctx context.Context, id kv.LeaseID) (int64, error)
	LeaseRevoke(ctx context.Context, id kv.LeaseID) error
}

// Grant requests a new lease with the package TTL.
func Grant(ctx context.Context, s kv.Store) (*Lease, error) {
	id, err := s.LeaseGrant(ctx, int64(TTL.Seconds()))
	if err != nil {
		return nil, queueerr.New(queueerr.StoreError, "lease.Grant", err)
	}
	return &Lease{store: s, id: id}, nil
}

// ID returns the underlying lease identifier, for use when putting keys
// under this lease.
func (l *Lease) ID() kv.LeaseID {
	return l.id
}

// renew performs one keep-alive call and classifies the outcome per
// spec: confirmed alive, confirmed expired, or a network/store error.
func (l *Lease) renew(ctx context.Context) error {
	timer := metrics.NewTimer()
	ttl, err := l.store.LeaseKeepAliveOnce(ctx, l.id)
	timer.ObserveDuration(metrics.LeaseRenewalDuration)
	if err != nil {
		metrics.LeaseRenewalsTotal.WithLabelValues("error").Inc()
		return queueerr.New(queueerr.StoreError, "lease.renew", err)
	}
	if ttl <= 0 {
		metrics.LeaseRenewalsTotal.WithLabelValues("expired").Inc()
		return queueerr.New(queueerr.LeaseExpired, "lease.renew", nil)
	}
	metrics.LeaseRenewalsTotal.WithLabelValues("alive").Inc()
	return nil
}

// Pulse renews the lease, but throttled to at most one actual renewal
// call per RenewInterval regardless of how often Pulse is called. Calls
// within the throttle window return nil without contacting the store.
func (l *Lease) Pulse(ctx context.Context) error {
	l.mu.Lock()
	if !l.lastPulse.IsZero() && time.Since(l.lastPulse) < RenewInterval {
		l.mu.Unlock()
		return nil
	}
	l.lastPulse = time.Now()
	l.mu.Unlock()

	return l.renew(ctx)
}

// Revoke releases the lease, atomically removing every key created under
// it.
func (l *Lease) Revoke(ctx context.Context) error {
	if err := l.store.LeaseRevoke(ctx, l.id); err != nil {
		return queueerr.New(queueerr.StoreError, "lease.Revoke", err)
	}
	return nil
}

// Guard is a scoped background renewer: NewGuard spawns a goroutine that
// renews the lease every RenewInterval until the guard is closed. The guard
// must be Joined before it goes out of scope; Close without a prior Join
// observing a lost lease is a programmer error (matching the source's
// requirement that the session cannot silently swallow a lost lease).
type Guard struct {
	lease   *Lease
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr error
	mu      sync.Mutex
	joined  bool
}

// NewGuard starts the background renewer.
func NewGuard(ctx context.Context, l *Lease) *Guard {
	gctx, cancel := context.WithCancel(ctx)
	g := &Guard{lease: l, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(g.done)
		ticker := time.NewTicker(RenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return
			case <-ticker.C:
				if err := l.renew(gctx); err != nil {
					g.mu.Lock()
					g.lastErr = err
					g.mu.Unlock()
					componentLog().Warn().Err(err).Msg("lease renewal failed")
					if queueerr.IsKind(err, queueerr.LeaseExpired) {
						return
					}
				}
			}
		}
	}()

	return g
}

// Join stops the background renewer and returns the last renewal error
// observed, if any (typically LeaseExpired). Join must be called exactly
// once before the guard is discarded.
func (g *Guard) Join() error {
	g.cancel()
	<-g.done
	g.mu.Lock()
	defer g.mu.Unlock()
	g.joined = true
	return g.lastErr
}

// Close stops the background renewer without observing its result. It
// panics if the renewer had already recorded a lost lease and the caller
// never called Join: silently dropping a lease loss is exactly the bug
// this type exists to prevent.
func (g *Guard) Close() {
	g.cancel()
	<-g.done
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.joined && g.lastErr != nil {
		panic(fmt.Sprintf("lease.Guard: dropped without Join after lease loss: %v", g.lastErr))
	}
}

// RunBlocking runs fn on a dedicated goroutine while a background
// renewer keeps the lease alive, then performs one final synchronous
// renewal before returning to assert the lease survived the whole span.
// Used for CPU-bound sections that cannot cooperatively yield.
func RunBlocking(ctx context.Context, l *Lease, fn func()) error {
	guard := NewGuard(ctx, l)

	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	<-done

	if err := guard.Join(); err != nil {
		return err
	}
	return l.renew(ctx)
}
