// Package kvtest provides an in-memory kv.Store for tests, standing in
// for a live etcd cluster. It implements the same compare-and-swap and
// prefix-scan semantics the real store guarantees, at a
// single-process/single-mutex granularity. It keeps no history: a Watch
// delivers only changes made after it is installed, and a requested start
// revision is not replayed.
package kvtest

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/cuemby/vectorlink-task/pkg/kv"
)

type entry struct {
	value          []byte
	createRevision int64
	modRevision    int64
	version        int64
	lease          kv.LeaseID
}

type lease struct {
	ttl      int64
	revoked  bool
	keys     map[string]bool
	expireAt int64 // logical; tests drive expiry explicitly via ExpireLease
}

// Store is an in-memory kv.Store.
type Store struct {
	mu       sync.Mutex
	data     map[string]*entry
	revision int64
	leases   map[kv.LeaseID]*lease
	nextID   int64

	watchers []*watcher
}

type watcher struct {
	prefix       string
	exact        string
	isPrefix     bool
	fromRevision int64
	filterPut    bool
	filterDelete bool
	ch           chan kv.WatchResponse
	ctx          context.Context
	closed       bool
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		data:   make(map[string]*entry),
		leases: make(map[kv.LeaseID]*lease),
	}
}

func (s *Store) Close() error { return nil }

func matches(key, reqKey string, opt kv.RangeOption) bool {
	switch {
	case opt.Prefix:
		return strings.HasPrefix(key, reqKey)
	case opt.RangeEnd != "":
		return key >= reqKey && key < opt.RangeEnd
	default:
		return key == reqKey
	}
}

// Get reads from the latest in-memory snapshot regardless of
// opt.Revision: the fake store keeps no history, which is sufficient for
// the deterministic interleavings the unit tests drive it through.
func (s *Store) Get(_ context.Context, key string, opt kv.RangeOption) (*kv.GetResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kvs []kv.KeyValue
	for k, e := range s.data {
		if !matches(k, key, opt) {
			continue
		}
		kvs = append(kvs, kv.KeyValue{
			Key:            k,
			Value:          append([]byte(nil), e.value...),
			CreateRevision: e.createRevision,
			ModRevision:    e.modRevision,
			Version:        e.version,
			Lease:          e.lease,
		})
	}

	if opt.SortByCreateRevision {
		sort.Slice(kvs, func(i, j int) bool { return kvs[i].CreateRevision < kvs[j].CreateRevision })
	} else {
		sort.Slice(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })
	}

	if opt.Limit > 0 && int64(len(kvs)) > opt.Limit {
		kvs = kvs[:opt.Limit]
	}

	return &kv.GetResponse{Kvs: kvs, Revision: s.revision}, nil
}

func (s *Store) checkCmp(c kv.Cmp) bool {
	e, ok := s.data[c.Key]
	switch c.Target {
	case kv.CmpVersion:
		if !ok {
			return c.Value == 0
		}
		return e.version == c.Value
	case kv.CmpCreateRevision:
		if !ok {
			return c.Value == 0
		}
		return e.createRevision == c.Value
	default:
		return false
	}
}

func (s *Store) applyOp(op kv.Op) []kv.WatchEvent {
	var events []kv.WatchEvent
	switch op.Kind {
	case kv.OpKindPut:
		s.revision++
		existing, had := s.data[op.Key]
		e := &entry{value: append([]byte(nil), op.Value...), lease: op.Lease, modRevision: s.revision}
		if had {
			e.createRevision = existing.createRevision
			e.version = existing.version + 1
		} else {
			e.createRevision = s.revision
			e.version = 1
		}
		s.data[op.Key] = e
		if op.Lease != 0 {
			if l, ok := s.leases[op.Lease]; ok {
				l.keys[op.Key] = true
			}
		}
		events = append(events, kv.WatchEvent{Type: kv.EventPut, Kv: kv.KeyValue{
			Key: op.Key, Value: e.value, CreateRevision: e.createRevision,
			ModRevision: e.modRevision, Version: e.version, Lease: e.lease,
		}})
	case kv.OpKindDelete:
		if op.Prefix {
			for k := range s.data {
				if strings.HasPrefix(k, op.Key) {
					s.revision++
					old := s.data[k]
					delete(s.data, k)
					events = append(events, kv.WatchEvent{Type: kv.EventDelete, Kv: kv.KeyValue{Key: k, ModRevision: s.revision, Version: old.version}})
				}
			}
		} else if _, ok := s.data[op.Key]; ok {
			s.revision++
			old := s.data[op.Key]
			delete(s.data, op.Key)
			events = append(events, kv.WatchEvent{Type: kv.EventDelete, Kv: kv.KeyValue{Key: op.Key, ModRevision: s.revision, Version: old.version}})
		}
	}
	return events
}

func (s *Store) Txn(_ context.Context, cmps []kv.Cmp, thenOps, elseOps []kv.Op) (*kv.TxnResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok := true
	for _, c := range cmps {
		if !s.checkCmp(c) {
			ok = false
			break
		}
	}

	ops := elseOps
	if ok {
		ops = thenOps
	}

	var events []kv.WatchEvent
	for _, op := range ops {
		events = append(events, s.applyOp(op)...)
	}
	s.notify(events)

	return &kv.TxnResponse{Succeeded: ok, Revision: s.revision}, nil
}

func (s *Store) notify(events []kv.WatchEvent) {
	if len(events) == 0 {
		return
	}
	rev := s.revision
	live := s.watchers[:0]
	for _, w := range s.watchers {
		select {
		case <-w.ctx.Done():
			w.closed = true
			close(w.ch)
			continue
		default:
		}

		var filtered []kv.WatchEvent
		for _, ev := range events {
			if w.isPrefix && !strings.HasPrefix(ev.Kv.Key, w.prefix) {
				continue
			}
			if !w.isPrefix && ev.Kv.Key != w.exact {
				continue
			}
			if ev.Type == kv.EventPut && w.filterPut {
				continue
			}
			if ev.Type == kv.EventDelete && w.filterDelete {
				continue
			}
			filtered = append(filtered, ev)
		}
		if len(filtered) > 0 {
			w.ch <- kv.WatchResponse{Events: filtered, Revision: rev}
		}
		live = append(live, w)
	}
	s.watchers = live
}

func (s *Store) Watch(ctx context.Context, key string, opt kv.WatchOption) <-chan kv.WatchResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan kv.WatchResponse, 16)
	w := &watcher{
		prefix: key, exact: key, isPrefix: opt.Prefix,
		fromRevision: opt.StartRevision, filterPut: opt.FilterPut, filterDelete: opt.FilterDelete,
		ch: ch, ctx: ctx,
	}
	s.watchers = append(s.watchers, w)

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if w.closed {
			// notify() already saw ctx.Done() first and closed the
			// channel while removing w from the live watcher list.
			return
		}
		for i, ww := range s.watchers {
			if ww == w {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				break
			}
		}
		w.closed = true
		close(w.ch)
	}()

	return ch
}

func (s *Store) LeaseGrant(_ context.Context, ttlSeconds int64) (kv.LeaseID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := kv.LeaseID(s.nextID)
	s.leases[id] = &lease{ttl: ttlSeconds, keys: make(map[string]bool)}
	return id, nil
}

func (s *Store) LeaseKeepAliveOnce(_ context.Context, id kv.LeaseID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[id]
	if !ok || l.revoked {
		return 0, nil
	}
	return l.ttl, nil
}

func (s *Store) LeaseRevoke(_ context.Context, id kv.LeaseID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[id]
	if !ok {
		return nil
	}
	l.revoked = true
	var events []kv.WatchEvent
	for k := range l.keys {
		if _, exists := s.data[k]; exists {
			events = append(events, s.applyOp(kv.OpDelete(k))...)
		}
	}
	delete(s.leases, id)
	s.notify(events)
	return nil
}

// ExpireLease simulates TTL exhaustion without a revoke call: tests use
// this to exercise orphan recovery without waiting out a real TTL.
func (s *Store) ExpireLease(id kv.LeaseID) {
	_ = s.LeaseRevoke(context.Background(), id)
}
