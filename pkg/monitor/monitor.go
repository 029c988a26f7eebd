// Package monitor implements the cluster-wide housekeeping service of
// spec §4.8: a startup full scan followed by watchers that enqueue newly
// pending/resuming tasks, recover orphaned claims, wake waiting parents,
// and resume waiting tasks once every dependency they name has reached a
// terminal state. It is grounded on the task-monitor binary's
// init/task/orphan/wait modules, collapsed into one service type built
// around goroutines instead of independent tokio watch loops.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/vectorlink-task/pkg/kv"
	"github.com/cuemby/vectorlink-task/pkg/log"
	"github.com/cuemby/vectorlink-task/pkg/metrics"
	"github.com/cuemby/vectorlink-task/pkg/queueerr"
	"github.com/cuemby/vectorlink-task/pkg/taskkey"
	"github.com/cuemby/vectorlink-task/pkg/tasktype"
)

// componentLog tags every log line this package emits with component=monitor.
// A function, not a package var, so it picks up log.Logger as configured
// by the caller's log.Init rather than freezing the pre-Init zero value.
func componentLog() zerolog.Logger { return log.WithComponent("monitor") }

// DefaultFullScanPageSize is the page size used for the startup scan of
// the tasks prefix unless Options overrides it.
const DefaultFullScanPageSize = 10000

// Options configures a Service beyond its store and service name.
type Options struct {
	// ScanPageSize overrides DefaultFullScanPageSize. Zero means use the
	// default.
	ScanPageSize int64
}

// Service is one running monitor for a single queue service.
type Service struct {
	store        kv.Store
	prefixes     taskkey.Prefixes
	scanPageSize int64
}

// New returns a monitor service for the given service name, backed by
// store.
func New(store kv.Store, service string, opts ...Options) *Service {
	pageSize := int64(DefaultFullScanPageSize)
	if len(opts) > 0 && opts[0].ScanPageSize > 0 {
		pageSize = opts[0].ScanPageSize
	}
	return &Service{store: store, prefixes: taskkey.NewPrefixes(service), scanPageSize: pageSize}
}

// Run performs the startup full scan and then watches for task updates
// and orphaned claims until ctx is canceled or one of the watchers
// reports an unrecoverable store error.
func (s *Service) Run(ctx context.Context) error {
	revision, err := s.fullScan(ctx)
	if err != nil {
		return err
	}
	componentLog().Info().Int64("revision", revision).Msg("monitor: initial scan complete, starting watchers")

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		errs <- s.watchTaskUpdates(watchCtx, revision+1)
	}()
	go func() {
		defer wg.Done()
		errs <- s.watchOrphans(watchCtx, revision+1)
	}()

	var firstErr error
	for i := 0; i < 2; i++ {
		if e := <-errs; e != nil && firstErr == nil {
			firstErr = e
			cancel()
		}
	}
	wg.Wait()
	return firstErr
}

// fullScan walks the tasks prefix in pages, pinning the revision of the
// first page and feeding every record through processTaskBytes, then returns
// the pinned revision so the watchers can resume immediately after it.
func (s *Service) fullScan(ctx context.Context) (int64, error) {
	prefix := s.prefixes.TasksPrefix()
	rangeEnd := taskkey.KeyAfterPrefix(prefix)

	pinnedRevision := int64(0)
	cursor := prefix

	for {
		opt := kv.RangeOption{RangeEnd: rangeEnd, Limit: s.scanPageSize}
		if pinnedRevision != 0 {
			opt.Revision = pinnedRevision
		}
		resp, err := s.store.Get(ctx, cursor, opt)
		if err != nil {
			return 0, queueerr.New(queueerr.StoreError, "monitor.fullScan", err)
		}
		if pinnedRevision == 0 {
			pinnedRevision = resp.Revision
		}
		if len(resp.Kvs) == 0 {
			break
		}

		for _, item := range resp.Kvs {
			id, err := taskkey.TaskID(prefix, item.Key)
			if err != nil {
				continue
			}
			if err := s.processTaskBytes(ctx, id, item.Value, item.Version); err != nil {
				return 0, err
			}
		}

		if int64(len(resp.Kvs)) < s.scanPageSize {
			break
		}
		cursor = taskkey.NextKey(resp.Kvs[len(resp.Kvs)-1].Key)
	}

	return pinnedRevision, nil
}

// watchTaskUpdates watches the tasks prefix for put events (deletes never
// happen to task records) and feeds each updated record through
// processTaskBytes.
func (s *Service) watchTaskUpdates(ctx context.Context, fromRevision int64) error {
	prefix := s.prefixes.TasksPrefix()
	ch := s.store.Watch(ctx, prefix, kv.WatchOption{Prefix: true, StartRevision: fromRevision, FilterDelete: true})

	for resp := range ch {
		if resp.Err != nil {
			return queueerr.New(queueerr.StoreError, "monitor.watchTaskUpdates", resp.Err)
		}
		for _, ev := range resp.Events {
			id, err := taskkey.TaskID(prefix, ev.Kv.Key)
			if err != nil {
				continue
			}
			if err := s.processTaskBytes(ctx, id, ev.Kv.Value, ev.Kv.Version); err != nil {
				return err
			}
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return queueerr.New(queueerr.StoreError, "monitor.watchTaskUpdates", fmt.Errorf("task watch stream ended unexpectedly"))
}

// watchOrphans watches the claims prefix for delete events (a claim
// disappears either because the owner released it cleanly, in which case
// the task record is already terminal or was re-enqueued by the task
// watcher, or because its lease expired, in which case the task may still
// need recovering) and attempts to resume the corresponding task if it is
// still Running and unclaimed.
func (s *Service) watchOrphans(ctx context.Context, fromRevision int64) error {
	prefix := s.prefixes.ClaimsPrefix()
	ch := s.store.Watch(ctx, prefix, kv.WatchOption{Prefix: true, StartRevision: fromRevision, FilterPut: true})

	for resp := range ch {
		if resp.Err != nil {
			return queueerr.New(queueerr.StoreError, "monitor.watchOrphans", resp.Err)
		}
		for _, ev := range resp.Events {
			id, err := taskkey.TaskID(prefix, ev.Kv.Key)
			if err != nil {
				continue
			}
			if err := s.resumeIfUnclaimed(ctx, id); err != nil {
				return err
			}
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return queueerr.New(queueerr.StoreError, "monitor.watchOrphans", fmt.Errorf("claims watch stream ended unexpectedly"))
}

// processTaskBytes parses a task record observed at some key version and
// dispatches it by status. An unparsable record is immediately put into
// the Error status (guarded by a version check so a concurrent fix-up
// isn't clobbered), mirroring the original monitor's defensive handling
// of corrupt records.
func (s *Service) processTaskBytes(ctx context.Context, id string, data []byte, version int64) error {
	var rec tasktype.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		log.WithTaskID(id).Error().Err(err).Msg("monitor: unparsable task record")
		return s.markUnparsable(ctx, id, data, version, err)
	}

	switch rec.Status {
	case tasktype.Pending, tasktype.Resuming:
		return s.enqueue(ctx, id)
	case tasktype.Running:
		return s.resumeIfUnclaimedRecord(ctx, id, rec, version)
	case tasktype.Complete, tasktype.Error, tasktype.Canceled:
		metrics.TasksFinishedTotal.WithLabelValues(s.prefixes.Service, string(rec.Status)).Inc()
		return s.wakeParent(ctx, id, rec)
	case tasktype.Waiting:
		return s.tryResumeWaiting(ctx, id, rec, version)
	default:
		return nil
	}
}

func (s *Service) markUnparsable(ctx context.Context, id string, original []byte, version int64, parseErr error) error {
	rec := tasktype.Record{Status: tasktype.Error}
	if err := rec.SetError(fmt.Sprintf("unparsable task: %v", parseErr)); err != nil {
		return queueerr.New(queueerr.SerializationError, "monitor.markUnparsable", err)
	}
	if err := rec.SetTypedField("original", string(original)); err != nil {
		return queueerr.New(queueerr.SerializationError, "monitor.markUnparsable", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return queueerr.New(queueerr.SerializationError, "monitor.markUnparsable", err)
	}

	taskKey := s.prefixes.TaskKey(id)
	_, txnErr := s.store.Txn(ctx,
		[]kv.Cmp{kv.CompareVersion(taskKey, version)},
		[]kv.Op{kv.OpPut(taskKey, data, 0)},
		nil,
	)
	if txnErr != nil {
		return queueerr.New(queueerr.StoreError, "monitor.markUnparsable", txnErr)
	}
	metrics.RecordsRewrittenTotal.Inc()
	return nil
}

// enqueue puts the task onto the queue, but only if it is both unclaimed
// and not already enqueued.
func (s *Service) enqueue(ctx context.Context, id string) error {
	claimKey := s.prefixes.ClaimKey(id)
	queueKey := s.prefixes.QueueKey(id)

	resp, err := s.store.Txn(ctx,
		[]kv.Cmp{kv.CompareVersion(claimKey, 0), kv.CompareVersion(queueKey, 0)},
		[]kv.Op{kv.OpPut(queueKey, nil, 0)},
		nil,
	)
	if err != nil {
		return queueerr.New(queueerr.StoreError, "monitor.enqueue", err)
	}
	if resp.Succeeded {
		metrics.TasksEnqueuedTotal.Inc()
		log.WithTaskID(id).Debug().Msg("monitor: enqueued task")
	}
	return nil
}

// resumeIfUnclaimedRecord transitions a Running task to Resuming and
// re-enqueues it, but only if nobody currently holds its claim: a task
// that is Running and claimed is being actively worked and must be left
// alone.
func (s *Service) resumeIfUnclaimedRecord(ctx context.Context, id string, rec tasktype.Record, version int64) error {
	claimKey := s.prefixes.ClaimKey(id)
	resp, err := s.store.Get(ctx, claimKey, kv.RangeOption{})
	if err != nil {
		return queueerr.New(queueerr.StoreError, "monitor.resumeIfUnclaimedRecord", err)
	}
	if len(resp.Kvs) > 0 {
		return nil
	}
	return s.resumeIfUnclaimed(ctx, id)
}

// resumeIfUnclaimed re-reads the task record fresh and, if it is Running
// and still has no claim, transitions it to Resuming and deletes any
// stale interrupt, both guarded by optimistic version checks so a
// concurrently arriving claim wins the race cleanly.
func (s *Service) resumeIfUnclaimed(ctx context.Context, id string) error {
	taskKey := s.prefixes.TaskKey(id)
	resp, err := s.store.Get(ctx, taskKey, kv.RangeOption{})
	if err != nil {
		return queueerr.New(queueerr.StoreError, "monitor.resumeIfUnclaimed", err)
	}
	if len(resp.Kvs) == 0 {
		return nil
	}
	item := resp.Kvs[0]

	var rec tasktype.Record
	if err := json.Unmarshal(item.Value, &rec); err != nil {
		return nil
	}
	if rec.Status != tasktype.Running {
		return nil
	}
	rec.Status = tasktype.Resuming

	data, err := json.Marshal(rec)
	if err != nil {
		return queueerr.New(queueerr.SerializationError, "monitor.resumeIfUnclaimed", err)
	}

	claimKey := s.prefixes.ClaimKey(id)
	interruptKey := s.prefixes.InterruptKey(id)
	txnResp, err := s.store.Txn(ctx,
		[]kv.Cmp{kv.CompareVersion(taskKey, item.Version), kv.CompareVersion(claimKey, 0)},
		[]kv.Op{kv.OpPut(taskKey, data, 0), kv.OpDelete(interruptKey)},
		nil,
	)
	if err != nil {
		return queueerr.New(queueerr.StoreError, "monitor.resumeIfUnclaimed", err)
	}
	if txnResp.Succeeded {
		metrics.OrphansRecoveredTotal.Inc()
		log.WithTaskID(id).Info().Msg("monitor: recovered orphaned claim")
	}
	return nil
}

// wakeParent checks whether task id's parent is Waiting on it and, if
// every dependency the parent is waiting on (not just this one) has now
// reached a terminal state, wakes the parent. This is a deliberate
// divergence from waking on the first terminal dependency: the parent's
// Waiting list names every dependency it needs, so it must not resume
// until all of them are done.
func (s *Service) wakeParent(ctx context.Context, id string, rec tasktype.Record) error {
	if rec.Parent == "" {
		return nil
	}

	parentKey := s.prefixes.TaskKey(rec.Parent)
	resp, err := s.store.Get(ctx, parentKey, kv.RangeOption{})
	if err != nil {
		return queueerr.New(queueerr.StoreError, "monitor.wakeParent", err)
	}
	if len(resp.Kvs) == 0 {
		return nil
	}
	item := resp.Kvs[0]

	var parentRec tasktype.Record
	if err := json.Unmarshal(item.Value, &parentRec); err != nil {
		return nil
	}
	if parentRec.Status != tasktype.Waiting {
		return nil
	}
	if !containsID(parentRec.Waiting, id) {
		return nil
	}

	return s.tryResumeWaiting(ctx, rec.Parent, parentRec, item.Version)
}

// tryResumeWaiting wakes a Waiting task once every id it names in its
// Waiting list has reached a terminal state (or it names none at all).
func (s *Service) tryResumeWaiting(ctx context.Context, id string, rec tasktype.Record, version int64) error {
	if rec.Status != tasktype.Waiting {
		return nil
	}

	if len(rec.Waiting) > 0 {
		allDone, err := s.allTerminal(ctx, rec.Waiting)
		if err != nil {
			return err
		}
		if !allDone {
			return nil
		}
	}

	rec.Status = tasktype.Resuming
	data, err := json.Marshal(rec)
	if err != nil {
		return queueerr.New(queueerr.SerializationError, "monitor.tryResumeWaiting", err)
	}

	taskKey := s.prefixes.TaskKey(id)
	resp, err := s.store.Txn(ctx,
		[]kv.Cmp{kv.CompareVersion(taskKey, version)},
		[]kv.Op{kv.OpPut(taskKey, data, 0)},
		nil,
	)
	if err != nil {
		return queueerr.New(queueerr.StoreError, "monitor.tryResumeWaiting", err)
	}
	if resp.Succeeded {
		metrics.ParentsWokenTotal.Inc()
		log.WithTaskID(id).Info().Msg("monitor: woke waiting task")
	}
	return nil
}

// allTerminal fetches every named dependency concurrently and reports
// whether all of them exist and are in a terminal state. A missing
// dependency is treated as not-yet-terminal: it may simply not have been
// created yet.
func (s *Service) allTerminal(ctx context.Context, ids []string) (bool, error) {
	type result struct {
		terminal bool
		err      error
	}
	results := make([]result, len(ids))

	var wg sync.WaitGroup
	for i, depID := range ids {
		wg.Add(1)
		go func(i int, depID string) {
			defer wg.Done()
			resp, err := s.store.Get(ctx, s.prefixes.TaskKey(depID), kv.RangeOption{})
			if err != nil {
				results[i] = result{err: queueerr.New(queueerr.StoreError, "monitor.allTerminal", err)}
				return
			}
			if len(resp.Kvs) == 0 {
				results[i] = result{terminal: false}
				return
			}
			var depRec tasktype.Record
			if err := json.Unmarshal(resp.Kvs[0].Value, &depRec); err != nil {
				results[i] = result{terminal: false}
				return
			}
			results[i] = result{terminal: depRec.Status.IsTerminal()}
		}(i, depID)
	}
	wg.Wait()

	for _, r := range results {
		if r.err != nil {
			return false, r.err
		}
		if !r.terminal {
			return false, nil
		}
	}
	return true, nil
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
