// Package queue is the worker-facing entry point: Connect and NextTask.
// NextTask implements the scan-then-watch claim algorithm of spec §4.4,
// grounded directly on the original Queue::next_task/claim_task.
package queue

import (
	"context"
	"fmt"

	"github.com/cuemby/vectorlink-task/pkg/kv"
	"github.com/cuemby/vectorlink-task/pkg/kv/etcdstore"
	"github.com/cuemby/vectorlink-task/pkg/lease"
	"github.com/cuemby/vectorlink-task/pkg/log"
	"github.com/cuemby/vectorlink-task/pkg/queueerr"
	"github.com/cuemby/vectorlink-task/pkg/task"
	"github.com/cuemby/vectorlink-task/pkg/taskkey"
)

// ScanPageSize is the page size used when scanning the queue prefix for
// claimable entries.
const ScanPageSize = 100

// Queue is a worker's connection to the task substrate for one service.
type Queue struct {
	store    kv.Store
	prefixes taskkey.Prefixes
	service  string
	identity string
	owned    bool // true if Queue opened the store and must close it
}

// Connect dials the given etcd endpoints and returns a Queue scoped to
// service, identified to other clients as identity.
func Connect(ctx context.Context, endpoints []string, service, identity string, opts ...etcdstore.Options) (*Queue, error) {
	st, err := etcdstore.Connect(endpoints, opts...)
	if err != nil {
		return nil, queueerr.New(queueerr.StoreError, "queue.Connect", err)
	}
	q := FromStore(st, service, identity)
	q.owned = true
	return q, nil
}

// FromStore builds a Queue over an already-open kv.Store, used by tests
// (with an in-memory fake) and by any caller that manages its own store
// lifecycle.
func FromStore(store kv.Store, service, identity string) *Queue {
	return &Queue{store: store, prefixes: taskkey.NewPrefixes(service), service: service, identity: identity}
}

// Close releases the underlying store connection if this Queue opened it.
func (q *Queue) Close() error {
	if q.owned {
		return q.store.Close()
	}
	return nil
}

// Identity returns this queue client's worker identity string.
func (q *Queue) Identity() string { return q.identity }

// Prefixes exposes the key-layout helper for this queue's service, for
// callers (the handler runtime, the resume tool) that need to build keys
// directly.
func (q *Queue) Prefixes() taskkey.Prefixes { return q.prefixes }

// Store exposes the underlying kv.Store, for callers that need direct
// access to it beyond what Queue's own methods cover.
func (q *Queue) Store() kv.Store { return q.store }

// claim attempts to take ownership of id: if no claim exists, delete the
// queue entry and create the claim under a freshly granted lease in one
// transaction. If a claim already exists, the queue entry is still
// deleted (it is redundant: someone else already owns the task) and
// claim reports ok=false.
func (q *Queue) claim(ctx context.Context, id string) (*task.Task, bool, error) {
	ld, err := lease.Grant(ctx, q.store)
	if err != nil {
		return nil, false, err
	}

	claimKey := q.prefixes.ClaimKey(id)
	queueKey := q.prefixes.QueueKey(id)

	resp, err := q.store.Txn(ctx,
		[]kv.Cmp{kv.CompareVersion(claimKey, 0)},
		[]kv.Op{kv.OpDelete(queueKey), kv.OpPut(claimKey, []byte(q.identity), ld.ID())},
		[]kv.Op{kv.OpDelete(queueKey)},
	)
	if err != nil {
		return nil, false, queueerr.New(queueerr.StoreError, "queue.claim", err)
	}
	if !resp.Succeeded {
		if revokeErr := ld.Revoke(ctx); revokeErr != nil {
			log.WithTaskID(id).Warn().Err(revokeErr).Msg("failed to revoke unused lease after lost claim race")
		}
		return nil, false, nil
	}

	t, err := task.New(ctx, q.store, q.prefixes, id, q.identity, ld)
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// NextTask returns the next claimable task: it range-scans the queue
// prefix in ascending creation-revision order, attempting to claim each
// entry until one succeeds; on exhaustion it installs a prefix watcher
// from the scan's anchor revision and claims the first entry that
// appears.
func (q *Queue) NextTask(ctx context.Context) (*task.Task, error) {
	prefix := q.prefixes.QueuePrefix()
	rangeEnd := taskkey.KeyAfterPrefix(prefix)

	anchorRevision := int64(0)
	cursor := prefix

	for {
		resp, err := q.store.Get(ctx, cursor, kv.RangeOption{
			RangeEnd:             rangeEnd,
			Limit:                ScanPageSize,
			SortByCreateRevision: true,
		})
		if err != nil {
			return nil, queueerr.New(queueerr.StoreError, "queue.NextTask", err)
		}
		if anchorRevision == 0 {
			anchorRevision = resp.Revision
		}

		if len(resp.Kvs) == 0 {
			break
		}

		for _, kvItem := range resp.Kvs {
			id, err := taskkey.TaskID(prefix, kvItem.Key)
			if err != nil {
				return nil, queueerr.New(queueerr.StoreError, "queue.NextTask", err)
			}
			t, ok, err := q.claim(ctx, id)
			if err != nil {
				return nil, err
			}
			if ok {
				return t, nil
			}
		}

		if int64(len(resp.Kvs)) < ScanPageSize {
			break
		}
		cursor = taskkey.NextKey(resp.Kvs[len(resp.Kvs)-1].Key)
	}

	return q.waitForTask(ctx, prefix, anchorRevision)
}

// waitForTask watches the queue prefix starting one revision after the
// scan's anchor and claims the first PUT event that wins its claim race.
// The original source panics if the watch stream ends prematurely; this
// is treated the same way here (StoreError), since a closed watch with
// no cancellation means the connection to the store was lost.
func (q *Queue) waitForTask(ctx context.Context, prefix string, anchorRevision int64) (*task.Task, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := q.store.Watch(watchCtx, prefix, kv.WatchOption{
		Prefix:        true,
		StartRevision: anchorRevision + 1,
		FilterDelete:  true,
	})

	for resp := range ch {
		if resp.Err != nil {
			return nil, queueerr.New(queueerr.StoreError, "queue.NextTask", resp.Err)
		}
		if resp.Canceled {
			return nil, queueerr.New(queueerr.StoreError, "queue.NextTask", fmt.Errorf("queue watch stream ended unexpectedly"))
		}
		for _, ev := range resp.Events {
			if ev.Type != kv.EventPut {
				continue
			}
			id, err := taskkey.TaskID(prefix, ev.Kv.Key)
			if err != nil {
				continue
			}
			t, ok, err := q.claim(ctx, id)
			if err != nil {
				return nil, err
			}
			if ok {
				return t, nil
			}
		}
	}

	return nil, queueerr.New(queueerr.StoreError, "queue.NextTask", fmt.Errorf("queue watch stream ended unexpectedly"))
}
