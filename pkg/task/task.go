// Package task implements the per-task state machine: claiming,
// interrupt consumption on keep-alive, typed payload-slot access, and the
// legal status transitions of spec §4.5. It is grounded directly on the
// Task type of the original task substrate, generalized from Rust's
// ownership model to Go's explicit context/error-return idiom.
package task

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/cuemby/vectorlink-task/pkg/kv"
	"github.com/cuemby/vectorlink-task/pkg/lease"
	"github.com/cuemby/vectorlink-task/pkg/log"
	"github.com/cuemby/vectorlink-task/pkg/queueerr"
	"github.com/cuemby/vectorlink-task/pkg/taskkey"
	"github.com/cuemby/vectorlink-task/pkg/tasktype"
)

// interruptPaused and interruptCanceled are the two values stored at an
// interrupt key.
const (
	interruptPaused   = "paused"
	interruptCanceled = "canceled"
)

// Task is a single claimed (or merely observed) task's live state and
// the prefixes/lease needed to mutate it.
type Task struct {
	store    kv.Store
	prefixes taskkey.Prefixes
	id       string
	identity string
	lease    *lease.Lease // nil if this Task was loaded without a claim

	state tasktype.Record
}

// Load reads the current record for id without claiming it. New and
// RefreshState use it to (re)load a claimed task's state.
func Load(ctx context.Context, store kv.Store, prefixes taskkey.Prefixes, id string) (tasktype.Record, int64, error) {
	resp, err := store.Get(ctx, prefixes.TaskKey(id), kv.RangeOption{})
	if err != nil {
		return tasktype.Record{}, 0, queueerr.New(queueerr.StoreError, "task.Load", err)
	}
	if len(resp.Kvs) == 0 {
		return tasktype.Record{}, 0, queueerr.New(queueerr.StoreError, "task.Load", fmt.Errorf("task %s not found", id))
	}
	var rec tasktype.Record
	if err := json.Unmarshal(resp.Kvs[0].Value, &rec); err != nil {
		return tasktype.Record{}, 0, queueerr.New(queueerr.SerializationError, "task.Load", err)
	}
	return rec, resp.Kvs[0].Version, nil
}

// New loads task id's record and returns a Task bound to an already
// granted lease and worker identity, ready for mutation.
func New(ctx context.Context, store kv.Store, prefixes taskkey.Prefixes, id, identity string, ld *lease.Lease) (*Task, error) {
	rec, _, err := Load(ctx, store, prefixes, id)
	if err != nil {
		return nil, err
	}
	return &Task{store: store, prefixes: prefixes, id: id, identity: identity, lease: ld, state: rec}, nil
}

// ID returns the task id.
func (t *Task) ID() string { return t.id }

// Prefixes returns the key-layout helper this task was loaded with, for
// callers that need the owning service name (e.g. to label a metric).
func (t *Task) Prefixes() taskkey.Prefixes { return t.prefixes }

// State returns the last-known record.
func (t *Task) State() tasktype.Record { return t.state }

// Status returns the last-known status.
func (t *Task) Status() tasktype.Status { return t.state.Status }

// Clone returns an independent Task sharing the same store/lease but
// with its own copy of the state, so mutations through the copy do not
// alias the original's state.
func (t *Task) Clone() *Task {
	return &Task{store: t.store, prefixes: t.prefixes, id: t.id, identity: t.identity, lease: t.lease, state: t.state.Clone()}
}

// Alive performs a keep-alive: renew the lease, then consume a pending
// interrupt (if any) by transitioning status and deleting the interrupt
// key in the same transaction. Calling Alive without a lease is a
// programmer error.
func (t *Task) Alive(ctx context.Context) error {
	if t.lease == nil {
		panic("task: Alive called on a task that was loaded without a lease")
	}
	if err := t.lease.Pulse(ctx); err != nil {
		return err
	}

	interruptKey := t.prefixes.InterruptKey(t.id)
	resp, err := t.store.Get(ctx, interruptKey, kv.RangeOption{})
	if err != nil {
		return queueerr.New(queueerr.StoreError, "task.Alive", err)
	}
	if len(resp.Kvs) == 0 {
		return nil
	}

	var next tasktype.Status
	switch string(resp.Kvs[0].Value) {
	case interruptCanceled:
		next = tasktype.Canceled
	case interruptPaused:
		next = tasktype.Paused
	default:
		panic(fmt.Sprintf("task: unknown interrupt reason %q", resp.Kvs[0].Value))
	}

	t.state.Status = next
	if err := t.updateStateNoAlive(ctx, []kv.Op{kv.OpDelete(interruptKey)}); err != nil {
		return err
	}
	// Surfaced as a distinct sentinel rather than nil: the status
	// transition has already happened here, so callers must not go on
	// to call Finish/FinishError, which would expect Running.
	return queueerr.New(queueerr.Interrupted, "task.Alive", nil)
}

// RefreshState re-reads the task record and, if this Task owns a claim,
// performs a keep-alive first (interrupt consumption may have changed
// the status already held by another path).
func (t *Task) RefreshState(ctx context.Context) error {
	if t.lease != nil {
		if err := t.Alive(ctx); err != nil {
			return err
		}
	}
	rec, _, err := Load(ctx, t.store, t.prefixes, t.id)
	if err != nil {
		return err
	}
	t.state = rec
	return nil
}

// updateStateNoAlive writes the claim (reasserting ownership under the
// same lease) and the task record in one transaction, plus any extra
// operations the caller wants applied atomically alongside (e.g.
// deleting a consumed interrupt).
func (t *Task) updateStateNoAlive(ctx context.Context, extra []kv.Op) error {
	data, err := json.Marshal(t.state)
	if err != nil {
		return queueerr.New(queueerr.SerializationError, "task.updateState", err)
	}

	ops := make([]kv.Op, 0, len(extra)+2)
	ops = append(ops, kv.OpPut(t.prefixes.ClaimKey(t.id), []byte(t.identity), t.lease.ID()))
	ops = append(ops, kv.OpPut(t.prefixes.TaskKey(t.id), data, 0))
	ops = append(ops, extra...)

	resp, err := t.store.Txn(ctx, nil, ops, nil)
	if err != nil {
		return queueerr.New(queueerr.StoreError, "task.updateState", err)
	}
	if !resp.Succeeded {
		return queueerr.New(queueerr.StoreError, "task.updateState", fmt.Errorf("unconditional transaction did not succeed"))
	}
	return nil
}

func (t *Task) updateState(ctx context.Context, extra []kv.Op) error {
	if err := t.Alive(ctx); err != nil {
		return err
	}
	return t.updateStateNoAlive(ctx, extra)
}

func (t *Task) verifyStatus(expected tasktype.Status) {
	if t.state.Status != expected {
		panic(fmt.Sprintf("task %s: expected status %s but was %s", t.id, expected, t.state.Status))
	}
}

func (t *Task) transitionTo(ctx context.Context, from, to tasktype.Status) error {
	t.verifyStatus(from)
	t.state.Status = to
	return t.updateState(ctx, nil)
}

// SetProgress stores v in the progress slot and performs the implicit
// keep-alive the spec requires of every write.
func (t *Task) SetProgress(ctx context.Context, v any) error {
	if err := t.state.SetProgress(v); err != nil {
		return queueerr.New(queueerr.SerializationError, "task.SetProgress", err)
	}
	return t.updateState(ctx, nil)
}

// Start transitions Pending -> Running.
func (t *Task) Start(ctx context.Context) error {
	return t.transitionTo(ctx, tasktype.Pending, tasktype.Running)
}

// Resume transitions Resuming -> Running.
func (t *Task) Resume(ctx context.Context) error {
	return t.transitionTo(ctx, tasktype.Resuming, tasktype.Running)
}

// BeginWait transitions Running -> Waiting, recording ids as the set of
// tasks this one is now waiting on. The monitor's task-update watcher wakes
// this task (Waiting -> Resuming) once every id in ids reaches a
// terminal status.
func (t *Task) BeginWait(ctx context.Context, ids []string) error {
	t.verifyStatus(tasktype.Running)
	t.state.Status = tasktype.Waiting
	t.state.Waiting = append([]string(nil), ids...)
	return t.updateState(ctx, nil)
}

// Finish writes the result slot, transitions Running -> Complete, then
// revokes the lease as an explicit follow-up call (DESIGN.md divergence
// #1: the revoke happens after the status transaction commits, not
// folded into it).
func (t *Task) Finish(ctx context.Context, result any) error {
	if err := t.state.SetResult(result); err != nil {
		return queueerr.New(queueerr.SerializationError, "task.Finish", err)
	}
	if err := t.transitionTo(ctx, tasktype.Running, tasktype.Complete); err != nil {
		return err
	}
	return t.releaseClaim(ctx)
}

// FinishError writes the error slot, transitions Running -> Error, then
// revokes the lease.
func (t *Task) FinishError(ctx context.Context, errVal any) error {
	if err := t.state.SetError(errVal); err != nil {
		return queueerr.New(queueerr.SerializationError, "task.FinishError", err)
	}
	if err := t.transitionTo(ctx, tasktype.Running, tasktype.Error); err != nil {
		return err
	}
	return t.releaseClaim(ctx)
}

func (t *Task) releaseClaim(ctx context.Context) error {
	if t.lease == nil {
		return nil
	}
	if err := t.lease.Revoke(ctx); err != nil {
		log.WithTaskID(t.id).Warn().Err(err).Msg("failed to revoke lease on terminal transition")
		return err
	}
	return nil
}

// SpawnChild allocates a new task id, writes it as a Pending record with
// parent set to this task, and appends the new id to this task's own
// children list through the normal reassert-claim-and-write path. It
// does not enqueue the child; the monitor's task-update watcher does
// that when it observes the new Pending record. Returns the new child's
// id to the caller.
func (t *Task) SpawnChild(ctx context.Context, init any) (string, error) {
	childID := uuid.NewString()

	childRec := tasktype.Record{Status: tasktype.Pending, Parent: t.id}
	if init != nil {
		if err := childRec.SetTypedField("init", init); err != nil {
			return "", queueerr.New(queueerr.SerializationError, "task.SpawnChild", err)
		}
	}
	childData, err := json.Marshal(childRec)
	if err != nil {
		return "", queueerr.New(queueerr.SerializationError, "task.SpawnChild", err)
	}

	t.state.Children = append(t.state.Children, childID)

	extra := []kv.Op{kv.OpPut(t.prefixes.TaskKey(childID), childData, 0)}
	if err := t.updateState(ctx, extra); err != nil {
		return "", err
	}
	return childID, nil
}
