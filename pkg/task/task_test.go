package task

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/vectorlink-task/pkg/kv"
	"github.com/cuemby/vectorlink-task/pkg/kv/kvtest"
	"github.com/cuemby/vectorlink-task/pkg/lease"
	"github.com/cuemby/vectorlink-task/pkg/queueerr"
	"github.com/cuemby/vectorlink-task/pkg/taskkey"
	"github.com/cuemby/vectorlink-task/pkg/tasktype"
)

func newTestTask(t *testing.T, ctx context.Context, store *kvtest.Store, prefixes taskkey.Prefixes, id string, rec tasktype.Record) *Task {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	_, err = store.Txn(ctx, nil, []kv.Op{kv.OpPut(prefixes.TaskKey(id), data, 0)}, nil)
	require.NoError(t, err)

	l, err := lease.Grant(ctx, store)
	require.NoError(t, err)

	tsk, err := New(ctx, store, prefixes, id, "worker-1", l)
	require.NoError(t, err)
	return tsk
}

func TestLoadMissingTask(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	prefixes := taskkey.NewPrefixes("indexer")

	_, _, err := Load(ctx, store, prefixes, "nope")
	assert.Error(t, err)
}

func TestStartAndFinish(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	prefixes := taskkey.NewPrefixes("indexer")

	tsk := newTestTask(t, ctx, store, prefixes, "task-1", tasktype.Record{Status: tasktype.Pending})

	require.NoError(t, tsk.Start(ctx))
	assert.Equal(t, tasktype.Running, tsk.Status())

	require.NoError(t, tsk.Finish(ctx, map[string]int{"ok": 1}))
	assert.Equal(t, tasktype.Complete, tsk.Status())

	rec, _, err := Load(ctx, store, prefixes, "task-1")
	require.NoError(t, err)
	assert.Equal(t, tasktype.Complete, rec.Status)

	var result map[string]int
	found, err := rec.Result(&result)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, result["ok"])
}

func TestStartWrongStatusPanics(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	prefixes := taskkey.NewPrefixes("indexer")

	tsk := newTestTask(t, ctx, store, prefixes, "task-1", tasktype.Record{Status: tasktype.Running})

	assert.Panics(t, func() {
		_ = tsk.Start(ctx)
	}, "starting a task that isn't Pending is a programmer error")
}

func TestBeginWaitTransition(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	prefixes := taskkey.NewPrefixes("indexer")

	tsk := newTestTask(t, ctx, store, prefixes, "task-1", tasktype.Record{Status: tasktype.Running})

	require.NoError(t, tsk.BeginWait(ctx, []string{"child-1", "child-2"}))
	assert.Equal(t, tasktype.Waiting, tsk.Status())
	assert.Equal(t, []string{"child-1", "child-2"}, tsk.State().Waiting)

	rec, _, err := Load(ctx, store, prefixes, "task-1")
	require.NoError(t, err)
	assert.Equal(t, tasktype.Waiting, rec.Status)
	assert.Equal(t, []string{"child-1", "child-2"}, rec.Waiting)
}

func TestBeginWaitWrongStatusPanics(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	prefixes := taskkey.NewPrefixes("indexer")

	tsk := newTestTask(t, ctx, store, prefixes, "task-1", tasktype.Record{Status: tasktype.Pending})

	assert.Panics(t, func() {
		_ = tsk.BeginWait(ctx, []string{"child-1"})
	}, "beginning a wait on a task that isn't Running is a programmer error")
}

func TestFinishErrorTransition(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	prefixes := taskkey.NewPrefixes("indexer")

	tsk := newTestTask(t, ctx, store, prefixes, "task-1", tasktype.Record{Status: tasktype.Running})

	require.NoError(t, tsk.FinishError(ctx, "boom"))
	assert.Equal(t, tasktype.Error, tsk.Status())

	rec, _, err := Load(ctx, store, prefixes, "task-1")
	require.NoError(t, err)
	var msg string
	found, err := rec.ErrorField(&msg)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "boom", msg)
}

func TestSetProgressPersists(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	prefixes := taskkey.NewPrefixes("indexer")

	tsk := newTestTask(t, ctx, store, prefixes, "task-1", tasktype.Record{Status: tasktype.Running})

	require.NoError(t, tsk.SetProgress(ctx, map[string]int{"step": 2}))

	rec, _, err := Load(ctx, store, prefixes, "task-1")
	require.NoError(t, err)
	var progress map[string]int
	found, err := rec.Progress(&progress)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 2, progress["step"])
}

func TestAliveWithNoInterruptIsNoop(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	prefixes := taskkey.NewPrefixes("indexer")

	tsk := newTestTask(t, ctx, store, prefixes, "task-1", tasktype.Record{Status: tasktype.Running})

	require.NoError(t, tsk.Alive(ctx))
	assert.Equal(t, tasktype.Running, tsk.Status())
}

func TestAliveWithoutLeasePanics(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	prefixes := taskkey.NewPrefixes("indexer")

	data, err := json.Marshal(tasktype.Record{Status: tasktype.Running})
	require.NoError(t, err)
	_, err = store.Txn(ctx, nil, []kv.Op{kv.OpPut(prefixes.TaskKey("task-1"), data, 0)}, nil)
	require.NoError(t, err)

	tsk, err := New(ctx, store, prefixes, "task-1", "worker-1", nil)
	require.NoError(t, err)

	assert.Panics(t, func() {
		_ = tsk.Alive(ctx)
	})
}

func TestAliveConsumesPauseInterrupt(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	prefixes := taskkey.NewPrefixes("indexer")

	tsk := newTestTask(t, ctx, store, prefixes, "task-1", tasktype.Record{Status: tasktype.Running})

	_, err := store.Txn(ctx, nil, []kv.Op{kv.OpPut(prefixes.InterruptKey("task-1"), []byte("paused"), 0)}, nil)
	require.NoError(t, err)

	err = tsk.Alive(ctx)
	require.Error(t, err)
	assert.True(t, queueerr.IsKind(err, queueerr.Interrupted), "Alive must surface the sentinel instead of nil when it consumes an interrupt")
	assert.Equal(t, tasktype.Paused, tsk.Status())

	resp, err := store.Get(ctx, prefixes.InterruptKey("task-1"), kv.RangeOption{})
	require.NoError(t, err)
	assert.Empty(t, resp.Kvs, "the interrupt key must be deleted once consumed")
}

func TestAliveConsumesCancelInterrupt(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	prefixes := taskkey.NewPrefixes("indexer")

	tsk := newTestTask(t, ctx, store, prefixes, "task-1", tasktype.Record{Status: tasktype.Running})

	_, err := store.Txn(ctx, nil, []kv.Op{kv.OpPut(prefixes.InterruptKey("task-1"), []byte("canceled"), 0)}, nil)
	require.NoError(t, err)

	err = tsk.Alive(ctx)
	require.Error(t, err)
	assert.True(t, queueerr.IsKind(err, queueerr.Interrupted))
	assert.Equal(t, tasktype.Canceled, tsk.Status())
}

func TestSpawnChildWritesPendingChildAndAppendsToParent(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	prefixes := taskkey.NewPrefixes("indexer")

	tsk := newTestTask(t, ctx, store, prefixes, "parent-1", tasktype.Record{Status: tasktype.Running})

	childID, err := tsk.SpawnChild(ctx, map[string]string{"x": "y"})
	require.NoError(t, err)
	assert.NotEmpty(t, childID)

	assert.Contains(t, tsk.State().Children, childID)

	childRec, _, err := Load(ctx, store, prefixes, childID)
	require.NoError(t, err)
	assert.Equal(t, tasktype.Pending, childRec.Status)
	assert.Equal(t, "parent-1", childRec.Parent)

	var init map[string]string
	found, err := childRec.Init(&init)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "y", init["x"])
}

func TestCloneIsIndependent(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	prefixes := taskkey.NewPrefixes("indexer")

	tsk := newTestTask(t, ctx, store, prefixes, "task-1", tasktype.Record{Status: tasktype.Running})
	clone := tsk.Clone()

	require.NoError(t, clone.SetProgress(ctx, map[string]int{"n": 1}))

	rec := tsk.State()
	found, err := rec.Progress(&map[string]int{})
	require.NoError(t, err)
	assert.False(t, found, "mutating the clone must not change the original Task's in-memory state")
}
