package monitor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/vectorlink-task/pkg/kv"
	"github.com/cuemby/vectorlink-task/pkg/kv/kvtest"
	"github.com/cuemby/vectorlink-task/pkg/lease"
	"github.com/cuemby/vectorlink-task/pkg/task"
	"github.com/cuemby/vectorlink-task/pkg/taskkey"
	"github.com/cuemby/vectorlink-task/pkg/tasktype"
)

func putTask(t *testing.T, ctx context.Context, store *kvtest.Store, prefixes taskkey.Prefixes, id string, rec tasktype.Record) int64 {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	_, err = store.Txn(ctx, nil, []kv.Op{kv.OpPut(prefixes.TaskKey(id), data, 0)}, nil)
	require.NoError(t, err)

	resp, err := store.Get(ctx, prefixes.TaskKey(id), kv.RangeOption{})
	require.NoError(t, err)
	require.Len(t, resp.Kvs, 1)
	return resp.Kvs[0].Version
}

func TestProcessTaskBytesEnqueuesPendingTask(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	prefixes := taskkey.NewPrefixes("indexer")
	svc := New(store, "indexer")

	rec := tasktype.Record{Status: tasktype.Pending}
	data, err := json.Marshal(rec)
	require.NoError(t, err)

	require.NoError(t, svc.processTaskBytes(ctx, "task-1", data, 1))

	resp, err := store.Get(ctx, prefixes.QueueKey("task-1"), kv.RangeOption{})
	require.NoError(t, err)
	assert.Len(t, resp.Kvs, 1)
}

func TestProcessTaskBytesEnqueuesResumingTask(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	prefixes := taskkey.NewPrefixes("indexer")
	svc := New(store, "indexer")

	rec := tasktype.Record{Status: tasktype.Resuming}
	data, err := json.Marshal(rec)
	require.NoError(t, err)

	require.NoError(t, svc.processTaskBytes(ctx, "task-1", data, 1))

	resp, err := store.Get(ctx, prefixes.QueueKey("task-1"), kv.RangeOption{})
	require.NoError(t, err)
	assert.Len(t, resp.Kvs, 1)
}

func TestProcessTaskBytesDoesNotEnqueueIfAlreadyQueued(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	prefixes := taskkey.NewPrefixes("indexer")
	svc := New(store, "indexer")

	_, err := store.Txn(ctx, nil, []kv.Op{kv.OpPut(prefixes.QueueKey("task-1"), nil, 0)}, nil)
	require.NoError(t, err)

	rec := tasktype.Record{Status: tasktype.Pending}
	data, err := json.Marshal(rec)
	require.NoError(t, err)

	require.NoError(t, svc.processTaskBytes(ctx, "task-1", data, 1))

	resp, err := store.Get(ctx, prefixes.QueueKey("task-1"), kv.RangeOption{})
	require.NoError(t, err)
	assert.Len(t, resp.Kvs, 1, "enqueue must not duplicate an existing queue entry")
}

func TestProcessTaskBytesUnparsableRewritesToError(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	prefixes := taskkey.NewPrefixes("indexer")
	svc := New(store, "indexer")

	version := putTask(t, ctx, store, prefixes, "task-1", tasktype.Record{Status: tasktype.Running})
	garbage := []byte("{not json")

	require.NoError(t, svc.processTaskBytes(ctx, "task-1", garbage, version))

	resp, err := store.Get(ctx, prefixes.TaskKey("task-1"), kv.RangeOption{})
	require.NoError(t, err)
	require.Len(t, resp.Kvs, 1)

	var rec tasktype.Record
	require.NoError(t, json.Unmarshal(resp.Kvs[0].Value, &rec))
	assert.Equal(t, tasktype.Error, rec.Status)

	var original string
	found, err := rec.TypedField("original", &original)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, string(garbage), original)
}

func TestResumeIfUnclaimedRecordSkipsClaimedTask(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	prefixes := taskkey.NewPrefixes("indexer")
	svc := New(store, "indexer")

	version := putTask(t, ctx, store, prefixes, "task-1", tasktype.Record{Status: tasktype.Running})
	_, err := store.Txn(ctx, nil, []kv.Op{kv.OpPut(prefixes.ClaimKey("task-1"), []byte("worker-1"), 0)}, nil)
	require.NoError(t, err)

	rec := tasktype.Record{Status: tasktype.Running}
	require.NoError(t, svc.resumeIfUnclaimedRecord(ctx, "task-1", rec, version))

	resp, err := store.Get(ctx, prefixes.TaskKey("task-1"), kv.RangeOption{})
	require.NoError(t, err)
	var after tasktype.Record
	require.NoError(t, json.Unmarshal(resp.Kvs[0].Value, &after))
	assert.Equal(t, tasktype.Running, after.Status, "a claimed Running task must be left alone")
}

func TestResumeIfUnclaimedRecordRecoversOrphan(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	prefixes := taskkey.NewPrefixes("indexer")
	svc := New(store, "indexer")

	version := putTask(t, ctx, store, prefixes, "task-1", tasktype.Record{Status: tasktype.Running})

	rec := tasktype.Record{Status: tasktype.Running}
	require.NoError(t, svc.resumeIfUnclaimedRecord(ctx, "task-1", rec, version))

	resp, err := store.Get(ctx, prefixes.TaskKey("task-1"), kv.RangeOption{})
	require.NoError(t, err)
	var after tasktype.Record
	require.NoError(t, json.Unmarshal(resp.Kvs[0].Value, &after))
	assert.Equal(t, tasktype.Resuming, after.Status, "an unclaimed orphaned Running task must be recovered to Resuming")
}

func TestWakeParentWakesOnlyWhenAllDependenciesTerminal(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	prefixes := taskkey.NewPrefixes("indexer")
	svc := New(store, "indexer")

	putTask(t, ctx, store, prefixes, "child-a", tasktype.Record{Status: tasktype.Complete, Parent: "parent-1"})
	putTask(t, ctx, store, prefixes, "child-b", tasktype.Record{Status: tasktype.Running})
	putTask(t, ctx, store, prefixes, "parent-1", tasktype.Record{
		Status:  tasktype.Waiting,
		Waiting: []string{"child-a", "child-b"},
	})

	childARec := tasktype.Record{Status: tasktype.Complete, Parent: "parent-1"}
	require.NoError(t, svc.wakeParent(ctx, "child-a", childARec))

	resp, err := store.Get(ctx, prefixes.TaskKey("parent-1"), kv.RangeOption{})
	require.NoError(t, err)
	var parentRec tasktype.Record
	require.NoError(t, json.Unmarshal(resp.Kvs[0].Value, &parentRec))
	assert.Equal(t, tasktype.Waiting, parentRec.Status, "the parent must stay Waiting while child-b is still Running")

	// Now child-b finishes too.
	bData, err := json.Marshal(tasktype.Record{Status: tasktype.Complete, Parent: "parent-1"})
	require.NoError(t, err)
	_, err = store.Txn(ctx, nil, []kv.Op{kv.OpPut(prefixes.TaskKey("child-b"), bData, 0)}, nil)
	require.NoError(t, err)

	childBRec := tasktype.Record{Status: tasktype.Complete, Parent: "parent-1"}
	require.NoError(t, svc.wakeParent(ctx, "child-b", childBRec))

	resp, err = store.Get(ctx, prefixes.TaskKey("parent-1"), kv.RangeOption{})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(resp.Kvs[0].Value, &parentRec))
	assert.Equal(t, tasktype.Resuming, parentRec.Status, "the parent must wake once every named dependency is terminal")
}

func TestWakeParentIgnoresUnrelatedTerminalTask(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	prefixes := taskkey.NewPrefixes("indexer")
	svc := New(store, "indexer")

	putTask(t, ctx, store, prefixes, "parent-1", tasktype.Record{
		Status:  tasktype.Waiting,
		Waiting: []string{"other-task"},
	})

	rec := tasktype.Record{Status: tasktype.Complete, Parent: "parent-1"}
	require.NoError(t, svc.wakeParent(ctx, "unrelated-child", rec))

	resp, err := store.Get(ctx, prefixes.TaskKey("parent-1"), kv.RangeOption{})
	require.NoError(t, err)
	var parentRec tasktype.Record
	require.NoError(t, json.Unmarshal(resp.Kvs[0].Value, &parentRec))
	assert.Equal(t, tasktype.Waiting, parentRec.Status, "a child not named in Waiting must not wake the parent")
}

// TestSpawnChildBeginWaitWakesParentEndToEnd drives the parent/child wait
// scenario through the real task.Task API (SpawnChild, BeginWait, Finish)
// rather than hand-built tasktype.Record values, then hands the child's
// terminal transition to the monitor's wakeParent exactly as the task
// update watcher would.
func TestSpawnChildBeginWaitWakesParentEndToEnd(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	prefixes := taskkey.NewPrefixes("indexer")
	svc := New(store, "indexer")

	putTask(t, ctx, store, prefixes, "parent-1", tasktype.Record{Status: tasktype.Running})
	parentLease, err := lease.Grant(ctx, store)
	require.NoError(t, err)
	parent, err := task.New(ctx, store, prefixes, "parent-1", "worker-1", parentLease)
	require.NoError(t, err)

	childID, err := parent.SpawnChild(ctx, map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.Contains(t, parent.State().Children, childID)

	require.NoError(t, parent.BeginWait(ctx, []string{childID}))
	assert.Equal(t, tasktype.Waiting, parent.Status())

	childLease, err := lease.Grant(ctx, store)
	require.NoError(t, err)
	child, err := task.New(ctx, store, prefixes, childID, "worker-2", childLease)
	require.NoError(t, err)
	require.NoError(t, child.Start(ctx))
	require.NoError(t, child.Finish(ctx, map[string]string{"done": "true"}))

	require.NoError(t, svc.wakeParent(ctx, childID, child.State()))

	resp, err := store.Get(ctx, prefixes.TaskKey("parent-1"), kv.RangeOption{})
	require.NoError(t, err)
	var parentRec tasktype.Record
	require.NoError(t, json.Unmarshal(resp.Kvs[0].Value, &parentRec))
	assert.Equal(t, tasktype.Resuming, parentRec.Status, "the parent must wake once its sole spawned child completes")
}

func TestAllTerminal(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	prefixes := taskkey.NewPrefixes("indexer")
	svc := New(store, "indexer")

	putTask(t, ctx, store, prefixes, "a", tasktype.Record{Status: tasktype.Complete})
	putTask(t, ctx, store, prefixes, "b", tasktype.Record{Status: tasktype.Error})

	allDone, err := svc.allTerminal(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.True(t, allDone)

	putTask(t, ctx, store, prefixes, "c", tasktype.Record{Status: tasktype.Running})
	allDone, err = svc.allTerminal(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.False(t, allDone)

	allDone, err = svc.allTerminal(ctx, []string{"a", "missing"})
	require.NoError(t, err)
	assert.False(t, allDone, "a missing dependency must be treated as not yet terminal")
}

func TestFullScanDispatchesExistingTasks(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	prefixes := taskkey.NewPrefixes("indexer")
	svc := New(store, "indexer")

	putTask(t, ctx, store, prefixes, "pending-1", tasktype.Record{Status: tasktype.Pending})

	revision, err := svc.fullScan(ctx)
	require.NoError(t, err)
	assert.NotZero(t, revision)

	resp, err := store.Get(ctx, prefixes.QueueKey("pending-1"), kv.RangeOption{})
	require.NoError(t, err)
	assert.Len(t, resp.Kvs, 1, "the startup scan must enqueue pre-existing Pending tasks")
}
