package resume

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/vectorlink-task/pkg/kv"
	"github.com/cuemby/vectorlink-task/pkg/kv/kvtest"
	"github.com/cuemby/vectorlink-task/pkg/taskkey"
	"github.com/cuemby/vectorlink-task/pkg/tasktype"
)

func putRecord(t *testing.T, ctx context.Context, store *kvtest.Store, prefixes taskkey.Prefixes, id string, rec tasktype.Record) {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	_, err = store.Txn(ctx, nil, []kv.Op{kv.OpPut(prefixes.TaskKey(id), data, 0)}, nil)
	require.NoError(t, err)
}

func TestTaskResumesErrorTask(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	prefixes := taskkey.NewPrefixes("indexer")

	rec := tasktype.Record{Status: tasktype.Error}
	require.NoError(t, rec.SetError("boom"))
	putRecord(t, ctx, store, prefixes, "task-1", rec)

	result, err := Task(ctx, store, prefixes, "task-1")
	require.NoError(t, err)
	assert.True(t, result.Resumed)
	assert.Equal(t, "task-1", result.ID)

	resp, err := store.Get(ctx, prefixes.TaskKey("task-1"), kv.RangeOption{})
	require.NoError(t, err)
	var after tasktype.Record
	require.NoError(t, json.Unmarshal(resp.Kvs[0].Value, &after))
	assert.Equal(t, tasktype.Resuming, after.Status)

	var msg string
	found, err := after.ErrorField(&msg)
	require.NoError(t, err)
	assert.False(t, found, "the error slot must be cleared on resume")
}

func TestTaskNotFound(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	prefixes := taskkey.NewPrefixes("indexer")

	result, err := Task(ctx, store, prefixes, "nope")
	require.NoError(t, err)
	assert.False(t, result.Resumed)
	assert.Equal(t, "not found", result.Reason)
}

func TestTaskNotInErrorState(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	prefixes := taskkey.NewPrefixes("indexer")

	putRecord(t, ctx, store, prefixes, "task-1", tasktype.Record{Status: tasktype.Running})

	result, err := Task(ctx, store, prefixes, "task-1")
	require.NoError(t, err)
	assert.False(t, result.Resumed)
	assert.Equal(t, "not in error state", result.Reason)
}

func TestAllResumesEveryMatchingErrorTask(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	prefixes := taskkey.NewPrefixes("indexer")

	putRecord(t, ctx, store, prefixes, "job-1-a", tasktype.Record{Status: tasktype.Error})
	putRecord(t, ctx, store, prefixes, "job-1-b", tasktype.Record{Status: tasktype.Error})
	putRecord(t, ctx, store, prefixes, "job-1-c", tasktype.Record{Status: tasktype.Running})
	putRecord(t, ctx, store, prefixes, "job-2-a", tasktype.Record{Status: tasktype.Error})

	results, err := All(ctx, store, prefixes, "job-1-")
	require.NoError(t, err)
	require.Len(t, results, 3)

	resumed := 0
	for _, r := range results {
		if r.Resumed {
			resumed++
		}
	}
	assert.Equal(t, 2, resumed, "only job-1-a and job-1-b are in Error state")
}

func TestAllWithNoMatches(t *testing.T) {
	store := kvtest.New()
	ctx := context.Background()
	prefixes := taskkey.NewPrefixes("indexer")

	results, err := All(ctx, store, prefixes, "nonexistent-")
	require.NoError(t, err)
	assert.Empty(t, results)
}
