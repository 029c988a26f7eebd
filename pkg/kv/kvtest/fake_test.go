package kvtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/vectorlink-task/pkg/kv"
)

func TestTxnCompareVersionGuardsCreate(t *testing.T) {
	store := New()
	ctx := context.Background()

	resp, err := store.Txn(ctx,
		[]kv.Cmp{kv.CompareVersion("k", 0)},
		[]kv.Op{kv.OpPut("k", []byte("v1"), 0)},
		nil,
	)
	require.NoError(t, err)
	assert.True(t, resp.Succeeded, "a create guarded on version==0 must succeed against a missing key")

	resp, err = store.Txn(ctx,
		[]kv.Cmp{kv.CompareVersion("k", 0)},
		[]kv.Op{kv.OpPut("k", []byte("v2"), 0)},
		[]kv.Op{kv.OpPut("k-else", []byte("ran"), 0)},
	)
	require.NoError(t, err)
	assert.False(t, resp.Succeeded, "the same guard must fail once the key exists")

	got, err := store.Get(ctx, "k-else", kv.RangeOption{})
	require.NoError(t, err)
	require.Len(t, got.Kvs, 1, "the else branch must run when the guard fails")
}

func TestGetPrefixAndSortByCreateRevision(t *testing.T) {
	store := New()
	ctx := context.Background()

	for _, id := range []string{"b", "a", "c"} {
		_, err := store.Txn(ctx, nil, []kv.Op{kv.OpPut("queue/" + id, nil, 0)}, nil)
		require.NoError(t, err)
	}

	resp, err := store.Get(ctx, "queue/", kv.RangeOption{Prefix: true, SortByCreateRevision: true})
	require.NoError(t, err)
	require.Len(t, resp.Kvs, 3)

	var order []string
	for _, item := range resp.Kvs {
		order = append(order, item.Key)
	}
	assert.Equal(t, []string{"queue/b", "queue/a", "queue/c"}, order, "sort-by-create-revision must reflect insertion order, not key order")
}

func TestLeaseRevokeDeletesOwnedKeys(t *testing.T) {
	store := New()
	ctx := context.Background()

	id, err := store.LeaseGrant(ctx, 10)
	require.NoError(t, err)

	_, err = store.Txn(ctx, nil, []kv.Op{kv.OpPut("claims/x", []byte("owner"), id)}, nil)
	require.NoError(t, err)

	require.NoError(t, store.LeaseRevoke(ctx, id))

	resp, err := store.Get(ctx, "claims/x", kv.RangeOption{})
	require.NoError(t, err)
	assert.Empty(t, resp.Kvs, "revoking a lease must delete every key it owns")
}

func TestWatchDeliversPutEvent(t *testing.T) {
	store := New()
	ctx := context.Background()

	ch := store.Watch(ctx, "tasks/", kv.WatchOption{Prefix: true})

	_, err := store.Txn(ctx, nil, []kv.Op{kv.OpPut("tasks/t1", []byte("x"), 0)}, nil)
	require.NoError(t, err)

	select {
	case resp := <-ch:
		require.NoError(t, resp.Err)
		require.Len(t, resp.Events, 1)
		assert.Equal(t, kv.EventPut, resp.Events[0].Type)
		assert.Equal(t, "tasks/t1", resp.Events[0].Kv.Key)
	case <-time.After(time.Second):
		t.Fatal("did not receive expected watch event")
	}
}

func TestWatchChannelClosesOnContextCancel(t *testing.T) {
	store := New()
	watchCtx, cancel := context.WithCancel(context.Background())

	ch := store.Watch(watchCtx, "tasks/", kv.WatchOption{Prefix: true})
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "the watch channel must be closed once its context is canceled")
	case <-time.After(time.Second):
		t.Fatal("watch channel was never closed after context cancellation")
	}
}

func TestWatchFilterPutAndDelete(t *testing.T) {
	store := New()
	ctx := context.Background()

	_, err := store.Txn(ctx, nil, []kv.Op{kv.OpPut("claims/x", nil, 0)}, nil)
	require.NoError(t, err)

	ch := store.Watch(ctx, "claims/", kv.WatchOption{Prefix: true, FilterPut: true})

	_, err = store.Txn(ctx, nil, []kv.Op{kv.OpDelete("claims/x")}, nil)
	require.NoError(t, err)

	select {
	case resp := <-ch:
		require.Len(t, resp.Events, 1)
		assert.Equal(t, kv.EventDelete, resp.Events[0].Type)
	case <-time.After(time.Second):
		t.Fatal("did not receive expected delete event")
	}
}
