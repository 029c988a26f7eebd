// Package resume implements the operator resume tool of spec §4.9: moving
// a single Error task back to Resuming, and a supplemented resume-all
// bulk variant that applies the same operation across every task under a
// given id prefix. Grounded on task-util/src/resume.rs, generalized from
// a one-off CLI function into a reusable package the resume-tool binary
// and tests both call into.
package resume

import (
	"context"
	"encoding/json"

	"github.com/cuemby/vectorlink-task/pkg/kv"
	"github.com/cuemby/vectorlink-task/pkg/queueerr"
	"github.com/cuemby/vectorlink-task/pkg/taskkey"
	"github.com/cuemby/vectorlink-task/pkg/tasktype"
)

// Result reports what Task (or one entry of All) did for a single id.
type Result struct {
	ID      string
	Resumed bool
	// Reason explains a false Resumed: "not found", "not in error state",
	// or "changed concurrently".
	Reason string
}

// Task resumes a single Error task back to Resuming, clearing its error
// slot, guarded by an optimistic version check so a concurrent write
// (e.g. the monitor noticing something else first) is detected rather
// than clobbered.
func Task(ctx context.Context, store kv.Store, prefixes taskkey.Prefixes, id string) (Result, error) {
	taskKey := prefixes.TaskKey(id)

	resp, err := store.Get(ctx, taskKey, kv.RangeOption{})
	if err != nil {
		return Result{}, queueerr.New(queueerr.StoreError, "resume.Task", err)
	}
	if len(resp.Kvs) == 0 {
		return Result{ID: id, Resumed: false, Reason: "not found"}, nil
	}
	item := resp.Kvs[0]

	var rec tasktype.Record
	if err := json.Unmarshal(item.Value, &rec); err != nil {
		return Result{}, queueerr.New(queueerr.SerializationError, "resume.Task", err)
	}
	if rec.Status != tasktype.Error {
		return Result{ID: id, Resumed: false, Reason: "not in error state"}, nil
	}

	rec.Status = tasktype.Resuming
	rec.ClearError()

	data, err := json.Marshal(rec)
	if err != nil {
		return Result{}, queueerr.New(queueerr.SerializationError, "resume.Task", err)
	}

	txnResp, err := store.Txn(ctx,
		[]kv.Cmp{kv.CompareVersion(taskKey, item.Version)},
		[]kv.Op{kv.OpPut(taskKey, data, 0)},
		nil,
	)
	if err != nil {
		return Result{}, queueerr.New(queueerr.StoreError, "resume.Task", err)
	}
	if !txnResp.Succeeded {
		return Result{ID: id, Resumed: false, Reason: "changed concurrently"}, nil
	}
	return Result{ID: id, Resumed: true}, nil
}

// All resumes every Error task whose id starts with idPrefix, returning
// one Result per task encountered. It is a fresh addition beyond the
// original single-task tool, useful for recovering a whole batch of
// related tasks (e.g. every task spawned for one job) after a fix has
// been deployed.
func All(ctx context.Context, store kv.Store, prefixes taskkey.Prefixes, idPrefix string) ([]Result, error) {
	prefix := prefixes.TaskKey(idPrefix)
	rangeEnd := taskkey.KeyAfterPrefix(prefix)

	var results []Result
	cursor := prefix
	const pageSize = 1000

	for {
		resp, err := store.Get(ctx, cursor, kv.RangeOption{RangeEnd: rangeEnd, Limit: pageSize})
		if err != nil {
			return nil, queueerr.New(queueerr.StoreError, "resume.All", err)
		}
		if len(resp.Kvs) == 0 {
			break
		}

		for _, item := range resp.Kvs {
			id, err := taskkey.TaskID(prefixes.TasksPrefix(), item.Key)
			if err != nil {
				continue
			}
			result, err := Task(ctx, store, prefixes, id)
			if err != nil {
				return results, err
			}
			results = append(results, result)
		}

		if int64(len(resp.Kvs)) < pageSize {
			break
		}
		cursor = taskkey.NextKey(resp.Kvs[len(resp.Kvs)-1].Key)
	}

	return results, nil
}
