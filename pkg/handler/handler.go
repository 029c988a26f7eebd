// Package handler runs the claim-dispatch-run-finish loop of spec §4.7:
// it turns a NextTask claim into a call to user-supplied initialize/process
// functions, isolating them on their own goroutine so a panic in user code
// cannot take down the worker process itself (a stage that never returns
// still blocks the dispatch loop). It is grounded on
// the process_queue default method and TaskHandler trait of the original
// task substrate, reworked from Rust's tokio::spawn+JoinError handling into
// Go's recover-in-a-deferred-closure idiom.
package handler

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/cuemby/vectorlink-task/pkg/log"
	"github.com/cuemby/vectorlink-task/pkg/metrics"
	"github.com/cuemby/vectorlink-task/pkg/queue"
	"github.com/cuemby/vectorlink-task/pkg/queueerr"
	"github.com/cuemby/vectorlink-task/pkg/task"
	"github.com/cuemby/vectorlink-task/pkg/tasktype"
)

// Handler is implemented by callers to process one kind of task. Init and
// Progress flow through a Liveness[Init, Progress]; Complete is whatever
// the process stage returns on success.
type Handler[Init, Progress, Complete any] interface {
	// Initialize runs once for a freshly Pending task, after Start has
	// transitioned it to Running, and produces the initial progress value.
	Initialize(ctx context.Context, live *task.Liveness[Init, Progress]) (Progress, error)
	// Process runs the task's main body. It is called both for a task
	// that just finished Initialize and for one that was Resuming.
	Process(ctx context.Context, live *task.Liveness[Init, Progress]) (Complete, error)
}

// ErrorPayload lets a Handler's returned error carry a JSON-serializable
// payload for the task's error slot. An error that does not implement
// this has its Error() string stored instead.
type ErrorPayload interface {
	ErrorPayload() any
}

// ProcessQueue claims tasks from q forever, dispatching each to h. It
// returns only when NextTask itself fails (the connection to the store
// was lost); per-task handler failures are recorded on the task and do
// not stop the loop.
func ProcessQueue[Init, Progress, Complete any](ctx context.Context, q *queue.Queue, h Handler[Init, Progress, Complete]) error {
	for {
		t, err := q.NextTask(ctx)
		if err != nil {
			return err
		}

		if err := dispatch(ctx, t, h); err != nil {
			log.WithTaskID(t.ID()).Error().Err(err).Msg("task dispatch failed")
		}
	}
}

func dispatch[Init, Progress, Complete any](ctx context.Context, t *task.Task, h Handler[Init, Progress, Complete]) error {
	switch t.Status() {
	case tasktype.Pending:
		if err := t.Start(ctx); err != nil {
			return err
		}

		live := task.NewLiveness[Init, Progress](t)
		progress, err := runStage(ctx, func(ctx context.Context) (Progress, error) {
			return h.Initialize(ctx, live)
		})
		if err != nil {
			if queueerr.IsKind(err, queueerr.Interrupted) {
				// Alive() already transitioned the task to Canceled/Paused
				// and deleted the interrupt; there is nothing left to finish.
				return nil
			}
			metrics.TasksFinishedTotal.WithLabelValues(t.Prefixes().Service, "error").Inc()
			return finishError(ctx, t, err)
		}
		if err := t.SetProgress(ctx, progress); err != nil {
			return err
		}
	case tasktype.Resuming:
		if err := t.Resume(ctx); err != nil {
			return err
		}
	default:
		panic(fmt.Sprintf("handler: task %s claimed in unstartable status %s", t.ID(), t.Status()))
	}

	live := task.NewLiveness[Init, Progress](t)
	complete, procErr := runStage(ctx, func(ctx context.Context) (Complete, error) {
		return h.Process(ctx, live)
	})

	if err := t.RefreshState(ctx); err != nil {
		return err
	}

	if procErr != nil {
		if queueerr.IsKind(procErr, queueerr.Interrupted) {
			// The status transition already happened inside the Alive()
			// call that observed the interrupt; record nothing further.
			return nil
		}
		metrics.TasksFinishedTotal.WithLabelValues(t.Prefixes().Service, "error").Inc()
		return finishError(ctx, t, procErr)
	}
	metrics.TasksFinishedTotal.WithLabelValues(t.Prefixes().Service, "complete").Inc()
	return t.Finish(ctx, complete)
}

func finishError(ctx context.Context, t *task.Task, err error) error {
	var payload any = err.Error()
	if ep, ok := err.(ErrorPayload); ok {
		payload = ep.ErrorPayload()
	}
	return t.FinishError(ctx, payload)
}

// runStage executes fn on its own goroutine so that a panic inside user
// code is captured via recover rather than crashing the worker, and
// reported back as a queueerr.UserPanic error - the Go-idiomatic
// replacement for catching a tokio JoinError's try_into_panic().
func runStage[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type outcome struct {
		value T
		err   error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				ch <- outcome{value: zero, err: queueerr.New(queueerr.UserPanic, "handler.runStage", fmt.Errorf("task panicked: %v\n%s", r, debug.Stack()))}
			}
		}()
		v, err := fn(ctx)
		ch <- outcome{value: v, err: err}
	}()

	o := <-ch
	return o.value, o.err
}
