package task

import (
	"context"

	"github.com/cuemby/vectorlink-task/pkg/queueerr"
)

// Liveness is the object handed to user initialize/process code. Init and
// Progress are the caller-chosen payload types; handler.Handler implementations
// instantiate Liveness[MyInit, MyProgress].
type Liveness[Init, Progress any] struct {
	task *Task
}

// NewLiveness wraps a claimed Task for user code.
func NewLiveness[Init, Progress any](t *Task) *Liveness[Init, Progress] {
	return &Liveness[Init, Progress]{task: t}
}

// Keepalive performs a renewal-plus-interrupt-consumption cycle.
func (l *Liveness[Init, Progress]) Keepalive(ctx context.Context) error {
	return l.task.Alive(ctx)
}

// Init decodes the init slot. The zero value is returned alongside
// found=false if the slot is absent.
func (l *Liveness[Init, Progress]) Init() (value Init, found bool, err error) {
	found, err = l.task.state.Init(&value)
	return value, found, err
}

// Progress decodes the progress slot.
func (l *Liveness[Init, Progress]) Progress() (value Progress, found bool, err error) {
	found, err = l.task.state.Progress(&value)
	return value, found, err
}

// SetProgress stores v in the progress slot, with keep-alive coalesced
// into the same transaction.
func (l *Liveness[Init, Progress]) SetProgress(ctx context.Context, v Progress) error {
	return l.task.SetProgress(ctx, v)
}

// Status returns the task's last-known status, useful for checking for
// an interrupt-driven transition without a round trip.
func (l *Liveness[Init, Progress]) Status() StatusView {
	return StatusView(l.task.state.Status)
}

// StatusView carries a tasktype.Status as its own string type. This
// package defines no status constants, so a comparison converts a
// tasktype constant, e.g. StatusView(tasktype.Canceled).
type StatusView string

// Task exposes the underlying Task for callers that need the full mutation surface (Finish, SpawnChild,
// etc) beyond what the liveness handle itself provides to user code.
func (l *Liveness[Init, Progress]) Task() *Task {
	return l.task
}

// request is one synchronous call routed through the cooperative servicing
// goroutine a SyncLiveness spawns.
type request struct {
	kind     requestKind
	progress any
	reply    chan error
}

type requestKind int

const (
	requestKeepalive requestKind = iota
	requestSetProgress
)

// SyncLiveness adapts a Liveness to blocking user code: one cooperative
// goroutine owns the live claim and services keep-alive/progress requests
// sent over a channel, so CPU-bound code that cannot itself await a store
// call can still push requests and block on their completion.
type SyncLiveness[Init, Progress any] struct {
	live   *Liveness[Init, Progress]
	ctx    context.Context
	cancel context.CancelFunc
	reqs   chan request
	done   chan struct{}
}

// IntoSync starts the servicing goroutine and returns a SyncLiveness bound
// to the same underlying claim. The caller must call Close when the
// blocking section finishes.
func IntoSync[Init, Progress any](ctx context.Context, l *Liveness[Init, Progress]) *SyncLiveness[Init, Progress] {
	sctx, cancel := context.WithCancel(ctx)
	s := &SyncLiveness[Init, Progress]{
		live: l, ctx: sctx, cancel: cancel,
		reqs: make(chan request), done: make(chan struct{}),
	}
	go s.serve()
	return s
}

func (s *SyncLiveness[Init, Progress]) serve() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case req, ok := <-s.reqs:
			if !ok {
				return
			}
			var err error
			switch req.kind {
			case requestKeepalive:
				err = s.live.Keepalive(s.ctx)
			case requestSetProgress:
				err = s.live.task.SetProgress(s.ctx, req.progress)
			}
			req.reply <- err
		}
	}
}

func (s *SyncLiveness[Init, Progress]) call(kind requestKind, progress any) error {
	reply := make(chan error, 1)
	select {
	case s.reqs <- request{kind: kind, progress: progress, reply: reply}:
	case <-s.ctx.Done():
		return queueerr.New(queueerr.ProgrammerError, "SyncLiveness.call", context.Canceled)
	}
	select {
	case err := <-reply:
		return err
	case <-s.ctx.Done():
		return queueerr.New(queueerr.ProgrammerError, "SyncLiveness.call", context.Canceled)
	}
}

// Keepalive pushes a keep-alive request to the servicing goroutine and
// blocks until it completes.
func (s *SyncLiveness[Init, Progress]) Keepalive() error {
	return s.call(requestKeepalive, nil)
}

// SetProgress pushes a progress update and blocks until it completes.
func (s *SyncLiveness[Init, Progress]) SetProgress(v Progress) error {
	return s.call(requestSetProgress, v)
}

// Progress reads the last-known progress without a round trip (the
// servicing goroutine does not hold a separate copy of state).
func (s *SyncLiveness[Init, Progress]) Progress() (Progress, bool, error) {
	return s.live.Progress()
}

// Close stops the servicing goroutine. Any request sent concurrently
// with Close may be dropped; callers must not use the SyncLiveness again
// after calling Close.
func (s *SyncLiveness[Init, Progress]) Close() {
	s.cancel()
	<-s.done
}
