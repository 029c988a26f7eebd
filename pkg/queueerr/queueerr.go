// Package queueerr defines the error taxonomy shared by the queue client,
// lease package, task handler runtime, and monitor.
package queueerr

import "fmt"

// Kind classifies an Error without requiring callers to type-switch on a
// hierarchy of concrete error types.
type Kind string

const (
	// LeaseExpired means the worker lost its claim mid-operation.
	LeaseExpired Kind = "lease_expired"
	// StoreError means the underlying KV store call failed.
	StoreError Kind = "store_error"
	// SerializationError means a task record could not be decoded or encoded.
	SerializationError Kind = "serialization_error"
	// UserError wraps a structured error value returned by user code.
	UserError Kind = "user_error"
	// UserPanic wraps a recovered panic from user code.
	UserPanic Kind = "user_panic"
	// Interrupted means a pause or cancel was observed during keep-alive.
	Interrupted Kind = "interrupted"
	// ProgrammerError means an illegal state transition or API misuse.
	ProgrammerError Kind = "programmer_error"
)

// Error is the single error type used across the task substrate. Op names
// the operation that failed (e.g. "queue.NextTask", "task.finish").
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, queueerr.New(queueerr.LeaseExpired, "", nil)) or, more
// idiomatically, use the Kind helper below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsKind reports whether err is a *Error of the given kind, anywhere in its
// wrap chain.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
			err = e.Err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
