// Package tasktype defines the durable task record: its status enum and
// the JSON document shape that preserves unknown fields across a
// read-modify-write, matching the flatten behavior of the original Rust
// task record.
package tasktype

import (
	"encoding/json"
	"fmt"
)

// Status is the discriminated task status.
type Status string

const (
	Pending  Status = "pending"
	Resuming Status = "resuming"
	Running  Status = "running"
	Waiting  Status = "waiting"
	Paused   Status = "paused"
	Complete Status = "complete"
	Error    Status = "error"
	Canceled Status = "canceled"
)

// IsTerminal reports whether s is one of the final states.
func (s Status) IsTerminal() bool {
	switch s {
	case Complete, Error, Canceled:
		return true
	default:
		return false
	}
}

const (
	fieldInit     = "init"
	fieldProgress = "progress"
	fieldResult   = "result"
	fieldError    = "error"
)

// Record is the durable per-task document. Status, Parent, Children, and
// Waiting are named fields; every other key (init/progress/result/error and
// anything a future version adds) lives in Other, so a read-modify-write
// never drops a field this binary doesn't know about.
type Record struct {
	Status   Status   `json:"status"`
	Parent   string   `json:"parent,omitempty"`
	Children []string `json:"children,omitempty"`
	Waiting  []string `json:"waiting,omitempty"`

	Other map[string]json.RawMessage `json:"-"`
}

// namedFields lists the keys Record handles explicitly, so MarshalJSON
// knows which keys in Other would collide and UnmarshalJSON knows which
// top-level keys to strip out of Other.
var namedFields = map[string]bool{
	"status": true, "parent": true, "children": true, "waiting": true,
}

// MarshalJSON flattens Other's entries alongside the named fields, the Go
// equivalent of serde's #[serde(flatten)] on the Rust original.
func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(r.Other)+4)
	for k, v := range r.Other {
		if namedFields[k] {
			continue
		}
		out[k] = v
	}

	statusJSON, err := json.Marshal(r.Status)
	if err != nil {
		return nil, err
	}
	out["status"] = statusJSON

	if r.Parent != "" {
		b, err := json.Marshal(r.Parent)
		if err != nil {
			return nil, err
		}
		out["parent"] = b
	}
	if len(r.Children) > 0 {
		b, err := json.Marshal(r.Children)
		if err != nil {
			return nil, err
		}
		out["children"] = b
	}
	if len(r.Waiting) > 0 {
		b, err := json.Marshal(r.Waiting)
		if err != nil {
			return nil, err
		}
		out["waiting"] = b
	}

	return json.Marshal(out)
}

// UnmarshalJSON splits the document into the named fields plus Other.
func (r *Record) UnmarshalJSON(data []byte) error {
	raw := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("tasktype: decoding record: %w", err)
	}

	if v, ok := raw["status"]; ok {
		if err := json.Unmarshal(v, &r.Status); err != nil {
			return fmt.Errorf("tasktype: decoding status: %w", err)
		}
	}
	if v, ok := raw["parent"]; ok {
		if err := json.Unmarshal(v, &r.Parent); err != nil {
			return fmt.Errorf("tasktype: decoding parent: %w", err)
		}
	}
	if v, ok := raw["children"]; ok {
		if err := json.Unmarshal(v, &r.Children); err != nil {
			return fmt.Errorf("tasktype: decoding children: %w", err)
		}
	}
	if v, ok := raw["waiting"]; ok {
		if err := json.Unmarshal(v, &r.Waiting); err != nil {
			return fmt.Errorf("tasktype: decoding waiting: %w", err)
		}
	}

	other := make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		if namedFields[k] {
			continue
		}
		other[k] = v
	}
	r.Other = other

	return nil
}

// TypedField decodes the named payload slot into v. Returns false, nil if
// the slot is absent.
func (r Record) TypedField(field string, v any) (bool, error) {
	raw, ok := r.Other[field]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("tasktype: decoding field %q: %w", field, err)
	}
	return true, nil
}

// SetTypedField encodes v into the named payload slot.
func (r *Record) SetTypedField(field string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("tasktype: encoding field %q: %w", field, err)
	}
	if r.Other == nil {
		r.Other = make(map[string]json.RawMessage)
	}
	r.Other[field] = raw
	return nil
}

// RemoveField deletes a payload slot, used by resume to clear a stale
// error before transitioning back to Resuming.
func (r *Record) RemoveField(field string) {
	delete(r.Other, field)
}

// Init decodes the init slot into v.
func (r Record) Init(v any) (bool, error) { return r.TypedField(fieldInit, v) }

// Progress decodes the progress slot into v.
func (r Record) Progress(v any) (bool, error) { return r.TypedField(fieldProgress, v) }

// Result decodes the result slot into v.
func (r Record) Result(v any) (bool, error) { return r.TypedField(fieldResult, v) }

// ErrorField decodes the error slot into v.
func (r Record) ErrorField(v any) (bool, error) { return r.TypedField(fieldError, v) }

// SetProgress encodes v into the progress slot.
func (r *Record) SetProgress(v any) error { return r.SetTypedField(fieldProgress, v) }

// SetResult encodes v into the result slot.
func (r *Record) SetResult(v any) error { return r.SetTypedField(fieldResult, v) }

// SetError encodes v into the error slot.
func (r *Record) SetError(v any) error { return r.SetTypedField(fieldError, v) }

// ClearError removes the error slot, used on operator resume.
func (r *Record) ClearError() { r.RemoveField(fieldError) }

// Clone returns a deep-enough copy of r for safe independent mutation: the
// named slices and the Other map are copied, raw message values are shared
// (they are treated as immutable once decoded).
func (r Record) Clone() Record {
	out := Record{Status: r.Status, Parent: r.Parent}
	if r.Children != nil {
		out.Children = append([]string(nil), r.Children...)
	}
	if r.Waiting != nil {
		out.Waiting = append([]string(nil), r.Waiting...)
	}
	out.Other = make(map[string]json.RawMessage, len(r.Other))
	for k, v := range r.Other {
		out.Other[k] = v
	}
	return out
}
