// Package kv defines the linearizable key-value store contract the task
// substrate is built on: range get, compare-and-swap transactions,
// prefix watch with resume-from-revision, and leases. It is expressed as
// an interface so the rest of the system can run against an in-memory
// fake in tests without a live etcd cluster, and against the real thing
// (pkg/kv/etcdstore) in production.
package kv

import "context"

// LeaseID identifies a granted lease.
type LeaseID int64

// KeyValue is a single stored entry as observed by a Get or a watch event.
type KeyValue struct {
	Key   string
	Value []byte

	// CreateRevision is the revision at which this key was last created
	// (i.e. last went from absent to present).
	CreateRevision int64
	// ModRevision is the revision of the last modification to this key.
	ModRevision int64
	// Version counts modifications since creation; used for CAS guards.
	Version int64
	// Lease is the lease this key was put under, or 0 if none.
	Lease LeaseID
}

// RangeOption configures a Get.
type RangeOption struct {
	// Prefix requests every key sharing Key as a prefix. Mutually
	// exclusive with RangeEnd; if both are zero-valued, Get fetches the
	// single exact key.
	Prefix bool
	// RangeEnd, when non-empty, requests keys in the half-open range
	// [Key, RangeEnd).
	RangeEnd string
	// Limit caps the number of keys returned; 0 means unlimited.
	Limit int64
	// Revision requests a consistent read as of a past revision; 0 means
	// the current revision.
	Revision int64
	// Sort requests ascending order by key creation revision rather than
	// the default lexicographic key order. Used by the queue scan, which
	// must process entries in FIFO creation order.
	SortByCreateRevision bool
}

// GetResponse is the result of a Get.
type GetResponse struct {
	Kvs []KeyValue
	// Revision is the store revision the read was served at.
	Revision int64
}

// CmpTarget names what a Cmp checks.
type CmpTarget int

const (
	CmpVersion CmpTarget = iota
	CmpCreateRevision
)

// Cmp is one guard clause of a transaction's "if" list. Every comparison
// this substrate issues is an equality check, so Cmp does not model
// inequality operators.
type Cmp struct {
	Key    string
	Target CmpTarget
	Value  int64
}

// CompareVersion returns a guard that the key's version equals v (v == 0
// means "key does not exist").
func CompareVersion(key string, v int64) Cmp {
	return Cmp{Key: key, Target: CmpVersion, Value: v}
}

// CompareCreateRevision returns a guard that the key's create revision
// equals v (v == 0 means "key does not exist").
func CompareCreateRevision(key string, v int64) Cmp {
	return Cmp{Key: key, Target: CmpCreateRevision, Value: v}
}

// OpKind names the kind of a transaction branch operation.
type OpKind int

const (
	OpKindPut OpKind = iota
	OpKindDelete
)

// Op is one operation of a transaction's "then" or "else" list.
type Op struct {
	Kind   OpKind
	Key    string
	Value  []byte
	Lease  LeaseID
	Prefix bool // for OpKindDelete: delete every key under Key as a prefix
}

// OpPut returns a put operation, optionally scoped to a lease.
func OpPut(key string, value []byte, lease LeaseID) Op {
	return Op{Kind: OpKindPut, Key: key, Value: value, Lease: lease}
}

// OpDelete returns a single-key delete operation.
func OpDelete(key string) Op {
	return Op{Kind: OpKindDelete, Key: key}
}

// OpDeletePrefix returns a delete operation scoped to every key under
// prefix.
func OpDeletePrefix(prefix string) Op {
	return Op{Kind: OpKindDelete, Key: prefix, Prefix: true}
}

// TxnResponse is the result of a transaction.
type TxnResponse struct {
	Succeeded bool
	Revision  int64
}

// EventType names the kind of change a watch observed.
type EventType int

const (
	EventPut EventType = iota
	EventDelete
)

// WatchEvent is a single change observed by a watch.
type WatchEvent struct {
	Type EventType
	Kv   KeyValue
}

// WatchOption configures a Watch.
type WatchOption struct {
	Prefix bool
	// StartRevision is the first revision to deliver (inclusive); 0 means
	// "start from now".
	StartRevision int64
	// FilterPut, when true, excludes put events.
	FilterPut bool
	// FilterDelete, when true, excludes delete events.
	FilterDelete bool
}

// WatchResponse is one batch of events delivered on a watch channel, or a
// terminal error/cancellation notice.
type WatchResponse struct {
	Events   []WatchEvent
	Revision int64
	// Err is set if the watch failed (e.g. the requested revision was
	// compacted away). Canceled is true once the channel will deliver no
	// further responses.
	Err      error
	Canceled bool
}

// Store is the KV store contract the task substrate depends on.
type Store interface {
	Get(ctx context.Context, key string, opt RangeOption) (*GetResponse, error)
	Txn(ctx context.Context, cmps []Cmp, thenOps, elseOps []Op) (*TxnResponse, error)
	Watch(ctx context.Context, key string, opt WatchOption) <-chan WatchResponse

	LeaseGrant(ctx context.Context, ttlSeconds int64) (LeaseID, error)
	// LeaseKeepAliveOnce issues a single renewal and returns the
	// remaining TTL in seconds (0 if the lease was already gone).
	LeaseKeepAliveOnce(ctx context.Context, id LeaseID) (ttlSeconds int64, err error)
	LeaseRevoke(ctx context.Context, id LeaseID) error

	Close() error
}
