// Package taskkey builds and parses the flat, byte-ordered key namespace
// the task substrate keeps in the KV store: tasks/, queue/, claims/,
// interrupt/, and waits/, each scoped to a service and a task id.
package taskkey

import "fmt"

const (
	tasksPrefix     = "tasks/"
	queuePrefix     = "queue/"
	claimsPrefix    = "claims/"
	interruptPrefix = "interrupt/"
	waitsPrefix     = "waits/"
)

// Prefixes bundles the five sibling-key prefixes for one service, so
// every component that needs more than one of them constructs it once.
type Prefixes struct {
	Service string
}

// NewPrefixes returns the key-building helper for a single service.
func NewPrefixes(service string) Prefixes {
	return Prefixes{Service: service}
}

// servicePrefix returns the prefix under which a top-level kind (e.g.
// "tasks/") scans for this service: "tasks/<service>/".
func (p Prefixes) servicePrefix(kind string) string {
	return kind + p.Service + "/"
}

// TasksPrefix returns "tasks/<service>/".
func (p Prefixes) TasksPrefix() string { return p.servicePrefix(tasksPrefix) }

// QueuePrefix returns "queue/<service>/".
func (p Prefixes) QueuePrefix() string { return p.servicePrefix(queuePrefix) }

// ClaimsPrefix returns "claims/<service>/".
func (p Prefixes) ClaimsPrefix() string { return p.servicePrefix(claimsPrefix) }

// InterruptPrefix returns "interrupt/<service>/".
func (p Prefixes) InterruptPrefix() string { return p.servicePrefix(interruptPrefix) }

// WaitsPrefix returns "waits/<service>/".
func (p Prefixes) WaitsPrefix() string { return p.servicePrefix(waitsPrefix) }

// TaskKey returns "tasks/<service>/<id>".
func (p Prefixes) TaskKey(id string) string { return p.TasksPrefix() + id }

// QueueKey returns "queue/<service>/<id>".
func (p Prefixes) QueueKey(id string) string { return p.QueuePrefix() + id }

// ClaimKey returns "claims/<service>/<id>".
func (p Prefixes) ClaimKey(id string) string { return p.ClaimsPrefix() + id }

// InterruptKey returns "interrupt/<service>/<id>".
func (p Prefixes) InterruptKey(id string) string { return p.InterruptPrefix() + id }

// WaitKey returns "waits/<service>/<id>".
func (p Prefixes) WaitKey(id string) string { return p.WaitsPrefix() + id }

// TaskID recovers the <id> suffix from a full key given the prefix it was
// built from (e.g. p.TasksPrefix()).
func TaskID(prefix, key string) (string, error) {
	if len(key) < len(prefix) || key[:len(prefix)] != prefix {
		return "", fmt.Errorf("taskkey: key %q does not have prefix %q", key, prefix)
	}
	return key[len(prefix):], nil
}

// KeyAfterPrefix calculates the smallest key that is strictly greater than
// every key under prefix, for use as the exclusive end of a half-open range
// scan. It increments the last byte that is not 0xFF and drops the trailing
// 0xFF bytes after it; if the whole prefix is 0xFF bytes, it returns 0x01
// followed by one 0x00 per prefix byte.
func KeyAfterPrefix(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] == 0xFF {
			b[i] = 0x00
			continue
		}
		b[i]++
		return string(b[:i+1])
	}
	return string(append([]byte{0x01}, b...))
}

// NextKey calculates the immediate successor of key by appending a zero
// byte, giving an exclusive pagination cursor for "continue strictly after
// this key" scans.
func NextKey(key string) string {
	return key + "\x00"
}
