package event

import (
	"context"
	"sync"
)

// DefaultAuditSize is the number of events the audit ring retains.
const DefaultAuditSize = 300

// Audit keeps the most recent events in a fixed ring.
type Audit struct {
	mu    sync.Mutex
	ring  []Event
	next  int
	total int
}

// NewAudit returns a ring holding size events.
func NewAudit(size int) *Audit {
	if size <= 0 {
		size = DefaultAuditSize
	}
	return &Audit{ring: make([]Event, size)}
}

// Handle records ev, overwriting the oldest entry when full.
func (a *Audit) Handle(_ context.Context, ev Event) {
	a.mu.Lock()
	a.ring[a.next] = ev
	a.next = (a.next + 1) % len(a.ring)
	a.total++
	a.mu.Unlock()
}

// Snapshot returns retained events oldest first.
func (a *Audit) Snapshot() []Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.total
	if n > len(a.ring) {
		n = len(a.ring)
	}
	out := make([]Event, 0, n)
	start := (a.next - n + len(a.ring)) % len(a.ring)
	for i := 0; i < n; i++ {
		out = append(out, a.ring[(start+i)%len(a.ring)])
	}
	return out
}

// Total returns how many events were ever recorded.
func (a *Audit) Total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}
