package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual only moves when Advance or Set is called.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	due time.Time
	ch  chan time.Time
}

// NewManual starts a Manual clock at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that receives once the clock reaches now+d.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		ch <- m.now
		return ch
	}
	m.waiters = append(m.waiters, waiter{due: m.now.Add(d), ch: ch})
	return ch
}

// Sleep blocks until another goroutine advances the clock past d.
func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// Advance moves the clock forward by d and fires due waiters in due order.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moveLocked(m.now.Add(d))
}

// Set jumps to t. Moving backwards is ignored.
func (m *Manual) Set(t time.Time) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Before(m.now) {
		return m.now
	}
	return m.moveLocked(t.UTC())
}

func (m *Manual) moveLocked(to time.Time) time.Time {
	m.now = to
	sort.SliceStable(m.waiters, func(i, j int) bool { return m.waiters[i].due.Before(m.waiters[j].due) })
	fired := 0
	for _, w := range m.waiters {
		if w.due.After(to) {
			break
		}
		w.ch <- to
		fired++
	}
	m.waiters = append(m.waiters[:0], m.waiters[fired:]...)
	return to
}

// Pending returns the number of waiters that have not fired.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
