// Package event carries coordinator lifecycle notifications to the audit
// ring, the log and the metrics pipeline without blocking the publisher.
package event

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"pkt.systems/rseata/internal/clock"
	"pkt.systems/rseata/internal/loggingutil"
	"pkt.systems/rseata/internal/txn"
)

// Type names a lifecycle event.
type Type string

// Event types.
const (
	GlobalBegin          Type = "global_begin"
	GlobalCommit         Type = "global_commit"
	GlobalRollback       Type = "global_rollback"
	GlobalStatusChange   Type = "global_status_change"
	BranchRegister       Type = "branch_register"
	BranchCommit         Type = "branch_commit"
	BranchRollback       Type = "branch_rollback"
	BranchReport         Type = "branch_report"
	ResourceRegistered   Type = "resource_registered"
	ResourceUnregistered Type = "resource_unregistered"
	SessionTimeout       Type = "session_timeout"
)

// DefaultQueueSize bounds the number of undelivered events.
const DefaultQueueSize = 1024

// Event is one notification. Fields that do not apply are left zero.
type Event struct {
	ID            string
	Type          Type
	Time          time.Time
	Xid           string
	TransactionID uint64
	BranchID      uint64
	BranchType    txn.BranchType
	ResourceID    string
	ClientID      string
	Status        string
	Duration      time.Duration
	Error         string
}

// Handler consumes events on the bus goroutine.
type Handler interface {
	Handle(ctx context.Context, ev Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev Event)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, ev Event) { f(ctx, ev) }

// BusConfig configures NewBus.
type BusConfig struct {
	QueueSize int
	Logger    pslog.Logger
	Clock     clock.Clock
}

// Bus fans events out to handlers from a single delivery goroutine.
type Bus struct {
	queue    chan Event
	handlers []Handler
	logger   pslog.Logger
	clock    clock.Clock
	dropped  atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewBus starts a bus delivering to handlers.
func NewBus(cfg BusConfig, handlers ...Handler) *Bus {
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	b := &Bus{
		queue:    make(chan Event, size),
		handlers: handlers,
		logger:   loggingutil.WithSubsystem(cfg.Logger, "tc.event"),
		clock:    clock.Ensure(cfg.Clock),
		done:     make(chan struct{}),
	}
	go b.run()
	return b
}

// Publish enqueues ev. A full queue drops the event with a warning. Publish
// on a nil or closed bus is a no-op.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = b.clock.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.queue <- ev:
	default:
		n := b.dropped.Add(1)
		b.logger.Warn("event.drop", "type", string(ev.Type), "xid", ev.Xid, "dropped_total", n)
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Close stops accepting events and waits until queued events are delivered
// or ctx ends.
func (b *Bus) Close(ctx context.Context) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.mu.Unlock()
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) run() {
	defer close(b.done)
	ctx := context.Background()
	for ev := range b.queue {
		for _, h := range b.handlers {
			b.deliver(ctx, h, ev)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event.handler.panic", "type", string(ev.Type), "panic", r)
		}
	}()
	h.Handle(ctx, ev)
}
