package event

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"
)

func TestAuditRingKeepsNewest(t *testing.T) {
	a := NewAudit(3)
	for i := 0; i < 5; i++ {
		a.Handle(context.Background(), Event{Xid: fmt.Sprintf("x%d", i)})
	}
	got := a.Snapshot()
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	for i, want := range []string{"x2", "x3", "x4"} {
		if got[i].Xid != want {
			t.Fatalf("event %d: expected %s, got %s", i, want, got[i].Xid)
		}
	}
	if a.Total() != 5 {
		t.Fatalf("expected total 5, got %d", a.Total())
	}
}

func TestAuditPartialRing(t *testing.T) {
	a := NewAudit(0)
	a.Handle(context.Background(), Event{Xid: "only"})
	got := a.Snapshot()
	if len(got) != 1 || got[0].Xid != "only" {
		t.Fatalf("unexpected snapshot %+v", got)
	}
}

func TestBusDeliversToEveryHandler(t *testing.T) {
	audit := NewAudit(10)
	var mu sync.Mutex
	var seen []Type
	recorder := HandlerFunc(func(_ context.Context, ev Event) {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
	})
	panicky := HandlerFunc(func(context.Context, Event) { panic("boom") })
	bus := NewBus(BusConfig{Logger: pslog.NoopLogger()}, panicky, audit, recorder, LogHandler(nil), MetricsHandler(nil))
	bus.Publish(Event{Type: GlobalBegin, Xid: "x1"})
	bus.Publish(Event{Type: GlobalCommit, Xid: "x1", Duration: 5 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := bus.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	events := audit.Snapshot()
	if len(events) != 2 || events[0].ID == "" || events[0].Time.IsZero() {
		t.Fatalf("unexpected audit contents %+v", events)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[1] != GlobalCommit {
		t.Fatalf("unexpected recorder contents %v", seen)
	}
	bus.Publish(Event{Type: GlobalBegin})
	if audit.Total() != 2 {
		t.Fatalf("publish after close must be ignored")
	}
}

func TestBusDropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	blocker := HandlerFunc(func(context.Context, Event) { <-release })
	bus := NewBus(BusConfig{QueueSize: 1}, blocker)
	bus.Publish(Event{Type: GlobalBegin})
	deadline := time.Now().Add(2 * time.Second)
	for {
		bus.Publish(Event{Type: GlobalBegin})
		if bus.Dropped() > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected a dropped event")
		}
		time.Sleep(time.Millisecond)
	}
	close(release)
	_ = bus.Close(context.Background())
	var nilBus *Bus
	nilBus.Publish(Event{Type: GlobalBegin})
	if nilBus.Dropped() != 0 {
		t.Fatalf("nil bus should report zero drops")
	}
}
