package txncoord

import (
	"sync"
	"testing"
	"time"
)

func TestXidLocksSerializeSameXid(t *testing.T) {
	var locks XidLocks
	unlock := locks.Lock("x1")
	acquired := make(chan struct{})
	go func() {
		release := locks.Lock("x1")
		close(acquired)
		release()
	}()
	select {
	case <-acquired:
		t.Fatalf("second holder entered while x1 was locked")
	case <-time.After(30 * time.Millisecond):
	}
	other := make(chan struct{})
	go func() {
		release := locks.Lock("x2")
		close(other)
		release()
	}()
	select {
	case <-other:
	case <-time.After(time.Second):
		t.Fatalf("x2 must not wait on x1")
	}
	unlock()
	<-acquired
}

func TestXidLocksDropIdleEntries(t *testing.T) {
	var locks XidLocks
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			locks.Lock("x1")()
		}()
	}
	wg.Wait()
	if n := locks.Len(); n != 0 {
		t.Fatalf("expected no tracked xids, got %d", n)
	}
}
