package lock

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"pkt.systems/rseata/internal/core"
	"pkt.systems/rseata/internal/txn"
)

func branch(xid string, branchID uint64, lockKey string) txn.BranchSession {
	return txn.BranchSession{
		Xid:           xid,
		TransactionID: branchID * 10,
		BranchID:      branchID,
		ResourceID:    "db1",
		LockKey:       lockKey,
	}
}

func TestAcquireMutualExclusion(t *testing.T) {
	m := NewManager(nil)
	ok, err := m.Acquire(branch("xid-a", 1, "orders:1,2"))
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = m.Acquire(branch("xid-b", 2, "orders:2,3"))
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatalf("expected conflicting acquire to fail")
	}
	if _, held := m.HolderOf(txn.RowKey{ResourceID: "db1", Table: "orders", PK: "3"}); held {
		t.Fatalf("failed acquisition must not leave partial locks")
	}
	lockable, err := m.IsLockable("xid-b", "db1", 20, "orders:2")
	if err != nil || lockable {
		t.Fatalf("expected orders:2 not lockable for xid-b, got %v %v", lockable, err)
	}
	lockable, err = m.IsLockable("xid-a", "db1", 10, "orders:2")
	if err != nil || !lockable {
		t.Fatalf("holder should see its own rows as lockable, got %v %v", lockable, err)
	}
	lockable, err = m.IsLockable("xid-b", "db2", 20, "orders:2")
	if err != nil || !lockable {
		t.Fatalf("different resource must not conflict, got %v %v", lockable, err)
	}
}

func TestAcquireSameXidIsReentrant(t *testing.T) {
	m := NewManager(nil)
	if ok, _ := m.Acquire(branch("xid-a", 1, "orders:1")); !ok {
		t.Fatalf("first acquire failed")
	}
	if ok, err := m.Acquire(branch("xid-a", 2, "orders:1;stock:5")); !ok || err != nil {
		t.Fatalf("same xid acquire failed: %v %v", ok, err)
	}
	if m.Len() != 2 {
		t.Fatalf("expected 2 rows locked, got %d", m.Len())
	}
}

func TestAcquireRollbackingFailsFast(t *testing.T) {
	m := NewManager(nil)
	if ok, _ := m.Acquire(branch("xid-a", 1, "orders:1")); !ok {
		t.Fatalf("acquire failed")
	}
	if err := m.UpdateLockStatus("xid-a", txn.LockRollbacking); err != nil {
		t.Fatalf("update status: %v", err)
	}
	ok, err := m.AcquireWithOptions(branch("xid-b", 2, "orders:1"), false, false)
	if ok {
		t.Fatalf("expected failure")
	}
	if !core.HasCode(err, core.CodeLockRollbacking) {
		t.Fatalf("expected lock_rollbacking error, got %v", err)
	}
	ok, err = m.AcquireWithOptions(branch("xid-b", 2, "orders:1"), true, false)
	if ok || err != nil {
		t.Fatalf("auto-commit acquire should fail without error, got %v %v", ok, err)
	}
}

func TestAcquireSkipCheck(t *testing.T) {
	m := NewManager(nil)
	if ok, _ := m.Acquire(branch("xid-a", 1, "orders:1")); !ok {
		t.Fatalf("acquire failed")
	}
	ok, err := m.AcquireWithOptions(branch("xid-b", 2, "orders:1,2"), false, true)
	if !ok || err != nil {
		t.Fatalf("skip-check acquire: %v %v", ok, err)
	}
	h, _ := m.HolderOf(txn.RowKey{ResourceID: "db1", Table: "orders", PK: "1"})
	if h.Xid != "xid-a" {
		t.Fatalf("skip-check must not steal rows, holder=%s", h.Xid)
	}
}

func TestReleaseByXidIdempotent(t *testing.T) {
	m := NewManager(nil)
	m.Acquire(branch("xid-a", 1, "orders:1"))
	m.Acquire(branch("xid-a", 2, "stock:1"))
	if err := m.ReleaseByXid("xid-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := m.ReleaseByXid("xid-a"); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("expected empty table, got %d", m.Len())
	}
	if ok, _ := m.Acquire(branch("xid-b", 3, "orders:1;stock:1")); !ok {
		t.Fatalf("rows should be free after release")
	}
}

func TestReleaseBranchOnlyDropsOwnRows(t *testing.T) {
	m := NewManager(nil)
	b1 := branch("xid-a", 1, "orders:1")
	b2 := branch("xid-a", 2, "orders:2")
	m.Acquire(b1)
	m.Acquire(b2)
	if ok, err := m.Release(b1); !ok || err != nil {
		t.Fatalf("release: %v %v", ok, err)
	}
	if _, held := m.HolderOf(txn.RowKey{ResourceID: "db1", Table: "orders", PK: "2"}); !held {
		t.Fatalf("other branch rows must stay locked")
	}
	if ok, _ := m.Release(b1); !ok {
		t.Fatalf("second release should succeed")
	}
	if err := m.ReleaseByXid("xid-a"); err != nil {
		t.Fatalf("release xid: %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("expected empty table")
	}
}

func TestMalformedLockKey(t *testing.T) {
	m := NewManager(nil)
	_, err := m.Acquire(branch("xid-a", 1, "nocolon"))
	if !core.HasCode(err, core.CodeProtocolError) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if _, err := m.IsLockable("xid-a", "db1", 1, ";;"); !core.HasCode(err, core.CodeProtocolError) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	m := NewManager(nil)
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := m.Acquire(branch(fmt.Sprintf("xid-%d", i), uint64(i+1), "orders:42;stock:7"))
			if err != nil {
				t.Errorf("acquire %d: %v", i, err)
				return
			}
			if ok {
				wins.Add(1)
			}
			if i%2 == 0 {
				_ = m.ReleaseByXid(fmt.Sprintf("xid-%d", i+1000))
			}
		}(i)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
	m.CleanAll()
	if m.Len() != 0 {
		t.Fatalf("expected CleanAll to empty the table")
	}
}
