package txn

import (
	"testing"
	"time"
)

func TestStatusCodesDecode(t *testing.T) {
	if got := GlobalStatusFromCode(99); got != GlobalUnKnown {
		t.Fatalf("expected UnKnown for out-of-range code, got %v", got)
	}
	if got := GlobalStatusFromCode(11); got != GlobalRollbacked {
		t.Fatalf("expected Rollbacked, got %v", got)
	}
	if got := BranchStatusFromCode(0); got != BranchUnknown {
		t.Fatalf("expected Unknown branch status for 0, got %v", got)
	}
	if got := BranchStatusFromCode(2); got != BranchPhaseOneDone {
		t.Fatalf("expected PhaseOneDone, got %v", got)
	}
	if got := BranchTypeFromCode(7); got != BranchTypeAT {
		t.Fatalf("expected AT fallback, got %v", got)
	}
	if got := BranchTypeFromCode(4); got != BranchTypeXA {
		t.Fatalf("expected XA, got %v", got)
	}
}

func TestGlobalStatusGroups(t *testing.T) {
	for _, st := range []GlobalStatus{GlobalCommitted, GlobalRollbacked, GlobalTimeoutRollbacked, GlobalCommitFailed, GlobalFinished} {
		if !st.IsTerminal() {
			t.Fatalf("%v should be terminal", st)
		}
	}
	for _, st := range []GlobalStatus{GlobalBegin, GlobalCommitting, GlobalRollbacking, GlobalUnKnown} {
		if st.IsTerminal() {
			t.Fatalf("%v should not be terminal", st)
		}
	}
	if st, ok := ParseGlobalStatus("Rollbacked"); !ok || st != GlobalRollbacked {
		t.Fatalf("parse by name failed: %v %v", st, ok)
	}
	if st, ok := ParseGlobalStatus("9"); !ok || st != GlobalCommitted {
		t.Fatalf("parse by code failed: %v %v", st, ok)
	}
}

func TestParseLockKeySkipsMalformedGroups(t *testing.T) {
	keys := ParseLockKey("db1", "t1:1,2;bad;:3;t2:4,4;t3:")
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys, got %d: %+v", len(keys), keys)
	}
	want := []RowKey{
		{ResourceID: "db1", Table: "t1", PK: "1"},
		{ResourceID: "db1", Table: "t1", PK: "2"},
		{ResourceID: "db1", Table: "t2", PK: "4"},
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("key %d: got %+v want %+v", i, keys[i], want[i])
		}
	}
}

func TestLockKeyBuilder(t *testing.T) {
	var b LockKeyBuilder
	b.Add("orders", "1", "2")
	b.Add("stock", "9")
	b.Add("orders", "2", "3")
	if got := b.String(); got != "orders:1,2,3;stock:9" {
		t.Fatalf("unexpected lock key %q", got)
	}
	b.Reset()
	if !b.Empty() || b.String() != "" {
		t.Fatalf("expected empty builder after reset")
	}
	b.AddLockKey("a:1;b:2,3")
	if got := b.String(); got != "a:1;b:2,3" {
		t.Fatalf("unexpected merged lock key %q", got)
	}
}

func TestSessionDecisionsAndExpiry(t *testing.T) {
	g := &GlobalSession{
		Xid:             "x",
		BeginTimeMillis: 1_000,
		TimeoutMillis:   500,
		BranchSessions: []BranchSession{
			{BranchID: 1, Status: BranchPhaseOneDone},
			{BranchID: 2, Status: BranchPhaseOneDone},
		},
	}
	if !g.CanCommit() || g.MustRollback() {
		t.Fatalf("expected commit decision")
	}
	g.BranchSessions[1].Status = BranchPhaseOneFailed
	if g.CanCommit() || !g.MustRollback() {
		t.Fatalf("expected rollback decision")
	}
	if g.Expired(time.UnixMilli(1_499)) {
		t.Fatalf("session expired too early")
	}
	if !g.Expired(time.UnixMilli(1_500)) {
		t.Fatalf("session should expire at deadline")
	}
	clone := g.Clone()
	clone.BranchSessions[0].Status = BranchUnknown
	if g.BranchSessions[0].Status != BranchPhaseOneDone {
		t.Fatalf("clone shares branch storage")
	}
	if stripped := g.WithoutBranches(); len(stripped.BranchSessions) != 0 {
		t.Fatalf("expected stripped session")
	}
}
