package tm

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/rseata/api"
	"pkt.systems/rseata/internal/txn"
	"pkt.systems/rseata/rm"
)

type fakeTC struct {
	beginErr       error
	commitErr      error
	commitStatus   txn.GlobalStatus
	rollbackStatus txn.GlobalStatus
	rollbackErr    error

	begun      api.BeginRequest
	committed  []string
	rolledBack []string
}

func (f *fakeTC) Begin(_ context.Context, req api.BeginRequest) (*api.BeginResponse, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	f.begun = req
	return &api.BeginResponse{Xid: "xid-42", TransactionID: 42}, nil
}

func (f *fakeTC) Commit(_ context.Context, xid string) (*api.GlobalStatusResponse, error) {
	f.committed = append(f.committed, xid)
	if f.commitErr != nil {
		return nil, f.commitErr
	}
	return &api.GlobalStatusResponse{Xid: xid, GlobalStatus: f.commitStatus.Code()}, nil
}

func (f *fakeTC) Rollback(_ context.Context, xid string) (*api.GlobalStatusResponse, error) {
	f.rolledBack = append(f.rolledBack, xid)
	if f.rollbackErr != nil {
		return nil, f.rollbackErr
	}
	return &api.GlobalStatusResponse{Xid: xid, GlobalStatus: f.rollbackStatus.Code()}, nil
}

func newFakeTC() *fakeTC {
	return &fakeTC{commitStatus: txn.GlobalCommitted, rollbackStatus: txn.GlobalRollbacked}
}

func TestRunCommits(t *testing.T) {
	tc := newFakeTC()
	var seen string
	err := Run(context.Background(), tc, Options{Name: "checkout"}, func(ctx context.Context, txc *rm.TxContext) error {
		seen = txc.Xid()
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if seen != "xid-42" || len(tc.committed) != 1 || len(tc.rolledBack) != 0 {
		t.Fatalf("unexpected flow seen=%q commits=%v rollbacks=%v", seen, tc.committed, tc.rolledBack)
	}
	if tc.begun.TransactionName != "checkout" {
		t.Fatalf("unexpected begin request %+v", tc.begun)
	}
}

func TestRunRollsBackOnError(t *testing.T) {
	tc := newFakeTC()
	business := errors.New("insufficient stock")
	err := Run(context.Background(), tc, Options{}, func(context.Context, *rm.TxContext) error { return business })
	if !errors.Is(err, business) {
		t.Fatalf("expected business error, got %v", err)
	}
	var outcome *OutcomeError
	if errors.As(err, &outcome) {
		t.Fatalf("clean rollback must not be an outcome error")
	}
	if len(tc.rolledBack) != 1 || len(tc.committed) != 0 {
		t.Fatalf("unexpected flow commits=%v rollbacks=%v", tc.committed, tc.rolledBack)
	}
}

func TestRunReportsFailedRollback(t *testing.T) {
	tc := newFakeTC()
	tc.rollbackStatus = txn.GlobalRollbackFailed
	business := errors.New("boom")
	err := Run(context.Background(), tc, Options{}, func(context.Context, *rm.TxContext) error { return business })
	var outcome *OutcomeError
	if !errors.As(err, &outcome) || outcome.Status != txn.GlobalRollbackFailed {
		t.Fatalf("expected rollback failed outcome, got %v", err)
	}
	if !errors.Is(err, business) {
		t.Fatalf("outcome must wrap the business error")
	}

	tc = newFakeTC()
	tc.rollbackErr = errors.New("tc unreachable")
	err = Run(context.Background(), tc, Options{}, func(context.Context, *rm.TxContext) error { return business })
	if !errors.Is(err, business) || !errors.Is(err, tc.rollbackErr) {
		t.Fatalf("expected both errors, got %v", err)
	}
}

func TestRunCommitOutcome(t *testing.T) {
	tc := newFakeTC()
	tc.commitStatus = txn.GlobalRollbacked
	err := Run(context.Background(), tc, Options{}, func(context.Context, *rm.TxContext) error { return nil })
	var outcome *OutcomeError
	if !errors.As(err, &outcome) {
		t.Fatalf("expected outcome error, got %v", err)
	}
	if outcome.Xid != "xid-42" || outcome.StatusName() != "Rollbacked" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if outcome.Error() != "tm: global transaction xid-42 ended Rollbacked" {
		t.Fatalf("unexpected message %q", outcome.Error())
	}
	if len(tc.rolledBack) != 0 {
		t.Fatalf("decided outcome needs no rollback, rollbacks=%v", tc.rolledBack)
	}
}

func TestRunRollsBackUndecidedCommit(t *testing.T) {
	tc := newFakeTC()
	tc.commitStatus = txn.GlobalCommitting
	err := Run(context.Background(), tc, Options{}, func(context.Context, *rm.TxContext) error { return nil })
	var outcome *OutcomeError
	if !errors.As(err, &outcome) || outcome.Status != txn.GlobalRollbacked {
		t.Fatalf("expected rolled back outcome, got %v", err)
	}
	if len(tc.rolledBack) != 1 {
		t.Fatalf("undecided commit must be rolled back, rollbacks=%v", tc.rolledBack)
	}
}

func TestRunRollsBackFailedCommitRequest(t *testing.T) {
	tc := newFakeTC()
	tc.commitErr = errors.New("connection reset")
	err := Run(context.Background(), tc, Options{}, func(context.Context, *rm.TxContext) error { return nil })
	var outcome *OutcomeError
	if !errors.As(err, &outcome) || outcome.Status != txn.GlobalRollbacked {
		t.Fatalf("expected rolled back outcome, got %v", err)
	}
	if !errors.Is(err, tc.commitErr) {
		t.Fatalf("outcome must carry the commit error, got %v", err)
	}
	if len(tc.rolledBack) != 1 {
		t.Fatalf("failed commit request must be rolled back, rollbacks=%v", tc.rolledBack)
	}

	// The commit went through before the connection dropped.
	tc = newFakeTC()
	tc.commitErr = errors.New("connection reset")
	tc.rollbackStatus = txn.GlobalCommitted
	if err := Run(context.Background(), tc, Options{}, func(context.Context, *rm.TxContext) error { return nil }); err != nil {
		t.Fatalf("committed transaction must not fail: %v", err)
	}
}

func TestRunRollsBackOnPanic(t *testing.T) {
	tc := newFakeTC()
	defer func() {
		if r := recover(); r != "kaboom" {
			t.Fatalf("expected re-raised panic, got %v", r)
		}
		if len(tc.rolledBack) != 1 {
			t.Fatalf("panic must roll back, rollbacks=%v", tc.rolledBack)
		}
	}()
	_ = Run(context.Background(), tc, Options{}, func(context.Context, *rm.TxContext) error { panic("kaboom") })
	t.Fatalf("panic swallowed")
}

func TestRunBeginFailure(t *testing.T) {
	tc := newFakeTC()
	tc.beginErr = errors.New("refused")
	called := false
	err := Run(context.Background(), tc, Options{}, func(context.Context, *rm.TxContext) error {
		called = true
		return nil
	})
	if !errors.Is(err, tc.beginErr) || called {
		t.Fatalf("expected begin failure without running fn, got %v called=%v", err, called)
	}
	if err := Run(context.Background(), nil, Options{}, nil); err == nil {
		t.Fatalf("expected error for nil tc")
	}
}
