// Package xa implements XA mode branches over database/sql.
//
// Inside a global transaction every Tx pins a connection and runs its work
// in an XA transaction. Commit registers the branch and prepares the XA
// transaction; the prepared work stays on the pinned connection until the
// coordinator's phase two instruction commits or rolls it back. Outside a
// global transaction a Tx is a plain local transaction.
package xa

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/rseata/internal/loggingutil"
	"pkt.systems/rseata/rm"
)

// ErrLockConflict reports rows held by another global transaction.
var ErrLockConflict = errors.New("xa: rows locked by another global transaction")

// DB wraps a *sql.DB whose transactions run as XA branches.
type DB struct {
	db     *sql.DB
	rm     *rm.Manager
	logger pslog.Logger
}

// New returns an XA wrapper around db reporting through manager.
func New(db *sql.DB, manager *rm.Manager) (*DB, error) {
	if db == nil {
		return nil, errors.New("xa: db required")
	}
	if manager == nil {
		return nil, errors.New("xa: resource manager required")
	}
	return &DB{db: db, rm: manager, logger: loggingutil.WithSubsystem(manager.Logger(), "xa")}, nil
}

// BeginTx pins a connection. When txc is bound to a global transaction the
// connection enters an XA transaction for it; otherwise a local
// transaction is opened with opts.
func (d *DB) BeginTx(ctx context.Context, txc *rm.TxContext, opts *sql.TxOptions) (*Tx, error) {
	conn, err := NewConn(ctx, d.db)
	if err != nil {
		return nil, err
	}
	tx := &Tx{db: d, conn: conn, txc: txc}
	if !txc.InGlobalTransaction() {
		local, err := conn.BeginTx(ctx, opts)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		tx.local = local
		return tx, nil
	}
	txc.ResetBranch()
	if err := conn.XAStart(ctx, txc.Xid()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return tx, nil
}

// Tx is one XA branch, or a local transaction outside a global one.
type Tx struct {
	db    *DB
	conn  *Conn
	txc   *rm.TxContext
	local *sql.Tx

	mu   sync.Mutex
	done bool
}

// Global reports whether the transaction runs as an XA branch.
func (t *Tx) Global() bool { return t.local == nil }

// ExecContext runs a statement inside the transaction.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if t.local != nil {
		return t.local.ExecContext(ctx, query, args...)
	}
	return t.conn.ExecContext(ctx, query, args...)
}

// QueryContext runs a query inside the transaction.
func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if t.local != nil {
		return t.local.QueryContext(ctx, query, args...)
	}
	return t.conn.QueryContext(ctx, query, args...)
}

func (t *Tx) finish() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// Commit ends phase one. A global branch is registered, ended, checked
// for lock conflicts and prepared; any failure rolls the XA transaction
// back and reports PhaseOneFailed.
func (t *Tx) Commit(ctx context.Context) error {
	if !t.finish() {
		return sql.ErrTxDone
	}
	if t.local != nil {
		defer t.conn.Close()
		return t.local.Commit()
	}
	m := t.db.rm
	xid := t.txc.Xid()
	branchID, err := m.RegisterBranch(ctx, t.txc, "")
	if err != nil {
		t.abort(ctx)
		return err
	}
	logger := t.db.logger.With("xid", xid, "branch_id", branchID, "xa_id", t.conn.XAID())
	fail := func(err error) error {
		t.abort(ctx)
		if rerr := m.ReportBranch(ctx, xid, branchID, rm.PhaseOneFailed); rerr != nil {
			logger.Warn("xa.branch.report.failed", "error", rerr)
		}
		logger.Warn("xa.branch.phase_one.failed", "error", err)
		return err
	}
	if err := t.conn.XAEnd(ctx); err != nil {
		return fail(err)
	}
	lockable, err := m.Lockable(ctx, t.txc)
	if err != nil {
		return fail(err)
	}
	if !lockable {
		return fail(fmt.Errorf("%w: %s", ErrLockConflict, t.txc.LockKey()))
	}
	if err := t.conn.XAPrepare(ctx); err != nil {
		return fail(err)
	}
	m.Park(xid, branchID, &branch{conn: t.conn, logger: logger})
	if err := m.ReportBranch(ctx, xid, branchID, rm.PhaseOneDone); err != nil {
		return err
	}
	logger.Debug("xa.branch.phase_one.done")
	return nil
}

// Rollback abandons the transaction. A global branch is registered, its XA
// transaction ended and rolled back, and PhaseOneFailed reported.
func (t *Tx) Rollback(ctx context.Context) error {
	if !t.finish() {
		return sql.ErrTxDone
	}
	if t.local != nil {
		defer t.conn.Close()
		return t.local.Rollback()
	}
	m := t.db.rm
	xid := t.txc.Xid()
	branchID, regErr := m.RegisterBranch(ctx, t.txc, "")
	endErr := t.conn.XAEnd(ctx)
	rbErr := t.conn.XARollback(ctx)
	_ = t.conn.Close()
	var reportErr error
	if regErr == nil {
		reportErr = m.ReportBranch(ctx, xid, branchID, rm.PhaseOneFailed)
	}
	return errors.Join(regErr, endErr, rbErr, reportErr)
}

// abort rolls back the XA transaction and releases the connection.
func (t *Tx) abort(ctx context.Context) {
	_ = t.conn.XAEnd(ctx)
	if err := t.conn.XARollback(ctx); err != nil {
		t.db.logger.Warn("xa.rollback.failed", "xid", t.txc.Xid(), "error", err)
	}
	_ = t.conn.Close()
}

// branch is a prepared XA branch awaiting phase two.
type branch struct {
	conn   *Conn
	logger pslog.Logger
}

func (b *branch) Commit(ctx context.Context) rm.BranchStatus {
	defer b.conn.Close()
	if err := b.conn.XACommit(ctx); err != nil {
		b.logger.Error("xa.branch.commit.failed", "error", err)
		return rm.PhaseTwoCommitFailedUnretryable
	}
	return rm.PhaseTwoCommitted
}

func (b *branch) Rollback(ctx context.Context) rm.BranchStatus {
	defer b.conn.Close()
	if err := b.conn.XARollback(ctx); err != nil {
		b.logger.Error("xa.branch.rollback.failed", "error", err)
		return rm.PhaseTwoRollbackFailedUnretryable
	}
	return rm.PhaseTwoRollbacked
}
