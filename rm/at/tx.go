package at

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"pkt.systems/rseata/internal/sqlparse"
	"pkt.systems/rseata/rm"
)

// Tx is one local transaction running as an AT branch.
type Tx struct {
	db  *DB
	tx  *sql.Tx
	txc *rm.TxContext

	mu   sync.Mutex
	done bool
}

// Context returns the transaction context the branch belongs to.
func (t *Tx) Context() *rm.TxContext { return t.txc }

// QueryContext runs a read on the local transaction.
func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

// ExecContext runs a statement on the local transaction. UPDATE statements
// capture their before image and record row locks first.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	stmt, err := sqlparse.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("at: %w", err)
	}
	switch stmt.Kind {
	case sqlparse.KindUpdate:
		if err := t.captureBeforeImage(ctx, stmt, args); err != nil {
			return nil, err
		}
	case sqlparse.KindInsert, sqlparse.KindDelete:
		t.db.logger.Debug("at.exec.passthrough", "xid", t.txc.Xid(), "kind", stmt.Kind.String(), "table", stmt.Table)
	}
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *Tx) captureBeforeImage(ctx context.Context, stmt sqlparse.Statement, args []any) error {
	pks, err := t.db.primaryKeys(ctx, t.tx, stmt.Table)
	if err != nil {
		return err
	}
	rows, err := t.tx.QueryContext(ctx, stmt.BeforeImageQuery(), stmt.PredicateArgs(args)...)
	if err != nil {
		return fmt.Errorf("at: before image of %s: %w", stmt.Table, err)
	}
	cols, image, err := scanRows(rows)
	if err != nil {
		return fmt.Errorf("at: before image of %s: %w", stmt.Table, err)
	}
	columns, err := resolveColumns(stmt.Table, cols, stmt.Columns)
	if err != nil {
		return err
	}
	if pks, err = resolveColumns(stmt.Table, cols, pks); err != nil {
		return err
	}
	keys := make([]string, 0, len(image))
	for _, row := range image {
		keys = append(keys, rowKey(row, pks))
	}
	t.txc.AddLockKey(stmt.Table, keys...)
	t.txc.AppendUndo(rm.UndoImage{
		Table:       stmt.Table,
		Columns:     columns,
		PrimaryKeys: pks,
		Rows:        image,
	})
	t.db.logger.Debug("at.before_image", "xid", t.txc.Xid(), "table", stmt.Table, "rows", len(image))
	return nil
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

// Commit finishes phase one: the branch is registered with its lock key,
// the rows are checked against other global transactions and the local
// transaction commits. The branch then waits for the coordinator's phase
// two decision.
func (t *Tx) Commit(ctx context.Context) error {
	if !t.finish() {
		return sql.ErrTxDone
	}
	m := t.db.rm
	xid := t.txc.Xid()
	branchID, err := m.RegisterBranch(ctx, t.txc, "")
	if err != nil {
		_ = t.tx.Rollback()
		return err
	}
	logger := t.db.logger.With("xid", xid, "branch_id", branchID)

	lockable, err := m.Lockable(ctx, t.txc)
	if err == nil && !lockable {
		err = fmt.Errorf("%w: %s", ErrLockConflict, t.txc.LockKey())
	}
	if err != nil {
		_ = t.tx.Rollback()
		if rerr := m.ReportBranch(ctx, xid, branchID, rm.PhaseOneFailed); rerr != nil {
			logger.Warn("at.branch.report.failed", "error", rerr)
		}
		logger.Warn("at.branch.lock.failed", "lock_key", t.txc.LockKey(), "error", err)
		return err
	}

	if err := t.tx.Commit(); err != nil {
		if rerr := m.ReportBranch(ctx, xid, branchID, rm.PhaseOneFailed); rerr != nil {
			logger.Warn("at.branch.report.failed", "error", rerr)
		}
		return err
	}
	m.Park(xid, branchID, &branch{db: t.db, xid: xid, branchID: branchID, undo: t.txc.TakeUndo()})
	if err := m.ReportBranch(ctx, xid, branchID, rm.PhaseOneDone); err != nil {
		return err
	}
	logger.Debug("at.branch.phase_one.done")
	return nil
}

// Rollback abandons the local transaction and tells the coordinator the
// branch failed phase one. Calling it after Commit returns sql.ErrTxDone.
func (t *Tx) Rollback(ctx context.Context) error {
	if !t.finish() {
		return sql.ErrTxDone
	}
	m := t.db.rm
	xid := t.txc.Xid()
	branchID, regErr := m.RegisterBranch(ctx, t.txc, "")
	var reportErr error
	if regErr == nil {
		reportErr = m.ReportBranch(ctx, xid, branchID, rm.PhaseOneFailed)
	}
	t.txc.TakeUndo()
	return errors.Join(regErr, reportErr, t.tx.Rollback())
}

// branch is a committed AT branch awaiting phase two.
type branch struct {
	db       *DB
	xid      string
	branchID uint64
	undo     []rm.UndoImage
}

func (b *branch) Commit(context.Context) rm.BranchStatus {
	return rm.PhaseTwoCommitted
}

// Rollback restores every captured row, newest image first, in one local
// transaction.
func (b *branch) Rollback(ctx context.Context) rm.BranchStatus {
	logger := b.db.logger.With("xid", b.xid, "branch_id", b.branchID)
	tx, err := b.db.db.BeginTx(ctx, nil)
	if err != nil {
		logger.Error("at.branch.rollback.begin_failed", "error", err)
		return rm.PhaseTwoRollbackFailedRetryable
	}
	for i := len(b.undo) - 1; i >= 0; i-- {
		img := b.undo[i]
		for _, row := range img.Rows {
			query, args, err := compensation(img, row)
			if err != nil {
				_ = tx.Rollback()
				logger.Error("at.branch.rollback.bad_image", "table", img.Table, "error", err)
				return rm.PhaseTwoRollbackFailedUnretryable
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				_ = tx.Rollback()
				logger.Error("at.branch.rollback.failed", "table", img.Table, "error", err)
				return rm.PhaseTwoRollbackFailedRetryable
			}
		}
	}
	if err := tx.Commit(); err != nil {
		logger.Error("at.branch.rollback.failed", "error", err)
		return rm.PhaseTwoRollbackFailedRetryable
	}
	return rm.PhaseTwoRollbacked
}

// compensation renders UPDATE table SET col = ? ... WHERE pk = ? AND ...
// restoring row. Every column must be present in row.
func compensation(img rm.UndoImage, row rm.Row) (string, []any, error) {
	var sb strings.Builder
	args := make([]any, 0, len(img.Columns)+len(img.PrimaryKeys))
	sb.WriteString("UPDATE ")
	sb.WriteString(sqlparse.QuoteTable(img.Table))
	sb.WriteString(" SET ")
	for i, col := range img.Columns {
		v, ok := row[col]
		if !ok {
			return "", nil, fmt.Errorf("at: before image of %s has no column %s", img.Table, col)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(sqlparse.QuoteIdent(col))
		sb.WriteString(" = ?")
		args = append(args, v)
	}
	sb.WriteString(" WHERE ")
	for i, pk := range img.PrimaryKeys {
		v, ok := row[pk]
		if !ok {
			return "", nil, fmt.Errorf("at: before image of %s has no key column %s", img.Table, pk)
		}
		if i > 0 {
			sb.WriteString(" AND ")
		}
		sb.WriteString(sqlparse.QuoteIdent(pk))
		sb.WriteString(" = ?")
		args = append(args, v)
	}
	return sb.String(), args, nil
}
