// Package tm is the transaction manager boundary: it opens a global
// transaction, runs business code inside it and drives the outcome.
//
//	err := tm.Run(ctx, cli, tm.Options{Name: "checkout"}, func(ctx context.Context, txc *rm.TxContext) error {
//		tx, err := orders.BeginTx(ctx, txc, nil)
//		...
//		return tx.Commit(ctx)
//	})
package tm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/rseata/api"
	"pkt.systems/rseata/internal/loggingutil"
	"pkt.systems/rseata/internal/txn"
	"pkt.systems/rseata/rm"
)

// TC is the part of the coordinator API the transaction manager uses.
// *client.Client satisfies it.
type TC interface {
	Begin(ctx context.Context, req api.BeginRequest) (*api.BeginResponse, error)
	Commit(ctx context.Context, xid string) (*api.GlobalStatusResponse, error)
	Rollback(ctx context.Context, xid string) (*api.GlobalStatusResponse, error)
}

// Options configures Run.
type Options struct {
	// Name labels the global transaction.
	Name string
	// ApplicationID identifies the calling application.
	ApplicationID string
	// ServiceGroup routes the transaction.
	ServiceGroup string
	// Timeout bounds the Begin phase; zero uses the coordinator default.
	Timeout time.Duration
	Logger  pslog.Logger
}

// GlobalStatus is the status of a global transaction.
type GlobalStatus = txn.GlobalStatus

// OutcomeError reports a global transaction that did not end as requested.
type OutcomeError struct {
	Xid string
	// Status is the global status the coordinator returned.
	Status GlobalStatus
	// Cause is the business error that triggered a rollback, if any.
	Cause error
}

func (e *OutcomeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("tm: global transaction %s ended %s after: %v", e.Xid, e.Status, e.Cause)
	}
	return fmt.Sprintf("tm: global transaction %s ended %s", e.Xid, e.Status)
}

func (e *OutcomeError) Unwrap() error { return e.Cause }

// StatusName returns the readable global status.
func (e *OutcomeError) StatusName() string { return e.Status.String() }

// Run begins a global transaction, calls fn with a context bound to it and
// commits when fn returns nil. An error or panic from fn rolls the global
// transaction back; the business error is returned (the panic re-raised)
// after the rollback. A commit that does not reach Committed returns an
// *OutcomeError; one left undecided, or whose request failed, is rolled
// back first.
func Run(ctx context.Context, tc TC, opts Options, fn func(ctx context.Context, txc *rm.TxContext) error) error {
	if tc == nil {
		return errors.New("tm: tc client required")
	}
	logger := loggingutil.WithSubsystem(opts.Logger, "tm")
	begin, err := tc.Begin(ctx, api.BeginRequest{
		ApplicationID:           opts.ApplicationID,
		TransactionServiceGroup: opts.ServiceGroup,
		TransactionName:         opts.Name,
		TimeoutMillis:           opts.Timeout.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("tm: begin: %w", err)
	}
	xid := begin.Xid
	logger = logger.With("xid", xid, "name", opts.Name)
	logger.Debug("tm.global.begin")
	txc := rm.Bind(xid)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("tm.global.panic", "panic", fmt.Sprint(r))
			if _, rbErr := tc.Rollback(context.WithoutCancel(ctx), xid); rbErr != nil {
				logger.Warn("tm.global.rollback.failed", "error", rbErr)
			}
			panic(r)
		}
	}()

	if fnErr := fn(ctx, txc); fnErr != nil {
		resp, rbErr := tc.Rollback(context.WithoutCancel(ctx), xid)
		if rbErr != nil {
			logger.Warn("tm.global.rollback.failed", "error", rbErr, "cause", fnErr)
			return errors.Join(fnErr, fmt.Errorf("tm: rollback %s: %w", xid, rbErr))
		}
		status := txn.GlobalStatusFromCode(resp.GlobalStatus)
		logger.Info("tm.global.rollback", "status", status.String(), "cause", fnErr)
		if status != txn.GlobalRollbacked && status != txn.GlobalTimeoutRollbacked {
			return &OutcomeError{Xid: xid, Status: status, Cause: fnErr}
		}
		return fnErr
	}

	resp, commitErr := tc.Commit(ctx, xid)
	status := txn.GlobalUnKnown
	if commitErr == nil {
		status = txn.GlobalStatusFromCode(resp.GlobalStatus)
		if status == txn.GlobalCommitted {
			logger.Debug("tm.global.commit.complete")
			return nil
		}
		if status.IsTerminal() {
			logger.Warn("tm.global.commit.failed", "status", status.String())
			return &OutcomeError{Xid: xid, Status: status}
		}
	}
	// Undecided or unreachable: do not leave the transaction holding locks
	// until its timeout.
	logger.Warn("tm.global.commit.unresolved", "status", status.String(), "error", commitErr)
	var cause error
	if commitErr != nil {
		cause = fmt.Errorf("tm: commit %s: %w", xid, commitErr)
	}
	rb, rbErr := tc.Rollback(context.WithoutCancel(ctx), xid)
	if rbErr != nil {
		logger.Warn("tm.global.rollback.failed", "error", rbErr)
		return &OutcomeError{Xid: xid, Status: status, Cause: errors.Join(cause, fmt.Errorf("tm: rollback %s: %w", xid, rbErr))}
	}
	final := txn.GlobalStatusFromCode(rb.GlobalStatus)
	if final == txn.GlobalCommitted {
		logger.Debug("tm.global.commit.complete")
		return nil
	}
	logger.Info("tm.global.rollback", "status", final.String())
	return &OutcomeError{Xid: xid, Status: final, Cause: cause}
}

