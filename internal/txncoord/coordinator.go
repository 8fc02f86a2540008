// Package txncoord drives global transactions to their outcome: it begins
// them, decides commit or rollback from the branch phase one results, fans
// the phase two instruction out to every branch and retires terminal
// sessions to the archive.
package txncoord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rsxid "github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/rseata/api"
	"pkt.systems/rseata/internal/archive"
	"pkt.systems/rseata/internal/clock"
	"pkt.systems/rseata/internal/core"
	"pkt.systems/rseata/internal/event"
	"pkt.systems/rseata/internal/lock"
	"pkt.systems/rseata/internal/loggingutil"
	"pkt.systems/rseata/internal/session"
	"pkt.systems/rseata/internal/txn"
)

const (
	// DefaultTimeout applies when Begin does not name a timeout.
	DefaultTimeout = 60 * time.Second
	// DefaultPhaseTwoTimeout bounds one commit or rollback fan-out.
	DefaultPhaseTwoTimeout = 2 * time.Minute
)

// BranchCore executes the phase two instructions of one branch protocol.
type BranchCore interface {
	BranchCommit(ctx context.Context, g *txn.GlobalSession, b txn.BranchSession) (txn.BranchStatus, error)
	BranchRollback(ctx context.Context, g *txn.GlobalSession, b txn.BranchSession) (txn.BranchStatus, error)
}

// Config defines coordinator behavior for outcome decisions and branch
// fan-out.
type Config struct {
	Sessions *session.Manager
	Locks    *lock.Manager
	// Archive receives terminal sessions. Nil drops them once terminal.
	Archive *archive.Archive
	// AT serves AT and XA branches.
	AT     BranchCore
	Events *event.Bus
	Logger pslog.Logger
	Clock  clock.Clock

	DefaultTimeout time.Duration
	// XidLocks is shared with the branch cores so registration cannot
	// interleave with an outcome decision. Nil gives the coordinator its own.
	XidLocks *XidLocks
	// PhaseTwoTimeout bounds a commit or rollback once started. The fan-out
	// does not observe caller cancellation, so a dropped request cannot
	// leave some branches committed and others untouched.
	PhaseTwoTimeout time.Duration

	DispatchMaxAttempts int
	DispatchBaseDelay   time.Duration
	DispatchMaxDelay    time.Duration
	DispatchMultiplier  float64
}

// Coordinator owns global transaction outcomes.
type Coordinator struct {
	sessions       *session.Manager
	locks          *lock.Manager
	archive        *archive.Archive
	at             BranchCore
	events         *event.Bus
	logger         pslog.Logger
	clock          clock.Clock
	metrics        *txncoordMetrics
	defaultTimeout atomic.Int64
	phaseTwo       time.Duration
	maxAttempts    int
	baseDelay      time.Duration
	maxDelay       time.Duration
	multiplier     float64

	nextTxn atomic.Uint64
	xids    *XidLocks
}

// BeginRequest starts a global transaction.
type BeginRequest struct {
	ApplicationID           string
	TransactionServiceGroup string
	TransactionName         string
	TimeoutMillis           int64
}

// FanoutError reports the branches whose phase two instruction failed.
type FanoutError struct {
	Xid      string
	Kind     api.InstructionType
	Failures []BranchFailure
}

// BranchFailure captures one failed branch instruction.
type BranchFailure struct {
	BranchID   uint64
	ResourceID string
	Status     txn.BranchStatus
	Err        error
}

func (e *FanoutError) Error() string {
	if e == nil || len(e.Failures) == 0 {
		return "branch fanout failed"
	}
	var b strings.Builder
	b.WriteString("branch ")
	b.WriteString(string(e.Kind))
	b.WriteString(" failed: ")
	for i, f := range e.Failures {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "branch %d", f.BranchID)
		if f.ResourceID != "" {
			b.WriteString(" (resource ")
			b.WriteString(f.ResourceID)
			b.WriteString(")")
		}
		if f.Err != nil {
			b.WriteString(": ")
			b.WriteString(f.Err.Error())
		}
	}
	return b.String()
}

// New constructs a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("txncoord: session manager required")
	}
	if cfg.Locks == nil {
		return nil, errors.New("txncoord: lock manager required")
	}
	if cfg.AT == nil {
		return nil, errors.New("txncoord: AT core required")
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "tc.coordinator")
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	xids := cfg.XidLocks
	if xids == nil {
		xids = &XidLocks{}
	}
	phaseTwo := cfg.PhaseTwoTimeout
	if phaseTwo <= 0 {
		phaseTwo = DefaultPhaseTwoTimeout
	}
	c := &Coordinator{
		sessions:    cfg.Sessions,
		locks:       cfg.Locks,
		archive:     cfg.Archive,
		at:          cfg.AT,
		events:      cfg.Events,
		logger:      logger,
		clock:       clock.Ensure(cfg.Clock),
		metrics:     newTxncoordMetrics(logger),
		phaseTwo:    phaseTwo,
		xids:        xids,
		maxAttempts: cfg.DispatchMaxAttempts,
		baseDelay:   cfg.DispatchBaseDelay,
		maxDelay:    cfg.DispatchMaxDelay,
		multiplier:  cfg.DispatchMultiplier,
	}
	c.defaultTimeout.Store(int64(timeout))
	c.nextTxn.Store(uint64(c.clock.Now().UnixMilli()) << 16)
	return c, nil
}

// DefaultTimeout returns the timeout applied to Begin requests without one.
func (c *Coordinator) DefaultTimeout() time.Duration {
	return time.Duration(c.defaultTimeout.Load())
}

// SetDefaultTimeout changes the timeout applied to later Begin requests
// without one. Non-positive values are ignored.
func (c *Coordinator) SetDefaultTimeout(d time.Duration) {
	if d > 0 {
		c.defaultTimeout.Store(int64(d))
	}
}

// Begin creates a global session in Begin and returns a copy of it.
func (c *Coordinator) Begin(ctx context.Context, req BeginRequest) (*txn.GlobalSession, error) {
	if req.TimeoutMillis < 0 {
		return nil, core.InvalidArgument("timeout_millis must be >= 0")
	}
	timeout := req.TimeoutMillis
	if timeout == 0 {
		timeout = c.DefaultTimeout().Milliseconds()
	}
	g := &txn.GlobalSession{
		Xid:                     rsxid.New().String(),
		TransactionID:           c.nextTxn.Add(1),
		Status:                  txn.GlobalBegin,
		ApplicationID:           req.ApplicationID,
		TransactionServiceGroup: req.TransactionServiceGroup,
		TransactionName:         req.TransactionName,
		TimeoutMillis:           timeout,
		BeginTimeMillis:         clock.Millis(c.clock),
		Active:                  true,
	}
	if err := c.sessions.AddGlobalSession(ctx, g); err != nil {
		return nil, err
	}
	c.logger.Info("txn.tc.begin",
		"xid", g.Xid,
		"transaction_id", g.TransactionID,
		"name", g.TransactionName,
		"application_id", g.ApplicationID,
		"timeout_ms", g.TimeoutMillis,
	)
	c.events.Publish(event.Event{
		Type:          event.GlobalBegin,
		Xid:           g.Xid,
		TransactionID: g.TransactionID,
		Status:        g.Status.String(),
	})
	return g.Clone(), nil
}

// Commit drives xid towards Committed. Phase one failures turn the commit
// into a rollback; a transaction whose branches have not all finished phase
// one stays Committing.
func (c *Coordinator) Commit(ctx context.Context, xid string) (txn.GlobalStatus, error) {
	unlock := c.xids.Lock(xid)
	defer unlock()
	ctx, cancel := c.phaseTwoContext(ctx)
	defer cancel()
	g, err := c.sessions.FindGlobalSessionWithBranches(ctx, xid, true)
	if err != nil {
		return c.archivedStatus(ctx, xid, err)
	}
	if g.Status != txn.GlobalBegin && g.Status != txn.GlobalCommitting {
		return g.Status, nil
	}
	return c.commitLocked(ctx, g, c.clock.Now())
}

// commitLocked decides and runs the outcome of g, which is in Begin or
// Committing. The caller holds the xid lock.
func (c *Coordinator) commitLocked(ctx context.Context, g *txn.GlobalSession, start time.Time) (txn.GlobalStatus, error) {
	canCommit := g.CanCommit()
	mustRollback := g.MustRollback()
	if g.Status == txn.GlobalBegin {
		g.Active = false
		if _, err := c.setStatus(ctx, g, txn.GlobalCommitting); err != nil {
			return g.Status, err
		}
	}
	switch {
	case canCommit:
		if fanErr := c.fanout(ctx, g, api.InstructionCommit); fanErr != nil {
			c.logger.Warn("txn.tc.commit.branch_failed", "xid", g.Xid, "error", fanErr)
			// The commit may have spent the whole deadline; the rollback gets its own.
			rbCtx, cancel := c.phaseTwoContext(ctx)
			defer cancel()
			if _, err := c.setStatus(rbCtx, g, txn.GlobalRollbacking); err != nil {
				return g.Status, err
			}
			return c.rollbackLocked(rbCtx, g, start)
		}
		status, err := c.finish(ctx, g, txn.GlobalCommitted, start)
		if err != nil {
			return status, err
		}
		c.metrics.recordDecide(ctx, status, time.Since(start))
		c.logger.Info("txn.tc.commit.complete", "xid", g.Xid, "branches", len(g.BranchSessions), "duration_ms", time.Since(start).Milliseconds())
		return status, nil
	case mustRollback:
		if _, err := c.setStatus(ctx, g, txn.GlobalRollbacking); err != nil {
			return g.Status, err
		}
		return c.rollbackLocked(ctx, g, start)
	default:
		c.logger.Debug("txn.tc.commit.pending", "xid", g.Xid, "branches", len(g.BranchSessions))
		return g.Status, nil
	}
}

// Rollback undoes every branch of xid. A failed branch rollback ends in
// RollbackFailed.
func (c *Coordinator) Rollback(ctx context.Context, xid string) (txn.GlobalStatus, error) {
	unlock := c.xids.Lock(xid)
	defer unlock()
	ctx, cancel := c.phaseTwoContext(ctx)
	defer cancel()
	g, err := c.sessions.FindGlobalSessionWithBranches(ctx, xid, true)
	if err != nil {
		return c.archivedStatus(ctx, xid, err)
	}
	if g.Status.IsTerminal() {
		return g.Status, nil
	}
	start := c.clock.Now()
	g.Active = false
	if !g.Status.IsRollbackPath() {
		if _, err := c.setStatus(ctx, g, txn.GlobalRollbacking); err != nil {
			return g.Status, err
		}
	}
	return c.rollbackLocked(ctx, g, start)
}

// GetStatus returns the status of xid from the live store or, once
// retired, from the archive.
func (c *Coordinator) GetStatus(ctx context.Context, xid string) (txn.GlobalStatus, error) {
	g, err := c.sessions.FindGlobalSession(ctx, xid)
	if err != nil {
		return c.archivedStatus(ctx, xid, err)
	}
	return g.Status, nil
}

// GlobalReport records an outcome decided outside the coordinator. A
// terminal session keeps its status; otherwise the reported status must be
// terminal or Finished.
func (c *Coordinator) GlobalReport(ctx context.Context, xid string, status txn.GlobalStatus) (txn.GlobalStatus, error) {
	unlock := c.xids.Lock(xid)
	defer unlock()
	ctx, cancel := c.phaseTwoContext(ctx)
	defer cancel()
	g, err := c.sessions.FindGlobalSessionWithBranches(ctx, xid, true)
	if err != nil {
		return c.archivedStatus(ctx, xid, err)
	}
	if g.Status.IsTerminal() {
		return g.Status, nil
	}
	if !status.IsTerminal() {
		return g.Status, core.InvalidArgument("reported status %s is not terminal", status)
	}
	start := time.UnixMilli(g.BeginTimeMillis)
	g.Active = false
	c.logger.Info("txn.tc.report", "xid", g.Xid, "from", g.Status.String(), "to", status.String())
	return c.finish(ctx, g, status, start)
}

// SweepTimeouts rolls back every Begin session past its deadline, retries
// the commit decision of every Committing session and retries archiving
// terminal sessions left in the live store. A Committing session whose
// phase one is still unfinished at its deadline is rolled back. It returns
// the number of sessions it timed out.
func (c *Coordinator) SweepTimeouts(ctx context.Context) (int, error) {
	now := c.clock.Now()
	pending, err := c.sessions.FindGlobalSessions(ctx, txn.Condition{
		Statuses:       []txn.GlobalStatus{txn.GlobalBegin, txn.GlobalCommitting},
		LazyLoadBranch: true,
	})
	if err != nil {
		return 0, err
	}
	timedOut := 0
	for _, candidate := range pending {
		if ctx.Err() != nil {
			return timedOut, ctx.Err()
		}
		if candidate.Status == txn.GlobalBegin && !candidate.Expired(now) {
			continue
		}
		status, ok, err := c.sweepSession(ctx, candidate.Xid, now)
		if err != nil {
			c.logger.Warn("txn.tc.sweep.rollback_failed", "xid", candidate.Xid, "error", err)
			continue
		}
		if ok {
			timedOut++
			c.metrics.recordSweepTimeout(ctx, status)
		}
	}
	c.retireTerminal(ctx)
	return timedOut, nil
}

func (c *Coordinator) sweepSession(ctx context.Context, xid string, now time.Time) (txn.GlobalStatus, bool, error) {
	unlock := c.xids.Lock(xid)
	defer unlock()
	ctx, cancel := c.phaseTwoContext(ctx)
	defer cancel()
	g, err := c.sessions.FindGlobalSessionWithBranches(ctx, xid, true)
	if err != nil {
		if core.IsNotFound(err) {
			return txn.GlobalUnKnown, false, nil
		}
		return txn.GlobalUnKnown, false, err
	}
	switch g.Status {
	case txn.GlobalBegin:
		if !g.Expired(now) {
			return g.Status, false, nil
		}
	case txn.GlobalCommitting:
		status, err := c.commitLocked(ctx, g, now)
		if err != nil || status != txn.GlobalCommitting || !g.Expired(now) {
			return status, false, err
		}
	default:
		return g.Status, false, nil
	}
	c.logger.Info("txn.tc.timeout", "xid", g.Xid, "timeout_ms", g.TimeoutMillis, "branches", len(g.BranchSessions))
	c.events.Publish(event.Event{
		Type:          event.SessionTimeout,
		Xid:           g.Xid,
		TransactionID: g.TransactionID,
		Status:        txn.GlobalTimeoutRollbacking.String(),
	})
	g.Active = false
	if _, err := c.setStatus(ctx, g, txn.GlobalTimeoutRollbacking); err != nil {
		return g.Status, false, err
	}
	status, err := c.rollbackLocked(ctx, g, now)
	return status, true, err
}

// phaseTwoContext detaches ctx from caller cancellation and bounds it with
// the coordinator's own phase two deadline.
func (c *Coordinator) phaseTwoContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.phaseTwo)
}

func (c *Coordinator) retireTerminal(ctx context.Context) {
	if c.archive == nil {
		return
	}
	leftovers, err := c.sessions.FindGlobalSessions(ctx, txn.Condition{Statuses: terminalStatuses})
	if err != nil {
		c.logger.Warn("txn.tc.sweep.query_failed", "error", err)
		return
	}
	for _, g := range leftovers {
		unlock := c.xids.Lock(g.Xid)
		if err := c.retire(ctx, g); err != nil {
			c.logger.Warn("txn.tc.sweep.archive_failed", "xid", g.Xid, "error", err)
		}
		unlock()
	}
}

var terminalStatuses = []txn.GlobalStatus{
	txn.GlobalCommitted,
	txn.GlobalCommitFailed,
	txn.GlobalRollbacked,
	txn.GlobalRollbackFailed,
	txn.GlobalTimeoutRollbacked,
	txn.GlobalTimeoutRollbackFailed,
	txn.GlobalFinished,
	txn.GlobalCommitRetryTimeout,
	txn.GlobalRollbackRetryTimeout,
	txn.GlobalDeleting,
}

// rollbackLocked runs the branch rollbacks of g, which must already be in
// Rollbacking or TimeoutRollbacking, and finishes the session.
func (c *Coordinator) rollbackLocked(ctx context.Context, g *txn.GlobalSession, start time.Time) (txn.GlobalStatus, error) {
	timeout := g.Status == txn.GlobalTimeoutRollbacking
	final := txn.GlobalRollbacked
	if timeout {
		final = txn.GlobalTimeoutRollbacked
	}
	if fanErr := c.fanout(ctx, g, api.InstructionRollback); fanErr != nil {
		c.logger.Warn("txn.tc.rollback.branch_failed", "xid", g.Xid, "error", fanErr)
		final = txn.GlobalRollbackFailed
		if timeout {
			final = txn.GlobalTimeoutRollbackFailed
		}
	}
	status, err := c.finish(ctx, g, final, start)
	if err != nil {
		return status, err
	}
	c.metrics.recordDecide(ctx, status, time.Since(start))
	c.logger.Info("txn.tc.rollback.complete", "xid", g.Xid, "status", status.String(), "branches", len(g.BranchSessions), "duration_ms", time.Since(start).Milliseconds())
	return status, nil
}

// finish writes a terminal status, frees the row locks and retires the
// session.
func (c *Coordinator) finish(ctx context.Context, g *txn.GlobalSession, status txn.GlobalStatus, start time.Time) (txn.GlobalStatus, error) {
	if _, err := c.setStatus(ctx, g, status); err != nil {
		return g.Status, err
	}
	if err := c.locks.ReleaseByXid(g.Xid); err != nil {
		c.logger.Warn("txn.tc.locks.release_failed", "xid", g.Xid, "error", err)
	}
	evType := event.GlobalRollback
	if status == txn.GlobalCommitted {
		evType = event.GlobalCommit
	}
	c.events.Publish(event.Event{
		Type:          evType,
		Xid:           g.Xid,
		TransactionID: g.TransactionID,
		Status:        status.String(),
		Duration:      c.clock.Now().Sub(start),
	})
	if err := c.retire(ctx, g); err != nil {
		c.logger.Warn("txn.tc.archive.deferred", "xid", g.Xid, "status", status.String(), "error", err)
	}
	return status, nil
}

func (c *Coordinator) retire(ctx context.Context, g *txn.GlobalSession) error {
	if c.archive != nil {
		if err := c.archive.Put(ctx, g); err != nil {
			return err
		}
	}
	return c.sessions.RemoveGlobalSession(ctx, g)
}

func (c *Coordinator) setStatus(ctx context.Context, g *txn.GlobalSession, status txn.GlobalStatus) (txn.GlobalStatus, error) {
	previous := g.Status
	if _, err := c.sessions.UpdateGlobalSessionStatus(ctx, g, status); err != nil {
		return previous, err
	}
	c.events.Publish(event.Event{
		Type:          event.GlobalStatusChange,
		Xid:           g.Xid,
		TransactionID: g.TransactionID,
		Status:        status.String(),
	})
	return status, nil
}

func (c *Coordinator) archivedStatus(ctx context.Context, xid string, liveErr error) (txn.GlobalStatus, error) {
	if !core.IsNotFound(liveErr) || c.archive == nil {
		return txn.GlobalUnKnown, liveErr
	}
	rec, err := c.archive.Get(ctx, xid)
	if err != nil {
		if core.IsNotFound(err) {
			return txn.GlobalUnKnown, liveErr
		}
		return txn.GlobalUnKnown, err
	}
	return rec.Session.Status, nil
}

// coreFor resolves the branch protocol implementation.
func (c *Coordinator) coreFor(bt txn.BranchType) (BranchCore, error) {
	switch bt {
	case txn.BranchTypeAT, txn.BranchTypeXA:
		return c.at, nil
	case txn.BranchTypeTCC, txn.BranchTypeSAGA:
		return nil, core.Protocol("branch type %s is not supported", bt)
	default:
		return nil, core.Protocol("unknown branch type %d", bt.Code())
	}
}

// fanout sends kind to every branch concurrently and waits for all of them.
// Returned branch statuses are applied to g.
func (c *Coordinator) fanout(ctx context.Context, g *txn.GlobalSession, kind api.InstructionType) error {
	if len(g.BranchSessions) == 0 {
		return nil
	}
	start := c.clock.Now()
	type result struct {
		status txn.BranchStatus
		err    error
	}
	results := make([]result, len(g.BranchSessions))
	snapshot := g.Clone()
	var wg sync.WaitGroup
	for i, b := range snapshot.BranchSessions {
		wg.Add(1)
		go func(i int, b txn.BranchSession) {
			defer wg.Done()
			status, err := c.dispatchWithRetry(ctx, kind, snapshot, b)
			results[i] = result{status: status, err: err}
		}(i, b)
	}
	wg.Wait()
	var failures []BranchFailure
	for i, res := range results {
		if res.status != 0 {
			g.BranchSessions[i].Status = res.status
		}
		if res.err != nil {
			b := g.BranchSessions[i]
			failures = append(failures, BranchFailure{BranchID: b.BranchID, ResourceID: b.ResourceID, Status: res.status, Err: res.err})
		}
	}
	outcome := "ok"
	if len(failures) > 0 {
		outcome = "error"
	}
	c.metrics.recordDispatch(ctx, kind, c.clock.Now().Sub(start), outcome)
	if len(failures) > 0 {
		return &FanoutError{Xid: g.Xid, Kind: kind, Failures: failures}
	}
	return nil
}

func (c *Coordinator) dispatchWithRetry(ctx context.Context, kind api.InstructionType, g *txn.GlobalSession, b txn.BranchSession) (txn.BranchStatus, error) {
	bc, err := c.coreFor(b.BranchType)
	if err != nil {
		c.metrics.recordDispatchFailure(ctx, kind, b.ResourceID, "unsupported_branch_type")
		return 0, err
	}
	attempts := c.maxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := c.baseDelay
	var status txn.BranchStatus
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return status, ctx.Err()
		}
		c.metrics.recordDispatchAttempt(ctx, kind, b.ResourceID)
		if kind == api.InstructionCommit {
			status, err = bc.BranchCommit(ctx, g, b)
		} else {
			status, err = bc.BranchRollback(ctx, g, b)
		}
		if err == nil {
			return status, nil
		}
		if attempt == attempts || !retryableDispatch(status, err) {
			break
		}
		if delay <= 0 {
			delay = 50 * time.Millisecond
		}
		if c.maxDelay > 0 && delay > c.maxDelay {
			delay = c.maxDelay
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-c.clock.After(delay):
		}
		if c.multiplier > 1 {
			delay = time.Duration(float64(delay)*c.multiplier + 0.5)
		}
	}
	c.metrics.recordDispatchFailure(ctx, kind, b.ResourceID, dispatchReason(err))
	return status, err
}

func retryableDispatch(status txn.BranchStatus, err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch status {
	case txn.BranchPhaseTwoCommitFailedUnretryable, txn.BranchPhaseTwoRollbackFailedUnretryable:
		return false
	}
	return true
}

func dispatchReason(err error) string {
	switch {
	case core.HasCode(err, core.CodeResourceDisconnected):
		return "disconnected"
	case core.HasCode(err, core.CodeProtocolError):
		return "protocol"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
