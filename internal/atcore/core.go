// Package atcore implements the branch side of the coordinator for
// resources that finish phase one locally (AT and XA): branch registration
// with global row locks, branch reports, lock queries and the outbound
// phase two instructions.
package atcore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/rseata/api"
	"pkt.systems/rseata/internal/clock"
	"pkt.systems/rseata/internal/core"
	"pkt.systems/rseata/internal/event"
	"pkt.systems/rseata/internal/lock"
	"pkt.systems/rseata/internal/loggingutil"
	"pkt.systems/rseata/internal/session"
	"pkt.systems/rseata/internal/tcrm"
	"pkt.systems/rseata/internal/txn"
)

// XidLocker serializes work per xid.
type XidLocker interface {
	Lock(xid string) func()
}

// Config wires the core to the coordinator state.
type Config struct {
	Sessions *session.Manager
	Locks    *lock.Manager
	Registry *tcrm.Registry
	Events   *event.Bus
	Logger   pslog.Logger
	Clock    clock.Clock
	// XidLocks is the coordinator's per-xid lock. Registration holds it so
	// a branch cannot join a transaction whose outcome is being decided.
	XidLocks XidLocker

	// LockOnRegister acquires the branch lock key during registration and
	// rejects the branch on conflict.
	LockOnRegister bool
	// AckTimeout is how long a dispatched instruction waits for the
	// resource manager's phase two report. Zero sends and returns.
	AckTimeout time.Duration
}

// Core serves AT and XA branches.
type Core struct {
	sessions       *session.Manager
	locks          *lock.Manager
	registry       *tcrm.Registry
	events         *event.Bus
	logger         pslog.Logger
	clock          clock.Clock
	xids           XidLocker
	lockOnRegister bool
	ackTimeout     time.Duration

	nextBranch atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan txn.BranchStatus
}

// RegisterRequest enlists a branch.
type RegisterRequest struct {
	Xid             string
	BranchType      txn.BranchType
	ResourceGroupID string
	ResourceID      string
	ClientID        string
	LockKey         string
	ApplicationData string
}

// ReportRequest updates a branch status.
type ReportRequest struct {
	Xid             string
	BranchID        uint64
	Status          txn.BranchStatus
	ApplicationData string
}

// LockQueryRequest asks whether rows are lockable by a transaction.
type LockQueryRequest struct {
	Xid        string
	ResourceID string
	LockKey    string
}

// New builds a Core.
func New(cfg Config) (*Core, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("atcore: session manager required")
	}
	if cfg.Locks == nil {
		return nil, errors.New("atcore: lock manager required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("atcore: resource registry required")
	}
	c := &Core{
		sessions:       cfg.Sessions,
		locks:          cfg.Locks,
		registry:       cfg.Registry,
		events:         cfg.Events,
		logger:         loggingutil.WithSubsystem(cfg.Logger, "tc.core.at"),
		clock:          clock.Ensure(cfg.Clock),
		xids:           cfg.XidLocks,
		lockOnRegister: cfg.LockOnRegister,
		ackTimeout:     cfg.AckTimeout,
		pending:        make(map[uint64]chan txn.BranchStatus),
	}
	c.nextBranch.Store(uint64(c.clock.Now().UnixMilli()) << 16)
	return c, nil
}

// BranchRegister appends a Registered branch to the global session and
// returns its id.
func (c *Core) BranchRegister(ctx context.Context, req RegisterRequest) (uint64, error) {
	req.Xid = strings.TrimSpace(req.Xid)
	if req.Xid == "" {
		return 0, core.InvalidArgument("xid required")
	}
	if strings.TrimSpace(req.ResourceID) == "" {
		return 0, core.InvalidArgument("resource_id required")
	}
	if c.xids != nil {
		unlock := c.xids.Lock(req.Xid)
		defer unlock()
	}
	g, err := c.sessions.FindGlobalSession(ctx, req.Xid)
	if err != nil {
		return 0, err
	}
	if !g.Status.IsActive() {
		return 0, core.Protocol("global transaction %s is %s, branches can only join while Begin", g.Xid, g.Status)
	}
	branch := txn.BranchSession{
		Xid:             g.Xid,
		TransactionID:   g.TransactionID,
		BranchID:        c.nextBranch.Add(1),
		ResourceGroupID: req.ResourceGroupID,
		ResourceID:      req.ResourceID,
		BranchType:      req.BranchType,
		Status:          txn.BranchRegistered,
		LockKey:         req.LockKey,
		ClientID:        req.ClientID,
		ApplicationData: req.ApplicationData,
	}
	locked := false
	if c.lockOnRegister && branch.LockKey != "" {
		ok, err := c.locks.Acquire(branch)
		if err != nil {
			return 0, err
		}
		if !ok {
			c.logger.Debug("branch.register.lock_conflict", "xid", branch.Xid, "resource_id", branch.ResourceID, "lock_key", branch.LockKey)
			return 0, core.Conflict("global lock conflict on %s for %s", branch.ResourceID, branch.Xid)
		}
		locked = true
	}
	if err := c.sessions.AddBranchSession(ctx, g, branch); err != nil {
		if locked {
			if _, relErr := c.locks.Release(branch); relErr != nil {
				c.logger.Warn("branch.register.release_failed", "xid", branch.Xid, "branch_id", branch.BranchID, "error", relErr)
			}
		}
		return 0, err
	}
	c.logger.Debug("branch.register", "xid", branch.Xid, "branch_id", branch.BranchID, "resource_id", branch.ResourceID, "branch_type", branch.BranchType.String())
	c.events.Publish(event.Event{
		Type:          event.BranchRegister,
		Xid:           branch.Xid,
		TransactionID: branch.TransactionID,
		BranchID:      branch.BranchID,
		BranchType:    branch.BranchType,
		ResourceID:    branch.ResourceID,
		ClientID:      branch.ClientID,
		Status:        branch.Status.String(),
	})
	return branch.BranchID, nil
}

// BranchReport writes a branch status. Phase two statuses also complete a
// dispatch that is waiting for the acknowledgement.
func (c *Core) BranchReport(ctx context.Context, req ReportRequest) error {
	if strings.TrimSpace(req.Xid) == "" {
		return core.InvalidArgument("xid required")
	}
	g, err := c.sessions.FindGlobalSessionWithBranches(ctx, req.Xid, true)
	if err != nil {
		if req.Status.PhaseTwo() {
			c.resolve(req.BranchID, req.Status)
		}
		return err
	}
	branch, ok := g.Branch(req.BranchID)
	if !ok {
		return core.NotFound("branch %d not found in %s", req.BranchID, req.Xid)
	}
	if req.ApplicationData != "" {
		branch.ApplicationData = req.ApplicationData
	}
	if err := c.sessions.UpdateBranchSessionStatus(ctx, g, branch, req.Status); err != nil {
		return err
	}
	if req.Status.PhaseTwo() {
		c.resolve(req.BranchID, req.Status)
	}
	c.logger.Debug("branch.report", "xid", req.Xid, "branch_id", req.BranchID, "status", req.Status.String())
	c.events.Publish(event.Event{
		Type:          event.BranchReport,
		Xid:           g.Xid,
		TransactionID: g.TransactionID,
		BranchID:      branch.BranchID,
		BranchType:    branch.BranchType,
		ResourceID:    branch.ResourceID,
		ClientID:      branch.ClientID,
		Status:        req.Status.String(),
	})
	return nil
}

// LockQuery reports whether the rows could be locked by the transaction.
func (c *Core) LockQuery(ctx context.Context, req LockQueryRequest) (bool, error) {
	g, err := c.sessions.FindGlobalSession(ctx, req.Xid)
	if err != nil {
		return false, err
	}
	return c.locks.IsLockable(g.Xid, req.ResourceID, g.TransactionID, req.LockKey)
}

// BranchCommit instructs the branch owner to commit phase two.
func (c *Core) BranchCommit(ctx context.Context, g *txn.GlobalSession, b txn.BranchSession) (txn.BranchStatus, error) {
	return c.dispatch(ctx, api.InstructionCommit, g, b)
}

// BranchRollback instructs the branch owner to undo phase one.
func (c *Core) BranchRollback(ctx context.Context, g *txn.GlobalSession, b txn.BranchSession) (txn.BranchStatus, error) {
	return c.dispatch(ctx, api.InstructionRollback, g, b)
}

func (c *Core) dispatch(ctx context.Context, kind api.InstructionType, g *txn.GlobalSession, b txn.BranchSession) (txn.BranchStatus, error) {
	success, failed, evType := txn.BranchPhaseTwoCommitted, txn.BranchPhaseTwoCommitFailedRetryable, event.BranchCommit
	if kind == api.InstructionRollback {
		success, failed, evType = txn.BranchPhaseTwoRollbacked, txn.BranchPhaseTwoRollbackFailedRetryable, event.BranchRollback
	}
	ins := api.Instruction{
		Type:            kind,
		BranchType:      b.BranchType.Code(),
		Xid:             b.Xid,
		BranchID:        b.BranchID,
		ResourceID:      b.ResourceID,
		ApplicationData: b.ApplicationData,
	}
	var wait chan txn.BranchStatus
	if c.ackTimeout > 0 {
		wait = c.expect(b.BranchID)
		defer c.forget(b.BranchID, wait)
	}
	status, err := success, c.registry.Send(b.ResourceID, b.ClientID, ins)
	if err != nil {
		status = failed
	} else if wait != nil {
		select {
		case status = <-wait:
			if status != success {
				err = core.Protocol("branch %d %s finished %s", b.BranchID, kind, status)
			}
		case <-c.clock.After(c.ackTimeout):
			status = txn.BranchPhaseTwoTimeout
			err = core.Protocol("branch %d %s not acknowledged within %s", b.BranchID, kind, c.ackTimeout)
		case <-ctx.Done():
			status = txn.BranchPhaseTwoTimeout
			err = ctx.Err()
		}
	}
	ev := event.Event{
		Type:          evType,
		Xid:           b.Xid,
		TransactionID: b.TransactionID,
		BranchID:      b.BranchID,
		BranchType:    b.BranchType,
		ResourceID:    b.ResourceID,
		ClientID:      b.ClientID,
		Status:        status.String(),
	}
	if err != nil {
		ev.Error = err.Error()
		c.logger.Warn("branch."+string(kind)+".failed", "xid", b.Xid, "branch_id", b.BranchID, "resource_id", b.ResourceID, "error", err)
	} else {
		c.logger.Debug("branch."+string(kind), "xid", b.Xid, "branch_id", b.BranchID, "resource_id", b.ResourceID, "status", status.String())
	}
	c.events.Publish(ev)
	return status, err
}

func (c *Core) expect(branchID uint64) chan txn.BranchStatus {
	ch := make(chan txn.BranchStatus, 1)
	c.pendingMu.Lock()
	c.pending[branchID] = ch
	c.pendingMu.Unlock()
	return ch
}

func (c *Core) forget(branchID uint64, ch chan txn.BranchStatus) {
	c.pendingMu.Lock()
	if c.pending[branchID] == ch {
		delete(c.pending, branchID)
	}
	c.pendingMu.Unlock()
}

func (c *Core) resolve(branchID uint64, status txn.BranchStatus) {
	c.pendingMu.Lock()
	ch := c.pending[branchID]
	c.pendingMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- status:
	default:
	}
}
