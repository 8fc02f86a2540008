// Package session owns the live global sessions of the coordinator. Every
// mutation flows through Manager and is written to a Store as a single
// LogOperation.
package session

import (
	"context"

	"pkt.systems/pslog"

	"pkt.systems/rseata/internal/loggingutil"
	"pkt.systems/rseata/internal/txn"
)

// LockMarker flips the lock status of every row held by a transaction.
type LockMarker interface {
	UpdateLockStatus(xid string, status txn.LockStatus) error
}

// Manager mediates all session reads and writes.
type Manager struct {
	store  Store
	locks  LockMarker
	logger pslog.Logger
}

// NewManager wires store and the lock table. locks may be nil.
func NewManager(store Store, locks LockMarker, logger pslog.Logger) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Manager{
		store:  store,
		locks:  locks,
		logger: loggingutil.WithSubsystem(logger, "tc.session"),
	}
}

// Store exposes the underlying store.
func (m *Manager) Store() Store { return m.store }

// AddGlobalSession persists a new session.
func (m *Manager) AddGlobalSession(ctx context.Context, g *txn.GlobalSession) error {
	return m.store.WriteSession(ctx, GlobalAdd, g, nil)
}

// FindGlobalSession returns the session without branch detail.
func (m *Manager) FindGlobalSession(ctx context.Context, xid string) (*txn.GlobalSession, error) {
	return m.store.ReadSession(ctx, xid, false)
}

// FindGlobalSessionWithBranches returns the session, with branches when
// withBranches is set.
func (m *Manager) FindGlobalSessionWithBranches(ctx context.Context, xid string, withBranches bool) (*txn.GlobalSession, error) {
	return m.store.ReadSession(ctx, xid, withBranches)
}

// UpdateGlobalSessionStatus writes status onto g. Entering a rollback state
// marks every lock of the transaction Rollbacking first, so competing
// acquirers fail fast.
func (m *Manager) UpdateGlobalSessionStatus(ctx context.Context, g *txn.GlobalSession, status txn.GlobalStatus) (txn.GlobalStatus, error) {
	if (status == txn.GlobalRollbacking || status == txn.GlobalTimeoutRollbacking) && m.locks != nil {
		if err := m.locks.UpdateLockStatus(g.Xid, txn.LockRollbacking); err != nil {
			return g.Status, err
		}
	}
	previous := g.Status
	g.Status = status
	if err := m.store.WriteSession(ctx, GlobalUpdate, g, nil); err != nil {
		g.Status = previous
		return previous, err
	}
	m.logger.Debug("session.status.update", "xid", g.Xid, "from", previous.String(), "to", status.String())
	return status, nil
}

// RemoveGlobalSession drops g from the live store.
func (m *Manager) RemoveGlobalSession(ctx context.Context, g *txn.GlobalSession) error {
	return m.store.WriteSession(ctx, GlobalRemove, g, nil)
}

// AddBranchSession appends b to the session. g is updated in place on
// success.
func (m *Manager) AddBranchSession(ctx context.Context, g *txn.GlobalSession, b txn.BranchSession) error {
	if err := m.store.WriteSession(ctx, BranchAdd, g, &b); err != nil {
		return err
	}
	g.BranchSessions = append(g.BranchSessions, b)
	return nil
}

// UpdateBranchSessionStatus writes status onto branch b of g.
func (m *Manager) UpdateBranchSessionStatus(ctx context.Context, g *txn.GlobalSession, b txn.BranchSession, status txn.BranchStatus) error {
	b.Status = status
	if err := m.store.WriteSession(ctx, BranchUpdate, g, &b); err != nil {
		return err
	}
	for i := range g.BranchSessions {
		if g.BranchSessions[i].BranchID == b.BranchID {
			g.BranchSessions[i].Status = status
		}
	}
	return nil
}

// RemoveBranchSession drops branch b from g.
func (m *Manager) RemoveBranchSession(ctx context.Context, g *txn.GlobalSession, b txn.BranchSession) error {
	if err := m.store.WriteSession(ctx, BranchRemove, g, &b); err != nil {
		return err
	}
	kept := g.BranchSessions[:0]
	for _, existing := range g.BranchSessions {
		if existing.BranchID != b.BranchID {
			kept = append(kept, existing)
		}
	}
	g.BranchSessions = kept
	return nil
}

// AllSessions returns every live session with branches.
func (m *Manager) AllSessions(ctx context.Context) ([]*txn.GlobalSession, error) {
	return m.store.ReadSessions(ctx, txn.Condition{})
}

// FindGlobalSessions returns sessions matching cond.
func (m *Manager) FindGlobalSessions(ctx context.Context, cond txn.Condition) ([]*txn.GlobalSession, error) {
	return m.store.ReadSessions(ctx, cond)
}
