// Package lock implements the row lock table used to detect write-write
// conflicts between concurrent global transactions.
package lock

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"

	"pkt.systems/rseata/internal/core"
	"pkt.systems/rseata/internal/loggingutil"
	"pkt.systems/rseata/internal/txn"
)

// Holder describes the owner of a row lock.
type Holder struct {
	Xid           string
	TransactionID uint64
	BranchID      uint64
	Status        txn.LockStatus
}

type keySet map[txn.RowKey]struct{}

// Manager owns the lock table plus the xid and branch indexes. Each structure
// has its own mutex and no code path holds two of them at once.
type Manager struct {
	logger  pslog.Logger
	metrics *lockMetrics

	tableMu sync.RWMutex
	table   map[txn.RowKey]Holder

	xidMu sync.Mutex
	byXid map[string]keySet

	branchMu sync.Mutex
	byBranch map[uint64]keySet
}

// NewManager constructs an empty lock manager.
func NewManager(logger pslog.Logger) *Manager {
	return newManager(logger, otel.Meter("pkt.systems/rseata/lock"))
}

func newManager(logger pslog.Logger, meter metric.Meter) *Manager {
	logger = loggingutil.WithSubsystem(logger, "tc.lock")
	return &Manager{
		logger:   logger,
		metrics:  newLockMetrics(meter, logger),
		table:    make(map[txn.RowKey]Holder),
		byXid:    make(map[string]keySet),
		byBranch: make(map[uint64]keySet),
	}
}

// Acquire locks every row named by the branch lock key.
func (m *Manager) Acquire(branch txn.BranchSession) (bool, error) {
	return m.AcquireWithOptions(branch, false, false)
}

// AcquireWithOptions locks every row named by the branch lock key or none of
// them. A row held by a different transaction fails the acquisition; when
// that holder is already rolling back and autoCommit is false a
// lock_rollbacking failure is returned instead. skipCheck bypasses conflict
// detection and leaves rows held by others untouched.
func (m *Manager) AcquireWithOptions(branch txn.BranchSession, autoCommit, skipCheck bool) (bool, error) {
	if branch.LockKey == "" {
		return true, nil
	}
	keys := txn.ParseLockKey(branch.ResourceID, branch.LockKey)
	if len(keys) == 0 {
		return false, core.Protocol("malformed lock key %q", branch.LockKey)
	}
	holder := Holder{
		Xid:           branch.Xid,
		TransactionID: branch.TransactionID,
		BranchID:      branch.BranchID,
		Status:        txn.LockLocked,
	}

	inserted := make([]txn.RowKey, 0, len(keys))
	m.tableMu.Lock()
	if !skipCheck {
		for _, key := range keys {
			existing, ok := m.table[key]
			if !ok || existing.Xid == branch.Xid {
				continue
			}
			m.tableMu.Unlock()
			if existing.Status == txn.LockRollbacking && !autoCommit {
				m.metrics.recordAcquire(branch.ResourceID, acquireRollbacking)
				m.logger.Debug("lock.acquire.rollbacking",
					"xid", branch.Xid,
					"branch_id", branch.BranchID,
					"row", key.String(),
					"holder_xid", existing.Xid,
				)
				return false, core.LockRollbacking("row %s:%s held by rolling back transaction %s", key.Table, key.PK, existing.Xid)
			}
			m.metrics.recordAcquire(branch.ResourceID, acquireConflict)
			m.logger.Debug("lock.acquire.conflict",
				"xid", branch.Xid,
				"branch_id", branch.BranchID,
				"row", key.String(),
				"holder_xid", existing.Xid,
			)
			return false, nil
		}
	}
	for _, key := range keys {
		if _, ok := m.table[key]; ok {
			continue
		}
		m.table[key] = holder
		inserted = append(inserted, key)
	}
	m.tableMu.Unlock()
	m.metrics.recordAcquire(branch.ResourceID, acquireAcquired)

	if len(inserted) == 0 {
		return true, nil
	}
	m.xidMu.Lock()
	set := m.byXid[branch.Xid]
	if set == nil {
		set = make(keySet, len(inserted))
		m.byXid[branch.Xid] = set
	}
	for _, key := range inserted {
		set[key] = struct{}{}
	}
	m.xidMu.Unlock()

	m.branchMu.Lock()
	bset := m.byBranch[branch.BranchID]
	if bset == nil {
		bset = make(keySet, len(inserted))
		m.byBranch[branch.BranchID] = bset
	}
	for _, key := range inserted {
		bset[key] = struct{}{}
	}
	m.branchMu.Unlock()

	m.logger.Trace("lock.acquire.success", "xid", branch.Xid, "branch_id", branch.BranchID, "rows", len(inserted))
	return true, nil
}

// Release drops the rows held by one branch. Releasing an unknown branch is
// a no-op.
func (m *Manager) Release(branch txn.BranchSession) (bool, error) {
	m.branchMu.Lock()
	set := m.byBranch[branch.BranchID]
	delete(m.byBranch, branch.BranchID)
	m.branchMu.Unlock()

	keys := make([]txn.RowKey, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	if len(keys) == 0 && branch.LockKey != "" {
		keys = txn.ParseLockKey(branch.ResourceID, branch.LockKey)
	}
	if len(keys) == 0 {
		return true, nil
	}

	removed := make([]txn.RowKey, 0, len(keys))
	m.tableMu.Lock()
	for _, key := range keys {
		existing, ok := m.table[key]
		if !ok || existing.Xid != branch.Xid || existing.BranchID != branch.BranchID {
			continue
		}
		delete(m.table, key)
		removed = append(removed, key)
	}
	m.tableMu.Unlock()
	m.metrics.recordReleased(len(removed))

	m.xidMu.Lock()
	if xset := m.byXid[branch.Xid]; xset != nil {
		for _, key := range removed {
			delete(xset, key)
		}
		if len(xset) == 0 {
			delete(m.byXid, branch.Xid)
		}
	}
	m.xidMu.Unlock()
	return true, nil
}

// ReleaseByXid drops every row held by the transaction. It is idempotent.
func (m *Manager) ReleaseByXid(xid string) error {
	m.xidMu.Lock()
	set := m.byXid[xid]
	delete(m.byXid, xid)
	m.xidMu.Unlock()
	if len(set) == 0 {
		return nil
	}

	branches := make(map[uint64][]txn.RowKey)
	released := 0
	m.tableMu.Lock()
	for key := range set {
		existing, ok := m.table[key]
		if !ok || existing.Xid != xid {
			continue
		}
		delete(m.table, key)
		branches[existing.BranchID] = append(branches[existing.BranchID], key)
		released++
	}
	m.tableMu.Unlock()
	m.metrics.recordReleased(released)

	m.branchMu.Lock()
	for branchID, keys := range branches {
		bset := m.byBranch[branchID]
		for _, key := range keys {
			delete(bset, key)
		}
		if len(bset) == 0 {
			delete(m.byBranch, branchID)
		}
	}
	m.branchMu.Unlock()
	m.logger.Trace("lock.release.xid", "xid", xid, "rows", len(set))
	return nil
}

// IsLockable reports whether every row of lockKey is free or already held
// by xid. It never mutates the table.
func (m *Manager) IsLockable(xid, resourceID string, transactionID uint64, lockKey string) (bool, error) {
	if lockKey == "" {
		return true, nil
	}
	keys := txn.ParseLockKey(resourceID, lockKey)
	if len(keys) == 0 {
		return false, core.Protocol("malformed lock key %q", lockKey)
	}
	m.tableMu.RLock()
	defer m.tableMu.RUnlock()
	for _, key := range keys {
		existing, ok := m.table[key]
		if ok && existing.Xid != xid {
			return false, nil
		}
	}
	return true, nil
}

// UpdateLockStatus marks every row held by xid with status.
func (m *Manager) UpdateLockStatus(xid string, status txn.LockStatus) error {
	m.xidMu.Lock()
	keys := make([]txn.RowKey, 0, len(m.byXid[xid]))
	for key := range m.byXid[xid] {
		keys = append(keys, key)
	}
	m.xidMu.Unlock()

	m.tableMu.Lock()
	for _, key := range keys {
		existing, ok := m.table[key]
		if !ok || existing.Xid != xid {
			continue
		}
		existing.Status = status
		m.table[key] = existing
	}
	m.tableMu.Unlock()
	return nil
}

// CleanAll drops every lock.
func (m *Manager) CleanAll() {
	m.tableMu.Lock()
	m.table = make(map[txn.RowKey]Holder)
	m.tableMu.Unlock()
	m.xidMu.Lock()
	m.byXid = make(map[string]keySet)
	m.xidMu.Unlock()
	m.branchMu.Lock()
	m.byBranch = make(map[uint64]keySet)
	m.branchMu.Unlock()
}

// HolderOf returns the current holder of key.
func (m *Manager) HolderOf(key txn.RowKey) (Holder, bool) {
	m.tableMu.RLock()
	defer m.tableMu.RUnlock()
	h, ok := m.table[key]
	return h, ok
}

// Len returns the number of locked rows.
func (m *Manager) Len() int {
	m.tableMu.RLock()
	defer m.tableMu.RUnlock()
	return len(m.table)
}
