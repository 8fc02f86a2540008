// Package txn defines the global and branch session model shared by the
// coordinator components.
package txn

import "time"

// GlobalSession tracks one global transaction and its registered branches.
type GlobalSession struct {
	Xid                     string          `json:"xid"`
	TransactionID           uint64          `json:"transaction_id"`
	Status                  GlobalStatus    `json:"status"`
	ApplicationID           string          `json:"application_id,omitempty"`
	TransactionServiceGroup string          `json:"transaction_service_group,omitempty"`
	TransactionName         string          `json:"transaction_name,omitempty"`
	TimeoutMillis           int64           `json:"timeout_millis"`
	BeginTimeMillis         int64           `json:"begin_time_millis"`
	ApplicationData         string          `json:"application_data,omitempty"`
	Active                  bool            `json:"active"`
	BranchSessions          []BranchSession `json:"branch_sessions,omitempty"`
}

// BranchSession tracks one resource enlisted in a global transaction.
type BranchSession struct {
	Xid             string       `json:"xid"`
	TransactionID   uint64       `json:"transaction_id"`
	BranchID        uint64       `json:"branch_id"`
	ResourceGroupID string       `json:"resource_group_id,omitempty"`
	ResourceID      string       `json:"resource_id"`
	BranchType      BranchType   `json:"branch_type"`
	Status          BranchStatus `json:"status"`
	LockKey         string       `json:"lock_key,omitempty"`
	ClientID        string       `json:"client_id"`
	ApplicationData string       `json:"application_data,omitempty"`
}

// Clone returns a deep copy of the session.
func (g *GlobalSession) Clone() *GlobalSession {
	if g == nil {
		return nil
	}
	out := *g
	if len(g.BranchSessions) > 0 {
		out.BranchSessions = make([]BranchSession, len(g.BranchSessions))
		copy(out.BranchSessions, g.BranchSessions)
	} else {
		out.BranchSessions = nil
	}
	return &out
}

// WithoutBranches returns a copy with the branch list stripped.
func (g *GlobalSession) WithoutBranches() *GlobalSession {
	if g == nil {
		return nil
	}
	out := *g
	out.BranchSessions = nil
	return &out
}

// Branch returns the branch with the supplied id.
func (g *GlobalSession) Branch(branchID uint64) (BranchSession, bool) {
	if g == nil {
		return BranchSession{}, false
	}
	for _, b := range g.BranchSessions {
		if b.BranchID == branchID {
			return b, true
		}
	}
	return BranchSession{}, false
}

// Deadline returns the instant the transaction times out. A zero timeout
// never expires.
func (g *GlobalSession) Deadline() (time.Time, bool) {
	if g == nil || g.TimeoutMillis <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(g.BeginTimeMillis + g.TimeoutMillis), true
}

// Expired reports whether the session has outlived its timeout at now.
func (g *GlobalSession) Expired(now time.Time) bool {
	deadline, ok := g.Deadline()
	if !ok {
		return false
	}
	return !now.Before(deadline)
}

// CanCommit reports whether every branch finished phase one successfully.
func (g *GlobalSession) CanCommit() bool {
	for _, b := range g.BranchSessions {
		if b.Status != BranchPhaseOneDone {
			return false
		}
	}
	return true
}

// MustRollback reports whether at least one branch failed phase one.
func (g *GlobalSession) MustRollback() bool {
	for _, b := range g.BranchSessions {
		if b.Status.PhaseOneFailure() {
			return true
		}
	}
	return false
}

// Condition filters sessions in the store.
type Condition struct {
	TransactionID       uint64
	Xid                 string
	Status              GlobalStatus
	Statuses            []GlobalStatus
	OverTimeAliveMillis int64
	NowMillis           int64
	LazyLoadBranch      bool
}

// Matches reports whether g satisfies every set field of c.
func (c Condition) Matches(g *GlobalSession) bool {
	if g == nil {
		return false
	}
	if c.TransactionID != 0 && g.TransactionID != c.TransactionID {
		return false
	}
	if c.Xid != "" && g.Xid != c.Xid {
		return false
	}
	if c.Status != GlobalUnKnown && g.Status != c.Status {
		return false
	}
	if len(c.Statuses) > 0 {
		found := false
		for _, st := range c.Statuses {
			if g.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if c.OverTimeAliveMillis > 0 {
		now := c.NowMillis
		if now == 0 {
			now = time.Now().UnixMilli()
		}
		if now-g.BeginTimeMillis < c.OverTimeAliveMillis {
			return false
		}
	}
	return true
}
