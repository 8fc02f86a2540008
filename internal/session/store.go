package session

import (
	"context"
	"sort"
	"sync"

	"pkt.systems/rseata/internal/core"
	"pkt.systems/rseata/internal/txn"
)

// LogOperation names a single mutation applied through Store.WriteSession.
type LogOperation int

// Mutations understood by every Store.
const (
	GlobalAdd LogOperation = iota + 1
	GlobalUpdate
	GlobalRemove
	BranchAdd
	BranchUpdate
	BranchRemove
)

func (op LogOperation) String() string {
	switch op {
	case GlobalAdd:
		return "global_add"
	case GlobalUpdate:
		return "global_update"
	case GlobalRemove:
		return "global_remove"
	case BranchAdd:
		return "branch_add"
	case BranchUpdate:
		return "branch_update"
	case BranchRemove:
		return "branch_remove"
	default:
		return "unknown"
	}
}

// Store persists live global sessions. WriteSession is the only mutation
// path; readers always receive copies.
type Store interface {
	// WriteSession applies op. Branch operations require branch; global
	// operations ignore it.
	WriteSession(ctx context.Context, op LogOperation, global *txn.GlobalSession, branch *txn.BranchSession) error
	// ReadSession returns the session for xid or a not_found failure.
	ReadSession(ctx context.Context, xid string, withBranches bool) (*txn.GlobalSession, error)
	// ReadSessions returns every session matching cond ordered by begin time.
	ReadSessions(ctx context.Context, cond txn.Condition) ([]*txn.GlobalSession, error)
	Close() error
}

// MemoryStore keeps live sessions in process memory, indexed by xid and by
// status.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*txn.GlobalSession
	byStatus map[txn.GlobalStatus]map[string]struct{}
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*txn.GlobalSession),
		byStatus: make(map[txn.GlobalStatus]map[string]struct{}),
	}
}

// WriteSession applies op under the store lock.
func (s *MemoryStore) WriteSession(_ context.Context, op LogOperation, global *txn.GlobalSession, branch *txn.BranchSession) error {
	if global == nil || global.Xid == "" {
		return core.InvalidArgument("session: global session with xid required")
	}
	if op >= BranchAdd && branch == nil {
		return core.InvalidArgument("session: %s requires a branch", op)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.sessions[global.Xid]
	switch op {
	case GlobalAdd:
		if exists {
			return core.Conflict("session %s already exists", global.Xid)
		}
		stored := global.Clone()
		s.sessions[stored.Xid] = stored
		s.index(stored.Xid, stored.Status)
		return nil
	case GlobalRemove:
		if !exists {
			return nil
		}
		s.unindex(current.Xid, current.Status)
		delete(s.sessions, current.Xid)
		return nil
	}
	if !exists {
		return core.NotFound("global session %s not found", global.Xid)
	}
	switch op {
	case GlobalUpdate:
		branches := current.BranchSessions
		stored := global.WithoutBranches()
		stored.BranchSessions = branches
		if current.Status != stored.Status {
			s.unindex(current.Xid, current.Status)
			s.index(stored.Xid, stored.Status)
		}
		s.sessions[stored.Xid] = stored
	case BranchAdd:
		if current.Status != txn.GlobalBegin {
			return core.Protocol("global transaction %s is %s, branches can only join while Begin", current.Xid, current.Status)
		}
		if _, dup := current.Branch(branch.BranchID); dup {
			return core.Conflict("branch %d already registered in %s", branch.BranchID, current.Xid)
		}
		current.BranchSessions = append(current.BranchSessions, *branch)
	case BranchUpdate:
		for i := range current.BranchSessions {
			if current.BranchSessions[i].BranchID == branch.BranchID {
				current.BranchSessions[i] = *branch
				return nil
			}
		}
		return core.NotFound("branch %d not found in %s", branch.BranchID, current.Xid)
	case BranchRemove:
		kept := current.BranchSessions[:0]
		for _, b := range current.BranchSessions {
			if b.BranchID != branch.BranchID {
				kept = append(kept, b)
			}
		}
		current.BranchSessions = kept
	default:
		return core.InvalidArgument("session: unknown log operation %d", op)
	}
	return nil
}

// ReadSession returns a copy of the session for xid.
func (s *MemoryStore) ReadSession(_ context.Context, xid string, withBranches bool) (*txn.GlobalSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.sessions[xid]
	if !ok {
		return nil, core.NotFound("global session %s not found", xid)
	}
	if withBranches {
		return g.Clone(), nil
	}
	return g.WithoutBranches(), nil
}

// ReadSessions returns copies of every session matching cond.
func (s *MemoryStore) ReadSessions(_ context.Context, cond txn.Condition) ([]*txn.GlobalSession, error) {
	s.mu.RLock()
	var candidates []string
	switch {
	case cond.Xid != "":
		candidates = []string{cond.Xid}
	case len(cond.Statuses) > 0 || cond.Status != txn.GlobalUnKnown:
		statuses := cond.Statuses
		if cond.Status != txn.GlobalUnKnown {
			statuses = append([]txn.GlobalStatus{cond.Status}, statuses...)
		}
		for _, st := range statuses {
			for xid := range s.byStatus[st] {
				candidates = append(candidates, xid)
			}
		}
	default:
		candidates = make([]string, 0, len(s.sessions))
		for xid := range s.sessions {
			candidates = append(candidates, xid)
		}
	}
	out := make([]*txn.GlobalSession, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, xid := range candidates {
		if _, dup := seen[xid]; dup {
			continue
		}
		seen[xid] = struct{}{}
		g, ok := s.sessions[xid]
		if !ok || !cond.Matches(g) {
			continue
		}
		if cond.LazyLoadBranch {
			out = append(out, g.WithoutBranches())
		} else {
			out = append(out, g.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].BeginTimeMillis != out[j].BeginTimeMillis {
			return out[i].BeginTimeMillis < out[j].BeginTimeMillis
		}
		return out[i].TransactionID < out[j].TransactionID
	})
	return out, nil
}

// Len returns the number of live sessions.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Close drops every session.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.sessions = make(map[string]*txn.GlobalSession)
	s.byStatus = make(map[txn.GlobalStatus]map[string]struct{})
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) index(xid string, status txn.GlobalStatus) {
	set := s.byStatus[status]
	if set == nil {
		set = make(map[string]struct{})
		s.byStatus[status] = set
	}
	set[xid] = struct{}{}
}

func (s *MemoryStore) unindex(xid string, status txn.GlobalStatus) {
	set := s.byStatus[status]
	delete(set, xid)
	if len(set) == 0 {
		delete(s.byStatus, status)
	}
}
