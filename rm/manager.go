// Package rm is the resource manager runtime shared by the AT and XA
// branch implementations. A Manager keeps the instruction stream to the
// transaction coordinator open, parks branches that finished phase one and
// runs their phase two when the coordinator asks for it.
package rm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
	"pkt.systems/pslog"

	"pkt.systems/rseata/api"
	"pkt.systems/rseata/client"
	"pkt.systems/rseata/internal/loggingutil"
	"pkt.systems/rseata/internal/txn"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvTCEndpoint = "RSEATA_TC_ENDPOINT"
	EnvResourceID = "RSEATA_RM_RESOURCE_ID"
	EnvGroupID    = "RSEATA_RM_RESOURCE_GROUP_ID"
)

// DefaultReconnectInterval spaces instruction stream reconnects.
const DefaultReconnectInterval = time.Second

// DefaultCommittedMemory is how many phase two committed branches a manager
// remembers.
const DefaultCommittedMemory = 4096

// BranchStatus is the status a branch reports to the coordinator.
type BranchStatus = txn.BranchStatus

// BranchType selects the branch protocol.
type BranchType = txn.BranchType

// Branch protocols and the statuses resource managers report.
const (
	BranchTypeAT = txn.BranchTypeAT
	BranchTypeXA = txn.BranchTypeXA

	PhaseOneDone                      = txn.BranchPhaseOneDone
	PhaseOneFailed                    = txn.BranchPhaseOneFailed
	PhaseTwoCommitted                 = txn.BranchPhaseTwoCommitted
	PhaseTwoCommitFailedRetryable     = txn.BranchPhaseTwoCommitFailedRetryable
	PhaseTwoCommitFailedUnretryable   = txn.BranchPhaseTwoCommitFailedUnretryable
	PhaseTwoRollbacked                = txn.BranchPhaseTwoRollbacked
	PhaseTwoRollbackFailedRetryable   = txn.BranchPhaseTwoRollbackFailedRetryable
	PhaseTwoRollbackFailedUnretryable = txn.BranchPhaseTwoRollbackFailedUnretryable
)

// TC is the part of the coordinator API a resource manager uses.
// *client.Client satisfies it.
type TC interface {
	Begin(ctx context.Context, req api.BeginRequest) (*api.BeginResponse, error)
	BranchRegister(ctx context.Context, req api.BranchRegisterRequest) (uint64, error)
	BranchReport(ctx context.Context, req api.BranchReportRequest) error
	LockQuery(ctx context.Context, req api.LockQueryRequest) (bool, error)
	OpenInstructionStream(ctx context.Context, ann api.ResourceAnnouncement) (*client.InstructionStream, error)
}

// Branch is a branch parked after phase one, waiting for the coordinator's
// decision.
type Branch interface {
	Commit(ctx context.Context) BranchStatus
	Rollback(ctx context.Context) BranchStatus
}

// Resource identifies the resource this manager serves.
type Resource struct {
	GroupID    string
	ResourceID string
	ClientID   string
	BranchType BranchType
}

// Config configures NewManager.
type Config struct {
	TC       TC
	Resource Resource
	Logger   pslog.Logger
	// ReconnectInterval is the minimum spacing between stream (re)connects.
	ReconnectInterval time.Duration
	// ReconnectBurst allows that many immediate reconnects before spacing applies.
	ReconnectBurst int
	// CommittedMemory bounds the branches remembered after phase two
	// commit, so a later rollback of one is reported as failed instead of
	// silently succeeding.
	CommittedMemory int
}

// ConfigFromEnv builds a Config for branchType from RSEATA_TC_ENDPOINT,
// RSEATA_RM_RESOURCE_ID and RSEATA_RM_RESOURCE_GROUP_ID.
func ConfigFromEnv(branchType BranchType, logger pslog.Logger) (Config, error) {
	endpoint := os.Getenv(EnvTCEndpoint)
	if endpoint == "" {
		return Config{}, fmt.Errorf("rm: %s not set", EnvTCEndpoint)
	}
	resourceID := os.Getenv(EnvResourceID)
	if resourceID == "" {
		return Config{}, fmt.Errorf("rm: %s not set", EnvResourceID)
	}
	cli, err := client.New(endpoint, client.WithLogger(logger))
	if err != nil {
		return Config{}, err
	}
	return Config{
		TC:     cli,
		Logger: logger,
		Resource: Resource{
			GroupID:    os.Getenv(EnvGroupID),
			ResourceID: resourceID,
			BranchType: branchType,
		},
	}, nil
}

type parked struct {
	branch Branch
	busy   bool
}

// Manager registers a resource with the coordinator and serves its phase
// two instructions.
type Manager struct {
	tc       TC
	resource Resource
	logger   pslog.Logger
	limiter  *rate.Limiter

	mu        sync.Mutex
	branches  map[uint64]*parked
	committed *lru.Cache[uint64, string]

	wg sync.WaitGroup
}

// NewManager validates cfg. A missing client id is generated.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.TC == nil {
		return nil, errors.New("rm: tc client required")
	}
	if cfg.Resource.ResourceID == "" {
		return nil, errors.New("rm: resource id required")
	}
	if cfg.Resource.ClientID == "" {
		cfg.Resource.ClientID = uuid.NewString()
	}
	if cfg.Resource.BranchType == 0 {
		cfg.Resource.BranchType = BranchTypeAT
	}
	interval := cfg.ReconnectInterval
	if interval <= 0 {
		interval = DefaultReconnectInterval
	}
	burst := cfg.ReconnectBurst
	if burst <= 0 {
		burst = 1
	}
	memory := cfg.CommittedMemory
	if memory <= 0 {
		memory = DefaultCommittedMemory
	}
	committed, err := lru.New[uint64, string](memory)
	if err != nil {
		return nil, fmt.Errorf("rm: committed branch memory: %w", err)
	}
	return &Manager{
		tc:        cfg.TC,
		resource:  cfg.Resource,
		logger:    loggingutil.WithSubsystem(cfg.Logger, "rm."+cfg.Resource.BranchType.String()),
		limiter:   rate.NewLimiter(rate.Every(interval), burst),
		branches:  make(map[uint64]*parked),
		committed: committed,
	}, nil
}

// Resource returns the served resource, client id included.
func (m *Manager) Resource() Resource { return m.resource }

// TC returns the coordinator client.
func (m *Manager) TC() TC { return m.tc }

// Logger returns the manager's logger.
func (m *Manager) Logger() pslog.Logger { return m.logger }

// Begin starts a global transaction on tc and binds it to txc.
func (m *Manager) Begin(ctx context.Context, txc *TxContext, name string) error {
	resp, err := m.tc.Begin(ctx, api.BeginRequest{TransactionName: name})
	if err != nil {
		return fmt.Errorf("rm: begin global transaction: %w", err)
	}
	txc.SetXid(resp.Xid)
	m.logger.Debug("rm.global.begin", "xid", resp.Xid)
	return nil
}

// RegisterBranch enlists the current local transaction of txc.
func (m *Manager) RegisterBranch(ctx context.Context, txc *TxContext, applicationData string) (uint64, error) {
	id, err := m.tc.BranchRegister(ctx, api.BranchRegisterRequest{
		Xid:             txc.Xid(),
		BranchType:      m.resource.BranchType.Code(),
		ResourceGroupID: m.resource.GroupID,
		ResourceID:      m.resource.ResourceID,
		ClientID:        m.resource.ClientID,
		LockKey:         txc.LockKey(),
		ApplicationData: applicationData,
	})
	if err != nil {
		return 0, fmt.Errorf("rm: branch register: %w", err)
	}
	txc.SetBranchID(id)
	m.logger.Debug("rm.branch.register", "xid", txc.Xid(), "branch_id", id)
	return id, nil
}

// ReportBranch reports a status for a branch.
func (m *Manager) ReportBranch(ctx context.Context, xid string, branchID uint64, status BranchStatus) error {
	err := m.tc.BranchReport(ctx, api.BranchReportRequest{
		Xid:        xid,
		BranchID:   branchID,
		BranchType: m.resource.BranchType.Code(),
		ResourceID: m.resource.ResourceID,
		Status:     status.Code(),
	})
	if err != nil {
		return fmt.Errorf("rm: branch report %s: %w", status, err)
	}
	return nil
}

// Lockable asks the coordinator whether the rows recorded on txc are free.
// An empty lock key is always lockable.
func (m *Manager) Lockable(ctx context.Context, txc *TxContext) (bool, error) {
	lockKey := txc.LockKey()
	if lockKey == "" {
		return true, nil
	}
	ok, err := m.tc.LockQuery(ctx, api.LockQueryRequest{
		Xid:        txc.Xid(),
		BranchType: m.resource.BranchType.Code(),
		ResourceID: m.resource.ResourceID,
		LockKey:    lockKey,
	})
	if err != nil {
		return false, fmt.Errorf("rm: lock query: %w", err)
	}
	return ok, nil
}

// Park holds branch until the coordinator sends its phase two instruction.
func (m *Manager) Park(xid string, branchID uint64, branch Branch) {
	m.mu.Lock()
	m.branches[branchID] = &parked{branch: branch}
	m.mu.Unlock()
	m.logger.Debug("rm.branch.parked", "xid", xid, "branch_id", branchID)
}

// Parked counts branches waiting for phase two.
func (m *Manager) Parked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.branches)
}

// Run keeps the instruction stream open until ctx ends, reconnecting at the
// configured rate. In-flight phase two work is awaited before returning.
func (m *Manager) Run(ctx context.Context) error {
	defer m.wg.Wait()
	ann := api.ResourceAnnouncement{
		ResourceGroupID: m.resource.GroupID,
		ResourceID:      m.resource.ResourceID,
		ClientID:        m.resource.ClientID,
		BranchType:      m.resource.BranchType.Code(),
	}
	for {
		if err := m.limiter.Wait(ctx); err != nil {
			return nil
		}
		stream, err := m.tc.OpenInstructionStream(ctx, ann)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.logger.Warn("rm.stream.connect.failed", "resource_id", ann.ResourceID, "error", err)
			continue
		}
		m.logger.Info("rm.stream.connected", "resource_id", ann.ResourceID, "client_id", ann.ClientID, "connection", stream.ConnectionID())
		err = m.serve(ctx, stream)
		_ = stream.Close()
		if ctx.Err() != nil {
			return nil
		}
		m.logger.Warn("rm.stream.lost", "resource_id", ann.ResourceID, "error", err)
	}
}

func (m *Manager) serve(ctx context.Context, stream *client.InstructionStream) error {
	for {
		ins, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		if ins.Type == api.InstructionPing {
			continue
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.Handle(ctx, ins)
		}()
	}
}

// Handle runs one phase two instruction and reports the outcome. Unknown
// branches answer with the benign status so the coordinator can finish.
func (m *Manager) Handle(ctx context.Context, ins api.Instruction) BranchStatus {
	var status BranchStatus
	m.mu.Lock()
	p, ok := m.branches[ins.BranchID]
	if ok && p.busy {
		m.mu.Unlock()
		m.logger.Debug("rm.branch.busy", "xid", ins.Xid, "branch_id", ins.BranchID)
		return txn.BranchUnknown
	}
	if ok {
		p.busy = true
	}
	m.mu.Unlock()

	switch ins.Type {
	case api.InstructionCommit:
		if !ok {
			m.logger.Error("rm.branch.commit.missing", "xid", ins.Xid, "branch_id", ins.BranchID)
			status = PhaseTwoCommitted
		} else {
			status = p.branch.Commit(ctx)
			if status == PhaseTwoCommitted {
				m.committed.Add(ins.BranchID, ins.Xid)
			}
		}
	case api.InstructionRollback:
		switch {
		case ok:
			status = p.branch.Rollback(ctx)
		case m.committedBranch(ins.Xid, ins.BranchID):
			// The undo log went with the commit; nothing can restore the rows.
			m.logger.Error("rm.branch.rollback.after_commit", "xid", ins.Xid, "branch_id", ins.BranchID)
			status = PhaseTwoRollbackFailedUnretryable
		default:
			m.logger.Error("rm.branch.rollback.missing", "xid", ins.Xid, "branch_id", ins.BranchID)
			status = PhaseTwoRollbacked
		}
	default:
		m.logger.Warn("rm.instruction.unknown", "type", string(ins.Type), "xid", ins.Xid)
		if ok {
			m.release(ins.BranchID, false)
		}
		return txn.BranchUnknown
	}
	if ok {
		m.release(ins.BranchID, !status.Retryable())
	}

	logger := m.logger.With("xid", ins.Xid, "branch_id", ins.BranchID, "status", status.String())
	if status.PhaseTwoSuccess() {
		logger.Info("rm.branch." + string(ins.Type) + ".complete")
	} else {
		logger.Warn("rm.branch." + string(ins.Type) + ".failed")
	}
	if err := m.ReportBranch(ctx, ins.Xid, ins.BranchID, status); err != nil {
		if client.IsNotFound(err) {
			logger.Debug("rm.branch.report.gone")
		} else {
			logger.Warn("rm.branch.report.failed", "error", err)
		}
	}
	return status
}

func (m *Manager) committedBranch(xid string, branchID uint64) bool {
	committedXid, ok := m.committed.Get(branchID)
	return ok && committedXid == xid
}

func (m *Manager) release(branchID uint64, forget bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if forget {
		delete(m.branches, branchID)
		return
	}
	if p, ok := m.branches[branchID]; ok {
		p.busy = false
	}
}
