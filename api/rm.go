package api

import "time"

// BranchRegisterRequest enlists a branch in a global transaction.
type BranchRegisterRequest struct {
	// Xid identifies the global transaction.
	Xid string `json:"xid"`
	// BranchType is the branch protocol wire code (1 AT, 2 TCC, 3 SAGA, 4 XA).
	BranchType int32 `json:"branch_type"`
	// ResourceGroupID groups resources of one deployment.
	ResourceGroupID string `json:"resource_group_id,omitempty"`
	// ResourceID identifies the resource (database) of the branch.
	ResourceID string `json:"resource_id"`
	// ClientID identifies the resource manager process that owns the branch.
	ClientID string `json:"client_id"`
	// LockKey lists the rows the branch modified, as table:pk1,pk2;table2:pk3.
	LockKey string `json:"lock_key,omitempty"`
	// ApplicationData is opaque data returned with phase two instructions.
	ApplicationData string `json:"application_data,omitempty"`
}

// BranchRegisterResponse returns the allocated branch id.
type BranchRegisterResponse struct {
	BaseResponse
	// BranchID uniquely identifies the branch.
	BranchID uint64 `json:"branch_id"`
}

// BranchReportRequest reports a branch status change.
type BranchReportRequest struct {
	// Xid identifies the global transaction.
	Xid string `json:"xid"`
	// BranchID identifies the branch.
	BranchID uint64 `json:"branch_id"`
	// BranchType is the branch protocol wire code.
	BranchType int32 `json:"branch_type,omitempty"`
	// ResourceID identifies the resource of the branch.
	ResourceID string `json:"resource_id,omitempty"`
	// Status is the branch status wire code.
	Status int32 `json:"status"`
	// ApplicationData replaces the branch application data when set.
	ApplicationData string `json:"application_data,omitempty"`
}

// BranchReportResponse acknowledges a branch report.
type BranchReportResponse struct {
	BaseResponse
}

// LockQueryRequest asks whether rows could be locked by the transaction.
type LockQueryRequest struct {
	// Xid identifies the global transaction asking.
	Xid string `json:"xid"`
	// BranchType is the branch protocol wire code.
	BranchType int32 `json:"branch_type,omitempty"`
	// ResourceID identifies the resource holding the rows.
	ResourceID string `json:"resource_id"`
	// LockKey lists the rows in table:pk1,pk2 form.
	LockKey string `json:"lock_key"`
}

// LockQueryResponse reports whether every row is lockable.
type LockQueryResponse struct {
	BaseResponse
	// Lockable is true when no other transaction holds any of the rows.
	Lockable bool `json:"lockable"`
}

// ResourceAnnouncement is the first line a resource manager sends on the
// instruction stream.
type ResourceAnnouncement struct {
	// ResourceGroupID groups resources of one deployment.
	ResourceGroupID string `json:"resource_group_id,omitempty"`
	// ResourceID identifies the resource.
	ResourceID string `json:"resource_id"`
	// ClientID identifies the resource manager process.
	ClientID string `json:"client_id"`
	// BranchType is the protocol the resource serves.
	BranchType int32 `json:"branch_type"`
}

// InstructionType names an instruction pushed to a resource manager.
type InstructionType string

// Instruction types.
const (
	// InstructionCommit asks the branch to finish phase two by committing.
	InstructionCommit InstructionType = "commit"
	// InstructionRollback asks the branch to undo its phase one work.
	InstructionRollback InstructionType = "rollback"
	// InstructionPing keeps the stream alive; it requires no action.
	InstructionPing InstructionType = "ping"
)

// Instruction is one NDJSON line on the resource instruction stream.
type Instruction struct {
	// Type is commit, rollback or ping.
	Type InstructionType `json:"type"`
	// BranchType is the branch protocol wire code.
	BranchType int32 `json:"branch_type,omitempty"`
	// Xid identifies the global transaction.
	Xid string `json:"xid,omitempty"`
	// BranchID identifies the branch.
	BranchID uint64 `json:"branch_id,omitempty"`
	// ResourceID identifies the resource.
	ResourceID string `json:"resource_id,omitempty"`
	// ApplicationData echoes the data supplied at registration.
	ApplicationData string `json:"application_data,omitempty"`
	// ConnectionID identifies the stream on the coordinator. Set on pings.
	ConnectionID string `json:"connection_id,omitempty"`
}

// ResourceInfo describes one connected resource manager stream.
type ResourceInfo struct {
	// ConnectionID identifies the stream on the coordinator.
	ConnectionID string `json:"connection_id"`
	// ResourceGroupID groups resources of one deployment.
	ResourceGroupID string `json:"resource_group_id,omitempty"`
	// ResourceID identifies the resource.
	ResourceID string `json:"resource_id"`
	// ClientID identifies the resource manager process.
	ClientID string `json:"client_id"`
	// BranchType is the protocol the resource serves.
	BranchType int32 `json:"branch_type"`
	// ConnectedAt is when the stream was opened.
	ConnectedAt time.Time `json:"connected_at"`
	// Queued counts instructions waiting to be written to the stream.
	Queued int `json:"queued"`
}

// ResourceListResponse lists the connected resource managers.
type ResourceListResponse struct {
	BaseResponse
	Resources []ResourceInfo `json:"resources"`
}
