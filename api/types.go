// Package api defines the JSON wire types exchanged between transaction
// managers, resource managers and the rseata transaction coordinator.
package api

import "time"

// Result codes carried in BaseResponse.ResultCode.
const (
	// ResultSuccess marks a successful call.
	ResultSuccess int32 = 0
	// ResultFailed marks a call that failed; Message carries the reason.
	ResultFailed int32 = 1
)

// BaseResponse is embedded in every successful response body.
type BaseResponse struct {
	// ResultCode is ResultSuccess or ResultFailed.
	ResultCode int32 `json:"result_code"`
	// Message carries an optional human readable explanation.
	Message string `json:"message,omitempty"`
}

// OK returns a success envelope.
func OK() BaseResponse { return BaseResponse{ResultCode: ResultSuccess} }

// ErrorResponse is the canonical error envelope for API errors.
type ErrorResponse struct {
	// ErrorCode is the stable rseata error identifier (not_found, conflict,
	// lock_rollbacking, protocol_error, backend_error, invalid_argument).
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// RetryAfterSeconds is the server-provided retry hint in seconds.
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
}

// AuditEvent is one entry of the coordinator audit ring.
type AuditEvent struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`
	// Type names the lifecycle event (global_begin, branch_commit, ...).
	Type string `json:"type"`
	// Time is when the coordinator published the event.
	Time time.Time `json:"time"`
	// Xid is the global transaction the event belongs to, when any.
	Xid string `json:"xid,omitempty"`
	// TransactionID is the numeric transaction id, when known.
	TransactionID uint64 `json:"transaction_id,omitempty"`
	// BranchID identifies the branch for branch level events.
	BranchID uint64 `json:"branch_id,omitempty"`
	// BranchType is the wire code of the branch protocol.
	BranchType int32 `json:"branch_type,omitempty"`
	// ResourceID identifies the resource for branch and resource events.
	ResourceID string `json:"resource_id,omitempty"`
	// ClientID identifies the resource manager process.
	ClientID string `json:"client_id,omitempty"`
	// Status is the resulting global or branch status name.
	Status string `json:"status,omitempty"`
	// DurationMillis is the elapsed time for completed global outcomes.
	DurationMillis int64 `json:"duration_ms,omitempty"`
	// Error carries the failure message when the event records one.
	Error string `json:"error,omitempty"`
}

// AuditResponse lists recent coordinator events, oldest first.
type AuditResponse struct {
	BaseResponse
	// Events are the retained events.
	Events []AuditEvent `json:"events"`
	// Total counts every event recorded since start, including evicted ones.
	Total int `json:"total"`
}
