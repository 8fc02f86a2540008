package api

// BeginRequest starts a global transaction.
type BeginRequest struct {
	// ApplicationID identifies the calling application.
	ApplicationID string `json:"application_id,omitempty"`
	// TransactionServiceGroup groups transactions for routing.
	TransactionServiceGroup string `json:"transaction_service_group,omitempty"`
	// TransactionName is a human readable label for the transaction.
	TransactionName string `json:"transaction_name,omitempty"`
	// TimeoutMillis bounds how long the transaction may stay in Begin. Zero
	// selects the coordinator default.
	TimeoutMillis int64 `json:"timeout_millis,omitempty"`
}

// BeginResponse returns the identity of the new global transaction.
type BeginResponse struct {
	BaseResponse
	// Xid is the globally unique transaction identifier.
	Xid string `json:"xid"`
	// TransactionID is the coordinator-local numeric transaction id.
	TransactionID uint64 `json:"transaction_id"`
}

// GlobalRequest addresses an existing global transaction for commit,
// rollback or status.
type GlobalRequest struct {
	// Xid identifies the global transaction.
	Xid string `json:"xid"`
}

// GlobalReportRequest reports an externally decided outcome.
type GlobalReportRequest struct {
	// Xid identifies the global transaction.
	Xid string `json:"xid"`
	// GlobalStatus is the reported status wire code.
	GlobalStatus int32 `json:"global_status"`
}

// GlobalStatusResponse returns the status of a global transaction.
type GlobalStatusResponse struct {
	BaseResponse
	// Xid identifies the global transaction.
	Xid string `json:"xid"`
	// GlobalStatus is the status wire code.
	GlobalStatus int32 `json:"global_status"`
	// StatusName is the readable form of GlobalStatus.
	StatusName string `json:"status_name,omitempty"`
}
