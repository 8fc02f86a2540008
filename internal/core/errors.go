package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Failure captures transport-neutral error details that adapters can map to
// HTTP or other protocols.
type Failure struct {
	Code       string
	Detail     string
	RetryAfter int64 // seconds
	HTTPStatus int   // optional hint for HTTP adapters
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

// Error codes shared by the coordinator components.
const (
	CodeNotFound             = "not_found"
	CodeConflict             = "conflict"
	CodeLockRollbacking      = "lock_rollbacking"
	CodeProtocolError        = "protocol_error"
	CodeResourceDisconnected = "resource_disconnected"
	CodeBackendError         = "backend_error"
	CodeInvalidArgument      = "invalid_argument"
)

// NotFound reports a missing global or branch session.
func NotFound(format string, args ...any) error {
	return Failure{Code: CodeNotFound, Detail: fmt.Sprintf(format, args...), HTTPStatus: http.StatusNotFound}
}

// Conflict reports a row lock held by another transaction.
func Conflict(format string, args ...any) error {
	return Failure{Code: CodeConflict, Detail: fmt.Sprintf(format, args...), HTTPStatus: http.StatusConflict}
}

// LockRollbacking reports a lock whose holder is rolling back; the caller
// should retry shortly.
func LockRollbacking(format string, args ...any) error {
	return Failure{Code: CodeLockRollbacking, Detail: fmt.Sprintf(format, args...), RetryAfter: 1, HTTPStatus: http.StatusConflict}
}

// Protocol reports a malformed request or a protocol state violation.
func Protocol(format string, args ...any) error {
	return Failure{Code: CodeProtocolError, Detail: fmt.Sprintf(format, args...), HTTPStatus: http.StatusBadRequest}
}

// Disconnected reports that the resource owning a branch is not connected.
func Disconnected(format string, args ...any) error {
	return Failure{Code: CodeResourceDisconnected, Detail: fmt.Sprintf(format, args...), HTTPStatus: http.StatusServiceUnavailable}
}

// Backend wraps a storage or network failure, keeping the original message.
func Backend(err error) error {
	if err == nil {
		return nil
	}
	var f Failure
	if errors.As(err, &f) {
		return err
	}
	return Failure{Code: CodeBackendError, Detail: err.Error(), HTTPStatus: http.StatusBadGateway}
}

// InvalidArgument reports a request field that failed validation.
func InvalidArgument(format string, args ...any) error {
	return Failure{Code: CodeInvalidArgument, Detail: fmt.Sprintf(format, args...), HTTPStatus: http.StatusBadRequest}
}

// HasCode reports whether err carries a Failure with code.
func HasCode(err error, code string) bool {
	var f Failure
	if errors.As(err, &f) {
		return f.Code == code
	}
	return false
}

// IsNotFound reports a not_found failure.
func IsNotFound(err error) bool { return HasCode(err, CodeNotFound) }

// IsConflict reports either kind of lock conflict.
func IsConflict(err error) bool {
	return HasCode(err, CodeConflict) || HasCode(err, CodeLockRollbacking)
}

// IsProtocol reports a protocol failure, including a disconnected resource.
func IsProtocol(err error) bool {
	return HasCode(err, CodeProtocolError) || HasCode(err, CodeResourceDisconnected)
}
