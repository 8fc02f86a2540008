// Package storage defines the object store contract used to archive finished
// global sessions.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Content types written by the archive.
const (
	ContentTypeJSON        = "application/json"
	ContentTypeOctetStream = "application/octet-stream"
)

var (
	// ErrNotFound indicates the requested object is missing.
	ErrNotFound = errors.New("storage: not found")
	// ErrCASMismatch indicates a conditional write lost against a concurrent one.
	ErrCASMismatch = errors.New("storage: cas mismatch")
)

// ObjectInfo captures metadata exposed by object backends.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// PutObjectOptions controls metadata and conditional semantics for PutObject.
type PutObjectOptions struct {
	ContentType string
	IfNotExists bool
}

// DeleteObjectOptions controls DeleteObject.
type DeleteObjectOptions struct {
	IgnoreNotFound bool
}

// ListOptions guides ListObjects traversal.
type ListOptions struct {
	Prefix     string
	StartAfter string
	Limit      int
}

// ListResult captures the outcome of a ListObjects call.
type ListResult struct {
	Objects        []ObjectInfo
	NextStartAfter string
	Truncated      bool
}

// GetObjectResult carries a reader plus object metadata. Callers must close
// Reader.
type GetObjectResult struct {
	Reader io.ReadCloser
	Info   *ObjectInfo
}

// Backend is the object store contract every archive backend implements.
type Backend interface {
	// PutObject writes body to key. IfNotExists fails with ErrCASMismatch when
	// the key already exists.
	PutObject(ctx context.Context, key string, body io.Reader, opts PutObjectOptions) (*ObjectInfo, error)
	// GetObject opens key for reading.
	GetObject(ctx context.Context, key string) (GetObjectResult, error)
	// DeleteObject removes key.
	DeleteObject(ctx context.Context, key string, opts DeleteObjectOptions) error
	// ListObjects enumerates keys under opts.Prefix in ascending lexical order.
	ListObjects(ctx context.Context, opts ListOptions) (*ListResult, error)
	// Close releases backend resources.
	Close() error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
