// Package correlation carries request attribution through a context: the
// caller's correlation id and, once a handler has resolved it, the global
// transaction the request acts on.
package correlation

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MaxIDLength defines the maximum number of characters accepted for correlation identifiers.
const MaxIDLength = 128

type contextKey struct{}

type state struct {
	mu  sync.RWMutex
	id  string
	xid string
}

func stateFrom(ctx context.Context) *state {
	if ctx == nil {
		return nil
	}
	st, _ := ctx.Value(contextKey{}).(*state)
	return st
}

// Ensure attaches correlation state to ctx if not already present.
func Ensure(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if stateFrom(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, &state{})
}

// Set records the correlation ID on ctx and returns the context carrying the state.
func Set(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	ctx = Ensure(ctx)
	st := stateFrom(ctx)
	st.mu.Lock()
	st.id = normalized
	st.mu.Unlock()
	return ctx
}

// SetXid attributes the request to a global transaction. The state is shared,
// so contexts derived before the call observe the xid as well.
func SetXid(ctx context.Context, xid string) context.Context {
	xid = strings.TrimSpace(xid)
	if xid == "" {
		return ctx
	}
	ctx = Ensure(ctx)
	st := stateFrom(ctx)
	st.mu.Lock()
	st.xid = xid
	st.mu.Unlock()
	return ctx
}

// ID retrieves the correlation ID stored on ctx, if any.
func ID(ctx context.Context) string {
	st := stateFrom(ctx)
	if st == nil {
		return ""
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.id
}

// Xid returns the global transaction the request was attributed to, if any.
func Xid(ctx context.Context) string {
	st := stateFrom(ctx)
	if st == nil {
		return ""
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.xid
}

// Has reports whether ctx carries a correlation ID.
func Has(ctx context.Context) bool {
	return ID(ctx) != ""
}

// Fields returns the attribution as logger key/value pairs.
func Fields(ctx context.Context) []any {
	st := stateFrom(ctx)
	if st == nil {
		return nil
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	var fields []any
	if st.id != "" {
		fields = append(fields, "cid", st.id)
	}
	if st.xid != "" {
		fields = append(fields, "xid", st.xid)
	}
	return fields
}

// Normalize validates and canonicalizes an external correlation identifier.
// It returns the normalized ID and true if the input is acceptable.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a new correlation identifier.
func Generate() string {
	return NewID()
}

// NewID returns a time-ordered UUIDv7 string, used for request ids, stream
// connection ids and record etags.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
