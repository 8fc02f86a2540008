package xa

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrXAInFlight reports an XA START for a new global transaction while the
// connection still carries another one.
var ErrXAInFlight = errors.New("xa: connection already in an XA transaction")

// Conn pins one database connection for the lifetime of an XA transaction.
type Conn struct {
	conn *sql.Conn

	mu       sync.Mutex
	xid      string
	xaID     string
	ended    bool
	prepared bool
}

// NewConn takes a connection from db.
func NewConn(ctx context.Context, db *sql.DB) (*Conn, error) {
	c, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &Conn{conn: c}, nil
}

// XAID returns the XA transaction id, or "" when none is active.
func (c *Conn) XAID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.xaID
}

// XAStart opens an XA transaction for the global transaction xid. Calling
// it again for the same xid is a no-op.
func (c *Conn) XAStart(ctx context.Context, xid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.xid != "" {
		if c.xid == xid {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrXAInFlight, c.xid)
	}
	xaID := uuid.NewString()
	if _, err := c.conn.ExecContext(ctx, "XA START '"+xaID+"'"); err != nil {
		return fmt.Errorf("xa: start: %w", err)
	}
	c.xid, c.xaID = xid, xaID
	c.ended, c.prepared = false, false
	return nil
}

// XAEnd ends the association of the connection with the XA transaction.
func (c *Conn) XAEnd(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.xaID == "" {
		return errors.New("xa: end without start")
	}
	if c.ended {
		return nil
	}
	if _, err := c.conn.ExecContext(ctx, "XA END '"+c.xaID+"'"); err != nil {
		return fmt.Errorf("xa: end: %w", err)
	}
	c.ended = true
	return nil
}

// XAPrepare prepares the ended XA transaction.
func (c *Conn) XAPrepare(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ended {
		return errors.New("xa: prepare before end")
	}
	if c.prepared {
		return nil
	}
	if _, err := c.conn.ExecContext(ctx, "XA PREPARE '"+c.xaID+"'"); err != nil {
		return fmt.Errorf("xa: prepare: %w", err)
	}
	c.prepared = true
	return nil
}

// XACommit commits the prepared XA transaction and frees the connection for
// the next one.
func (c *Conn) XACommit(ctx context.Context) error {
	return c.finish(ctx, "XA COMMIT")
}

// XARollback rolls the XA transaction back and frees the connection for the
// next one.
func (c *Conn) XARollback(ctx context.Context) error {
	return c.finish(ctx, "XA ROLLBACK")
}

func (c *Conn) finish(ctx context.Context, verb string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.xaID == "" {
		return fmt.Errorf("xa: %s without start", verb)
	}
	if _, err := c.conn.ExecContext(ctx, verb+" '"+c.xaID+"'"); err != nil {
		return fmt.Errorf("xa: %s: %w", verb, err)
	}
	c.xid, c.xaID = "", ""
	c.ended, c.prepared = false, false
	return nil
}

// ExecContext runs a statement on the pinned connection.
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.conn.ExecContext(ctx, query, args...)
}

// QueryContext runs a query on the pinned connection.
func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.conn.QueryContext(ctx, query, args...)
}

// BeginTx opens a plain local transaction on the pinned connection.
func (c *Conn) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.conn.BeginTx(ctx, opts)
}

// Close returns the connection to the pool.
func (c *Conn) Close() error {
	return c.conn.Close()
}
