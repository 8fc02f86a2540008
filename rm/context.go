package rm

import (
	"sync"

	"pkt.systems/rseata/internal/txn"
)

// Row is one captured database row keyed by column name.
type Row map[string]any

// UndoImage is the before image of one UPDATE: the rows as they were, the
// columns the statement assigned, and the primary key columns that address
// each row during compensation.
type UndoImage struct {
	Table       string
	Columns     []string
	PrimaryKeys []string
	Rows        []Row
}

// TxContext carries the identity of a global transaction through a call
// chain. It is passed explicitly to every resource operation; a nil or
// unbound context means "no global transaction".
//
// The branch scratch state (lock keys, undo images, branch id) belongs to
// the local transaction currently open on the context and is reset by
// ResetBranch when a new one begins.
type TxContext struct {
	mu       sync.Mutex
	xid      string
	branchID uint64
	locks    txn.LockKeyBuilder
	undo     []UndoImage
}

// NewTxContext returns an unbound context.
func NewTxContext() *TxContext { return &TxContext{} }

// Bind returns a context joined to an existing global transaction.
func Bind(xid string) *TxContext { return &TxContext{xid: xid} }

// Xid returns the bound global transaction id, or "".
func (c *TxContext) Xid() string {
	if c == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.xid
}

// SetXid binds the context to xid.
func (c *TxContext) SetXid(xid string) {
	c.mu.Lock()
	c.xid = xid
	c.mu.Unlock()
}

// InGlobalTransaction reports whether a global transaction is bound.
func (c *TxContext) InGlobalTransaction() bool { return c.Xid() != "" }

// BranchID returns the branch registered for the current local transaction.
func (c *TxContext) BranchID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.branchID
}

// SetBranchID records the registered branch.
func (c *TxContext) SetBranchID(id uint64) {
	c.mu.Lock()
	c.branchID = id
	c.mu.Unlock()
}

// AddLockKey records primary keys of table touched by the current branch.
func (c *TxContext) AddLockKey(table string, pks ...string) {
	c.mu.Lock()
	c.locks.Add(table, pks...)
	c.mu.Unlock()
}

// LockKey renders the accumulated rows as table:pk1,pk2;table2:pk3.
func (c *TxContext) LockKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locks.String()
}

// AppendUndo buffers a before image for phase two rollback.
func (c *TxContext) AppendUndo(img UndoImage) {
	c.mu.Lock()
	c.undo = append(c.undo, img)
	c.mu.Unlock()
}

// TakeUndo returns the buffered before images and empties the buffer.
func (c *TxContext) TakeUndo() []UndoImage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.undo
	c.undo = nil
	return out
}

// ResetBranch clears the branch scratch state while keeping the xid.
func (c *TxContext) ResetBranch() {
	c.mu.Lock()
	c.branchID = 0
	c.locks.Reset()
	c.undo = nil
	c.mu.Unlock()
}
