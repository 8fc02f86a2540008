// Package sqltest provides a scripted database/sql driver for resource
// manager tests. Statements are matched by prefix against registered
// responses and every call is recorded in order.
package sqltest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Result scripts the response to a matching statement.
type Result struct {
	Columns      []string
	Rows         [][]driver.Value
	RowsAffected int64
	Err          error
}

// Call is one recorded driver interaction. Kind is exec, query, begin,
// commit or rollback.
type Call struct {
	Kind  string
	Query string
	Args  []any
}

type rule struct {
	prefix string
	result Result
	fn     func(query string, args []any) Result
	times  int
}

// DB is a scripted database.
type DB struct {
	mu          sync.Mutex
	rules       []*rule
	calls       []Call
	commitErr   error
	rollbackErr error
}

// New returns an empty script.
func New() *DB { return &DB{} }

// On answers statements starting with prefix with res until replaced.
// Later registrations take precedence.
func (d *DB) On(prefix string, res Result) {
	d.mu.Lock()
	d.rules = append(d.rules, &rule{prefix: prefix, result: res, times: -1})
	d.mu.Unlock()
}

// Once answers the next statement starting with prefix with res.
func (d *DB) Once(prefix string, res Result) {
	d.mu.Lock()
	d.rules = append(d.rules, &rule{prefix: prefix, result: res, times: 1})
	d.mu.Unlock()
}

// Handle answers statements starting with prefix by calling fn with the
// statement and its arguments. It lets a test keep table state across
// statements.
func (d *DB) Handle(prefix string, fn func(query string, args []any) Result) {
	d.mu.Lock()
	d.rules = append(d.rules, &rule{prefix: prefix, fn: fn, times: -1})
	d.mu.Unlock()
}

// FailCommit makes local commits fail with err.
func (d *DB) FailCommit(err error) {
	d.mu.Lock()
	d.commitErr = err
	d.mu.Unlock()
}

// FailRollback makes local rollbacks fail with err.
func (d *DB) FailRollback(err error) {
	d.mu.Lock()
	d.rollbackErr = err
	d.mu.Unlock()
}

// Open returns a *sql.DB backed by the script.
func (d *DB) Open() *sql.DB { return sql.OpenDB(connector{d}) }

// Calls returns the recorded calls.
func (d *DB) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Call, len(d.calls))
	copy(out, d.calls)
	return out
}

// Statements returns the recorded exec and query texts, plus begin, commit
// and rollback markers in upper case.
func (d *DB) Statements() []string {
	calls := d.Calls()
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		if c.Query == "" {
			out = append(out, strings.ToUpper(c.Kind))
			continue
		}
		out = append(out, c.Query)
	}
	return out
}

// Reset forgets recorded calls.
func (d *DB) Reset() {
	d.mu.Lock()
	d.calls = nil
	d.mu.Unlock()
}

func (d *DB) record(kind, query string, args []driver.NamedValue) []any {
	vals := make([]any, len(args))
	for i, a := range args {
		vals[i] = a.Value
	}
	d.mu.Lock()
	d.calls = append(d.calls, Call{Kind: kind, Query: query, Args: vals})
	d.mu.Unlock()
	return vals
}

func (d *DB) match(query string, args []any) (Result, bool) {
	d.mu.Lock()
	var found *rule
	for i := len(d.rules) - 1; i >= 0; i-- {
		r := d.rules[i]
		if r.times == 0 || !strings.HasPrefix(query, r.prefix) {
			continue
		}
		if r.times > 0 {
			r.times--
		}
		found = r
		break
	}
	d.mu.Unlock()
	switch {
	case found == nil:
		return Result{}, false
	case found.fn != nil:
		return found.fn(query, args), true
	}
	return found.result, true
}

type connector struct{ db *DB }

func (c connector) Connect(context.Context) (driver.Conn, error) { return &conn{db: c.db}, nil }

func (c connector) Driver() driver.Driver { return drv{c.db} }

type drv struct{ db *DB }

func (d drv) Open(string) (driver.Conn, error) { return &conn{db: d.db}, nil }

type conn struct{ db *DB }

func (c *conn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("sqltest: prepared statements not supported")
}

func (c *conn) Close() error { return nil }

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	c.db.record("begin", "", nil)
	return &tx{db: c.db}, nil
}

func (c *conn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	res, ok := c.db.match(query, c.db.record("exec", query, args))
	if !ok {
		return driver.RowsAffected(1), nil
	}
	if res.Err != nil {
		return nil, res.Err
	}
	return driver.RowsAffected(res.RowsAffected), nil
}

func (c *conn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	res, ok := c.db.match(query, c.db.record("query", query, args))
	if !ok {
		return nil, fmt.Errorf("sqltest: unexpected query %q", query)
	}
	if res.Err != nil {
		return nil, res.Err
	}
	return &rows{columns: res.Columns, values: res.Rows}, nil
}

type tx struct{ db *DB }

func (t *tx) Commit() error {
	t.db.record("commit", "", nil)
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	return t.db.commitErr
}

func (t *tx) Rollback() error {
	t.db.record("rollback", "", nil)
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	return t.db.rollbackErr
}

type rows struct {
	columns []string
	values  [][]driver.Value
	pos     int
}

func (r *rows) Columns() []string { return r.columns }

func (r *rows) Close() error { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.pos >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.pos])
	r.pos++
	return nil
}
