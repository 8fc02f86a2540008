// Package at implements AT mode branches over database/sql.
//
// A Tx records a before image for every UPDATE it executes, derives the
// row lock key from the table's primary key, and on commit enlists itself
// as a branch of the global transaction bound to its rm.TxContext. Phase
// two commit has nothing left to do; phase two rollback writes the before
// image back with compensating UPDATE statements.
package at

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dgraph-io/ristretto/v2"
	"pkt.systems/pslog"

	"pkt.systems/rseata/internal/loggingutil"
	"pkt.systems/rseata/internal/sqlparse"
	"pkt.systems/rseata/rm"
)

// ErrLockConflict reports rows held by another global transaction.
var ErrLockConflict = errors.New("at: rows locked by another global transaction")

// DB wraps a *sql.DB whose transactions run as AT branches.
type DB struct {
	db      *sql.DB
	rm      *rm.Manager
	logger  pslog.Logger
	pkCache *ristretto.Cache[string, []string]
}

// New returns an AT wrapper around db reporting through manager.
func New(db *sql.DB, manager *rm.Manager) (*DB, error) {
	if db == nil {
		return nil, errors.New("at: db required")
	}
	if manager == nil {
		return nil, errors.New("at: resource manager required")
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, []string]{
		NumCounters:        1 << 12,
		MaxCost:            1 << 16,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("at: primary key cache: %w", err)
	}
	return &DB{
		db:      db,
		rm:      manager,
		logger:  loggingutil.WithSubsystem(manager.Logger(), "at"),
		pkCache: cache,
	}, nil
}

// Close releases the primary key cache. The wrapped *sql.DB stays open.
func (d *DB) Close() {
	d.pkCache.Close()
}

// BeginTx opens a local transaction as the next branch of txc. An unbound
// txc begins a new global transaction first.
func (d *DB) BeginTx(ctx context.Context, txc *rm.TxContext, opts *sql.TxOptions) (*Tx, error) {
	if txc == nil {
		return nil, errors.New("at: transaction context required")
	}
	if !txc.InGlobalTransaction() {
		if err := d.rm.Begin(ctx, txc, ""); err != nil {
			return nil, err
		}
	}
	txc.ResetBranch()
	local, err := d.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{db: d, tx: local, txc: txc}, nil
}

// primaryKeys returns the primary key columns of table in index order.
func (d *DB) primaryKeys(ctx context.Context, q querier, table string) ([]string, error) {
	key := d.rm.Resource().ResourceID + "/" + table
	if cols, ok := d.pkCache.Get(key); ok {
		return cols, nil
	}
	rows, err := q.QueryContext(ctx, "SHOW KEYS FROM "+sqlparse.QuoteTable(table)+" WHERE Key_name='PRIMARY'")
	if err != nil {
		return nil, fmt.Errorf("at: primary keys of %s: %w", table, err)
	}
	_, images, err := scanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("at: primary keys of %s: %w", table, err)
	}
	cols := make([]string, len(images))
	for _, row := range images {
		name := valueString(row["Column_name"])
		seq := 1
		if raw, ok := row["Seq_in_index"]; ok {
			n, err := strconv.Atoi(valueString(raw))
			if err != nil {
				return nil, fmt.Errorf("at: primary keys of %s: %w", table, err)
			}
			seq = n
		}
		if seq < 1 || seq > len(cols) {
			return nil, fmt.Errorf("at: primary keys of %s: bad Seq_in_index %d", table, seq)
		}
		cols[seq-1] = name
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("at: table %s has no primary key", table)
	}
	d.pkCache.Set(key, cols, int64(len(cols)))
	d.pkCache.Wait()
	return cols, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// scanRows reads every row keyed by the column names the driver reports.
func scanRows(rows *sql.Rows) ([]string, []rm.Row, error) {
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}
	var out []rm.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		row := make(rm.Row, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				vals[i] = string(b)
			}
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return cols, out, rows.Err()
}

// resolveColumns maps each name in want onto the spelling the database
// reported in have. MySQL column names are case-insensitive, so SET BALANCE
// addresses the column reported as balance.
func resolveColumns(table string, have, want []string) ([]string, error) {
	byLower := make(map[string]string, len(have))
	for _, c := range have {
		byLower[strings.ToLower(c)] = c
	}
	out := make([]string, len(want))
	for i, w := range want {
		c, ok := byLower[strings.ToLower(w)]
		if !ok {
			return nil, fmt.Errorf("at: column %s not found in %s", w, table)
		}
		out[i] = c
	}
	return out, nil
}

func valueString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

// rowKey renders the lock key primary key of row; composite keys join
// their parts with '_'.
func rowKey(row rm.Row, pks []string) string {
	parts := make([]string, len(pks))
	for i, pk := range pks {
		parts[i] = valueString(row[pk])
	}
	return strings.Join(parts, "_")
}
