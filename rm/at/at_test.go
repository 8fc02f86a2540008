package at

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"pkt.systems/rseata/api"
	"pkt.systems/rseata/client"
	"pkt.systems/rseata/internal/sqlparse"
	"pkt.systems/rseata/internal/sqltest"
	"pkt.systems/rseata/rm"
)

type fakeTC struct {
	mu        sync.Mutex
	begins    int
	registers []api.BranchRegisterRequest
	reports   []api.BranchReportRequest
	lockable  bool
}

func (f *fakeTC) Begin(context.Context, api.BeginRequest) (*api.BeginResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begins++
	return &api.BeginResponse{Xid: "xid-1", TransactionID: 1}, nil
}

func (f *fakeTC) BranchRegister(_ context.Context, req api.BranchRegisterRequest) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registers = append(f.registers, req)
	return uint64(10 + len(f.registers)), nil
}

func (f *fakeTC) BranchReport(_ context.Context, req api.BranchReportRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, req)
	return nil
}

func (f *fakeTC) LockQuery(context.Context, api.LockQueryRequest) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lockable, nil
}

func (f *fakeTC) OpenInstructionStream(context.Context, api.ResourceAnnouncement) (*client.InstructionStream, error) {
	return nil, errors.New("no stream in tests")
}

func (f *fakeTC) reportStatuses() []int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int32, len(f.reports))
	for i, r := range f.reports {
		out[i] = r.Status
	}
	return out
}

type fixture struct {
	script  *sqltest.DB
	tc      *fakeTC
	manager *rm.Manager
	db      *DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	script := sqltest.New()
	script.On("SHOW KEYS FROM `account`", sqltest.Result{
		Columns: []string{"Table", "Key_name", "Column_name", "Seq_in_index"},
		Rows:    [][]driver.Value{{"account", "PRIMARY", "id", int64(1)}},
	})
	script.On("SELECT * FROM `account`", sqltest.Result{
		Columns: []string{"id", "balance"},
		Rows:    [][]driver.Value{{int64(1), int64(100)}, {int64(2), int64(50)}},
	})
	tc := &fakeTC{lockable: true}
	manager, err := rm.NewManager(rm.Config{TC: tc, Resource: rm.Resource{ResourceID: "orders-db", ClientID: "c1"}})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	sqlDB := script.Open()
	t.Cleanup(func() { _ = sqlDB.Close() })
	db, err := New(sqlDB, manager)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(db.Close)
	return &fixture{script: script, tc: tc, manager: manager, db: db}
}

func (f *fixture) debit(t *testing.T, txc *rm.TxContext) *Tx {
	t.Helper()
	ctx := context.Background()
	tx, err := f.db.BeginTx(ctx, txc, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE account SET balance = balance - ? WHERE id IN (?, ?)", 10, 1, 2); err != nil {
		t.Fatalf("exec: %v", err)
	}
	return tx
}

func TestCommitRegistersBranchWithLockKey(t *testing.T) {
	f := newFixture(t)
	txc := rm.NewTxContext()
	tx := f.debit(t, txc)
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if txc.Xid() != "xid-1" || f.tc.begins != 1 {
		t.Fatalf("expected an implicit global begin, xid %q begins %d", txc.Xid(), f.tc.begins)
	}
	if len(f.tc.registers) != 1 {
		t.Fatalf("expected one registration, got %d", len(f.tc.registers))
	}
	reg := f.tc.registers[0]
	if reg.LockKey != "account:1,2" || reg.ResourceID != "orders-db" || reg.ClientID != "c1" || reg.BranchType != rm.BranchTypeAT.Code() {
		t.Fatalf("unexpected registration %+v", reg)
	}
	if got := f.tc.reportStatuses(); !reflect.DeepEqual(got, []int32{rm.PhaseOneDone.Code()}) {
		t.Fatalf("unexpected reports %v", got)
	}
	want := []string{
		"BEGIN",
		"SHOW KEYS FROM `account` WHERE Key_name='PRIMARY'",
		"SELECT * FROM `account` WHERE id IN (?, ?)",
		"UPDATE account SET balance = balance - ? WHERE id IN (?, ?)",
		"COMMIT",
	}
	if got := f.script.Statements(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected statements\n got %q\nwant %q", got, want)
	}
	selectArgs := f.script.Calls()[2].Args
	if !reflect.DeepEqual(selectArgs, []any{int64(1), int64(2)}) {
		t.Fatalf("unexpected before image args %v", selectArgs)
	}
	if f.manager.Parked() != 1 {
		t.Fatalf("branch not parked")
	}
}

func TestPhaseTwoRollbackRestoresBeforeImage(t *testing.T) {
	f := newFixture(t)
	txc := rm.NewTxContext()
	if err := f.debit(t, txc).Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	f.script.Reset()
	status := f.manager.Handle(context.Background(), api.Instruction{Type: api.InstructionRollback, Xid: "xid-1", BranchID: txc.BranchID()})
	if status != rm.PhaseTwoRollbacked {
		t.Fatalf("unexpected status %s", status)
	}
	want := []string{
		"BEGIN",
		"UPDATE `account` SET `balance` = ? WHERE `id` = ?",
		"UPDATE `account` SET `balance` = ? WHERE `id` = ?",
		"COMMIT",
	}
	calls := f.script.Calls()
	if got := f.script.Statements(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected statements %q", got)
	}
	if !reflect.DeepEqual(calls[1].Args, []any{int64(100), int64(1)}) || !reflect.DeepEqual(calls[2].Args, []any{int64(50), int64(2)}) {
		t.Fatalf("unexpected compensation args %v %v", calls[1].Args, calls[2].Args)
	}
	if f.manager.Parked() != 0 {
		t.Fatalf("rolled back branch still parked")
	}
	statuses := f.tc.reportStatuses()
	if statuses[len(statuses)-1] != rm.PhaseTwoRollbacked.Code() {
		t.Fatalf("phase two outcome not reported: %v", statuses)
	}
}

func TestPhaseTwoRollbackFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	txc := rm.NewTxContext()
	if err := f.debit(t, txc).Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	f.script.Once("UPDATE `account`", sqltest.Result{Err: errors.New("deadlock")})
	status := f.manager.Handle(context.Background(), api.Instruction{Type: api.InstructionRollback, Xid: "xid-1", BranchID: txc.BranchID()})
	if status != rm.PhaseTwoRollbackFailedRetryable {
		t.Fatalf("unexpected status %s", status)
	}
	if f.manager.Parked() != 1 {
		t.Fatalf("retryable branch must stay parked")
	}
	if status := f.manager.Handle(context.Background(), api.Instruction{Type: api.InstructionRollback, Xid: "xid-1", BranchID: txc.BranchID()}); status != rm.PhaseTwoRollbacked {
		t.Fatalf("retry: unexpected status %s", status)
	}
}

func TestPhaseTwoCommitIsNoop(t *testing.T) {
	f := newFixture(t)
	txc := rm.NewTxContext()
	if err := f.debit(t, txc).Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	f.script.Reset()
	if status := f.manager.Handle(context.Background(), api.Instruction{Type: api.InstructionCommit, Xid: "xid-1", BranchID: txc.BranchID()}); status != rm.PhaseTwoCommitted {
		t.Fatalf("unexpected status %s", status)
	}
	if len(f.script.Calls()) != 0 {
		t.Fatalf("phase two commit touched the database: %q", f.script.Statements())
	}
}

func TestLockConflictRollsBackLocally(t *testing.T) {
	f := newFixture(t)
	f.tc.lockable = false
	err := f.debit(t, rm.Bind("xid-7")).Commit(context.Background())
	if !errors.Is(err, ErrLockConflict) {
		t.Fatalf("expected lock conflict, got %v", err)
	}
	if f.tc.begins != 0 {
		t.Fatalf("bound context must not begin a new global transaction")
	}
	stmts := f.script.Statements()
	if stmts[len(stmts)-1] != "ROLLBACK" {
		t.Fatalf("expected local rollback, got %q", stmts)
	}
	if got := f.tc.reportStatuses(); !reflect.DeepEqual(got, []int32{rm.PhaseOneFailed.Code()}) {
		t.Fatalf("unexpected reports %v", got)
	}
	if f.manager.Parked() != 0 {
		t.Fatalf("failed branch parked")
	}
}

func TestRollbackReportsPhaseOneFailed(t *testing.T) {
	f := newFixture(t)
	tx := f.debit(t, rm.NewTxContext())
	if err := tx.Rollback(context.Background()); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if got := f.tc.reportStatuses(); !reflect.DeepEqual(got, []int32{rm.PhaseOneFailed.Code()}) {
		t.Fatalf("unexpected reports %v", got)
	}
	if err := tx.Rollback(context.Background()); !errors.Is(err, sql.ErrTxDone) {
		t.Fatalf("second rollback: %v", err)
	}
	if err := tx.Commit(context.Background()); !errors.Is(err, sql.ErrTxDone) {
		t.Fatalf("commit after rollback: %v", err)
	}
}

func TestPrimaryKeysAreCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.debit(t, rm.NewTxContext())
	if _, err := tx.ExecContext(ctx, "UPDATE account SET balance = 0 WHERE id = ?", 1); err != nil {
		t.Fatalf("second update: %v", err)
	}
	shows := 0
	for _, s := range f.script.Statements() {
		if strings.HasPrefix(s, "SHOW KEYS") {
			shows++
		}
	}
	if shows != 1 {
		t.Fatalf("expected one primary key lookup, got %d", shows)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestExecRejectsUnsupportedAndKeylessTables(t *testing.T) {
	f := newFixture(t)
	f.script.On("SHOW KEYS FROM `audit_log`", sqltest.Result{Columns: []string{"Column_name"}})
	ctx := context.Background()
	tx, err := f.db.BeginTx(ctx, rm.Bind("xid-2"), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE account a, ledger l SET a.balance = l.total"); !errors.Is(err, sqlparse.ErrUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE audit_log SET seen = 1"); err == nil || !strings.Contains(err.Error(), "no primary key") {
		t.Fatalf("expected missing primary key error, got %v", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO account (id, balance) VALUES (?, ?)", 3, 0); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
}

func TestCompensationQuotesIdentifiers(t *testing.T) {
	img := rm.UndoImage{Table: "shop.order", Columns: []string{"state", "note"}, PrimaryKeys: []string{"tenant", "id"}}
	query, args, err := compensation(img, rm.Row{"state": "NEW", "note": nil, "tenant": "t1", "id": int64(4)})
	if err != nil {
		t.Fatalf("compensation: %v", err)
	}
	if query != "UPDATE `shop`.`order` SET `state` = ?, `note` = ? WHERE `tenant` = ? AND `id` = ?" {
		t.Fatalf("unexpected query %q", query)
	}
	if !reflect.DeepEqual(args, []any{"NEW", nil, "t1", int64(4)}) {
		t.Fatalf("unexpected args %v", args)
	}
	if got := rowKey(rm.Row{"tenant": "t1", "id": int64(4)}, img.PrimaryKeys); got != "t1_4" {
		t.Fatalf("unexpected composite key %q", got)
	}
	if _, _, err := compensation(img, rm.Row{"STATE": "NEW", "note": nil, "tenant": "t1", "id": int64(4)}); err == nil {
		t.Fatalf("expected error for a column missing from the image")
	}
}

// accountTable keeps balances across scripted statements so a test can read
// back what a compensation wrote.
type accountTable struct {
	mu       sync.Mutex
	balances map[int64]any
}

func newAccountTable(script *sqltest.DB) *accountTable {
	a := &accountTable{balances: map[int64]any{1: int64(100), 2: int64(50)}}
	script.Handle("SELECT * FROM `account`", a.query)
	script.Handle("UPDATE account SET", a.debit)
	script.Handle("UPDATE `account` SET", a.restore)
	return a
}

func (a *accountTable) query(_ string, args []any) sqltest.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	res := sqltest.Result{Columns: []string{"id", "balance"}}
	for _, arg := range args {
		id := arg.(int64)
		if v, ok := a.balances[id]; ok {
			res.Rows = append(res.Rows, []driver.Value{id, v})
		}
	}
	return res
}

func (a *accountTable) debit(_ string, args []any) sqltest.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	amount := args[0].(int64)
	for _, arg := range args[1:] {
		id := arg.(int64)
		a.balances[id] = a.balances[id].(int64) - amount
	}
	return sqltest.Result{RowsAffected: int64(len(args) - 1)}
}

// restore applies UPDATE `account` SET `<col>` = ? WHERE `id` = ?; column
// names compare case-insensitively, as in MySQL.
func (a *accountTable) restore(query string, args []any) sqltest.Result {
	col := strings.TrimPrefix(query, "UPDATE `account` SET `")
	col = col[:strings.Index(col, "`")]
	if !strings.EqualFold(col, "balance") {
		return sqltest.Result{Err: errors.New("unknown column " + col)}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balances[args[1].(int64)] = args[0]
	return sqltest.Result{RowsAffected: 1}
}

func TestMixedCaseUpdateRoundTrip(t *testing.T) {
	f := newFixture(t)
	newAccountTable(f.script)
	ctx := context.Background()
	txc := rm.NewTxContext()
	tx, err := f.db.BeginTx(ctx, txc, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE account SET BALANCE = BALANCE - ? WHERE id IN (?, ?)", 10, 1, 2); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	status := f.manager.Handle(ctx, api.Instruction{Type: api.InstructionRollback, Xid: "xid-1", BranchID: txc.BranchID()})
	if status != rm.PhaseTwoRollbacked {
		t.Fatalf("unexpected status %s", status)
	}
	rows, err := f.db.db.QueryContext(ctx, "SELECT * FROM `account` WHERE id IN (?, ?)", 1, 2)
	if err != nil {
		t.Fatalf("re-query: %v", err)
	}
	_, after, err := scanRows(rows)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	got := map[int64]any{}
	for _, row := range after {
		got[row["id"].(int64)] = row["balance"]
	}
	if !reflect.DeepEqual(got, map[int64]any{1: int64(100), 2: int64(50)}) {
		t.Fatalf("before image not restored: %v", got)
	}
}

func TestUnknownSetColumnFailsCapture(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx, err := f.db.BeginTx(ctx, rm.Bind("xid-3"), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	_, err = tx.ExecContext(ctx, "UPDATE account SET credit = 0 WHERE id = ?", 1)
	if err == nil || !strings.Contains(err.Error(), "column credit not found") {
		t.Fatalf("expected unresolved column error, got %v", err)
	}
	for _, stmt := range f.script.Statements() {
		if strings.HasPrefix(stmt, "UPDATE account") {
			t.Fatalf("update ran without a usable before image: %q", f.script.Statements())
		}
	}
	if len(tx.Context().TakeUndo()) != 0 {
		t.Fatalf("failed capture left an undo image")
	}
	_ = tx.Rollback(ctx)
}

func TestReservedTableName(t *testing.T) {
	f := newFixture(t)
	f.script.On("SHOW KEYS FROM `order`", sqltest.Result{
		Columns: []string{"Table", "Key_name", "Column_name", "Seq_in_index"},
		Rows:    [][]driver.Value{{"order", "PRIMARY", "id", int64(1)}},
	})
	f.script.On("SELECT * FROM `order`", sqltest.Result{
		Columns: []string{"id", "state"},
		Rows:    [][]driver.Value{{int64(7), "NEW"}},
	})
	ctx := context.Background()
	txc := rm.NewTxContext()
	tx, err := f.db.BeginTx(ctx, txc, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE `order` SET state = ? WHERE id = ? ORDER BY id LIMIT 1", "PAID", 7); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	stmts := f.script.Statements()
	if stmts[2] != "SELECT * FROM `order` WHERE id = ? ORDER BY id LIMIT 1" {
		t.Fatalf("unexpected before image query %q", stmts[2])
	}
	if reg := f.tc.registers[0]; reg.LockKey != "order:7" {
		t.Fatalf("unexpected lock key %q", reg.LockKey)
	}
	f.script.Reset()
	if status := f.manager.Handle(ctx, api.Instruction{Type: api.InstructionRollback, Xid: "xid-1", BranchID: txc.BranchID()}); status != rm.PhaseTwoRollbacked {
		t.Fatalf("unexpected status %s", status)
	}
	calls := f.script.Calls()
	if calls[1].Query != "UPDATE `order` SET `state` = ? WHERE `id` = ?" || !reflect.DeepEqual(calls[1].Args, []any{"NEW", int64(7)}) {
		t.Fatalf("unexpected compensation %q %v", calls[1].Query, calls[1].Args)
	}
}

func TestRollbackAfterPhaseTwoCommitIsNotBenign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txc := rm.NewTxContext()
	if err := f.debit(t, txc).Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if status := f.manager.Handle(ctx, api.Instruction{Type: api.InstructionCommit, Xid: "xid-1", BranchID: txc.BranchID()}); status != rm.PhaseTwoCommitted {
		t.Fatalf("commit: unexpected status %s", status)
	}
	f.script.Reset()
	status := f.manager.Handle(ctx, api.Instruction{Type: api.InstructionRollback, Xid: "xid-1", BranchID: txc.BranchID()})
	if status != rm.PhaseTwoRollbackFailedUnretryable {
		t.Fatalf("rollback after commit must fail, got %s", status)
	}
	if len(f.script.Calls()) != 0 {
		t.Fatalf("rollback after commit touched the database: %q", f.script.Statements())
	}
}
