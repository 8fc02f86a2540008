package rseata

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/rseata/api"
	"pkt.systems/rseata/client"
	"pkt.systems/rseata/internal/event"
	"pkt.systems/rseata/internal/sqltest"
	"pkt.systems/rseata/internal/storage"
	"pkt.systems/rseata/internal/storage/memory"
	"pkt.systems/rseata/internal/txn"
	"pkt.systems/rseata/rm"
	"pkt.systems/rseata/rm/at"
	"pkt.systems/rseata/tm"
)

func TestServerBeginCommitArchives(t *testing.T) {
	backend := memory.New()
	ts := StartTestServer(t, WithTestBackend(backend))
	ctx := context.Background()

	begin, err := ts.Client.Begin(ctx, api.BeginRequest{TransactionName: "empty"})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if begin.Xid == "" {
		t.Fatal("expected xid")
	}
	resp, err := ts.Client.Commit(ctx, begin.Xid)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if txn.GlobalStatusFromCode(resp.GlobalStatus) != txn.GlobalCommitted {
		t.Fatalf("expected committed, got %s", resp.StatusName)
	}
	active, err := ts.Server.ActiveSessions(ctx)
	if err != nil {
		t.Fatalf("active sessions: %v", err)
	}
	if active != 0 {
		t.Fatalf("expected live store to be empty, got %d", active)
	}
	status, err := ts.Client.Status(ctx, begin.Xid)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if txn.GlobalStatusFromCode(status.GlobalStatus) != txn.GlobalCommitted {
		t.Fatalf("expected archived status committed, got %s", status.StatusName)
	}
}

func TestServerEncryptedArchive(t *testing.T) {
	backend := memory.New()
	keyFile := filepath.Join(t.TempDir(), "archive.pem")
	ts := StartTestServer(t, WithTestBackend(backend), WithTestConfigFunc(func(cfg *Config) {
		cfg.ArchiveKeyFile = keyFile
	}))
	ctx := context.Background()

	begin, err := ts.Client.Begin(ctx, api.BeginRequest{TransactionName: "sealed"})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := ts.Client.Commit(ctx, begin.Xid); err != nil {
		t.Fatalf("commit: %v", err)
	}
	status, err := ts.Client.Status(ctx, begin.Xid)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if txn.GlobalStatusFromCode(status.GlobalStatus) != txn.GlobalCommitted {
		t.Fatalf("expected archived status committed, got %s", status.StatusName)
	}
	list, err := backend.ListObjects(ctx, storage.ListOptions{})
	if err != nil || len(list.Objects) != 1 {
		t.Fatalf("expected one archived object, got %+v err=%v", list, err)
	}
	res, err := backend.GetObject(ctx, list.Objects[0].Key)
	if err != nil {
		t.Fatalf("raw get: %v", err)
	}
	raw, _ := io.ReadAll(res.Reader)
	res.Reader.Close()
	if strings.Contains(string(raw), begin.Xid) || strings.Contains(string(raw), "sealed") {
		t.Fatalf("archived session stored in clear: %q", raw)
	}
}

func TestServerUnknownXidNotFound(t *testing.T) {
	ts := StartTestServer(t)
	ctx := context.Background()
	_, err := ts.Client.Status(ctx, "127.0.0.1:8091:424242")
	if !client.IsNotFound(err) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestServerSweeperTimesOutSessions(t *testing.T) {
	ts := StartTestServer(t, WithTestConfigFunc(func(cfg *Config) {
		cfg.SweeperInterval = 20 * time.Millisecond
	}))
	ctx := context.Background()
	begin, err := ts.Client.Begin(ctx, api.BeginRequest{TransactionName: "slow", TimeoutMillis: 50})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		status, err := ts.Client.Status(ctx, begin.Xid)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if txn.GlobalStatusFromCode(status.GlobalStatus) == txn.GlobalTimeoutRollbacked {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session was not timed out, last status %s", status.StatusName)
		}
		time.Sleep(20 * time.Millisecond)
	}
	var sawTimeout bool
	for _, ev := range ts.Server.Audit() {
		if ev.Type == event.SessionTimeout && ev.Xid == begin.Xid {
			sawTimeout = true
		}
	}
	if !sawTimeout {
		t.Fatal("expected a session_timeout audit event")
	}
}

func TestServerApplyTunables(t *testing.T) {
	ts := StartTestServer(t)
	before := ts.Server.CurrentTunables()
	if before.DefaultTimeout != DefaultGlobalTimeout || before.SweeperInterval != DefaultSweeperInterval {
		t.Fatalf("unexpected initial tunables %+v", before)
	}
	ts.Server.ApplyTunables(Tunables{DefaultTimeout: 5 * time.Second})
	after := ts.Server.CurrentTunables()
	if after.DefaultTimeout != 5*time.Second {
		t.Fatalf("expected default timeout 5s, got %s", after.DefaultTimeout)
	}
	if after.SweeperInterval != DefaultSweeperInterval {
		t.Fatalf("zero sweeper interval must be ignored, got %s", after.SweeperInterval)
	}
	ctx := context.Background()
	begin, err := ts.Client.Begin(ctx, api.BeginRequest{TransactionName: "tuned"})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := ts.Client.Rollback(ctx, begin.Xid); err != nil {
		t.Fatalf("rollback: %v", err)
	}
}

func TestServerShutdownDrainsReadiness(t *testing.T) {
	ts := StartTestServer(t, WithTestConfigFunc(func(cfg *Config) {
		cfg.DrainGrace = 500 * time.Millisecond
	}))
	resp, err := http.Get(ts.URL() + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected ready, got %d", resp.StatusCode)
	}

	done := make(chan error, 1)
	go func() {
		done <- ts.Stop(context.Background())
	}()
	deadline := time.Now().Add(400 * time.Millisecond)
	var draining bool
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.URL() + "/readyz")
		if err == nil {
			code := resp.StatusCode
			imminent := resp.Header.Get("Shutdown-Imminent")
			resp.Body.Close()
			if code == http.StatusServiceUnavailable {
				if imminent == "" {
					t.Fatal("expected Shutdown-Imminent header while draining")
				}
				draining = true
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !draining {
		t.Fatal("expected readyz to fail while draining")
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}
}

type atHarness struct {
	ts     *TestServer
	script *sqltest.DB
	db     *at.DB
}

func newATHarness(t *testing.T) *atHarness {
	t.Helper()
	ts := StartTestServer(t)
	script := sqltest.New()
	script.On("SHOW KEYS FROM `account`", sqltest.Result{
		Columns: []string{"Table", "Key_name", "Column_name", "Seq_in_index"},
		Rows:    [][]driver.Value{{"account", "PRIMARY", "id", int64(1)}},
	})
	script.On("SELECT * FROM `account`", sqltest.Result{
		Columns: []string{"id", "balance"},
		Rows:    [][]driver.Value{{int64(1), int64(100)}, {int64(2), int64(50)}},
	})
	manager := ts.StartResourceManager(t, rm.Resource{ResourceID: "orders-db", BranchType: rm.BranchTypeAT})
	sqlDB := script.Open()
	db, err := at.New(sqlDB, manager)
	if err != nil {
		t.Fatalf("at db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
		_ = sqlDB.Close()
	})
	return &atHarness{ts: ts, script: script, db: db}
}

func (h *atHarness) debit(ctx context.Context, txc *rm.TxContext) error {
	tx, err := h.db.BeginTx(ctx, txc, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "UPDATE account SET balance = balance - ? WHERE id IN (?, ?)", 10, 1, 2); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func TestServerEndToEndATCommit(t *testing.T) {
	h := newATHarness(t)
	ctx := context.Background()
	var xid string
	err := tm.Run(ctx, h.ts.Client, tm.Options{Name: "transfer"}, func(ctx context.Context, txc *rm.TxContext) error {
		xid = txc.Xid()
		return h.debit(ctx, txc)
	})
	if err != nil {
		t.Fatalf("global transaction: %v", err)
	}
	status, err := h.ts.Client.Status(ctx, xid)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if txn.GlobalStatusFromCode(status.GlobalStatus) != txn.GlobalCommitted {
		t.Fatalf("expected committed, got %s", status.StatusName)
	}
	if n := h.ts.Server.HeldLocks(); n != 0 {
		t.Fatalf("expected row locks to be released, %d held", n)
	}
	for _, stmt := range h.script.Statements() {
		if strings.HasPrefix(stmt, "UPDATE `account`") {
			t.Fatalf("unexpected compensation on commit: %s", stmt)
		}
	}
}

func TestServerEndToEndATRollback(t *testing.T) {
	h := newATHarness(t)
	ctx := context.Background()
	errBoom := errors.New("insufficient funds downstream")
	var xid string
	err := tm.Run(ctx, h.ts.Client, tm.Options{Name: "transfer"}, func(ctx context.Context, txc *rm.TxContext) error {
		xid = txc.Xid()
		if err := h.debit(ctx, txc); err != nil {
			return err
		}
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected business error, got %v", err)
	}
	status, err := h.ts.Client.Status(ctx, xid)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if txn.GlobalStatusFromCode(status.GlobalStatus) != txn.GlobalRollbacked {
		t.Fatalf("expected rollbacked, got %s", status.StatusName)
	}
	var compensations int
	for _, stmt := range h.script.Statements() {
		if strings.HasPrefix(stmt, "UPDATE `account` SET") {
			compensations++
		}
	}
	if compensations != 2 {
		t.Fatalf("expected two compensating updates, got %d in %v", compensations, h.script.Statements())
	}
	if n := h.ts.Server.HeldLocks(); n != 0 {
		t.Fatalf("expected row locks to be released, %d held", n)
	}
}

func TestServerLockConflictAcrossGlobals(t *testing.T) {
	h := newATHarness(t)
	ctx := context.Background()
	first, err := h.ts.Client.Begin(ctx, api.BeginRequest{TransactionName: "holder"})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := h.debit(ctx, rm.Bind(first.Xid)); err != nil {
		t.Fatalf("first debit: %v", err)
	}
	if h.ts.Server.HeldLocks() == 0 {
		t.Fatal("expected the first branch to hold row locks")
	}
	second, err := h.ts.Client.Begin(ctx, api.BeginRequest{TransactionName: "contender"})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := h.debit(ctx, rm.Bind(second.Xid)); err == nil {
		t.Fatal("expected the second branch to hit a lock conflict")
	}
	if _, err := h.ts.Client.Rollback(ctx, second.Xid); err != nil {
		t.Fatalf("rollback second: %v", err)
	}
	resp, err := h.ts.Client.Commit(ctx, first.Xid)
	if err != nil {
		t.Fatalf("commit first: %v", err)
	}
	if txn.GlobalStatusFromCode(resp.GlobalStatus) != txn.GlobalCommitted {
		t.Fatalf("expected committed, got %s", resp.StatusName)
	}
	if n := h.ts.Server.HeldLocks(); n != 0 {
		t.Fatalf("expected no held locks, got %d", n)
	}
}
