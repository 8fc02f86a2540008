package rseata

import (
	"context"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/rseata/api"
	"pkt.systems/rseata/internal/storage/memory"
	"pkt.systems/rseata/rm"
)

func TestNewTestServerDefault(t *testing.T) {
	ts := StartTestServer(t, WithTestLoggerFromTB(t, pslog.InfoLevel))
	if ts.Client == nil {
		t.Fatal("expected auto client")
	}
	if !strings.HasPrefix(ts.URL(), "http://127.0.0.1:") {
		t.Fatalf("unexpected base URL %s", ts.URL())
	}
	if ts.Config.DrainGrace != 0 {
		t.Fatalf("expected zero drain grace for tests, got %s", ts.Config.DrainGrace)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	begin, err := ts.Client.Begin(ctx, api.BeginRequest{TransactionName: "default"})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := ts.Client.Rollback(ctx, begin.Xid); err != nil {
		t.Fatalf("rollback: %v", err)
	}
}

func TestNewTestServerWithoutClient(t *testing.T) {
	ts := StartTestServer(t, WithoutTestClient())
	if ts.Client != nil {
		t.Fatalf("expected client to be nil")
	}
	cli, err := ts.NewClient()
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := cli.Begin(ctx, api.BeginRequest{TransactionName: "manual-client"}); err != nil {
		t.Fatalf("begin: %v", err)
	}
}

func TestNewTestServerBackendExposed(t *testing.T) {
	backend := memory.New()
	ts := StartTestServer(t, WithTestBackend(backend))
	if ts.Backend() != backend {
		t.Fatal("expected injected backend to be exposed")
	}
	if ts.Addr() == nil || ts.Server.ListenerAddr() == nil {
		t.Fatal("expected listener address")
	}
}

func TestNewTestServerRejectsUnix(t *testing.T) {
	_, err := NewTestServer(context.Background(), WithTestConfigFunc(func(cfg *Config) {
		cfg.ListenProto = "unix"
		cfg.Listen = t.TempDir() + "/rseata.sock"
	}))
	if err == nil {
		t.Fatal("expected unix test server to be rejected")
	}
}

func TestNewTestServerListenFailure(t *testing.T) {
	first := StartTestServer(t)
	_, err := NewTestServer(context.Background(), WithTestConfigFunc(func(cfg *Config) {
		cfg.Listen = first.Addr().String()
	}))
	if err == nil {
		t.Fatal("expected listen on a taken port to fail")
	}
}

func TestWaitForResourceTimesOut(t *testing.T) {
	ts := StartTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := ts.WaitForResource(ctx, "missing-db"); err == nil {
		t.Fatal("expected an unknown resource to time out")
	}
}

func TestStartResourceManagerRegistersStream(t *testing.T) {
	ts := StartTestServer(t)
	manager := ts.StartResourceManager(t, rm.Resource{ResourceID: "inventory-db", BranchType: rm.BranchTypeXA})
	if manager.Resource().ClientID == "" {
		t.Fatal("expected a generated client id")
	}
	resources, err := ts.Client.Resources(context.Background())
	if err != nil {
		t.Fatalf("resources: %v", err)
	}
	if len(resources) != 1 || resources[0].ClientID != manager.Resource().ClientID {
		t.Fatalf("unexpected resources %+v", resources)
	}
}
