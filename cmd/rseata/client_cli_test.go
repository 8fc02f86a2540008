package main

import (
	"strings"
	"testing"

	"pkt.systems/rseata"
)

func exportedValue(t *testing.T, output, name string) string {
	t.Helper()
	prefix := "export " + name + "="
	for _, line := range strings.Split(output, "\n") {
		if strings.HasPrefix(line, prefix) {
			return strings.Trim(strings.TrimPrefix(line, prefix), `"`)
		}
	}
	t.Fatalf("missing %s in output %q", name, output)
	return ""
}

func TestClientBeginStatusCommit(t *testing.T) {
	t.Setenv("RSEATA_CONFIG", "")
	t.Setenv(envXid, "")
	ts := rseata.StartTestServer(t)

	stdout, _, err := executeRootCommand(t, "client", "--server", ts.URL(), "begin", "--name", "cli", "--txn-timeout", "30s")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	xid := exportedValue(t, stdout, envXid)
	if server := exportedValue(t, stdout, envServerURL); server != ts.URL() {
		t.Fatalf("expected exported server %s, got %s", ts.URL(), server)
	}

	stdout, _, err = executeRootCommand(t, "client", "--server", ts.URL(), "status", xid)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if want := xid + " Begin\n"; stdout != want {
		t.Fatalf("status output %q want %q", stdout, want)
	}

	t.Setenv(envXid, xid)
	stdout, _, err = executeRootCommand(t, "client", "--server", ts.URL(), "commit")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if want := xid + " Committed\n"; stdout != want {
		t.Fatalf("commit output %q want %q", stdout, want)
	}

	stdout, _, err = executeRootCommand(t, "client", "--server", ts.URL(), "audit", "--limit", "10")
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if !strings.Contains(stdout, "global_begin\t"+xid) {
		t.Fatalf("expected begin event in audit output %q", stdout)
	}
}

func TestClientReportRejectsUnknownStatus(t *testing.T) {
	t.Setenv("RSEATA_CONFIG", "")
	ts := rseata.StartTestServer(t)

	_, _, err := executeRootCommand(t, "client", "--server", ts.URL(), "report", "some-xid", "--status", "Sideways")
	if err == nil || !strings.Contains(err.Error(), "unknown global status") {
		t.Fatalf("expected unknown status error, got %v", err)
	}
}

func TestClientStatusUnknownXid(t *testing.T) {
	t.Setenv("RSEATA_CONFIG", "")
	ts := rseata.StartTestServer(t)

	if _, _, err := executeRootCommand(t, "client", "--server", ts.URL(), "status", "127.0.0.1:8091:42"); err == nil {
		t.Fatal("expected unknown xid to fail")
	}
}

func TestResolveXid(t *testing.T) {
	t.Setenv(envXid, "")
	if _, err := resolveXid(nil); err == nil {
		t.Fatal("expected missing xid to fail")
	}
	t.Setenv(envXid, "from-env")
	if xid, err := resolveXid(nil); err != nil || xid != "from-env" {
		t.Fatalf("resolveXid(env)=%q,%v", xid, err)
	}
	if xid, err := resolveXid([]string{"from-arg"}); err != nil || xid != "from-arg" {
		t.Fatalf("resolveXid(arg)=%q,%v", xid, err)
	}
}

func TestClientSetupLoggerRejectsBadLevel(t *testing.T) {
	cfg := &clientCLIConfig{logLevel: "loud"}
	if err := cfg.setupLogger(); err == nil {
		t.Fatal("expected invalid level to fail")
	}
}
