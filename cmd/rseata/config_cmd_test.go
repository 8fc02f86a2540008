package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"pkt.systems/rseata"
)

func TestConfigGenStdout(t *testing.T) {
	t.Setenv("RSEATA_CONFIG", "")

	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var got configDefaults
	if err := yaml.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("parse generated yaml: %v", err)
	}
	if got.Listen != rseata.DefaultListen || got.Archive != rseata.DefaultArchive {
		t.Fatalf("unexpected defaults: %+v", got)
	}
	if got.SweeperInterval != rseata.DefaultSweeperInterval.String() {
		t.Fatalf("unexpected sweeper interval %q", got.SweeperInterval)
	}
	if got.JSONMax != "1.0MB" {
		t.Fatalf("unexpected json-max %q", got.JSONMax)
	}
}

func TestConfigGenRefusesOverwrite(t *testing.T) {
	t.Setenv("RSEATA_CONFIG", "")
	out := filepath.Join(t.TempDir(), "nested", "server.yaml")

	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err != nil {
		t.Fatalf("first gen: %v", err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("expected config file: %v", err)
	}
	_, _, err := executeRootCommand(t, "config", "gen", "--out", out)
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--force"); err != nil {
		t.Fatalf("forced gen: %v", err)
	}
}

func TestConfigGenOverrides(t *testing.T) {
	data, err := defaultConfigYAML(func(d *configDefaults) { d.Archive = "disk:///srv/rseata" })
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if !strings.Contains(string(data), "archive: disk:///srv/rseata") {
		t.Fatalf("expected override in output:\n%s", data)
	}
}
