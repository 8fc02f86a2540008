package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"pkt.systems/pslog"

	"pkt.systems/rseata"
)

func TestInvocationTargetsRootCommand(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(io.Discard))
	cases := []struct {
		name string
		args []string
		want bool
	}{
		{name: "no args", args: nil, want: true},
		{name: "root flag only", args: []string{"--archive", "mem://"}, want: true},
		{name: "root flag with equals", args: []string{"--listen=:9000"}, want: true},
		{name: "root shorthand with value", args: []string{"-c", "/tmp/cfg.yaml"}, want: true},
		{name: "subcommand", args: []string{"client", "status"}, want: false},
		{name: "subcommand after root flag", args: []string{"--config", "/tmp/cfg.yaml", "version"}, want: false},
		{name: "unknown shorthand no subcommand", args: []string{"-z"}, want: true},
		{name: "unknown shorthand before subcommand", args: []string{"-z", "client", "begin"}, want: false},
		{name: "unknown long before subcommand", args: []string{"--bogus", "config", "gen"}, want: false},
		{name: "terminator", args: []string{"--", "version"}, want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := invocationTargetsRootCommand(root, tc.args)
			if got != tc.want {
				t.Fatalf("invocationTargetsRootCommand(%v)=%v want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestSubmainInvalidFlagLikeTokenBeforeSubcommand(t *testing.T) {
	origArgs := os.Args
	defer func() { os.Args = origArgs }()
	os.Args = []string{"rseata", "-z", "client", "begin"}

	stderr := captureStderr(t, func() {
		exitCode := submain(context.Background())
		if exitCode != 1 {
			t.Fatalf("submain() exitCode=%d want 1", exitCode)
		}
	})
	if !strings.Contains(stderr, `unknown command "begin" for "rseata"`) {
		t.Fatalf("expected parser failure routed to stderr, got %q", stderr)
	}
}

func TestBindConfigReadsFlagsAndFile(t *testing.T) {
	t.Setenv("RSEATA_CONFIG", "")
	root := newRootCommand(pslog.NewStructured(io.Discard))
	path := filepath.Join(t.TempDir(), rseata.DefaultConfigFileName)
	data := "archive: disk:///var/lib/rseata\narchive-key-file: /etc/rseata/archive.pem\nsweeper-interval: 250ms\njson-max: 2MB\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := root.ParseFlags([]string{"--config", path, "--default-timeout", "45s"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	defer viper.Reset()
	loaded, err := loadConfigFile()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if loaded != path {
		t.Fatalf("expected %s loaded, got %s", path, loaded)
	}
	var cfg rseata.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bind config: %v", err)
	}
	if cfg.Archive != "disk:///var/lib/rseata" {
		t.Fatalf("unexpected archive %q", cfg.Archive)
	}
	if cfg.ArchiveKeyFile != "/etc/rseata/archive.pem" {
		t.Fatalf("unexpected archive key file %q", cfg.ArchiveKeyFile)
	}
	if cfg.SweeperInterval != 250*time.Millisecond {
		t.Fatalf("unexpected sweeper interval %s", cfg.SweeperInterval)
	}
	if cfg.DefaultTimeout != 45*time.Second {
		t.Fatalf("expected flag to win, got %s", cfg.DefaultTimeout)
	}
	if cfg.JSONMaxBytes != 2_000_000 {
		t.Fatalf("unexpected json max %d", cfg.JSONMaxBytes)
	}
	if !cfg.DrainGraceSet {
		t.Fatal("expected drain grace to be marked as set")
	}
}

func TestLoadConfigFileMissingExplicit(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(io.Discard))
	missing := filepath.Join(t.TempDir(), "missing.yaml")
	if err := root.ParseFlags([]string{"--config", missing}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	defer viper.Reset()
	if _, err := loadConfigFile(); err == nil {
		t.Fatal("expected explicit missing config to fail")
	}
}

func TestExpandPathHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	got, err := expandPath("~/.rseata/server.yaml")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if want := filepath.Join(home, ".rseata", "server.yaml"); got != want {
		t.Fatalf("expandPath=%s want %s", got, want)
	}
}

func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stderr
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()
	os.Stderr = w
	defer func() {
		os.Stderr = orig
	}()

	done := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(r)
		done <- string(data)
	}()

	fn()
	_ = w.Close()
	return <-done
}
