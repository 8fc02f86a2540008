package rseata

import (
	"path/filepath"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("expected listen default %q, got %q", DefaultListen, cfg.Listen)
	}
	if cfg.ListenProto != "tcp" {
		t.Fatalf("expected listen proto default tcp, got %s", cfg.ListenProto)
	}
	if cfg.Archive != DefaultArchive {
		t.Fatalf("expected archive default %q, got %q", DefaultArchive, cfg.Archive)
	}
	if cfg.JSONMaxBytes != DefaultJSONMaxBytes {
		t.Fatal("expected json max default")
	}
	if cfg.DefaultTimeout != DefaultGlobalTimeout || cfg.SweeperInterval != DefaultSweeperInterval {
		t.Fatalf("expected timeout defaults, got %s / %s", cfg.DefaultTimeout, cfg.SweeperInterval)
	}
	if cfg.BranchAckTimeout != DefaultBranchAckTimeout {
		t.Fatalf("expected ack timeout default, got %s", cfg.BranchAckTimeout)
	}
	if cfg.InstructionQueueSize != 128 || cfg.InstructionHeartbeat != 15*time.Second {
		t.Fatalf("unexpected instruction defaults %d / %s", cfg.InstructionQueueSize, cfg.InstructionHeartbeat)
	}
	if cfg.AuditSize != 300 {
		t.Fatalf("expected audit size 300, got %d", cfg.AuditSize)
	}
	if cfg.HTTP2MaxConcurrentStreams != DefaultMaxConcurrentStreams {
		t.Fatalf("expected http2 max concurrent streams default %d, got %d", DefaultMaxConcurrentStreams, cfg.HTTP2MaxConcurrentStreams)
	}
	if cfg.StorageRetryMaxAttempts <= 0 || cfg.StorageRetryBaseDelay <= 0 || cfg.StorageRetryMultiplier <= 0 {
		t.Fatal("expected storage retry defaults")
	}
	if cfg.DispatchMaxAttempts <= 0 || cfg.DispatchMultiplier < 1 {
		t.Fatal("expected dispatch retry defaults")
	}
	if cfg.DisableLockOnRegister {
		t.Fatal("expected lock on register enabled by default")
	}
	if cfg.DrainGrace != DefaultDrainGrace || cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatalf("unexpected shutdown defaults %s / %s", cfg.DrainGrace, cfg.ShutdownTimeout)
	}
}

func TestConfigDrainGraceExplicitZero(t *testing.T) {
	cfg := Config{DrainGrace: 0, DrainGraceSet: true}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.DrainGrace != 0 {
		t.Fatalf("expected drain grace to stay 0, got %s", cfg.DrainGrace)
	}
	cfg = Config{DrainGrace: time.Minute, ShutdownTimeout: 5 * time.Second}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.DrainGrace != 5*time.Second {
		t.Fatalf("drain grace must not exceed shutdown timeout, got %s", cfg.DrainGrace)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	cases := map[string]Config{
		"archive scheme":       {Archive: "ftp://host/bucket"},
		"listen proto":         {ListenProto: "udp"},
		"profiling metrics":    {EnableProfilingMetrics: true},
		"disk retention":       {DiskRetention: -time.Second},
		"storage retry delays": {StorageRetryBaseDelay: time.Second, StorageRetryMaxDelay: time.Millisecond},
		"dispatch multiplier":  {DispatchMultiplier: 0.5},
		"http2 streams":        {HTTP2MaxConcurrentStreams: -1},
		"drain grace":          {DrainGrace: -time.Second},
	}
	for name, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RSEATA_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("config dir: %v", err)
	}
	if got != dir {
		t.Fatalf("expected %q, got %q", dir, got)
	}
	path, err := DefaultConfigPath()
	if err != nil {
		t.Fatalf("config path: %v", err)
	}
	if path != filepath.Join(dir, DefaultConfigFileName) {
		t.Fatalf("unexpected config path %q", path)
	}
}
