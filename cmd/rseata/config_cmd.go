package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/rseata"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage rseata configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.rseata/" + rseata.DefaultConfigFileName
	if path, err := rseata.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default rseata configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				path, err := rseata.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Listen                    string  `yaml:"listen"`
	ListenProto               string  `yaml:"listen-proto"`
	MetricsListen             string  `yaml:"metrics-listen"`
	PprofListen               string  `yaml:"pprof-listen"`
	Archive                   string  `yaml:"archive"`
	ArchiveKeyFile            string  `yaml:"archive-key-file"`
	DiskRetention             string  `yaml:"disk-retention"`
	AWSRegion                 string  `yaml:"aws-region"`
	StorageRetryMaxAttempts   int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay     string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay      string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier    float64 `yaml:"storage-retry-multiplier"`
	DefaultTimeout            string  `yaml:"default-timeout"`
	SweeperInterval           string  `yaml:"sweeper-interval"`
	DisableLockOnRegister     bool    `yaml:"disable-lock-on-register"`
	BranchAckTimeout          string  `yaml:"branch-ack-timeout"`
	PhaseTwoTimeout           string  `yaml:"phase-two-timeout"`
	DispatchMaxAttempts       int     `yaml:"dispatch-attempts"`
	DispatchBaseDelay         string  `yaml:"dispatch-base-delay"`
	DispatchMaxDelay          string  `yaml:"dispatch-max-delay"`
	DispatchMultiplier        float64 `yaml:"dispatch-multiplier"`
	InstructionQueueSize      int     `yaml:"instruction-queue-size"`
	InstructionHeartbeat      string  `yaml:"instruction-heartbeat"`
	EventQueueSize            int     `yaml:"event-queue-size"`
	AuditSize                 int     `yaml:"audit-size"`
	JSONMax                   string  `yaml:"json-max"`
	HTTP2MaxConcurrentStreams int     `yaml:"http2-max-concurrent-streams"`
	DrainGrace                string  `yaml:"drain-grace"`
	ShutdownTimeout           string  `yaml:"shutdown-timeout"`
	OTLPEndpoint              string  `yaml:"otlp-endpoint"`
	WatchConfig               bool    `yaml:"watch-config"`
	LogLevel                  string  `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:                    rseata.DefaultListen,
		ListenProto:               rseata.DefaultListenProto,
		MetricsListen:             rseata.DefaultMetricsListen,
		PprofListen:               rseata.DefaultPprofListen,
		Archive:                   rseata.DefaultArchive,
		DiskRetention:             "0s",
		StorageRetryMaxAttempts:   rseata.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:     rseata.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:      rseata.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier:    rseata.DefaultStorageRetryMultiplier,
		DefaultTimeout:            rseata.DefaultGlobalTimeout.String(),
		SweeperInterval:           rseata.DefaultSweeperInterval.String(),
		BranchAckTimeout:          rseata.DefaultBranchAckTimeout.String(),
		PhaseTwoTimeout:           rseata.DefaultPhaseTwoTimeout.String(),
		DispatchMaxAttempts:       rseata.DefaultDispatchMaxAttempts,
		DispatchBaseDelay:         rseata.DefaultDispatchBaseDelay.String(),
		DispatchMaxDelay:          rseata.DefaultDispatchMaxDelay.String(),
		DispatchMultiplier:        rseata.DefaultDispatchMultiplier,
		InstructionQueueSize:      rseata.DefaultInstructionQueueSize,
		InstructionHeartbeat:      rseata.DefaultInstructionHeartbeat.String(),
		EventQueueSize:            rseata.DefaultEventQueueSize,
		AuditSize:                 rseata.DefaultAuditSize,
		JSONMax:                   humanizeBytes(rseata.DefaultJSONMaxBytes),
		HTTP2MaxConcurrentStreams: rseata.DefaultMaxConcurrentStreams,
		DrainGrace:                rseata.DefaultDrainGrace.String(),
		ShutdownTimeout:           rseata.DefaultShutdownTimeout.String(),
		WatchConfig:               true,
		LogLevel:                  "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
