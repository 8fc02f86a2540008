package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"

	"pkt.systems/rseata"
	"pkt.systems/rseata/internal/loggingutil"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("RSEATA_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "rseata")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				loggingutil.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server rather
// than a subcommand, so failures are logged instead of printed.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	if len(args) == 0 {
		return true
	}
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	remainingHasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "--") {
			if strings.IndexByte(arg, '=') >= 0 {
				i++
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !remainingHasSubcommand(args[i+1:])
			}
			i++
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
			continue
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			sh := strings.TrimPrefix(arg, "-")
			consumeNext := false
			for idx, ch := range sh {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !remainingHasSubcommand(args[i+1:])
				}
				if flag.NoOptDefVal == "" {
					if idx == len(sh)-1 {
						consumeNext = true
					}
					break
				}
			}
			i++
			if consumeNext && i < len(args) {
				i++
			}
			continue
		}
		return !isSubcommandToken(root, arg)
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if candidate, err := rseata.DefaultConfigPath(); err == nil {
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg rseata.Config

	cmd := &cobra.Command{
		Use:           "rseata",
		Short:         "rseata is a two-phase-commit transaction coordinator for AT and XA resource managers",
		SilenceErrors: true,
		Example: `
  # In-memory archive (tests/dev only)
  rseata --archive mem://

  # Archive terminal sessions on local disk, keep them for a week
  rseata --archive disk:///var/lib/rseata --disk-retention 168h

  # Encrypt archived sessions at rest (key bundle is minted on first start)
  rseata --archive disk:///var/lib/rseata --archive-key-file /etc/rseata/archive.pem

  # MinIO archive (TLS on by default; append ?insecure=1 for HTTP)
  RSEATA_ARCHIVE=s3://localhost:9000/rseata?insecure=1 RSEATA_S3_ACCESS_KEY_ID=minioadmin RSEATA_S3_SECRET_ACCESS_KEY=minioadmin rseata

  # AWS S3 archive (expects AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY)
  RSEATA_ARCHIVE=aws://my-bucket/tc RSEATA_AWS_REGION=eu-north-1 rseata
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			loggingutil.WithSubsystem(logger, "server.lifecycle.init").WithLogLevel().Info(
				"welcome to rseata",
				"app", "rseata",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = loggingutil.WithSubsystem(logger, "cli.root")
			} else {
				return fmt.Errorf("invalid log level %q", logLevel)
			}

			server, err := rseata.NewServer(cfg, rseata.WithLogger(logger))
			if err != nil {
				return err
			}
			shutdownTimeout := cfg.ShutdownTimeout
			if shutdownTimeout <= 0 {
				shutdownTimeout = rseata.DefaultShutdownTimeout
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			if configFile != "" && viper.GetBool("watch-config") {
				watcher, err := rseata.WatchConfigFile(ctx, configFile, logger, func() {
					reloadTunables(server, cliLogger)
				})
				if err != nil {
					cliLogger.Warn("config watch disabled", "path", configFile, "error", err)
				} else {
					defer watcher.Close()
				}
			}

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			err = server.Start()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.rseata/"+rseata.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", rseata.DefaultListen, "listen address")
	flags.String("listen-proto", rseata.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.String("metrics-listen", rseata.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", rseata.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("archive", rseata.DefaultArchive, "terminal session archive URL (mem://, disk:///path, s3://host[:port]/bucket, aws://bucket, azure://account/container)")
	flags.String("archive-key-file", "", "kryptograf key bundle that encrypts archived sessions (created if missing)")
	flags.Duration("disk-retention", 0, "expire archived sessions on disk after this long (0 keeps them)")
	flags.Duration("disk-janitor-interval", 0, "disk retention sweep interval (0 derives from retention)")
	flags.String("s3-access-key-id", "", "access key for s3:// archives")
	flags.String("s3-secret-access-key", "", "secret key for s3:// archives")
	flags.String("s3-session-token", "", "session token for s3:// archives")
	flags.String("aws-region", "", "region for aws:// archives")
	flags.String("azure-account", "", "storage account for azure:// archives")
	flags.String("azure-key", "", "storage account key for azure:// archives")
	flags.String("azure-endpoint", "", "blob endpoint override for azure:// archives")
	flags.String("azure-sas-token", "", "SAS token for azure:// archives")
	flags.Int("storage-retry-attempts", rseata.DefaultStorageRetryMaxAttempts, "archive backend attempts per operation")
	flags.Duration("storage-retry-base-delay", rseata.DefaultStorageRetryBaseDelay, "first archive retry delay")
	flags.Duration("storage-retry-max-delay", rseata.DefaultStorageRetryMaxDelay, "maximum archive retry delay")
	flags.Float64("storage-retry-multiplier", rseata.DefaultStorageRetryMultiplier, "archive retry backoff multiplier")
	flags.Duration("default-timeout", rseata.DefaultGlobalTimeout, "global transaction timeout when begin omits one (reloadable)")
	flags.Duration("sweeper-interval", rseata.DefaultSweeperInterval, "interval between timeout sweeps (reloadable)")
	flags.Bool("disable-lock-on-register", false, "register AT branches without acquiring their row locks")
	flags.Duration("branch-ack-timeout", rseata.DefaultBranchAckTimeout, "wait for a resource manager's phase two report (negative sends without waiting)")
	flags.Duration("phase-two-timeout", rseata.DefaultPhaseTwoTimeout, "deadline for one commit or rollback fan-out")
	flags.Int("dispatch-attempts", rseata.DefaultDispatchMaxAttempts, "phase two sends per branch before giving up")
	flags.Duration("dispatch-base-delay", rseata.DefaultDispatchBaseDelay, "first delay between phase two sends")
	flags.Duration("dispatch-max-delay", rseata.DefaultDispatchMaxDelay, "maximum delay between phase two sends")
	flags.Float64("dispatch-multiplier", rseata.DefaultDispatchMultiplier, "phase two send backoff multiplier")
	flags.Int("instruction-queue-size", rseata.DefaultInstructionQueueSize, "undelivered instructions kept per resource connection")
	flags.Duration("instruction-heartbeat", rseata.DefaultInstructionHeartbeat, "ping interval on instruction streams")
	flags.Int("event-queue-size", rseata.DefaultEventQueueSize, "undelivered events kept on the event bus")
	flags.Int("audit-size", rseata.DefaultAuditSize, "events retained for the audit endpoint")
	flags.String("json-max", humanizeBytes(rseata.DefaultJSONMaxBytes), "maximum JSON request body size")
	flags.Int("http2-max-concurrent-streams", rseata.DefaultMaxConcurrentStreams, "HTTP/2 concurrent streams per connection")
	flags.Duration("drain-grace", rseata.DefaultDrainGrace, "pause between announcing shutdown and closing instruction streams")
	flags.Duration("shutdown-timeout", rseata.DefaultShutdownTimeout, "maximum graceful shutdown duration")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("disable-http-tracing", false, "disable OpenTelemetry spans for HTTP handlers")
	flags.Bool("disable-storage-tracing", false, "disable logging and tracing wrappers around storage")
	flags.Bool("watch-config", true, "reload tunables when the config file changes")
	flags.String("log-level", "info", "server log level (trace|debug|info|warn|error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("RSEATA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"listen", "listen-proto", "metrics-listen", "pprof-listen", "enable-profiling-metrics",
		"archive", "archive-key-file", "disk-retention", "disk-janitor-interval",
		"s3-access-key-id", "s3-secret-access-key", "s3-session-token", "aws-region",
		"azure-account", "azure-key", "azure-endpoint", "azure-sas-token",
		"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier",
		"default-timeout", "sweeper-interval", "disable-lock-on-register", "branch-ack-timeout",
		"phase-two-timeout", "dispatch-attempts", "dispatch-base-delay", "dispatch-max-delay", "dispatch-multiplier",
		"instruction-queue-size", "instruction-heartbeat", "event-queue-size", "audit-size",
		"json-max", "http2-max-concurrent-streams", "drain-grace", "shutdown-timeout",
		"otlp-endpoint", "disable-http-tracing", "disable-storage-tracing", "watch-config", "log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newVerifyCommand())
	cmd.AddCommand(newClientCommand())
	return cmd
}

func bindConfig(cfg *rseata.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.Archive = viper.GetString("archive")
	cfg.ArchiveKeyFile = viper.GetString("archive-key-file")
	cfg.DiskRetention = viper.GetDuration("disk-retention")
	cfg.DiskJanitorInterval = viper.GetDuration("disk-janitor-interval")
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	cfg.AWSRegion = viper.GetString("aws-region")
	cfg.AzureAccount = viper.GetString("azure-account")
	cfg.AzureAccountKey = viper.GetString("azure-key")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")
	cfg.StorageRetryMaxAttempts = viper.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = viper.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = viper.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = viper.GetFloat64("storage-retry-multiplier")
	cfg.DefaultTimeout = viper.GetDuration("default-timeout")
	cfg.SweeperInterval = viper.GetDuration("sweeper-interval")
	cfg.DisableLockOnRegister = viper.GetBool("disable-lock-on-register")
	cfg.BranchAckTimeout = viper.GetDuration("branch-ack-timeout")
	cfg.PhaseTwoTimeout = viper.GetDuration("phase-two-timeout")
	cfg.DispatchMaxAttempts = viper.GetInt("dispatch-attempts")
	cfg.DispatchBaseDelay = viper.GetDuration("dispatch-base-delay")
	cfg.DispatchMaxDelay = viper.GetDuration("dispatch-max-delay")
	cfg.DispatchMultiplier = viper.GetFloat64("dispatch-multiplier")
	cfg.InstructionQueueSize = viper.GetInt("instruction-queue-size")
	cfg.InstructionHeartbeat = viper.GetDuration("instruction-heartbeat")
	cfg.EventQueueSize = viper.GetInt("event-queue-size")
	cfg.AuditSize = viper.GetInt("audit-size")
	if maxBytes := strings.TrimSpace(viper.GetString("json-max")); maxBytes != "" {
		size, err := humanize.ParseBytes(maxBytes)
		if err != nil {
			return fmt.Errorf("parse json-max: %w", err)
		}
		cfg.JSONMaxBytes = int64(size)
	}
	cfg.HTTP2MaxConcurrentStreams = viper.GetInt("http2-max-concurrent-streams")
	cfg.DrainGrace = viper.GetDuration("drain-grace")
	cfg.DrainGraceSet = true
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.DisableHTTPTracing = viper.GetBool("disable-http-tracing")
	cfg.DisableStorageTracing = viper.GetBool("disable-storage-tracing")
	return nil
}

// reloadTunables re-reads the config file and applies the settings that
// can change at runtime.
func reloadTunables(server *rseata.Server, logger pslog.Logger) {
	if err := viper.ReadInConfig(); err != nil {
		logger.Warn("config reload failed", "error", err)
		return
	}
	server.ApplyTunables(rseata.Tunables{
		SweeperInterval: viper.GetDuration("sweeper-interval"),
		DefaultTimeout:  viper.GetDuration("default-timeout"),
	})
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
