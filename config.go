package rseata

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultListen is the default TC bind address.
	DefaultListen = ":8091"
	// DefaultListenProto is the default listener network.
	DefaultListenProto = "tcp"
	// DefaultMetricsListen is the default Prometheus scrape address (disabled).
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof address (disabled).
	DefaultPprofListen = ""
	// DefaultArchive keeps terminal sessions in memory.
	DefaultArchive = "mem://"
	// DefaultJSONMaxBytes caps request bodies.
	DefaultJSONMaxBytes = 1 << 20
	// DefaultGlobalTimeout applies to Begin requests that omit a timeout.
	DefaultGlobalTimeout = 60 * time.Second
	// DefaultSweeperInterval controls how often timed out sessions are rolled back.
	DefaultSweeperInterval = time.Second
	// DefaultBranchAckTimeout bounds the wait for a resource manager's phase two report.
	DefaultBranchAckTimeout = 10 * time.Second
	// DefaultInstructionQueueSize bounds undelivered instructions per resource connection.
	DefaultInstructionQueueSize = 128
	// DefaultInstructionHeartbeat is the ping interval on instruction streams.
	DefaultInstructionHeartbeat = 15 * time.Second
	// DefaultEventQueueSize bounds undelivered events on the event bus.
	DefaultEventQueueSize = 1024
	// DefaultAuditSize is the number of events kept for GET /v1/audit.
	DefaultAuditSize = 300
	// DefaultDrainGrace is the pause between announcing a drain and closing streams.
	DefaultDrainGrace = 2 * time.Second
	// DefaultShutdownTimeout caps total graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultMaxConcurrentStreams caps HTTP/2 streams per connection.
	DefaultMaxConcurrentStreams = 1024
	// DefaultPhaseTwoTimeout bounds one commit or rollback fan-out, independent of the caller.
	DefaultPhaseTwoTimeout = 2 * time.Minute
	// DefaultDispatchMaxAttempts is the number of phase two sends per branch.
	DefaultDispatchMaxAttempts = 3
	// DefaultDispatchBaseDelay is the first pause between phase two sends.
	DefaultDispatchBaseDelay = 100 * time.Millisecond
	// DefaultDispatchMaxDelay caps the pause between phase two sends.
	DefaultDispatchMaxDelay = 2 * time.Second
	// DefaultDispatchMultiplier grows the pause between phase two sends.
	DefaultDispatchMultiplier = 2.0
	// DefaultStorageRetryMaxAttempts is the number of archive backend attempts.
	DefaultStorageRetryMaxAttempts = 6
	// DefaultStorageRetryBaseDelay is the first archive retry pause.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the archive retry pause.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier grows the archive retry pause.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultConfigFileName is the config file looked up in DefaultConfigDir.
	DefaultConfigFileName = "server.yaml"
)

// Config captures the TC server configuration.
type Config struct {
	// Listen is the server bind address (for example ":8091").
	Listen string
	// ListenProto selects listener type (tcp, tcp4, tcp6 or unix).
	ListenProto string
	// MetricsListen is the Prometheus endpoint bind address; empty disables metrics.
	MetricsListen string
	// PprofListen is the pprof endpoint bind address; empty disables pprof.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the metrics endpoint.
	EnableProfilingMetrics bool

	// Archive is the terminal session archive URL (mem://, disk:///path,
	// s3://host[:port]/bucket[/prefix], aws://bucket[/prefix],
	// azure://account/container[/prefix]).
	Archive string
	// ArchiveKeyFile names a kryptograf PEM key bundle. When set, archived
	// sessions are encrypted at rest; the bundle is created on first start.
	ArchiveKeyFile string
	// DiskRetention expires archived sessions on disk; zero keeps them.
	DiskRetention time.Duration
	// DiskJanitorInterval overrides the disk retention sweep cadence.
	DiskJanitorInterval time.Duration
	// S3AccessKeyID, S3SecretAccessKey and S3SessionToken authenticate s3:// archives.
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	// AWSRegion is required for aws:// archives unless the URL names one.
	AWSRegion string
	// AzureAccount, AzureAccountKey, AzureEndpoint and AzureSASToken configure azure:// archives.
	AzureAccount    string
	AzureAccountKey string
	AzureEndpoint   string
	AzureSASToken   string

	// StorageRetryMaxAttempts caps archive backend attempts per operation.
	StorageRetryMaxAttempts int
	// StorageRetryBaseDelay is the first backoff between archive attempts.
	StorageRetryBaseDelay time.Duration
	// StorageRetryMaxDelay caps archive backoff.
	StorageRetryMaxDelay time.Duration
	// StorageRetryMultiplier grows archive backoff.
	StorageRetryMultiplier float64

	// DefaultTimeout applies to Begin requests without a timeout.
	DefaultTimeout time.Duration
	// SweeperInterval controls the timeout sweep cadence.
	SweeperInterval time.Duration
	// DisableLockOnRegister registers AT branches without acquiring their lock keys.
	DisableLockOnRegister bool
	// BranchAckTimeout bounds the wait for phase two reports; negative sends without waiting.
	BranchAckTimeout time.Duration
	// PhaseTwoTimeout bounds one commit or rollback fan-out. Caller
	// cancellation does not interrupt a fan-out.
	PhaseTwoTimeout time.Duration
	// DispatchMaxAttempts caps phase two sends per branch.
	DispatchMaxAttempts int
	// DispatchBaseDelay is the first pause between phase two sends.
	DispatchBaseDelay time.Duration
	// DispatchMaxDelay caps the pause between phase two sends.
	DispatchMaxDelay time.Duration
	// DispatchMultiplier grows the pause between phase two sends.
	DispatchMultiplier float64

	// InstructionQueueSize bounds undelivered instructions per resource connection.
	InstructionQueueSize int
	// InstructionHeartbeat is the ping interval on instruction streams.
	InstructionHeartbeat time.Duration
	// EventQueueSize bounds undelivered events.
	EventQueueSize int
	// AuditSize is the number of events kept for the audit endpoint.
	AuditSize int
	// JSONMaxBytes caps incoming JSON payload size.
	JSONMaxBytes int64
	// HTTP2MaxConcurrentStreams sets HTTP/2 MaxConcurrentStreams; 0 uses default.
	HTTP2MaxConcurrentStreams int

	// DrainGrace is the pause between announcing a drain and closing instruction streams.
	DrainGrace time.Duration
	// DrainGraceSet reports whether DrainGrace was explicitly set.
	DrainGraceSet bool
	// ShutdownTimeout caps total graceful shutdown duration.
	ShutdownTimeout time.Duration

	// OTLPEndpoint enables OTLP trace export to the given collector endpoint.
	OTLPEndpoint string
	// DisableHTTPTracing disables OpenTelemetry spans for HTTP handlers.
	DisableHTTPTracing bool
	// DisableStorageTracing disables the logging and tracing wrappers around storage.
	DisableStorageTracing bool
}

// Validate applies defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("config: unsupported listen proto %q", c.ListenProto)
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	c.Archive = strings.TrimSpace(c.Archive)
	if c.Archive == "" {
		c.Archive = DefaultArchive
	}
	u, err := url.Parse(c.Archive)
	if err != nil {
		return fmt.Errorf("config: parse archive URL: %w", err)
	}
	switch u.Scheme {
	case "mem", "memory", "disk", "s3", "aws", "azure":
	default:
		return fmt.Errorf("config: archive scheme %q not supported", u.Scheme)
	}
	c.ArchiveKeyFile = strings.TrimSpace(c.ArchiveKeyFile)
	if c.DiskRetention < 0 {
		return fmt.Errorf("config: disk retention must be >= 0")
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMultiplier <= 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	if c.StorageRetryMaxDelay < c.StorageRetryBaseDelay {
		return fmt.Errorf("config: storage retry max delay must be >= base delay")
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultGlobalTimeout
	}
	if c.SweeperInterval <= 0 {
		c.SweeperInterval = DefaultSweeperInterval
	}
	if c.BranchAckTimeout == 0 {
		c.BranchAckTimeout = DefaultBranchAckTimeout
	}
	if c.PhaseTwoTimeout <= 0 {
		c.PhaseTwoTimeout = DefaultPhaseTwoTimeout
	}
	if c.DispatchMaxAttempts <= 0 {
		c.DispatchMaxAttempts = DefaultDispatchMaxAttempts
	}
	if c.DispatchBaseDelay <= 0 {
		c.DispatchBaseDelay = DefaultDispatchBaseDelay
	}
	if c.DispatchMaxDelay <= 0 {
		c.DispatchMaxDelay = DefaultDispatchMaxDelay
	}
	if c.DispatchMultiplier <= 0 {
		c.DispatchMultiplier = DefaultDispatchMultiplier
	}
	if c.DispatchMultiplier < 1 {
		return fmt.Errorf("config: dispatch multiplier must be >= 1")
	}
	if c.InstructionQueueSize <= 0 {
		c.InstructionQueueSize = DefaultInstructionQueueSize
	}
	if c.InstructionHeartbeat <= 0 {
		c.InstructionHeartbeat = DefaultInstructionHeartbeat
	}
	if c.EventQueueSize <= 0 {
		c.EventQueueSize = DefaultEventQueueSize
	}
	if c.AuditSize <= 0 {
		c.AuditSize = DefaultAuditSize
	}
	if c.JSONMaxBytes <= 0 {
		c.JSONMaxBytes = DefaultJSONMaxBytes
	}
	if c.HTTP2MaxConcurrentStreams < 0 {
		return fmt.Errorf("config: http2 max concurrent streams must be >= 0")
	}
	if c.HTTP2MaxConcurrentStreams == 0 {
		c.HTTP2MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}
	if c.DrainGrace < 0 {
		return fmt.Errorf("config: drain grace must be >= 0")
	}
	if !c.DrainGraceSet && c.DrainGrace == 0 {
		c.DrainGrace = DefaultDrainGrace
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("config: shutdown timeout must be >= 0")
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.DrainGrace > c.ShutdownTimeout {
		c.DrainGrace = c.ShutdownTimeout
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.rseata).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("RSEATA_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".rseata"), nil
}

// DefaultConfigPath returns DefaultConfigFileName inside DefaultConfigDir.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
