package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"

	"pkt.systems/rseata/api"
	rseataclient "pkt.systems/rseata/client"
	"pkt.systems/rseata/internal/loggingutil"
	"pkt.systems/rseata/internal/txn"
)

const (
	clientServerKey    = "client.server"
	clientTimeoutKey   = "client.timeout"
	clientLogLevelKey  = "client.log_level"
	clientLogOutputKey = "client.log_output"

	envXid       = "RSEATA_XID"
	envServerURL = "RSEATA_CLIENT_SERVER"

	defaultClientServer = "http://127.0.0.1:" + rseataclient.DefaultPort
)

type outputMode string

const (
	outputText outputMode = "text"
	outputJSON outputMode = "json"
)

func newClientCommand() *cobra.Command {
	cfg := &clientCLIConfig{}
	var verbose bool
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Drive global transactions on a running rseata server",
	}

	flags := cmd.PersistentFlags()
	flags.StringP("server", "s", defaultClientServer, "rseata server base URL")
	flags.Duration("timeout", rseataclient.DefaultHTTPTimeout, "HTTP client timeout")
	flags.String("log-level", "none", "client log level (trace|debug|info|warn|error|none)")
	flags.String("log-output", "", "client log output path (default stderr)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable verbose (trace) client logging")

	mustBindFlag(clientServerKey, envServerURL, flags.Lookup("server"))
	mustBindFlag(clientTimeoutKey, "RSEATA_CLIENT_TIMEOUT", flags.Lookup("timeout"))
	mustBindFlag(clientLogLevelKey, "RSEATA_CLIENT_LOG_LEVEL", flags.Lookup("log-level"))
	mustBindFlag(clientLogOutputKey, "RSEATA_CLIENT_LOG_OUTPUT", flags.Lookup("log-output"))

	cfg.verboseFlag = &verbose

	cmd.AddCommand(
		newClientBeginCommand(cfg),
		newClientCommitCommand(cfg),
		newClientRollbackCommand(cfg),
		newClientStatusCommand(cfg),
		newClientReportCommand(cfg),
		newClientLockQueryCommand(cfg),
		newClientResourcesCommand(cfg),
		newClientAuditCommand(cfg),
	)
	return cmd
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

type clientCLIConfig struct {
	loaded      bool
	server      string
	timeout     time.Duration
	logLevel    string
	logOutput   string
	logger      pslog.Logger
	logClosers  []io.Closer
	loggerReady bool
	verboseFlag *bool
}

func (c *clientCLIConfig) load() error {
	if c.loaded {
		return nil
	}
	server := strings.TrimSpace(viper.GetString(clientServerKey))
	if server == "" {
		server = defaultClientServer
	}
	c.server = server
	timeout := viper.GetDuration(clientTimeoutKey)
	if timeout <= 0 {
		timeout = rseataclient.DefaultHTTPTimeout
	}
	c.timeout = timeout
	c.logOutput = viper.GetString(clientLogOutputKey)
	c.logLevel = strings.TrimSpace(viper.GetString(clientLogLevelKey))
	if c.verboseFlag != nil && *c.verboseFlag {
		c.logLevel = "trace"
	}
	if err := c.setupLogger(); err != nil {
		return err
	}
	c.loaded = true
	return nil
}

func (c *clientCLIConfig) setupLogger() error {
	if c.loggerReady {
		return nil
	}
	levelStr := strings.TrimSpace(strings.ToLower(c.logLevel))
	if levelStr == "" || levelStr == "none" || levelStr == "disabled" || levelStr == "off" {
		c.logger = nil
		c.loggerReady = true
		return nil
	}
	level, ok := pslog.ParseLevel(levelStr)
	if !ok {
		return fmt.Errorf("invalid client log level %q", c.logLevel)
	}
	if level == pslog.NoLevel || level == pslog.Disabled {
		c.logger = nil
		c.loggerReady = true
		return nil
	}
	var writer io.Writer = os.Stderr
	switch c.logOutput {
	case "", "stderr":
	case "-", "stdout":
		writer = os.Stdout
	default:
		f, err := os.OpenFile(c.logOutput, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		c.logClosers = append(c.logClosers, f)
		writer = f
	}
	c.logger = loggingutil.WithSubsystem(pslog.NewStructured(writer), "client.cli").LogLevel(level)
	c.loggerReady = true
	return nil
}

func (c *clientCLIConfig) cleanup() {
	for _, closer := range c.logClosers {
		_ = closer.Close()
	}
	c.logClosers = nil
	c.logger = nil
	c.loggerReady = false
	c.loaded = false
}

func (c *clientCLIConfig) client() (*rseataclient.Client, error) {
	if err := c.load(); err != nil {
		return nil, err
	}
	opts := []rseataclient.Option{
		rseataclient.WithHTTPClient(&http.Client{Timeout: c.timeout}),
		rseataclient.WithHTTPTimeout(c.timeout),
	}
	if c.logger != nil {
		opts = append(opts, rseataclient.WithLogger(c.logger))
	}
	return rseataclient.New(c.server, opts...)
}

// resolveXid takes the xid from the first argument or RSEATA_XID.
func resolveXid(args []string) (string, error) {
	if len(args) > 0 {
		if xid := strings.TrimSpace(args[0]); xid != "" {
			return xid, nil
		}
	}
	if xid := strings.TrimSpace(os.Getenv(envXid)); xid != "" {
		return xid, nil
	}
	return "", fmt.Errorf("xid required (pass it as an argument or export %s)", envXid)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeStatus(out io.Writer, mode string, resp *api.GlobalStatusResponse) error {
	if outputMode(strings.ToLower(mode)) == outputJSON {
		return writeJSON(out, resp)
	}
	name := resp.StatusName
	if name == "" {
		name = txn.GlobalStatusFromCode(resp.GlobalStatus).String()
	}
	_, err := fmt.Fprintf(out, "%s %s\n", resp.Xid, name)
	return err
}

func newClientBeginCommand(cfg *clientCLIConfig) *cobra.Command {
	var name, application, group, output string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "begin",
		Short: "Begin a global transaction",
		Example: `  # Begin a transaction and export its xid
  eval "$(rseata client begin --name transfer --txn-timeout 30s)"`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.load(); err != nil {
				return err
			}
			defer cfg.cleanup()
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			if timeout < 0 {
				return fmt.Errorf("txn-timeout must be >= 0")
			}
			resp, err := cli.Begin(cmd.Context(), api.BeginRequest{
				ApplicationID:           application,
				TransactionServiceGroup: group,
				TransactionName:         name,
				TimeoutMillis:           int64(timeout / time.Millisecond),
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if outputMode(strings.ToLower(output)) == outputJSON {
				return writeJSON(out, resp)
			}
			fmt.Fprintf(out, "export %s=%q\n", envXid, resp.Xid)
			fmt.Fprintf(out, "export %s=%q\n", envServerURL, cfg.server)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "transaction name")
	cmd.Flags().StringVar(&application, "application", "", "application id")
	cmd.Flags().StringVar(&group, "group", "", "transaction service group")
	cmd.Flags().DurationVar(&timeout, "txn-timeout", 0, "global transaction timeout (0 uses the server default)")
	cmd.Flags().StringVar(&output, "output", string(outputText), "output format (text|json)")
	return cmd
}

type globalCall func(cli *rseataclient.Client, cmd *cobra.Command, xid string) (*api.GlobalStatusResponse, error)

func newClientGlobalCommand(cfg *clientCLIConfig, use, short string, call globalCall) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:           use + " [xid]",
		Short:         short,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			xid, err := resolveXid(args)
			if err != nil {
				return err
			}
			if err := cfg.load(); err != nil {
				return err
			}
			defer cfg.cleanup()
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			resp, err := call(cli, cmd, xid)
			if err != nil {
				return err
			}
			return writeStatus(cmd.OutOrStdout(), output, resp)
		},
	}
	cmd.Flags().StringVar(&output, "output", string(outputText), "output format (text|json)")
	return cmd
}

func newClientCommitCommand(cfg *clientCLIConfig) *cobra.Command {
	return newClientGlobalCommand(cfg, "commit", "Commit a global transaction",
		func(cli *rseataclient.Client, cmd *cobra.Command, xid string) (*api.GlobalStatusResponse, error) {
			return cli.Commit(cmd.Context(), xid)
		})
}

func newClientRollbackCommand(cfg *clientCLIConfig) *cobra.Command {
	return newClientGlobalCommand(cfg, "rollback", "Roll back a global transaction",
		func(cli *rseataclient.Client, cmd *cobra.Command, xid string) (*api.GlobalStatusResponse, error) {
			return cli.Rollback(cmd.Context(), xid)
		})
}

func newClientStatusCommand(cfg *clientCLIConfig) *cobra.Command {
	return newClientGlobalCommand(cfg, "status", "Show the status of a global transaction",
		func(cli *rseataclient.Client, cmd *cobra.Command, xid string) (*api.GlobalStatusResponse, error) {
			return cli.Status(cmd.Context(), xid)
		})
}

func newClientReportCommand(cfg *clientCLIConfig) *cobra.Command {
	var statusFlag string
	cmd := newClientGlobalCommand(cfg, "report", "Report an externally decided global status",
		func(cli *rseataclient.Client, cmd *cobra.Command, xid string) (*api.GlobalStatusResponse, error) {
			status, ok := txn.ParseGlobalStatus(strings.TrimSpace(statusFlag))
			if !ok {
				return nil, fmt.Errorf("unknown global status %q", statusFlag)
			}
			return cli.Report(cmd.Context(), xid, status.Code())
		})
	cmd.Flags().StringVar(&statusFlag, "status", "", "reported status name or code (e.g. Committed, Rollbacked)")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func newClientLockQueryCommand(cfg *clientCLIConfig) *cobra.Command {
	var resource, lockKey, branchType string
	cmd := &cobra.Command{
		Use:           "lock-query [xid]",
		Short:         "Check whether rows could be locked by a global transaction",
		Example:       `  rseata client lock-query --resource jdbc:mysql://db/app --lock-key account:1,2 "$RSEATA_XID"`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			xid, err := resolveXid(args)
			if err != nil {
				return err
			}
			if strings.TrimSpace(resource) == "" || strings.TrimSpace(lockKey) == "" {
				return fmt.Errorf("--resource and --lock-key are required")
			}
			if err := cfg.load(); err != nil {
				return err
			}
			defer cfg.cleanup()
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			lockable, err := cli.LockQuery(cmd.Context(), api.LockQueryRequest{
				Xid:        xid,
				BranchType: txn.ParseBranchType(branchType).Code(),
				ResourceID: resource,
				LockKey:    lockKey,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "lockable=%t\n", lockable)
			return nil
		},
	}
	cmd.Flags().StringVar(&resource, "resource", "", "resource id holding the rows")
	cmd.Flags().StringVar(&lockKey, "lock-key", "", "rows in table:pk1,pk2 form")
	cmd.Flags().StringVar(&branchType, "branch-type", "AT", "branch type (AT|TCC|SAGA|XA)")
	return cmd
}

func newClientResourcesCommand(cfg *clientCLIConfig) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:           "resources",
		Short:         "List resource managers connected to the server",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.load(); err != nil {
				return err
			}
			defer cfg.cleanup()
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			resources, err := cli.Resources(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if outputMode(strings.ToLower(output)) == outputJSON {
				return writeJSON(out, resources)
			}
			for _, res := range resources {
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", res.ConnectionID, res.ResourceID, res.ClientID,
					txn.BranchTypeFromCode(res.BranchType))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", string(outputText), "output format (text|json)")
	return cmd
}

func newClientAuditCommand(cfg *clientCLIConfig) *cobra.Command {
	var limit int
	var output string
	cmd := &cobra.Command{
		Use:           "audit",
		Short:         "Show recent transaction lifecycle events",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.load(); err != nil {
				return err
			}
			defer cfg.cleanup()
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			resp, err := cli.Audit(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if outputMode(strings.ToLower(output)) == outputJSON {
				return writeJSON(out, resp)
			}
			for _, ev := range resp.Events {
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", ev.Time.UTC().Format(time.RFC3339Nano), ev.Type, ev.Xid, ev.Status)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events (0 returns all retained)")
	cmd.Flags().StringVar(&output, "output", string(outputText), "output format (text|json)")
	return cmd
}
