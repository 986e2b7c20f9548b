// Package main provides the CLI entrypoint for mspsync.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JohanCodinha/mspsync/internal/config"
	"github.com/JohanCodinha/mspsync/internal/logger"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		var reported *reportedError
		if !errors.As(err, &reported) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

var (
	cfg *config.Config

	configFile string
	envFile    string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "mspsync",
	Short: "Mirror ConnectWise tickets, projects and time into SQLite",
	Long: `mspsync pulls members, boards, time entries, service tickets, projects
and project tasks for a set of engineers from the ConnectWise Manage API into
a local SQLite database that dashboards can query.

Configuration comes from built-in defaults, an optional YAML file, a .env
file and the environment, in increasing order of precedence.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a sync if the staleness policy allows it",
	Long: `Run the sync pipeline once. The run is skipped when any entity type was
synced more recently than the minimum interval; otherwise it is incremental
from the oldest last-sync time, or full when an entity type is stale or has
never been synced.

Exits non-zero when a stage fails.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runSync(cmd.Context(), cmd.OutOrStdout(), cfg, syncFlags)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the sync ledger and what the next run would do",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runStatus(cmd.Context(), cmd.OutOrStdout(), cfg, statusOutput)
	},
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Evaluate the staleness policy without syncing",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runPlan(cmd.Context(), cmd.OutOrStdout(), cfg)
	},
}

var (
	syncFlags    syncOptions
	statusOutput string
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "YAML config file (default $"+config.ConfigPathEnvVar+")")
	pf.StringVar(&envFile, "env-file", "", "dotenv file to load (default .env if present)")
	pf.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides LOG_LEVEL)")
	pf.StringVar(&logFormat, "log-format", "", "log format: console, json (overrides LOG_FORMAT)")

	syncCmd.Flags().BoolVar(&syncFlags.full, "full", false, "run a full sync even when an incremental one is allowed")
	syncCmd.Flags().StringVar(&syncFlags.metricsFile, "metrics-file", "", "write Prometheus metrics to this file after the run")
	syncCmd.Flags().BoolVar(&syncFlags.report, "report", false, "print the run report as YAML")

	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "output format: table, yaml")

	cobra.OnFinalize(logger.Close)

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(planCmd)
}

// setup loads the configuration and configures logging before any command.
func setup(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(config.LoadOptions{ConfigFile: configFile, EnvFile: envFile})
	if err != nil {
		return err
	}
	if logLevel != "" {
		loaded.Logging.Level = logLevel
	}
	if logFormat != "" {
		loaded.Logging.Format = logFormat
	}
	if err := configureLogging(loaded.Logging, cmd.ErrOrStderr()); err != nil {
		return err
	}
	cfg = loaded

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	cobra.OnFinalize(stop)
	cmd.SetContext(ctx)
	return nil
}

func configureLogging(c config.LoggingConfig, w io.Writer) error {
	level, err := logger.ParseLevel(c.Level)
	if err != nil {
		return err
	}
	logger.SetOutput(w)
	if err := logger.SetFormat(c.Format); err != nil {
		return err
	}
	logger.SetLevel(level)
	if c.File != "" {
		if err := logger.SetLogFile(c.File); err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
	}
	return nil
}

// reportedError is an error whose status line was already printed.
type reportedError struct {
	err error
}

func (e *reportedError) Error() string { return e.err.Error() }

func (e *reportedError) Unwrap() error { return e.err }
