package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/provision/pkg/config"
	"github.com/openfroyo/provision/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// ExitError carries a process exit code for outcomes that are not command
// failures, such as a failed run or a failing conformance corpus.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// Exit codes.
const (
	ExitFailure    = 1
	ExitRunFailed  = 2
	ExitNonConform = 3
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "provision",
		Short: "Provision - pack provisioning engine",
		Long: `Provision discovers provider packs, drives their setup flow through the
collect, validate, apply and summary steps, and materializes the resulting
plan into config, secrets, OAuth and subscription adapters.

Features:
  - Pack discovery from directories and .gtpack archives
  - Sandboxed step execution (Starlark and WASM units)
  - Deterministic, secret-redacting plan model
  - Rego plan and grant policies
  - Conformance and fuzz harness for pack corpora`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (.yaml or .cue)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newPackCommand())
	rootCmd.AddCommand(newDryRunCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newConformanceCommand())

	return rootCmd
}

// app is the configuration and telemetry shared by a command run.
type app struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger zerolog.Logger
}

// loadApp reads .env, the config file and environment overrides and starts
// telemetry.
func loadApp(cmd *cobra.Command) (*app, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to start telemetry: %w", err)
	}
	if err := tel.StartMetricsServer(cmd.Context()); err != nil {
		return nil, err
	}

	log.Debug().Str("config", configPath).Str("executor", cfg.Executor.Kind).Msg("Configuration loaded")
	return &app{cfg: cfg, tel: tel, logger: tel.Logger.Zerolog()}, nil
}

// close flushes telemetry. It runs on a fresh context so a cancelled
// command still drains its events.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Telemetry shutdown failed")
	}
}
