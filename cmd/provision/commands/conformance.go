package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/provision/pkg/config"
	"github.com/openfroyo/provision/pkg/conformance"
	"github.com/openfroyo/provision/pkg/executor"
	"github.com/openfroyo/provision/pkg/policy"
)

// conformanceFlags override the conformance section of the config.
type conformanceFlags struct {
	packs        []string
	fixtures     string
	report       string
	artifacts    string
	executorKind string
	workers      int
	mutations    bool
	watch        bool
}

func newConformanceCommand() *cobra.Command {
	var flags conformanceFlags

	cmd := &cobra.Command{
		Use:   "conformance",
		Short: "Check a corpus of packs against the provisioning contract",
		Long: `Run every pack in the corpus through the setup flow in dry_run mode, once
per answers fixture plus the empty fixture, and check the results for
determinism, secret leaks, step order, plan structure and merge
consistency, policy violations and executor traps.

With --mutations, fixtures whose validate step passed are mutated and
re-run: validate must reject each mutant with actionable diagnostics.

The JSON report is written to --report (stdout by default). Failing runs
leave artifacts and a per-pack log under the artifacts directory. The
command exits non-zero when any pack fails.`,
		Example: `  # Check all packs under ./packs
  provision conformance --packs 'packs/*' --fixtures fixtures

  # Fuzz fixtures and keep re-running as packs change
  provision conformance --mutations --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			cc := flags.merge(cmd, a.cfg.Conformance)
			if flags.executorKind == "" {
				flags.executorKind = a.cfg.Executor.Kind
			}
			r := &conformanceRun{app: a, cfg: cc, executorKind: flags.executorKind, reportPath: flags.report}

			if !flags.watch {
				report, err := r.run(cmd.Context())
				if err != nil {
					return err
				}
				if err := r.write(cmd, report); err != nil {
					return err
				}
				if !report.OK() {
					return &ExitError{
						Code:    ExitNonConform,
						Message: fmt.Sprintf("%d of %d packs failed conformance", len(report.Failed()), len(report.Packs)),
					}
				}
				return nil
			}

			rerun := func(ctx context.Context) {
				report, err := r.run(ctx)
				if err != nil {
					if !errors.Is(err, context.Canceled) {
						log.Error().Err(err).Msg("Conformance run failed")
					}
					return
				}
				if err := r.write(cmd, report); err != nil {
					log.Error().Err(err).Msg("Failed to write report")
				}
			}
			rerun(cmd.Context())

			corpus, err := conformance.ScanCorpus(cc.Corpus)
			if err != nil {
				return err
			}
			extra := append([]string{cc.Fixtures}, a.cfg.Policy.Paths...)
			paths := conformance.WatchPaths(corpus, extra...)
			log.Info().Int("paths", len(paths)).Msg("Watching for changes")
			return conformance.Watch(cmd.Context(), paths, conformance.DefaultWatchDelay, a.logger, rerun)
		},
	}

	cmd.Flags().StringSliceVarP(&flags.packs, "packs", "p", nil, "glob patterns matching pack directories or archives")
	cmd.Flags().StringVarP(&flags.fixtures, "fixtures", "f", "", "answers fixtures directory")
	cmd.Flags().StringVarP(&flags.report, "report", "o", "", "report file (default stdout)")
	cmd.Flags().StringVar(&flags.artifacts, "artifacts", "", "failure artifacts directory")
	cmd.Flags().StringVar(&flags.executorKind, "executor", "", "step executor (inert, sandbox)")
	cmd.Flags().IntVarP(&flags.workers, "workers", "w", 0, "concurrent pack checks (0 = one per CPU)")
	cmd.Flags().BoolVar(&flags.mutations, "mutations", false, "fuzz fixtures with schema mutations")
	cmd.Flags().BoolVar(&flags.watch, "watch", false, "re-run when packs, fixtures or policies change")

	return cmd
}

// merge overlays the flags that were set on the configured values.
func (f *conformanceFlags) merge(cmd *cobra.Command, cc config.ConformanceConfig) config.ConformanceConfig {
	if cmd.Flags().Changed("packs") {
		cc.Corpus = f.packs
	}
	if cmd.Flags().Changed("fixtures") {
		cc.Fixtures = f.fixtures
	}
	if cmd.Flags().Changed("artifacts") {
		cc.Artifacts = f.artifacts
	}
	if cmd.Flags().Changed("workers") {
		cc.Workers = f.workers
	}
	if cmd.Flags().Changed("mutations") {
		cc.Mutations = f.mutations
	}
	return cc
}

// conformanceRun rebuilds the harness inputs on every run so a watch picks
// up new packs, fixtures and policies.
type conformanceRun struct {
	app          *app
	cfg          config.ConformanceConfig
	executorKind string
	reportPath   string
}

func (r *conformanceRun) run(ctx context.Context) (*conformance.Report, error) {
	a := r.app

	corpus, err := conformance.ScanCorpus(r.cfg.Corpus)
	if err != nil {
		return nil, err
	}
	fixtures, err := conformance.LoadFixtures(r.cfg.Fixtures)
	if err != nil {
		return nil, err
	}

	policies, err := policy.NewEngine(a.logger)
	if err != nil {
		return nil, err
	}
	if len(a.cfg.Policy.Paths) > 0 {
		if err := policies.LoadPolicies(ctx, a.cfg.Policy.Paths); err != nil {
			return nil, err
		}
	}

	opts := []conformance.Option{
		conformance.WithPolicy(policies),
		conformance.WithObserver(a.tel.Observer()),
		conformance.WithMetrics(a.tel.Metrics),
		conformance.WithEvents(a.tel.Events),
		conformance.WithLogger(a.logger),
		conformance.WithWorkers(r.cfg.Workers),
		conformance.WithArtifacts(r.cfg.Artifacts),
	}
	switch r.executorKind {
	case config.ExecutorInert:
		opts = append(opts, conformance.WithExecutors(conformance.InertExecutors()))
	case config.ExecutorSandbox:
		opts = append(opts, conformance.WithExecutors(conformance.SandboxExecutors(
			executor.WithLimits(a.cfg.Executor.Limits),
			executor.WithGrantPolicy(policies),
			executor.WithLogger(a.logger),
		)))
	default:
		return nil, fmt.Errorf("unknown executor %q", r.executorKind)
	}
	if r.cfg.Mutations {
		mutator, err := conformance.NewMutator(conformance.DefaultMutations...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, conformance.WithMutator(mutator))
	}

	log.Info().
		Int("packs", len(corpus)).
		Int("fixtures", len(fixtures)).
		Str("executor", r.executorKind).
		Bool("mutations", r.cfg.Mutations).
		Msg("Running conformance")

	return conformance.New(opts...).Run(a.tel.WithContext(ctx), corpus, fixtures)
}

func (r *conformanceRun) write(cmd *cobra.Command, report *conformance.Report) error {
	data, err := report.Encode()
	if err != nil {
		return err
	}
	if r.reportPath == "" || r.reportPath == "-" {
		if _, err := cmd.OutOrStdout().Write(data); err != nil {
			return err
		}
	} else if err := os.WriteFile(r.reportPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	for _, p := range report.Failed() {
		codes := make([]string, 0, len(p.Violations))
		for _, v := range p.Violations {
			codes = append(codes, v.Code)
		}
		ev := log.Warn().Str("pack", p.Pack).Str("violations", strings.Join(codes, ","))
		if p.Artifacts != "" {
			ev = ev.Str("artifacts", p.Artifacts)
		}
		ev.Msg("Pack failed conformance")
	}
	return nil
}
