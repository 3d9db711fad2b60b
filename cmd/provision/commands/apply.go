package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/provision/pkg/apply"
	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/executor"
	"github.com/openfroyo/provision/pkg/policy"
	"github.com/openfroyo/provision/pkg/stores"
)

// applyOutput is the JSON form of the apply command.
type applyOutput struct {
	Run    json.RawMessage    `json:"run"`
	Policy *policy.Result     `json:"policy,omitempty"`
	Apply  *apply.ApplyReport `json:"apply,omitempty"`
}

func newApplyCommand() *cobra.Command {
	var (
		flags    runFlags
		modeName string
		enforce  bool
	)

	cmd := &cobra.Command{
		Use:   "apply <pack>",
		Short: "Run a pack setup flow and materialize its plan",
		Long: `Drive the setup flow of a pack in install, update or delete mode and
hand the resulting plan to the apply-side adapters.

This command:
  - Opens the install record and audit database
  - Runs collect, validate, apply and summary in the configured executor,
    forwarding granted host calls to the adapters
  - Evaluates plan policies and blocks on error violations when enforced
  - Applies config and secret patches, starts OAuth flows and reconciles
    subscriptions
  - Stores or removes the install record`,
		Example: `  # Install a pack
  provision apply ./packs/mail --install-id mail-1 --answers answers.yaml

  # Remove an installation
  provision apply ./packs/mail --install-id mail-1 --mode delete`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			mode, err := engine.ParseMode(modeName)
			if err != nil {
				return err
			}

			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			pack, d, err := openDescriptor(args[0])
			if err != nil {
				return err
			}
			defer pack.Close()

			in, err := flags.inputs(d)
			if err != nil {
				return err
			}

			store, err := openStore(ctx, a.cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			applier := apply.NewApplier(
				apply.NewMemoryConfig(),
				apply.NewMemorySecrets(store),
				apply.NoopOAuth{},
				store,
				apply.WithLogger(a.logger),
				apply.WithActor(a.cfg.Apply.Actor),
			)

			policies, err := policy.NewEngine(a.logger)
			if err != nil {
				return err
			}
			if len(a.cfg.Policy.Paths) > 0 {
				if err := policies.LoadPolicies(ctx, a.cfg.Policy.Paths); err != nil {
					return err
				}
			}

			exec, release, err := newExecutor(a, flags.executorKind, pack, d,
				executor.WithGrantPolicy(policies),
				executor.WithForwarder(apply.NewForwarder(applier)),
			)
			if err != nil {
				return err
			}
			defer release()

			log.Info().
				Str("pack", d.PackID).
				Str("install_id", in.InstallID).
				Str("mode", string(mode)).
				Msg("Starting apply")

			res, err := runEngine(ctx, a, exec, d, in, mode)
			if err != nil {
				return err
			}
			out := applyOutput{}
			if out.Run, err = res.Report(); err != nil {
				return err
			}
			if !res.Succeeded() {
				if err := printApply(cmd, res, out); err != nil {
					return err
				}
				return &ExitError{Code: ExitRunFailed, Message: fmt.Sprintf("run %s failed", res.RunID)}
			}

			out.Policy, err = policies.EvaluatePlan(ctx, res.Plan, policy.PlanInput{
				Pack: policy.PackInfo{
					ID:           d.PackID,
					Version:      d.PackVersion,
					Capabilities: d.Capabilities,
				},
				Mode:   mode,
				Tenant: in.Tenant,
			})
			if err != nil {
				return err
			}
			for _, v := range out.Policy.Violations {
				_ = a.tel.Events.PublishPolicyViolation(d.PackID, v.Policy, v.Message)
			}
			if !out.Policy.Allowed && (enforce || a.cfg.Policy.Enforce) {
				if err := printApply(cmd, res, out); err != nil {
					return err
				}
				return &ExitError{Code: ExitRunFailed, Message: "plan rejected by policy"}
			}

			if out.Apply, err = applier.Apply(ctx, in, res.Plan, mode); err != nil {
				return err
			}
			return printApply(cmd, res, out)
		},
	}

	flags.bind(cmd)
	cmd.Flags().StringVarP(&modeName, "mode", "m", string(engine.ModeInstall), "run mode (install, update, delete, dry_run)")
	cmd.Flags().BoolVar(&enforce, "enforce", false, "block the apply on error-severity policy violations")
	_ = cmd.MarkFlagRequired("install-id")

	return cmd
}

// openStore opens and migrates the install record database.
func openStore(ctx context.Context, cfg stores.Config) (*stores.SQLiteStore, error) {
	if !strings.HasPrefix(cfg.Path, ":memory:") && !strings.HasPrefix(cfg.Path, "file:") {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	store, err := stores.NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func printApply(cmd *cobra.Command, res *engine.Result, out applyOutput) error {
	if jsonOutput {
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		return writeOutput(cmd, data)
	}

	if err := printResult(cmd, res); err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if out.Policy != nil {
		fmt.Fprintf(w, "Policy: allowed=%v (%d policies)\n", out.Policy.Allowed, len(out.Policy.EvaluatedPolicies))
		for _, d := range out.Policy.Diagnostics() {
			fmt.Fprintf(w, "  %s\n", d)
		}
	}
	if r := out.Apply; r != nil {
		fmt.Fprintf(w, "Applied (%s): %d config changes, %d secrets set, %d secrets deleted, %d subscriptions\n",
			r.Mode, len(r.ConfigChanges), len(r.SecretSetKeys), len(r.SecretDeletedKeys), len(r.SubscriptionState))
		if r.Removed {
			fmt.Fprintf(w, "Install record %s removed\n", r.InstallRecord.InstallID)
		}
	}
	return nil
}
