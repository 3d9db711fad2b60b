package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/provision/pkg/engine"
)

func newDryRunCommand() *cobra.Command {
	var (
		flags     runFlags
		replayDir string
	)

	cmd := &cobra.Command{
		Use:   "dry-run <pack>",
		Short: "Run a pack setup flow without applying anything",
		Long: `Drive the setup flow of a pack through collect, validate, apply and
summary in dry_run mode and print the run report. Secret values in the
plan are redacted. Nothing is written to any adapter.`,
		Example: `  # Dry-run a pack with answers from a file
  provision dry-run ./packs/mail --answers answers.yaml

  # Use the inert executor and print JSON
  provision dry-run ./packs/mail --executor inert --json

  # Replay recorded step outputs (collect.json, apply.json, ...)
  provision dry-run ./packs/mail --replay ./recorded`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			if flags.installID == "" {
				flags.installID = d.PackID + "-dry-run"
			}
			in, err := flags.inputs(d)
			if err != nil {
				return err
			}

			var exec engine.StepExecutor
			if replayDir != "" {
				if exec, err = replayExecutor(replayDir); err != nil {
					return err
				}
			} else {
				var release func()
				exec, release, err = newExecutor(a, flags.executorKind, pack, d)
				if err != nil {
					return err
				}
				defer release()
			}

			log.Info().
				Str("pack", d.PackID).
				Str("version", d.PackVersion).
				Str("flow", d.SetupEntryFlow).
				Msg("Starting dry run")

			res, err := runEngine(cmd.Context(), a, exec, d, in, engine.ModeDryRun)
			if err != nil {
				return err
			}
			if err := printResult(cmd, res); err != nil {
				return err
			}
			if !res.Succeeded() {
				return &ExitError{Code: ExitRunFailed, Message: fmt.Sprintf("run %s failed", res.RunID)}
			}
			return nil
		},
	}

	flags.bind(cmd)
	cmd.Flags().StringVar(&replayDir, "replay", "", "directory of recorded <step>.json outputs to replay instead of running units")
	return cmd
}

// replayExecutor replays the <step>.json files found in dir.
func replayExecutor(dir string) (*engine.FixtureExecutor, error) {
	paths := make(map[engine.Step]string)
	for _, step := range engine.Steps {
		p := filepath.Join(dir, string(step)+".json")
		if _, err := os.Stat(p); err == nil {
			paths[step] = p
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no recorded step outputs in %s", dir)
	}
	return engine.LoadFixtureExecutor(paths)
}

// printResult prints the redacted run report, or a summary of it.
func printResult(cmd *cobra.Command, res *engine.Result) error {
	if jsonOutput {
		data, err := res.Report()
		if err != nil {
			return err
		}
		return writeOutput(cmd, data)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run %s: %s@%s %s -> %s\n", res.RunID, res.PackID, res.PackVersion, res.Mode, res.State)
	for _, sr := range res.StepResults {
		line := fmt.Sprintf("  %-9s %-8s %s", sr.Step, sr.Status, sr.Duration)
		if sr.Error != "" {
			line += "  " + sr.Error
		}
		fmt.Fprintln(out, line)
	}
	for _, d := range res.Diagnostics {
		fmt.Fprintf(out, "  %s\n", d)
	}

	p := res.Plan
	fmt.Fprintf(out, "Plan: %d config keys, %d secret ops, %d oauth ops, %d webhook ops, %d subscription ops\n",
		len(p.ConfigPatch), len(p.SecretsPatch), len(p.OAuthOps), len(p.WebhookOps), len(p.SubscriptionOps))
	for _, n := range p.Notes {
		fmt.Fprintf(out, "  note: %s\n", n)
	}
	return nil
}
