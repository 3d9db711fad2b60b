package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/provision/pkg/conformance"
	"github.com/openfroyo/provision/pkg/discovery"
)

func newPackCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pack",
		Short: "Inspect provider packs",
	}
	cmd.AddCommand(newPackInspectCommand())
	cmd.AddCommand(newPackListCommand())
	return cmd
}

// inspection is the JSON form of pack inspect.
type inspection struct {
	Source         string                `json:"source"`
	ManifestDigest string                `json:"manifest_digest"`
	Descriptor     *discovery.Descriptor `json:"descriptor"`
}

func newPackInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <pack>",
		Short: "Run discovery on a pack",
		Long: `Open a pack directory or archive, parse its manifest and print the
provisioning descriptor: the setup, requirements and subscriptions flows,
the normalized capabilities and any discovery diagnostics.`,
		Example: `  # Inspect a pack directory
  provision pack inspect ./packs/mail

  # Inspect an archive as JSON
  provision pack inspect mail.gtpack --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Debug().Str("pack", args[0]).Msg("Inspecting pack")

			pack, d, err := openDescriptor(args[0])
			if err != nil {
				return err
			}
			defer pack.Close()

			if jsonOutput {
				data, err := json.MarshalIndent(inspection{
					Source:         args[0],
					ManifestDigest: pack.Manifest.Digest,
					Descriptor:     d,
				}, "", "  ")
				if err != nil {
					return err
				}
				return writeOutput(cmd, data)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Pack:          %s@%s\n", d.PackID, d.PackVersion)
			fmt.Fprintf(out, "Digest:        %s\n", pack.Manifest.Digest)
			fmt.Fprintf(out, "Setup flow:    %s\n", d.SetupEntryFlow)
			fmt.Fprintf(out, "Requirements:  %s\n", orNone(d.RequirementsFlow))
			fmt.Fprintf(out, "Subscriptions: %s\n", orNone(d.SubscriptionsFlow))
			fmt.Fprintf(out, "Capabilities:  %s\n", orNone(strings.Join(d.Capabilities, ", ")))
			fmt.Fprintf(out, "Public URL:    %v\n", d.RequiresPublicBaseURL)
			for _, dg := range d.Diagnostics {
				fmt.Fprintf(out, "  %s\n", dg)
			}
			return nil
		},
	}
}

func newPackListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list [glob...]",
		Short: "List the packs a corpus glob matches",
		Example: `  # List packs under ./packs, recursively
  provision pack list 'packs/**'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			patterns := args
			if len(patterns) == 0 {
				a, err := loadApp(cmd)
				if err != nil {
					return err
				}
				defer a.close()
				patterns = a.cfg.Conformance.Corpus
			}

			packs, err := conformance.ScanCorpus(patterns)
			if err != nil {
				return err
			}
			if jsonOutput {
				if packs == nil {
					packs = []string{}
				}
				data, err := json.MarshalIndent(packs, "", "  ")
				if err != nil {
					return err
				}
				return writeOutput(cmd, data)
			}
			for _, p := range packs {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
