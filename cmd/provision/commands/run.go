package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/provision/pkg/config"
	"github.com/openfroyo/provision/pkg/conformance"
	"github.com/openfroyo/provision/pkg/discovery"
	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/executor"
)

// runFlags are the flags shared by commands that drive a pack lifecycle.
type runFlags struct {
	executorKind  string
	answersFile   string
	providerID    string
	installID     string
	publicBaseURL string
	tenant        engine.Tenant
}

func (f *runFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.executorKind, "executor", "", "step executor (inert, sandbox); defaults to the configured one")
	cmd.Flags().StringVarP(&f.answersFile, "answers", "a", "", "answers file (.json, .yaml or .cue)")
	cmd.Flags().StringVar(&f.providerID, "provider-id", "", "provider identifier (defaults to the pack id)")
	cmd.Flags().StringVar(&f.installID, "install-id", "", "installation identifier")
	cmd.Flags().StringVar(&f.publicBaseURL, "public-base-url", "", "public base URL of the installation")
	cmd.Flags().StringVar(&f.tenant.Env, "env", "", "tenant environment")
	cmd.Flags().StringVar(&f.tenant.Tenant, "tenant", "", "tenant identifier")
	cmd.Flags().StringVar(&f.tenant.Team, "team", "", "team identifier")
	cmd.Flags().StringVar(&f.tenant.User, "user", "", "acting user")
}

// inputs builds the run inputs. Flags win over the answers file.
func (f *runFlags) inputs(d *discovery.Descriptor) (engine.Inputs, error) {
	in := engine.Inputs{Answers: map[string]any{}}
	if f.answersFile != "" {
		fixture, err := conformance.LoadFixtureFile(f.answersFile)
		if err != nil {
			return engine.Inputs{}, err
		}
		if fixture.Tenant != nil {
			in.Tenant = *fixture.Tenant
		}
		in.PublicBaseURL = fixture.PublicBaseURL
		in.Answers = fixture.Answers
		in.ExistingState = fixture.ExistingState
	}

	in.ProviderID = d.PackID
	if f.providerID != "" {
		in.ProviderID = f.providerID
	}
	in.InstallID = f.installID
	if f.publicBaseURL != "" {
		in.PublicBaseURL = f.publicBaseURL
	}
	overlay(&in.Tenant.Env, f.tenant.Env)
	overlay(&in.Tenant.Tenant, f.tenant.Tenant)
	overlay(&in.Tenant.Team, f.tenant.Team)
	overlay(&in.Tenant.User, f.tenant.User)

	if err := engine.ValidateInputs(in); err != nil {
		return engine.Inputs{}, err
	}
	return in, nil
}

func overlay(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// openDescriptor opens a pack and runs discovery on it.
func openDescriptor(path string) (*discovery.Pack, *discovery.Descriptor, error) {
	pack, err := discovery.OpenPack(path)
	if err != nil {
		return nil, nil, err
	}
	d, ok := pack.Descriptor()
	if !ok {
		_ = pack.Close()
		return nil, nil, fmt.Errorf("pack %s declares no setup entry flow", path)
	}
	return pack, d, nil
}

// newExecutor builds the configured step executor for a pack. The returned
// release function closes sandbox runtimes.
func newExecutor(a *app, kind string, pack *discovery.Pack, d *discovery.Descriptor, opts ...executor.Option) (engine.StepExecutor, func(), error) {
	if kind == "" {
		kind = a.cfg.Executor.Kind
	}
	switch kind {
	case config.ExecutorInert:
		return executor.NewInert(), func() {}, nil
	case config.ExecutorSandbox:
		opts = append([]executor.Option{
			executor.WithLimits(a.cfg.Executor.Limits),
			executor.WithLogger(a.logger),
		}, opts...)
		sb := executor.NewSandbox(pack.FS, d, opts...)
		return sb, func() {
			if err := sb.Close(context.Background()); err != nil {
				a.logger.Warn().Err(err).Msg("Failed to close sandbox")
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown executor %q", kind)
	}
}

// runEngine drives the lifecycle with telemetry attached.
func runEngine(ctx context.Context, a *app, exec engine.StepExecutor, d *discovery.Descriptor, in engine.Inputs, mode engine.Mode) (*engine.Result, error) {
	eng := engine.New(exec, engine.WithObserver(a.tel.Observer()))
	return eng.Run(a.tel.WithContext(ctx), d, in, mode)
}

// writeOutput writes data to stdout followed by a newline.
func writeOutput(cmd *cobra.Command, data []byte) error {
	out := cmd.OutOrStdout()
	if _, err := out.Write(data); err != nil {
		return err
	}
	_, err := fmt.Fprintln(out)
	return err
}
