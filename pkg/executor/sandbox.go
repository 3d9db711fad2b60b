package executor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/provision/pkg/diag"
	"github.com/openfroyo/provision/pkg/discovery"
	"github.com/openfroyo/provision/pkg/engine"
)

// Sandbox is a StepExecutor that runs pack units in isolated runtimes.
// WebAssembly units run under wazero and script units under Starlark. The
// sandbox itself never writes anything durable: capability calls are mocked
// in dry_run mode and handed to the Forwarder otherwise.
type Sandbox struct {
	desc      *discovery.Descriptor
	resolver  *Resolver
	runtimes  map[string]Runtime
	limits    Limits
	policy    GrantPolicy
	forwarder Forwarder
	logger    zerolog.Logger
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithLimits sets the resource caps for every invocation.
func WithLimits(l Limits) Option {
	return func(s *Sandbox) {
		s.limits = l.withDefaults()
	}
}

// WithGrantPolicy sets the per-call grant policy.
func WithGrantPolicy(p GrantPolicy) Option {
	return func(s *Sandbox) {
		s.policy = p
	}
}

// WithForwarder sets where granted calls go in apply modes.
func WithForwarder(f Forwarder) Option {
	return func(s *Sandbox) {
		s.forwarder = f
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Sandbox) {
		s.logger = l
	}
}

// WithRuntime registers a runtime for a unit extension such as ".wasm".
func WithRuntime(ext string, rt Runtime) Option {
	return func(s *Sandbox) {
		s.runtimes[ext] = rt
	}
}

// NewSandbox creates a sandboxed executor for the pack rooted at packFS.
func NewSandbox(packFS fs.FS, d *discovery.Descriptor, opts ...Option) *Sandbox {
	s := &Sandbox{
		desc:     d,
		resolver: NewResolver(packFS),
		runtimes: make(map[string]Runtime),
		limits:   DefaultLimits(),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, ok := s.runtimes[".wasm"]; !ok {
		s.runtimes[".wasm"] = NewWASMRuntime(s.limits)
	}
	if _, ok := s.runtimes[".star"]; !ok {
		s.runtimes[".star"] = NewStarlarkRuntime(s.limits)
	}
	return s
}

// NewSandboxDir creates a sandboxed executor for the pack directory dir.
func NewSandboxDir(dir string, d *discovery.Descriptor, opts ...Option) *Sandbox {
	return NewSandbox(os.DirFS(dir), d, opts...)
}

// Limits returns the effective caps.
func (s *Sandbox) Limits() Limits {
	return s.limits
}

// Close releases all runtimes.
func (s *Sandbox) Close(ctx context.Context) error {
	var errs []error
	for _, rt := range s.runtimes {
		if err := rt.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunStep resolves and runs the unit for step of the setup flow.
func (s *Sandbox) RunStep(ctx context.Context, step engine.Step, pctx *engine.Context) (*engine.StepOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, engine.NewTrapError("step interrupted", err).WithStep(step)
	}

	unit, err := s.resolver.Resolve(pctx.Flow, step)
	if err != nil {
		return nil, resolutionFailure(err, step)
	}
	return s.invoke(ctx, unit, step, pctx)
}

// RunFlow runs the single unit of an auxiliary flow, such as the
// requirements flow. The output is decoded with collect step rules.
func (s *Sandbox) RunFlow(ctx context.Context, flow string, pctx *engine.Context) (*engine.StepOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, engine.NewTrapError("flow interrupted", err)
	}

	unit, err := s.resolver.ResolveFlow(flow)
	if err != nil {
		return nil, resolutionFailure(err, engine.StepCollect)
	}
	flowCtx := *pctx
	flowCtx.Flow = flow
	if flowCtx.Step == "" {
		flowCtx.Step = engine.StepCollect
	}
	return s.invoke(ctx, unit, engine.StepCollect, &flowCtx)
}

func (s *Sandbox) invoke(ctx context.Context, unit *Unit, step engine.Step, pctx *engine.Context) (*engine.StepOutput, error) {
	log := s.logger.With().
		Str("pack_id", pctx.PackID).
		Str("step", string(step)).
		Str("unit", unit.Path).
		Str("strategy", string(unit.Strategy)).
		Logger()

	if s.desc != nil {
		if err := s.desc.VerifyChecksum(unit.Path, unit.Bytes); err != nil {
			return nil, engine.NewTrapError("unit failed verification", err).
				WithCode(diag.CodeUnitChecksumMismatch).WithStep(step).WithUnit(unit.Path)
		}
	}

	rt, ok := s.runtimes[unit.Ext]
	if !ok {
		return nil, engine.NewTrapError(fmt.Sprintf("no runtime for %q units", unit.Ext), ErrUnsupportedUnit).
			WithStep(step).WithUnit(unit.Path)
	}

	input, err := NewRequest(pctx).Encode()
	if err != nil {
		return nil, engine.NewError(engine.KindInternal, "failed to build unit request", err).WithStep(step)
	}

	router := NewCapabilityRouter(pctx, s.policy, s.forwarder, s.limits.MaxHostCalls)

	start := time.Now()
	raw, err := rt.Execute(ctx, unit, input, router)
	elapsed := time.Since(start)
	if err != nil {
		log.Debug().Err(err).Dur("duration", elapsed).Msg("unit failed")
		return nil, annotate(err, step, unit.Path)
	}
	if err := checkOutputSize(raw, s.limits, step, unit.Path); err != nil {
		return nil, err
	}

	out, err := engine.DecodeStepOutput(raw, step)
	if err != nil {
		return nil, annotate(err, step, unit.Path)
	}
	out.Diagnostics = append(out.Diagnostics, router.Diagnostics()...)

	log.Debug().
		Dur("duration", elapsed).
		Int("output_bytes", len(raw)).
		Int("host_calls", router.Calls()).
		Msg("unit completed")
	return out, nil
}

func resolutionFailure(err error, step engine.Step) error {
	var rerr *ResolutionError
	if errors.As(err, &rerr) {
		return engine.NewTrapError("unit resolution failed", rerr).
			WithCode(diag.CodeExecutorUnitNotFound).WithStep(step)
	}
	return engine.NewTrapError("unit resolution failed", err).WithStep(step)
}

// annotate fills the step and unit of classified errors and classifies the
// rest as traps.
func annotate(err error, step engine.Step, unit string) error {
	var ee *engine.Error
	if errors.As(err, &ee) {
		if ee.Step == "" {
			ee.Step = step
		}
		if ee.Unit == "" {
			ee.Unit = unit
		}
		return ee
	}
	return engine.NewTrapError("unit execution failed", err).WithStep(step).WithUnit(unit)
}
