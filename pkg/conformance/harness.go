package conformance

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/provision/pkg/discovery"
	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/executor"
	"github.com/openfroyo/provision/pkg/plan"
	"github.com/openfroyo/provision/pkg/policy"
	"github.com/openfroyo/provision/pkg/telemetry"
)

// ExecutorFactory builds the step executor for one opened pack. If the
// executor also implements FlowRunner the pack's requirements flow is run,
// and if it has a Close(context.Context) error method it is closed once the
// pack is done.
type ExecutorFactory func(pack *discovery.Pack, d *discovery.Descriptor) (engine.StepExecutor, error)

// FlowRunner runs a named flow outside the lifecycle.
type FlowRunner interface {
	RunFlow(ctx context.Context, flow string, pctx *engine.Context) (*engine.StepOutput, error)
}

// PlanPolicy evaluates plan policies. *policy.Engine implements it.
type PlanPolicy interface {
	EvaluatePlan(ctx context.Context, p plan.Plan, in policy.PlanInput) (*policy.Result, error)
}

type contextCloser interface {
	Close(ctx context.Context) error
}

// InertExecutors runs every pack with the inert executor.
func InertExecutors() ExecutorFactory {
	return func(*discovery.Pack, *discovery.Descriptor) (engine.StepExecutor, error) {
		return executor.NewInert(), nil
	}
}

// SandboxExecutors runs every pack in its own sandbox.
func SandboxExecutors(opts ...executor.Option) ExecutorFactory {
	return func(pack *discovery.Pack, d *discovery.Descriptor) (engine.StepExecutor, error) {
		return executor.NewSandbox(pack.FS, d, opts...), nil
	}
}

// Harness runs packs through the lifecycle and checks the results.
type Harness struct {
	executors ExecutorFactory
	policy    PlanPolicy
	observer  engine.Observer
	metrics   *telemetry.Metrics
	events    *telemetry.EventPublisher
	logger    zerolog.Logger
	workers   int
	artifacts string
	mutator   *Mutator
	clock     func() time.Time
}

// Option configures a Harness.
type Option func(*Harness)

// WithExecutors sets the executor factory. The default is SandboxExecutors().
func WithExecutors(f ExecutorFactory) Option {
	return func(h *Harness) {
		if f != nil {
			h.executors = f
		}
	}
}

// WithPolicy enables plan policy checks.
func WithPolicy(p PlanPolicy) Option {
	return func(h *Harness) { h.policy = p }
}

// WithObserver observes every lifecycle run the harness starts.
func WithObserver(o engine.Observer) Option {
	return func(h *Harness) { h.observer = o }
}

// WithMetrics records pack outcomes and violations.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(h *Harness) { h.metrics = m }
}

// WithEvents publishes a conformance.violation event per violation.
func WithEvents(ep *telemetry.EventPublisher) Option {
	return func(h *Harness) { h.events = ep }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(h *Harness) { h.logger = l.With().Str("component", "conformance").Logger() }
}

// WithWorkers bounds how many packs are checked at once. Zero or less uses
// GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(h *Harness) { h.workers = n }
}

// WithArtifacts sets the directory failure artifacts and pack logs are
// written to. Empty disables them.
func WithArtifacts(dir string) Option {
	return func(h *Harness) { h.artifacts = dir }
}

// WithMutator enables fuzzing of fixture answers.
func WithMutator(m *Mutator) Option {
	return func(h *Harness) { h.mutator = m }
}

// WithClock overrides the time source used for artifact directories.
func WithClock(clock func() time.Time) Option {
	return func(h *Harness) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// New creates a harness.
func New(opts ...Option) *Harness {
	h := &Harness{
		executors: SandboxExecutors(),
		logger:    zerolog.Nop(),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.workers <= 0 {
		h.workers = runtime.GOMAXPROCS(0)
	}
	return h
}

// Run checks every pack in corpus against every fixture. The empty answers
// fixture is always included. Pack failures are collected in the report and
// never stop the run; the error is only set when ctx ends first.
func (h *Harness) Run(ctx context.Context, corpus []string, fixtures []Fixture) (*Report, error) {
	fixtures = withEmptyFixture(fixtures)
	slots := make([]PackReport, len(corpus))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.workers)
	for i, src := range corpus {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			slots[i] = h.checkPack(gctx, src, fixtures)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report := &Report{Packs: slots}
	report.sort()
	h.logger.Info().
		Int("packs", len(report.Packs)).
		Int("failed", len(report.Failed())).
		Msg("Conformance run finished")
	return report, nil
}

// fixtureRun is one lifecycle run kept for failure artifacts.
type fixtureRun struct {
	name     string
	inputs   engine.Inputs
	result   *engine.Result
	outputs  []recordedOutput
	scrubber *plan.Scrubber
}

func (h *Harness) checkPack(ctx context.Context, src string, fixtures []Fixture) PackReport {
	rep := PackReport{Pack: packLabel(src), Source: src}
	logger := h.logger.With().Str("source", src).Logger()

	var vs []Violation
	var failed []fixtureRun
	var pack *discovery.Pack

	finish := func() PackReport {
		sortViolations(vs)
		rep.Violations = vs
		rep.OK = len(vs) == 0
		if h.artifacts != "" {
			if !rep.OK {
				dir, err := h.writeArtifacts(&rep, pack, failed)
				if err != nil {
					logger.Error().Err(err).Msg("Failed to write failure artifacts")
				}
				rep.Artifacts = dir
			}
			if err := h.writeLog(&rep); err != nil {
				logger.Error().Err(err).Msg("Failed to write pack log")
			}
		}
		h.record(&rep)
		logger.Info().
			Str("pack", rep.Pack).
			Str("version", rep.Version).
			Bool("ok", rep.OK).
			Int("violations", len(rep.Violations)).
			Msg("Pack checked")
		return rep
	}

	pack, err := discovery.OpenPack(src)
	if err != nil {
		vs = append(vs, Violation{Code: CodePackUnreadable, Message: err.Error()})
		return finish()
	}
	defer pack.Close()
	rep.Pack = pack.Manifest.Pack.ID
	rep.Version = pack.Manifest.Pack.Version

	d, ok := pack.Descriptor()
	if !ok {
		vs = append(vs, Violation{Code: CodeDiscovery, Message: "pack declares no setup entry flow"})
		return finish()
	}

	exec, err := h.executors(pack, d)
	if err != nil {
		vs = append(vs, Violation{Code: CodeRunError, Message: fmt.Sprintf("executor: %v", err)})
		return finish()
	}
	if c, ok := exec.(contextCloser); ok {
		defer func() {
			if err := c.Close(context.WithoutCancel(ctx)); err != nil {
				logger.Warn().Err(err).Msg("Failed to close executor")
			}
		}()
	}

	if d.RequirementsFlow != "" {
		if fr, ok := exec.(FlowRunner); ok {
			if v, failedReq := h.runRequirements(ctx, fr, d); failedReq {
				vs = append(vs, v)
				return finish()
			}
		}
	}

	for _, f := range fixtures {
		if ctx.Err() != nil {
			break
		}
		run, fvs := h.checkFixture(ctx, exec, d, f.Name, f.Inputs(d.PackID))
		if len(fvs) > 0 {
			vs = append(vs, fvs...)
			failed = append(failed, run)
		}
		if h.mutator == nil || run.result == nil || !validateAccepted(run.result) {
			continue
		}

		mutants, err := h.mutator.Mutate(f)
		if err != nil {
			vs = append(vs, Violation{Code: CodeFuzzMutationFailed, Fixture: f.Name, Message: err.Error()})
			continue
		}
		for _, m := range mutants {
			in := f.Inputs(d.PackID)
			in.Answers = m.Answers
			mrun, mvs := h.fuzz(ctx, exec, d, m.Name, in)
			if len(mvs) > 0 {
				vs = append(vs, mvs...)
				failed = append(failed, mrun)
			}
		}
	}
	return finish()
}

func (h *Harness) runRequirements(ctx context.Context, fr FlowRunner, d *discovery.Descriptor) (Violation, bool) {
	pctx := &engine.Context{
		RunID:        d.PackID + "-requirements",
		PackID:       d.PackID,
		PackVersion:  d.PackVersion,
		Flow:         d.RequirementsFlow,
		Capabilities: append([]string(nil), d.Capabilities...),
		Inputs:       EmptyFixture().Inputs(d.PackID),
		Mode:         engine.ModeDryRun,
		Step:         engine.StepValidate,
		Previous:     []engine.PriorOutput{},
	}
	out, err := fr.RunFlow(ctx, d.RequirementsFlow, pctx)
	if err != nil {
		var secrets []string
		if out != nil && out.Plan != nil {
			secrets = out.Plan.SecretValues()
		}
		return Violation{
			Code:    CodeRequirements,
			Message: "requirements failed: " + plan.NewScrubber(secrets...).Scrub(err.Error()),
		}, true
	}
	return Violation{}, false
}

// execute runs the lifecycle once in dry_run, recording raw step outputs.
func (h *Harness) execute(ctx context.Context, exec engine.StepExecutor, d *discovery.Descriptor, name string, in engine.Inputs) (fixtureRun, error) {
	rec := newRecorder(exec)
	res, err := engine.New(rec, engine.WithObserver(h.observer)).Run(ctx, d, in, engine.ModeDryRun)
	outputs := rec.Outputs()
	return fixtureRun{
		name:     name,
		inputs:   in,
		result:   res,
		outputs:  outputs,
		scrubber: plan.NewScrubber(secretValues(outputs)...),
	}, err
}

// checkFixture runs the fixture twice and checks the first run. The second
// run only serves the determinism comparison.
func (h *Harness) checkFixture(ctx context.Context, exec engine.StepExecutor, d *discovery.Descriptor, name string, in engine.Inputs) (fixtureRun, []Violation) {
	run, err := h.execute(ctx, exec, d, name, in)
	if run.result == nil {
		return run, []Violation{{Code: CodeRunError, Fixture: name, Message: run.scrubber.Scrub(err.Error())}}
	}

	var vs []Violation
	if err != nil {
		vs = append(vs, Violation{Code: CodeRunError, Fixture: name, Message: run.scrubber.Scrub(err.Error())})
	}
	vs = append(vs, checkTraps(name, run.result)...)
	vs = append(vs, checkStepOrder(name, run.result)...)
	vs = append(vs, checkLeaks(name, run)...)
	vs = append(vs, checkFold(name, run)...)
	vs = append(vs, checkPlanStructure(name, run.result.Plan)...)
	vs = append(vs, h.checkPolicies(ctx, d, name, in, run.result.Plan)...)

	again, err := h.execute(ctx, exec, d, name, in.Clone())
	if err == nil && again.result != nil {
		vs = append(vs, checkDeterminism(name, run.result.Plan, again.result.Plan)...)
	}
	return run, vs
}

// fuzz runs a mutated payload. Validate must reject it with actionable
// errors, and a payload Validate accepts must not trap in Apply.
func (h *Harness) fuzz(ctx context.Context, exec engine.StepExecutor, d *discovery.Descriptor, name string, in engine.Inputs) (fixtureRun, []Violation) {
	run, err := h.execute(ctx, exec, d, name, in)
	if run.result == nil {
		return run, []Violation{{Code: CodeRunError, Fixture: name, Message: run.scrubber.Scrub(err.Error())}}
	}

	vs := checkLeaks(name, run)
	validate, ran := run.result.StepResult(engine.StepValidate)
	switch {
	case !ran:
		vs = append(vs, checkTraps(name, run.result)...)

	case validate.Status == engine.StepStatusRejected:
		for _, e := range validate.Output.Diagnostics.Errors() {
			if strings.TrimSpace(e.Message) == "" {
				vs = append(vs, Violation{
					Code:    CodeFuzzUnactionable,
					Fixture: name,
					Step:    string(engine.StepValidate),
					Message: fmt.Sprintf("error diagnostic %s has no message", e.Code),
				})
			}
		}

	case validate.Status == engine.StepStatusTrap:
		vs = append(vs, Violation{
			Code:    CodeExecutionTrap,
			Fixture: name,
			Step:    string(engine.StepValidate),
			Message: validate.Error,
		})

	default:
		vs = append(vs, Violation{
			Code:    CodeFuzzAccepted,
			Fixture: name,
			Step:    string(engine.StepValidate),
			Message: "validate accepted malformed answers without an error diagnostic",
		})
		if sr, ok := run.result.StepResult(engine.StepApply); ok && sr.Status == engine.StepStatusTrap {
			vs = append(vs, Violation{
				Code:    CodeFuzzApplyTrap,
				Fixture: name,
				Step:    string(engine.StepApply),
				Message: sr.Error,
			})
		}
	}
	return run, vs
}

func (h *Harness) checkPolicies(ctx context.Context, d *discovery.Descriptor, name string, in engine.Inputs, p plan.Plan) []Violation {
	if h.policy == nil {
		return nil
	}
	res, err := h.policy.EvaluatePlan(ctx, p, policy.PlanInput{
		Pack: policy.PackInfo{
			ID:           d.PackID,
			Version:      d.PackVersion,
			Capabilities: d.Capabilities,
		},
		Mode:   engine.ModeDryRun,
		Tenant: in.Tenant,
	})
	if err != nil {
		return []Violation{{Code: CodePolicy, Fixture: name, Message: fmt.Sprintf("policy evaluation failed: %v", err)}}
	}

	var vs []Violation
	for _, v := range res.Violations {
		if v.Severity != policy.SeverityError {
			continue
		}
		msg := v.Policy + ": " + v.Message
		if v.Path != "" {
			msg += " (" + v.Path + ")"
		}
		vs = append(vs, Violation{Code: CodePolicy, Fixture: name, Message: msg})
	}
	return vs
}

func (h *Harness) record(rep *PackReport) {
	if h.metrics != nil {
		h.metrics.RecordConformancePack(rep.OK)
	}
	for _, v := range rep.Violations {
		if h.metrics != nil {
			h.metrics.RecordConformanceViolation(v.Code)
		}
		if h.events != nil {
			if err := h.events.PublishConformanceViolation(rep.Pack, v.Code, v.Message); err != nil {
				h.logger.Warn().Err(err).Msg("Failed to publish conformance violation")
			}
		}
	}
}

func validateAccepted(res *engine.Result) bool {
	sr, ok := res.StepResult(engine.StepValidate)
	return ok && sr.Status == engine.StepStatusOK
}

// packLabel names a pack that could not be opened.
func packLabel(src string) string {
	base := filepath.Base(filepath.Clean(src))
	if discovery.IsArchive(base) {
		base = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return base
}
