package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/openfroyo/provision/pkg/diag"
	"github.com/openfroyo/provision/pkg/discovery"
	"github.com/openfroyo/provision/pkg/plan"
)

// discoveryTag tags diagnostics carried over from the descriptor.
const discoveryTag = "discovery"

var (
	validatorOnce sync.Once
	validateInst  *validator.Validate
)

func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		validateInst = validator.New()
	})
	return validateInst
}

// ValidateInputs checks the structural requirements on run inputs.
func ValidateInputs(in Inputs) error {
	if err := validatorInstance().Struct(in); err != nil {
		return NewError(KindInvalidInput, "invalid provision inputs", err)
	}
	return nil
}

// Engine runs the provisioning lifecycle with a fixed executor. An Engine
// holds no per-run state and may run many lifecycles concurrently.
type Engine struct {
	executor StepExecutor
	observer Observer
	clock    func() time.Time
	newRunID func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithRunIDGenerator overrides run id generation.
func WithRunIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		if gen != nil {
			e.newRunID = gen
		}
	}
}

// New creates an engine that uses executor for every step.
func New(executor StepExecutor, opts ...Option) *Engine {
	e := &Engine{
		executor: executor,
		observer: NopObserver{},
		clock:    time.Now,
		newRunID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run drives descriptor's setup flow through Collect, Validate, Apply and
// Summary. Step failures never surface as errors: they end the run in
// StateFailed with a diagnostic, and the partial result is returned. The
// error is reserved for invalid arguments and for executors that report an
// internal, host-level failure; in the latter case the partial result is
// returned alongside the error.
func (e *Engine) Run(ctx context.Context, d *discovery.Descriptor, in Inputs, mode Mode) (*Result, error) {
	if e.executor == nil {
		return nil, NewError(KindInternal, "engine has no executor", nil)
	}
	if d == nil {
		return nil, NewError(KindInvalidInput, "descriptor is required", nil)
	}
	if err := mode.Validate(); err != nil {
		return nil, NewError(KindInvalidInput, "invalid mode", err)
	}
	if err := ValidateInputs(in); err != nil {
		return nil, err
	}

	inputs := in.Clone()
	started := e.clock()
	res := &Result{
		RunID:       e.newRunID(),
		PackID:      d.PackID,
		PackVersion: d.PackVersion,
		Mode:        mode,
		Plan:        plan.Empty(),
		Diagnostics: d.Diagnostics.Tagged(discoveryTag),
		StepResults: []StepResult{},
		StartedAt:   started,
	}
	if d.RequiresPublicBaseURL && inputs.PublicBaseURL == "" {
		res.Diagnostics = append(res.Diagnostics, diag.Warning(diag.CodePublicBaseURLMissing,
			"pack requires a public base URL but none was provided").WithPath("/public_base_url").WithStep(discoveryTag))
	}

	base := Context{
		RunID:        res.RunID,
		PackID:       d.PackID,
		PackVersion:  d.PackVersion,
		Flow:         d.SetupEntryFlow,
		Capabilities: append([]string(nil), d.Capabilities...),
		Mode:         mode,
	}
	ctx = e.observer.RunStarted(ctx, &base)

	acc := plan.Empty()
	var secrets []string
	var previous []PriorOutput
	var hostErr error

	state := StateCollect
	for !state.IsTerminal() {
		step := Step(state)

		if err := ctx.Err(); err != nil {
			res.Diagnostics = append(res.Diagnostics, diag.Error(diag.CodeRunCancelled,
				fmt.Sprintf("run cancelled before %s: %v", step, err)).WithStep(string(step)))
			state = StateFailed
			break
		}

		pctx := base
		pctx.Inputs = inputs.Clone()
		pctx.Step = step
		pctx.Previous = clonePrevious(previous)

		sr, out, err := e.runStep(ctx, step, &pctx)
		if err == nil && step != StepCollect && out != nil && out.Questions != nil {
			err = NewMalformedOutputError("questions are only allowed in the collect step", nil).WithStep(step)
		}
		if err == nil && out != nil && out.Plan != nil {
			if keys := out.Plan.ShortSecrets(); len(keys) > 0 {
				err = NewMalformedOutputError(fmt.Sprintf("secret %q is shorter than %d bytes", keys[0], plan.MinScrubLength), nil).WithStep(step)
			}
		}

		if err != nil {
			if out != nil && out.Plan != nil {
				secrets = append(secrets, out.Plan.SecretValues()...)
			}
			scrubber := plan.NewScrubber(secrets...)
			kind := KindOf(err)
			code := kind.Code()
			var classified *Error
			if errors.As(err, &classified) {
				code = classified.DiagnosticCode()
				if kind == KindInternal {
					hostErr = err
					code = diag.CodeExecutorTrap
				}
			} else {
				kind = KindExecutionTrap
				code = diag.CodeExecutorTrap
			}
			msg := scrubber.Scrub(err.Error())
			sr.Status = StepStatusTrap
			sr.Error = msg
			sr.ErrorKind = kind
			res.Diagnostics = append(res.Diagnostics, diag.Error(code, msg).WithStep(string(step)))
			res.StepResults = append(res.StepResults, sr)
			e.observer.StepFinished(ctx, sr)
			state = StateFailed
			continue
		}

		if out == nil {
			out = &StepOutput{}
		}
		if out.Plan != nil {
			acc = acc.Merge(*out.Plan)
			secrets = append(secrets, out.Plan.SecretValues()...)
		}
		scrubber := plan.NewScrubber(secrets...)

		stepDiags := scrubDiagnostics(out.Diagnostics, scrubber).Tagged(string(step))
		res.Diagnostics = append(res.Diagnostics, stepDiags...)

		recorded := out.Clone()
		recorded.Diagnostics = stepDiags
		if recorded.Plan != nil {
			view := recorded.Plan.RedactedView()
			view.Notes = scrubNotes(view.Notes, scrubber)
			recorded.Plan = &view
		}
		sr.Output = recorded

		if step == StepValidate && stepDiags.HasErrors() {
			sr.Status = StepStatusRejected
			state = StateFailed
		} else {
			state = next(step)
		}
		res.StepResults = append(res.StepResults, sr)
		e.observer.StepFinished(ctx, sr)

		previous = append(previous, PriorOutput{Step: step, Output: *out.Clone()})
	}

	acc.Notes = scrubNotes(acc.Notes, plan.NewScrubber(secrets...))
	res.Plan = acc
	res.State = state
	res.FinishedAt = e.clock()
	e.observer.RunFinished(ctx, res, res.FinishedAt.Sub(started))

	if hostErr != nil {
		return res, hostErr
	}
	return res, nil
}

// runStep invokes the executor, converting panics into traps.
func (e *Engine) runStep(ctx context.Context, step Step, pctx *Context) (sr StepResult, out *StepOutput, err error) {
	stepCtx := e.observer.StepStarted(ctx, step)
	sr = StepResult{Step: step, Status: StepStatusOK, StartedAt: e.clock()}

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = NewTrapError(fmt.Sprintf("executor panicked: %v", r), nil).WithStep(step)
		}
		sr.Duration = e.clock().Sub(sr.StartedAt)
	}()

	out, err = e.executor.RunStep(stepCtx, step, pctx)
	return sr, out, err
}

func clonePrevious(prev []PriorOutput) []PriorOutput {
	out := make([]PriorOutput, len(prev))
	for i, p := range prev {
		out[i] = PriorOutput{Step: p.Step, Output: *p.Output.Clone()}
	}
	return out
}

func scrubDiagnostics(l diag.List, s *plan.Scrubber) diag.List {
	out := make(diag.List, len(l))
	for i, d := range l {
		d.Message = s.Scrub(d.Message)
		d.Path = s.Scrub(d.Path)
		out[i] = d
	}
	return out
}

func scrubNotes(notes []string, s *plan.Scrubber) []string {
	if s.Empty() {
		return notes
	}
	out := make([]string, len(notes))
	for i, n := range notes {
		out[i] = s.Scrub(n)
	}
	return out
}
