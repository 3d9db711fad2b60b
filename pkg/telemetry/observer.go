package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/provision/pkg/engine"
)

// Observer reports lifecycle runs as logs, spans, metrics and events. It
// implements engine.Observer and is safe for concurrent runs.
type Observer struct {
	logger  *Logger
	tracer  *Tracer
	metrics *Metrics
	events  *EventPublisher
}

var _ engine.Observer = (*Observer)(nil)

// NewObserver creates an observer. Any of the sinks may be nil.
func NewObserver(logger *Logger, tracer *Tracer, metrics *Metrics, events *EventPublisher) *Observer {
	return &Observer{logger: logger, tracer: tracer, metrics: metrics, events: events}
}

// runState follows one run. StepFinished receives the run context rather
// than the step context, so step spans are kept here.
type runState struct {
	runID  string
	packID string
	mode   string
	logger *Logger
	span   trace.Span

	mu    sync.Mutex
	steps map[engine.Step]trace.Span
}

type runStateKey struct{}

func stateFrom(ctx context.Context) *runState {
	s, _ := ctx.Value(runStateKey{}).(*runState)
	return s
}

// RunStarted opens the run span and records the start.
func (o *Observer) RunStarted(ctx context.Context, pctx *engine.Context) context.Context {
	s := &runState{
		runID:  pctx.RunID,
		packID: pctx.PackID,
		mode:   string(pctx.Mode),
		steps:  make(map[engine.Step]trace.Span),
	}
	if o.logger != nil {
		s.logger = o.logger.NewComponentLogger("engine").
			WithRunID(pctx.RunID).
			WithPack(pctx.PackID, pctx.PackVersion)
		ctx = s.logger.WithContext(ctx)
		s.logger.zlog.Info().Str("mode", s.mode).Str("flow", pctx.Flow).Msg("run started")
	}
	if o.tracer != nil {
		ctx, s.span = o.tracer.StartRunSpan(ctx, pctx.RunID, pctx.PackID, s.mode)
		s.span.SetAttributes(AttrPackVersion.String(pctx.PackVersion))
	}
	if o.metrics != nil {
		o.metrics.RecordRunStarted(s.mode)
	}
	if o.events != nil {
		_ = o.events.PublishRunStarted(pctx.RunID, pctx.PackID, s.mode)
	}
	return context.WithValue(ctx, runStateKey{}, s)
}

// StepStarted opens a step span under the run span.
func (o *Observer) StepStarted(ctx context.Context, step engine.Step) context.Context {
	s := stateFrom(ctx)
	if s == nil || o.tracer == nil {
		return ctx
	}
	stepCtx, span := o.tracer.StartStepSpan(ctx, string(step))
	s.mu.Lock()
	s.steps[step] = span
	s.mu.Unlock()
	return stepCtx
}

// StepFinished closes the step span and records the outcome.
func (o *Observer) StepFinished(ctx context.Context, result engine.StepResult) {
	s := stateFrom(ctx)
	if s == nil {
		return
	}

	s.mu.Lock()
	span, ok := s.steps[result.Step]
	delete(s.steps, result.Step)
	s.mu.Unlock()

	var diagnostics int
	if result.Output != nil {
		diagnostics = len(result.Output.Diagnostics)
	}

	if ok {
		span.SetAttributes(
			AttrStepStatus.String(string(result.Status)),
			AttrDiagnostics.Int(diagnostics),
		)
		if result.ErrorKind != "" {
			span.SetAttributes(AttrErrorKind.String(string(result.ErrorKind)))
			RecordError(span, fmt.Errorf("%s", result.Error))
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	if o.metrics != nil {
		o.metrics.RecordStep(string(result.Step), string(result.Status), result.Duration)
		o.metrics.RecordError(string(result.ErrorKind))
		if result.Output != nil {
			for _, d := range result.Output.Diagnostics {
				o.metrics.RecordDiagnostic(string(d.Severity))
			}
		}
	}

	if s.logger != nil {
		ev := s.logger.zlog.Debug()
		if result.ErrorKind != "" {
			ev = s.logger.zlog.Warn().Str("error_kind", string(result.ErrorKind)).Str("error", result.Error)
		}
		ev.Str("step", string(result.Step)).
			Str("status", string(result.Status)).
			Dur("duration", result.Duration).
			Int("diagnostics", diagnostics).
			Msg("step finished")
	}

	if o.events != nil {
		_ = o.events.PublishStepFinished(s.runID, s.packID, string(result.Step), string(result.Status), string(result.ErrorKind), result.Duration)
	}
}

// RunFinished closes the run span and records the terminal state.
func (o *Observer) RunFinished(ctx context.Context, result *engine.Result, elapsed time.Duration) {
	s := stateFrom(ctx)
	if s == nil {
		return
	}

	// steps that never reported still need their spans closed
	s.mu.Lock()
	for step, span := range s.steps {
		span.End()
		delete(s.steps, step)
	}
	s.mu.Unlock()

	state := string(result.State)
	if s.span != nil {
		s.span.SetAttributes(
			AttrRunState.String(state),
			AttrDiagnostics.Int(len(result.Diagnostics)),
		)
		if result.Succeeded() {
			RecordSuccess(s.span)
		} else {
			RecordError(s.span, fmt.Errorf("run finished in state %s", state))
		}
		s.span.End()
	}

	if o.metrics != nil {
		o.metrics.RecordRunCompleted(s.mode, state, elapsed)
	}

	if s.logger != nil {
		ev := s.logger.zlog.Info()
		if !result.Succeeded() {
			ev = s.logger.zlog.Warn()
		}
		ev.Str("state", state).
			Dur("elapsed", elapsed).
			Int("diagnostics", len(result.Diagnostics)).
			Msg("run finished")
	}

	if o.events != nil {
		_ = o.events.PublishRunFinished(s.runID, s.packID, state, result.Succeeded(), elapsed)
	}
}
