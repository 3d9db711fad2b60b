package engine

import (
	"context"
	"time"
)

// StepExecutor runs a single lifecycle step for a pack.
//
// Implementations must honor ctx cancellation and return an *Error for
// step-level failures. Exactly two kinds exist: the inert executor that
// returns empty outputs and the sandboxed executor that runs pack units.
type StepExecutor interface {
	// RunStep executes step with the given context. The context must not be
	// modified.
	RunStep(ctx context.Context, step Step, pctx *Context) (*StepOutput, error)
}

// StepExecutorFunc adapts a function to StepExecutor.
type StepExecutorFunc func(ctx context.Context, step Step, pctx *Context) (*StepOutput, error)

// RunStep calls f.
func (f StepExecutorFunc) RunStep(ctx context.Context, step Step, pctx *Context) (*StepOutput, error) {
	return f(ctx, step, pctx)
}

// Observer receives lifecycle events. Implementations must be safe for
// concurrent use because independent runs may share an observer.
type Observer interface {
	// RunStarted is called before the first step. The returned context is
	// used for the rest of the run.
	RunStarted(ctx context.Context, pctx *Context) context.Context

	// StepStarted is called before the executor is invoked. The returned
	// context is passed to the executor.
	StepStarted(ctx context.Context, step Step) context.Context

	// StepFinished is called after the executor returns.
	StepFinished(ctx context.Context, result StepResult)

	// RunFinished is called with the final result.
	RunFinished(ctx context.Context, result *Result, elapsed time.Duration)
}

// NopObserver ignores all events.
type NopObserver struct{}

// RunStarted returns ctx.
func (NopObserver) RunStarted(ctx context.Context, _ *Context) context.Context { return ctx }

// StepStarted returns ctx.
func (NopObserver) StepStarted(ctx context.Context, _ Step) context.Context { return ctx }

// StepFinished does nothing.
func (NopObserver) StepFinished(context.Context, StepResult) {}

// RunFinished does nothing.
func (NopObserver) RunFinished(context.Context, *Result, time.Duration) {}
