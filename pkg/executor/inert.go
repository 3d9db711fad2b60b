package executor

import (
	"context"

	"github.com/openfroyo/provision/pkg/diag"
	"github.com/openfroyo/provision/pkg/engine"
)

// Inert is a StepExecutor that runs no pack code. Every step succeeds with
// an empty output.
type Inert struct{}

// NewInert returns the inert executor.
func NewInert() Inert {
	return Inert{}
}

// RunStep returns an empty output.
func (Inert) RunStep(ctx context.Context, step engine.Step, _ *engine.Context) (*engine.StepOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, engine.NewTrapError("step interrupted", err).WithStep(step)
	}
	return &engine.StepOutput{Diagnostics: diag.List{}}, nil
}
