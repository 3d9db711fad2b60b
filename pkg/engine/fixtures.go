package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/openfroyo/provision/pkg/plan"
)

// FixtureExecutor replays recorded step outputs. Steps without a recording
// return an empty output. It lets recorded pack behavior run through the same
// engine and merge rules as live execution.
type FixtureExecutor struct {
	outputs map[Step]*StepOutput
}

// NewFixtureExecutor creates a replay executor from in-memory outputs.
func NewFixtureExecutor(outputs map[Step]*StepOutput) *FixtureExecutor {
	cp := make(map[Step]*StepOutput, len(outputs))
	for step, out := range outputs {
		cp[step] = out.Clone()
	}
	return &FixtureExecutor{outputs: cp}
}

// LoadFixtureExecutor reads one recorded output file per step.
func LoadFixtureExecutor(paths map[Step]string) (*FixtureExecutor, error) {
	outputs := make(map[Step]*StepOutput, len(paths))
	for _, step := range Steps {
		path, ok := paths[step]
		if !ok || path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s fixture: %w", step, err)
		}
		out, err := DecodeStepOutput(data, step)
		if err != nil {
			return nil, fmt.Errorf("fixture %s: %w", path, err)
		}
		outputs[step] = out
	}
	return &FixtureExecutor{outputs: outputs}, nil
}

// RunStep returns the recorded output for step.
func (f *FixtureExecutor) RunStep(ctx context.Context, step Step, _ *Context) (*StepOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewTrapError("step interrupted", err).WithStep(step)
	}
	if out, ok := f.outputs[step]; ok {
		return out.Clone(), nil
	}
	return &StepOutput{}, nil
}

// PlanFromFixtures folds the plan fragments of recorded step outputs in
// lifecycle order.
func PlanFromFixtures(paths map[Step]string) (plan.Plan, error) {
	fx, err := LoadFixtureExecutor(paths)
	if err != nil {
		return plan.Plan{}, err
	}
	acc := plan.Empty()
	for _, step := range Steps {
		if out, ok := fx.outputs[step]; ok && out.Plan != nil {
			acc = acc.Merge(*out.Plan)
		}
	}
	return acc, nil
}
