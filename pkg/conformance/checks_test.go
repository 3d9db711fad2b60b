package conformance

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/plan"
)

func resultWith(state engine.State, steps ...engine.StepResult) *engine.Result {
	return &engine.Result{State: state, Plan: plan.Empty(), StepResults: steps}
}

func sr(step engine.Step, status engine.StepStatus) engine.StepResult {
	return engine.StepResult{Step: step, Status: status}
}

func TestCheckStepOrder(t *testing.T) {
	ok := engine.StepStatusOK
	tests := []struct {
		name  string
		res   *engine.Result
		valid bool
	}{
		{
			name: "complete run",
			res: resultWith(engine.StateDone,
				sr(engine.StepCollect, ok), sr(engine.StepValidate, ok), sr(engine.StepApply, ok), sr(engine.StepSummary, ok)),
			valid: true,
		},
		{
			name:  "rejected validate stops the run",
			res:   resultWith(engine.StateFailed, sr(engine.StepCollect, ok), sr(engine.StepValidate, engine.StepStatusRejected)),
			valid: true,
		},
		{
			name:  "cancelled before any step",
			res:   resultWith(engine.StateFailed),
			valid: true,
		},
		{
			name: "skipped validate",
			res:  resultWith(engine.StateFailed, sr(engine.StepCollect, ok), sr(engine.StepApply, ok)),
		},
		{
			name: "continued after a trap",
			res:  resultWith(engine.StateFailed, sr(engine.StepCollect, engine.StepStatusTrap), sr(engine.StepValidate, ok)),
		},
		{
			name: "done too early",
			res:  resultWith(engine.StateDone, sr(engine.StepCollect, ok)),
		},
		{
			name: "non-terminal state",
			res:  resultWith(engine.State("apply"), sr(engine.StepCollect, ok)),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vs := checkStepOrder("f", tt.res)
			if tt.valid {
				assert.Empty(t, vs)
				return
			}
			if assert.Len(t, vs, 1) {
				assert.Equal(t, CodeStepOrder, vs[0].Code)
				assert.Equal(t, "f", vs[0].Fixture)
			}
		})
	}
}

func TestCheckFold(t *testing.T) {
	a := plan.Empty()
	a.ConfigPatch["region"] = "eu"
	a.Notes = []string{"key is s3cr3t-value"}
	b := plan.Empty()
	b.ConfigPatch["region"] = "us"
	b.SecretsPatch = []plan.SecretOp{{Op: plan.SecretSet, Key: "token", Value: plan.NewSecretValue("s3cr3t-value")}}

	outputs := []recordedOutput{
		{Step: engine.StepCollect, Output: &engine.StepOutput{Plan: &a}},
		{Step: engine.StepApply, Output: &engine.StepOutput{Plan: &b}},
	}
	scrubber := plan.NewScrubber(secretValues(outputs)...)

	merged := plan.Fold(a, b)
	merged.Notes = []string{scrubber.Scrub(merged.Notes[0])}
	run := fixtureRun{
		result:   resultWith(engine.StateDone, sr(engine.StepCollect, engine.StepStatusOK), sr(engine.StepApply, engine.StepStatusOK)),
		outputs:  outputs,
		scrubber: scrubber,
	}
	run.result.Plan = merged
	assert.Empty(t, checkFold("f", run))

	run.result.Plan = plan.Fold(b, a)
	vs := checkFold("f", run)
	if assert.Len(t, vs, 1) {
		assert.Equal(t, CodeMergeAssociativity, vs[0].Code)
	}
}

func TestCheckLeaks(t *testing.T) {
	p := plan.Empty()
	p.Notes = []string{"token s3cr3t-value"}
	run := fixtureRun{
		result:   &engine.Result{Plan: p, Diagnostics: nil},
		scrubber: plan.NewScrubber("s3cr3t-value"),
	}
	codes := codesOf(checkLeaks("f", run))
	assert.Equal(t, []string{CodeSecretLeak, CodeSecretLeak}, codes)

	run.scrubber = plan.NewScrubber()
	assert.Empty(t, checkLeaks("f", run))
}

func TestCheckPlanStructure(t *testing.T) {
	p := plan.Empty()
	p.WebhookOps = []plan.WebhookOp{{Op: plan.OpRegister, ID: "", URL: "https://x.test"}}
	p.SubscriptionOps = []plan.SubscriptionOp{{Op: "upsert", ID: "s1"}}

	codes := codesOf(checkPlanStructure("f", p))
	assert.ElementsMatch(t, []string{CodeEmptyTarget, CodePlanStructure}, codes)
}
