package conformance

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/plan"
)

// recordedOutput is one raw executor return, as the executor produced it.
type recordedOutput struct {
	Step   engine.Step        `json:"step"`
	Output *engine.StepOutput `json:"output,omitempty"`
	Error  string             `json:"error,omitempty"`
}

// recorder passes calls through to an executor and keeps a copy of every
// output before the engine scrubs or merges it.
type recorder struct {
	exec engine.StepExecutor

	mu      sync.Mutex
	outputs []recordedOutput
}

func newRecorder(exec engine.StepExecutor) *recorder {
	return &recorder{exec: exec}
}

func (r *recorder) RunStep(ctx context.Context, step engine.Step, pctx *engine.Context) (*engine.StepOutput, error) {
	out, err := r.exec.RunStep(ctx, step, pctx)

	rec := recordedOutput{Step: step, Output: out.Clone()}
	if err != nil {
		rec.Error = err.Error()
	}
	r.mu.Lock()
	r.outputs = append(r.outputs, rec)
	r.mu.Unlock()
	return out, err
}

// Outputs returns the recorded outputs in call order.
func (r *recorder) Outputs() []recordedOutput {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedOutput(nil), r.outputs...)
}

func secretValues(outputs []recordedOutput) []string {
	var out []string
	for _, o := range outputs {
		if o.Output != nil && o.Output.Plan != nil {
			out = append(out, o.Output.Plan.SecretValues()...)
		}
	}
	return out
}

// mergedFragments returns the plan fragments the engine folded into the
// result: those of steps that did not trap.
func mergedFragments(run fixtureRun) []plan.Fragment {
	trapped := make(map[engine.Step]bool)
	for _, sr := range run.result.StepResults {
		if sr.Status == engine.StepStatusTrap {
			trapped[sr.Step] = true
		}
	}
	var out []plan.Fragment
	for _, o := range run.outputs {
		if o.Error != "" || trapped[o.Step] || o.Output == nil || o.Output.Plan == nil {
			continue
		}
		out = append(out, o.Output.Plan.Clone())
	}
	return out
}

func checkTraps(fixture string, res *engine.Result) []Violation {
	var vs []Violation
	for _, sr := range res.StepResults {
		if sr.Status != engine.StepStatusTrap {
			continue
		}
		vs = append(vs, Violation{
			Code:    CodeExecutionTrap,
			Fixture: fixture,
			Step:    string(sr.Step),
			Message: fmt.Sprintf("%s: %s", sr.ErrorKind, sr.Error),
		})
	}
	return vs
}

// checkStepOrder verifies the steps ran as a prefix of collect, validate,
// apply, summary, that a finished run ran all of them, and that a failed
// run stopped at the step that failed.
func checkStepOrder(fixture string, res *engine.Result) []Violation {
	fail := func(msg string) []Violation {
		return []Violation{{Code: CodeStepOrder, Fixture: fixture, Message: msg}}
	}

	if len(res.StepResults) > len(engine.Steps) {
		return fail(fmt.Sprintf("%d step results for %d steps", len(res.StepResults), len(engine.Steps)))
	}
	for i, sr := range res.StepResults {
		if sr.Step != engine.Steps[i] {
			return fail(fmt.Sprintf("step %d is %s, want %s", i, sr.Step, engine.Steps[i]))
		}
		if sr.Status != engine.StepStatusOK && i != len(res.StepResults)-1 {
			return fail(fmt.Sprintf("run continued after %s ended with %s", sr.Step, sr.Status))
		}
	}

	switch res.State {
	case engine.StateDone:
		if len(res.StepResults) != len(engine.Steps) {
			return fail(fmt.Sprintf("run finished after %d of %d steps", len(res.StepResults), len(engine.Steps)))
		}
	case engine.StateFailed:
	default:
		return fail(fmt.Sprintf("run ended in non-terminal state %s", res.State))
	}
	return nil
}

// checkLeaks looks for any secret value a step produced in the redacted
// report and the diagnostics.
func checkLeaks(fixture string, run fixtureRun) []Violation {
	if run.scrubber.Empty() {
		return nil
	}
	var vs []Violation
	report, err := run.result.Report()
	if err != nil {
		return []Violation{{Code: CodeSecretLeak, Fixture: fixture, Message: fmt.Sprintf("report could not be rendered: %v", err)}}
	}
	if run.scrubber.Leaks(report) {
		vs = append(vs, Violation{Code: CodeSecretLeak, Fixture: fixture, Message: "secret value found in the run report"})
	}
	for _, d := range run.result.Diagnostics {
		if run.scrubber.Leaks([]byte(d.Message)) || run.scrubber.Leaks([]byte(d.Path)) {
			vs = append(vs, Violation{
				Code:    CodeSecretLeak,
				Fixture: fixture,
				Step:    d.Step,
				Message: fmt.Sprintf("secret value found in diagnostic %s", d.Code),
			})
		}
	}
	for i, note := range run.result.Plan.Notes {
		if run.scrubber.Leaks([]byte(note)) {
			vs = append(vs, Violation{Code: CodeSecretLeak, Fixture: fixture, Message: fmt.Sprintf("secret value found in plan note %d", i)})
		}
	}
	return vs
}

// checkFold re-merges the recorded fragments, checks the left and right
// nested folds agree and that both match the accumulated plan.
func checkFold(fixture string, run fixtureRun) []Violation {
	fragments := mergedFragments(run)
	left := plan.Fold(fragments...)

	right := plan.Empty()
	for i := len(fragments) - 1; i >= 0; i-- {
		right = fragments[i].Merge(right)
	}

	var vs []Violation
	if !plan.Equal(left, right) {
		vs = append(vs, Violation{
			Code:    CodeMergeAssociativity,
			Fixture: fixture,
			Message: "left and right nested folds of the step fragments differ",
		})
	}

	// the engine scrubs notes, so compare against the scrubbed fold
	left.Notes = scrubAll(left.Notes, run.scrubber)
	if !plan.Equal(left, run.result.Plan) {
		vs = append(vs, Violation{
			Code:    CodeMergeAssociativity,
			Fixture: fixture,
			Message: "accumulated plan differs from the fold of the step fragments",
		})
	}
	return vs
}

func checkPlanStructure(fixture string, p plan.Plan) []Violation {
	var vs []Violation
	for _, d := range p.Validate() {
		code := CodePlanStructure
		if d.Code == plan.CodeEmptyTarget {
			code = CodeEmptyTarget
		}
		vs = append(vs, Violation{Code: code, Fixture: fixture, Message: fmt.Sprintf("%s: %s", d.Path, d.Message)})
	}
	return vs
}

func checkDeterminism(fixture string, a, b plan.Plan) []Violation {
	first, errA := a.SerializeDeterministic()
	second, errB := b.SerializeDeterministic()
	if errA != nil || errB != nil {
		return []Violation{{Code: CodeDeterminism, Fixture: fixture, Message: "plan could not be serialized"}}
	}
	if !bytes.Equal(first, second) {
		return []Violation{{Code: CodeDeterminism, Fixture: fixture, Message: "two runs with identical inputs serialized different plans"}}
	}
	// secret values are redacted in the serialization, compare them too
	if !slices.Equal(a.SecretValues(), b.SecretValues()) {
		return []Violation{{Code: CodeDeterminism, Fixture: fixture, Message: "two runs with identical inputs produced different secret values"}}
	}
	return nil
}

func scrubAll(lines []string, s *plan.Scrubber) []string {
	if lines == nil {
		return nil
	}
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = s.Scrub(l)
	}
	return out
}
