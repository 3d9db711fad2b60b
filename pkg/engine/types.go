package engine

import (
	"encoding/json"
	"time"

	"github.com/openfroyo/provision/pkg/diag"
	"github.com/openfroyo/provision/pkg/plan"
)

// Tenant identifies who a provisioning run is for.
type Tenant struct {
	// Env is the deployment environment, such as "prod".
	Env string `json:"env"`

	// Tenant is the tenant identifier.
	Tenant string `json:"tenant"`

	// Team optionally narrows the tenant.
	Team string `json:"team,omitempty"`

	// User optionally names the acting user.
	User string `json:"user,omitempty"`
}

// Inputs is everything a run is given. It is not modified once the run starts.
type Inputs struct {
	// Tenant is the tenant context.
	Tenant Tenant `json:"tenant"`

	// ProviderID is an opaque provider identifier.
	ProviderID string `json:"provider_id" validate:"required"`

	// InstallID is an opaque installation identifier.
	InstallID string `json:"install_id" validate:"required"`

	// PublicBaseURL is where the installation is reachable, when known.
	PublicBaseURL string `json:"public_base_url,omitempty" validate:"omitempty,url"`

	// Answers holds structured answers supplied by the caller.
	Answers map[string]any `json:"answers"`

	// ExistingState is a snapshot of the prior installation, if any.
	ExistingState map[string]any `json:"existing_state,omitempty"`
}

// Clone returns a deep copy of in.
func (in Inputs) Clone() Inputs {
	out := in
	out.Answers = cloneObject(in.Answers)
	out.ExistingState = cloneObject(in.ExistingState)
	return out
}

// StepOutput is what an executor returns for one step.
type StepOutput struct {
	// Diagnostics are the step findings in order.
	Diagnostics diag.List `json:"diagnostics"`

	// Plan is the optional fragment contributed by the step.
	Plan *plan.Fragment `json:"plan,omitempty"`

	// Questions optionally describes further input the collect step needs.
	Questions any `json:"questions,omitempty"`
}

// IsEmpty reports whether the output carries nothing.
func (o *StepOutput) IsEmpty() bool {
	return o == nil || (len(o.Diagnostics) == 0 && (o.Plan == nil || o.Plan.IsEmpty()) && o.Questions == nil)
}

// Clone returns a deep copy of o.
func (o *StepOutput) Clone() *StepOutput {
	if o == nil {
		return nil
	}
	out := &StepOutput{
		Diagnostics: append(diag.List(nil), o.Diagnostics...),
		Questions:   cloneAny(o.Questions),
	}
	if o.Plan != nil {
		p := o.Plan.Clone()
		out.Plan = &p
	}
	return out
}

// PriorOutput is the output of an earlier step of the same run.
type PriorOutput struct {
	Step   Step       `json:"step"`
	Output StepOutput `json:"output"`
}

// Context is handed to the executor for a single step. Executors read it and
// never modify it.
type Context struct {
	// RunID identifies the run.
	RunID string `json:"run_id"`

	// PackID and PackVersion identify the pack.
	PackID      string `json:"pack_id"`
	PackVersion string `json:"pack_version"`

	// Flow is the setup entry flow being run.
	Flow string `json:"flow"`

	// Capabilities are the capability tags the pack declared.
	Capabilities []string `json:"capabilities,omitempty"`

	// Inputs are the run inputs.
	Inputs Inputs `json:"inputs"`

	// Mode is forwarded to the executor and adapters.
	Mode Mode `json:"mode"`

	// Step is the step being executed.
	Step Step `json:"step"`

	// Previous holds the outputs of the steps already run, in order.
	Previous []PriorOutput `json:"previous"`
}

// StepResult records one executor call.
type StepResult struct {
	// Step is the step that ran.
	Step Step `json:"step"`

	// Status is ok, rejected or trap.
	Status StepStatus `json:"status"`

	// StartedAt is when the executor was invoked.
	StartedAt time.Time `json:"started_at"`

	// Duration is the executor wall time.
	Duration time.Duration `json:"duration"`

	// Output is the step output. Secret values render redacted.
	Output *StepOutput `json:"output,omitempty"`

	// Error is the scrubbed executor failure, if any.
	Error string `json:"error,omitempty"`

	// ErrorKind classifies the executor failure, if any.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
}

// Succeeded returns true unless the executor failed.
func (r StepResult) Succeeded() bool {
	return r.Status != StepStatusTrap
}

// Result is the terminal artifact of a run.
type Result struct {
	// RunID identifies the run.
	RunID string `json:"run_id"`

	// PackID and PackVersion identify the pack.
	PackID      string `json:"pack_id"`
	PackVersion string `json:"pack_version"`

	// Mode is the run mode.
	Mode Mode `json:"mode"`

	// State is StateDone or StateFailed.
	State State `json:"state"`

	// Plan is the accumulated plan.
	Plan plan.Plan `json:"plan"`

	// Diagnostics is the step-tagged union of all diagnostics.
	Diagnostics diag.List `json:"diagnostics"`

	// StepResults lists executor calls in lifecycle order.
	StepResults []StepResult `json:"step_results"`

	// StartedAt and FinishedAt bound the run.
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Succeeded returns true if the run reached StateDone.
func (r *Result) Succeeded() bool {
	return r.State == StateDone
}

// StepResult returns the result for step, if it ran.
func (r *Result) StepResult(step Step) (StepResult, bool) {
	for _, sr := range r.StepResults {
		if sr.Step == step {
			return sr, true
		}
	}
	return StepResult{}, false
}

// Report renders the result for callers with the plan redacted.
func (r *Result) Report() ([]byte, error) {
	view := *r
	view.Plan = r.Plan.RedactedView()
	return json.MarshalIndent(view, "", "  ")
}

func cloneObject(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneAny(v)
	}
	return out
}

func cloneAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneObject(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneAny(e)
		}
		return out
	default:
		return v
	}
}
