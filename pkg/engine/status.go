package engine

import (
	"fmt"
)

// Mode governs whether apply-side adapters may materialize the plan. The
// engine itself never writes regardless of mode.
type Mode string

const (
	// ModeInstall provisions a new installation.
	ModeInstall Mode = "install"

	// ModeUpdate changes an existing installation.
	ModeUpdate Mode = "update"

	// ModeDelete removes an installation.
	ModeDelete Mode = "delete"

	// ModeDryRun guarantees no durable external write.
	ModeDryRun Mode = "dry_run"
)

// Modes lists every mode.
var Modes = []Mode{ModeInstall, ModeUpdate, ModeDelete, ModeDryRun}

// Validate checks if the mode is valid.
func (m Mode) Validate() error {
	switch m {
	case ModeInstall, ModeUpdate, ModeDelete, ModeDryRun:
		return nil
	default:
		return fmt.Errorf("invalid mode: %q", m)
	}
}

// AllowsWrites returns true if adapters may perform durable writes.
func (m Mode) AllowsWrites() bool {
	return m == ModeInstall || m == ModeUpdate || m == ModeDelete
}

// ParseMode converts a string, accepting "dry-run" as an alias.
func ParseMode(s string) (Mode, error) {
	if s == "dry-run" {
		return ModeDryRun, nil
	}
	m := Mode(s)
	if err := m.Validate(); err != nil {
		return "", err
	}
	return m, nil
}

// Step is a lifecycle step.
type Step string

const (
	// StepCollect gathers answers.
	StepCollect Step = "collect"

	// StepValidate checks answers.
	StepValidate Step = "validate"

	// StepApply produces the plan.
	StepApply Step = "apply"

	// StepSummary reports on the plan.
	StepSummary Step = "summary"
)

// Steps is the fixed lifecycle order.
var Steps = []Step{StepCollect, StepValidate, StepApply, StepSummary}

// Validate checks if the step is valid.
func (s Step) Validate() error {
	switch s {
	case StepCollect, StepValidate, StepApply, StepSummary:
		return nil
	default:
		return fmt.Errorf("invalid step: %q", s)
	}
}

// Index returns the position of s in the lifecycle, or -1.
func (s Step) Index() int {
	for i, step := range Steps {
		if step == s {
			return i
		}
	}
	return -1
}

// State is a lifecycle engine state.
type State string

const (
	StateCollect  State = "collect"
	StateValidate State = "validate"
	StateApply    State = "apply"
	StateSummary  State = "summary"
	StateDone     State = "done"
	StateFailed   State = "failed"
)

// IsTerminal returns true if the state is final.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// stateOf maps a step to the state that runs it.
func stateOf(step Step) State {
	return State(step)
}

// next returns the state following a successful step.
func next(step Step) State {
	i := step.Index()
	if i < 0 || i == len(Steps)-1 {
		return StateDone
	}
	return stateOf(Steps[i+1])
}

// StepStatus is the outcome of a single step call.
type StepStatus string

const (
	// StepStatusOK means the executor returned a well-formed output.
	StepStatusOK StepStatus = "ok"

	// StepStatusRejected means validate returned error diagnostics.
	StepStatusRejected StepStatus = "rejected"

	// StepStatusTrap means the executor failed.
	StepStatusTrap StepStatus = "trap"
)
