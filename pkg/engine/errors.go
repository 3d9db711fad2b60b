package engine

import (
	"errors"
	"fmt"

	"github.com/openfroyo/provision/pkg/diag"
)

// ErrorKind classifies provisioning failures.
type ErrorKind string

const (
	// KindDiscoveryAbsent means the pack does not provision. It is a valid
	// negative result rather than a failure.
	KindDiscoveryAbsent ErrorKind = "discovery_absent"

	// KindValidationRejected means the validate step emitted error diagnostics.
	KindValidationRejected ErrorKind = "validation_rejected"

	// KindExecutionTrap means the pack unit crashed, could not be resolved or
	// violated the host contract.
	KindExecutionTrap ErrorKind = "execution_trap"

	// KindResourceExceeded means a memory, time or output-size cap was hit.
	KindResourceExceeded ErrorKind = "execution_resource_exceeded"

	// KindMalformedOutput means the unit returned an unparseable or wrongly
	// shaped payload.
	KindMalformedOutput ErrorKind = "execution_malformed_output"

	// KindMergeConflict signals a plan merge that the merge rules could not
	// resolve. Its presence indicates a model bug.
	KindMergeConflict ErrorKind = "merge_conflict"

	// KindNonDeterministic means repeated runs serialized different plans.
	KindNonDeterministic ErrorKind = "serialization_nondeterminism"

	// KindInvalidInput is a host-level problem with the run arguments.
	KindInvalidInput ErrorKind = "invalid_input"

	// KindInternal is an unrecoverable host-level failure, such as a sandbox
	// runtime that cannot be created.
	KindInternal ErrorKind = "internal"
)

// Code returns the reserved diagnostic code for executor failures of this kind.
func (k ErrorKind) Code() string {
	switch k {
	case KindExecutionTrap:
		return diag.CodeExecutorTrap
	case KindResourceExceeded:
		return diag.CodeExecutorResourceExceeded
	case KindMalformedOutput:
		return diag.CodeExecutorMalformedOutput
	case KindMergeConflict:
		return diag.CodeMergeConflict
	default:
		return "provision." + string(k)
	}
}

// Error is a classified provisioning error.
type Error struct {
	// Kind is the taxonomy class.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code optionally overrides the diagnostic code derived from Kind.
	Code string `json:"code,omitempty"`

	// Step is the lifecycle step that failed, if any.
	Step Step `json:"step,omitempty"`

	// Unit is the pack unit involved, if any.
	Unit string `json:"unit,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Kind)
	if e.Step != "" {
		prefix += fmt.Sprintf(" step=%s", e.Step)
	}
	if e.Unit != "" {
		prefix += fmt.Sprintf(" unit=%s", e.Unit)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s", prefix, e.Message, e.Err.Error())
	}
	return fmt.Sprintf("%s %s", prefix, e.Message)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors of the same kind and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

// DiagnosticCode returns Code when set and the kind's reserved code otherwise.
func (e *Error) DiagnosticCode() string {
	if e.Code != "" {
		return e.Code
	}
	return e.Kind.Code()
}

// NewError creates an error of the given kind.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// NewTrapError creates an execution trap error.
func NewTrapError(message string, err error) *Error {
	return NewError(KindExecutionTrap, message, err)
}

// NewResourceExceededError creates a resource limit error.
func NewResourceExceededError(message string, err error) *Error {
	return NewError(KindResourceExceeded, message, err)
}

// NewMalformedOutputError creates a malformed output error.
func NewMalformedOutputError(message string, err error) *Error {
	return NewError(KindMalformedOutput, message, err)
}

// WithStep adds step context to an error.
func (e *Error) WithStep(step Step) *Error {
	e.Step = step
	return e
}

// WithUnit adds unit context to an error.
func (e *Error) WithUnit(unit string) *Error {
	e.Unit = unit
	return e
}

// WithCode overrides the diagnostic code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsTrap returns true if err is an execution trap.
func IsTrap(err error) bool {
	return KindOf(err) == KindExecutionTrap
}

// IsResourceExceeded returns true if err is a resource limit violation.
func IsResourceExceeded(err error) bool {
	return KindOf(err) == KindResourceExceeded
}

// IsMalformedOutput returns true if err is a malformed output error.
func IsMalformedOutput(err error) bool {
	return KindOf(err) == KindMalformedOutput
}

// IsExecutionFailure returns true for any step-level executor failure.
func IsExecutionFailure(err error) bool {
	switch KindOf(err) {
	case KindExecutionTrap, KindResourceExceeded, KindMalformedOutput:
		return true
	default:
		return false
	}
}
