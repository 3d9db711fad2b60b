// Package diag defines the diagnostic records emitted by discovery, pack units,
// the lifecycle engine and the conformance harness.
package diag

import (
	"fmt"
	"sort"
	"strings"
)

// Severity is the importance of a diagnostic.
type Severity string

const (
	// SeverityError blocks the run when emitted by the validate step.
	SeverityError Severity = "error"

	// SeverityWarning flags a problem that does not stop the run.
	SeverityWarning Severity = "warning"

	// SeverityInfo is purely informational.
	SeverityInfo Severity = "info"
)

// Validate checks if the severity is known.
func (s Severity) Validate() error {
	switch s {
	case SeverityError, SeverityWarning, SeverityInfo:
		return nil
	default:
		return fmt.Errorf("invalid severity: %q", s)
	}
}

// rank orders severities from most to least severe.
func (s Severity) rank() int {
	switch s {
	case SeverityError:
		return 0
	case SeverityWarning:
		return 1
	default:
		return 2
	}
}

// Reserved codes emitted by the core. Pack units must not use the
// "provision." prefix.
const (
	CodeExecutorTrap             = "provision.executor.trap"
	CodeExecutorResourceExceeded = "provision.executor.resource_exceeded"
	CodeExecutorMalformedOutput  = "provision.executor.malformed_output"
	CodeExecutorUnitNotFound     = "provision.executor.unit_not_found"
	CodeRunCancelled             = "provision.run.cancelled"
	CodeMergeConflict            = "provision.plan.merge_conflict"
	CodePublicBaseURLMissing     = "provision.inputs.public_base_url_missing"
	CodeCapabilityDenied         = "provision.capability.denied"
	CodeCapabilityMocked         = "provision.capability.mocked"
	CodeUnitChecksumMismatch     = "provision.executor.checksum_mismatch"
	CodeRoleOverridesEntry       = "discovery.role_overrides_entry"
	CodeUnknownCapability        = "discovery.capability.unknown"
)

// ReservedPrefix marks codes owned by the core.
const ReservedPrefix = "provision."

// Diagnostic is a single finding. It never carries secret values.
type Diagnostic struct {
	// Severity is error, warning or info.
	Severity Severity `json:"severity"`

	// Code is a stable machine-readable identifier.
	Code string `json:"code"`

	// Message is the human-readable description.
	Message string `json:"message"`

	// Path optionally points at the answer field the diagnostic refers to.
	Path string `json:"path,omitempty"`

	// Step is the lifecycle step that produced the diagnostic, set by the engine.
	Step string `json:"step,omitempty"`
}

// Error builds an error-severity diagnostic.
func Error(code, message string) Diagnostic {
	return Diagnostic{Severity: SeverityError, Code: code, Message: message}
}

// Warning builds a warning-severity diagnostic.
func Warning(code, message string) Diagnostic {
	return Diagnostic{Severity: SeverityWarning, Code: code, Message: message}
}

// Info builds an info-severity diagnostic.
func Info(code, message string) Diagnostic {
	return Diagnostic{Severity: SeverityInfo, Code: code, Message: message}
}

// WithPath returns a copy of d pointing at path.
func (d Diagnostic) WithPath(path string) Diagnostic {
	d.Path = path
	return d
}

// WithStep returns a copy of d tagged with step.
func (d Diagnostic) WithStep(step string) Diagnostic {
	d.Step = step
	return d
}

// IsError reports whether d has error severity.
func (d Diagnostic) IsError() bool {
	return d.Severity == SeverityError
}

// String renders the diagnostic the way the CLI prints it.
func (d Diagnostic) String() string {
	var b strings.Builder
	if d.Step != "" {
		fmt.Fprintf(&b, "[%s] ", d.Step)
	}
	fmt.Fprintf(&b, "%s %s: %s", strings.ToUpper(string(d.Severity)), d.Code, d.Message)
	if d.Path != "" {
		fmt.Fprintf(&b, " (at %s)", d.Path)
	}
	return b.String()
}

// List is an ordered sequence of diagnostics.
type List []Diagnostic

// HasErrors reports whether any diagnostic has error severity.
func (l List) HasErrors() bool {
	for _, d := range l {
		if d.IsError() {
			return true
		}
	}
	return false
}

// Errors returns the error-severity diagnostics in order.
func (l List) Errors() List {
	var out List
	for _, d := range l {
		if d.IsError() {
			out = append(out, d)
		}
	}
	return out
}

// Codes returns the distinct codes in l, sorted.
func (l List) Codes() []string {
	seen := make(map[string]struct{}, len(l))
	for _, d := range l {
		seen[d.Code] = struct{}{}
	}
	codes := make([]string, 0, len(seen))
	for c := range seen {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

// Tagged returns a copy of l with every diagnostic tagged with step.
func (l List) Tagged(step string) List {
	out := make(List, len(l))
	for i, d := range l {
		out[i] = d.WithStep(step)
	}
	return out
}

// SortedBySeverity returns a copy of l with errors first. Relative order
// within a severity is preserved.
func (l List) SortedBySeverity() List {
	out := append(List(nil), l...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Severity.rank() < out[j].Severity.rank()
	})
	return out
}
