package config

import (
	"fmt"
	"strings"

	"github.com/openfroyo/provision/pkg/executor"
	"github.com/openfroyo/provision/pkg/stores"
	"github.com/openfroyo/provision/pkg/telemetry"
)

// Executor kinds.
const (
	ExecutorInert   = "inert"
	ExecutorSandbox = "sandbox"
)

// Config is the provision tool configuration, read from provision.yaml or
// provision.cue and overridden by PROVISION_* environment variables.
type Config struct {
	// Telemetry configures logging, tracing, metrics and events.
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry"`

	// Executor selects and bounds the step executor.
	Executor ExecutorConfig `yaml:"executor" json:"executor"`

	// Store configures the install record and audit database.
	Store stores.Config `yaml:"store" json:"store"`

	// Policy configures plan and grant policies.
	Policy PolicyConfig `yaml:"policy" json:"policy"`

	// Apply configures the apply-side adapters.
	Apply ApplyConfig `yaml:"apply" json:"apply"`

	// Conformance configures the conformance and fuzz harness.
	Conformance ConformanceConfig `yaml:"conformance" json:"conformance"`
}

// ExecutorConfig selects the step executor.
type ExecutorConfig struct {
	// Kind is inert or sandbox.
	Kind string `yaml:"kind" json:"kind" validate:"required,oneof=inert sandbox"`

	// Limits bound every sandboxed unit invocation.
	Limits executor.Limits `yaml:"limits" json:"limits"`
}

// PolicyConfig points at Rego policy files.
type PolicyConfig struct {
	// Paths are .rego files or directories loaded on top of the built-ins.
	Paths []string `yaml:"paths" json:"paths"`

	// Watch reloads policies when the files change.
	Watch bool `yaml:"watch" json:"watch"`

	// Enforce rejects apply when a plan policy reports an error violation.
	Enforce bool `yaml:"enforce" json:"enforce"`
}

// ApplyConfig configures apply-side adapters.
type ApplyConfig struct {
	// Actor is recorded in audit entries for secret reveals.
	Actor string `yaml:"actor" json:"actor" validate:"required"`
}

// ConformanceConfig configures the conformance harness.
type ConformanceConfig struct {
	// Corpus are glob patterns matching pack directories or archives.
	Corpus []string `yaml:"corpus" json:"corpus"`

	// Fixtures is a directory of answers fixtures (.json, .yaml, .cue).
	Fixtures string `yaml:"fixtures" json:"fixtures"`

	// Artifacts is where failure artifacts are written.
	Artifacts string `yaml:"artifacts" json:"artifacts" validate:"required"`

	// Workers caps concurrent pack checks. Zero means one per CPU.
	Workers int `yaml:"workers" json:"workers" validate:"gte=0"`

	// Mutations enables schema-driven fuzzing of fixtures.
	Mutations bool `yaml:"mutations" json:"mutations"`
}

// ValidationError represents a configuration error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

// String formats the error as file:line:column: message.
func (ve ValidationError) String() string {
	if ve.File == "" {
		return ve.Message
	}
	return fmt.Sprintf("%s:%d:%d: %s", ve.File, ve.Line, ve.Column, ve.Message)
}

// ValidationErrors is returned when a CUE source fails to compile or
// does not satisfy its schema.
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	msgs := make([]string, len(ve))
	for i, e := range ve {
		msgs[i] = e.String()
	}
	return strings.Join(msgs, "; ")
}
