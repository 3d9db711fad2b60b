package policy

import (
	"time"

	"github.com/openfroyo/provision/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block a plan or a host call.
	SeverityError Severity = "error"
)

// Scope selects what a policy is evaluated against.
type Scope string

const (
	// ScopePlan policies inspect an accumulated provisioning plan.
	ScopePlan Scope = "plan"

	// ScopeGrant policies decide individual host capability calls.
	ScopeGrant Scope = "grant"
)

// grantPackagePrefix marks Rego packages that decide host calls.
const grantPackagePrefix = "provision.grants."

// Policy is a Rego rule set. Its package must define a "deny" set whose
// members are strings or objects with a "message" and optional "severity",
// "target" and "path".
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Scope selects the input the policy receives.
	Scope Scope `json:"scope"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Violation is a single deny result.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Target is the plan operation or capability involved, if any.
	Target string `json:"target,omitempty"`

	// Path points into the plan, if the policy provided one.
	Path string `json:"path,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating a set of policies.
type Result struct {
	// Allowed is false when any violation has error severity.
	Allowed bool `json:"allowed"`

	// Violations lists all deny results in policy name order.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists evaluation problems that did not block.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of evaluated policies.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// PackInfo identifies the pack a plan belongs to.
type PackInfo struct {
	ID           string   `json:"id"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// PlanInput is what plan policies receive as input. Plan is the redacted
// JSON form of the plan, so policies never see secret values.
type PlanInput struct {
	Pack   PackInfo       `json:"pack"`
	Mode   engine.Mode    `json:"mode"`
	Tenant engine.Tenant  `json:"tenant"`
	Plan   map[string]any `json:"plan"`
}

// Bundle is a named, versioned collection of policies.
type Bundle struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Policies    []Policy `json:"policies"`
}
