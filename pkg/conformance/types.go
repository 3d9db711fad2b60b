package conformance

import (
	"encoding/json"
	"sort"

	"github.com/openfroyo/provision/pkg/engine"
)

// Violation codes. They are stable and safe to match on.
const (
	CodePackUnreadable       = "conformance.pack_unreadable"
	CodeDiscovery            = "conformance.discovery"
	CodeRequirements         = "conformance.requirements"
	CodeRunError             = "conformance.run_error"
	CodeExecutionTrap        = "conformance.execution_trap"
	CodeDeterminism          = "conformance.determinism"
	CodeSecretLeak           = "conformance.secret_leak"
	CodeStepOrder            = "conformance.step_order"
	CodeMergeAssociativity   = "conformance.merge_associativity"
	CodeEmptyTarget          = "conformance.empty_target"
	CodePlanStructure        = "conformance.plan_structure"
	CodePolicy               = "conformance.policy"
	CodeFuzzAccepted         = "fuzz.validate_accepted"
	CodeFuzzUnactionable     = "fuzz.unactionable_rejection"
	CodeFuzzApplyTrap        = "fuzz.apply_trap"
	CodeFuzzMutationFailed   = "fuzz.mutation_failed"
	CodeArtifactWriteFailure = "conformance.artifacts"
)

// Violation is one failed check for a pack. Fields are declared in key order
// so the encoded report is key-ordered.
type Violation struct {
	// Code is the stable violation code.
	Code string `json:"code"`

	// Fixture names the answers fixture, or the mutation applied to it.
	Fixture string `json:"fixture,omitempty"`

	// Message describes the violation. It never contains secret values.
	Message string `json:"message"`

	// Step is the lifecycle step involved, if any.
	Step string `json:"step,omitempty"`
}

// PackReport is the outcome for a single pack.
type PackReport struct {
	OK         bool        `json:"ok"`
	Pack       string      `json:"pack"`
	Version    string      `json:"version"`
	Violations []Violation `json:"violations"`

	// Artifacts is the failure artifact directory. It is kept out of the
	// encoded report because it embeds the run timestamp.
	Artifacts string `json:"-"`

	// Source is the corpus path the pack was read from.
	Source string `json:"-"`
}

// Report aggregates all pack outcomes, sorted by pack id.
type Report struct {
	Packs []PackReport `json:"packs"`
}

// OK reports whether every pack passed.
func (r *Report) OK() bool {
	for _, p := range r.Packs {
		if !p.OK {
			return false
		}
	}
	return true
}

// Failed returns the reports of the packs that did not pass.
func (r *Report) Failed() []PackReport {
	var out []PackReport
	for _, p := range r.Packs {
		if !p.OK {
			out = append(out, p)
		}
	}
	return out
}

// Encode renders the report as indented JSON. Identical packs and fixtures
// produce identical bytes.
func (r *Report) Encode() ([]byte, error) {
	doc := Report{Packs: make([]PackReport, len(r.Packs))}
	copy(doc.Packs, r.Packs)
	for i := range doc.Packs {
		if doc.Packs[i].Violations == nil {
			doc.Packs[i].Violations = []Violation{}
		}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func (r *Report) sort() {
	sort.SliceStable(r.Packs, func(i, j int) bool {
		if r.Packs[i].Pack != r.Packs[j].Pack {
			return r.Packs[i].Pack < r.Packs[j].Pack
		}
		return r.Packs[i].Source < r.Packs[j].Source
	})
}

func sortViolations(vs []Violation) {
	sort.SliceStable(vs, func(i, j int) bool {
		a, b := vs[i], vs[j]
		if a.Fixture != b.Fixture {
			return a.Fixture < b.Fixture
		}
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		if a.Step != b.Step {
			return a.Step < b.Step
		}
		return a.Message < b.Message
	})
}

// Fixture is a named answers payload the lifecycle is run with.
type Fixture struct {
	Name          string         `json:"name" yaml:"name"`
	Tenant        *engine.Tenant `json:"tenant,omitempty" yaml:"tenant,omitempty"`
	PublicBaseURL string         `json:"public_base_url,omitempty" yaml:"public_base_url,omitempty"`
	Answers       map[string]any `json:"answers" yaml:"answers"`
	ExistingState map[string]any `json:"existing_state,omitempty" yaml:"existing_state,omitempty"`

	// Required names the answer keys the pack must insist on. Fuzzing drops
	// and retypes only these.
	Required []string `json:"required,omitempty" yaml:"required,omitempty"`
}

// EmptyFixtureName names the fixture with no answers that every pack is run with.
const EmptyFixtureName = "empty"

// EmptyFixture returns the fixture with no answers.
func EmptyFixture() Fixture {
	return Fixture{Name: EmptyFixtureName, Answers: map[string]any{}}
}

// DefaultPublicBaseURL is used when a fixture does not set one.
const DefaultPublicBaseURL = "https://example.invalid"

// Inputs builds the run inputs for packID from the fixture.
func (f Fixture) Inputs(packID string) engine.Inputs {
	in := engine.Inputs{
		Tenant:        engine.Tenant{Env: "conformance", Tenant: "conformance"},
		ProviderID:    packID,
		InstallID:     packID + "-install",
		PublicBaseURL: f.PublicBaseURL,
		Answers:       f.Answers,
		ExistingState: f.ExistingState,
	}
	if f.Tenant != nil {
		in.Tenant = *f.Tenant
	}
	if in.PublicBaseURL == "" {
		in.PublicBaseURL = DefaultPublicBaseURL
	}
	if in.Answers == nil {
		in.Answers = map[string]any{}
	}
	return in.Clone()
}
