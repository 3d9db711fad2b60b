package conformance

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/itchyny/gojq"
)

// Mutation is a jq program that perturbs an answers payload. Keyed mutations
// run once per required answer key of the fixture with the key bound to $key.
type Mutation struct {
	Name    string
	Program string
	Keyed   bool
}

// DefaultMutations drop a required field, change the type of a required
// field, and inject an unexpected field.
var DefaultMutations = []Mutation{
	{Name: "drop", Program: `del(.[$key])`, Keyed: true},
	{
		Name:    "retype",
		Program: `.[$key] |= (if type == "string" then 0 else "mutated-" + type end)`,
		Keyed:   true,
	},
	{Name: "inject", Program: `. + {"__unexpected": {"injected": [1, "two", null]}}`},
}

// Mutant is a mutated answers payload.
type Mutant struct {
	// Name is "<fixture>~<mutation>[:<key>]".
	Name    string
	Answers map[string]any
}

// Mutator compiles mutation programs once and applies them to answers.
type Mutator struct {
	mutations []Mutation
	code      []*gojq.Code
}

// NewMutator compiles the given mutations.
func NewMutator(mutations ...Mutation) (*Mutator, error) {
	m := &Mutator{mutations: mutations, code: make([]*gojq.Code, len(mutations))}
	for i, mut := range mutations {
		q, err := gojq.Parse(mut.Program)
		if err != nil {
			return nil, fmt.Errorf("mutation %s: parse: %w", mut.Name, err)
		}
		var opts []gojq.CompilerOption
		if mut.Keyed {
			opts = append(opts, gojq.WithVariables([]string{"$key"}))
		}
		code, err := gojq.Compile(q, opts...)
		if err != nil {
			return nil, fmt.Errorf("mutation %s: compile: %w", mut.Name, err)
		}
		m.code[i] = code
	}
	return m, nil
}

// Mutate returns every mutant of the fixture answers, in a stable order.
// Only required answers are dropped or retyped.
func (m *Mutator) Mutate(fixture Fixture) ([]Mutant, error) {
	answers, err := normalize(fixture.Answers)
	if err != nil {
		return nil, err
	}
	keys, err := requiredKeys(fixture, answers)
	if err != nil {
		return nil, err
	}

	var out []Mutant
	for i, mut := range m.mutations {
		if !mut.Keyed {
			v, err := runOne(m.code[i], answers)
			if err != nil {
				return nil, fmt.Errorf("mutation %s: %w", mut.Name, err)
			}
			out = append(out, Mutant{Name: fixture.Name + "~" + mut.Name, Answers: v})
			continue
		}
		for _, k := range keys {
			v, err := runOne(m.code[i], answers, k)
			if err != nil {
				return nil, fmt.Errorf("mutation %s on %q: %w", mut.Name, k, err)
			}
			out = append(out, Mutant{Name: fixture.Name + "~" + mut.Name + ":" + k, Answers: v})
		}
	}
	return out, nil
}

func requiredKeys(fixture Fixture, answers map[string]any) ([]string, error) {
	seen := make(map[string]bool, len(fixture.Required))
	keys := make([]string, 0, len(fixture.Required))
	for _, k := range fixture.Required {
		if seen[k] {
			continue
		}
		if _, ok := answers[k]; !ok {
			return nil, fmt.Errorf("fixture %s: required answer %q is not set", fixture.Name, k)
		}
		seen[k] = true
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func runOne(code *gojq.Code, input map[string]any, vars ...any) (map[string]any, error) {
	// gojq never mutates its input, but each mutant gets its own copy anyway
	// so later runs cannot alias it.
	in, err := normalize(input)
	if err != nil {
		return nil, err
	}
	iter := code.Run(in, vars...)
	v, ok := iter.Next()
	if !ok {
		return nil, fmt.Errorf("program produced no value")
	}
	if err, isErr := v.(error); isErr {
		return nil, err
	}
	obj, isObj := v.(map[string]any)
	if !isObj {
		return nil, fmt.Errorf("program produced %T, want an object", v)
	}
	return obj, nil
}

// normalize converts answers to the plain JSON types gojq operates on.
func normalize(answers map[string]any) (map[string]any, error) {
	data, err := json.Marshal(answers)
	if err != nil {
		return nil, fmt.Errorf("answers are not JSON: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
