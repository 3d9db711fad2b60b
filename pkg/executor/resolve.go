package executor

import (
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/openfroyo/provision/pkg/engine"
)

// UnitRoots are the pack directories searched for units, in order. "." is
// the pack root.
var UnitRoots = []string{"components", "wasm", "units", "."}

// UnitExtensions are the supported unit formats, in order of preference.
var UnitExtensions = []string{".wasm", ".star"}

// Strategy tells how a unit was resolved.
type Strategy string

const (
	// StrategyPerStep is a unit named "<flow>__<step>".
	StrategyPerStep Strategy = "per_step"

	// StrategyFlow is one unit named after the flow, told the step in its input.
	StrategyFlow Strategy = "flow"
)

// Unit is a resolved pack unit.
type Unit struct {
	// Name is the unit name without extension.
	Name string

	// Path is the slash-separated path relative to the pack root.
	Path string

	// Ext is the unit format extension.
	Ext string

	// Strategy is how the unit was found.
	Strategy Strategy

	// Bytes is the unit content.
	Bytes []byte
}

// ResolutionError reports that no unit exists for a flow step.
type ResolutionError struct {
	Flow  string
	Step  engine.Step
	Tried []string
}

func (e *ResolutionError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("no unit found for flow %q (tried %s)", e.Flow, strings.Join(e.Tried, ", "))
	}
	return fmt.Sprintf("no unit found for flow %q step %s (tried %s)", e.Flow, e.Step, strings.Join(e.Tried, ", "))
}

// Resolver locates units inside a pack file system.
type Resolver struct {
	fsys fs.FS
}

// NewResolver creates a resolver over fsys, rooted at the pack directory.
func NewResolver(fsys fs.FS) *Resolver {
	return &Resolver{fsys: fsys}
}

// Resolve finds the unit for flow and step. A per-step unit
// "<flow>__<step>" wins over a flow unit "<flow>".
func (r *Resolver) Resolve(flow string, step engine.Step) (*Unit, error) {
	rerr := &ResolutionError{Flow: flow, Step: step}
	if !validUnitName(flow) {
		return nil, rerr
	}

	candidates := []struct {
		name     string
		strategy Strategy
	}{
		{name: flow + "__" + string(step), strategy: StrategyPerStep},
		{name: flow, strategy: StrategyFlow},
	}
	for _, c := range candidates {
		unit, tried, err := r.find(c.name)
		rerr.Tried = append(rerr.Tried, tried...)
		if err != nil {
			return nil, err
		}
		if unit != nil {
			unit.Strategy = c.strategy
			return unit, nil
		}
	}
	return nil, rerr
}

// ResolveFlow finds a single unit named after flow.
func (r *Resolver) ResolveFlow(flow string) (*Unit, error) {
	rerr := &ResolutionError{Flow: flow}
	if !validUnitName(flow) {
		return nil, rerr
	}
	unit, tried, err := r.find(flow)
	if err != nil {
		return nil, err
	}
	if unit == nil {
		rerr.Tried = tried
		return nil, rerr
	}
	unit.Strategy = StrategyFlow
	return unit, nil
}

// find searches the unit roots for name. Roots are searched in order and
// within a root the preferred extension wins.
func (r *Resolver) find(name string) (*Unit, []string, error) {
	var tried []string
	for _, root := range UnitRoots {
		pattern := name + ".{wasm,star}"
		if root != "." {
			pattern = root + "/" + pattern
		}
		tried = append(tried, pattern)

		matches, err := doublestar.Glob(r.fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, tried, fmt.Errorf("failed to search for unit %s: %w", pattern, err)
		}
		if len(matches) == 0 {
			continue
		}

		chosen := pickByExtension(matches)
		data, err := fs.ReadFile(r.fsys, chosen)
		if err != nil {
			return nil, tried, fmt.Errorf("failed to read unit %s: %w", chosen, err)
		}
		return &Unit{Name: name, Path: chosen, Ext: path.Ext(chosen), Bytes: data}, tried, nil
	}
	return nil, tried, nil
}

func pickByExtension(matches []string) string {
	for _, ext := range UnitExtensions {
		for _, m := range matches {
			if path.Ext(m) == ext {
				return m
			}
		}
	}
	return matches[0]
}

// validUnitName rejects names that could escape the pack or act as patterns.
func validUnitName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\*?[]{}!`)
}
