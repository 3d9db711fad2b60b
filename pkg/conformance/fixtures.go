package conformance

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/provision/pkg/config"
)

// FixturePattern selects fixture files below a fixtures directory.
const FixturePattern = "**/*.{json,yaml,yml,cue}"

// LoadFixtures reads every fixture file below dir. Each file is checked
// against the fixture schema. A fixture without a name is named after its
// path relative to dir, without extension. A missing dir yields no fixtures.
func LoadFixtures(dir string) ([]Fixture, error) {
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	matches, err := doublestar.Glob(os.DirFS(dir), FixturePattern)
	if err != nil {
		return nil, fmt.Errorf("glob fixtures in %s: %w", dir, err)
	}
	sort.Strings(matches)

	parser := config.NewCUEParser()
	seen := make(map[string]string, len(matches))
	out := make([]Fixture, 0, len(matches))
	for _, rel := range matches {
		f, err := loadFixture(parser, filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, err
		}
		if f.Name == "" {
			f.Name = strings.TrimSuffix(rel, filepath.Ext(rel))
		}
		if prev, dup := seen[f.Name]; dup {
			return nil, fmt.Errorf("fixture %q is defined by both %s and %s", f.Name, prev, rel)
		}
		seen[f.Name] = rel
		out = append(out, f)
	}
	return out, nil
}

// LoadFixtureFile reads a single fixture file.
func LoadFixtureFile(path string) (Fixture, error) {
	f, err := loadFixture(config.NewCUEParser(), path)
	if err != nil {
		return Fixture{}, err
	}
	if f.Name == "" {
		base := filepath.Base(path)
		f.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return f, nil
}

func loadFixture(parser *config.CUEParser, path string) (Fixture, error) {
	var data []byte
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		out, err := parser.Evaluate(path, config.SchemaFixture)
		if err != nil {
			return Fixture{}, fmt.Errorf("fixture %s: %w", path, err)
		}
		data = out

	case ".json", ".yaml", ".yml":
		raw, err := os.ReadFile(path)
		if err != nil {
			return Fixture{}, fmt.Errorf("failed to read fixture: %w", err)
		}
		var doc map[string]any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return Fixture{}, fmt.Errorf("fixture %s: %w", path, err)
		}
		if err := parser.Schemas().ValidateAgainstSchema(config.SchemaFixture, doc); err != nil {
			return Fixture{}, fmt.Errorf("fixture %s: %w", path, err)
		}
		if data, err = json.Marshal(doc); err != nil {
			return Fixture{}, fmt.Errorf("fixture %s: %w", path, err)
		}

	default:
		return Fixture{}, fmt.Errorf("unsupported fixture format: %s", path)
	}

	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return Fixture{}, fmt.Errorf("fixture %s: %w", path, err)
	}
	if f.Answers == nil {
		f.Answers = map[string]any{}
	}
	for _, k := range f.Required {
		if _, ok := f.Answers[k]; !ok {
			return Fixture{}, fmt.Errorf("fixture %s: required answer %q is not set", path, k)
		}
	}
	return f, nil
}

// withEmptyFixture puts the empty fixture first unless one named "empty"
// is already present.
func withEmptyFixture(fixtures []Fixture) []Fixture {
	for _, f := range fixtures {
		if f.Name == EmptyFixtureName {
			return fixtures
		}
	}
	return append([]Fixture{EmptyFixture()}, fixtures...)
}
