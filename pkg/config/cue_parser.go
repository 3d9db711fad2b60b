package config

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"gopkg.in/yaml.v3"
)

// CUEParser evaluates CUE sources against the built-in schemas. It is used
// for provision.cue and for .cue answers fixtures.
type CUEParser struct {
	ctx     *cue.Context
	schemas *SchemaRegistry
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	ctx := cuecontext.New()
	return &CUEParser{
		ctx:     ctx,
		schemas: newSchemaRegistry(ctx),
	}
}

// Schemas returns the schema registry.
func (cp *CUEParser) Schemas() *SchemaRegistry {
	return cp.schemas
}

// Evaluate compiles the file or package directory at path, checks it
// against the named schema and exports it as JSON.
func (cp *CUEParser) Evaluate(path, schemaName string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	var val cue.Value
	if info.IsDir() {
		val, err = cp.loadDirectory(path)
	} else {
		val, err = cp.loadFile(path)
	}
	if err != nil {
		return nil, err
	}
	return cp.export(val, schemaName)
}

// EvaluateInline is Evaluate for in-memory CUE content.
func (cp *CUEParser) EvaluateInline(content, schemaName string) ([]byte, error) {
	val := cp.ctx.CompileString(content, cue.Filename("inline.cue"))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}
	return cp.export(val, schemaName)
}

// LoadConfig evaluates a provision.cue file and decodes it over cfg. Fields
// absent from the file keep their current values.
func (cp *CUEParser) LoadConfig(path string, cfg *Config) error {
	data, err := cp.Evaluate(path, SchemaConfig)
	if err != nil {
		return fmt.Errorf("failed to evaluate %s: %w", path, err)
	}
	// JSON is valid YAML, and the YAML decoder understands duration strings.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

func (cp *CUEParser) export(val cue.Value, schemaName string) ([]byte, error) {
	if schemaName != "" {
		unified, err := cp.schemas.Unify(schemaName, val)
		if err != nil {
			return nil, err
		}
		val = unified
	} else if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err)
	}

	data, err := val.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to export value: %w", err)
	}
	return data, nil
}

func (cp *CUEParser) loadDirectory(dir string) (cue.Value, error) {
	instances := load.Instances([]string{dir}, nil)
	if len(instances) == 0 {
		return cue.Value{}, ValidationErrors{{File: dir, Message: "no CUE files found"}}
	}

	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

func (cp *CUEParser) loadFile(path string) (cue.Value, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, fmt.Errorf("failed to read file: %w", err)
	}

	val := cp.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// convertCUEErrors flattens a CUE error into positioned validation errors.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		ve := ValidationError{Message: errors.Details(e, nil)}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = ValidationErrors{{Message: err.Error()}}
	}
	return out
}
