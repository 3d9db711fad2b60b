package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Built-in schema names.
const (
	SchemaConfig  = "config"
	SchemaFixture = "fixture"
)

// SchemaRegistry manages CUE schemas for validation. Each schema source
// declares one definition named #Schema.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	return newSchemaRegistry(cuecontext.New())
}

func newSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(SchemaConfig, builtinConfigSchema); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema(SchemaFixture, builtinFixtureSchema); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles schema and registers its #Schema definition.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath("#Schema"))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not declare #Schema", name)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify validates val against the named schema and returns the unified value.
func (sr *SchemaRegistry) Unify(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return unified, nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	if _, err := sr.Unify(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation against %s failed: %w", schemaName, err)
	}
	return nil
}

// ListSchemas returns all registered schema names in order.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinConfigSchema = `
#Limits: {
	max_output_bytes?: int & >0
	memory_bytes?:     int & >=65536
	// Go duration string such as "500ms"
	timeout?:        string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
	max_steps?:      int & >0
	max_host_calls?: int & >0
}

#Schema: {
	telemetry?: {...}
	executor?: {
		kind?:   "inert" | "sandbox"
		limits?: #Limits
	}
	store?: {
		path?:              string & !=""
		max_open_conns?:    int & >=0
		max_idle_conns?:    int & >=0
		conn_max_lifetime?: string
	}
	policy?: {
		paths?:   [...string]
		watch?:   bool
		enforce?: bool
	}
	apply?: {
		actor?: string & !=""
	}
	conformance?: {
		corpus?:    [...string]
		fixtures?:  string
		artifacts?: string & !=""
		workers?:   int & >=0
		mutations?: bool
	}
}
`

const builtinFixtureSchema = `
#Schema: {
	// name defaults to the file name
	name?: string
	tenant?: {
		env?:    string
		tenant?: string
		team?:   string
		user?:   string
	}
	public_base_url?: string
	answers!:         {...}
	existing_state?:  {...}
	// answer keys the pack must reject when dropped or retyped
	required?: [...string]
}
`
