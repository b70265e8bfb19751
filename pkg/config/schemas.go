package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// Names of the built-in schemas.
const (
	SchemaWorkflow = "workflow"
	SchemaStep     = "step"
)

// schemaFilePrefix marks positions inside registered schemas.
const schemaFilePrefix = "schema:"

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	if ctx == nil {
		ctx = cuecontext.New()
	}
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	// Built-in schemas compile or the binary is broken.
	if err := sr.RegisterSchema(SchemaWorkflow, builtinWorkflowSchema, "#Workflow"); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema(SchemaStep, builtinWorkflowSchema, "#Step"); err != nil {
		panic(err)
	}

	return sr
}

// RegisterSchema compiles source and registers the definition found at
// path under name.
func (sr *SchemaRegistry) RegisterSchema(name, source, path string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(schemaFilePrefix+name))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(path))
	if !def.Exists() {
		return fmt.Errorf("schema %s: definition %s not found", name, path)
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

// Unify unifies val with the named schema and checks the result is concrete.
// The unified value is returned even when validation fails.
func (sr *SchemaRegistry) Unify(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}

	unified := schema.Unify(val)
	return unified, unified.Validate(cue.Concrete(true))
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	if _, err := sr.Unify(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names, sorted.
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

// Built-in schema definitions

const builtinWorkflowSchema = `
#Duration: (string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$") | (number & >=0)

#Readiness: {
	success?: [...string]
	failure?: [...string]
	max_attempts?: int & >=0
	interval?: #Duration
	max_consecutive_errors?: int & >=0
}

#Rollback: {
	max_retries?: int & >=0
	retry_delay?: #Duration
	max_delay?: #Duration
	timeout?: #Duration
}

#Exec: {
	create: string & !=""
	id?: string
	poll?: string
	status?: string
	delete?: string
	retryable?: [...string]
	not_found?: [...string]
	env?: [string]: string
	dir?: string
}

// A step creating one resource.
#Step: {
	name: string & =~"^[A-Za-z0-9_.-]+$"
	kind?: string & !=""
	provider?: string & !=""
	params?: {...}
	exec?: #Exec
	wait?: bool
	readiness?: #Readiness
	optional?: bool
}

// A top-level step, possibly fanning out into concurrent members.
#TopStep: {
	#Step
	group?: [#Step, ...#Step]
}

#Workflow: {
	name: string & !=""
	description?: string
	defaults?: {
		readiness?: #Readiness
		rollback?: #Rollback
	}
	steps: [#TopStep, ...#TopStep]
}
`
