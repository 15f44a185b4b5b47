// Package validate checks semi-structured JSON payloads (meta_json
// columns, job-request envelopes) against JSON Schema documents at the
// storage boundary, without the core ever interpreting the fields it
// validates.
package validate

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Registry compiles and caches named JSON schemas so repeated validation
// calls (one per write) don't recompile the schema document each time.
type Registry struct {
	mu       sync.Mutex
	compiler *jsonschema.Compiler
	schemas  map[string]*jsonschema.Schema
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		compiler: jsonschema.NewCompiler(),
		schemas:  map[string]*jsonschema.Schema{},
	}
}

// Register compiles schemaJSON under name, making it available to Validate.
// Re-registering the same name recompiles and replaces it, matching the
// additive-migration discipline of the schema it's guarding.
func (r *Registry) Register(name, schemaJSON string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	url := "mem://" + name
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("validate: add schema %s: %w", name, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("validate: compile schema %s: %w", name, err)
	}
	r.schemas[name] = schema
	return nil
}

// Validate checks instanceJSON against the named registered schema. A
// name with no registered schema is treated as "no constraint": callers
// that haven't opted a payload shape into schema validation still get
// through, since the core's own invariants (not JSON Schema) are the
// source of truth for correctness.
func (r *Registry) Validate(name, instanceJSON string) error {
	if instanceJSON == "" {
		return nil
	}
	r.mu.Lock()
	schema, ok := r.schemas[name]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	var instance any
	if err := json.Unmarshal([]byte(instanceJSON), &instance); err != nil {
		return fmt.Errorf("validate: %s payload is not valid JSON: %w", name, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("validate: %s: %w", name, err)
	}
	return nil
}

// JobRequestSchema is the default schema for job_create request envelopes,
// typing their title, kind, and priority fields.
const JobRequestSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"title": {"type": "string"},
		"kind": {"type": "string"},
		"priority": {"type": "integer"}
	},
	"additionalProperties": true
}`

// AnchorMetaSchema constrains the optional structured fields an anchor's
// meta_json-shaped description payload may carry.
const AnchorMetaSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"additionalProperties": true
}`

// DefaultRegistry builds a Registry pre-populated with BranchMind's own
// envelope schemas.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register("job_request", JobRequestSchema)
	_ = r.Register("anchor_meta", AnchorMetaSchema)
	return r
}
