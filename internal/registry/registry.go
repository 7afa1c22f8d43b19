// Package registry holds the static catalog of tools the agent may call.
// Tools are a closed set registered once at startup; dispatch is by name
// lookup, never by reflection.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/atlasbi/gateway/internal/auth"
)

// ExecutorFunc runs a tool against the read-only backend under the caller's
// own identity. Implementations must respect ctx deadlines.
type ExecutorFunc func(ctx context.Context, identity *auth.Identity, params map[string]any) (*Result, error)

// EstimatorFunc returns the expected result row count for a prospective call.
// The default estimator issues a count-only probe with the same filters the
// tool would use.
type EstimatorFunc func(ctx context.Context, identity *auth.Identity, params map[string]any) (int64, error)

// Descriptor describes one registered tool. Immutable after registration.
type Descriptor struct {
	Name         string
	Description  string
	ParamSchema  map[string]any // JSON Schema for parameters
	Capabilities []auth.Capability
	RowCap       int
	Timeout      time.Duration
	Execute      ExecutorFunc
	Estimate     EstimatorFunc // nil means the safety controller's default probe

	compiled *jsonschema.Schema
}

// Result is the outcome of one tool execution.
type Result struct {
	Data     map[string]any
	RowCount int
	// Mutation, when set, declares that the tool's outcome implies a
	// business-record mutation. The gateway turns it into a Proposal;
	// no write ever happens here.
	Mutation *MutationIntent
}

// MutationIntent carries everything needed to propose a mutation.
type MutationIntent struct {
	Kind    string // downstream record kind, e.g. "purchase.order"
	Summary string
	Payload map[string]any
	Lines   []MutationLine
}

// MutationLine is one editable line item of a proposed mutation.
type MutationLine struct {
	Key         string  `json:"key"`
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	Included    bool    `json:"included"`
}

// SchemaError reports malformed tool parameters. Recovered locally: the call
// is rejected and a corrective message is returned to the model.
type SchemaError struct {
	Tool   string
	Detail string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("invalid parameters for tool %s: %s", e.Tool, e.Detail)
}

// NotFoundError reports a tool name that is not registered.
type NotFoundError struct {
	Tool string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("tool %s is not registered", e.Tool)
}

// Registry is the static tool catalog. Written once at startup, then frozen;
// lookups after Freeze are lock-free reads.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Descriptor
	frozen bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{tools: map[string]*Descriptor{}}
}

// Register adds a tool. Fails if the name already exists, the schema does
// not compile, or the registry has been frozen.
func (r *Registry) Register(d *Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("Register: registry is frozen")
	}
	if d.Name == "" {
		return fmt.Errorf("Register: tool name is required")
	}
	if _, exists := r.tools[d.Name]; exists {
		return fmt.Errorf("Register: tool %s already registered", d.Name)
	}
	if d.Execute == nil {
		return fmt.Errorf("Register: tool %s has no executor", d.Name)
	}

	compiled, err := compileSchema(d.ParamSchema)
	if err != nil {
		return fmt.Errorf("Register: tool %s: %w", d.Name, err)
	}
	d.compiled = compiled
	if d.RowCap <= 0 {
		d.RowCap = 500
	}
	if d.Timeout <= 0 {
		d.Timeout = 30 * time.Second
	}
	r.tools[d.Name] = d
	return nil
}

// Freeze makes the registry read-only. Called once after startup wiring.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup returns the descriptor for a name, or a NotFoundError.
func (r *Registry) Lookup(name string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	if !ok {
		return nil, &NotFoundError{Tool: name}
	}
	return d, nil
}

// Has reports whether a tool name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks params against the tool's schema and returns the
// normalized parameter map (schema defaults applied). Never executes the tool.
func (r *Registry) Validate(name string, params map[string]any) (map[string]any, error) {
	d, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}

	normalized := applyDefaults(d.ParamSchema, params)

	if d.compiled != nil {
		// The validator works on generic JSON values; round-trip to
		// normalize Go types (ints vs float64 etc).
		raw, err := json.Marshal(normalized)
		if err != nil {
			return nil, &SchemaError{Tool: name, Detail: err.Error()}
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, &SchemaError{Tool: name, Detail: err.Error()}
		}
		if err := d.compiled.Validate(doc); err != nil {
			return nil, &SchemaError{Tool: name, Detail: err.Error()}
		}
	}
	return normalized, nil
}

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	if schema == nil {
		return nil, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("schema marshal error: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("schema unmarshal error: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("schema compile error: %w", err)
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("schema compile error: %w", err)
	}
	return sch, nil
}

// applyDefaults fills missing top-level properties that declare a default.
func applyDefaults(schema map[string]any, params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	if schema == nil {
		return out
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return out
	}
	for name, raw := range props {
		prop, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if _, present := out[name]; present {
			continue
		}
		if def, hasDefault := prop["default"]; hasDefault {
			out[name] = def
		}
	}
	return out
}
