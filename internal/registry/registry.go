// Package registry maintains the set of tools available to the agent and
// validates tool-call arguments against each tool's JSON Schema.
package registry

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kaelstrand/qx/internal/mcp"
)

// Descriptor is a resolved tool: its wire manifest entry plus the local
// handler that executes it and the compiled schema used to validate calls.
type Descriptor struct {
	Name        string
	Description string
	Handler     mcp.ToolHandler
	schema      *jsonschema.Schema
}

// ManifestEntry is the shape the Run Loop sends to the provider as part of
// the tool manifest (`{name, description, parameters_schema}`).
type ManifestEntry struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Registry holds compiled tool descriptors, keyed by name.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Descriptor
	rawInput map[string]json.RawMessage
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		tools:    make(map[string]Descriptor),
		rawInput: make(map[string]json.RawMessage),
	}
}

var schemaCache sync.Map

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	key := string(raw)
	if cached, ok := schemaCache.Load(key); ok {
		if s, ok := cached.(*jsonschema.Schema); ok {
			return s, nil
		}
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", key)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", name, err)
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// Register compiles tool's input schema and makes it resolvable by name.
// Re-registering a name overwrites the previous descriptor.
func (r *Registry) Register(tool mcp.Tool, handler mcp.ToolHandler) error {
	schema, err := compileSchema(tool.Name, tool.InputSchema)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = Descriptor{
		Name:        tool.Name,
		Description: tool.Description,
		Handler:     handler,
		schema:      schema,
	}
	r.rawInput[tool.Name] = tool.InputSchema
	return nil
}

// Resolve returns the descriptor for name, if registered.
func (r *Registry) Resolve(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	return d, ok
}

// Manifest returns the tool list in the shape the provider request expects.
func (r *Registry) Manifest() []ManifestEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ManifestEntry, 0, len(r.tools))
	for name, d := range r.tools {
		out = append(out, ManifestEntry{
			Name:        name,
			Description: d.Description,
			Parameters:  r.rawInput[name],
		})
	}
	return out
}

// ValidationIssue describes a single field-level schema violation.
type ValidationIssue struct {
	FieldPath string
	ErrorType string
	Message   string
}

// Validate checks arguments (already JSON-decoded into an `any`) against
// name's compiled schema, returning a structured issue list on failure.
func (r *Registry) Validate(name string, arguments any) ([]ValidationIssue, error) {
	d, ok := r.Resolve(name)
	if !ok {
		return nil, ErrUnknownTool
	}
	err := d.schema.Validate(arguments)
	if err == nil {
		return nil, nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []ValidationIssue{{FieldPath: "", ErrorType: "schema", Message: err.Error()}}, nil
	}
	return flattenValidationError(ve), nil
}

func flattenValidationError(ve *jsonschema.ValidationError) []ValidationIssue {
	var issues []ValidationIssue
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			issues = append(issues, ValidationIssue{
				FieldPath: joinPath(e.InstanceLocation),
				ErrorType: joinPath(e.KeywordLocation),
				Message:   e.Message,
			})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return issues
}

func joinPath(segments []string) string {
	if len(segments) == 0 {
		return "/"
	}
	path := ""
	for _, s := range segments {
		path += "/" + s
	}
	return path
}
