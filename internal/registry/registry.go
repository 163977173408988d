// Package registry holds the fixed set of tools a server exposes. The
// registry is populated at startup and read-only afterwards, so lookups
// during request handling take no locks beyond a read lock.
package registry

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	queryscale "github.com/ZanzyTHEbar/queryscale"
)

// Registry is the authoritative list of invokable tools.
type Registry struct {
	tools    map[string]queryscale.Tool
	order    []string
	compiled map[string]*jsonschema.Schema
	sealed   bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		tools:    make(map[string]queryscale.Tool),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool to the registry. Names must be unique; the tool's
// input schema is compiled once here so argument validation on the hot path
// is cheap. Registration fails after Seal.
func (r *Registry) Register(tool queryscale.Tool) error {
	if r.sealed {
		return queryscale.NewValidationError("registry", "registry is sealed, tools must be registered at startup", nil)
	}
	name := tool.Name()
	if name == "" {
		return queryscale.NewValidationError("registry", "tool name cannot be empty", nil)
	}
	if _, exists := r.tools[name]; exists {
		return queryscale.NewDuplicateToolError(name)
	}

	def := tool.Describe()
	if def.InputSchema != nil {
		raw, err := json.Marshal(def.InputSchema)
		if err != nil {
			return queryscale.NewValidationError("registry",
				fmt.Sprintf("tool '%s' has an unmarshalable input schema", name), err)
		}
		schema, err := jsonschema.CompileString(name+".schema.json", string(raw))
		if err != nil {
			return queryscale.NewValidationError("registry",
				fmt.Sprintf("tool '%s' has an invalid input schema", name), err)
		}
		r.compiled[name] = schema
	}

	r.tools[name] = tool
	r.order = append(r.order, name)
	return nil
}

// Seal marks the registry read-only. Further Register calls fail.
func (r *Registry) Seal() {
	r.sealed = true
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (queryscale.Tool, error) {
	tool, exists := r.tools[name]
	if !exists {
		return nil, queryscale.NewToolNotFoundError("registry", name)
	}
	return tool, nil
}

// List returns the definitions of all registered tools in registration order.
func (r *Registry) List() []queryscale.ToolDefinition {
	defs := make([]queryscale.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Describe())
	}
	return defs
}

// ValidateArgs checks args against the tool's compiled input schema, then
// against the tool's own validator. Either failure rejects the call before
// the tool handler runs.
func (r *Registry) ValidateArgs(name string, args map[string]interface{}) error {
	tool, err := r.Lookup(name)
	if err != nil {
		return err
	}

	if schema, ok := r.compiled[name]; ok {
		// The validator wants plain decoded JSON, so round-trip typed values.
		normalized, err := normalizeArgs(args)
		if err != nil {
			return queryscale.NewValidationError("registry",
				fmt.Sprintf("arguments for tool '%s' are not JSON-encodable", name), err)
		}
		if err := schema.Validate(normalized); err != nil {
			return queryscale.NewValidationError("registry",
				fmt.Sprintf("arguments for tool '%s' failed schema validation", name), err)
		}
	}

	if err := tool.Validate(args); err != nil {
		return queryscale.NewValidationError("registry",
			fmt.Sprintf("arguments for tool '%s' rejected by tool validator", name), err)
	}
	return nil
}

// Authorize checks whether the caller may invoke the tool. Tools with no
// allowed groups are callable by anyone.
func (r *Registry) Authorize(name string, call queryscale.CallContext) error {
	tool, err := r.Lookup(name)
	if err != nil {
		return err
	}
	def := tool.Describe()
	if len(def.AllowedGroups) == 0 {
		return nil
	}
	for _, group := range def.AllowedGroups {
		if group == call.Group {
			return nil
		}
	}
	return queryscale.NewUnauthorizedError("registry",
		fmt.Sprintf("caller group '%s' is not allowed to invoke tool '%s'", call.Group, name))
}

// Schemas returns the full definition map keyed by tool name, in the shape
// the plan generator consumes.
func (r *Registry) Schemas() map[string]map[string]interface{} {
	schemas := make(map[string]map[string]interface{}, len(r.order))
	for _, name := range r.order {
		def := r.tools[name].Describe()
		schemas[name] = map[string]interface{}{
			"name":        def.Name,
			"description": def.Description,
			"inputSchema": def.InputSchema,
		}
	}
	return schemas
}

func normalizeArgs(args map[string]interface{}) (interface{}, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var normalized interface{}
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, err
	}
	return normalized, nil
}
