// Package adapters bridges external collaborators (plain Go functions,
// Genkit flows) onto the runtime's contracts.
package adapters

import (
	"context"
	"fmt"

	queryscale "github.com/ZanzyTHEbar/queryscale"
)

// FuncTool adapts a plain Go function to the Tool contract.
type FuncTool struct {
	name          string
	description   string
	inputSchema   map[string]interface{}
	allowedGroups []string
	fn            func(ctx context.Context, args map[string]interface{}, call queryscale.CallContext) (map[string]interface{}, error)
	validator     func(args map[string]interface{}) error
}

// ToolOption configures a FuncTool.
type ToolOption func(*FuncTool)

// WithDescription sets the human-readable description.
func WithDescription(description string) ToolOption {
	return func(t *FuncTool) { t.description = description }
}

// WithInputSchema sets the JSON schema the registry validates arguments
// against.
func WithInputSchema(schema map[string]interface{}) ToolOption {
	return func(t *FuncTool) { t.inputSchema = schema }
}

// WithValidator sets a custom argument validator run after schema validation.
func WithValidator(validator func(args map[string]interface{}) error) ToolOption {
	return func(t *FuncTool) { t.validator = validator }
}

// WithAllowedGroups restricts the tool to callers in the listed groups.
func WithAllowedGroups(groups ...string) ToolOption {
	return func(t *FuncTool) { t.allowedGroups = groups }
}

// NewFuncTool wraps fn as a named tool.
func NewFuncTool(
	name string,
	fn func(ctx context.Context, args map[string]interface{}, call queryscale.CallContext) (map[string]interface{}, error),
	options ...ToolOption,
) *FuncTool {
	t := &FuncTool{
		name: name,
		fn:   fn,
		validator: func(args map[string]interface{}) error {
			if args == nil {
				return fmt.Errorf("arguments cannot be nil")
			}
			return nil
		},
	}
	for _, option := range options {
		option(t)
	}
	return t
}

// Name implements the Tool contract.
func (t *FuncTool) Name() string { return t.name }

// Describe implements the Tool contract.
func (t *FuncTool) Describe() queryscale.ToolDefinition {
	return queryscale.ToolDefinition{
		Name:          t.name,
		Description:   t.description,
		InputSchema:   t.inputSchema,
		AllowedGroups: t.allowedGroups,
	}
}

// Invoke implements the Tool contract.
func (t *FuncTool) Invoke(ctx context.Context, args map[string]interface{}, call queryscale.CallContext) (map[string]interface{}, error) {
	if t.fn == nil {
		return nil, fmt.Errorf("tool function is nil")
	}
	return t.fn(ctx, args, call)
}

// Validate implements the Tool contract.
func (t *FuncTool) Validate(args map[string]interface{}) error {
	if t.validator != nil {
		return t.validator(args)
	}
	return nil
}
