package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	queryscale "github.com/ZanzyTHEbar/queryscale"
	"github.com/ZanzyTHEbar/queryscale/internal/registry"
)

// ServerVersion is reported in the initialize handshake.
const ServerVersion = "1.0.0"

// Server dispatches protocol requests against a sealed tool registry.
// Handle is safe for concurrent use: the registry is read-only and every
// request carries its own state.
type Server struct {
	name     string
	registry *registry.Registry
}

// NewServer creates a protocol server over the given registry.
func NewServer(name string, reg *registry.Registry) *Server {
	return &Server{name: name, registry: reg}
}

// Handle processes one request and always returns a response with the same
// correlation ID. Tool handler panics are contained and reported as tool
// errors rather than crashing the server.
func (s *Server) Handle(ctx context.Context, req Request) Response {
	if req.JSONRPC != Version {
		return NewErrorResponse(req.ID, CodeInvalidRequest,
			fmt.Sprintf("unsupported protocol version '%s'", req.JSONRPC), nil)
	}

	switch req.Method {
	case MethodInitialize:
		return s.handleInitialize(req)
	case MethodToolsList:
		return s.handleToolsList(req)
	case MethodToolsCall:
		return s.handleToolsCall(ctx, req)
	case MethodPing:
		return NewResponse(req.ID, map[string]interface{}{"ok": true})
	default:
		return NewErrorResponse(req.ID, CodeMethodNotFound,
			fmt.Sprintf("method '%s' not found", req.Method), nil)
	}
}

func (s *Server) handleInitialize(req Request) Response {
	return NewResponse(req.ID, InitializeResult{
		ProtocolVersion: Version,
		ServerInfo:      ServerInfo{Name: s.name, Version: ServerVersion},
		Capabilities:    []string{MethodToolsList, MethodToolsCall},
	})
}

func (s *Server) handleToolsList(req Request) Response {
	defs := s.registry.List()
	tools := make([]json.RawMessage, 0, len(defs))
	for _, def := range defs {
		raw, err := json.Marshal(def)
		if err != nil {
			return NewErrorResponse(req.ID, CodeInternalError,
				fmt.Sprintf("failed to encode tool '%s'", def.Name), nil)
		}
		tools = append(tools, raw)
	}
	return NewResponse(req.ID, ListResult{Tools: tools})
}

func (s *Server) handleToolsCall(ctx context.Context, req Request) Response {
	var params CallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return NewErrorResponse(req.ID, CodeInvalidParams,
			fmt.Sprintf("malformed tools/call params: %v", err), nil)
	}
	if params.Name == "" {
		return NewErrorResponse(req.ID, CodeInvalidParams, "tool name is required", nil)
	}

	// An unregistered tool is a method-not-found condition: the tool name is
	// the effective method being invoked.
	tool, err := s.registry.Lookup(params.Name)
	if err != nil {
		return NewErrorResponse(req.ID, CodeMethodNotFound,
			fmt.Sprintf("tool '%s' not found", params.Name), nil)
	}

	call := queryscale.CallContext{UserID: params.Caller.UserID, Group: params.Caller.Group}
	if err := s.registry.Authorize(params.Name, call); err != nil {
		return NewErrorResponse(req.ID, CodeUnauthorized, err.Error(), nil)
	}

	// Arguments are validated before the handler runs, so a rejected call
	// has no side effects.
	if err := s.registry.ValidateArgs(params.Name, params.Arguments); err != nil {
		return NewErrorResponse(req.ID, CodeInvalidParams, err.Error(), nil)
	}

	output, err := s.invoke(ctx, tool, params.Arguments, call)
	if err != nil {
		return NewErrorResponse(req.ID, CodeToolError,
			fmt.Sprintf("tool '%s' failed: %v", params.Name, err), nil)
	}
	return NewResponse(req.ID, CallResult{Output: output})
}

func (s *Server) invoke(ctx context.Context, tool queryscale.Tool, args map[string]interface{}, call queryscale.CallContext) (output map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Tool handler panicked (tool: %s): %v", tool.Name(), r)
			output = nil
			err = fmt.Errorf("tool handler panicked: %v", r)
		}
	}()
	return tool.Invoke(ctx, args, call)
}
