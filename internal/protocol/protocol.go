// Package protocol implements the JSON-RPC tool protocol: a server that
// exposes registered tools behind tools/list and tools/call, and a client
// that invokes them with correlation IDs and transport-level retries.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version spoken on the wire.
const Version = "2.0"

// Method names understood by the server.
const (
	MethodInitialize = "initialize"
	MethodToolsList  = "tools/list"
	MethodToolsCall  = "tools/call"
	MethodPing       = "ping"
)

// Error codes. The -327xx range follows JSON-RPC; the -320xx range is
// application-defined.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeToolError    = -32000
	CodeUnauthorized = -32001
)

// Request is one protocol request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is one protocol response envelope. Exactly one of Result and
// Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the error member of a failed response.
type ErrorObject struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *ErrorObject) Error() string {
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

// CallParams is the params payload of a tools/call request. Caller identity
// travels with the call so the server can authorize per tool.
type CallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	Caller    CallerInfo             `json:"caller,omitempty"`
}

// CallerInfo identifies who is invoking a tool.
type CallerInfo struct {
	UserID string `json:"user_id,omitempty"`
	Group  string `json:"group,omitempty"`
}

// CallResult is the result payload of a successful tools/call response.
type CallResult struct {
	Output map[string]interface{} `json:"output"`
}

// ListResult is the result payload of a tools/list response.
type ListResult struct {
	Tools []json.RawMessage `json:"tools"`
}

// InitializeResult is the result payload of an initialize response.
type InitializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
	Capabilities    []string   `json:"capabilities"`
}

// ServerInfo names the server implementation.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// NewResponse builds a success response carrying result, which must be
// JSON-encodable.
func NewResponse(id string, result interface{}) Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return NewErrorResponse(id, CodeInternalError, fmt.Sprintf("failed to encode result: %v", err), nil)
	}
	return Response{JSONRPC: Version, ID: id, Result: raw}
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id string, code int, message string, data interface{}) Response {
	return Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &ErrorObject{Code: code, Message: message, Data: data},
	}
}

// NewRequest builds a request with params, which must be JSON-encodable.
func NewRequest(id, method string, params interface{}) (Request, error) {
	req := Request{JSONRPC: Version, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Request{}, err
		}
		req.Params = raw
	}
	return req, nil
}
