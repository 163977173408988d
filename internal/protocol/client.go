package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	queryscale "github.com/ZanzyTHEbar/queryscale"
)

// Transport delivers one request and returns the matching response. A
// returned error means the request may not have reached the server; the
// client treats it as retryable.
type Transport interface {
	Send(ctx context.Context, req Request) (Response, error)
}

// Client invokes tools over a Transport. Each call gets a fresh correlation
// ID; transport failures are retried with exponential backoff, while protocol
// errors (unknown method, invalid params, tool failure, unauthorized) are
// returned immediately as typed errors.
type Client struct {
	transport   Transport
	callTimeout time.Duration
	retries     int
	backoff     time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCallTimeout sets the per-attempt timeout.
func WithCallTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.callTimeout = timeout
		}
	}
}

// WithRetries sets how many times a transport failure is retried.
func WithRetries(retries int) ClientOption {
	return func(c *Client) {
		if retries >= 0 {
			c.retries = retries
		}
	}
}

// WithBackoff sets the initial retry backoff; it doubles per attempt.
func WithBackoff(backoff time.Duration) ClientOption {
	return func(c *Client) {
		if backoff > 0 {
			c.backoff = backoff
		}
	}
}

// NewClient creates a protocol client over the given transport.
func NewClient(transport Transport, options ...ClientOption) *Client {
	c := &Client{
		transport:   transport,
		callTimeout: 30 * time.Second,
		retries:     3,
		backoff:     500 * time.Millisecond,
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// Initialize performs the protocol handshake.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	resp, err := c.roundTrip(ctx, MethodInitialize, nil)
	if err != nil {
		return nil, err
	}
	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, queryscale.NewProtocolError("initialize", "malformed initialize result", err)
	}
	return &result, nil
}

// ListTools fetches the definitions of every tool the server exposes.
func (c *Client) ListTools(ctx context.Context) ([]queryscale.ToolDefinition, error) {
	resp, err := c.roundTrip(ctx, MethodToolsList, nil)
	if err != nil {
		return nil, err
	}
	var result ListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, queryscale.NewProtocolError("tools/list", "malformed tools/list result", err)
	}
	defs := make([]queryscale.ToolDefinition, 0, len(result.Tools))
	for _, raw := range result.Tools {
		var def queryscale.ToolDefinition
		if err := json.Unmarshal(raw, &def); err != nil {
			return nil, queryscale.NewProtocolError("tools/list", "malformed tool definition", err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// CallTool invokes one named tool and returns its output map. It satisfies
// the executor's tool caller contract.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}, call queryscale.CallContext) (map[string]interface{}, error) {
	resp, err := c.roundTrip(ctx, MethodToolsCall, CallParams{
		Name:      name,
		Arguments: args,
		Caller:    CallerInfo{UserID: call.UserID, Group: call.Group},
	})
	if err != nil {
		return nil, err
	}
	var result CallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, queryscale.NewProtocolError("tools/call", "malformed tools/call result", err)
	}
	return result.Output, nil
}

// roundTrip sends one request, retrying transport failures and correlation
// mismatches up to the configured budget. Protocol-level errors come back as
// typed errors with no retry: the server has already answered.
func (c *Client) roundTrip(ctx context.Context, method string, params interface{}) (Response, error) {
	var lastErr error
	backoff := c.backoff

	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			log.Printf("Retrying protocol call after transport failure (method: %s, attempt: %d): %v",
				method, attempt, lastErr)
			select {
			case <-ctx.Done():
				return Response{}, queryscale.NewCancelledError("protocol", ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		id := uuid.New().String()
		req, err := NewRequest(id, method, params)
		if err != nil {
			return Response{}, queryscale.NewProtocolError("protocol", "failed to encode request params", err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		resp, err := c.transport.Send(attemptCtx, req)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return Response{}, queryscale.NewCancelledError("protocol", ctx.Err())
			}
			lastErr = err
			continue
		}
		if resp.ID != id {
			// A stale or crossed response; never deliver it to the caller.
			lastErr = fmt.Errorf("correlation ID mismatch: sent '%s', received '%s'", id, resp.ID)
			continue
		}
		if resp.Error != nil {
			return Response{}, typedError(method, resp.Error)
		}
		return resp, nil
	}

	return Response{}, queryscale.NewTransportError("protocol",
		fmt.Errorf("call '%s' failed after %d attempt(s): %w", method, c.retries+1, lastErr))
}

// typedError maps a protocol error object onto the domain error taxonomy.
func typedError(method string, errObj *ErrorObject) error {
	switch errObj.Code {
	case CodeMethodNotFound:
		return queryscale.NewProtocolError(method, errObj.Message, errObj)
	case CodeInvalidParams:
		return queryscale.NewValidationError(method, errObj.Message, errObj)
	case CodeUnauthorized:
		return queryscale.NewUnauthorizedError(method, errObj.Message)
	case CodeToolError:
		return queryscale.NewError(queryscale.ErrCodeToolExecution, method, errObj.Message, errObj)
	default:
		return queryscale.NewProtocolError(method, errObj.Message, errObj)
	}
}
