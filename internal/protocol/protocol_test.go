package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	queryscale "github.com/ZanzyTHEbar/queryscale"
	"github.com/ZanzyTHEbar/queryscale/internal/adapters"
	"github.com/ZanzyTHEbar/queryscale/internal/registry"
)

// sideEffects counts how often tool handlers actually ran, so tests can
// prove that rejected calls never reach a handler.
type sideEffects struct {
	mu    sync.Mutex
	count int
}

func (s *sideEffects) bump() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
}

func (s *sideEffects) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func newTestServer(t *testing.T, effects *sideEffects) *Server {
	t.Helper()
	reg := registry.New()

	echo := adapters.NewFuncTool("echo",
		func(ctx context.Context, args map[string]interface{}, call queryscale.CallContext) (map[string]interface{}, error) {
			if effects != nil {
				effects.bump()
			}
			return map[string]interface{}{"echo": args["value"], "success": true}, nil
		},
		adapters.WithDescription("Echoes the value argument."),
		adapters.WithInputSchema(map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"value": map[string]interface{}{"type": "string"},
			},
			"required":             []interface{}{"value"},
			"additionalProperties": false,
		}),
	)
	restricted := adapters.NewFuncTool("restricted",
		func(ctx context.Context, args map[string]interface{}, call queryscale.CallContext) (map[string]interface{}, error) {
			return map[string]interface{}{"ok": true}, nil
		},
		adapters.WithAllowedGroups("analysts"),
		adapters.WithValidator(func(args map[string]interface{}) error { return nil }),
	)
	panicky := adapters.NewFuncTool("panicky",
		func(ctx context.Context, args map[string]interface{}, call queryscale.CallContext) (map[string]interface{}, error) {
			panic("handler exploded")
		},
		adapters.WithValidator(func(args map[string]interface{}) error { return nil }),
	)
	failing := adapters.NewFuncTool("failing",
		func(ctx context.Context, args map[string]interface{}, call queryscale.CallContext) (map[string]interface{}, error) {
			return nil, errors.New("backend rejected the request")
		},
		adapters.WithValidator(func(args map[string]interface{}) error { return nil }),
	)

	for _, tool := range []queryscale.Tool{echo, restricted, panicky, failing} {
		if err := reg.Register(tool); err != nil {
			t.Fatalf("failed to register tool: %v", err)
		}
	}
	reg.Seal()
	return NewServer("test-server", reg)
}

func newTestClient(server *Server, options ...ClientOption) *Client {
	base := []ClientOption{WithBackoff(time.Millisecond), WithCallTimeout(5 * time.Second)}
	return NewClient(NewInProcessTransport(server), append(base, options...)...)
}

// countingTransport wraps another transport and counts sends; it can be
// configured to fail the first N sends with a transport error.
type countingTransport struct {
	inner    Transport
	failures int

	mu    sync.Mutex
	sends int
}

func (t *countingTransport) Send(ctx context.Context, req Request) (Response, error) {
	t.mu.Lock()
	t.sends++
	n := t.sends
	t.mu.Unlock()
	if n <= t.failures {
		return Response{}, fmt.Errorf("simulated transport failure %d", n)
	}
	return t.inner.Send(ctx, req)
}

func (t *countingTransport) sendCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sends
}

func TestInitializeHandshake(t *testing.T) {
	client := newTestClient(newTestServer(t, nil))

	result, err := client.Initialize(context.Background())
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if result.ProtocolVersion != Version {
		t.Errorf("protocol version = %q, want %q", result.ProtocolVersion, Version)
	}
	if result.ServerInfo.Name != "test-server" {
		t.Errorf("server name = %q", result.ServerInfo.Name)
	}
}

func TestListToolsReturnsRegistrationOrder(t *testing.T) {
	client := newTestClient(newTestServer(t, nil))

	defs, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	want := []string{"echo", "restricted", "panicky", "failing"}
	if len(defs) != len(want) {
		t.Fatalf("got %d tools, want %d", len(defs), len(want))
	}
	for i, name := range want {
		if defs[i].Name != name {
			t.Errorf("tool[%d] = %q, want %q", i, defs[i].Name, name)
		}
	}
}

func TestCallToolRoundTrip(t *testing.T) {
	client := newTestClient(newTestServer(t, nil))

	output, err := client.CallTool(context.Background(), "echo",
		map[string]interface{}{"value": "hello"}, queryscale.CallContext{UserID: "u1"})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if output["echo"] != "hello" {
		t.Errorf("echo output = %v, want hello", output["echo"])
	}
}

func TestCallToolUnknownToolIsMethodNotFound(t *testing.T) {
	server := newTestServer(t, nil)

	// On the wire an unregistered tool is a method-not-found error.
	req, err := NewRequest("req-1", MethodToolsCall, CallParams{Name: "nonexistent"})
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	resp := server.Handle(context.Background(), req)
	if resp.Error == nil {
		t.Fatal("expected an error response for an unknown tool")
	}
	if resp.Error.Code != CodeMethodNotFound {
		t.Errorf("wire error code = %d, want %d", resp.Error.Code, CodeMethodNotFound)
	}

	client := newTestClient(server)
	_, err = client.CallTool(context.Background(), "nonexistent", nil, queryscale.CallContext{})
	if err == nil {
		t.Fatal("expected an error for an unknown tool")
	}
	if code := queryscale.CodeOf(err); code != queryscale.ErrCodeProtocol {
		t.Errorf("error code = %s, want %s", code, queryscale.ErrCodeProtocol)
	}
}

func TestCallToolInvalidParamsHasNoSideEffects(t *testing.T) {
	effects := &sideEffects{}
	client := newTestClient(newTestServer(t, effects))

	// Missing the required "value" argument.
	_, err := client.CallTool(context.Background(), "echo",
		map[string]interface{}{"other": 1}, queryscale.CallContext{})
	if err == nil {
		t.Fatal("expected schema validation to reject the call")
	}
	if code := queryscale.CodeOf(err); code != queryscale.ErrCodeValidation {
		t.Errorf("error code = %s, want %s", code, queryscale.ErrCodeValidation)
	}
	if effects.total() != 0 {
		t.Errorf("handler ran %d time(s) despite invalid params", effects.total())
	}
}

func TestCallToolUnauthorizedGroup(t *testing.T) {
	client := newTestClient(newTestServer(t, nil))

	_, err := client.CallTool(context.Background(), "restricted", nil,
		queryscale.CallContext{UserID: "u1", Group: "interns"})
	if err == nil {
		t.Fatal("expected the call to be rejected")
	}
	if code := queryscale.CodeOf(err); code != queryscale.ErrCodeUnauthorized {
		t.Errorf("error code = %s, want %s", code, queryscale.ErrCodeUnauthorized)
	}

	if _, err := client.CallTool(context.Background(), "restricted", nil,
		queryscale.CallContext{UserID: "u1", Group: "analysts"}); err != nil {
		t.Errorf("allowed group was rejected: %v", err)
	}
}

func TestCallToolHandlerPanicBecomesToolError(t *testing.T) {
	client := newTestClient(newTestServer(t, nil))

	_, err := client.CallTool(context.Background(), "panicky", nil, queryscale.CallContext{})
	if err == nil {
		t.Fatal("expected the panicking handler to produce an error")
	}
	if code := queryscale.CodeOf(err); code != queryscale.ErrCodeToolExecution {
		t.Errorf("error code = %s, want %s", code, queryscale.ErrCodeToolExecution)
	}
}

func TestTransportFailuresAreRetried(t *testing.T) {
	transport := &countingTransport{inner: NewInProcessTransport(newTestServer(t, nil)), failures: 2}
	client := NewClient(transport, WithRetries(3), WithBackoff(time.Millisecond))

	output, err := client.CallTool(context.Background(), "echo",
		map[string]interface{}{"value": "hello"}, queryscale.CallContext{})
	if err != nil {
		t.Fatalf("CallTool should have succeeded after retries: %v", err)
	}
	if output["echo"] != "hello" {
		t.Errorf("echo output = %v", output["echo"])
	}
	if transport.sendCount() != 3 {
		t.Errorf("send count = %d, want 3 (two failures plus one success)", transport.sendCount())
	}
}

func TestTransportRetryBudgetExhausted(t *testing.T) {
	transport := &countingTransport{inner: NewInProcessTransport(newTestServer(t, nil)), failures: 100}
	client := NewClient(transport, WithRetries(2), WithBackoff(time.Millisecond))

	_, err := client.CallTool(context.Background(), "echo",
		map[string]interface{}{"value": "hello"}, queryscale.CallContext{})
	if err == nil {
		t.Fatal("expected the call to fail once the retry budget is spent")
	}
	if code := queryscale.CodeOf(err); code != queryscale.ErrCodeTransport {
		t.Errorf("error code = %s, want %s", code, queryscale.ErrCodeTransport)
	}
	if transport.sendCount() != 3 {
		t.Errorf("send count = %d, want 3 (initial attempt plus two retries)", transport.sendCount())
	}
}

func TestProtocolErrorsAreNotRetried(t *testing.T) {
	transport := &countingTransport{inner: NewInProcessTransport(newTestServer(t, nil))}
	client := NewClient(transport, WithRetries(3), WithBackoff(time.Millisecond))

	_, err := client.CallTool(context.Background(), "failing", nil, queryscale.CallContext{})
	if err == nil {
		t.Fatal("expected the tool failure to surface")
	}
	if transport.sendCount() != 1 {
		t.Errorf("send count = %d, want 1: the server answered, retrying would re-run the tool", transport.sendCount())
	}
}

// crossedTransport answers the first send with a response carrying a foreign
// correlation ID, then behaves normally.
type crossedTransport struct {
	inner Transport

	mu      sync.Mutex
	crossed bool
}

func (t *crossedTransport) Send(ctx context.Context, req Request) (Response, error) {
	t.mu.Lock()
	first := !t.crossed
	t.crossed = true
	t.mu.Unlock()
	if first {
		return NewResponse("some-other-request", map[string]interface{}{"stale": true}), nil
	}
	return t.inner.Send(ctx, req)
}

func TestCorrelationMismatchIsDiscarded(t *testing.T) {
	transport := &crossedTransport{inner: NewInProcessTransport(newTestServer(t, nil))}
	client := NewClient(transport, WithRetries(2), WithBackoff(time.Millisecond))

	output, err := client.CallTool(context.Background(), "echo",
		map[string]interface{}{"value": "hello"}, queryscale.CallContext{})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if _, stale := output["stale"]; stale {
		t.Fatal("a response with a foreign correlation ID was delivered to the caller")
	}
	if output["echo"] != "hello" {
		t.Errorf("echo output = %v", output["echo"])
	}
}

func TestConcurrentCallsKeepResponsesMatched(t *testing.T) {
	client := newTestClient(newTestServer(t, nil))

	const callers = 32
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			value := fmt.Sprintf("caller-%d", i)
			output, err := client.CallTool(context.Background(), "echo",
				map[string]interface{}{"value": value}, queryscale.CallContext{UserID: value})
			if err != nil {
				errs <- err
				return
			}
			if output["echo"] != value {
				errs <- fmt.Errorf("caller %d received %v", i, output["echo"])
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestServerRejectsWrongProtocolVersion(t *testing.T) {
	server := newTestServer(t, nil)
	resp := server.Handle(context.Background(), Request{JSONRPC: "1.0", ID: "r1", Method: MethodPing})
	if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Fatalf("expected invalid request error, got %+v", resp.Error)
	}
	if resp.ID != "r1" {
		t.Errorf("response ID = %q, must echo the request ID", resp.ID)
	}
}

func TestServerMethodNotFound(t *testing.T) {
	server := newTestServer(t, nil)
	resp := server.Handle(context.Background(), Request{JSONRPC: Version, ID: "r2", Method: "tools/destroy"})
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", resp.Error)
	}
}

func TestServerMalformedCallParams(t *testing.T) {
	server := newTestServer(t, nil)
	resp := server.Handle(context.Background(), Request{
		JSONRPC: Version, ID: "r3", Method: MethodToolsCall, Params: json.RawMessage(`"not an object"`),
	})
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("expected invalid params, got %+v", resp.Error)
	}
}
