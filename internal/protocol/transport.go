package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// InProcessTransport connects a client directly to a server in the same
// process. Used when the control layer and the tool host are co-deployed,
// and by tests.
type InProcessTransport struct {
	server *Server
}

// NewInProcessTransport creates a transport bound to server.
func NewInProcessTransport(server *Server) *InProcessTransport {
	return &InProcessTransport{server: server}
}

// Send dispatches the request straight into the server.
func (t *InProcessTransport) Send(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	return t.server.Handle(ctx, req), nil
}

// HTTPTransport delivers requests to a remote protocol endpoint over HTTP.
type HTTPTransport struct {
	endpoint string
	client   *http.Client
}

// NewHTTPTransport creates a transport posting to endpoint. A nil httpClient
// falls back to http.DefaultClient; per-call timeouts come from the request
// context.
func NewHTTPTransport(endpoint string, httpClient *http.Client) *HTTPTransport {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPTransport{endpoint: endpoint, client: httpClient}
}

// Send posts the request as JSON and decodes the response envelope. Network
// failures and non-2xx statuses are transport errors; protocol errors arrive
// inside a decoded envelope.
func (t *HTTPTransport) Send(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return Response{}, fmt.Errorf("endpoint returned status %d", httpResp.StatusCode)
	}

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp, nil
}

// NewHTTPHandler exposes a protocol server over HTTP: POST /rpc for protocol
// requests and GET /healthz for liveness checks. Malformed bodies get a
// parse-error envelope with HTTP 200, matching the one-response-per-request
// contract.
func NewHTTPHandler(server *Server) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/rpc", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var resp Response
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			resp = NewErrorResponse("", CodeParseError, fmt.Sprintf("malformed request body: %v", err), nil)
		} else {
			resp = server.Handle(r.Context(), req)
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			http.Error(w, "failed to encode response", http.StatusInternalServerError)
		}
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok"}`)
	})

	return mux
}
