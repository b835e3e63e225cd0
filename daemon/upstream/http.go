package upstream

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/cockroachdb/errors"

	"mcpr.dev/internal/jsonrpc"
)

// ProtocolVersion is sent on every upstream HTTP request.
const ProtocolVersion = "2024-05-13"

// httpTransport POSTs requests as JSON to a fixed URL. It is safe for
// concurrent use; the shared HTTP client multiplexes freely and only the
// session-id cell is guarded.
type httpTransport struct {
	client *http.Client
	url    string
	bearer string

	mu        sync.Mutex
	sessionID string
}

func (t *httpTransport) Call(ctx context.Context, req jsonrpc.Request) (jsonrpc.Response, error) {
	body, err := jsonrpc.Marshal(req)
	if err != nil {
		return jsonrpc.Response{}, errors.Wrap(err, "encode request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return jsonrpc.Response{}, errors.Wrap(err, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("MCP-Protocol-Version", ProtocolVersion)
	if t.bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.bearer)
	}
	t.mu.Lock()
	if t.sessionID != "" {
		httpReq.Header.Set("Mcp-Session-Id", t.sessionID)
	}
	t.mu.Unlock()

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return jsonrpc.Response{}, errors.Wrap(err, "send request")
	}
	defer resp.Body.Close()

	// A session id from the server sticks until replaced.
	if session := resp.Header.Get("Mcp-Session-Id"); session != "" {
		t.mu.Lock()
		t.sessionID = session
		t.mu.Unlock()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return jsonrpc.Response{}, errors.Newf("upstream returned status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return jsonrpc.Response{}, errors.Wrap(err, "read response")
	}
	var out jsonrpc.Response
	if err := jsonrpc.Unmarshal(raw, &out); err != nil {
		return jsonrpc.Response{}, errors.Wrap(err, "decode response")
	}
	return out, nil
}
