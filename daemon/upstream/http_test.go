package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	qt "github.com/frankban/quicktest"

	"mcpr.dev/internal/jsonrpc"
)

func TestHTTPTransportHeaders(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		c.Check(r.Header.Get("Content-Type"), qt.Equals, "application/json")
		c.Check(r.Header.Get("Accept"), qt.Equals, "application/json")
		c.Check(r.Header.Get("MCP-Protocol-Version"), qt.Equals, ProtocolVersion)
		c.Check(r.Header.Get("Authorization"), qt.Equals, "Bearer upstream-tok")
		switch calls {
		case 1:
			c.Check(r.Header.Get("Mcp-Session-Id"), qt.Equals, "")
			w.Header().Set("Mcp-Session-Id", "sess-1")
		default:
			// The session id from the first response sticks.
			c.Check(r.Header.Get("Mcp-Session-Id"), qt.Equals, "sess-1")
		}

		var req jsonrpc.Request
		c.Check(json.NewDecoder(r.Body).Decode(&req), qt.IsNil)
		resp := jsonrpc.NewResult(req.ID, map[string]any{"method": req.Method})
		raw, _ := jsonrpc.Marshal(resp)
		w.Write(raw)
	}))
	defer srv.Close()

	tr := &httpTransport{client: srv.Client(), url: srv.URL, bearer: "upstream-tok"}
	for i := 0; i < 2; i++ {
		resp, err := tr.Call(ctx, jsonrpc.Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "tools/list"})
		c.Assert(err, qt.IsNil)
		c.Assert(resp.Error == nil, qt.IsTrue)
	}
	c.Assert(calls, qt.Equals, 2)
}

func TestHTTPTransportNon2xx(t *testing.T) {
	c := qt.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	tr := &httpTransport{client: srv.Client(), url: srv.URL}
	_, err := tr.Call(context.Background(), jsonrpc.Request{JSONRPC: "2.0", Method: "tools/list"})
	c.Assert(err, qt.ErrorMatches, `upstream returned status 502`)
}

func TestHTTPTransportMalformedBody(t *testing.T) {
	c := qt.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	tr := &httpTransport{client: srv.Client(), url: srv.URL}
	_, err := tr.Call(context.Background(), jsonrpc.Request{JSONRPC: "2.0", Method: "tools/list"})
	c.Assert(err, qt.ErrorMatches, `decode response: .*`)
}
