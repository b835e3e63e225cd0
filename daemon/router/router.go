// Package router implements the JSON-RPC dispatch and aggregation core:
// method routing, namespaced fan-out across upstreams, the subscription
// gate on tools/call, and the optional streaming mode.
package router

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mcpr.dev/daemon/events"
	"mcpr.dev/daemon/store"
	"mcpr.dev/daemon/upstream"
	"mcpr.dev/internal/jsonrpc"
	"mcpr.dev/internal/metrics"
)

// Router is the method dispatcher. It holds shared references to the
// registry, store and hub; none of them point back, so no cycles arise.
type Router struct {
	reg   *upstream.Registry
	store *store.Store
	hub   *events.Hub
	log   zerolog.Logger

	infoMu sync.RWMutex
	info   json.RawMessage
}

// New creates a router. Call BuildInfo once the registry is populated.
func New(reg *upstream.Registry, st *store.Store, hub *events.Hub, log zerolog.Logger) *Router {
	return &Router{reg: reg, store: st, hub: hub, log: log}
}

// BuildInfo initializes every registered upstream and materializes the
// cached info blob served by the initialize method.
func (r *Router) BuildInfo(ctx context.Context) {
	infos := r.reg.EnsureInitialized(ctx)
	if infos == nil {
		infos = []upstream.InitInfo{}
	}
	blob, err := jsonrpc.Marshal(map[string]any{
		"capabilities": map[string]bool{
			"tools":     true,
			"prompts":   true,
			"resources": true,
		},
		"upstreams":          infos,
		"subscription_tiers": store.TierPresets(),
	})
	if err != nil {
		r.log.Error().Err(err).Msg("failed to materialize server info")
		return
	}
	r.infoMu.Lock()
	r.info = blob
	r.infoMu.Unlock()
}

// Handle dispatches one JSON-RPC request and records RPC metrics.
func (r *Router) Handle(ctx context.Context, req jsonrpc.Request) jsonrpc.Response {
	started := time.Now()
	resp := r.dispatch(ctx, req)

	status := "ok"
	if resp.Error != nil {
		status = "error"
	}
	bytesIn, bytesOut := encodedLen(req), encodedLen(resp)
	metrics.RecordRPC(req.Method, status, time.Since(started), bytesIn, bytesOut)
	return resp
}

func (r *Router) dispatch(ctx context.Context, req jsonrpc.Request) jsonrpc.Response {
	if !req.ValidVersion() {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidRequest, "invalid JSON-RPC version")
	}
	switch req.Method {
	case "initialize":
		r.infoMu.RLock()
		info := r.info
		r.infoMu.RUnlock()
		return jsonrpc.RawResult(req.ID, info)
	case "tools/list":
		return r.aggregateList(ctx, req, "tools", jsonrpc.CodeToolsAggregation)
	case "prompts/list":
		return r.aggregateList(ctx, req, "prompts", jsonrpc.CodePromptsAggregation)
	case "resources/list":
		return r.aggregateList(ctx, req, "resources", jsonrpc.CodeResourcesAggregation)
	case "prompts/get":
		return r.promptGet(ctx, req)
	case "resources/read":
		return r.resourceRead(ctx, req)
	case "tools/call":
		return r.toolCall(ctx, req)
	default:
		return jsonrpc.NewError(req.ID, jsonrpc.CodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (r *Router) promptGet(ctx context.Context, req jsonrpc.Request) jsonrpc.Response {
	params, err := req.ParamsMap()
	if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "invalid params: "+err.Error())
	}
	name, _ := params["name"].(string)
	server, local, ok := splitNamespace(name)
	if !ok {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "prompt name must be namespaced as <server>/<name>")
	}
	params["name"] = local
	fwd, err := forwardRequest(req, "prompts/get", params)
	if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternal, err.Error())
	}
	resp, err := r.reg.Call(ctx, server, fwd)
	if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeUpstreamFailed, "upstream call failed: "+err.Error())
	}
	resp.ID = req.ID
	return resp
}

func (r *Router) resourceRead(ctx context.Context, req jsonrpc.Request) jsonrpc.Response {
	params, err := req.ParamsMap()
	if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "invalid params: "+err.Error())
	}
	uri, _ := params["uri"].(string)
	server, original, err := DecodeResourceURI(uri)
	if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeResourceRead, "resource read failed: "+err.Error())
	}
	params["uri"] = original
	fwd, err := forwardRequest(req, "resources/read", params)
	if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternal, err.Error())
	}
	resp, err := r.reg.Call(ctx, server, fwd)
	if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeResourceRead, "resource read failed: "+err.Error())
	}
	resp.ID = req.ID
	return resp
}

// splitNamespace splits "<server>/<local>" on the first slash; the local
// name may itself contain slashes.
func splitNamespace(name string) (server, local string, ok bool) {
	server, local, ok = strings.Cut(name, "/")
	if !ok || server == "" || local == "" {
		return "", "", false
	}
	return server, local, true
}

// forwardRequest clones the inbound request with rewritten params,
// preserving the id so the upstream response echoes it.
func forwardRequest(req jsonrpc.Request, method string, params map[string]any) (jsonrpc.Request, error) {
	raw, err := jsonrpc.Marshal(params)
	if err != nil {
		return jsonrpc.Request{}, err
	}
	return jsonrpc.Request{JSONRPC: "2.0", ID: req.ID, Method: method, Params: raw}, nil
}

func encodedLen(v any) int {
	raw, err := jsonrpc.Marshal(v)
	if err != nil {
		return 0
	}
	return len(raw)
}
