package router

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gofrs/uuid"

	"mcpr.dev/daemon/events"
	"mcpr.dev/daemon/store"
	"mcpr.dev/internal/jsonrpc"
	"mcpr.dev/internal/metrics"
)

// AnonymousUser is charged when a call carries no user identity. It has
// no subscription unless the operator provisions one, in which case the
// gate applies to it like any other user.
const AnonymousUser = "anonymous"

func (r *Router) toolCall(ctx context.Context, req jsonrpc.Request) jsonrpc.Response {
	params, err := req.ParamsMap()
	if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "invalid params: "+err.Error())
	}
	name, _ := params["name"].(string)
	server, tool, ok := splitNamespace(name)
	if !ok {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "tool name must be namespaced as <server>/<tool>")
	}

	user := callUser(params)
	estimate := estimatedTokens(params)

	if errResp, ok := r.enforceSubscription(ctx, req, user, estimate); !ok {
		return errResp
	}

	params["name"] = tool
	fwd, err := forwardRequest(req, "tools/call", params)
	if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternal, err.Error())
	}

	if streaming, _ := params["stream"].(bool); streaming {
		return r.streamToolCall(ctx, req, fwd, server, tool, user)
	}

	resp, err := r.reg.Call(ctx, server, fwd)
	if err != nil {
		metrics.RecordProviderUsage(server, 0, "error")
		return jsonrpc.NewError(req.ID, jsonrpc.CodeUpstreamFailed, "upstream call failed: "+err.Error())
	}

	outcome := "ok"
	if resp.Error != nil {
		outcome = "error"
	}
	cost := actualTokens(&resp, estimate)
	if resp.Error == nil && cost > 0 {
		if err := r.store.RecordUsage(ctx, user, cost, server); err != nil {
			// Usage accounting is an operator SLO, not a client SLO.
			r.log.Error().Err(err).Str("user", user).Str("provider", server).Msg("failed to record usage")
		}
	}
	metrics.RecordProviderUsage(server, cost, outcome)

	resp.ID = req.ID
	return resp
}

// streamToolCall spawns the upstream call and returns a stream-id
// placeholder immediately. Completion is published through the event hub;
// delivery is best-effort.
func (r *Router) streamToolCall(ctx context.Context, req, fwd jsonrpc.Request, server, tool, user string) jsonrpc.Response {
	streamID := uuid.Must(uuid.NewV4()).String()
	r.hub.Publish(events.Event{
		ID:    streamID,
		Event: "stream-start",
		Payload: map[string]any{
			"name": server + "/" + tool,
			"user": user,
		},
	})

	// The call outlives the inbound request.
	callCtx := context.WithoutCancel(ctx)
	go func() {
		resp, err := r.reg.Call(callCtx, server, fwd)
		switch {
		case err != nil:
			r.hub.Publish(events.Event{
				ID:      streamID,
				Event:   "stream-error",
				Payload: map[string]any{"error": err.Error()},
			})
		case resp.Error != nil:
			r.hub.Publish(events.Event{
				ID:      streamID,
				Event:   "stream-error",
				Payload: map[string]any{"error": resp.Error.Message},
			})
		default:
			r.hub.Publish(events.Event{
				ID:      streamID,
				Event:   "stream-complete",
				Payload: map[string]any{"result": resp.Result},
			})
		}
	}()

	return jsonrpc.NewResult(req.ID, map[string]any{"stream": map[string]string{"id": streamID}})
}

// enforceSubscription applies the quota gate before any backend call.
func (r *Router) enforceSubscription(ctx context.Context, req jsonrpc.Request, user string, estimate int64) (jsonrpc.Response, bool) {
	sub, err := r.store.GetSubscription(ctx, user)
	if errors.Is(err, store.ErrNoSubscription) {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeNoSubscription, "no subscription for user "+user), false
	} else if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternal, "subscription lookup failed: "+err.Error()), false
	}
	switch err := sub.CheckQuota(time.Now(), estimate); {
	case errors.Is(err, store.ErrSubscriptionExpired):
		return jsonrpc.NewError(req.ID, jsonrpc.CodeSubscriptionExpired, err.Error()), false
	case errors.Is(err, store.ErrRequestsExceeded):
		return jsonrpc.NewError(req.ID, jsonrpc.CodeRequestsExceeded, err.Error()), false
	case errors.Is(err, store.ErrTokensExceeded):
		return jsonrpc.NewError(req.ID, jsonrpc.CodeTokensExceeded, err.Error()), false
	case err != nil:
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternal, err.Error()), false
	}
	return jsonrpc.Response{}, true
}

// callUser extracts the billed user: params.user, then
// params.account.user_id, then the anonymous user.
func callUser(params map[string]any) string {
	if user, ok := params["user"].(string); ok && user != "" {
		return user
	}
	if account, ok := params["account"].(map[string]any); ok {
		if user, ok := account["user_id"].(string); ok && user != "" {
			return user
		}
	}
	return AnonymousUser
}

// estimatedTokens reads the declared token cost from
// params.usage.expected_tokens, falling back to params.tokens.
// Negative or non-numeric values count as zero.
func estimatedTokens(params map[string]any) int64 {
	if usage, ok := params["usage"].(map[string]any); ok {
		if n, ok := asInt64(usage["expected_tokens"]); ok {
			return n
		}
	}
	if n, ok := asInt64(params["tokens"]); ok {
		return n
	}
	return 0
}

// actualTokens prefers the upstream-reported result.usage.total_tokens
// over the caller's estimate.
func actualTokens(resp *jsonrpc.Response, estimate int64) int64 {
	if usage, ok := resp.ResultMap()["usage"].(map[string]any); ok {
		if n, ok := asInt64(usage["total_tokens"]); ok {
			return n
		}
	}
	return estimate
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n < 0 || n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
