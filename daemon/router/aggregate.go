package router

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"

	"mcpr.dev/daemon/upstream"
	"mcpr.dev/internal/jsonrpc"
)

// aggregateList fans the "<kind>/list" method out to every registered
// upstream concurrently and merges the contributions under the kind key.
// Per-backend failures are logged and skipped; they never fail the
// aggregate. Ordering within a backend's contribution is preserved.
func (r *Router) aggregateList(ctx context.Context, req jsonrpc.Request, kind string, failCode int) jsonrpc.Response {
	handles := r.reg.List()
	contributions := make([][]any, len(handles))

	g, ctx := errgroup.WithContext(ctx)
	for i, h := range handles {
		i, h := i, h
		g.Go(func() error {
			items, err := r.listFrom(ctx, h, kind)
			if err != nil {
				r.log.Warn().Err(err).Str("upstream", h.Name()).Msgf("%s/list aggregation failed", kind)
				return nil
			}
			contributions[i] = items
			return nil
		})
	}
	g.Wait()

	merged := make([]any, 0)
	for _, items := range contributions {
		merged = append(merged, items...)
	}
	result, err := jsonrpc.Marshal(map[string]any{kind: merged})
	if err != nil {
		return jsonrpc.NewError(req.ID, failCode, kind+" aggregation failed: "+err.Error())
	}
	return jsonrpc.RawResult(req.ID, result)
}

func (r *Router) listFrom(ctx context.Context, h *upstream.Handle, kind string) ([]any, error) {
	fwd := jsonrpc.Request{JSONRPC: "2.0", Method: kind + "/list", Params: []byte("{}")}
	resp, err := h.Call(ctx, fwd)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	items, _ := resp.ResultMap()[kind].([]any)
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if name, ok := entry["name"].(string); ok && !strings.Contains(name, "/") {
			entry["name"] = h.Name() + "/" + name
		}
		if kind == "resources" {
			if uri, ok := entry["uri"].(string); ok {
				entry["uri"] = EncodeResourceURI(h.Name(), uri)
			}
		}
	}
	return items, nil
}
