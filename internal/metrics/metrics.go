// Package metrics aggregates write-only prometheus counters for the
// router's RPC and provider-usage paths.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	rpcCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcp_router_rpc_calls_total",
		Help: "Total JSON-RPC calls dispatched by the router.",
	}, []string{"method", "status"})

	rpcLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mcp_router_rpc_latency_seconds",
		Help:    "JSON-RPC dispatch latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	rpcRequestBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcp_router_rpc_request_bytes_total",
		Help: "Total JSON-RPC request bytes by method.",
	}, []string{"method"})

	rpcResponseBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcp_router_rpc_response_bytes_total",
		Help: "Total JSON-RPC response bytes by method.",
	}, []string{"method"})

	providerTokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcp_router_provider_tokens_total",
		Help: "Tokens consumed per provider.",
	}, []string{"provider", "outcome"})

	providerCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcp_router_provider_calls_total",
		Help: "Forwarded calls per provider.",
	}, []string{"provider", "outcome"})
)

func init() {
	prometheus.MustRegister(rpcCalls, rpcLatency, rpcRequestBytes, rpcResponseBytes, providerTokens, providerCalls)
}

// RecordRPC records one dispatched JSON-RPC method call.
func RecordRPC(method, status string, elapsed time.Duration, bytesIn, bytesOut int) {
	rpcCalls.WithLabelValues(method, status).Inc()
	rpcLatency.WithLabelValues(method).Observe(elapsed.Seconds())
	rpcRequestBytes.WithLabelValues(method).Add(float64(bytesIn))
	rpcResponseBytes.WithLabelValues(method).Add(float64(bytesOut))
}

// RecordProviderUsage records one forwarded call against a provider.
func RecordProviderUsage(provider string, tokens int64, outcome string) {
	providerCalls.WithLabelValues(provider, outcome).Inc()
	if tokens > 0 {
		providerTokens.WithLabelValues(provider, outcome).Add(float64(tokens))
	}
}

// Handler returns the prometheus text exposition handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
