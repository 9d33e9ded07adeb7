// ABOUTME: Prometheus collectors for sessions, RPC, streams, tool calls and the agent process.
// ABOUTME: Exposed on the sidecar's /metrics endpoint when enabled.

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coven_sidecar"

// methodNotFound mirrors rpc.CodeMethodNotFound without importing rpc.
const methodNotFound = -32601

var (
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of open sessions",
		},
	)

	SessionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "created_total",
			Help:      "Session creation attempts by result",
		},
		[]string{"result"},
	)

	RPCRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "JSON-RPC requests by method and response code (0 for success)",
		},
		[]string{"method", "code"},
	)

	RPCDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "duration_seconds",
			Help:      "JSON-RPC handler latency",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method"},
	)

	StreamEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "events_total",
			Help:      "Events queued on session streams by type",
		},
		[]string{"type"},
	)

	StreamEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "events_dropped_total",
			Help:      "Events evicted from full session queues",
		},
	)

	StreamReaders = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "readers",
			Help:      "Attached stream readers",
		},
	)

	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "calls_total",
			Help:      "Tool callbacks by outcome (success, failed, denied, rejected)",
		},
		[]string{"outcome"},
	)

	PermissionWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "permission_wait_seconds",
			Help:      "Time spent waiting for a permission decision",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"outcome"},
	)

	AgentStarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "starts_total",
			Help:      "Agent process start attempts by result",
		},
		[]string{"result"},
	)
)

// ObserveRPC records one dispatched request. Unknown methods share a single
// label value.
func ObserveRPC(method string, code int, elapsed time.Duration) {
	if code == methodNotFound || method == "" {
		method = "unknown"
	}
	RPCRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	RPCDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// Result maps an error to a "ok"/"error" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
