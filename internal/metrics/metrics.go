// Package metrics exposes Prometheus collectors for the API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mindtrail_http_requests_total",
		Help: "HTTP requests by method and status code.",
	}, []string{"method", "status"})

	LLMCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mindtrail_llm_calls_total",
		Help: "Calls to the hosted model by operation and outcome.",
	}, []string{"operation", "outcome"})

	ProtocolSections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mindtrail_protocol_sections_total",
		Help: "Parsed reply sections by section and result (present, absent, malformed).",
	}, []string{"section", "result"})

	LayoutDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mindtrail_layout_duration_seconds",
		Help:    "Time spent in a full layout pass.",
		Buckets: prometheus.ExponentialBuckets(0.00005, 2, 14),
	})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
