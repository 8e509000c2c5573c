// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// ConversationsResolved tracks resolver outcomes.
	ConversationsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversations_resolved_total",
			Help: "Conversation resolver outcomes",
		},
		[]string{"channel", "outcome"}, // outcome: matched|fallback|created
	)

	// ConversationsTotal tracks total conversations created.
	ConversationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
		[]string{"tenant_id", "channel"},
	)

	// MessagesTotal tracks total messages stored.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages stored",
		},
		[]string{"tenant_id", "role"},
	)

	// WSConnectionsActive tracks active websocket connections by client kind.
	WSConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ws_connections_active",
			Help: "Number of active websocket connections",
		},
		[]string{"kind"}, // kind: dashboard|widget
	)

	// FanoutEventsTotal tracks events published through the fanout hub.
	FanoutEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_events_total",
			Help: "Events published through the fanout hub",
		},
		[]string{"topic"},
	)

	// FanoutDropsTotal tracks events dropped for slow subscribers.
	FanoutDropsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_drops_total",
			Help: "Events dropped because a subscriber send buffer was full",
		},
	)

	// AutoRepliesTotal tracks auto-reply orchestrator outcomes.
	AutoRepliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auto_replies_total",
			Help: "Auto-reply orchestrator outcomes",
		},
		[]string{"outcome"}, // outcome: generated|skipped|empty|error|dropped
	)

	// GenerateDuration tracks generation pipeline call duration.
	GenerateDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "generate_duration_seconds",
			Help:    "Generation pipeline call duration",
			Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 45, 60},
		},
		[]string{"provider", "status"},
	)

	// GenerateTokensTotal tracks generation pipeline token usage.
	GenerateTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generate_tokens_total",
			Help: "Generation pipeline tokens processed",
		},
		[]string{"provider", "direction"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordGenerate records metrics for one generation pipeline call.
func RecordGenerate(provider, status string, duration float64, tokensIn, tokensOut int) {
	GenerateDuration.WithLabelValues(provider, status).Observe(duration)
	GenerateTokensTotal.WithLabelValues(provider, "in").Add(float64(tokensIn))
	GenerateTokensTotal.WithLabelValues(provider, "out").Add(float64(tokensOut))
}
