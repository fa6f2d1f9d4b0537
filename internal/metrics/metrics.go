package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgate_http_requests_total",
			Help: "Total number of admin HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "chatgate_http_request_duration_seconds",
			Help: "Admin HTTP request duration in seconds",
		},
		[]string{"method", "endpoint"},
	)

	Turns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgate_turns_total",
			Help: "Dispatched turns by kind and outcome",
		},
		[]string{"kind", "status"},
	)

	InferenceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatgate_inference_latency_seconds",
			Help:    "Generation latency in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"model"},
	)

	ModelSubstitutions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatgate_model_substitutions_total",
			Help: "Image turns routed to the vision model instead of the user's model",
		},
	)

	Transcriptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgate_transcriptions_total",
			Help: "Voice transcriptions by outcome",
		},
		[]string{"status"},
	)

	ImagesGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgate_images_generated_total",
			Help: "Image synthesis jobs by outcome",
		},
		[]string{"status"},
	)

	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgate_auth_attempts_total",
			Help: "Shared-secret submissions by result",
		},
		[]string{"result"},
	)

	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatgate_sessions_created_total",
			Help: "Profiles created on first contact",
		},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatgate_active_sessions",
			Help: "Users with a running turn actor",
		},
	)

	BackendUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatgate_backend_up",
			Help: "1 if the last probe of a backend succeeded",
		},
		[]string{"backend"},
	)

	JournalErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatgate_journal_errors_total",
			Help: "Turn events that failed to publish",
		},
	)
)
