package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mediabridge_sessions_active",
		Help: "Currently active call sessions",
	})

	CallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediabridge_sessions_total",
		Help: "Total call sessions started",
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mediabridge_stage_duration_seconds",
		Help:    "Per-stage conversation latency (stt, llm_ttft, llm_total, tts_ttfb)",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 5.0},
	}, []string{"stage"})

	E2EDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mediabridge_e2e_duration_seconds",
		Help:    "End-to-end latency from speech-end to first TTS audio",
		Buckets: []float64{0.1, 0.2, 0.5, 0.8, 1.0, 1.5, 2.0, 3.0, 5.0},
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediabridge_errors_total",
		Help: "Error counts by stage and error type",
	}, []string{"stage", "error_type"})

	AudioChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediabridge_audio_chunks_processed_total",
		Help: "Total audio chunks received",
	})

	SpeechSegments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediabridge_vad_speech_segments_total",
		Help: "Speech segments detected by VAD",
	})

	// Fork & isolation core.

	ForkFramesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediabridge_fork_frames_delivered_total",
		Help: "Audio frames successfully forwarded to the primary ASP destination",
	})

	ForkDeliveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediabridge_fork_delivery_failures_total",
		Help: "Forward failures by destination",
	}, []string{"destination"})

	ForkLag = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mediabridge_fork_lag_seconds",
		Help:    "Time between a frame's enqueue and its delivery attempt",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	})

	ForkOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediabridge_fork_ring_overflows_total",
		Help: "Ring buffer drop-oldest events across all sessions",
	})

	// Audio Session Protocol.

	ASPConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mediabridge_asp_connections_active",
		Help: "Active ASP websocket connections by role",
	}, []string{"role"})

	ASPNegotiationAdjustments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediabridge_asp_negotiation_adjustments_total",
		Help: "Capability negotiation requests that required clamping",
	})

	ASPFramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediabridge_asp_frames_total",
		Help: "Binary audio frames sent by direction",
	}, []string{"direction"})

	// Circuit breaker / provider.

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mediabridge_breaker_state",
		Help: "Circuit breaker state by provider (0=closed, 1=open, 2=half_open)",
	}, []string{"provider"})

	BreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediabridge_breaker_trips_total",
		Help: "Circuit breaker open transitions by provider",
	}, []string{"provider"})

	ProviderFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediabridge_provider_fallback_total",
		Help: "Fallback activations by provider kind",
	}, []string{"kind"})
)
