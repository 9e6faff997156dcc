// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "callguard"

// Metrics holds all Prometheus metrics for the process.
type Metrics struct {
	// Session metrics
	SessionsStarted  *prometheus.CounterVec
	SessionsEnded    *prometheus.CounterVec
	StateTransitions *prometheus.CounterVec
	CallDuration     prometheus.Histogram
	RoomsExpired     prometheus.Counter
	Rearms           prometheus.Counter

	// Signaling metrics
	SignalingErrors *prometheus.CounterVec

	// Pipeline metrics
	SegmentsSealed       *prometheus.CounterVec
	TranscriptionResults *prometheus.CounterVec
	TranscriptionLatency prometheus.Histogram
	RecordingsPersisted  *prometheus.CounterVec
	RecordingBytes       prometheus.Histogram

	// Reporter metrics
	CallReports *prometheus.CounterVec

	// Relay server metrics
	RelayConnections prometheus.Gauge
	RelayFrames      *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics. It must only be
// called once per process; use DefaultMetrics.
func NewMetrics() *Metrics {
	return &Metrics{
		SessionsStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Sessions that reached a room (created or joined)",
		}, []string{"role"}),
		SessionsEnded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Sessions torn down, by reason",
		}, []string{"role", "reason"}),
		StateTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Coordinator state transitions",
		}, []string{"role", "state"}),
		CallDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Duration of connected calls",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}),
		RoomsExpired: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_expired_total",
			Help:      "Rooms marked expired for exceeding the staleness threshold",
		}),
		Rearms: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_rearms_total",
			Help:      "Automatic agent re-arms after a session ended",
		}),
		SignalingErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signaling_errors_total",
			Help:      "Failed signaling operations",
		}, []string{"op"}),
		SegmentsSealed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_sealed_total",
			Help:      "Transcription segments sealed",
		}, []string{"direction"}),
		TranscriptionResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcription_results_total",
			Help:      "Transcription requests by outcome",
		}, []string{"direction", "result"}),
		TranscriptionLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcription_latency_seconds",
			Help:      "Round trip of one transcription request",
			Buckets:   prometheus.DefBuckets,
		}),
		RecordingsPersisted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recordings_persisted_total",
			Help:      "Full-session recordings handed to persistence, by outcome",
		}, []string{"result"}),
		RecordingBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recording_bytes",
			Help:      "Size of persisted full-session recordings",
			Buckets:   prometheus.ExponentialBuckets(16*1024, 4, 8),
		}),
		CallReports: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_reports_total",
			Help:      "Call records emitted, by outcome",
		}, []string{"result"}),
		RelayConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_connections",
			Help:      "Open relay websocket connections",
		}),
		RelayFrames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_frames_total",
			Help:      "Frames handled by the relay server",
		}, []string{"type"}),
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Result labels an outcome for the *_total{result} counters.
func Result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
