package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the Prometheus instruments used by the voice engine.
type Metrics struct {
	SessionsStarted  *prometheus.CounterVec
	SessionEvents    *prometheus.CounterVec
	ToolCalls        *prometheus.CounterVec
	Reconnects       prometheus.Counter
	WatchdogExpiries prometheus.Counter
	AudioFramesSent  prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		SessionsStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Sessions started by transport kind.",
		}, []string{"transport"}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		ToolCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Dispatched tool calls by outcome.",
		}, []string{"outcome"}),
		Reconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Automatic transport restarts.",
		}),
		WatchdogExpiries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_watchdog_expiries_total",
			Help:      "In-flight response flags force-cleared by the watchdog.",
		}),
		AudioFramesSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_sent_total",
			Help:      "Microphone frames streamed upstream.",
		}),
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
