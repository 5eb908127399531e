package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	WSWriteErrors     *prometheus.CounterVec
	OutboundMessages  *prometheus.CounterVec
	ProviderErrors    *prometheus.CounterVec
	FirstAudioLatency prometheus.Histogram
	TurnStageLatency  *prometheus.HistogramVec

	Triggers      *prometheus.CounterVec
	TurnsAppended *prometheus.CounterVec
	FramesCached  prometheus.Counter
	AcquirerState *prometheus.GaugeVec

	stages *turnStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return newMetrics(promauto.With(prometheus.DefaultRegisterer), namespace)
}

// NewMetricsWithRegistry registers the instruments on reg instead of the
// default registry.
func NewMetricsWithRegistry(reg prometheus.Registerer, namespace string) *Metrics {
	return newMetrics(promauto.With(reg), namespace)
}

func newMetrics(f promauto.Factory, namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active multimodal sessions.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WSWriteErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "WebSocket write failures by operation.",
		}, []string{"op"}),
		OutboundMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Outbound session messages by type and delivery result.",
		}, []string{"type", "result"}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		FirstAudioLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from trigger to first assistant audio chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 3500},
		}),
		TurnStageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_stage_latency_ms",
			Help:      "Reply pipeline stage latency in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 750, 1000, 1500, 2500, 5000},
		}, []string{"stage"}),
		Triggers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_total",
			Help:      "Reply triggers by source and whether vision was requested.",
		}, []string{"source", "vision"}),
		TurnsAppended: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_appended_total",
			Help:      "Conversation turns appended by role.",
		}, []string{"role"}),
		FramesCached: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_cached_total",
			Help:      "Video frames written to the latest-frame cache.",
		}),
		AcquirerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "video_acquirers",
			Help:      "Video source acquirers by state.",
		}, []string{"state"}),
		stages: newTurnStageWindow(256),
	}
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
}

// ObserveTurnStage records a stage latency in the histogram and the rolling
// window served by the perf endpoint.
func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d) / float64(time.Millisecond)
	m.TurnStageLatency.WithLabelValues(stage).Observe(ms)
	m.stages.Observe(stage, ms)
	if stage == "trigger_to_first_audio" {
		m.ObserveFirstAudioLatency(d)
	}
}

func (m *Metrics) ObserveTurnIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	if m == nil {
		return TurnStageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []TurnStageStats{}}
	}
	return m.stages.Snapshot()
}

func (m *Metrics) ResetTurnStages() {
	if m == nil {
		return
	}
	m.stages.Reset()
}

func (m *Metrics) ObserveOutboundMessage(msgType, result string) {
	if m == nil {
		return
	}
	m.OutboundMessages.WithLabelValues(msgType, result).Inc()
}

func (m *Metrics) ObserveProviderError(provider, code string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, code).Inc()
}

func (m *Metrics) ObserveTrigger(source string, wantsVision bool) {
	if m == nil {
		return
	}
	vision := "false"
	if wantsVision {
		vision = "true"
	}
	m.Triggers.WithLabelValues(source, vision).Inc()
}

func (m *Metrics) ObserveTurnAppended(role string) {
	if m == nil {
		return
	}
	m.TurnsAppended.WithLabelValues(role).Inc()
}

func (m *Metrics) ObserveFrameCached() {
	if m == nil {
		return
	}
	m.FramesCached.Inc()
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

// ObserveAcquirerTransition moves one acquirer between state gauges.
func (m *Metrics) ObserveAcquirerTransition(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.AcquirerState.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.AcquirerState.WithLabelValues(to).Inc()
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
