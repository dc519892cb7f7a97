package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors for one process. All Record* methods are safe
// on a nil receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	ConnectAttempts  *prometheus.CounterVec
	ConnectDuration  prometheus.Histogram
	SessionsActive   prometheus.Gauge
	OutboundMessages *prometheus.CounterVec
	OutboundFailures *prometheus.CounterVec
	InboundEvents    *prometheus.CounterVec
	MalformedFrames  prometheus.Counter
	StaleEvents      *prometheus.CounterVec
	TurnsStarted     prometheus.Counter
	TurnsCancelled   prometheus.Counter
	TurnDuration     prometheus.Histogram
	CaptureFrames    *prometheus.CounterVec
	PlaybackBytes    prometheus.Counter
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "livetranslate"
	}
	registry := prometheus.NewRegistry()
	f := promauto.With(registry)

	return &Metrics{
		registry: registry,
		ConnectAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Connect attempts by result stage (ok or the failing stage)",
		}, []string{"result"}),
		ConnectDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_duration_seconds",
			Help:      "Time from connect start to session.update sent",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16},
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Peer sessions currently connected",
		}),
		OutboundMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Control messages sent on the data channel",
		}, []string{"type"}),
		OutboundFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_failures_total",
			Help:      "Control messages that could not be sent",
		}, []string{"type"}),
		InboundEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Decoded server events by type",
		}, []string{"type"}),
		MalformedFrames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Inbound frames dropped because they could not be decoded",
		}),
		StaleEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_events_total",
			Help:      "Response events dropped because they belong to a superseded turn",
		}, []string{"type"}),
		TurnsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_started_total",
			Help:      "Push-to-talk turns started",
		}),
		TurnsCancelled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_cancelled_total",
			Help:      "Push-to-talk turns cancelled by the user",
		}),
		TurnDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Press to idle duration of completed push-to-talk turns",
			Buckets:   []float64{1, 2, 5, 10, 20, 40, 80},
		}),
		CaptureFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_frames_total",
			Help:      "Capture frames written to the local track",
		}, []string{"muted"}),
		PlaybackBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_bytes_total",
			Help:      "Decoded PCM bytes handed to the audio output",
		}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordConnect(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ConnectAttempts.WithLabelValues(result).Inc()
	if result == "ok" {
		m.ConnectDuration.Observe(elapsed.Seconds())
		m.SessionsActive.Inc()
	}
}

func (m *Metrics) RecordDisconnect() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

func (m *Metrics) RecordOutbound(msgType string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.OutboundFailures.WithLabelValues(msgType).Inc()
		return
	}
	m.OutboundMessages.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordInbound(eventType string) {
	if m == nil {
		return
	}
	m.InboundEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordMalformed() {
	if m == nil {
		return
	}
	m.MalformedFrames.Inc()
}

func (m *Metrics) RecordStale(eventType string) {
	if m == nil {
		return
	}
	m.StaleEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordTurnStarted() {
	if m == nil {
		return
	}
	m.TurnsStarted.Inc()
}

func (m *Metrics) RecordTurnCancelled() {
	if m == nil {
		return
	}
	m.TurnsCancelled.Inc()
}

func (m *Metrics) RecordTurnCompleted(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TurnDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) RecordCaptureFrame(muted bool) {
	if m == nil {
		return
	}
	if muted {
		m.CaptureFrames.WithLabelValues("true").Inc()
		return
	}
	m.CaptureFrames.WithLabelValues("false").Inc()
}

func (m *Metrics) RecordPlayback(n int) {
	if m == nil {
		return
	}
	m.PlaybackBytes.Add(float64(n))
}
