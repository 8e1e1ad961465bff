// Package metrics exposes Prometheus metrics for the webhook pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors on a private registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	WebhookEvents *prometheus.CounterVec

	ToolExecutions *prometheus.CounterVec
	ToolDuration   *prometheus.HistogramVec

	EventFlushes    *prometheus.CounterVec
	EventsBuffered  prometheus.Gauge
	EventsPersisted prometheus.Counter

	Analyses        *prometheus.CounterVec
	AnalysisLatency prometheus.Histogram
	ActionsExecuted *prometheus.CounterVec
	SessionsActive  prometheus.Gauge

	PublishTotal *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voice_copilot"
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Inbound webhook events by message type and outcome",
		}, []string{"type", "outcome"}),
		ToolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_executions_total",
			Help:      "Tool invocations by canonical tool and outcome",
		}, []string{"tool", "outcome"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Tool handler duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"tool"}),
		EventFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_flushes_total",
			Help:      "Call event buffer flushes by outcome",
		}, []string{"outcome"}),
		EventsBuffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "events_buffered",
			Help:      "Call events waiting in the buffer",
		}),
		EventsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_persisted_total",
			Help:      "Call events written to the store",
		}),
		Analyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "copilot_analyses_total",
			Help:      "Copilot analysis cycles by outcome",
		}, []string{"outcome"}),
		AnalysisLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "copilot_analysis_seconds",
			Help:      "Copilot analysis cycle duration in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		ActionsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "copilot_actions_executed_total",
			Help:      "Compensating actions executed by type",
		}, []string{"type"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "copilot_sessions_active",
			Help:      "Calls currently tracked by the copilot",
		}),
		PublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_publish_total",
			Help:      "Copilot reports published by kind and status",
		}, []string{"kind", "status"}),
	}

	registry.MustRegister(
		m.WebhookEvents,
		m.ToolExecutions,
		m.ToolDuration,
		m.EventFlushes,
		m.EventsBuffered,
		m.EventsPersisted,
		m.Analyses,
		m.AnalysisLatency,
		m.ActionsExecuted,
		m.SessionsActive,
		m.PublishTotal,
	)
	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordWebhook(msgType, outcome string) {
	if m == nil {
		return
	}
	if msgType == "" {
		msgType = "unknown"
	}
	m.WebhookEvents.WithLabelValues(msgType, outcome).Inc()
}

func (m *Metrics) RecordTool(tool string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(tool, outcome(success)).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// RecordFlush records one flush attempt of n events.
func (m *Metrics) RecordFlush(n int, err error) {
	if m == nil {
		return
	}
	m.EventFlushes.WithLabelValues(outcome(err == nil)).Inc()
	if err == nil {
		m.EventsPersisted.Add(float64(n))
	}
}

func (m *Metrics) SetBuffered(n int) {
	if m == nil {
		return
	}
	m.EventsBuffered.Set(float64(n))
}

// RecordAnalysis outcome is one of ok, invalid, error.
func (m *Metrics) RecordAnalysis(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Analyses.WithLabelValues(result).Inc()
	m.AnalysisLatency.Observe(d.Seconds())
}

func (m *Metrics) RecordAction(actionType string) {
	if m == nil {
		return
	}
	m.ActionsExecuted.WithLabelValues(actionType).Inc()
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(n))
}

func (m *Metrics) RecordPublish(kind string, err error) {
	if m == nil {
		return
	}
	m.PublishTotal.WithLabelValues(kind, outcome(err == nil)).Inc()
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
