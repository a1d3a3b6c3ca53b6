// Package metrics exposes Prometheus metrics for the call-home service.
// All methods are safe to call on a nil *Metrics.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"callhome/internal/models"
)

const namespace = "callhome"

// Metrics holds the collectors of one registry.
type Metrics struct {
	registry *prometheus.Registry

	accepted          *prometheus.CounterVec
	rejected          *prometheus.CounterVec
	active            *prometheus.GaugeVec
	pending           prometheus.Gauge
	superseded        prometheus.Counter
	negotiations      *prometheus.CounterVec
	statusTransitions *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		accepted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Inbound call-home connections accepted by the listener.",
		}, []string{"transport"}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Inbound call-home connections closed without a session.",
		}, []string{"transport", "reason"}),
		active: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Call-home connections currently being served.",
		}, []string{"transport"}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_sessions",
			Help:      "Client sessions awaiting an inbound connection.",
		}),
		superseded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_sessions_superseded_total",
			Help:      "Pending sessions replaced by a newer request for the same id.",
		}),
		negotiations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiations_total",
			Help:      "Session negotiations by transport and result.",
		}, []string{"transport", "result"}),
		statusTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_status_transitions_total",
			Help:      "Applied device status changes by target status.",
		}, []string{"status"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ConnectionAccepted(transport string) {
	if m == nil {
		return
	}
	m.accepted.WithLabelValues(transport).Inc()
	m.active.WithLabelValues(transport).Inc()
}

func (m *Metrics) ConnectionClosed(transport string) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(transport).Dec()
}

func (m *Metrics) ConnectionRejected(transport, reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(transport, reason).Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) PendingSuperseded() {
	if m == nil {
		return
	}
	m.superseded.Inc()
}

func (m *Metrics) Negotiation(transport string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.negotiations.WithLabelValues(transport, result).Inc()
}

// Publish counts an applied status change. It implements status.Sink.
func (m *Metrics) Publish(_ context.Context, c models.StatusChange) error {
	if m == nil {
		return nil
	}
	m.statusTransitions.WithLabelValues(string(c.To)).Inc()
	return nil
}
