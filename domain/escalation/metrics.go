package escalation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/pyama86/siren/domain/entity"
	"github.com/pyama86/siren/domain/model"
)

// Metrics are safe to use on a nil receiver.
type Metrics struct {
	signals       *prometheus.CounterVec
	events        *prometheus.CounterVec
	sendFailures  *prometheus.CounterVec
	auditFailures prometheus.Counter
	fallbacks     prometheus.Counter
	sendDuration  *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		signals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "siren",
			Name:      "signals_total",
			Help:      "Inbound signals by dedupe outcome.",
		}, []string{"outcome"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "siren",
			Name:      "escalation_events_total",
			Help:      "Escalation events reaching a final status.",
		}, []string{"status"}),
		sendFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "siren",
			Name:      "send_failures_total",
			Help:      "Channel send attempts that failed.",
		}, []string{"channel"}),
		auditFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "siren",
			Name:      "audit_append_failures_total",
			Help:      "Audit entries that could not be appended.",
		}),
		fallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "siren",
			Name:      "fallback_alerts_total",
			Help:      "Incidents announced through the fallback channel.",
		}),
		sendDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "siren",
			Name:      "send_duration_seconds",
			Help:      "Channel send latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
	}
}

func (m *Metrics) signal(o model.Outcome) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(string(o)).Inc()
}

func (m *Metrics) eventFinal(s entity.EventStatus) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(s)).Inc()
}

func (m *Metrics) sendFailed(c entity.Channel) {
	if m == nil {
		return
	}
	m.sendFailures.WithLabelValues(string(c)).Inc()
}

func (m *Metrics) sendObserved(c entity.Channel, d time.Duration) {
	if m == nil {
		return
	}
	m.sendDuration.WithLabelValues(string(c)).Observe(d.Seconds())
}

func (m *Metrics) auditFailed() {
	if m == nil {
		return
	}
	m.auditFailures.Inc()
}

func (m *Metrics) fallback() {
	if m == nil {
		return
	}
	m.fallbacks.Inc()
}
