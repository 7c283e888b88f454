// Package metrics exposes prometheus counters for the admission core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	jobsAdmitted *prometheus.CounterVec
	quotaDenied  *prometheus.CounterVec
	settlements  *prometheus.CounterVec
	forceFailed  prometheus.Counter
	failOpen     prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unmark_jobs_admitted_total",
			Help: "Jobs accepted past quota and credit checks.",
		}, []string{"plan"}),
		quotaDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unmark_quota_denied_total",
			Help: "Admissions denied by a plan limit.",
		}, []string{"reason"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unmark_settlements_total",
			Help: "Reservation settlements by outcome.",
		}, []string{"outcome"}),
		forceFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "unmark_jobs_force_failed_total",
			Help: "Jobs force-failed by retry exhaustion or the staleness sweep.",
		}),
		failOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "unmark_quota_fail_open_total",
			Help: "Quota checks allowed because every usage source was down.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.jobsAdmitted, m.quotaDenied, m.settlements, m.forceFailed, m.failOpen)
	}
	return m
}

func (m *Metrics) IncAdmitted(planTier string) {
	if m == nil {
		return
	}
	m.jobsAdmitted.WithLabelValues(planTier).Inc()
}

func (m *Metrics) IncQuotaDenied(reason string) {
	if m == nil {
		return
	}
	m.quotaDenied.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncSettlement(outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncForceFailed() {
	if m == nil {
		return
	}
	m.forceFailed.Inc()
}

func (m *Metrics) IncFailOpen() {
	if m == nil {
		return
	}
	m.failOpen.Inc()
}
