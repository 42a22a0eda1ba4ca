// Package metrics exposes Prometheus collectors for scheduling, execution,
// billing and audit activity. A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "signupassist"

// Metrics holds the process collectors.
type Metrics struct {
	ticks        prometheus.Counter
	claims       *prometheus.CounterVec
	executions   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	billing      *prometheus.CounterVec
	audit        *prometheus.CounterVec
	queueDepth   prometheus.Gauge
}

// MustNewMetrics registers the collectors with reg (the default registerer
// when nil). Collectors already registered with the same descriptor are
// reused, so tests may build several instances against one registry.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "ticks_total",
			Help: "Scheduler ticks run.",
		}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "claims_total",
			Help: "Plan claims by result (claimed, lost, missed, dispatch_error).",
		}, []string{"result"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "execution", Name: "executions_total",
			Help: "Finished plan executions by outcome and failure reason.",
		}, []string{"outcome", "reason"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "execution", Name: "step_duration_seconds",
			Help:    "Duration of each execution step.",
			Buckets: prometheus.DefBuckets,
		}, []string{"step", "status"}),
		billing: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "billing", Name: "operations_total",
			Help: "Billing gate calls by operation and result.",
		}, []string{"op", "result"}),
		audit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "audit", Name: "entries_total",
			Help: "Audit entries written by decision.",
		}, []string{"decision"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "engine", Name: "queue_depth",
			Help: "Tasks waiting in the execution queue.",
		}),
	}
	m.ticks = register(reg, m.ticks)
	m.claims = register(reg, m.claims)
	m.executions = register(reg, m.executions)
	m.stepDuration = register(reg, m.stepDuration)
	m.billing = register(reg, m.billing)
	m.audit = register(reg, m.audit)
	m.queueDepth = register(reg, m.queueDepth)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) IncTick() {
	if m == nil {
		return
	}
	m.ticks.Inc()
}

func (m *Metrics) IncClaim(result string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(result).Inc()
}

// IncExecution counts a finished execution; reason is empty on success.
func (m *Metrics) IncExecution(outcome, reason string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(outcome, reason).Inc()
}

func (m *Metrics) ObserveStep(step, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step, status).Observe(d.Seconds())
}

func (m *Metrics) IncBilling(op, result string) {
	if m == nil {
		return
	}
	m.billing.WithLabelValues(op, result).Inc()
}

func (m *Metrics) IncAudit(decision string) {
	if m == nil {
		return
	}
	m.audit.WithLabelValues(decision).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
