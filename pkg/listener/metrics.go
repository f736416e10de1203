package listener

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the per-service Prometheus instruments the Listener
// Service Framework updates, grounded in jordigilh-kubernaut's
// CounterVec/GaugeVec + Registry.MustRegister pattern.
type Metrics struct {
	JobsActive         prometheus.Gauge
	JobsForwardedTotal prometheus.Counter
	JobsFailedTotal    prometheus.Counter
	JobsRequeuedTotal  prometheus.Counter
	JobsDroppedTotal   prometheus.Counter
}

// NewMetrics builds and registers Metrics for stage against reg. Pass
// a dedicated *prometheus.Registry per service (internal/observability
// constructs one) so metrics from different stage services sharing a
// process in tests never collide.
func NewMetrics(reg *prometheus.Registry, stage string) *Metrics {
	m := &Metrics{
		JobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "mash_jobs_active",
			Help:        "Number of jobs currently registered in this service's in-memory map.",
			ConstLabels: prometheus.Labels{"stage": stage},
		}),
		JobsForwardedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "mash_jobs_forwarded_total",
			Help:        "Total listener messages forwarded to the next stage.",
			ConstLabels: prometheus.Labels{"stage": stage},
		}),
		JobsFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "mash_jobs_failed_total",
			Help:        "Total jobs that completed (or arrived) with a failed status.",
			ConstLabels: prometheus.Labels{"stage": stage},
		}),
		JobsRequeuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "mash_jobs_requeued_total",
			Help:        "Total listener messages requeued once because their job had not yet registered.",
			ConstLabels: prometheus.Labels{"stage": stage},
		}),
		JobsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "mash_jobs_dropped_total",
			Help:        "Total listener messages dropped after exhausting the requeue-once policy.",
			ConstLabels: prometheus.Labels{"stage": stage},
		}),
	}

	if reg != nil {
		reg.MustRegister(m.JobsActive, m.JobsForwardedTotal, m.JobsFailedTotal, m.JobsRequeuedTotal, m.JobsDroppedTotal)
	}
	return m
}
