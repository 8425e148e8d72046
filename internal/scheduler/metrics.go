package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "db_scheduler"

// Result labels of db_scheduler_executions_total.
const (
	resultSucceeded  = "succeeded"
	resultFailed     = "failed"
	resultUnresolved = "unresolved"
	resultLost       = "lost"
	resultAbandoned  = "abandoned"
)

// Activity labels of db_scheduler_store_errors_total.
const (
	activityPoll      = "poll"
	activityClaim     = "claim"
	activityHeartbeat = "heartbeat"
	activityComplete  = "complete"
	activityDetect    = "detect"
	activityStartup   = "startup"
)

type metrics struct {
	executions  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	claims      *prometheus.CounterVec
	dead        *prometheus.CounterVec
	storeErrors *prometheus.CounterVec
	executing   prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer, freeSlots func() float64) *metrics {
	factory := promauto.With(reg)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "free_slots",
		Help:      "Worker slots available for new executions.",
	}, freeSlots)

	return &metrics{
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "executions_total",
			Help:      "Finished executions by task and result.",
		}, []string{"task", "result"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "execution_duration_seconds",
			Help:      "Handler run time.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"task"}),
		claims: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "claims_total",
			Help:      "Claim attempts by result.",
		}, []string{"result"}),
		dead: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dead_executions_total",
			Help:      "Dead executions handled by the detector.",
		}, []string{"task"}),
		storeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "store_errors_total",
			Help:      "Store errors by scheduler activity.",
		}, []string{"activity"}),
		executing: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "executing",
			Help:      "Executions currently running on this instance.",
		}),
	}
}

func (m *metrics) storeError(activity string) {
	m.storeErrors.WithLabelValues(activity).Inc()
}
