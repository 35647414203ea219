package webhook

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/schaermu/ngxdeployd/internal/deploy"
)

// metrics instruments deployment runs on a private registry so /metrics
// only ever exposes this daemon's series.
type metrics struct {
	registry    *prometheus.Registry
	deploys     *prometheus.CounterVec
	duration    prometheus.Histogram
	lastSuccess prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		deploys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ngxdeployd_deploys_total",
			Help: "Deployment runs by result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ngxdeployd_deploy_duration_seconds",
			Help:    "Wall-clock duration of deployment runs.",
			Buckets: prometheus.DefBuckets,
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ngxdeployd_last_successful_deploy_timestamp_seconds",
			Help: "Unix timestamp of the last successful deployment.",
		}),
	}
	m.registry.MustRegister(m.deploys, m.duration, m.lastSuccess)
	return m
}

// observe records one finished run. record is nil when the run was
// rejected before it started (lock contention).
func (m *metrics) observe(record *deploy.Record, err error) {
	m.deploys.WithLabelValues(resultLabel(record, err)).Inc()
	if record == nil {
		return
	}
	m.duration.Observe(record.Duration().Seconds())
	if record.Status.Success() {
		m.lastSuccess.Set(float64(record.FinishedAt.Unix()))
	}
}

func resultLabel(record *deploy.Record, err error) string {
	switch {
	case record == nil:
		return "rejected"
	case record.Status == deploy.StatusValidationFailed:
		return "validation_failed"
	case err != nil:
		return "aborted"
	default:
		return "success"
	}
}
