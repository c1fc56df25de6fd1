package sweep

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports sweep results to Prometheus. A nil *Metrics records nothing.
type Metrics struct {
	runs        *prometheus.CounterVec
	accounts    *prometheus.CounterVec
	duration    prometheus.Histogram
	lastSuccess prometheus.Gauge
}

// NewMetrics creates the sweep collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenkeeper_sweep_runs_total",
				Help: "Total number of refresh sweeps",
			},
			[]string{"status"},
		),
		accounts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenkeeper_sweep_accounts_total",
				Help: "Accounts handled by refresh sweeps, by platform and outcome",
			},
			[]string{"platform", "outcome"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tokenkeeper_sweep_duration_seconds",
				Help:    "Refresh sweep duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
			},
		),
		lastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tokenkeeper_sweep_last_success_timestamp_seconds",
				Help: "Unix time of the last sweep that could list its candidates",
			},
		),
	}
	reg.MustRegister(m.runs, m.accounts, m.duration, m.lastSuccess)
	return m
}

func (m *Metrics) observe(r Report) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues("ok").Inc()
	for _, res := range r.Results {
		m.accounts.WithLabelValues(res.Platform, string(res.Outcome)).Inc()
	}
	m.duration.Observe(r.FinishedAt.Sub(r.StartedAt).Seconds())
	m.lastSuccess.Set(float64(r.FinishedAt.Unix()))
}

func (m *Metrics) observeFailure() {
	if m == nil {
		return
	}
	m.runs.WithLabelValues("error").Inc()
}
