// Package metrics provides Prometheus metrics for the cohort engine services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	RunsStarted       prometheus.Counter
	RunsCompleted     prometheus.Counter
	RunsFailed        prometheus.Counter
	RunDuration       prometheus.Histogram
	UsersClassified   prometheus.Counter
	UsersRetained     prometheus.Counter
	ClaimsConsumed    prometheus.Counter
	ClaimsDuplicate   prometheus.Counter
	ClaimsRejected    prometheus.Counter
	SnapshotRows      *prometheus.GaugeVec
	WarehouseFailures prometheus.Counter
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qbr_runs_started_total",
			Help: "Total report runs started",
		}),
		RunsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qbr_runs_completed_total",
			Help: "Total report runs completed",
		}),
		RunsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qbr_runs_failed_total",
			Help: "Total report runs that failed",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "qbr_run_duration_seconds",
			Help:    "End-to-end report run duration",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		UsersClassified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qbr_users_classified_total",
			Help: "Users put through retention classification",
		}),
		UsersRetained: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qbr_users_retained_total",
			Help: "Users classified as retained",
		}),
		ClaimsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qbr_claims_consumed_total",
			Help: "Pharmacy claim events consumed from the stream",
		}),
		ClaimsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qbr_claims_duplicate_total",
			Help: "Claim events skipped as already processed",
		}),
		ClaimsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qbr_claims_rejected_total",
			Help: "Claim events rejected as malformed",
		}),
		SnapshotRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "qbr_snapshot_rows",
			Help: "Rows fetched in the latest warehouse snapshot",
		}, []string{"collection"}),
		WarehouseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qbr_warehouse_failures_total",
			Help: "Failed warehouse queries",
		}),
	}

	prometheus.MustRegister(
		m.RunsStarted,
		m.RunsCompleted,
		m.RunsFailed,
		m.RunDuration,
		m.UsersClassified,
		m.UsersRetained,
		m.ClaimsConsumed,
		m.ClaimsDuplicate,
		m.ClaimsRejected,
		m.SnapshotRows,
		m.WarehouseFailures,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
