package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RunsIngested      = prometheus.NewCounter(prometheus.CounterOpts{Name: "telemetry_runs_ingested_total", Help: "Job runs created on first ingestion"})
	RunsDeduped       = prometheus.NewCounter(prometheus.CounterOpts{Name: "telemetry_runs_deduped_total", Help: "Ingestions resolved to an existing run via dedup key"})
	ValidationErrors  = prometheus.NewCounter(prometheus.CounterOpts{Name: "telemetry_validation_errors_total", Help: "Ingestions rejected for malformed payloads"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "telemetry_rate_limit_rejects_total", Help: "Ingestions denied by the rate limiter"})
	KeysBlocked       = prometheus.NewCounter(prometheus.CounterOpts{Name: "telemetry_keys_blocked_total", Help: "API keys suspended by abuse escalation"})
	ComputeSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "telemetry_compute_success_total", Help: "Emissions computations that reached success"})
	ComputeIncomplete = prometheus.NewCounter(prometheus.CounterOpts{Name: "telemetry_compute_incomplete_total", Help: "Emissions computations with insufficient telemetry"})
	ComputeFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "telemetry_compute_failed_total", Help: "Emissions computations that failed unexpectedly"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "telemetry_compute_queue_depth", Help: "Pending compute queue depth"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RunsIngested,
			RunsDeduped,
			ValidationErrors,
			RateLimitRejects,
			KeysBlocked,
			ComputeSuccess,
			ComputeIncomplete,
			ComputeFailed,
			QueueDepthGauge,
		)
	})
	return promhttp.Handler()
}
