// Package metrics defines the Prometheus collectors exported by the runner
// and the HTTP handler that serves them.
package metrics

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

var (
	// JobsProcessed counts recorded outcomes by queue and outcome.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobrunner_jobs_processed_total",
		Help: "Jobs whose outcome was recorded, by queue and outcome.",
	}, []string{"queue", "outcome"})

	// JobDuration observes execution time of recorded jobs.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobrunner_job_duration_seconds",
		Help:    "Wall-clock time spent resolving, invoking and awaiting a job.",
		Buckets: prometheus.ExponentialBuckets(0.005, 4, 10),
	}, []string{"queue", "outcome"})

	// StoreErrors counts runs aborted by a store failure.
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobrunner_store_errors_total",
		Help: "Runner iterations aborted by a database error.",
	}, []string{"queue"})

	// Conflicts counts iterations rolled back by a serialization conflict.
	Conflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobrunner_tx_conflicts_total",
		Help: "Runner iterations rolled back by a serialization failure or deadlock.",
	}, []string{"queue"})
)

// NewRouter returns a router exposing /metrics and /healthz.
func NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}
