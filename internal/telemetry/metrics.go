package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RunsStarted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "publisher_runs_total", Help: "Orchestrator runs started"})
	RunsSkipped      = prometheus.NewCounter(prometheus.CounterOpts{Name: "publisher_runs_skipped_total", Help: "Runs skipped because the lease was held"})
	TargetsPublished = prometheus.NewCounter(prometheus.CounterOpts{Name: "publisher_targets_published_total", Help: "Post targets published successfully"})
	TargetsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "publisher_targets_failed_total", Help: "Post targets that failed to publish"})
	TargetsSkipped   = prometheus.NewCounter(prometheus.CounterOpts{Name: "publisher_targets_skipped_total", Help: "Due targets skipped by the optimistic claim"})
	SweptTargets     = prometheus.NewCounter(prometheus.CounterOpts{Name: "publisher_targets_swept_total", Help: "Stuck publishing targets reset to pending"})
	DueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "publisher_due_depth", Help: "Due targets selected in the last run"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "publisher_rate_limit_rejects_total", Help: "API requests rejected by rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RunsStarted,
			RunsSkipped,
			TargetsPublished,
			TargetsFailed,
			TargetsSkipped,
			SweptTargets,
			DueDepthGauge,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
