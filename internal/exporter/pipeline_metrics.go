package exporter

import (
	"time"

	"github.com/cam3ron2/github-leaderboard/internal/leaderboard"
	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics records leaderboard run activity. It implements leaderboard.RunObserver.
type PipelineMetrics struct {
	runs             *prometheus.CounterVec
	repositories     *prometheus.CounterVec
	runDuration      prometheus.Histogram
	lastRunTimestamp prometheus.Gauge
	limiterDelays    prometheus.Counter
	limiterWait      prometheus.Counter
	limiterAcquired  prometheus.Counter
}

// NewPipelineMetrics creates unregistered pipeline metrics.
func NewPipelineMetrics() *PipelineMetrics {
	return &PipelineMetrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "github_leaderboard_runs_total",
			Help: "Leaderboard runs by result.",
		}, []string{"result"}),
		repositories: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "github_leaderboard_repositories_total",
			Help: "Per-repository outcomes across leaderboard runs.",
		}, []string{"result"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "github_leaderboard_run_duration_seconds",
			Help:    "Wall time of completed leaderboard runs.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		}),
		lastRunTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "github_leaderboard_last_run_completed_timestamp_seconds",
			Help: "Completion time of the last successful run on this replica.",
		}),
		limiterDelays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "github_leaderboard_rate_limiter_delays_total",
			Help: "Requests that had to wait for a rate limit permit.",
		}),
		limiterWait: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "github_leaderboard_rate_limiter_wait_seconds_total",
			Help: "Time spent waiting for rate limit permits.",
		}),
		limiterAcquired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "github_leaderboard_rate_limiter_permits_total",
			Help: "Rate limit permits handed out.",
		}),
	}
}

// Collectors returns every collector for registration.
func (m *PipelineMetrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.runs,
		m.repositories,
		m.runDuration,
		m.lastRunTimestamp,
		m.limiterDelays,
		m.limiterWait,
		m.limiterAcquired,
	}
}

// ObserveRepository counts one repository outcome.
func (m *PipelineMetrics) ObserveRepository(kind string) {
	m.repositories.WithLabelValues(kind).Inc()
}

// ObserveRun records a completed run.
func (m *PipelineMetrics) ObserveRun(report leaderboard.Report, duration time.Duration) {
	m.runs.WithLabelValues("completed").Inc()
	m.runDuration.Observe(duration.Seconds())
	m.lastRunTimestamp.Set(float64(report.CompletedAt.UnixNano()) / float64(time.Second))
}

// ObserveRunFailure records a run that was aborted or whose result could not be stored.
func (m *PipelineMetrics) ObserveRunFailure() {
	m.runs.WithLabelValues("failed").Inc()
}

// ObserveLimiterDelay records a wait for a rate limit permit.
func (m *PipelineMetrics) ObserveLimiterDelay(wait time.Duration) {
	m.limiterDelays.Inc()
	m.limiterWait.Add(wait.Seconds())
}

// ObserveLimiterAcquire records one granted permit.
func (m *PipelineMetrics) ObserveLimiterAcquire(time.Time) {
	m.limiterAcquired.Inc()
}
