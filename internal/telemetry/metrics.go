package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs enqueued by type"}, []string{"type"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "enqueue_rate_limit_rejects_total", Help: "Enqueue requests rejected by rate limiter"})
	TaskSuccess      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_succeeded_total", Help: "Tasks completed successfully by type"}, []string{"type"})
	TaskFailed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_failed_total", Help: "Tasks ended in terminal failure by type"}, []string{"type"})
	TaskRetried      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_retried_total", Help: "Task attempts rescheduled for retry by type"}, []string{"type"})
	TaskDeadLetter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_dead_letter_total", Help: "Tasks pushed to the DLQ after exhausting retries"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "queue_ready_depth", Help: "Ready depth across all task queues"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tasks_inflight", Help: "Tasks currently leased"})
	CacheInvalidates = prometheus.NewCounter(prometheus.CounterOpts{Name: "cache_invalidations_total", Help: "Push-based cache invalidations issued by tasks"})
	LLMLatency       = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "llm_generation_seconds", Help: "Latency of generation calls", Buckets: prometheus.DefBuckets})
	SpotifyFetches   = prometheus.NewCounter(prometheus.CounterOpts{Name: "spotify_fetches_total", Help: "Spotify API fetch operations"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			TaskSuccess,
			TaskFailed,
			TaskRetried,
			TaskDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
			CacheInvalidates,
			LLMLatency,
			SpotifyFetches,
		)
	})
	return promhttp.Handler()
}
