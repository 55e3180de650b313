package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "remindsync"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	syncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Record sync attempts by resulting status.",
		},
		[]string{"status"},
	)

	syncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Wall time of a single record sync.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	calendarOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calendar_ops_total",
			Help:      "External calendar operations by kind and outcome.",
		},
		[]string{"op", "outcome"},
	)

	calendarRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calendar_retries_total",
			Help:      "Rate-limited calendar calls that were retried.",
		},
	)

	bulkItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bulk_items_total",
			Help:      "Bulk job items by result.",
		},
		[]string{"result"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending_tasks",
			Help:      "Tasks waiting in the sync queue.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, syncRuns, syncDuration, calendarOps, calendarRetries, bulkItems, queueDepth)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// ObserveSync records one finished sync; status is SYNCED, PARTIAL_SYNC, ERROR or skipped.
func ObserveSync(status string, took time.Duration) {
	syncRuns.WithLabelValues(status).Inc()
	syncDuration.Observe(took.Seconds())
}

func ObserveCalendarOp(op, outcome string) {
	calendarOps.WithLabelValues(op, outcome).Inc()
}

func IncCalendarRetry() {
	calendarRetries.Inc()
}

func ObserveBulkItem(result string) {
	bulkItems.WithLabelValues(result).Inc()
}

func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}
