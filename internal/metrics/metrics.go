// Package metrics provides Prometheus metrics for the mirror engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Remote store metrics
	remoteOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivemirror_remote_operations_total",
			Help: "Total remote store operations",
		},
		[]string{"backend", "operation", "status"},
	)

	remoteOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drivemirror_remote_operation_duration_seconds",
			Help:    "Remote store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	// Content transfer metrics
	contentBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drivemirror_content_bytes_downloaded_total",
			Help: "Total bytes downloaded from the remote store",
		},
	)

	contentBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drivemirror_content_bytes_uploaded_total",
			Help: "Total bytes uploaded to the remote store",
		},
	)

	// Tree metrics
	treeSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "drivemirror_tree_entries",
			Help: "Number of entries in the flat tree model",
		},
	)

	treeBuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drivemirror_tree_build_duration_seconds",
			Help:    "Time to build the tree from the remote store",
			Buckets: prometheus.DefBuckets,
		},
	)

	refreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drivemirror_refresh_duration_seconds",
			Help:    "Time to refresh one subtree",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// Mutation metrics
	mutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivemirror_mutations_total",
			Help: "Mutations by operation and result",
		},
		[]string{"operation", "result"},
	)

	busyRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drivemirror_busy_rejections_total",
			Help: "Operations rejected because the entry was busy",
		},
	)

	// Cache metrics
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivemirror_cache_lookups_total",
			Help: "Content cache lookups by result",
		},
		[]string{"result"},
	)

	cacheEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drivemirror_cache_evictions_total",
			Help: "Content cache entries evicted to stay within budget",
		},
	)

	cacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "drivemirror_cache_bytes",
			Help: "Bytes held by the content cache",
		},
	)

	// Event metrics
	eventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivemirror_events_published_total",
			Help: "Tree change events published",
		},
		[]string{"type"},
	)

	eventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drivemirror_events_dropped_total",
			Help: "Tree change events dropped for slow subscribers",
		},
	)

	eventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "drivemirror_event_subscribers",
			Help: "Number of active event subscribers",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRemoteOperation records a remote store call.
func RecordRemoteOperation(backend, operation string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	remoteOperationsTotal.WithLabelValues(backend, operation, status).Inc()
	remoteOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// RecordContentDownload records bytes fetched from the remote store.
func RecordContentDownload(bytes int64) {
	contentBytesDownloaded.Add(float64(bytes))
}

// RecordContentUpload records bytes sent to the remote store.
func RecordContentUpload(bytes int64) {
	contentBytesUploaded.Add(float64(bytes))
}

// SetTreeSize sets the current entry count.
func SetTreeSize(size int) {
	treeSize.Set(float64(size))
}

// RecordTreeBuild records a full tree build.
func RecordTreeBuild(duration time.Duration) {
	treeBuildDuration.Observe(duration.Seconds())
}

// RecordRefresh records a subtree refresh.
func RecordRefresh(mode string, duration time.Duration) {
	refreshDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordMutation records the outcome of a mutation.
// result is one of success, rolled_back, rejected.
func RecordMutation(operation, result string) {
	mutationsTotal.WithLabelValues(operation, result).Inc()
}

// RecordBusyRejection records an operation rejected with ErrBusy.
func RecordBusyRejection() {
	busyRejectionsTotal.Inc()
}

// RecordCacheLookup records a content cache hit or miss.
func RecordCacheLookup(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordCacheEviction records evicted cache entries.
func RecordCacheEviction(count int) {
	cacheEvictionsTotal.Add(float64(count))
}

// SetCacheBytes sets the current cache size.
func SetCacheBytes(size int64) {
	cacheBytes.Set(float64(size))
}

// RecordEventPublished records a published tree event.
func RecordEventPublished(eventType string) {
	eventsPublishedTotal.WithLabelValues(eventType).Inc()
}

// RecordEventDropped records an event a subscriber had no room for.
func RecordEventDropped() {
	eventsDroppedTotal.Inc()
}

// SetEventSubscribers sets the number of event subscribers.
func SetEventSubscribers(count int) {
	eventSubscribers.Set(float64(count))
}
