package metricsx

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	diagnosesSynced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "copiloto_diagnoses_synced_total",
			Help: "Diagnosis events accepted through sync.",
		},
	)
	syncBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copiloto_sync_batches_total",
			Help: "Sync batches by outcome.",
		},
		[]string{"outcome"},
	)
	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copiloto_cache_lookups_total",
			Help: "Dashboard cache lookups by result.",
		},
		[]string{"result"},
	)
	snapshotDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "copiloto_snapshot_duration_seconds",
			Help:    "Metrics snapshot computation latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	outboxPublishFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_publish_failures_total",
			Help: "Outbox publish failures by topic.",
		},
		[]string{"topic"},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests, httpLatency,
		diagnosesSynced, syncBatches, cacheLookups, snapshotDuration,
		outboxPublishFailures, influxWriteFailures, asynqQueueDepth,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		path := RoutePath(r.URL.Path)
		httpRequests.WithLabelValues(r.Method, path, status).Inc()
		httpLatency.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
	})
}

// RoutePath collapses id segments so per-resource URLs share one series.
func RoutePath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if _, err := uuid.Parse(part); err == nil {
			parts[i] = ":id"
			continue
		}
		if _, err := strconv.ParseInt(part, 10, 64); err == nil {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

func AddDiagnosesSynced(n int) {
	if n > 0 {
		diagnosesSynced.Add(float64(n))
	}
}

func IncSyncBatch(outcome string) {
	syncBatches.WithLabelValues(outcome).Inc()
}

func IncCacheHit() {
	cacheLookups.WithLabelValues("hit").Inc()
}

func IncCacheMiss() {
	cacheLookups.WithLabelValues("miss").Inc()
}

func ObserveSnapshotDuration(d time.Duration) {
	snapshotDuration.Observe(d.Seconds())
}

func IncOutboxPublishFailure(topic string) {
	outboxPublishFailures.WithLabelValues(topic).Inc()
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
