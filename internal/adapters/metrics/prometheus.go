// Package metrics provides Prometheus metrics collection.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jobrunner/chartpacks/internal/ports/output"
)

// Collector implements the MetricsCollector port using Prometheus.
type Collector struct {
	tileRequests        *prometheus.CounterVec
	tileDuration        prometheus.Histogram
	openHandles         prometheus.Gauge
	installedArchives   prometheus.Gauge
	downloads           *prometheus.CounterVec
	downloadedBytes     prometheus.Counter
	installs            *prometheus.CounterVec
	storageOperations   *prometheus.CounterVec
	storageDuration     *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

var _ output.MetricsCollector = (*Collector)(nil)

// NewCollector creates a new Prometheus metrics collector registered with
// reg, or with the default registry if reg is nil.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if namespace == "" {
		namespace = "chartpacks"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		tileRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tile_requests_total",
				Help:      "Total number of tile requests",
			},
			[]string{"status"},
		),

		tileDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tile_duration_seconds",
				Help:      "Tile request duration in seconds",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),

		openHandles: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "archive_handles_open",
				Help:      "Number of cached archive handles",
			},
		),

		installedArchives: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "archives_installed",
				Help:      "Number of installed chart archives",
			},
		),

		downloads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "downloads_total",
				Help:      "Total number of download sessions by outcome",
			},
			[]string{"state"},
		),

		downloadedBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "downloaded_bytes_total",
				Help:      "Total number of bytes downloaded",
			},
		),

		installs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "installs_total",
				Help:      "Total number of pack installs",
			},
			[]string{"category", "status"},
		),

		storageOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_operations_total",
				Help:      "Total number of storage operations",
			},
			[]string{"operation", "status"},
		),

		storageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "storage_duration_seconds",
				Help:      "Storage operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// IncTileRequests increments the tile request counter.
func (c *Collector) IncTileRequests(status int) {
	c.tileRequests.WithLabelValues(statusToString(status)).Inc()
}

// ObserveTileDuration records tile request duration.
func (c *Collector) ObserveTileDuration(duration time.Duration) {
	c.tileDuration.Observe(duration.Seconds())
}

// SetOpenHandles sets the number of open archive handles.
func (c *Collector) SetOpenHandles(count int) {
	c.openHandles.Set(float64(count))
}

// SetInstalledArchives sets the number of installed chart archives.
func (c *Collector) SetInstalledArchives(count int) {
	c.installedArchives.Set(float64(count))
}

// IncDownloads increments the download counter.
func (c *Collector) IncDownloads(state string) {
	c.downloads.WithLabelValues(state).Inc()
}

// AddDownloadedBytes adds to the downloaded bytes counter.
func (c *Collector) AddDownloadedBytes(n int64) {
	c.downloadedBytes.Add(float64(n))
}

// IncInstalls increments the install counter.
func (c *Collector) IncInstalls(category string, success bool) {
	c.installs.WithLabelValues(category, successToString(success)).Inc()
}

// IncStorageOperations increments storage operation counter.
func (c *Collector) IncStorageOperations(operation string, success bool) {
	c.storageOperations.WithLabelValues(operation, successToString(success)).Inc()
}

// ObserveStorageDuration records storage operation duration.
func (c *Collector) ObserveStorageDuration(operation string, duration time.Duration) {
	c.storageDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// IncHTTPRequests increments the HTTP request counter.
func (c *Collector) IncHTTPRequests(method, path, status string) {
	c.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// ObserveHTTPDuration records HTTP request duration.
func (c *Collector) ObserveHTTPDuration(method, path string, duration time.Duration) {
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Handler returns the Prometheus HTTP handler for gatherer, or for the
// default registry if gatherer is nil.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Middleware returns HTTP middleware for metrics collection.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		path := normalizePath(r.URL.Path)
		status := statusToString(wrapped.statusCode)

		c.IncHTTPRequests(r.Method, path, status)
		c.ObserveHTTPDuration(r.Method, path, duration)
	})
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// normalizePath collapses tile paths to their route so that every
// coordinate does not become its own label value.
func normalizePath(path string) string {
	const tiles = "/tiles/"
	if len(path) > len(tiles) && path[:len(tiles)] == tiles {
		return "/tiles/{archiveId}/{z}/{x}/{y}"
	}
	return path
}

// statusToString converts HTTP status code to string category.
func statusToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

func successToString(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
