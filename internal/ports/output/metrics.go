package output

import "time"

// MetricsCollector defines the secondary port for metrics collection.
type MetricsCollector interface {
	// IncTileRequests increments the tile request counter by status code.
	IncTileRequests(status int)

	// ObserveTileDuration records tile request duration.
	ObserveTileDuration(duration time.Duration)

	// SetOpenHandles sets the number of open archive handles.
	SetOpenHandles(count int)

	// SetInstalledArchives sets the number of installed chart archives.
	SetInstalledArchives(count int)

	// IncDownloads increments the download counter by terminal state.
	IncDownloads(state string)

	// AddDownloadedBytes adds to the downloaded bytes counter.
	AddDownloadedBytes(n int64)

	// IncInstalls increments the install counter.
	IncInstalls(category string, success bool)

	// IncStorageOperations increments storage operation counter.
	IncStorageOperations(operation string, success bool)

	// ObserveStorageDuration records storage operation duration.
	ObserveStorageDuration(operation string, duration time.Duration)
}

// NoOpMetrics is a no-op implementation of MetricsCollector.
type NoOpMetrics struct{}

// IncTileRequests implements MetricsCollector.
func (n *NoOpMetrics) IncTileRequests(_ int) {}

// ObserveTileDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveTileDuration(_ time.Duration) {}

// SetOpenHandles implements MetricsCollector.
func (n *NoOpMetrics) SetOpenHandles(_ int) {}

// SetInstalledArchives implements MetricsCollector.
func (n *NoOpMetrics) SetInstalledArchives(_ int) {}

// IncDownloads implements MetricsCollector.
func (n *NoOpMetrics) IncDownloads(_ string) {}

// AddDownloadedBytes implements MetricsCollector.
func (n *NoOpMetrics) AddDownloadedBytes(_ int64) {}

// IncInstalls implements MetricsCollector.
func (n *NoOpMetrics) IncInstalls(_ string, _ bool) {}

// IncStorageOperations implements MetricsCollector.
func (n *NoOpMetrics) IncStorageOperations(_ string, _ bool) {}

// ObserveStorageDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveStorageDuration(_ string, _ time.Duration) {}
