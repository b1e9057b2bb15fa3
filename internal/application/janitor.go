package application

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jobrunner/chartpacks/internal/ports/output"
)

// HandleJanitor periodically closes archive handles that have been idle
// for longer than the configured timeout.
type HandleJanitor struct {
	reader   output.TileReader
	idle     time.Duration
	interval time.Duration
	metrics  output.MetricsCollector
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHandleJanitor creates a janitor that sweeps every idle/2, at least
// once per second.
func NewHandleJanitor(reader output.TileReader, idle time.Duration, metrics output.MetricsCollector, logger *slog.Logger) *HandleJanitor {
	if metrics == nil {
		metrics = &output.NoOpMetrics{}
	}
	interval := idle / 2
	if interval < time.Second {
		interval = time.Second
	}
	return &HandleJanitor{
		reader:   reader,
		idle:     idle,
		interval: interval,
		metrics:  metrics,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (j *HandleJanitor) Start(ctx context.Context) {
	j.logger.Info("starting handle janitor", "idle_timeout", j.idle, "interval", j.interval)

	j.wg.Add(1)
	go j.run(ctx)
}

func (j *HandleJanitor) run(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-j.stopCh:
			return
		case <-ticker.C:
			j.Sweep()
		}
	}
}

// Sweep closes idle handles once and returns how many were closed.
func (j *HandleJanitor) Sweep() int {
	closed := j.reader.CloseIdle(j.idle)
	if closed > 0 {
		j.logger.Debug("closed idle archive handles", "count", closed)
	}
	j.metrics.SetOpenHandles(j.reader.OpenHandles())
	return closed
}

// Stop stops the sweep loop and waits for it to exit.
func (j *HandleJanitor) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
	j.wg.Wait()
}
