// Package app provides application initialization and wiring.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jobrunner/chartpacks/internal/adapters/catalog"
	httpAdapter "github.com/jobrunner/chartpacks/internal/adapters/http"
	"github.com/jobrunner/chartpacks/internal/adapters/mbtiles"
	"github.com/jobrunner/chartpacks/internal/adapters/metrics"
	"github.com/jobrunner/chartpacks/internal/adapters/storage"
	"github.com/jobrunner/chartpacks/internal/adapters/watcher"
	"github.com/jobrunner/chartpacks/internal/application"
	"github.com/jobrunner/chartpacks/internal/config"
	"github.com/jobrunner/chartpacks/internal/domain"
	"github.com/jobrunner/chartpacks/internal/ports/output"
)

// App holds all application components.
type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Storage       output.ObjectStorage
	Catalog       *catalog.StorageCatalog
	Reader        *mbtiles.Reader
	Downloader    *application.Downloader
	Manager       *application.Manager
	Manifests     *application.ManifestCache
	TileService   *application.TileService
	HealthService *application.HealthService
	Janitor       *application.HandleJanitor
	HTTPServer    *httpAdapter.Server
	Watcher       *watcher.Watcher
	Metrics       *metrics.Collector
	MetricsServer *metrics.Server
}

// New creates and initializes a new application. Nothing listens until Start.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	dir, err := filepath.Abs(cfg.Archives.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolving archive directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}

	// Initialize metrics
	var metricsCollector output.MetricsCollector = &output.NoOpMetrics{}
	if cfg.Metrics.Enabled {
		app.Metrics = metrics.NewCollector("chartpacks", prometheus.DefaultRegisterer)
		app.MetricsServer = metrics.NewServer(
			cfg.Metrics.Port,
			cfg.Metrics.Path,
			prometheus.DefaultGatherer,
			logger,
		)
		metricsCollector = app.Metrics
	}

	// Initialize storage adapter
	store, err := initStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	app.Storage = store

	app.Catalog = catalog.NewStorageCatalog(store, cfg.Catalog.Key, metricsCollector, logger)
	app.Reader = mbtiles.NewReader(dir, metricsCollector, logger)

	app.Downloader = application.NewDownloader(store, application.DownloaderConfig{
		BandwidthLimit:   cfg.Download.BandwidthLimit,
		ProgressInterval: cfg.Download.ProgressInterval,
	}, metricsCollector, logger)

	app.Manager = application.NewManager(
		application.ManagerConfig{
			ArchiveDir:         dir,
			MaxParallelRegions: cfg.Download.MaxParallelRegions,
		},
		app.Catalog,
		app.Downloader,
		app.Reader,
		metricsCollector,
		logger,
	)

	// Handles are invalidated before the manifest cache drops its copy.
	app.Manifests = application.NewManifestCache(app.Manager.ManifestPath())
	app.Manager.AddListener(app.Reader)
	app.Manager.AddListener(app.Manifests)

	app.TileService = application.NewTileService(app.Reader, app.Manifests, logger)
	app.HealthService = application.NewHealthService(dir, app.Manifests, app.Reader)

	if cfg.Archives.HandleIdleTimeout > 0 {
		app.Janitor = application.NewHandleJanitor(app.Reader, cfg.Archives.HandleIdleTimeout, metricsCollector, logger)
	}

	// Initialize tile server
	app.HTTPServer = httpAdapter.NewServer(
		cfg.Server,
		app.TileService,
		app.HealthService,
		metricsCollector,
		logger,
	)
	if app.Metrics != nil {
		app.HTTPServer.Use(app.Metrics.Middleware)
	}

	// Initialize watcher for archives changed outside the manager
	if cfg.Archives.Watch {
		w, err := watcher.New(
			watcher.Config{
				Dir:      dir,
				Debounce: cfg.Archives.WatchDebounce,
			},
			app.handleArchiveEvents,
			logger,
		)
		if err != nil {
			logger.Warn("failed to initialize archive watcher", "error", err)
		} else {
			app.Watcher = w
		}
	}

	return app, nil
}

// Start prepares the archive directory and starts the tile server and the
// background services. It returns the tile server's base URL.
func (a *App) Start(ctx context.Context) (string, error) {
	if _, err := a.Manager.Acquire(ctx); err != nil {
		return "", fmt.Errorf("claiming archive directory: %w", err)
	}

	// Pick up archives copied in while the service was down
	if _, err := a.Manager.RegenerateManifest(ctx); err != nil {
		a.Logger.Warn("failed to regenerate manifest", "error", err)
	}

	baseURL, err := a.HTTPServer.Start(a.Config.Server.Port)
	if err != nil {
		return "", fmt.Errorf("starting tile server: %w", err)
	}

	if a.Janitor != nil {
		a.Janitor.Start(ctx)
	}

	if a.Watcher != nil {
		if err := a.Watcher.Start(ctx); err != nil {
			a.Logger.Warn("failed to start archive watcher", "error", err)
		}
	}

	// Start metrics server in background
	if a.MetricsServer != nil {
		go func() {
			if err := a.MetricsServer.Start(); err != nil {
				a.Logger.Error("metrics server error", "error", err)
			}
		}()
	}

	return baseURL, nil
}

// Shutdown gracefully shuts down all components.
func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("shutting down application")

	var errs []error

	if a.Watcher != nil {
		if err := a.Watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping watcher: %w", err))
		}
	}

	if a.Janitor != nil {
		a.Janitor.Stop()
	}

	if a.MetricsServer != nil {
		if err := a.MetricsServer.Shutdown(ctx); err != nil {
			a.Logger.Error("metrics server shutdown error", "error", err)
		}
	}

	if err := a.HTTPServer.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping tile server: %w", err))
	}

	if err := a.Reader.CloseAll(); err != nil {
		errs = append(errs, fmt.Errorf("closing archives: %w", err))
	}

	if err := a.Manager.Release(); err != nil {
		errs = append(errs, fmt.Errorf("releasing archive directory: %w", err))
	}

	return errors.Join(errs...)
}

// Close releases resources of an application that is not serving.
func (a *App) Close() error {
	if a.Watcher != nil {
		_ = a.Watcher.Stop()
	}
	return errors.Join(a.Reader.CloseAll(), a.Manager.Release())
}

// OtherInstalledRegions returns the installed regions other than regionID,
// the reference set for deleting shared archives.
func (a *App) OtherInstalledRegions(ctx context.Context, regionID string) ([]string, error) {
	installed, err := a.Manager.InstalledRegions(ctx)
	if err != nil {
		return nil, err
	}

	others := installed[:0]
	for _, id := range installed {
		if id != regionID {
			others = append(others, id)
		}
	}
	return others, nil
}

// handleArchiveEvents reacts to archives added, replaced or removed behind
// the manager's back: stale handles are closed, then the manifest is rebuilt.
func (a *App) handleArchiveEvents(ctx context.Context, events []watcher.Event) error {
	ids := make([]string, 0, len(events))
	for _, e := range events {
		a.Logger.Info("archive event", "archive", e.ArchiveID(), "operation", e.Operation.String())
		ids = append(ids, e.ArchiveID())
	}

	a.Reader.Invalidate(ids...)

	if _, err := a.Manager.RegenerateManifest(ctx); err != nil {
		return fmt.Errorf("regenerating manifest: %w", err)
	}
	return nil
}

// initStorage initializes the appropriate storage adapter.
func initStorage(ctx context.Context, cfg config.StorageConfig) (output.ObjectStorage, error) {
	switch cfg.Type {
	case "local":
		return storage.NewLocalStorage(cfg.LocalPath), nil

	case "s3":
		return storage.NewS3Storage(ctx, storage.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Prefix:          cfg.S3.Prefix,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})

	case "azure":
		return storage.NewAzureStorage(storage.AzureConfig{
			Container:        cfg.Azure.Container,
			AccountName:      cfg.Azure.AccountName,
			AccountKey:       cfg.Azure.AccountKey,
			ConnectionString: cfg.Azure.ConnectionString,
			Prefix:           cfg.Azure.Prefix,
		})

	case "http":
		return storage.NewHTTPStorage(storage.HTTPConfig{
			BaseURL:   cfg.HTTP.BaseURL,
			IndexFile: cfg.HTTP.IndexFile,
			Timeout:   cfg.HTTP.Timeout,
			Username:  cfg.HTTP.Username,
			Password:  cfg.HTTP.Password,
		}), nil

	default:
		return nil, &domain.ConfigError{Field: "storage.type", Message: fmt.Sprintf("unknown storage type %q", cfg.Type)}
	}
}
