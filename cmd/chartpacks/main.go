// Package main provides the entry point for the chartpacks tile service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jobrunner/chartpacks/internal/app"
	"github.com/jobrunner/chartpacks/internal/config"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "chartpacks",
	Short: "chartpacks - offline nautical chart packs and local tile server",
	Long: `chartpacks installs regional nautical chart packs and serves their
tiles to a map renderer over a loopback HTTP server.

Features:
  - Region catalog with chart bands, GNIS names and basemaps
  - Bandwidth-limited downloads with progress and cancellation
  - Multiple storage backends (local, AWS S3, Azure, HTTP)
  - Single-archive and composite tile lookups
  - Manifest of installed charts, rebuilt on every change
  - Prometheus metrics`,
	SilenceUsage: true,
	RunE:         runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("chartpacks %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Build Date: %s\n", buildDate)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "json", "log format (json, text)")
	flags.String("archives", "./charts", "directory holding installed archives")

	// Storage flags
	flags.String("storage-type", "local", "storage type (local, s3, azure, http)")
	flags.String("storage-path", "./packs", "local storage path")

	// Server flags
	rootCmd.Flags().String("host", "127.0.0.1", "server host (loopback only)")
	rootCmd.Flags().Int("port", 0, "server port (0 picks a free port)")
	rootCmd.Flags().StringSlice("cors", nil, "allowed CORS origins (e.g., app://renderer,*.local.test)")
	rootCmd.Flags().Bool("watch", false, "watch the archive directory for external changes")

	// Bind flags to viper
	_ = viper.BindPFlag("logging.level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", flags.Lookup("log-format"))
	_ = viper.BindPFlag("archives.dir", flags.Lookup("archives"))
	_ = viper.BindPFlag("storage.type", flags.Lookup("storage-type"))
	_ = viper.BindPFlag("storage.local_path", flags.Lookup("storage-path"))
	_ = viper.BindPFlag("server.host", rootCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", rootCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("server.cors.allowed_origins", rootCmd.Flags().Lookup("cors"))
	_ = viper.BindPFlag("archives.watch", rootCmd.Flags().Lookup("watch"))

	installCmd.Flags().Bool("force", false, "reinstall packs that are already present")
	installCmd.Flags().Bool("no-progress", false, "disable progress bars")

	rootCmd.AddCommand(
		versionCmd,
		regionsCmd,
		installCmd,
		deleteCmd,
		manifestCmd,
		bundlesCmd,
	)
}

func initConfig() {
	config.Defaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

func runServer(_ *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	logger.Info("starting chartpacks",
		"version", version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"archives", cfg.Archives.Dir,
		"storage_type", cfg.Storage.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Initialize application
	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}

	baseURL, err := application.Start(ctx)
	if err != nil {
		_ = application.Close()
		return fmt.Errorf("starting application: %w", err)
	}
	logger.Info("tile server listening", "url", baseURL)

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
	}
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		return err
	}

	logger.Info("server stopped")
	return nil
}

// loadConfig loads the configuration and installs the default logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(time.Now().UTC().Format(time.RFC3339))
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
