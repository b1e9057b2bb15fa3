// Package config provides configuration management using Viper.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jobrunner/chartpacks/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Archives ArchivesConfig `mapstructure:"archives"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Download DownloadConfig `mapstructure:"download"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds tile server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"` // must be a loopback address
	Port            int           `mapstructure:"port"` // 0 picks an ephemeral port
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CacheMaxAge     time.Duration `mapstructure:"cache_max_age"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"` // e.g., ["app://renderer", "*.local.test"]
}

// Enabled returns true if CORS is configured with at least one allowed origin.
func (c *CORSConfig) Enabled() bool {
	return len(c.AllowedOrigins) > 0
}

// ArchivesConfig holds the local archive directory configuration.
type ArchivesConfig struct {
	Dir               string        `mapstructure:"dir"`
	Watch             bool          `mapstructure:"watch"`
	WatchDebounce     time.Duration `mapstructure:"watch_debounce"`
	HandleIdleTimeout time.Duration `mapstructure:"handle_idle_timeout"` // 0 keeps handles open
}

// CatalogConfig holds the remote pack catalog configuration.
type CatalogConfig struct {
	Key string `mapstructure:"key"` // object key of the catalog document (.json, .yaml)
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	Type      string      `mapstructure:"type"` // s3, azure, http, local
	LocalPath string      `mapstructure:"local_path"`
	S3        S3Config    `mapstructure:"s3"`
	Azure     AzureConfig `mapstructure:"azure"`
	HTTP      HTTPConfig  `mapstructure:"http"`
}

// S3Config holds AWS S3 configuration.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Prefix          string `mapstructure:"prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// AzureConfig holds Azure Blob Storage configuration.
type AzureConfig struct {
	Container        string `mapstructure:"container"`
	AccountName      string `mapstructure:"account_name"`
	AccountKey       string `mapstructure:"account_key"`
	ConnectionString string `mapstructure:"connection_string"`
	Prefix           string `mapstructure:"prefix"`
}

// HTTPConfig holds HTTP download configuration.
type HTTPConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	IndexFile string        `mapstructure:"index_file"` // bundle listing, one key per line
	Timeout   time.Duration `mapstructure:"timeout"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
}

// DownloadConfig holds download engine configuration.
type DownloadConfig struct {
	BandwidthLimit     int64         `mapstructure:"bandwidth_limit"`   // bytes per second, 0 = unlimited
	ProgressInterval   time.Duration `mapstructure:"progress_interval"` // 0 = every chunk
	MaxParallelRegions int           `mapstructure:"max_parallel_regions"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
}

// Defaults sets the default configuration values.
func Defaults() {
	// Server defaults
	viper.SetDefault("server.host", "127.0.0.1")
	viper.SetDefault("server.port", 0)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)
	viper.SetDefault("server.shutdown_timeout", 10*time.Second)
	viper.SetDefault("server.cache_max_age", 24*time.Hour)
	viper.SetDefault("server.cors.allowed_origins", []string{})

	// Archive defaults
	viper.SetDefault("archives.dir", "./charts")
	viper.SetDefault("archives.watch", false)
	viper.SetDefault("archives.watch_debounce", 2*time.Second)
	viper.SetDefault("archives.handle_idle_timeout", 5*time.Minute)

	viper.SetDefault("catalog.key", "catalog.json")

	// Storage defaults
	viper.SetDefault("storage.type", "local")
	viper.SetDefault("storage.local_path", "./packs")
	viper.SetDefault("storage.http.index_file", "index.txt")
	viper.SetDefault("storage.http.timeout", 30*time.Minute)

	// Download defaults
	viper.SetDefault("download.bandwidth_limit", 0)
	viper.SetDefault("download.progress_interval", 250*time.Millisecond)
	viper.SetDefault("download.max_parallel_regions", 2)

	// Metrics defaults
	viper.SetDefault("metrics.enabled", false)
	viper.SetDefault("metrics.port", 9090)
	viper.SetDefault("metrics.path", "/metrics")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

// Load loads configuration from environment and config file.
func Load(configPath string) (*Config, error) {
	Defaults()

	// Environment variable binding
	viper.SetEnvPrefix("CHARTPACKS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Config file
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/chartpacks")
	}

	// Try to read config file (not required)
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return configError("server.port", fmt.Sprintf("invalid port %d", c.Server.Port))
	}
	if ip := net.ParseIP(c.Server.Host); c.Server.Host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return configError("server.host", fmt.Sprintf("%q is not a loopback address", c.Server.Host))
	}

	if c.Archives.Dir == "" {
		return configError("archives.dir", "archive directory is required")
	}
	if c.Archives.HandleIdleTimeout < 0 {
		return configError("archives.handle_idle_timeout", "must not be negative")
	}
	if c.Catalog.Key == "" {
		return configError("catalog.key", "catalog key is required")
	}

	if c.Download.BandwidthLimit < 0 {
		return configError("download.bandwidth_limit", "must not be negative")
	}
	if c.Download.MaxParallelRegions < 1 {
		return configError("download.max_parallel_regions", "must be at least 1")
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return configError("metrics.port", fmt.Sprintf("invalid port %d", c.Metrics.Port))
	}

	switch c.Storage.Type {
	case "local":
		if c.Storage.LocalPath == "" {
			return configError("storage.local_path", "local storage path is required")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return configError("storage.s3.bucket", "S3 bucket is required")
		}
		if c.Storage.S3.Region == "" {
			return configError("storage.s3.region", "S3 region is required")
		}
	case "azure":
		if c.Storage.Azure.Container == "" {
			return configError("storage.azure.container", "azure container is required")
		}
		if c.Storage.Azure.AccountName == "" && c.Storage.Azure.ConnectionString == "" {
			return configError("storage.azure", "azure account name or connection string is required")
		}
	case "http":
		if c.Storage.HTTP.BaseURL == "" {
			return configError("storage.http.base_url", "HTTP base URL is required")
		}
	default:
		return configError("storage.type", fmt.Sprintf("unknown storage type %q", c.Storage.Type))
	}

	return nil
}

func configError(key, msg string) error {
	return &domain.ConfigError{Field: key, Message: msg}
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}
