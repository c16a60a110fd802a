// Package config loads and validates galleryspider configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Spider   SpiderConfig   `mapstructure:"spider"`
	Site     SiteConfig     `mapstructure:"site"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Decode   DecodeConfig   `mapstructure:"decode"`
	History  HistoryConfig  `mapstructure:"history"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Progress ProgressConfig `mapstructure:"progress"`
	Download DownloadConfig `mapstructure:"download"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// SpiderConfig holds the per-engine tunables.
type SpiderConfig struct {
	MaxWorkers        int           `mapstructure:"max_workers"`
	Preload           int           `mapstructure:"preload"`
	DownloadDelay     time.Duration `mapstructure:"download_delay"`
	Decoders          int           `mapstructure:"decoders"`
	DownloadOrigin    bool          `mapstructure:"download_origin"`
	MetadataCacheSize int           `mapstructure:"metadata_cache_size"`
}

// SiteConfig locates the remote gallery site.
type SiteConfig struct {
	BaseURL string `mapstructure:"base_url"`
	// APIURL defaults to BaseURL + "/api.php".
	APIURL string `mapstructure:"api_url"`
}

// HTTPConfig configures the HTTP client.
type HTTPConfig struct {
	UserAgent         string        `mapstructure:"user_agent"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	Backoff           time.Duration `mapstructure:"backoff"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// StorageConfig selects the content store backend.
type StorageConfig struct {
	// Provider is one of local, gcs or memory.
	Provider string             `mapstructure:"provider"`
	Local    LocalStorageConfig `mapstructure:"local"`
	GCS      GCSStorageConfig   `mapstructure:"gcs"`
	// CacheDir, when set, holds pages fetched in read mode apart from the
	// primary store.
	CacheDir string `mapstructure:"cache_dir"`
}

// LocalStorageConfig configures the filesystem backend.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSStorageConfig configures the Cloud Storage backend.
type GCSStorageConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// DecodeConfig bounds decoded image dimensions; zero means unbounded.
type DecodeConfig struct {
	MaxWidth  int `mapstructure:"max_width"`
	MaxHeight int `mapstructure:"max_height"`
}

// HistoryConfig selects where download sessions are recorded.
type HistoryConfig struct {
	// Provider is one of none, memory or postgres.
	Provider    string `mapstructure:"provider"`
	DSN         string `mapstructure:"dsn"`
	TablePrefix string `mapstructure:"table_prefix"`
	MaxConns    int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for drained-gallery notifications. Publishing
// is disabled when TopicName is empty.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the progress event hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// DownloadConfig controls the download command.
type DownloadConfig struct {
	ParallelGalleries int `mapstructure:"parallel_galleries"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GALLERYSPIDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Site.APIURL == "" && cfg.Site.BaseURL != "" {
		cfg.Site.APIURL = strings.TrimRight(cfg.Site.BaseURL, "/") + "/api.php"
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("spider.max_workers", 3)
	v.SetDefault("spider.preload", 5)
	v.SetDefault("spider.download_delay", "0s")
	v.SetDefault("spider.decoders", 1)
	v.SetDefault("spider.download_origin", false)
	v.SetDefault("spider.metadata_cache_size", 25)
	v.SetDefault("site.base_url", "https://e-hentai.org")
	v.SetDefault("http.user_agent", "galleryspider/0.1")
	v.SetDefault("http.timeout", "30s")
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff", "500ms")
	v.SetDefault("http.requests_per_second", 0)
	v.SetDefault("http.burst", 1)
	v.SetDefault("storage.provider", "local")
	v.SetDefault("storage.local.base_dir", "galleries")
	v.SetDefault("storage.gcs.prefix", "galleries")
	v.SetDefault("history.provider", "none")
	v.SetDefault("history.table_prefix", "gallery")
	v.SetDefault("history.max_conns", 4)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 500)
	v.SetDefault("progress.max_batch_wait", "250ms")
	v.SetDefault("progress.sink_timeout", "10s")
	v.SetDefault("download.parallel_galleries", 2)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Site.BaseURL == "" {
		return fmt.Errorf("site.base_url is required")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	switch c.Storage.Provider {
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir is required for the local provider")
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required for the gcs provider")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.provider %q is not one of local, gcs, memory", c.Storage.Provider)
	}
	switch c.History.Provider {
	case "", "none", "memory":
	case "postgres":
		if c.History.DSN == "" {
			return fmt.Errorf("history.dsn is required for the postgres provider")
		}
	default:
		return fmt.Errorf("history.provider %q is not one of none, memory, postgres", c.History.Provider)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Decode.MaxWidth < 0 || c.Decode.MaxHeight < 0 {
		return fmt.Errorf("decode dimensions must be >= 0")
	}
	if c.Download.ParallelGalleries <= 0 {
		return fmt.Errorf("download.parallel_galleries must be > 0")
	}
	return nil
}

// Addr returns the listen address of the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
