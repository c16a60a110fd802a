package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
logging:
  development: false
spider:
  max_workers: 6
  preload: 20
  download_delay: 2s
  download_origin: true
site:
  base_url: https://gallery.example
http:
  timeout: 45s
  max_retries: 4
  backoff: 100ms
  requests_per_second: 2.5
storage:
  provider: gcs
  gcs:
    bucket: pages
    prefix: g
  cache_dir: /tmp/cache
decode:
  max_width: 2048
history:
  provider: postgres
  dsn: postgres://localhost/spider
pubsub:
  project_id: proj
  topic_name: drained
progress:
  max_batch_wait: 1s
download:
  parallel_galleries: 4
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Addr() != ":9090" {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Spider.MaxWorkers != 6 || cfg.Spider.Preload != 20 || !cfg.Spider.DownloadOrigin {
		t.Fatalf("expected spider overrides to apply: %+v", cfg.Spider)
	}
	if cfg.Spider.DownloadDelay != 2*time.Second {
		t.Fatalf("expected download delay 2s, got %v", cfg.Spider.DownloadDelay)
	}
	if cfg.Site.APIURL != "https://gallery.example/api.php" {
		t.Fatalf("expected derived api url, got %q", cfg.Site.APIURL)
	}
	if cfg.HTTP.Timeout != 45*time.Second || cfg.HTTP.Backoff != 100*time.Millisecond {
		t.Fatalf("expected http durations to decode: %+v", cfg.HTTP)
	}
	if cfg.Storage.Provider != "gcs" || cfg.Storage.GCS.Bucket != "pages" || cfg.Storage.CacheDir != "/tmp/cache" {
		t.Fatalf("expected storage overrides: %+v", cfg.Storage)
	}
	if cfg.Decode.MaxWidth != 2048 || cfg.Decode.MaxHeight != 0 {
		t.Fatalf("expected decode bounds: %+v", cfg.Decode)
	}
	if cfg.History.TablePrefix != "gallery" {
		t.Fatalf("expected default table prefix, got %q", cfg.History.TablePrefix)
	}
	if cfg.Progress.MaxBatchWait != time.Second || cfg.Progress.BufferSize != 4096 {
		t.Fatalf("expected progress settings: %+v", cfg.Progress)
	}
	if cfg.Download.ParallelGalleries != 4 {
		t.Fatalf("expected 4 parallel galleries, got %d", cfg.Download.ParallelGalleries)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Provider != "local" || cfg.Storage.Local.BaseDir != "galleries" {
		t.Fatalf("expected local storage default: %+v", cfg.Storage)
	}
	if cfg.History.Provider != "none" {
		t.Fatalf("expected history disabled by default, got %q", cfg.History.Provider)
	}
	if cfg.Spider.MaxWorkers != 3 || cfg.Spider.Decoders != 1 {
		t.Fatalf("unexpected spider defaults: %+v", cfg.Spider)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("GALLERYSPIDER_SPIDER_PRELOAD", "42")
	t.Setenv("GALLERYSPIDER_STORAGE_PROVIDER", "memory")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Spider.Preload != 42 {
		t.Fatalf("expected preload 42 from env, got %d", cfg.Spider.Preload)
	}
	if cfg.Storage.Provider != "memory" {
		t.Fatalf("expected memory provider from env, got %q", cfg.Storage.Provider)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:   ServerConfig{Port: 8080},
		Site:     SiteConfig{BaseURL: "https://gallery.example"},
		HTTP:     HTTPConfig{Timeout: time.Second},
		Storage:  StorageConfig{Provider: "memory"},
		Download: DownloadConfig{ParallelGalleries: 1},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"missing site", func(c *Config) { c.Site.BaseURL = "" }, "site.base_url"},
		{"invalid timeout", func(c *Config) { c.HTTP.Timeout = 0 }, "http.timeout"},
		{"negative retries", func(c *Config) { c.HTTP.MaxRetries = -1 }, "http.max_retries"},
		{"unknown storage", func(c *Config) { c.Storage.Provider = "s3" }, "storage.provider"},
		{"local without dir", func(c *Config) { c.Storage.Provider = "local" }, "storage.local.base_dir"},
		{"gcs without bucket", func(c *Config) { c.Storage.Provider = "gcs" }, "storage.gcs.bucket"},
		{"postgres without dsn", func(c *Config) { c.History.Provider = "postgres" }, "history.dsn"},
		{"unknown history", func(c *Config) { c.History.Provider = "mysql" }, "history.provider"},
		{"topic without project", func(c *Config) { c.PubSub.TopicName = "t" }, "pubsub.project_id"},
		{"negative decode bound", func(c *Config) { c.Decode.MaxWidth = -1 }, "decode"},
		{"no download parallelism", func(c *Config) { c.Download.ParallelGalleries = 0 }, "download.parallel_galleries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
