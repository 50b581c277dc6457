// Package config is responsible for initializing the application's configuration.
// It uses the Viper library to read settings from a config file, environment
// variables, and command-line flags, providing a unified configuration system.
package config

import (
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mkalish/videodb-crawler/internal/logging"
)

// InitConfig initializes the application's configuration using Viper.
// It sets up default values, defines configuration search paths, and enables
// reading from environment variables. Designed to be called once at startup.
func InitConfig() {
	viper.SetConfigName("config")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/videodb-crawler/")
	viper.AddConfigPath("$HOME/.videodb-crawler")

	// Site and sitemap.
	viper.SetDefault("site.sitemap_url", "https://video.example.com/sitemap.xml")
	viper.SetDefault("site.name", "videodb")
	viper.SetDefault("sitemap.cache_dir", "data/sitemap")

	// Downloader.
	const defaultUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/111.0.0.0 Safari/537.36"
	viper.SetDefault("downloader.user_agent", defaultUA)
	viper.SetDefault("downloader.request_timeout", "15s")
	viper.SetDefault("downloader.max_attempts", 10)
	viper.SetDefault("downloader.backoff_base", "2s")
	viper.SetDefault("downloader.backoff_cap", "60s")
	// Body substring that distinguishes a real detail page from a soft-error page.
	viper.SetDefault("downloader.page_marker", "currentTab === 'video_details'")

	// Scheduler. run_interval must match the external scheduler's cron slot.
	viper.SetDefault("scheduler.run_interval", "900s")
	viper.SetDefault("scheduler.safety_margin", "30s")
	viper.SetDefault("scheduler.per_task_cost", "2s")
	viper.SetDefault("scheduler.per_task_reserve", "5s")
	viper.SetDefault("scheduler.inter_task_delay", "1s")

	// Storage.
	viper.SetDefault("blob.provider", "local")
	viper.SetDefault("blob.local.base_dir", "data/blobs")
	viper.SetDefault("blob.gcs.bucket", "")
	viper.SetDefault("blob.s3.bucket", "")
	viper.SetDefault("blob.s3.region", "")
	viper.SetDefault("blob.s3.endpoint", "")
	viper.SetDefault("blob.downloads_prefix", "downloads")
	viper.SetDefault("blob.imports_prefix", "imports")
	viper.SetDefault("blob.exports_prefix", "exports")

	// Task tracker.
	viper.SetDefault("tracker.provider", "memory")
	viper.SetDefault("tracker.postgres.dsn", "")
	viper.SetDefault("tracker.sqlite.dir", "data/cache")

	// Publisher.
	viper.SetDefault("publisher.provider", "noop")
	viper.SetDefault("publisher.gcp.project_id", "")
	viper.SetDefault("publisher.gcp.topic_id", "")

	// Ops endpoint (health + metrics).
	viper.SetDefault("ops.listen", "")

	viper.SetDefault("logging.development", false)

	viper.SetEnvPrefix("CRAWLER") // e.g. CRAWLER_TRACKER_POSTGRES_DSN
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			logging.L.Warn("Config file not found; using defaults and environment variables.")
		} else {
			logging.L.Error("Error reading config file", zap.Error(err))
		}
	} else {
		logging.L.Info("Using config file", zap.String("path", viper.ConfigFileUsed()))
	}
}
