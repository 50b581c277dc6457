// Package app assembles the application's dependencies from configuration.
// Commands receive a fully wired App through the cobra context.
package app

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mkalish/videodb-crawler/internal/blob"
	gcsblob "github.com/mkalish/videodb-crawler/internal/blob/gcs"
	localblob "github.com/mkalish/videodb-crawler/internal/blob/local"
	memoryblob "github.com/mkalish/videodb-crawler/internal/blob/memory"
	s3blob "github.com/mkalish/videodb-crawler/internal/blob/s3"
	"github.com/mkalish/videodb-crawler/internal/clock"
	"github.com/mkalish/videodb-crawler/internal/clock/system"
	"github.com/mkalish/videodb-crawler/internal/downloader"
	"github.com/mkalish/videodb-crawler/internal/langcode"
	"github.com/mkalish/videodb-crawler/internal/logging"
	"github.com/mkalish/videodb-crawler/internal/publisher"
	memorypublisher "github.com/mkalish/videodb-crawler/internal/publisher/memory"
	nooppublisher "github.com/mkalish/videodb-crawler/internal/publisher/noop"
	gcppublisher "github.com/mkalish/videodb-crawler/internal/publisher/pubsub"
	"github.com/mkalish/videodb-crawler/internal/scheduler"
	"github.com/mkalish/videodb-crawler/internal/tracker"
	memorytracker "github.com/mkalish/videodb-crawler/internal/tracker/memory"
	pgtracker "github.com/mkalish/videodb-crawler/internal/tracker/postgres"
)

// App holds the shared dependencies of every command.
type App struct {
	SiteName   string
	SitemapURL string
	CacheDir   string

	DownloadsPrefix string
	ImportsPrefix   string
	ExportsPrefix   string
	OpsListen       string

	Blobs      blob.Store
	Publisher  publisher.Publisher
	Clock      clock.Clock
	Downloader *downloader.Client
	Retry      downloader.RetryPolicy
	Scheduler  scheduler.Config

	closers []func() error
}

// New wires an App from the global viper configuration.
func New(ctx context.Context) (*App, error) {
	v := viper.GetViper()

	a := &App{
		SiteName:        v.GetString("site.name"),
		SitemapURL:      v.GetString("site.sitemap_url"),
		CacheDir:        v.GetString("sitemap.cache_dir"),
		DownloadsPrefix: v.GetString("blob.downloads_prefix"),
		ImportsPrefix:   v.GetString("blob.imports_prefix"),
		ExportsPrefix:   v.GetString("blob.exports_prefix"),
		OpsListen:       v.GetString("ops.listen"),
		Clock:           system.New(),
		Scheduler:       scheduler.LoadConfig(v),
	}

	client, err := downloader.NewClient(downloader.LoadConfig(v))
	if err != nil {
		return nil, err
	}
	a.Downloader = client
	a.Retry = downloader.LoadRetryPolicy(v)

	if err := a.initBlobs(ctx, v); err != nil {
		return nil, err
	}
	if err := a.initPublisher(ctx, v); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) initBlobs(ctx context.Context, v *viper.Viper) error {
	provider := v.GetString("blob.provider")
	switch provider {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		store, err := gcsblob.New(client, gcsblob.Config{Bucket: v.GetString("blob.gcs.bucket")})
		if err != nil {
			return err
		}
		a.Blobs = store
	case "s3":
		store, err := s3blob.New(ctx, s3blob.Config{
			Bucket:   v.GetString("blob.s3.bucket"),
			Region:   v.GetString("blob.s3.region"),
			Endpoint: v.GetString("blob.s3.endpoint"),
		})
		if err != nil {
			return err
		}
		a.Blobs = store
	case "local":
		store, err := localblob.New(localblob.Config{BaseDir: v.GetString("blob.local.base_dir")})
		if err != nil {
			return err
		}
		a.Blobs = store
	case "memory":
		a.Blobs = memoryblob.NewBlobStore()
	default:
		return fmt.Errorf("unknown blob provider %q", provider)
	}
	logging.L.Info("blob store configured", zap.String("provider", provider))
	return nil
}

func (a *App) initPublisher(ctx context.Context, v *viper.Viper) error {
	provider := v.GetString("publisher.provider")
	switch provider {
	case "pubsub":
		pub, err := gcppublisher.New(ctx,
			v.GetString("publisher.gcp.project_id"),
			v.GetString("publisher.gcp.topic_id"))
		if err != nil {
			return err
		}
		a.Publisher = pub
		a.closers = append(a.closers, pub.Close)
	case "memory":
		a.Publisher = memorypublisher.New()
	case "noop":
		a.Publisher = nooppublisher.New()
	default:
		return fmt.Errorf("unknown publisher provider %q", provider)
	}
	logging.L.Info("publisher configured", zap.String("provider", provider))
	return nil
}

// TrackerStore opens the download-stage store for one language partition.
// The caller owns the returned store and must close it.
func (a *App) TrackerStore(ctx context.Context, lang langcode.Code) (tracker.Store, error) {
	cfg := tracker.DownloadConfig()
	v := viper.GetViper()
	provider := v.GetString("tracker.provider")
	switch provider {
	case "postgres":
		return pgtracker.NewStore(ctx, cfg, pgtracker.StoreConfig{
			DSN:   v.GetString("tracker.postgres.dsn"),
			Table: a.TableName(lang),
		})
	case "memory":
		return memorytracker.NewStore(cfg, a.Clock), nil
	default:
		return nil, fmt.Errorf("unknown tracker provider %q", provider)
	}
}

var tableNameSanitizer = regexp.MustCompile(`[^a-z0-9_]+`)

// TableName derives the per-language partition table name.
func (a *App) TableName(lang langcode.Code) string {
	site := tableNameSanitizer.ReplaceAllString(strings.ToLower(a.SiteName), "_")
	return fmt.Sprintf("tasks_%s_%s", site, lang)
}

// Close releases held clients in reverse construction order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logging.L.Warn("close dependency", zap.Error(err))
		}
	}
	a.closers = nil
}
