package bulkimport

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mkalish/videodb-crawler/internal/blob"
	"github.com/mkalish/videodb-crawler/internal/langcode"
	"github.com/mkalish/videodb-crawler/internal/logging"
	"github.com/mkalish/videodb-crawler/internal/sitemap"
	"github.com/mkalish/videodb-crawler/internal/tracker"
)

// Each child file gets its own one-second create_time window, with one
// microsecond per record inside it. Earlier files therefore sort strictly
// before later ones, which is what "newest first" scheduling relies on.
const fileTimeWindow = time.Second

// PrepareConfig controls import-file preparation.
type PrepareConfig struct {
	Lang    langcode.Code
	Tracker tracker.Config
	// Prefix is the blob key prefix for the uploaded parts.
	Prefix string
	// Workers bounds the pool; zero means sequential.
	Workers int
	// FirstK, when positive, limits preparation to the first K child files.
	FirstK int
}

// PrepareImportFiles converts every child file of a snapshot into one
// gzipped NDJSON part in the blob store, filtered to one language. Files
// are processed by a worker pool; outputs are disjoint per input file, so
// the only shared state is read-only. Returns the uploaded keys in child
// file order.
func PrepareImportFiles(ctx context.Context, snap *sitemap.Snapshot, blobs blob.Store, cfg PrepareConfig, baseTime time.Time) ([]string, error) {
	if !cfg.Lang.Valid() {
		return nil, fmt.Errorf("invalid language code %d", int(cfg.Lang))
	}
	names, err := snap.ItemFiles()
	if err != nil {
		return nil, err
	}
	if cfg.FirstK > 0 && len(names) > cfg.FirstK {
		names = names[:cfg.FirstK]
	}

	keys := make([]string, len(names))
	g, gctx := errgroup.WithContext(ctx)
	if cfg.Workers > 0 {
		g.SetLimit(cfg.Workers)
	} else {
		g.SetLimit(1)
	}
	for i, name := range names {
		g.Go(func() error {
			key, err := prepareOne(gctx, snap, blobs, cfg, name, baseTime.Add(time.Duration(i)*fileTimeWindow))
			if err != nil {
				return err
			}
			keys[i] = key
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Drop entries for files that held no URLs in this language.
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if key != "" {
			out = append(out, key)
		}
	}
	logging.L.Info("prepared import files",
		zap.String("snapshot", snap.Digest),
		zap.String("lang", cfg.Lang.String()),
		zap.Int("files", len(out)))
	return out, nil
}

func prepareOne(ctx context.Context, snap *sitemap.Snapshot, blobs blob.Store, cfg PrepareConfig, name string, base time.Time) (string, error) {
	items, err := snap.Items(name)
	if err != nil {
		return "", fmt.Errorf("child file %s: %w", name, err)
	}
	items = sitemap.FilterByLang(items, cfg.Lang)
	if len(items) == 0 {
		return "", nil
	}

	recs := make([]tracker.Record, 0, len(items))
	for i, item := range items {
		recs = append(recs, cfg.Tracker.NewRecord(item.URL, base.Add(time.Duration(i)*time.Microsecond)))
	}
	payload, err := EncodeRecords(recs)
	if err != nil {
		return "", fmt.Errorf("child file %s: %w", name, err)
	}

	key := path.Join(cfg.Prefix, cfg.Lang.String(), partName(name))
	if _, err := blobs.Put(ctx, key, payload, blob.PutOptions{ContentType: "application/gzip"}); err != nil {
		return "", fmt.Errorf("upload import part %s: %w", key, err)
	}
	logging.L.Debug("uploaded import part",
		zap.String("key", key),
		zap.Int("records", len(recs)))
	return key, nil
}

func partName(childName string) string {
	base := strings.TrimSuffix(childName, ".gz")
	base = strings.TrimSuffix(base, ".xml")
	return base + ".json.gz"
}
