package cmd

import (
	"fmt"
	"path"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mkalish/videodb-crawler/internal/bulkimport"
	"github.com/mkalish/videodb-crawler/internal/logging"
	"github.com/mkalish/videodb-crawler/internal/sitemap"
	"github.com/mkalish/videodb-crawler/internal/tracker"
	pgtracker "github.com/mkalish/videodb-crawler/internal/tracker/postgres"
)

// newSeedCmd creates the 'seed' subcommand: turn a snapshot into import
// files and bulk-load them into the task store for one language.
func newSeedCmd() *cobra.Command {
	var (
		langFlag   string
		digestFlag string
		workers    int
		firstK     int
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create import files from a snapshot and load them into the task store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSeedCommand(cmd, langFlag, digestFlag, workers, firstK)
		},
	}
	cmd.Flags().StringVar(&langFlag, "lang", "", "language code partition (required)")
	cmd.Flags().StringVar(&digestFlag, "digest", "", "snapshot digest from a discover run (required)")
	cmd.Flags().IntVar(&workers, "workers", 4, "import-file preparation workers")
	cmd.Flags().IntVar(&firstK, "first-k", 0, "limit preparation to the first K child files")
	_ = cmd.MarkFlagRequired("lang")
	_ = cmd.MarkFlagRequired("digest")
	return cmd
}

func runSeedCommand(cmd *cobra.Command, langFlag, digestFlag string, workers, firstK int) error {
	ctx := cmd.Context()
	a, err := resolveApp(ctx)
	if err != nil {
		return err
	}
	lang, err := parseLangFlag(langFlag)
	if err != nil {
		return err
	}

	snap, err := sitemap.Open(a.Downloader, a.CacheDir, digestFlag)
	if err != nil {
		return err
	}

	store, err := a.TrackerStore(ctx, lang)
	if err != nil {
		return err
	}
	defer store.Close()

	pg, isPostgres := store.(*pgtracker.Store)
	if isPostgres {
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
	}

	keys, err := bulkimport.PrepareImportFiles(ctx, snap, a.Blobs, bulkimport.PrepareConfig{
		Lang:    lang,
		Tracker: tracker.DownloadConfig(),
		Prefix:  path.Join(a.ImportsPrefix, snap.Digest),
		Workers: workers,
		FirstK:  firstK,
	}, a.Clock.Now())
	if err != nil {
		return fmt.Errorf("prepare import files: %w", err)
	}

	var total int64
	for _, key := range keys {
		if isPostgres {
			n, err := pg.ImportFromObject(ctx, a.Blobs, key)
			if err != nil {
				return fmt.Errorf("import %s: %w", key, err)
			}
			total += n
			continue
		}
		data, err := a.Blobs.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", key, err)
		}
		recs, err := bulkimport.DecodeRecords(data)
		if err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		n, err := store.BatchCreate(ctx, recs)
		if err != nil {
			return fmt.Errorf("import %s: %w", key, err)
		}
		total += int64(n)
	}

	logging.L.Info("seeding finished",
		zap.String("lang", lang.String()),
		zap.String("digest", snap.Digest),
		zap.Int("files", len(keys)),
		zap.Int64("tasks", total))
	return nil
}
