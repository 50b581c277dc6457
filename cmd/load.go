package cmd

import (
	"fmt"
	"path"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mkalish/videodb-crawler/internal/blob"
	"github.com/mkalish/videodb-crawler/internal/bulkimport"
	"github.com/mkalish/videodb-crawler/internal/langcode"
	"github.com/mkalish/videodb-crawler/internal/logging"
	"github.com/mkalish/videodb-crawler/internal/tracker"
	"github.com/mkalish/videodb-crawler/internal/tracker/sqlite"
)

// newLoadCmd creates the 'load' subcommand: pull an export from the blob
// store and seed the local parse-job database with succeeded downloads.
func newLoadCmd() *cobra.Command {
	var (
		langFlag string
		exportID string
		wait     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Load a table export into the local parse-job cache",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLoadCommand(cmd, langFlag, exportID, wait)
		},
	}
	cmd.Flags().StringVar(&langFlag, "lang", "", "language code partition (required)")
	cmd.Flags().StringVar(&exportID, "export-id", "", "export identifier (required)")
	cmd.Flags().DurationVar(&wait, "wait", 0, "poll for the export manifest up to this long")
	_ = cmd.MarkFlagRequired("lang")
	_ = cmd.MarkFlagRequired("export-id")
	return cmd
}

func runLoadCommand(cmd *cobra.Command, langFlag, exportID string, wait time.Duration) error {
	ctx := cmd.Context()
	a, err := resolveApp(ctx)
	if err != nil {
		return err
	}
	lang, err := parseLangFlag(langFlag)
	if err != nil {
		return err
	}

	prefix := path.Join(a.ExportsPrefix, lang.String())
	var manifest bulkimport.Manifest
	if wait > 0 {
		manifest, err = bulkimport.WaitForExport(ctx, a.Blobs, prefix, exportID, 5*time.Second, wait)
	} else {
		manifest, err = bulkimport.ReadManifest(ctx, a.Blobs, prefix, exportID)
	}
	if err != nil {
		return fmt.Errorf("resolve export %s: %w", exportID, err)
	}

	cache, dbPath := parseJobCache(a.SiteName, lang, a.Blobs)
	prevSum, err := cache.Pull(ctx, dbPath)
	if err != nil {
		return err
	}

	store, err := sqlite.Open(ctx, dbPath, "jobs", tracker.ParseConfig(), a.Clock)
	if err != nil {
		return err
	}
	created, err := store.SeedParseJobs(ctx, a.Blobs, tracker.DownloadConfig(), manifest)
	if cerr := store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("seed parse jobs: %w", err)
	}

	if _, err := cache.Push(ctx, dbPath, prevSum); err != nil {
		return err
	}
	logging.L.Info("load command finished",
		zap.String("export_id", exportID),
		zap.Int("jobs_created", created))
	return nil
}

// parseJobCache binds the per-language job database to its blob cache key.
func parseJobCache(site string, lang langcode.Code, blobs blob.Store) (*sqlite.Cache, string) {
	name := fmt.Sprintf("%s_%s.sqlite", site, lang)
	dbPath := filepath.Join(viper.GetString("tracker.sqlite.dir"), name)
	return sqlite.NewCache(blobs, path.Join("cache", name)), dbPath
}
