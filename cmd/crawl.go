package cmd

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mkalish/videodb-crawler/internal/attachment"
	"github.com/mkalish/videodb-crawler/internal/logging"
	"github.com/mkalish/videodb-crawler/internal/metrics"
	"github.com/mkalish/videodb-crawler/internal/ops"
	"github.com/mkalish/videodb-crawler/internal/scheduler"
	"github.com/mkalish/videodb-crawler/internal/tracker"
)

// newCrawlCmd creates the 'crawl' subcommand: one time-boxed batch run for
// one language partition, driven by the external scheduler's slot.
func newCrawlCmd() *cobra.Command {
	var langFlag string
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run one scheduled crawl batch",
		Long: `Claims a budgeted batch of pending and retryable tasks, downloads each
page politely, offloads the HTML to the blob store, and records the outcome.
The run stops early when its time slot is nearly exhausted; the next
scheduled invocation resumes where it left off.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawlCommand(cmd, langFlag)
		},
	}
	cmd.Flags().StringVar(&langFlag, "lang", "", "language code partition (required)")
	_ = cmd.MarkFlagRequired("lang")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, langFlag string) error {
	ctx := cmd.Context()
	a, err := resolveApp(ctx)
	if err != nil {
		return err
	}
	lang, err := parseLangFlag(langFlag)
	if err != nil {
		return err
	}

	metrics.Init()
	if a.OpsListen != "" {
		srv := ops.NewServer(a.OpsListen)
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logging.L.Warn("ops server shutdown", zap.Error(err))
			}
		}()
	}

	store, err := a.TrackerStore(ctx, lang)
	if err != nil {
		return err
	}
	defer store.Close()

	attach := attachment.NewStore(a.Blobs, path.Join(a.DownloadsPrefix, lang.String()))
	runner, err := scheduler.NewRunner(a.Scheduler, tracker.DownloadConfig(), lang,
		store, a.Downloader, a.Retry, attach, a.Publisher, a.Clock)
	if err != nil {
		return err
	}

	stats, err := runner.Run(ctx, a.Clock.Now())
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run batch: %w", err)
	}

	if counts, cerr := store.Counts(ctx); cerr == nil {
		for status, n := range counts {
			metrics.SetTasksByStatus(lang.String(), status.String(), n)
		}
	}
	logging.L.Info("crawl command finished",
		zap.Int("claimed", stats.Claimed),
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("failed", stats.Failed))
	return err
}
