package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mkalish/videodb-crawler/internal/attachment"
	"github.com/mkalish/videodb-crawler/internal/langcode"
	"github.com/mkalish/videodb-crawler/internal/logging"
	"github.com/mkalish/videodb-crawler/internal/parser"
	"github.com/mkalish/videodb-crawler/internal/tracker"
	"github.com/mkalish/videodb-crawler/internal/tracker/sqlite"
)

// newExtractCmd creates the 'extract' subcommand: parse stored pages from
// the local job cache into structured metadata.
func newExtractCmd() *cobra.Command {
	var (
		langFlag string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract structured metadata from cached pages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExtractCommand(cmd, langFlag, limit)
		},
	}
	cmd.Flags().StringVar(&langFlag, "lang", "", "language code partition (required)")
	cmd.Flags().IntVar(&limit, "limit", 50, "per-shard claim limit for this run")
	_ = cmd.MarkFlagRequired("lang")
	return cmd
}

func runExtractCommand(cmd *cobra.Command, langFlag string, limit int) error {
	ctx := cmd.Context()
	a, err := resolveApp(ctx)
	if err != nil {
		return err
	}
	lang, err := parseLangFlag(langFlag)
	if err != nil {
		return err
	}
	if !parser.SupportedLang(lang) {
		return fmt.Errorf("no parser label table for language %s", lang)
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
	defer store.Close()

	attach := attachment.NewStore(a.Blobs, a.DownloadsPrefix)
	jobs, err := store.ClaimNext(ctx, []tracker.Status{tracker.StatusPending, tracker.StatusFailed}, limit, false)
	if err != nil {
		return fmt.Errorf("claim parse jobs: %w", err)
	}
	logging.L.Info("extract run started",
		zap.String("lang", lang.String()),
		zap.Int("jobs", len(jobs)))

	parsed, failed := 0, 0
	for _, job := range jobs {
		if err := extractOne(cmd, store, attach, lang, job); err != nil {
			var structErr *parser.StructureError
			if errors.As(err, &structErr) {
				failed++
				continue
			}
			return err
		}
		parsed++
	}

	if _, err := cache.Push(ctx, dbPath, prevSum); err != nil {
		return err
	}
	logging.L.Info("extract command finished",
		zap.Int("parsed", parsed),
		zap.Int("failed", failed))
	return nil
}

func extractOne(cmd *cobra.Command, store *sqlite.Store, attach *attachment.Store, lang langcode.Code, job tracker.Task) error {
	ctx := cmd.Context()
	html, err := attach.Get(ctx, job.ContentRef)
	if err != nil {
		return fmt.Errorf("fetch stored page for %s: %w", job.TaskID, err)
	}
	detail, err := parser.Parse(lang, html)
	if err != nil {
		var structErr *parser.StructureError
		if errors.As(err, &structErr) {
			if _, cerr := store.Complete(ctx, job.TaskID, job.LockToken, tracker.Fail(err)); cerr != nil {
				logging.L.Warn("failed to record structure error",
					zap.String("task_id", job.TaskID),
					zap.Error(cerr))
			}
			return err
		}
		return fmt.Errorf("parse %s: %w", job.TaskID, err)
	}

	data, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("encode detail for %s: %w", job.TaskID, err)
	}
	result := tracker.Result{
		Success:         true,
		ContentRef:      job.ContentRef,
		ContentChecksum: job.ContentChecksum,
		StructuredData:  data,
	}
	if _, err := store.Complete(ctx, job.TaskID, job.LockToken, result); err != nil {
		return fmt.Errorf("complete %s: %w", job.TaskID, err)
	}
	return nil
}
