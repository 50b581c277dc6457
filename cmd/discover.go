package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mkalish/videodb-crawler/internal/logging"
	"github.com/mkalish/videodb-crawler/internal/sitemap"
)

// newDiscoverCmd creates the 'discover' subcommand: fetch the root sitemap,
// persist a new immutable snapshot, and cache every child document.
func newDiscoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Create a new sitemap snapshot and download its child documents",
		RunE:  runDiscoverCommand,
	}
}

func runDiscoverCommand(cmd *cobra.Command, _ []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	snap, err := sitemap.New(cmd.Context(), a.Downloader, a.CacheDir, a.SitemapURL)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	if err := snap.Download(cmd.Context()); err != nil {
		return fmt.Errorf("download child documents: %w", err)
	}
	if err := snap.Prune(); err != nil {
		return fmt.Errorf("prune snapshot dir: %w", err)
	}

	files, err := snap.ItemFiles()
	if err != nil {
		return err
	}
	logging.L.Info("snapshot ready",
		zap.String("digest", snap.Digest),
		zap.Int("child_files", len(files)))
	fmt.Println(snap.Digest)
	return nil
}
