package cmd

import (
	"errors"
	"fmt"
	"path"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mkalish/videodb-crawler/internal/id/uuid"
	"github.com/mkalish/videodb-crawler/internal/logging"
	pgtracker "github.com/mkalish/videodb-crawler/internal/tracker/postgres"
)

// newExportCmd creates the 'export' subcommand: snapshot the full task
// table to the blob store for downstream ETL.
func newExportCmd() *cobra.Command {
	var (
		langFlag string
		exportID string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the task table to the blob store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExportCommand(cmd, langFlag, exportID)
		},
	}
	cmd.Flags().StringVar(&langFlag, "lang", "", "language code partition (required)")
	cmd.Flags().StringVar(&exportID, "export-id", "", "export identifier (default: generated)")
	_ = cmd.MarkFlagRequired("lang")
	return cmd
}

func runExportCommand(cmd *cobra.Command, langFlag, exportID string) error {
	ctx := cmd.Context()
	a, err := resolveApp(ctx)
	if err != nil {
		return err
	}
	lang, err := parseLangFlag(langFlag)
	if err != nil {
		return err
	}

	store, err := a.TrackerStore(ctx, lang)
	if err != nil {
		return err
	}
	defer store.Close()
	pg, ok := store.(*pgtracker.Store)
	if !ok {
		return errors.New("export requires the postgres tracker provider")
	}

	if exportID == "" {
		exportID, err = uuid.NewUUIDGenerator().NewID()
		if err != nil {
			return err
		}
	}

	prefix := path.Join(a.ExportsPrefix, lang.String())
	manifest, err := pg.Export(ctx, a.Blobs, prefix, exportID)
	if err != nil {
		return fmt.Errorf("export table: %w", err)
	}

	logging.L.Info("export command finished",
		zap.String("export_id", manifest.ExportID),
		zap.Int64("items", manifest.ItemCount))
	fmt.Println(manifest.ExportID)
	return nil
}
