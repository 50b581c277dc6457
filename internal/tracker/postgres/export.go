package postgres

import (
	"context"
	"fmt"

	"github.com/mkalish/videodb-crawler/internal/blob"
	"github.com/mkalish/videodb-crawler/internal/bulkimport"
	"github.com/mkalish/videodb-crawler/internal/logging"
	"github.com/mkalish/videodb-crawler/internal/tracker"
	"go.uber.org/zap"
)

// exportPageSize bounds memory per part. Each part becomes one gzipped
// NDJSON object in the blob store.
const exportPageSize = 5000

// Export snapshots the whole partition table to the blob store as gzipped
// NDJSON parts under prefix/exportID/, then writes the manifest. The
// manifest is written last so readers polling for it never observe a
// partial export.
func (s *Store) Export(ctx context.Context, store blob.Store, prefix, exportID string) (bulkimport.Manifest, error) {
	manifest := bulkimport.Manifest{
		ExportID:  exportID,
		Table:     s.table,
		Status:    bulkimport.ExportInProgress,
		StartedAt: s.clk.Now(),
	}

	// Keyset pagination on the primary key; OFFSET degrades on big tables.
	query := fmt.Sprintf(`
SELECT %s FROM %s WHERE task_id > $1 ORDER BY task_id ASC LIMIT $2`, taskColumns, s.table)

	lastID := ""
	part := 0
	for {
		rows, err := s.pool.Query(ctx, query, lastID, exportPageSize)
		if err != nil {
			return manifest, fmt.Errorf("export page after %q: %w", lastID, err)
		}
		tasks, err := s.scanTasks(rows)
		if err != nil {
			return manifest, err
		}
		if len(tasks) == 0 {
			break
		}

		recs := make([]tracker.Record, 0, len(tasks))
		for _, task := range tasks {
			rec, err := s.cfg.RecordFromTask(task)
			if err != nil {
				return manifest, fmt.Errorf("export task %q: %w", task.TaskID, err)
			}
			recs = append(recs, rec)
		}
		payload, err := bulkimport.EncodeRecords(recs)
		if err != nil {
			return manifest, err
		}
		key := bulkimport.PartKey(prefix, exportID, part)
		if _, err := store.Put(ctx, key, payload, blob.PutOptions{ContentType: "application/gzip"}); err != nil {
			return manifest, fmt.Errorf("store export part %s: %w", key, err)
		}
		manifest.PartKeys = append(manifest.PartKeys, key)
		manifest.ItemCount += int64(len(recs))
		logging.L.Debug("wrote export part",
			zap.String("key", key),
			zap.Int("records", len(recs)))

		lastID = tasks[len(tasks)-1].TaskID
		part++
		if len(tasks) < exportPageSize {
			break
		}
	}

	manifest.Status = bulkimport.ExportCompleted
	manifest.CompletedAt = s.clk.Now()
	if _, err := bulkimport.WriteManifest(ctx, store, prefix, manifest); err != nil {
		return manifest, err
	}
	logging.L.Info("table export completed",
		zap.String("table", s.table),
		zap.String("export_id", exportID),
		zap.Int64("items", manifest.ItemCount),
		zap.Int("parts", len(manifest.PartKeys)))
	return manifest, nil
}
