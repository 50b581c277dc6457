package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/mkalish/videodb-crawler/internal/blob"
	"github.com/mkalish/videodb-crawler/internal/bulkimport"
	"github.com/mkalish/videodb-crawler/internal/logging"
	"github.com/mkalish/videodb-crawler/internal/tracker"
)

var copyColumns = []string{
	"task_id", "status", "status_shard", "create_time", "update_time",
	"retry_count", "content_ref", "content_checksum",
}

// BulkLoad ingests records via the COPY protocol. This is the seeding path:
// loading hundreds of thousands of tasks row by row is far slower and
// costlier than one bulk copy. Rows are copied into a staging table and
// merged with ON CONFLICT DO NOTHING, because successive snapshots of the
// same site overlap almost entirely and already-present ids must be skipped,
// not fail the load. Returns the number of rows actually inserted.
func (s *Store) BulkLoad(ctx context.Context, recs []tracker.Record) (int64, error) {
	staging := s.table + "_staging"
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, staging)); err != nil {
		return 0, fmt.Errorf("reset staging table %s: %w", staging, err)
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`CREATE UNLOGGED TABLE %s (LIKE %s)`, staging, s.table)); err != nil {
		return 0, fmt.Errorf("create staging table %s: %w", staging, err)
	}
	defer func() {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, staging)); err != nil {
			logging.L.Warn("drop staging table", zap.String("table", staging), zap.Error(err))
		}
	}()

	rows := make([][]any, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, []any{
			rec.TaskID, rec.Status, rec.StatusShard, rec.CreateTime, rec.UpdateTime,
			rec.RetryCount, rec.ContentRef, rec.ContentChecksum,
		})
	}
	if _, err := s.pool.CopyFrom(ctx, pgx.Identifier{staging}, copyColumns, pgx.CopyFromRows(rows)); err != nil {
		return 0, fmt.Errorf("bulk load %s: %w", staging, err)
	}

	cols := strings.Join(copyColumns, ", ")
	merge := fmt.Sprintf(`
INSERT INTO %s (%s)
SELECT %s FROM %s
ON CONFLICT (task_id) DO NOTHING`, s.table, cols, cols, staging)
	tag, err := s.pool.Exec(ctx, merge)
	if err != nil {
		return 0, fmt.Errorf("merge staging table %s: %w", staging, err)
	}
	return tag.RowsAffected(), nil
}

// ImportFromObject reads a gzipped NDJSON import file (one {"Item": record}
// per line) from the blob store and bulk-loads it.
func (s *Store) ImportFromObject(ctx context.Context, store blob.Store, key string) (int64, error) {
	data, err := store.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("fetch import object %s: %w", key, err)
	}
	recs, err := bulkimport.DecodeRecords(data)
	if err != nil {
		return 0, fmt.Errorf("decode import object %s: %w", key, err)
	}
	return s.BulkLoad(ctx, recs)
}
