// Package sqlite provides a tracker.Store on a local SQLite file. The parse
// stage runs single-writer against a database cached through the blob store,
// so a serverless run can pull the file, work, and push it back.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mkalish/videodb-crawler/internal/blob"
	"github.com/mkalish/videodb-crawler/internal/bulkimport"
	"github.com/mkalish/videodb-crawler/internal/clock"
	"github.com/mkalish/videodb-crawler/internal/clock/system"
	"github.com/mkalish/videodb-crawler/internal/id/uuid"
	"github.com/mkalish/videodb-crawler/internal/tracker"
)

// Store is a SQLite-backed tracker.Store.
type Store struct {
	db    *sql.DB
	table string
	cfg   tracker.Config
	clk   clock.Clock
	ids   *uuid.Generator
}

// Open opens (or creates) the database file and ensures the schema.
func Open(ctx context.Context, path, table string, cfg tracker.Config, clk clock.Clock) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("tracker config: %w", err)
	}
	if clk == nil {
		clk = system.New()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// Single writer; more connections just contend on the file lock.
	db.SetMaxOpenConns(1)
	s := &Store{db: db, table: table, cfg: cfg, clk: clk, ids: uuid.NewUUIDGenerator()}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	task_id TEXT PRIMARY KEY,
	status INTEGER NOT NULL,
	status_shard TEXT NOT NULL,
	create_time INTEGER NOT NULL,
	update_time INTEGER NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	lock_token TEXT NOT NULL DEFAULT '',
	lock_expire_time INTEGER NOT NULL DEFAULT 0,
	content_ref TEXT NOT NULL DEFAULT '',
	content_checksum TEXT NOT NULL DEFAULT '',
	structured_data BLOB
);
CREATE INDEX IF NOT EXISTS %[1]s_status_update_idx ON %[1]s (status_shard, update_time)`, s.table)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema for %s: %w", s.table, err)
	}
	return nil
}

// Times are stored as UTC unix microseconds so lock expiry comparisons work
// with plain integer arithmetic.
func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMicro()
}

func fromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

const taskColumns = `task_id, status, status_shard, create_time, update_time, retry_count, lock_token, lock_expire_time, content_ref, content_checksum, structured_data`

// Create inserts a new pending task.
func (s *Store) Create(ctx context.Context, taskID string) (tracker.Task, error) {
	now := s.clk.Now()
	rec := s.cfg.NewRecord(taskID, now)
	query := fmt.Sprintf(`
INSERT INTO %s (task_id, status, status_shard, create_time, update_time, retry_count)
VALUES (?, ?, ?, ?, ?, 0)`, s.table)
	_, err := s.db.ExecContext(ctx, query,
		rec.TaskID, rec.Status, rec.StatusShard, toMicros(rec.CreateTime), toMicros(rec.UpdateTime))
	if err != nil {
		if isUniqueViolation(err) {
			return tracker.Task{}, tracker.ErrTaskExists
		}
		return tracker.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return s.cfg.TaskFromRecord(rec)
}

// BatchCreate inserts records with create-if-absent semantics.
func (s *Store) BatchCreate(ctx context.Context, recs []tracker.Record) (int, error) {
	query := fmt.Sprintf(`
INSERT INTO %s (task_id, status, status_shard, create_time, update_time, retry_count, content_ref, content_checksum)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (task_id) DO NOTHING`, s.table)
	inserted := 0
	for _, rec := range recs {
		res, err := s.db.ExecContext(ctx, query,
			rec.TaskID, rec.Status, rec.StatusShard, toMicros(rec.CreateTime), toMicros(rec.UpdateTime),
			rec.RetryCount, rec.ContentRef, rec.ContentChecksum)
		if err != nil {
			return inserted, fmt.Errorf("batch insert task %q: %w", rec.TaskID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, err
		}
		inserted += int(n)
	}
	return inserted, nil
}

// Get fetches a task by id.
func (s *Store) Get(ctx context.Context, taskID string) (tracker.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE task_id = ?`, taskColumns, s.table)
	task, err := s.scanTask(s.db.QueryRowContext(ctx, query, taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return tracker.Task{}, tracker.ErrTaskNotFound
		}
		return tracker.Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// QueryByStatus fans out over every shard of each status and merges the
// per-shard scans by update time. limit applies per shard.
func (s *Store) QueryByStatus(ctx context.Context, statuses []tracker.Status, limit int, newestFirst bool) ([]tracker.Task, error) {
	order := "ASC"
	if newestFirst {
		order = "DESC"
	}
	query := fmt.Sprintf(`
SELECT %s FROM %s WHERE status_shard = ? ORDER BY update_time %s LIMIT ?`, taskColumns, s.table, order)

	var merged []tracker.Task
	for _, status := range statuses {
		keys, err := s.cfg.ShardKeys(status)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			rows, err := s.db.QueryContext(ctx, query, key, limit)
			if err != nil {
				return nil, fmt.Errorf("query shard %s: %w", key, err)
			}
			tasks, err := s.scanTasks(rows)
			if err != nil {
				return nil, err
			}
			merged = append(merged, tasks...)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if newestFirst {
			return merged[i].UpdateTime.After(merged[j].UpdateTime)
		}
		return merged[i].UpdateTime.Before(merged[j].UpdateTime)
	})
	return merged, nil
}

// Claim conditionally locks the task, mirroring the Postgres store.
func (s *Store) Claim(ctx context.Context, taskID string) (tracker.Task, error) {
	now := s.clk.Now()
	token, err := s.ids.NewID()
	if err != nil {
		return tracker.Task{}, err
	}
	shardKey, err := s.cfg.ShardKey(tracker.StatusInProgress, taskID)
	if err != nil {
		return tracker.Task{}, err
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	status = ?,
	status_shard = ?,
	lock_token = ?,
	lock_expire_time = ?,
	update_time = ?
WHERE task_id = ? AND (
	status = ?
	OR (status = ? AND retry_count < ?)
	OR (status = ? AND lock_expire_time <= ?)
)`, s.table)
	res, err := s.db.ExecContext(ctx, query,
		s.cfg.InProgress.Code, shardKey, token, toMicros(now.Add(s.cfg.LockExpire)), toMicros(now),
		taskID, s.cfg.Pending.Code, s.cfg.Failed.Code, s.cfg.MaxRetry,
		s.cfg.InProgress.Code, toMicros(now))
	if err != nil {
		return tracker.Task{}, fmt.Errorf("claim task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return tracker.Task{}, err
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, taskID); errors.Is(getErr, tracker.ErrTaskNotFound) {
			return tracker.Task{}, tracker.ErrTaskNotFound
		}
		return tracker.Task{}, tracker.ErrNotClaimable
	}
	return s.Get(ctx, taskID)
}

// ClaimNext scans candidates and claims up to limit of them.
func (s *Store) ClaimNext(ctx context.Context, statuses []tracker.Status, limit int, newestFirst bool) ([]tracker.Task, error) {
	candidates, err := s.QueryByStatus(ctx, statuses, limit, newestFirst)
	if err != nil {
		return nil, err
	}
	claimed := make([]tracker.Task, 0, len(candidates))
	for _, cand := range candidates {
		if limit > 0 && len(claimed) >= limit {
			break
		}
		task, err := s.Claim(ctx, cand.TaskID)
		if err != nil {
			if errors.Is(err, tracker.ErrNotClaimable) || errors.Is(err, tracker.ErrTaskNotFound) {
				continue
			}
			return claimed, err
		}
		claimed = append(claimed, task)
	}
	return claimed, nil
}

// Complete validates the lock and applies the result.
func (s *Store) Complete(ctx context.Context, taskID, lockToken string, result tracker.Result) (tracker.Task, error) {
	current, err := s.Get(ctx, taskID)
	if err != nil {
		return tracker.Task{}, err
	}
	now := s.clk.Now()
	if lockToken == "" || current.LockToken != lockToken || now.After(current.LockExpireTime) {
		return tracker.Task{}, tracker.ErrLockExpired
	}
	next := tracker.ApplyResult(s.cfg, current, result, now)
	shardKey, err := s.cfg.ShardKey(next.Status, taskID)
	if err != nil {
		return tracker.Task{}, err
	}
	spec, err := s.cfg.Spec(next.Status)
	if err != nil {
		return tracker.Task{}, err
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	status = ?,
	status_shard = ?,
	update_time = ?,
	retry_count = ?,
	lock_token = '',
	lock_expire_time = 0,
	content_ref = ?,
	content_checksum = ?,
	structured_data = ?
WHERE task_id = ? AND lock_token = ?`, s.table)
	res, err := s.db.ExecContext(ctx, query,
		spec.Code, shardKey, toMicros(next.UpdateTime), next.RetryCount,
		next.ContentRef, next.ContentChecksum, next.StructuredData,
		taskID, lockToken)
	if err != nil {
		return tracker.Task{}, fmt.Errorf("complete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return tracker.Task{}, err
	}
	if n == 0 {
		return tracker.Task{}, tracker.ErrLockExpired
	}
	return next, nil
}

// Counts returns the number of tasks per semantic status.
func (s *Store) Counts(ctx context.Context) (map[tracker.Status]int, error) {
	query := fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, s.table)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	counts := make(map[tracker.Status]int)
	for rows.Next() {
		var code, n int
		if err := rows.Scan(&code, &n); err != nil {
			return nil, fmt.Errorf("scan count row: %w", err)
		}
		status, err := s.cfg.StatusFromCode(code)
		if err != nil {
			return nil, err
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate count rows: %w", err)
	}
	return counts, nil
}

// SeedParseJobs turns a download-stage export into parse jobs: every source
// record that reached succeeded becomes a fresh pending job here, carrying
// the content ref and checksum of the stored page. Existing job ids are
// skipped, so re-running a load is safe.
func (s *Store) SeedParseJobs(ctx context.Context, store blob.Store, src tracker.Config, m bulkimport.Manifest) (int, error) {
	total := 0
	for _, key := range m.PartKeys {
		data, err := store.Get(ctx, key)
		if err != nil {
			return total, fmt.Errorf("fetch export part %s: %w", key, err)
		}
		recs, err := bulkimport.DecodeRecords(data)
		if err != nil {
			return total, fmt.Errorf("decode export part %s: %w", key, err)
		}
		jobs := make([]tracker.Record, 0, len(recs))
		for _, rec := range recs {
			status, err := src.StatusFromCode(rec.Status)
			if err != nil {
				return total, err
			}
			if status != tracker.StatusSucceeded {
				continue
			}
			job := s.cfg.NewRecord(rec.TaskID, rec.UpdateTime)
			job.ContentRef = rec.ContentRef
			job.ContentChecksum = rec.ContentChecksum
			jobs = append(jobs, job)
		}
		n, err := s.BatchCreate(ctx, jobs)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Close closes the database file.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanTask(row rowScanner) (tracker.Task, error) {
	var (
		rec             tracker.Record
		createUS, updUS int64
		lockToken       string
		lockUS          int64
		data            []byte
	)
	err := row.Scan(&rec.TaskID, &rec.Status, &rec.StatusShard, &createUS, &updUS,
		&rec.RetryCount, &lockToken, &lockUS, &rec.ContentRef, &rec.ContentChecksum, &data)
	if err != nil {
		return tracker.Task{}, err
	}
	rec.CreateTime = fromMicros(createUS)
	rec.UpdateTime = fromMicros(updUS)
	task, err := s.cfg.TaskFromRecord(rec)
	if err != nil {
		return tracker.Task{}, err
	}
	task.LockToken = lockToken
	task.LockExpireTime = fromMicros(lockUS)
	task.StructuredData = data
	return task, nil
}

func (s *Store) scanTasks(rows *sql.Rows) ([]tracker.Task, error) {
	defer rows.Close()
	var tasks []tracker.Task
	for rows.Next() {
		task, err := s.scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return tasks, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite reports constraint failures in the message text.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}
