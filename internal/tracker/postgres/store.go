// Package postgres provides the durable tracker.Store used by the download
// stage. One table per language partition; a secondary index on
// (status_shard, update_time) serves the sharded status scans; claims and
// completions are conditional updates so concurrent runs never overlap.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkalish/videodb-crawler/internal/clock"
	"github.com/mkalish/videodb-crawler/internal/clock/system"
	"github.com/mkalish/videodb-crawler/internal/id/uuid"
	"github.com/mkalish/videodb-crawler/internal/tracker"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const uniqueViolation = "23505"

// StoreConfig controls the Postgres connection pool and target table.
type StoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pgxPool is the subset of pgxpool.Pool the store needs. pgxmock satisfies
// it for tests.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Close()
}

// Store is a Postgres-backed tracker.Store.
type Store struct {
	pool  pgxPool
	table string
	cfg   tracker.Config
	clk   clock.Clock
	ids   *uuid.Generator
}

// NewStore connects a pool and returns a Store for one partition table.
func NewStore(ctx context.Context, cfg tracker.Config, pc StoreConfig) (*Store, error) {
	if pc.DSN == "" {
		return nil, fmt.Errorf("tracker.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(pc.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if pc.MaxConns > 0 {
		poolCfg.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 {
		poolCfg.MinConns = pc.MinConns
	}
	if pc.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = pc.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewStoreWithPool(pool, cfg, pc.Table, system.New())
}

// NewStoreWithPool constructs a store from an existing pool (primarily for
// testing with pgxmock).
func NewStoreWithPool(pool pgxPool, cfg tracker.Config, table string, clk clock.Clock) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("tracker config: %w", err)
	}
	if clk == nil {
		clk = system.New()
	}
	return &Store{
		pool:  pool,
		table: table,
		cfg:   cfg,
		clk:   clk,
		ids:   uuid.NewUUIDGenerator(),
	}, nil
}

// EnsureSchema creates the partition table and its status index.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	task_id TEXT PRIMARY KEY,
	status INT NOT NULL,
	status_shard TEXT NOT NULL,
	create_time TIMESTAMPTZ NOT NULL,
	update_time TIMESTAMPTZ NOT NULL,
	retry_count INT NOT NULL DEFAULT 0,
	lock_token TEXT NOT NULL DEFAULT '',
	lock_expire_time TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
	content_ref TEXT NOT NULL DEFAULT '',
	content_checksum TEXT NOT NULL DEFAULT '',
	structured_data BYTEA
);
CREATE INDEX IF NOT EXISTS %[1]s_status_update_idx ON %[1]s (status_shard, update_time)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema for %s: %w", s.table, err)
	}
	return nil
}

const taskColumns = `task_id, status, status_shard, create_time, update_time, retry_count, lock_token, lock_expire_time, content_ref, content_checksum, structured_data`

// Create inserts a new pending task.
func (s *Store) Create(ctx context.Context, taskID string) (tracker.Task, error) {
	now := s.clk.Now()
	rec := s.cfg.NewRecord(taskID, now)
	query := fmt.Sprintf(`
INSERT INTO %s (task_id, status, status_shard, create_time, update_time, retry_count)
VALUES ($1, $2, $3, $4, $5, 0)`, s.table)
	_, err := s.pool.Exec(ctx, query, rec.TaskID, rec.Status, rec.StatusShard, rec.CreateTime, rec.UpdateTime)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
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
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (task_id) DO NOTHING`, s.table)
	inserted := 0
	for _, rec := range recs {
		tag, err := s.pool.Exec(ctx, query,
			rec.TaskID, rec.Status, rec.StatusShard, rec.CreateTime, rec.UpdateTime,
			rec.RetryCount, rec.ContentRef, rec.ContentChecksum)
		if err != nil {
			return inserted, fmt.Errorf("batch insert task %q: %w", rec.TaskID, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// Get fetches a task by id.
func (s *Store) Get(ctx context.Context, taskID string) (tracker.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE task_id = $1`, taskColumns, s.table)
	task, err := s.scanTask(s.pool.QueryRow(ctx, query, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
SELECT %s FROM %s WHERE status_shard = $1 ORDER BY update_time %s LIMIT $2`, taskColumns, s.table, order)

	var merged []tracker.Task
	for _, status := range statuses {
		keys, err := s.cfg.ShardKeys(status)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			rows, err := s.pool.Query(ctx, query, key, limit)
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

// Claim conditionally locks the task: pending always, failed while retries
// remain, in_progress only once its previous lock expired.
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
	status = $1,
	status_shard = $2,
	lock_token = $3,
	lock_expire_time = $4,
	update_time = $5
WHERE task_id = $6 AND (
	status = $7
	OR (status = $8 AND retry_count < $9)
	OR (status = $1 AND lock_expire_time <= $5)
)
RETURNING `+taskColumns, s.table)
	task, err := s.scanTask(s.pool.QueryRow(ctx, query,
		s.cfg.InProgress.Code, shardKey, token, now.Add(s.cfg.LockExpire), now,
		taskID, s.cfg.Pending.Code, s.cfg.Failed.Code, s.cfg.MaxRetry))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Distinguish a lost race from a missing task.
			if _, getErr := s.Get(ctx, taskID); errors.Is(getErr, tracker.ErrTaskNotFound) {
				return tracker.Task{}, tracker.ErrTaskNotFound
			}
			return tracker.Task{}, tracker.ErrNotClaimable
		}
		return tracker.Task{}, fmt.Errorf("claim task: %w", err)
	}
	return task, nil
}

// ClaimNext scans candidates and claims up to limit of them, skipping races.
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

// Complete validates the lock and applies the result. The update is
// conditional on the lock token so a competing re-claim after expiry makes
// this a no-op reported as ErrLockExpired.
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
	status = $1,
	status_shard = $2,
	update_time = $3,
	retry_count = $4,
	lock_token = '',
	lock_expire_time = 'epoch',
	content_ref = $5,
	content_checksum = $6,
	structured_data = $7
WHERE task_id = $8 AND lock_token = $9`, s.table)
	tag, err := s.pool.Exec(ctx, query,
		spec.Code, shardKey, next.UpdateTime, next.RetryCount,
		next.ContentRef, next.ContentChecksum, next.StructuredData,
		taskID, lockToken)
	if err != nil {
		return tracker.Task{}, fmt.Errorf("complete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tracker.Task{}, tracker.ErrLockExpired
	}
	return next, nil
}

// Counts returns the number of tasks per semantic status.
func (s *Store) Counts(ctx context.Context) (map[tracker.Status]int, error) {
	query := fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, s.table)
	rows, err := s.pool.Query(ctx, query)
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

// Close releases the underlying pool.
func (s *Store) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Store) scanTask(row pgx.Row) (tracker.Task, error) {
	var (
		rec       tracker.Record
		lockToken string
		lockExp   time.Time
		data      []byte
	)
	err := row.Scan(&rec.TaskID, &rec.Status, &rec.StatusShard, &rec.CreateTime, &rec.UpdateTime,
		&rec.RetryCount, &lockToken, &lockExp, &rec.ContentRef, &rec.ContentChecksum, &data)
	if err != nil {
		return tracker.Task{}, err
	}
	task, err := s.cfg.TaskFromRecord(rec)
	if err != nil {
		return tracker.Task{}, err
	}
	task.LockToken = lockToken
	task.LockExpireTime = lockExp
	task.StructuredData = data
	return task, nil
}

func (s *Store) scanTasks(rows pgx.Rows) ([]tracker.Task, error) {
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
