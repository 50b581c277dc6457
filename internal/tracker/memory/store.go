// Package memory provides an in-memory tracker.Store for development and
// tests. The locking semantics match the durable implementations exactly.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/mkalish/videodb-crawler/internal/clock"
	"github.com/mkalish/videodb-crawler/internal/id/uuid"
	"github.com/mkalish/videodb-crawler/internal/tracker"
)

// Store keeps tasks in a mutex-guarded map.
type Store struct {
	cfg tracker.Config
	clk clock.Clock
	ids *uuid.Generator

	mu    sync.Mutex
	tasks map[string]tracker.Task
}

// NewStore constructs a Store for one tracker configuration.
func NewStore(cfg tracker.Config, clk clock.Clock) *Store {
	return &Store{
		cfg:   cfg,
		clk:   clk,
		ids:   uuid.NewUUIDGenerator(),
		tasks: make(map[string]tracker.Task),
	}
}

// Create inserts a new pending task.
func (s *Store) Create(_ context.Context, taskID string) (tracker.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[taskID]; exists {
		return tracker.Task{}, tracker.ErrTaskExists
	}
	now := s.clk.Now()
	task := tracker.Task{
		TaskID:     taskID,
		Status:     tracker.StatusPending,
		CreateTime: now,
		UpdateTime: now,
	}
	s.tasks[taskID] = task
	return task, nil
}

// BatchCreate inserts records, skipping ids that already exist.
func (s *Store) BatchCreate(_ context.Context, recs []tracker.Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, rec := range recs {
		if _, exists := s.tasks[rec.TaskID]; exists {
			continue
		}
		task, err := s.cfg.TaskFromRecord(rec)
		if err != nil {
			return inserted, err
		}
		s.tasks[rec.TaskID] = task
		inserted++
	}
	return inserted, nil
}

// Get fetches a task by id.
func (s *Store) Get(_ context.Context, taskID string) (tracker.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return tracker.Task{}, tracker.ErrTaskNotFound
	}
	return task, nil
}

// QueryByStatus simulates the sharded index scan: per status, tasks are
// grouped by shard, each shard contributes up to limit rows ordered by
// update time, and the shard results are merged.
func (s *Store) QueryByStatus(_ context.Context, statuses []tracker.Status, limit int, newestFirst bool) ([]tracker.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var merged []tracker.Task
	for _, status := range statuses {
		spec, err := s.cfg.Spec(status)
		if err != nil {
			return nil, err
		}
		shards := make(map[int][]tracker.Task)
		for _, task := range s.tasks {
			if task.Status != status {
				continue
			}
			shard := tracker.ShardOf(task.TaskID, spec.Shards)
			shards[shard] = append(shards[shard], task)
		}
		for _, tasks := range shards {
			sortByUpdateTime(tasks, newestFirst)
			if limit > 0 && len(tasks) > limit {
				tasks = tasks[:limit]
			}
			merged = append(merged, tasks...)
		}
	}
	sortByUpdateTime(merged, newestFirst)
	return merged, nil
}

// Claim transitions the task to in_progress under a fresh lock.
func (s *Store) Claim(_ context.Context, taskID string) (tracker.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return tracker.Task{}, tracker.ErrTaskNotFound
	}
	now := s.clk.Now()
	if !tracker.Claimable(s.cfg, task, now) {
		return tracker.Task{}, tracker.ErrNotClaimable
	}
	token, err := s.ids.NewID()
	if err != nil {
		return tracker.Task{}, err
	}
	task.Status = tracker.StatusInProgress
	task.LockToken = token
	task.LockExpireTime = now.Add(s.cfg.LockExpire)
	task.UpdateTime = now
	s.tasks[taskID] = task
	return task, nil
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

// Complete applies the result of a claimed task after validating the lock.
func (s *Store) Complete(_ context.Context, taskID, lockToken string, result tracker.Result) (tracker.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return tracker.Task{}, tracker.ErrTaskNotFound
	}
	now := s.clk.Now()
	if task.LockToken != lockToken || now.After(task.LockExpireTime) {
		return tracker.Task{}, tracker.ErrLockExpired
	}
	task = tracker.ApplyResult(s.cfg, task, result, now)
	s.tasks[taskID] = task
	return task, nil
}

// Counts returns the number of tasks per status.
func (s *Store) Counts(_ context.Context) (map[tracker.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[tracker.Status]int)
	for _, task := range s.tasks {
		counts[task.Status]++
	}
	return counts, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

func sortByUpdateTime(tasks []tracker.Task, newestFirst bool) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if newestFirst {
			return tasks[i].UpdateTime.After(tasks[j].UpdateTime)
		}
		return tasks[i].UpdateTime.Before(tasks[j].UpdateTime)
	})
}
