package tracker

import "context"

// Store persists tasks for one pipeline stage and one language partition.
// Implementations must make Claim and Complete atomic with respect to
// concurrent callers: two claimers never hold the same task while a valid
// lock exists, and Complete only applies when the lock token still matches.
type Store interface {
	// Create inserts a new pending task with RetryCount zero. Returns
	// ErrTaskExists if the id is already present.
	Create(ctx context.Context, taskID string) (Task, error)

	// BatchCreate inserts many records, silently skipping ids that already
	// exist. Returns the number actually inserted.
	BatchCreate(ctx context.Context, recs []Record) (int, error)

	// Get fetches a task by id.
	Get(ctx context.Context, taskID string) (Task, error)

	// QueryByStatus scans the status index across every shard of each given
	// status, merging results ordered by update time. limit applies per
	// shard, mirroring the underlying index scan, so up to limit*shards
	// tasks may be returned.
	QueryByStatus(ctx context.Context, statuses []Status, limit int, newestFirst bool) ([]Task, error)

	// Claim atomically transitions the task to in_progress and grants a
	// fresh lock token with a bounded expiry. Claimable tasks are pending,
	// failed, or in_progress with an expired lock. Returns ErrNotClaimable
	// when the race is lost.
	Claim(ctx context.Context, taskID string) (Task, error)

	// ClaimNext combines QueryByStatus and Claim: it scans candidates and
	// claims up to limit of them, skipping any lost races.
	ClaimNext(ctx context.Context, statuses []Status, limit int, newestFirst bool) ([]Task, error)

	// Complete finishes a claimed task. The lock token must match and be
	// unexpired or ErrLockExpired is returned. Failure outcomes increment
	// RetryCount and requeue to pending until MaxRetry, then go terminal
	// failed.
	Complete(ctx context.Context, taskID, lockToken string, result Result) (Task, error)

	// Counts returns the number of tasks per semantic status.
	Counts(ctx context.Context) (map[Status]int, error)

	// Close releases any underlying resources.
	Close() error
}
