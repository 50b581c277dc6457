package tracker

import "time"

// Claimable reports whether a task may be claimed at now: pending always,
// failed while retries remain, and in_progress once its lock has expired
// (a crashed run's work is recovered this way).
func Claimable(cfg Config, task Task, now time.Time) bool {
	switch task.Status {
	case StatusPending:
		return true
	case StatusFailed:
		return task.RetryCount < cfg.MaxRetry
	case StatusInProgress:
		return !task.Locked(now)
	default:
		return false
	}
}

// ApplyResult computes the post-completion state of a task. Success must be
// stated explicitly: anything that is not a success or an ignore counts as a
// failure, so a zero-value Result can never mark a task succeeded. Failure
// increments the retry count and requeues to pending until MaxRetry is
// reached, after which the task is terminal failed. The lock is always
// released.
func ApplyResult(cfg Config, task Task, result Result, now time.Time) Task {
	switch {
	case result.Success && result.Err == nil:
		task.Status = StatusSucceeded
		if result.ContentRef != "" {
			task.ContentRef = result.ContentRef
			task.ContentChecksum = result.ContentChecksum
		}
		if len(result.StructuredData) > 0 {
			task.StructuredData = result.StructuredData
		}
	case result.Ignored:
		task.Status = StatusIgnored
	default:
		task.RetryCount++
		if task.RetryCount >= cfg.MaxRetry {
			task.Status = StatusFailed
		} else {
			task.Status = StatusPending
		}
	}
	task.LockToken = ""
	task.LockExpireTime = time.Time{}
	task.UpdateTime = now
	return task
}
