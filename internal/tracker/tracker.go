// Package tracker implements a generic, sharded task-lifecycle model: every
// unit of work is a Task keyed by its URL (or URL digest), carrying a status,
// a bounded retry count, and an optimistic lock. The same lifecycle logic is
// reused by both pipeline stages (downloading pages, parsing stored HTML),
// parameterized by a Config so the stages never share status codes or tables.
package tracker

import (
	"time"
)

// Status is the semantic lifecycle state of a task. The numeric code stored
// on the wire differs per pipeline stage (see Config).
type Status int

// Lifecycle states. Transitions: pending -> in_progress -> {succeeded,
// failed, ignored}; a failed task below the retry limit is requeued to
// pending; an in_progress task whose lock expired is re-claimable.
const (
	StatusPending Status = iota + 1
	StatusInProgress
	StatusFailed
	StatusSucceeded
	StatusIgnored
)

var statusNames = map[Status]string{
	StatusPending:    "pending",
	StatusInProgress: "in_progress",
	StatusFailed:     "failed",
	StatusSucceeded:  "succeeded",
	StatusIgnored:    "ignored",
}

// String returns the lowercase name of the status.
func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

// Task is one unit of tracked work. TaskID is the page URL for the download
// stage and the same key for the parse stage; the two stages live in
// physically separate tables.
type Task struct {
	TaskID          string
	Status          Status
	CreateTime      time.Time
	UpdateTime      time.Time
	RetryCount      int
	LockToken       string
	LockExpireTime  time.Time
	ContentRef      string
	ContentChecksum string
	StructuredData  []byte
}

// Locked reports whether the task holds a valid (non-expired) lock at now.
func (t Task) Locked(now time.Time) bool {
	return t.LockToken != "" && now.Before(t.LockExpireTime)
}

// Result describes the outcome of executing a claimed task, applied by
// Store.Complete.
type Result struct {
	Success bool
	Ignored bool
	// Err is recorded for failed outcomes; only its presence matters to the
	// lifecycle, the text is kept for operators.
	Err error
	// ContentRef and ContentChecksum point at offloaded page content.
	ContentRef      string
	ContentChecksum string
	// StructuredData holds the parse stage's extracted record as JSON.
	StructuredData []byte
}

// Succeed builds a success result carrying a content reference.
func Succeed(contentRef, checksum string) Result {
	return Result{Success: true, ContentRef: contentRef, ContentChecksum: checksum}
}

// Fail builds a failure result. The store decides between requeue and
// terminal failure based on the retry count.
func Fail(err error) Result {
	return Result{Err: err}
}

// Ignore builds an ignored (won't retry, not an error) result.
func Ignore() Result {
	return Result{Ignored: true}
}
