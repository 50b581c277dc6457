package tracker

import "errors"

// Sentinel errors shared by every Store implementation.
var (
	// ErrTaskExists is returned by Create when the task id is already present.
	ErrTaskExists = errors.New("tracker: task already exists")

	// ErrTaskNotFound is returned when no task exists for the given id.
	ErrTaskNotFound = errors.New("tracker: task not found")

	// ErrNotClaimable is returned by Claim when the task is held by a valid
	// lock or is in a terminal state. Callers lost the race and should move
	// on to the next candidate.
	ErrNotClaimable = errors.New("tracker: task not claimable")

	// ErrLockExpired is returned by Complete when the supplied lock token no
	// longer matches or its lease has lapsed. The caller's work may have been
	// re-claimed by someone else; do not retry with the same token.
	ErrLockExpired = errors.New("tracker: lock token mismatch or expired")
)
