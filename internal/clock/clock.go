// Package clock defines the time source port used by components that need
// deterministic time in tests.
package clock

import "time"

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}
