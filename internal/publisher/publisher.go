// Package publisher defines the event publishing port. Downstream systems
// subscribe to download-completed events; publishing is best effort and
// never blocks task completion.
package publisher

import (
	"context"
	"time"

	"github.com/mkalish/videodb-crawler/internal/langcode"
)

// Publisher emits one JSON-encoded event and returns the broker message id.
type Publisher interface {
	Publish(ctx context.Context, payload any) (string, error)
	Close() error
}

// DownloadCompleted announces one successfully stored page.
type DownloadCompleted struct {
	TaskID      string        `json:"task_id"`
	Lang        langcode.Code `json:"lang"`
	ContentRef  string        `json:"content_ref"`
	Checksum    string        `json:"checksum"`
	CompletedAt time.Time     `json:"completed_at"`
}
