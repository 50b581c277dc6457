// Package noop provides a publisher that discards every event, for
// deployments without a broker.
package noop

import "context"

// Publisher discards payloads.
type Publisher struct{}

// New constructs a Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish drops the payload.
func (Publisher) Publish(context.Context, any) (string, error) {
	return "", nil
}

// Close is a no-op.
func (Publisher) Close() error {
	return nil
}
