// Package memory provides an in-memory publisher for tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Publisher records published payloads.
type Publisher struct {
	mu       sync.Mutex
	messages [][]byte
}

// New constructs an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish stores the JSON-encoded payload and returns a sequential id.
func (p *Publisher) Publish(_ context.Context, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, data)
	return fmt.Sprintf("msg-%d", len(p.messages)), nil
}

// Messages returns copies of every published payload.
func (p *Publisher) Messages() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.messages))
	for i, m := range p.messages {
		out[i] = append([]byte{}, m...)
	}
	return out
}

// Close is a no-op.
func (p *Publisher) Close() error {
	return nil
}
