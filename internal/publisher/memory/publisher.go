// Package memory contains an in-memory publisher for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// PublishedMessage captures one publish call for inspection.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// Publisher records published payloads instead of sending them anywhere.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
}

// New returns an empty memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the message and returns a synthetic id.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	return fmt.Sprintf("mem-%d", len(p.messages)), nil
}

// Messages returns a copy of everything published so far.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}
