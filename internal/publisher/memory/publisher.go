// Package memory contains an in-memory publisher used in development mode and
// tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Publisher stores the most recent published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	limit    int
	total    int
	messages []PublishedMessage
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// New returns a memory Publisher retaining at most limit messages. A
// non-positive limit retains everything.
func New(limit int) *Publisher {
	return &Publisher{limit: limit}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total++
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	if p.limit > 0 && len(p.messages) > p.limit {
		p.messages = append([]PublishedMessage(nil), p.messages[len(p.messages)-p.limit:]...)
	}
	return fmt.Sprintf("memory-%d", p.total), nil
}

// Messages returns the recorded publishes, oldest first.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}
