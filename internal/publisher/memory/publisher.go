// Package memory keeps published payloads in process, for runs without a
// broker and for tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/crawl-ingest-sink/internal/publisher"
)

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
}

// Message captures one publish call.
type Message struct {
	ID         string
	Topic      string
	Payload    any
	Attributes map[string]string
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the message and returns a sequential ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, Message{
		ID:         id,
		Topic:      topic,
		Payload:    payload,
		Attributes: publisher.AttributesOf(payload),
	})
	return id, nil
}

// Messages returns a copy of the recorded publishes, oldest first.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Message(nil), p.messages...)
}
