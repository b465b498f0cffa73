// Package pubsub publishes run outcomes to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/goccy/go-json"

	"github.com/JakeFAU/crawl-ingest-sink/internal/publisher"
)

var errNotConfigured = errors.New("pubsub publisher is not configured")

// Publisher wraps a Pub/Sub topic publisher. The topic is fixed when the
// underlying publisher is created, so the topic argument of Publish is only
// informational.
type Publisher struct {
	publisher *pubsub.Publisher
}

// New creates a Publisher for the provided topic publisher.
func New(p *pubsub.Publisher) *Publisher {
	return &Publisher{publisher: p}
}

// Publish encodes payload as JSON and waits for the server-assigned ID.
// Attributed payloads also set the message attributes.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	if p.publisher == nil {
		return "", errNotConfigured
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{Data: data, Attributes: publisher.AttributesOf(payload)}
	id, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}
