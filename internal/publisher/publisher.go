// Package publisher announces run outcomes to downstream consumers.
package publisher

import (
	"context"
	"time"
)

// EventRunCompleted is the event attribute of a RunSummary message.
const EventRunCompleted = "run.completed"

// Publisher delivers a payload to topic and returns the broker's message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Attributed payloads carry broker message attributes alongside their body.
type Attributed interface {
	Attributes() map[string]string
}

// AttributesOf returns the attributes of payload, or nil when it has none.
func AttributesOf(payload any) map[string]string {
	if a, ok := payload.(Attributed); ok {
		return a.Attributes()
	}
	return nil
}

// RunSummary is published once per run after the final flush.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	Lines      int       `json:"lines"`
	Submitted  int       `json:"submitted"`
	Skipped    int       `json:"skipped"`
	Stopped    bool      `json:"stopped"`
	StopReason string    `json:"stop_reason,omitempty"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Attributes returns the message attributes used for subscription filters.
func (s RunSummary) Attributes() map[string]string {
	attrs := map[string]string{"event": EventRunCompleted, "run_id": s.RunID}
	if s.Stopped {
		attrs["stop_reason"] = s.StopReason
	}
	return attrs
}
