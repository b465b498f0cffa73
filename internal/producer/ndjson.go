// Package producer feeds records into the sink from a newline-delimited JSON
// stream. Each line is an envelope: {"type": "<record type>", "record": {...}}.
package producer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-ingest-sink/internal/logging"
	"github.com/JakeFAU/crawl-ingest-sink/internal/record"
)

// MaxLineSize bounds a single envelope line.
const MaxLineSize = 16 << 20

// Envelope is one line of input.
type Envelope struct {
	Type   string        `json:"type"`
	Record record.Record `json:"record"`
}

// SubmitFunc hands one record to the sink.
type SubmitFunc func(ctx context.Context, rec record.Record, declaredType string) (record.Record, error)

// Stats summarizes a Run.
type Stats struct {
	Lines     int
	Submitted int
	Skipped   int
}

// NDJSON reads envelopes from an io.Reader and submits them one at a time.
// RequestStop may be called from any goroutine; Run checks it before every line.
type NDJSON struct {
	src    io.Reader
	logger *zap.Logger

	stopped atomic.Bool
	mu      sync.Mutex
	reason  string
}

// NewNDJSON wraps src.
func NewNDJSON(src io.Reader, logger *zap.Logger) *NDJSON {
	return &NDJSON{src: src, logger: logging.OrNop(logger)}
}

// RequestStop makes Run return after the record currently being submitted.
// Only the first reason is kept.
func (p *NDJSON) RequestStop(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped.Load() {
		return
	}
	p.reason = reason
	p.stopped.Store(true)
	p.logger.Warn("producer stop requested", zap.String("reason", reason))
}

// StopReason reports whether a stop was requested and why.
func (p *NDJSON) StopReason() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason, p.stopped.Load()
}

// Run decodes envelopes until EOF, a stop request, context cancellation or a
// submit failure. Lines that do not decode are logged and skipped.
func (p *NDJSON) Run(ctx context.Context, submit SubmitFunc) (Stats, error) {
	var stats Stats
	scanner := bufio.NewScanner(p.src)
	scanner.Buffer(make([]byte, 0, 64<<10), MaxLineSize)

	for !p.stopped.Load() && scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("producer canceled: %w", err)
		}
		stats.Lines++
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var env Envelope
		if err := gojson.Unmarshal(line, &env); err != nil {
			stats.Skipped++
			p.logger.Warn("skipping malformed line", zap.Int("line", stats.Lines), zap.Error(err))
			continue
		}
		if env.Record == nil {
			stats.Skipped++
			p.logger.Warn("skipping envelope without record", zap.Int("line", stats.Lines))
			continue
		}

		if _, err := submit(ctx, env.Record, env.Type); err != nil {
			return stats, fmt.Errorf("submit line %d: %w", stats.Lines, err)
		}
		stats.Submitted++
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("read input: %w", err)
	}
	return stats, nil
}
