// Package storage defines the document store boundary used by the sink.
// Backends (MongoDB, Postgres JSONB, in-memory) live in subpackages so the
// ingestion pipeline stays independent of a specific driver.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/crawl-ingest-sink/internal/record"
)

// Store opens named collections on a single logical connection.
type Store interface {
	// Collection resolves the named collection, creating it when absent.
	Collection(ctx context.Context, name string) (Collection, error)
	// Close releases the underlying connection.
	Close(ctx context.Context) error
}

// Collection is one target for persisted records.
type Collection interface {
	Name() string
	// InsertOne stores a single record. A unique constraint violation is
	// reported as *DuplicateKeyError.
	InsertOne(ctx context.Context, rec record.Record) error
	// InsertMany stores recs without aborting on individual duplicate-key
	// violations. When any occur the returned error is a *DuplicateKeyError
	// carrying the number of rejected records.
	InsertMany(ctx context.Context, recs []record.Record) error
	// Upsert replaces the document matching filter, or inserts rec when none does.
	Upsert(ctx context.Context, filter record.Record, rec record.Record) error
	// EnsureUniqueIndex creates a unique constraint over keys (single or compound).
	EnsureUniqueIndex(ctx context.Context, keys []string) error
}

// DuplicateKeyError reports records rejected by a uniqueness constraint.
type DuplicateKeyError struct {
	Collection string
	Count      int
	Err        error
}

func (e *DuplicateKeyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("duplicate key in %s (%d records): %v", e.Collection, e.Count, e.Err)
	}
	return fmt.Sprintf("duplicate key in %s (%d records)", e.Collection, e.Count)
}

func (e *DuplicateKeyError) Unwrap() error { return e.Err }

// AsDuplicateKey extracts a *DuplicateKeyError from err.
func AsDuplicateKey(err error) (*DuplicateKeyError, bool) {
	var dup *DuplicateKeyError
	if errors.As(err, &dup) {
		return dup, true
	}
	return nil, false
}
