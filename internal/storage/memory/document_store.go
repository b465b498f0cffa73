// Package memory keeps documents in-memory for development and dry runs.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/crawl-ingest-sink/internal/record"
	"github.com/JakeFAU/crawl-ingest-sink/internal/storage"
)

// idField mirrors the implicit primary key of document databases.
const idField = "_id"

// DocumentStore is an in-memory storage.Store. Every collection carries an
// implicit unique constraint on "_id" when the field is present.
type DocumentStore struct {
	mu          sync.RWMutex
	collections map[string]*Collection
	closed      bool
}

// NewDocumentStore constructs an empty DocumentStore.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{collections: make(map[string]*Collection)}
}

// Collection returns the named collection, creating it on first use.
func (s *DocumentStore) Collection(_ context.Context, name string) (storage.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("memory store is closed")
	}
	if name == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	c, ok := s.collections[name]
	if !ok {
		c = &Collection{name: name, indexes: [][]string{{idField}}}
		s.collections[name] = c
	}
	return c, nil
}

// Close marks the store closed; data stays readable through Documents.
func (s *DocumentStore) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Documents returns a snapshot of the named collection in insertion order.
func (s *DocumentStore) Documents(name string) []record.Record {
	s.mu.RLock()
	c, ok := s.collections[name]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return c.snapshot()
}

// CollectionNames lists known collections, sorted.
func (s *DocumentStore) CollectionNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Collection is an in-memory storage.Collection.
type Collection struct {
	mu      sync.RWMutex
	name    string
	docs    []record.Record
	indexes [][]string
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// InsertOne appends rec unless it violates a unique index.
func (c *Collection) InsertOne(_ context.Context, rec record.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conflicts(rec) {
		return &storage.DuplicateKeyError{Collection: c.name, Count: 1}
	}
	c.docs = append(c.docs, rec.Clone())
	return nil
}

// InsertMany inserts every record that does not violate a unique index.
func (c *Collection) InsertMany(_ context.Context, recs []record.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	dupes := 0
	for _, rec := range recs {
		if c.conflicts(rec) {
			dupes++
			continue
		}
		c.docs = append(c.docs, rec.Clone())
	}
	if dupes > 0 {
		return &storage.DuplicateKeyError{Collection: c.name, Count: dupes}
	}
	return nil
}

// Upsert replaces the first document matching filter or appends rec. The
// result must still satisfy every unique index, the implicit "_id" one
// included; otherwise nothing is written and a *storage.DuplicateKeyError is
// returned.
func (c *Collection) Upsert(_ context.Context, filter record.Record, rec record.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	want, err := encodeValues(filter)
	if err != nil {
		return err
	}
	match := -1
	for i, doc := range c.docs {
		if got, ok := indexKey(doc, filter.Keys()); ok && got == want {
			match = i
			break
		}
	}
	replacement := rec.Clone()
	if match >= 0 {
		if id, hasID := c.docs[match].Get(idField); hasID {
			if _, recHasID := replacement.Get(idField); !recHasID {
				replacement = append(record.Record{{Key: idField, Value: id}}, replacement...)
			}
		}
	}
	if c.conflictsExcept(replacement, match) {
		return &storage.DuplicateKeyError{Collection: c.name, Count: 1}
	}
	if match >= 0 {
		c.docs[match] = replacement
		return nil
	}
	c.docs = append(c.docs, replacement)
	return nil
}

// EnsureUniqueIndex registers keys as a unique constraint. Existing
// documents that already collide make the call fail.
func (c *Collection) EnsureUniqueIndex(_ context.Context, keys []string) error {
	if len(keys) == 0 {
		return fmt.Errorf("unique index requires at least one key")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, idx := range c.indexes {
		if strings.Join(idx, "\x00") == strings.Join(keys, "\x00") {
			return nil
		}
	}
	seen := make(map[string]struct{}, len(c.docs))
	for _, doc := range c.docs {
		key, ok := indexKey(doc, keys)
		if !ok {
			continue
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("create unique index %v on %s: existing duplicates", keys, c.name)
		}
		seen[key] = struct{}{}
	}
	c.indexes = append(c.indexes, append([]string(nil), keys...))
	return nil
}

func (c *Collection) snapshot() []record.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]record.Record, len(c.docs))
	for i, doc := range c.docs {
		out[i] = doc.Clone()
	}
	return out
}

// conflicts reports whether rec collides with a stored document on any
// index. Documents missing an indexed field are not indexed, like sparse
// indexes.
func (c *Collection) conflicts(rec record.Record) bool {
	return c.conflictsExcept(rec, -1)
}

// conflictsExcept is conflicts ignoring the document at position skip.
func (c *Collection) conflictsExcept(rec record.Record, skip int) bool {
	for _, idx := range c.indexes {
		key, ok := indexKey(rec, idx)
		if !ok {
			continue
		}
		for i, doc := range c.docs {
			if i == skip {
				continue
			}
			if other, ok := indexKey(doc, idx); ok && other == key {
				return true
			}
		}
	}
	return false
}

func indexKey(rec record.Record, keys []string) (string, bool) {
	filter, err := rec.KeyFilter(keys)
	if err != nil {
		return "", false
	}
	key, err := encodeValues(filter)
	if err != nil {
		return "", false
	}
	return key, true
}

func encodeValues(filter record.Record) (string, error) {
	parts := make([]string, len(filter))
	for i, f := range filter {
		b, err := json.Marshal(f.Value)
		if err != nil {
			return "", fmt.Errorf("encode key %q: %w", f.Key, err)
		}
		parts[i] = string(b)
	}
	return strings.Join(parts, "\x00"), nil
}
