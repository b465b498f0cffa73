// Package postgres provides a Postgres JSONB-backed document store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawl-ingest-sink/internal/record"
	"github.com/JakeFAU/crawl-ingest-sink/internal/storage"
)

// uniqueViolation is the SQLSTATE raised by unique constraints.
const uniqueViolation = "23505"

var (
	validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	validFieldName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// DocumentStore keeps each collection in its own table with a single JSONB
// document column.
type DocumentStore struct {
	pool execCloser
}

// New creates a pooled DocumentStore using the provided config.
func New(ctx context.Context, cfg Config) (*DocumentStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &DocumentStore{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool execCloser) (*DocumentStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &DocumentStore{pool: pool}, nil
}

// Collection creates the backing table (and its "_id" unique index) if needed.
func (s *DocumentStore) Collection(ctx context.Context, name string) (storage.Collection, error) {
	if !validTableName.MatchString(name) {
		return nil, fmt.Errorf("invalid collection name %q", name)
	}
	createTable := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	doc JSONB NOT NULL,
	inserted_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, name)
	if _, err := s.pool.Exec(ctx, createTable); err != nil {
		return nil, fmt.Errorf("create table %s: %w", name, err)
	}
	c := &Collection{pool: s.pool, name: name}
	if err := c.EnsureUniqueIndex(ctx, []string{"_id"}); err != nil {
		return nil, err
	}
	return c, nil
}

// Close releases the underlying pool resources.
func (s *DocumentStore) Close(context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Collection is a table-backed storage.Collection.
type Collection struct {
	pool execCloser
	name string
}

// Name returns the table name.
func (c *Collection) Name() string { return c.name }

// InsertOne inserts a single document row.
func (c *Collection) InsertOne(ctx context.Context, rec record.Record) error {
	doc, err := gojson.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (doc) VALUES ($1::jsonb)`, c.name)
	if _, err := c.pool.Exec(ctx, query, string(doc)); err != nil {
		if isUniqueViolation(err) {
			return &storage.DuplicateKeyError{Collection: c.name, Count: 1, Err: err}
		}
		return fmt.Errorf("insert into %s: %w", c.name, err)
	}
	return nil
}

// InsertMany inserts all rows in one statement, skipping rows that hit a unique
// constraint. Skipped rows are reported as duplicates.
func (c *Collection) InsertMany(ctx context.Context, recs []record.Record) error {
	if len(recs) == 0 {
		return nil
	}
	docs := make([]string, len(recs))
	for i, rec := range recs {
		doc, err := gojson.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal document %d: %w", i, err)
		}
		docs[i] = string(doc)
	}
	query := fmt.Sprintf(`INSERT INTO %s (doc) SELECT unnest($1::jsonb[]) ON CONFLICT DO NOTHING`, c.name)
	tag, err := c.pool.Exec(ctx, query, docs)
	if err != nil {
		return fmt.Errorf("insert into %s: %w", c.name, err)
	}
	if skipped := len(recs) - int(tag.RowsAffected()); skipped > 0 {
		return &storage.DuplicateKeyError{Collection: c.name, Count: skipped}
	}
	return nil
}

// Upsert relies on the unique index over the filter fields as conflict target.
func (c *Collection) Upsert(ctx context.Context, filter record.Record, rec record.Record) error {
	target, err := keyExpressions(filter.Keys())
	if err != nil {
		return err
	}
	doc, err := gojson.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	query := fmt.Sprintf(
		`INSERT INTO %s (doc) VALUES ($1::jsonb) ON CONFLICT (%s) DO UPDATE SET doc = EXCLUDED.doc, inserted_at = now()`,
		c.name, target,
	)
	if _, err := c.pool.Exec(ctx, query, string(doc)); err != nil {
		return fmt.Errorf("upsert into %s: %w", c.name, err)
	}
	return nil
}

// EnsureUniqueIndex creates a unique expression index over the text value of
// each key field.
func (c *Collection) EnsureUniqueIndex(ctx context.Context, keys []string) error {
	exprs, err := keyExpressions(keys)
	if err != nil {
		return err
	}
	index := fmt.Sprintf("%s_%s_uniq", c.name, strings.Join(keys, "_"))
	query := fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)`, index, c.name, exprs)
	if _, err := c.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create unique index %v on %s: %w", keys, c.name, err)
	}
	return nil
}

func keyExpressions(keys []string) (string, error) {
	if len(keys) == 0 {
		return "", fmt.Errorf("unique index requires at least one key")
	}
	exprs := make([]string, len(keys))
	for i, k := range keys {
		if !validFieldName.MatchString(k) {
			return "", fmt.Errorf("invalid key field %q", k)
		}
		exprs[i] = fmt.Sprintf("(doc->>'%s')", k)
	}
	return strings.Join(exprs, ", "), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
