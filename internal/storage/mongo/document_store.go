// Package mongo provides the MongoDB-backed document store.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-ingest-sink/internal/record"
	"github.com/JakeFAU/crawl-ingest-sink/internal/storage"
)

// Server error codes that signal a unique index violation.
var duplicateKeyCodes = map[int]struct{}{11000: {}, 11001: {}, 12582: {}}

// Config controls the single logical MongoDB connection.
type Config struct {
	URI            string
	Database       string
	ReplicaSet     string
	FSync          bool
	WriteConcern   int
	ConnectTimeout time.Duration
}

// ReadPreference returns primary-preferred for replica sets and
// primary-only for standalone deployments.
func (c Config) ReadPreference() *readpref.ReadPref {
	if c.ReplicaSet != "" {
		return readpref.PrimaryPreferred()
	}
	return readpref.Primary()
}

// ClientOptions translates the config into driver options.
func (c Config) ClientOptions() *options.ClientOptions {
	opts := options.Client().
		ApplyURI(c.URI).
		SetReadPreference(c.ReadPreference())
	if c.ReplicaSet != "" {
		opts.SetReplicaSet(c.ReplicaSet)
	}
	if wc := c.writeConcern(); wc != nil {
		opts.SetWriteConcern(wc)
	}
	if c.ConnectTimeout > 0 {
		opts.SetConnectTimeout(c.ConnectTimeout)
	}
	return opts
}

// writeConcern returns nil to keep the driver default (acknowledged) when
// neither a w level nor fsync is configured.
func (c Config) writeConcern() *writeconcern.WriteConcern {
	if c.WriteConcern <= 0 && !c.FSync {
		return nil
	}
	wc := &writeconcern.WriteConcern{}
	if c.WriteConcern > 0 {
		wc.W = c.WriteConcern
	}
	if c.FSync {
		journal := true
		wc.Journal = &journal
	}
	return wc
}

// DocumentStore implements storage.Store on top of a mongo.Database.
type DocumentStore struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger
}

// New connects to MongoDB and verifies the deployment is reachable.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*DocumentStore, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongodb.uri is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("mongodb.database is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := mongo.Connect(ctx, cfg.ClientOptions())
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, cfg.ReadPreference()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	mode := "standalone"
	if cfg.ReplicaSet != "" {
		mode = "replica_set"
	}
	logger.Debug("mongodb connected",
		zap.String("database", cfg.Database),
		zap.String("mode", mode),
		zap.String("replica_set", cfg.ReplicaSet),
	)
	return &DocumentStore{client: client, db: client.Database(cfg.Database), logger: logger}, nil
}

// Collection resolves the named collection, creating it when absent.
func (s *DocumentStore) Collection(ctx context.Context, name string) (storage.Collection, error) {
	if name == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	names, err := s.db.ListCollectionNames(ctx, bson.D{{Key: "name", Value: name}})
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	if len(names) == 0 {
		if err := s.db.CreateCollection(ctx, name); err != nil && !isNamespaceExists(err) {
			return nil, fmt.Errorf("create collection %s: %w", name, err)
		}
		s.logger.Debug("collection created", zap.String("collection", name))
	}
	return NewCollection(s.db.Collection(name)), nil
}

// Close disconnects the client.
func (s *DocumentStore) Close(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongodb: %w", err)
	}
	return nil
}

// Collection adapts a *mongo.Collection to storage.Collection.
type Collection struct {
	coll *mongo.Collection
}

// NewCollection wraps an existing driver collection.
func NewCollection(coll *mongo.Collection) *Collection {
	return &Collection{coll: coll}
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.coll.Name() }

// InsertOne inserts a single document.
func (c *Collection) InsertOne(ctx context.Context, rec record.Record) error {
	if _, err := c.coll.InsertOne(ctx, ToBSON(rec)); err != nil {
		return c.classify("insert one", err)
	}
	return nil
}

// InsertMany performs an unordered insert so the server keeps going past
// individual duplicate-key violations.
func (c *Collection) InsertMany(ctx context.Context, recs []record.Record) error {
	if len(recs) == 0 {
		return nil
	}
	docs := make([]any, len(recs))
	for i, rec := range recs {
		docs[i] = ToBSON(rec)
	}
	if _, err := c.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false)); err != nil {
		return c.classify("insert many", err)
	}
	return nil
}

// Upsert replaces the document matching filter or inserts rec.
func (c *Collection) Upsert(ctx context.Context, filter record.Record, rec record.Record) error {
	_, err := c.coll.ReplaceOne(ctx, ToBSON(filter), ToBSON(rec), options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert into %s: %w", c.Name(), err)
	}
	return nil
}

// EnsureUniqueIndex creates an ascending unique index over keys.
func (c *Collection) EnsureUniqueIndex(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return fmt.Errorf("unique index requires at least one key")
	}
	spec := make(bson.D, 0, len(keys))
	for _, k := range keys {
		spec = append(spec, bson.E{Key: k, Value: 1})
	}
	model := mongo.IndexModel{Keys: spec, Options: options.Index().SetUnique(true)}
	if _, err := c.coll.Indexes().CreateOne(ctx, model); err != nil {
		return fmt.Errorf("create unique index %v on %s: %w", keys, c.Name(), err)
	}
	return nil
}

// classify turns write errors made up solely of duplicate-key violations
// into *storage.DuplicateKeyError. Anything else stays fatal.
func (c *Collection) classify(op string, err error) error {
	var bwe mongo.BulkWriteException
	if errors.As(err, &bwe) {
		dupes := countDuplicates(bulkWriteErrors(bwe.WriteErrors))
		if bwe.WriteConcernError == nil && dupes > 0 && dupes == len(bwe.WriteErrors) {
			return &storage.DuplicateKeyError{Collection: c.Name(), Count: dupes, Err: err}
		}
		return fmt.Errorf("%s into %s: %w", op, c.Name(), err)
	}
	var we mongo.WriteException
	if errors.As(err, &we) {
		dupes := countDuplicates(we.WriteErrors)
		if we.WriteConcernError == nil && dupes > 0 && dupes == len(we.WriteErrors) {
			return &storage.DuplicateKeyError{Collection: c.Name(), Count: dupes, Err: err}
		}
		return fmt.Errorf("%s into %s: %w", op, c.Name(), err)
	}
	if mongo.IsDuplicateKeyError(err) {
		return &storage.DuplicateKeyError{Collection: c.Name(), Count: 1, Err: err}
	}
	return fmt.Errorf("%s into %s: %w", op, c.Name(), err)
}

func countDuplicates(errs []mongo.WriteError) int {
	n := 0
	for _, e := range errs {
		if _, ok := duplicateKeyCodes[e.Code]; ok {
			n++
		}
	}
	return n
}

func bulkWriteErrors(errs []mongo.BulkWriteError) []mongo.WriteError {
	out := make([]mongo.WriteError, len(errs))
	for i, e := range errs {
		out[i] = e.WriteError
	}
	return out
}

func isNamespaceExists(err error) bool {
	var cmdErr mongo.CommandError
	return errors.As(err, &cmdErr) && cmdErr.Code == 48
}

// ToBSON converts a record, including nested records and arrays, into an
// ordered bson.D.
func ToBSON(rec record.Record) bson.D {
	doc := make(bson.D, 0, len(rec))
	for _, f := range rec {
		doc = append(doc, bson.E{Key: f.Key, Value: toBSONValue(f.Value)})
	}
	return doc
}

func toBSONValue(v any) any {
	switch val := v.(type) {
	case record.Record:
		return ToBSON(val)
	case []any:
		out := make(bson.A, len(val))
		for i, item := range val {
			out[i] = toBSONValue(item)
		}
		return out
	case uint64:
		if val <= math.MaxInt64 {
			return int64(val)
		}
		return wideNumber(strconv.FormatUint(val, 10))
	case json.Number:
		return wideNumber(val.String())
	default:
		return v
	}
}

// wideNumber stores integers beyond int64 as Decimal128, or as their literal
// text when they exceed its 34 digits.
func wideNumber(lit string) any {
	d, err := primitive.ParseDecimal128(lit)
	if err != nil {
		return lit
	}
	return d
}
