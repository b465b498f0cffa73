package storage

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/JakeFAU/crawl-ingest-sink/internal/record"
)

// MockStore is a testify mock of Store.
type MockStore struct {
	mock.Mock
}

// Collection is the mock implementation of Store.Collection.
func (m *MockStore) Collection(ctx context.Context, name string) (Collection, error) {
	args := m.Called(ctx, name)
	coll, _ := args.Get(0).(Collection)
	return coll, args.Error(1) //nolint:wrapcheck
}

// Close is the mock implementation of Store.Close.
func (m *MockStore) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0) //nolint:wrapcheck
}

// MockCollection is a testify mock of Collection.
type MockCollection struct {
	mock.Mock
	CollectionName string
}

// Name returns the configured collection name.
func (m *MockCollection) Name() string {
	return m.CollectionName
}

// InsertOne is the mock implementation of Collection.InsertOne.
func (m *MockCollection) InsertOne(ctx context.Context, rec record.Record) error {
	args := m.Called(ctx, rec)
	return args.Error(0) //nolint:wrapcheck
}

// InsertMany is the mock implementation of Collection.InsertMany.
func (m *MockCollection) InsertMany(ctx context.Context, recs []record.Record) error {
	args := m.Called(ctx, recs)
	return args.Error(0) //nolint:wrapcheck
}

// Upsert is the mock implementation of Collection.Upsert.
func (m *MockCollection) Upsert(ctx context.Context, filter record.Record, rec record.Record) error {
	args := m.Called(ctx, filter, rec)
	return args.Error(0) //nolint:wrapcheck
}

// EnsureUniqueIndex is the mock implementation of Collection.EnsureUniqueIndex.
func (m *MockCollection) EnsureUniqueIndex(ctx context.Context, keys []string) error {
	args := m.Called(ctx, keys)
	return args.Error(0) //nolint:wrapcheck
}
