package sink

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-ingest-sink/internal/config"
	"github.com/JakeFAU/crawl-ingest-sink/internal/record"
	"github.com/JakeFAU/crawl-ingest-sink/internal/storage"
	"github.com/JakeFAU/crawl-ingest-sink/internal/storage/memory"
)

type stopRecorder struct {
	reasons []string
}

func (s *stopRecorder) RequestStop(reason string) {
	s.reasons = append(s.reasons, reason)
}

type fakeObserver struct {
	stored  map[string]int
	dupes   map[string]int
	pending map[string]int
	flushes []string
	stops   int
}

func newFakeObserver() *fakeObserver {
	return &fakeObserver{stored: map[string]int{}, dupes: map[string]int{}, pending: map[string]int{}}
}

func (f *fakeObserver) ObserveStored(recordType, op string, n int) { f.stored[recordType+"/"+op] += n }
func (f *fakeObserver) ObserveDuplicates(recordType string, n int) { f.dupes[recordType] += n }
func (f *fakeObserver) ObserveFlush(recordType, trigger string, _ int) {
	f.flushes = append(f.flushes, recordType+"/"+trigger)
}
func (f *fakeObserver) ObserveStopRequest(string)           { f.stops++ }
func (f *fakeObserver) SetPending(recordType string, n int) { f.pending[recordType] = n }

func memoryDialer(store *memory.DocumentStore) Dialer {
	return func(context.Context) (storage.Store, error) { return store, nil }
}

// startMemoryPipeline resolves overrides and starts a pipeline on a fresh
// in-memory store.
func startMemoryPipeline(t *testing.T, overrides map[string]config.CollectionConfig, opts Options) (*Pipeline, *memory.DocumentStore) {
	t.Helper()

	routes, err := config.Resolve(config.LibraryDefaults(), overrides)
	require.NoError(t, err)

	store := memory.NewDocumentStore()
	opts.Routes = routes
	opts.Dial = memoryDialer(store)
	p, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	return p, store
}

func rec(fields ...any) record.Record {
	out := make(record.Record, 0, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		out = append(out, record.Field{Key: fields[i].(string), Value: fields[i+1]})
	}
	return out
}
