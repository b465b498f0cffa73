package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/crawl-ingest-sink/internal/clock"
	"github.com/JakeFAU/crawl-ingest-sink/internal/config"
	"github.com/JakeFAU/crawl-ingest-sink/internal/record"
	"github.com/JakeFAU/crawl-ingest-sink/internal/storage"
)

func TestNewRejectsNegativeThresholdBeforeDialing(t *testing.T) {
	t.Parallel()

	dialed := false
	_, err := New(Options{
		Routes: config.Routes{
			config.DefaultType: {Name: "items"},
			"product":          {Name: "products", StopOnDuplicate: -1},
		},
		Dial: func(context.Context) (storage.Store, error) {
			dialed = true
			return nil, nil
		},
	})

	var cfgErr *config.ConfigurationError
	require.True(t, errors.As(err, &cfgErr), "got %v", err)
	require.Equal(t, "collections.product.stop_on_duplicate", cfgErr.Key)
	require.False(t, dialed)
}

func TestNewRequiresDialer(t *testing.T) {
	t.Parallel()

	_, err := New(Options{Routes: config.LibraryDefaults()})
	require.ErrorContains(t, err, "dialer")
}

func TestStartWrapsDialFailure(t *testing.T) {
	t.Parallel()

	p, err := New(Options{
		Routes: config.LibraryDefaults(),
		Dial: func(context.Context) (storage.Store, error) {
			return nil, errors.New("no reachable servers")
		},
	})
	require.NoError(t, err)

	err = p.Start(context.Background())
	var connErr *ConnectivityError
	require.True(t, errors.As(err, &connErr))
	require.Equal(t, "connect", connErr.Op)
	require.ErrorContains(t, err, "no reachable servers")
}

func TestStartWrapsIndexFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	defaultColl := &storage.MockCollection{CollectionName: "items"}
	products := &storage.MockCollection{CollectionName: "products"}
	products.On("EnsureUniqueIndex", mock.Anything, []string{"sku"}).Return(errors.New("index build failed"))

	store := &storage.MockStore{}
	store.On("Collection", mock.Anything, "items").Return(defaultColl, nil)
	store.On("Collection", mock.Anything, "products").Return(products, nil)
	store.On("Close", mock.Anything).Return(nil)

	p, err := New(Options{
		Routes: config.Routes{
			config.DefaultType: {Name: "items"},
			"product":          {Name: "products", UniqueKey: []string{"sku"}},
		},
		Dial: func(context.Context) (storage.Store, error) { return store, nil },
	})
	require.NoError(t, err)

	err = p.Start(ctx)
	var connErr *ConnectivityError
	require.True(t, errors.As(err, &connErr))
	require.Equal(t, "product", connErr.RecordType)
	store.AssertCalled(t, "Close", mock.Anything)

	_, err = p.Submit(ctx, rec("sku", "A"), "product")
	require.ErrorIs(t, err, ErrNotStarted)
}

func TestStartLogsOnePerType(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	p, _ := startMemoryPipeline(t, map[string]config.CollectionConfig{
		"product": {Name: "products", UniqueKey: []string{"sku"}},
		"review":  {Name: "reviews", Buffer: 10},
	}, Options{Logger: zap.New(core)})
	defer func() { require.NoError(t, p.Stop(context.Background())) }()

	ready := logs.FilterMessage("collection ready").All()
	require.Len(t, ready, 3)
	require.Equal(t, "default", ready[0].ContextMap()["type"])
	require.Equal(t, "products", ready[1].ContextMap()["collection"])
	require.Equal(t, "sku", ready[1].ContextMap()["unique_key"])

	require.ErrorIs(t, p.Start(context.Background()), ErrAlreadyStarted)
}

func TestSubmitLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, err := New(Options{Routes: config.LibraryDefaults(), Dial: func(context.Context) (storage.Store, error) {
		return nil, errors.New("unused")
	}})
	require.NoError(t, err)
	_, err = p.Submit(ctx, rec("a", 1), "")
	require.ErrorIs(t, err, ErrNotStarted)

	p, store := startMemoryPipeline(t, nil, Options{})
	_, err = p.Submit(ctx, rec("a", 1), "anything")
	require.NoError(t, err)
	require.NoError(t, p.Stop(ctx))

	_, err = p.Submit(ctx, rec("a", 2), "anything")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, p.Stop(ctx), ErrClosed)
	require.ErrorIs(t, p.Start(ctx), ErrClosed)
	require.Len(t, store.Documents(config.DefaultCollectionName), 1)
}

func TestUnknownTypeRoutesToDefaultCollection(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, store := startMemoryPipeline(t, map[string]config.CollectionConfig{
		"product": {Name: "products"},
	}, Options{})

	_, err := p.Submit(ctx, rec("url", "https://a"), "Product")
	require.NoError(t, err)
	_, err = p.Submit(ctx, rec("url", "https://b"), "Unlisted")
	require.NoError(t, err)
	require.NoError(t, p.Stop(ctx))

	require.Len(t, store.Documents("products"), 1)
	require.Len(t, store.Documents(config.DefaultCollectionName), 1)
}

func TestBufferFlushesAtThreshold(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	obs := newFakeObserver()
	p, store := startMemoryPipeline(t, map[string]config.CollectionConfig{
		"page": {Name: "pages", Buffer: 3},
	}, Options{Observer: obs})

	for i := 0; i < 2; i++ {
		out, err := p.Submit(ctx, rec("n", i), "page")
		require.NoError(t, err)
		require.Equal(t, rec("n", i), out)
	}
	require.Equal(t, 2, p.Pending("page"))
	require.Empty(t, store.Documents("pages"))

	_, err := p.Submit(ctx, rec("n", 2), "page")
	require.NoError(t, err)
	require.Equal(t, 0, p.Pending("page"))
	require.Equal(t, []record.Record{rec("n", 0), rec("n", 1), rec("n", 2)}, store.Documents("pages"))
	require.Equal(t, []string{"page/" + TriggerThreshold}, obs.flushes)

	_, err = p.Submit(ctx, rec("n", 3), "page")
	require.NoError(t, err)
	require.Equal(t, 1, p.Pending("page"))

	require.NoError(t, p.Stop(ctx))
	require.Len(t, store.Documents("pages"), 4)
	require.Equal(t, []string{"page/" + TriggerThreshold, "page/" + TriggerShutdown}, obs.flushes)
	require.Equal(t, 4, obs.stored["page/insert"])
}

func TestUpsertKeepsOneDocumentPerKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	stops := &stopRecorder{}
	p, store := startMemoryPipeline(t, map[string]config.CollectionConfig{
		"product": {Name: "products", UniqueKey: []string{"url"}, StopOnDuplicate: 1},
	}, Options{Producer: stops})

	_, err := p.Submit(ctx, rec("url", "https://x", "price", 10), "product")
	require.NoError(t, err)
	_, err = p.Submit(ctx, rec("url", "https://x", "price", 12), "product")
	require.NoError(t, err)
	require.NoError(t, p.Stop(ctx))

	docs := store.Documents("products")
	require.Len(t, docs, 1)
	price, _ := docs[0].Get("price")
	require.Equal(t, 12, price)
	require.Empty(t, stops.reasons)
}

func TestCompoundKeyUpsertInBufferedBatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, store := startMemoryPipeline(t, map[string]config.CollectionConfig{
		"product": {Name: "products", UniqueKey: []string{"shop", "sku"}, Buffer: 3},
	}, Options{})

	_, err := p.Submit(ctx, rec("shop", "s1", "sku", "A", "v", 1), "product")
	require.NoError(t, err)
	_, err = p.Submit(ctx, rec("shop", "s2", "sku", "A", "v", 2), "product")
	require.NoError(t, err)
	_, err = p.Submit(ctx, rec("shop", "s1", "sku", "A", "v", 3), "product")
	require.NoError(t, err)
	require.NoError(t, p.Stop(ctx))

	docs := store.Documents("products")
	require.Len(t, docs, 2)
	v, _ := docs[0].Get("v")
	require.Equal(t, 3, v)
}

func TestMissingKeyFieldIsFatal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, _ := startMemoryPipeline(t, map[string]config.CollectionConfig{
		"product": {Name: "products", UniqueKey: []string{"sku"}},
	}, Options{})

	_, err := p.Submit(ctx, rec("url", "https://x"), "product")
	require.ErrorIs(t, err, record.ErrMissingKey)
	require.NoError(t, p.Stop(ctx))
}

func TestDuplicateBreakerTripsExactlyOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	core, logs := observer.New(zapcore.DebugLevel)
	stops := &stopRecorder{}
	obs := newFakeObserver()
	p, store := startMemoryPipeline(t, map[string]config.CollectionConfig{
		"page": {Name: "pages", StopOnDuplicate: 3},
	}, Options{Producer: stops, Observer: obs, Logger: zap.New(core)})

	for i := 0; i < 6; i++ {
		out, err := p.Submit(ctx, rec("_id", "same", "n", i), "page")
		require.NoError(t, err)
		require.NotNil(t, out)
		// Violations 1 and 2 must not trip; the third does.
		switch {
		case i < 3:
			require.Empty(t, stops.reasons, "after submit %d", i)
		default:
			require.Equal(t, []string{StopReason}, stops.reasons, "after submit %d", i)
		}
	}
	require.NoError(t, p.Stop(ctx))

	require.Len(t, store.Documents("pages"), 1)
	require.Equal(t, 5, obs.dupes["page"])
	require.Equal(t, 1, obs.stops)
	require.Len(t, logs.FilterLevelExact(zapcore.ErrorLevel).All(), 1)
}

func TestDuplicatesAbsorbedWithoutThreshold(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	core, logs := observer.New(zapcore.DebugLevel)
	stops := &stopRecorder{}
	p, store := startMemoryPipeline(t, nil, Options{Producer: stops, Logger: zap.New(core)})

	for i := 0; i < 50; i++ {
		_, err := p.Submit(ctx, rec("_id", 1), "")
		require.NoError(t, err)
	}
	require.NoError(t, p.Stop(ctx))

	require.Empty(t, stops.reasons)
	require.Len(t, store.Documents(config.DefaultCollectionName), 1)
	require.Len(t, logs.FilterMessage("duplicate key ignored").All(), 49)
	require.Empty(t, logs.FilterLevelExact(zapcore.ErrorLevel).All())
}

func TestBatchDuplicatesCountPerViolation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	stops := &stopRecorder{}
	p, store := startMemoryPipeline(t, map[string]config.CollectionConfig{
		"page": {Name: "pages", Buffer: 4, StopOnDuplicate: 2},
	}, Options{Producer: stops})

	for _, id := range []int{1, 1, 2, 1} {
		_, err := p.Submit(ctx, rec("_id", id), "page")
		require.NoError(t, err)
	}
	require.Equal(t, []string{StopReason}, stops.reasons)
	require.Len(t, store.Documents("pages"), 2)
	require.NoError(t, p.Stop(ctx))
}

func TestAppendTimestampStampsAtSubmit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	p, store := startMemoryPipeline(t, map[string]config.CollectionConfig{
		"page":    {Name: "pages", AppendTimestamp: true, Buffer: 2},
		"default": {AppendTimestamp: true},
	}, Options{Clock: clk, RunID: "run-1", TimestampField: "crawled"})

	in := rec("url", "https://a")
	out, err := p.Submit(ctx, in, "page")
	require.NoError(t, err)
	require.Len(t, in, 1, "submitted record must not be mutated")
	stamp, ok := out.Get("crawled")
	require.True(t, ok)
	require.Equal(t, record.Record{{Key: "ts", Value: start}, {Key: "run", Value: "run-1"}}, stamp)

	clk.Advance(time.Minute)
	_, err = p.Submit(ctx, rec("url", "https://b"), "page")
	require.NoError(t, err)
	_, err = p.Submit(ctx, rec("url", "https://c"), "")
	require.NoError(t, err)
	require.NoError(t, p.Stop(ctx))

	pages := store.Documents("pages")
	require.Len(t, pages, 2)
	first, _ := pages[0].Get("crawled")
	require.Equal(t, start, first.(record.Record)[0].Value)
	second, _ := pages[1].Get("crawled")
	require.Equal(t, start.Add(time.Minute), second.(record.Record)[0].Value)

	items := store.Documents(config.DefaultCollectionName)
	require.Len(t, items, 1)
	_, ok = items[0].Get("crawled")
	require.True(t, ok)
}

func TestStopFlushesEachTypeOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	defaultColl := &storage.MockCollection{CollectionName: "items"}
	collA := &storage.MockCollection{CollectionName: "a_docs"}
	collB := &storage.MockCollection{CollectionName: "b_docs"}
	batchOf := func(n int) any {
		return mock.MatchedBy(func(recs []record.Record) bool { return len(recs) == n })
	}
	collA.On("InsertMany", mock.Anything, batchOf(2)).Return(nil).Once()
	collB.On("InsertMany", mock.Anything, batchOf(1)).Return(nil).Once()

	store := &storage.MockStore{}
	store.On("Collection", mock.Anything, "items").Return(defaultColl, nil)
	store.On("Collection", mock.Anything, "a_docs").Return(collA, nil)
	store.On("Collection", mock.Anything, "b_docs").Return(collB, nil)
	store.On("Close", mock.Anything).Return(nil).Once()

	p, err := New(Options{
		Routes: config.Routes{
			config.DefaultType: {Name: "items"},
			"a":                {Name: "a_docs", Buffer: 10},
			"b":                {Name: "b_docs", Buffer: 10},
		},
		Dial: func(context.Context) (storage.Store, error) { return store, nil },
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(ctx))

	for _, r := range []struct {
		typ string
		n   int
	}{{"a", 1}, {"b", 1}, {"a", 2}} {
		_, err := p.Submit(ctx, rec("n", r.n), r.typ)
		require.NoError(t, err)
	}
	collA.AssertNotCalled(t, "InsertMany", mock.Anything, mock.Anything)

	require.NoError(t, p.Stop(ctx))
	collA.AssertNumberOfCalls(t, "InsertMany", 1)
	collB.AssertNumberOfCalls(t, "InsertMany", 1)
	defaultColl.AssertNotCalled(t, "InsertMany", mock.Anything, mock.Anything)
	collA.AssertCalled(t, "InsertMany", mock.Anything, []record.Record{rec("n", 1), rec("n", 2)})
	store.AssertExpectations(t)

	_, err = p.Submit(ctx, rec("n", 3), "a")
	require.ErrorIs(t, err, ErrClosed)
}

func TestStopJoinsFlushErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	defaultColl := &storage.MockCollection{CollectionName: "items"}
	collA := &storage.MockCollection{CollectionName: "a_docs"}
	collB := &storage.MockCollection{CollectionName: "b_docs"}
	collA.On("InsertMany", mock.Anything, mock.Anything).Return(errors.New("write concern timeout"))
	collB.On("InsertMany", mock.Anything, mock.Anything).Return(nil)

	store := &storage.MockStore{}
	store.On("Collection", mock.Anything, "items").Return(defaultColl, nil)
	store.On("Collection", mock.Anything, "a_docs").Return(collA, nil)
	store.On("Collection", mock.Anything, "b_docs").Return(collB, nil)
	store.On("Close", mock.Anything).Return(errors.New("close timeout"))

	p, err := New(Options{
		Routes: config.Routes{
			config.DefaultType: {Name: "items"},
			"a":                {Name: "a_docs", Buffer: 10},
			"b":                {Name: "b_docs", Buffer: 10},
		},
		Dial: func(context.Context) (storage.Store, error) { return store, nil },
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(ctx))
	_, err = p.Submit(ctx, rec("n", 1), "a")
	require.NoError(t, err)
	_, err = p.Submit(ctx, rec("n", 2), "b")
	require.NoError(t, err)

	err = p.Stop(ctx)
	require.ErrorContains(t, err, "write concern timeout")
	require.ErrorContains(t, err, "close timeout")
	collB.AssertNumberOfCalls(t, "InsertMany", 1)
}

func TestFailedFlushKeepsBatchForShutdown(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	coll := &storage.MockCollection{CollectionName: "items"}
	coll.On("InsertMany", mock.Anything, mock.Anything).Return(errors.New("primary stepped down")).Once()
	coll.On("InsertMany", mock.Anything, mock.Anything).Return(nil).Once()
	store := &storage.MockStore{}
	store.On("Collection", mock.Anything, "items").Return(coll, nil)
	store.On("Close", mock.Anything).Return(nil)

	obs := newFakeObserver()
	p, err := New(Options{
		Routes:   config.Routes{config.DefaultType: {Name: "items", Buffer: 2}},
		Dial:     func(context.Context) (storage.Store, error) { return store, nil },
		Observer: obs,
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(ctx))

	_, err = p.Submit(ctx, rec("n", 1), "")
	require.NoError(t, err)
	_, err = p.Submit(ctx, rec("n", 2), "")
	require.ErrorContains(t, err, "primary stepped down")
	require.Equal(t, 2, p.Pending(config.DefaultType))
	require.Equal(t, 2, obs.pending[config.DefaultType])

	require.NoError(t, p.Stop(ctx))
	require.Equal(t, 0, p.Pending(config.DefaultType))
	coll.AssertNumberOfCalls(t, "InsertMany", 2)
	calls := coll.Calls
	require.Equal(t, []record.Record{rec("n", 1), rec("n", 2)}, calls[len(calls)-1].Arguments.Get(1))
}

func TestInsertErrorsOtherThanDuplicatesAreFatal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	coll := &storage.MockCollection{CollectionName: "items"}
	coll.On("InsertOne", mock.Anything, mock.Anything).Return(errors.New("connection reset"))
	store := &storage.MockStore{}
	store.On("Collection", mock.Anything, "items").Return(coll, nil)
	store.On("Close", mock.Anything).Return(nil)

	stops := &stopRecorder{}
	p, err := New(Options{
		Routes:   config.Routes{config.DefaultType: {Name: "items", StopOnDuplicate: 1}},
		Dial:     func(context.Context) (storage.Store, error) { return store, nil },
		Producer: stops,
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(ctx))

	_, err = p.Submit(ctx, rec("a", 1), "")
	require.ErrorContains(t, err, "connection reset")
	_, isDup := storage.AsDuplicateKey(err)
	require.False(t, isDup)
	require.Empty(t, stops.reasons)
	require.NoError(t, p.Stop(ctx))
}
