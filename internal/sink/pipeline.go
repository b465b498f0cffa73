package sink

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-ingest-sink/internal/clock"
	"github.com/JakeFAU/crawl-ingest-sink/internal/config"
	"github.com/JakeFAU/crawl-ingest-sink/internal/logging"
	"github.com/JakeFAU/crawl-ingest-sink/internal/record"
	"github.com/JakeFAU/crawl-ingest-sink/internal/storage"
)

// Options wires a Pipeline. Routes and Dial are required.
type Options struct {
	Routes         config.Routes
	Dial           Dialer
	Producer       Producer
	Observer       Observer
	Clock          clock.Clock
	Logger         *zap.Logger
	TimestampField string
	RunID          string
}

type lifecycle int

const (
	stateNew lifecycle = iota
	stateRunning
	stateStopped
)

// Pipeline owns the per-type state map for one run. It is driven by a single
// goroutine and is not safe for concurrent use.
type Pipeline struct {
	router *Router
	dial   Dialer
	engine *engine
	logger *zap.Logger
	routes config.Routes

	store  storage.Store
	states map[string]*typeState
	phase  lifecycle
}

// New validates the routing table and builds a Pipeline. No connection is
// attempted until Start.
func New(opts Options) (*Pipeline, error) {
	if err := config.ValidateRoutes(opts.Routes); err != nil {
		return nil, err //nolint:wrapcheck
	}
	router, err := NewRouter(opts.Routes)
	if err != nil {
		return nil, err
	}
	if opts.Dial == nil {
		return nil, errors.New("sink: dialer is required")
	}
	if opts.Producer == nil {
		opts.Producer = nopProducer{}
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.TimestampField == "" {
		opts.TimestampField = config.DefaultTimestampField
	}
	logger := logging.OrNop(opts.Logger)

	return &Pipeline{
		router: router,
		dial:   opts.Dial,
		routes: opts.Routes,
		logger: logger,
		engine: &engine{
			producer:       opts.Producer,
			observer:       opts.Observer,
			clock:          opts.Clock,
			logger:         logger,
			timestampField: opts.TimestampField,
			runID:          opts.RunID,
		},
	}, nil
}

// Start connects to the store and prepares every configured collection.
func (p *Pipeline) Start(ctx context.Context) error {
	switch p.phase {
	case stateRunning:
		return ErrAlreadyStarted
	case stateStopped:
		return ErrClosed
	}
	store, states, err := connect(ctx, p.dial, p.routes, p.logger)
	if err != nil {
		p.logger.Error("sink startup failed", zap.Error(err))
		return err
	}
	p.store = store
	p.states = states
	p.phase = stateRunning
	return nil
}

// Submit routes rec by declaredType and either buffers it or persists it.
// The returned record is the one handed to the store, including any
// ingestion stamp. A buffered record is returned before it is persisted.
func (p *Pipeline) Submit(ctx context.Context, rec record.Record, declaredType string) (record.Record, error) {
	switch p.phase {
	case stateNew:
		return nil, ErrNotStarted
	case stateStopped:
		return nil, ErrClosed
	}

	recordType, _ := p.router.Route(declaredType)
	st := p.states[recordType]

	if !st.buffered() {
		out, err := p.engine.insertOne(ctx, st, rec)
		if err != nil {
			p.logger.Error("persist record failed", zap.String("type", recordType), zap.Error(err))
			return nil, err
		}
		p.logger.Debug("record persisted", zap.String("type", recordType), zap.String("collection", st.cfg.Name))
		return out, nil
	}

	out := p.engine.stamp(st, rec)
	full := st.append(out)
	p.engine.observer.SetPending(recordType, len(st.pending))
	if !full {
		return out, nil
	}
	if err := p.flush(ctx, st, TriggerThreshold); err != nil {
		return nil, err
	}
	return out, nil
}

// Pending returns the number of buffered records for recordType.
func (p *Pipeline) Pending(recordType string) int {
	st, ok := p.states[config.TypeKey(recordType)]
	if !ok {
		return 0
	}
	return len(st.pending)
}

// Stop flushes every non-empty buffer, in sorted type order, and closes the
// store. Flush failures do not prevent the remaining types from flushing;
// all errors are joined. No records are accepted afterwards.
func (p *Pipeline) Stop(ctx context.Context) error {
	switch p.phase {
	case stateNew:
		p.phase = stateStopped
		return nil
	case stateStopped:
		return ErrClosed
	}
	p.phase = stateStopped

	types := make([]string, 0, len(p.states))
	for t := range p.states {
		types = append(types, t)
	}
	sort.Strings(types)

	var errs []error
	for _, t := range types {
		st := p.states[t]
		if len(st.pending) == 0 {
			continue
		}
		if err := p.flush(ctx, st, TriggerShutdown); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.store.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		p.logger.Error("sink shutdown finished with errors", zap.Error(err))
		return err
	}
	p.logger.Info("sink stopped")
	return nil
}

func (p *Pipeline) flush(ctx context.Context, st *typeState, trigger string) error {
	batch := st.take()
	p.engine.observer.SetPending(st.recordType, 0)
	p.engine.observer.ObserveFlush(st.recordType, trigger, len(batch))
	if _, err := p.engine.insertBatch(ctx, st, batch); err != nil {
		st.restore(batch)
		p.engine.observer.SetPending(st.recordType, len(st.pending))
		p.logger.Error("flush failed, batch kept pending",
			zap.String("type", st.recordType),
			zap.String("trigger", trigger),
			zap.Int("records", len(batch)),
			zap.Error(err),
		)
		return err
	}
	p.logger.Debug("buffer flushed",
		zap.String("type", st.recordType),
		zap.String("trigger", trigger),
		zap.Int("records", len(batch)),
	)
	return nil
}
