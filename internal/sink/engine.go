package sink

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-ingest-sink/internal/clock"
	"github.com/JakeFAU/crawl-ingest-sink/internal/metrics"
	"github.com/JakeFAU/crawl-ingest-sink/internal/record"
	"github.com/JakeFAU/crawl-ingest-sink/internal/storage"
)

// engine performs the writes for a type: insert or upsert, single or batch,
// and applies the duplicate-key policy to the outcome.
type engine struct {
	producer       Producer
	observer       Observer
	clock          clock.Clock
	logger         *zap.Logger
	timestampField string
	runID          string
}

// insertOne persists a single record for st and returns it as stored.
func (e *engine) insertOne(ctx context.Context, st *typeState, rec record.Record) (record.Record, error) {
	rec = e.stamp(st, rec)
	if len(st.cfg.UniqueKey) > 0 {
		if err := e.upsert(ctx, st, rec); err != nil {
			return nil, err
		}
		e.observer.ObserveStored(st.recordType, metrics.OpUpsert, 1)
		return rec, nil
	}
	if err := st.coll.InsertOne(ctx, rec); err != nil {
		if handled := e.handleDuplicate(st, err); handled {
			return rec, nil
		}
		return nil, fmt.Errorf("insert into %s: %w", st.coll.Name(), err)
	}
	e.observer.ObserveStored(st.recordType, metrics.OpInsert, 1)
	return rec, nil
}

// insertBatch persists an already-stamped batch. Upserts run one record at a
// time in batch order; plain inserts go out as one unordered write.
func (e *engine) insertBatch(ctx context.Context, st *typeState, recs []record.Record) ([]record.Record, error) {
	if len(recs) == 0 {
		return nil, errors.New("sink: empty batch")
	}
	if len(st.cfg.UniqueKey) > 0 {
		for _, rec := range recs {
			if err := e.upsert(ctx, st, rec); err != nil {
				return nil, err
			}
		}
		e.observer.ObserveStored(st.recordType, metrics.OpUpsert, len(recs))
		return recs, nil
	}
	err := st.coll.InsertMany(ctx, recs)
	if err != nil && !e.handleDuplicate(st, err) {
		return nil, fmt.Errorf("insert batch into %s: %w", st.coll.Name(), err)
	}
	stored := len(recs)
	if dup, ok := storage.AsDuplicateKey(err); ok {
		stored -= dup.Count
	}
	e.observer.ObserveStored(st.recordType, metrics.OpInsert, stored)
	return recs, nil
}

func (e *engine) upsert(ctx context.Context, st *typeState, rec record.Record) error {
	filter, err := rec.KeyFilter(st.cfg.UniqueKey)
	if err != nil {
		return fmt.Errorf("upsert into %s: %w", st.coll.Name(), err)
	}
	if err := st.coll.Upsert(ctx, filter, rec); err != nil {
		return fmt.Errorf("upsert into %s: %w", st.coll.Name(), err)
	}
	return nil
}

// stamp attaches the ingestion sub-document when the type asks for one.
func (e *engine) stamp(st *typeState, rec record.Record) record.Record {
	if !st.cfg.AppendTimestamp {
		return rec
	}
	out := rec.Clone()
	out.Set(e.timestampField, record.Record{
		{Key: "ts", Value: e.clock.Now()},
		{Key: "run", Value: e.runID},
	})
	return out
}

// handleDuplicate reports whether err was a duplicate-key rejection and, if
// so, applies the type's stop_on_duplicate policy.
func (e *engine) handleDuplicate(st *typeState, err error) bool {
	dup, ok := storage.AsDuplicateKey(err)
	if !ok {
		return false
	}
	e.observer.ObserveDuplicates(st.recordType, dup.Count)

	threshold := st.cfg.StopOnDuplicate
	if threshold == 0 {
		e.logger.Debug("duplicate key ignored",
			zap.String("type", st.recordType),
			zap.String("collection", st.coll.Name()),
			zap.Int("count", dup.Count),
		)
		return true
	}

	st.duplicates += dup.Count
	if st.stopRequested || st.duplicates < threshold {
		e.logger.Debug("duplicate key counted",
			zap.String("type", st.recordType),
			zap.Int("duplicates", st.duplicates),
			zap.Int("threshold", threshold),
		)
		return true
	}

	st.stopRequested = true
	e.logger.Error("duplicate key threshold reached, requesting producer stop",
		zap.String("type", st.recordType),
		zap.String("collection", st.coll.Name()),
		zap.Int("duplicates", st.duplicates),
		zap.Int("threshold", threshold),
	)
	e.observer.ObserveStopRequest(st.recordType)
	e.producer.RequestStop(StopReason)
	return true
}
