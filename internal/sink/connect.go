package sink

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-ingest-sink/internal/config"
	"github.com/JakeFAU/crawl-ingest-sink/internal/storage"
)

// connect opens the store and prepares one collection handle per type.
// Unique indexes are created before any record is written.
func connect(ctx context.Context, dial Dialer, routes config.Routes, logger *zap.Logger) (storage.Store, map[string]*typeState, error) {
	store, err := dial(ctx)
	if err != nil {
		return nil, nil, &ConnectivityError{Op: "connect", Err: err}
	}

	states := make(map[string]*typeState, len(routes))
	for _, recordType := range routes.Types() {
		cfg := routes[recordType]
		coll, err := store.Collection(ctx, cfg.Name)
		if err != nil {
			_ = store.Close(ctx)
			return nil, nil, &ConnectivityError{Op: "resolve collection " + cfg.Name, RecordType: recordType, Err: err}
		}
		if len(cfg.UniqueKey) > 0 {
			if err := coll.EnsureUniqueIndex(ctx, cfg.UniqueKey); err != nil {
				_ = store.Close(ctx)
				return nil, nil, &ConnectivityError{Op: "ensure unique index on " + cfg.Name, RecordType: recordType, Err: err}
			}
		}
		states[recordType] = newTypeState(recordType, cfg, coll)

		logger.Info("collection ready",
			zap.String("type", recordType),
			zap.String("collection", cfg.Name),
			zap.String("unique_key", strings.Join(cfg.UniqueKey, ",")),
			zap.Int("buffer", cfg.Buffer),
			zap.Bool("append_timestamp", cfg.AppendTimestamp),
			zap.Int("stop_on_duplicate", cfg.StopOnDuplicate),
		)
	}
	return store, states, nil
}
