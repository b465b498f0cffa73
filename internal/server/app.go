// Package server assembles the ingestion sink: storage backend, pipeline,
// producer and the ops HTTP listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-ingest-sink/internal/api"
	"github.com/JakeFAU/crawl-ingest-sink/internal/clock"
	"github.com/JakeFAU/crawl-ingest-sink/internal/config"
	"github.com/JakeFAU/crawl-ingest-sink/internal/metrics"
	"github.com/JakeFAU/crawl-ingest-sink/internal/producer"
	"github.com/JakeFAU/crawl-ingest-sink/internal/publisher"
	memorypublisher "github.com/JakeFAU/crawl-ingest-sink/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/crawl-ingest-sink/internal/publisher/pubsub"
	"github.com/JakeFAU/crawl-ingest-sink/internal/sink"
	"github.com/JakeFAU/crawl-ingest-sink/internal/storage"
	"github.com/JakeFAU/crawl-ingest-sink/internal/storage/memory"
	mongostore "github.com/JakeFAU/crawl-ingest-sink/internal/storage/mongo"
	pgstore "github.com/JakeFAU/crawl-ingest-sink/internal/storage/postgres"
)

const (
	shutdownTimeout = 30 * time.Second
	// memoryTopic labels summaries kept in process when no topic is configured.
	memoryTopic = "run-summary"
)

var errNotReady = errors.New("pipeline not connected")

// App contains the application's dependencies for one run.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	runID    string
	registry *prometheus.Registry
	pipeline *sink.Pipeline
	producer *producer.NDJSON
	api      *api.Server
	clock    clock.Clock
	ready    atomic.Bool

	publisher       publisher.Publisher
	topic           string
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher

	// memStore backs storage.backend=memory and stays readable after Run.
	memStore *memory.DocumentStore
	// memPublisher holds the run summary when Pub/Sub is not configured.
	memPublisher *memorypublisher.Publisher
}

// Build creates the application's dependencies. The config must already be
// validated; routes are resolved here so a bad entry fails before any dial.
func Build(ctx context.Context, cfg config.Config, input io.Reader, runID string, logger *zap.Logger) (*App, error) {
	routes, err := cfg.Routes()
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder, err := metrics.NewRecorder(registry)
	if err != nil {
		return nil, fmt.Errorf("metrics init failed: %w", err)
	}

	app := &App{
		cfg:      cfg,
		logger:   logger,
		runID:    runID,
		registry: registry,
		producer: producer.NewNDJSON(input, logger.Named("producer")),
		clock:    clock.New(),
	}

	app.pipeline, err = sink.New(sink.Options{
		Routes:         routes,
		Dial:           app.dialer(),
		Producer:       app.producer,
		Observer:       recorder,
		Clock:          app.clock,
		Logger:         logger.Named("sink"),
		TimestampField: cfg.Sink.TimestampField,
		RunID:          runID,
	})
	if err != nil {
		return nil, fmt.Errorf("sink init failed: %w", err)
	}

	app.api = api.NewServer(app.readiness, registry, recorder, logger.Named("api"))

	if err := app.setupPublisher(ctx); err != nil {
		return nil, err
	}
	return app, nil
}

// setupPublisher selects where the run summary goes.
func (a *App) setupPublisher(ctx context.Context) error {
	if !a.cfg.PubSub.Enabled() {
		a.logger.Info("no Pub/Sub topic configured, keeping run summary in memory")
		a.memPublisher = memorypublisher.New()
		a.publisher = a.memPublisher
		a.topic = memoryTopic
		return nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubPublisher = a.pubsubClient.Publisher(a.cfg.PubSub.TopicName)
	a.publisher = gcppublisher.New(a.pubsubPublisher)
	a.topic = a.cfg.PubSub.TopicName
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

// publishSummary announces the run outcome. A failed publish is logged and
// does not change the run result.
func (a *App) publishSummary(ctx context.Context, summary publisher.RunSummary) {
	id, err := a.publisher.Publish(ctx, a.topic, summary)
	if err != nil {
		a.logger.Error("run summary publish failed", zap.String("topic", a.topic), zap.Error(err))
		return
	}
	a.logger.Info("run summary published", zap.String("topic", a.topic), zap.String("message_id", id))
}

func (a *App) closePublisher() {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
}

// Handler exposes the ops router.
func (a *App) Handler() http.Handler {
	return a.api.Handler()
}

func (a *App) readiness() error {
	if !a.ready.Load() {
		return errNotReady
	}
	return nil
}

// dialer selects the configured storage backend.
func (a *App) dialer() sink.Dialer {
	switch a.cfg.Storage.Backend {
	case config.BackendPostgres:
		pg := pgstore.Config{
			DSN:             a.cfg.Postgres.DSN,
			MaxConns:        a.cfg.Postgres.MaxConns,
			MinConns:        a.cfg.Postgres.MinConns,
			MaxConnLifetime: a.cfg.Postgres.MaxConnLifetime,
		}
		return func(ctx context.Context) (storage.Store, error) {
			a.logger.Info("using postgres document store")
			store, err := pgstore.New(ctx, pg)
			if err != nil {
				return nil, err //nolint:wrapcheck
			}
			return store, nil
		}
	case config.BackendMemory:
		a.memStore = memory.NewDocumentStore()
		return func(context.Context) (storage.Store, error) {
			a.logger.Info("using in-memory document store")
			return a.memStore, nil
		}
	default:
		conn, notices := a.cfg.MongoDB.Connection()
		return func(ctx context.Context) (storage.Store, error) {
			for _, notice := range notices {
				a.logger.Warn(notice)
			}
			a.logger.Info("using mongodb document store",
				zap.String("database", conn.Database),
				zap.String("replica_set", conn.ReplicaSet),
				zap.Bool("fsync", conn.FSync),
				zap.Int("write_concern", conn.WriteConcern),
			)
			store, err := mongostore.New(ctx, mongostore.Config{
				URI:            conn.URI,
				Database:       conn.Database,
				ReplicaSet:     conn.ReplicaSet,
				FSync:          conn.FSync,
				WriteConcern:   conn.WriteConcern,
				ConnectTimeout: conn.ConnectTimeout,
			}, a.logger.Named("mongo"))
			if err != nil {
				return nil, err //nolint:wrapcheck
			}
			return store, nil
		}
	}
}

// Run starts the pipeline, drains the producer and flushes on the way out.
// SIGINT and SIGTERM stop the producer; buffered records are still flushed.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.logger.Info("ingest sink starting", zap.String("run_id", a.runID))

	var srv *http.Server
	if a.cfg.Server.Port > 0 {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
			}
		}()
	}

	runErr := a.run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	return runErr
}

func (a *App) run(ctx context.Context) error {
	if err := a.pipeline.Start(ctx); err != nil {
		a.closePublisher()
		return fmt.Errorf("start pipeline: %w", err)
	}
	a.ready.Store(true)

	stats, runErr := a.producer.Run(ctx, a.pipeline.Submit)
	if errors.Is(runErr, context.Canceled) {
		a.logger.Info("shutdown signal received")
		runErr = nil
	}
	a.ready.Store(false)

	fields := []zap.Field{
		zap.Int("lines", stats.Lines),
		zap.Int("submitted", stats.Submitted),
		zap.Int("skipped", stats.Skipped),
	}
	reason, stopped := a.producer.StopReason()
	if stopped {
		fields = append(fields, zap.String("stop_reason", reason))
	}
	a.logger.Info("producer finished", fields...)

	// The flush must outlive a canceled run context.
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := a.pipeline.Stop(stopCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("stop pipeline: %w", err))
	}

	summary := publisher.RunSummary{
		RunID:      a.runID,
		Lines:      stats.Lines,
		Submitted:  stats.Submitted,
		Skipped:    stats.Skipped,
		Stopped:    stopped,
		StopReason: reason,
		FinishedAt: a.clock.Now().UTC(),
	}
	if runErr != nil {
		summary.Error = runErr.Error()
	}
	a.publishSummary(stopCtx, summary)
	a.closePublisher()

	if runErr == nil {
		a.logger.Info("shutdown complete")
	}
	return runErr
}
