// Package app builds the ingestion service from configuration for the
// binaries under cmd/.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dvloznov/statement-ingest/internal/config"
	"github.com/dvloznov/statement-ingest/internal/gcs"
	"github.com/dvloznov/statement-ingest/internal/gcsuploader"
	infraBQ "github.com/dvloznov/statement-ingest/internal/infra/bigquery"
	"github.com/dvloznov/statement-ingest/internal/infra/postgres"
	"github.com/dvloznov/statement-ingest/internal/jobs"
	jobsmem "github.com/dvloznov/statement-ingest/internal/jobs/inmemory"
	"github.com/dvloznov/statement-ingest/internal/logger"
	"github.com/dvloznov/statement-ingest/internal/notionsync"
	"github.com/dvloznov/statement-ingest/internal/oracle"
	"github.com/dvloznov/statement-ingest/internal/pipeline"
	"github.com/dvloznov/statement-ingest/internal/store"
	storemem "github.com/dvloznov/statement-ingest/internal/store/inmemory"
)

const (
	queueBuffer   = 100
	memoryBucket  = "memory"
	notifyWorkers = 2
)

// App holds the wired components. Reviews is nil when Notion is not
// configured.
type App struct {
	Config  *config.Config
	Store   store.Store
	Files   gcs.FileStore
	Oracle  *oracle.Dispatcher
	Jobs    *jobsmem.Store
	Queue   *jobsmem.Queue
	Reviews *notionsync.ReviewQueue
	Service *pipeline.Service

	closers []func() error
}

// New wires every component named by cfg. On error, anything already
// opened is closed.
func New(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	log := logger.FromContext(ctx)
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			_ = a.closeAll(log)
		}
	}()

	a.Store, err = OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Store.Close)

	if cfg.Storage.Bucket == "" {
		log.Warn().Msg("No storage bucket configured - upload bytes are kept in memory")
		a.Files = gcs.NewMemoryStore(memoryBucket)
	} else {
		files, err := gcsuploader.NewGCSFileStore(ctx, cfg.Storage.Bucket)
		if err != nil {
			return nil, fmt.Errorf("New: %w", err)
		}
		a.closers = append(a.closers, files.Close)
		a.Files = files
	}

	a.Oracle, err = oracle.NewFromConfig(ctx, cfg.Oracle)
	if err != nil {
		return nil, fmt.Errorf("New: %w", err)
	}

	a.Jobs = jobsmem.NewStore()
	a.Queue = jobsmem.NewQueue(queueBuffer, a.Jobs, jobsmem.WithWorkers(notifyWorkers))

	if cfg.Notion.Token != "" {
		a.Reviews = notionsync.NewReviewQueue(notionsync.NewNotionClient(cfg.Notion.Token), cfg.Notion.ReviewDatabaseID)
		log.Info().Str("database_id", cfg.Notion.ReviewDatabaseID).Msg("Notion review queue enabled")
	}

	opts, err := pipeline.OptionsFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("New: %w", err)
	}
	a.Service = pipeline.New(a.Store, a.Files, a.Oracle, a.Queue, opts)
	return a, nil
}

// OpenStore connects the metadata store selected by cfg.Store.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store {
	case config.StoreMemory:
		log := logger.FromContext(ctx)
		log.Warn().Msg("Using the in-memory store - data is lost on exit")
		return storemem.NewStore(), nil
	case config.StoreBigQuery:
		st, err := infraBQ.New(ctx, cfg.BigQuery.ProjectID, cfg.BigQuery.Dataset)
		if err != nil {
			return nil, fmt.Errorf("OpenStore: %w", err)
		}
		return st, nil
	case config.StorePostgres:
		st, err := postgres.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("OpenStore: %w", err)
		}
		return st, nil
	}
	return nil, fmt.Errorf("OpenStore: unknown store %q", cfg.Store)
}

// Notifiers returns the delivery targets for notification jobs.
func (a *App) Notifiers() []jobs.Notifier {
	notifiers := []jobs.Notifier{jobs.LogNotifier{}}
	if a.Reviews != nil {
		notifiers = append(notifiers, a.Reviews)
	}
	return notifiers
}

// Start launches the notification workers.
func (a *App) Start(ctx context.Context) error {
	if err := a.Queue.Start(ctx, jobs.NewNotifyHandler(a.Notifiers()...)); err != nil {
		return fmt.Errorf("Start: %w", err)
	}
	return nil
}

// Shutdown drains the notification queue and releases every client.
func (a *App) Shutdown(ctx context.Context) error {
	log := logger.FromContext(ctx)

	var errs []error
	if err := a.Queue.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping job queue: %w", err))
	}
	if err := a.closeAll(log); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeAll(log zerolog.Logger) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Error().Err(err).Msg("Failed to close client")
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
