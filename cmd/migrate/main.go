// Command migrate applies the numbered SQL files under migrations/<backend>
// and records each one in a schema_migrations table.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dvloznov/statement-ingest/internal/logger"
)

// runner applies migrations to one backend.
type runner interface {
	ensureTable(ctx context.Context) error
	applied(ctx context.Context) (map[int]AppliedMigration, error)
	apply(ctx context.Context, m Migration, appliedBy string) error
	Close() error
}

var (
	backend       = flag.String("backend", "bigquery", "Target backend: bigquery or postgres")
	projectID     = flag.String("project", "", "GCP project ID (bigquery)")
	datasetID     = flag.String("dataset", "statements", "BigQuery dataset ID")
	dsn           = flag.String("dsn", os.Getenv("INGEST_POSTGRES_DSN"), "Postgres connection string (postgres)")
	appliedBy     = flag.String("applied-by", "migrate-cli", "Name of the tool applying migrations")
	migrationsDir = flag.String("migrations", "", "Path to migrations directory (default migrations/<backend>)")
	dryRun        = flag.Bool("dry-run", false, "List pending migrations without applying them")
)

func main() {
	flag.Parse()

	log := logger.New()
	ctx := logger.WithContext(context.Background(), log)

	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Migration failed")
	}
}

func run(ctx context.Context) error {
	log := logger.FromContext(ctx)

	dir := *migrationsDir
	if dir == "" {
		dir = filepath.Join("migrations", *backend)
	}
	dir, err := resolveDir(dir)
	if err != nil {
		return err
	}

	var r runner
	switch *backend {
	case "bigquery":
		r, err = newBigQueryRunner(ctx, *projectID, *datasetID)
	case "postgres":
		r, err = newPostgresRunner(ctx, *dsn)
	default:
		return fmt.Errorf("unknown backend %q", *backend)
	}
	if err != nil {
		return err
	}
	defer r.Close()

	log.Info().Str("backend", *backend).Str("dir", dir).Msg("Connected")

	if err := r.ensureTable(ctx); err != nil {
		return fmt.Errorf("ensuring schema_migrations table: %w", err)
	}

	migrations, skipped, err := readMigrations(dir, map[string]string{
		"PROJECT_ID": *projectID,
		"DATASET_ID": *datasetID,
	})
	if err != nil {
		return fmt.Errorf("reading migrations: %w", err)
	}
	for _, name := range skipped {
		log.Warn().Str("file", name).Msg("Skipping file with invalid format")
	}

	applied, err := r.applied(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("files", len(migrations)).Int("applied", len(applied)).Msg("Loaded migrations")

	todo, drifted := pending(migrations, applied)
	for _, m := range drifted {
		log.Warn().Str("migration", m.Filename).Msg("Applied migration changed on disk")
	}

	for _, m := range todo {
		if *dryRun {
			log.Info().Str("migration", m.Filename).Msg("[PENDING]")
			continue
		}

		log.Info().Str("migration", m.Filename).Msg("[RUN]")
		if err := r.apply(ctx, m, *appliedBy); err != nil {
			return fmt.Errorf("migration %s: %w", m.Filename, err)
		}
		log.Info().Str("migration", m.Filename).Msg("[OK]")
	}

	if len(todo) == 0 {
		log.Info().Msg("No new migrations to apply. Database is up to date.")
	} else if !*dryRun {
		log.Info().Int("count", len(todo)).Msg("Successfully applied migrations")
	}
	return nil
}
