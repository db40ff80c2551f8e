package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// postgresRunner applies migrations to a PostgreSQL database. Each migration
// and its schema_migrations row commit together.
type postgresRunner struct {
	conn *pgx.Conn
}

func newPostgresRunner(ctx context.Context, dsn string) (*postgresRunner, error) {
	if dsn == "" {
		return nil, fmt.Errorf("-dsn is required for the postgres backend")
	}
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return &postgresRunner{conn: conn}, nil
}

func (r *postgresRunner) Close() error {
	return r.conn.Close(context.Background())
}

func (r *postgresRunner) ensureTable(ctx context.Context) error {
	_, err := r.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			checksum   TEXT,
			applied_by TEXT
		)
	`)
	return err
}

func (r *postgresRunner) applied(ctx context.Context) (map[int]AppliedMigration, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT version, name, applied_at, COALESCE(checksum, ''), COALESCE(applied_by, '')
		FROM schema_migrations
		ORDER BY version ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]AppliedMigration)
	for rows.Next() {
		var am AppliedMigration
		if err := rows.Scan(&am.Version, &am.Name, &am.AppliedAt, &am.Checksum, &am.AppliedBy); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		applied[am.Version] = am
	}
	return applied, rows.Err()
}

func (r *postgresRunner) apply(ctx context.Context, m Migration, appliedBy string) error {
	tx, err := r.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Without arguments pgx uses the simple protocol, which accepts a file
	// of several statements.
	if _, err := tx.Exec(ctx, m.SQL); err != nil {
		return fmt.Errorf("executing: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO schema_migrations (version, name, checksum, applied_by) VALUES ($1, $2, $3, $4)`,
		m.Version, m.Name, m.Checksum, appliedBy,
	); err != nil {
		return fmt.Errorf("recording: %w", err)
	}
	return tx.Commit(ctx)
}
