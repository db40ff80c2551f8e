// Package postgres implements store.Store on PostgreSQL with pgxpool and
// squirrel. Ledger replacement runs in one transaction and BeginProcessing
// is a conditional UPDATE ... RETURNING.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/statement-ingest/internal/logger"
	"github.com/dvloznov/statement-ingest/internal/store"
)

const (
	uploadsTable      = "uploads"
	accountsTable     = "accounts"
	entitiesTable     = "entities"
	settingsTable     = "user_settings"
	checksTable       = "quality_checks"
	failuresTable     = "extraction_failures"
	transactionsTable = "transactions"
	positionsTable    = "position_snapshots"
	balancesTable     = "balance_snapshots"
)

// psql builds statements with $n placeholders.
var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	pool *pgxpool.Pool
}

// New connects a pool to dsn and pings it.
func New(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("New: postgres DSN is required")
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("New: parsing DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("New: creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("New: pinging database: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("host", poolConfig.ConnConfig.Host).
		Str("database", poolConfig.ConnConfig.Database).
		Msg("Postgres connection established")

	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool. The Store takes ownership of it.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// querier is satisfied by the pool and by a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// exec builds and runs a statement, returning the affected row count.
func exec(ctx context.Context, q querier, b squirrel.Sqlizer) (int64, error) {
	sql, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("building query: %w", err)
	}
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// queryRow builds a statement and scans its single row with scan. No row
// maps to store.ErrNotFound.
func queryRow[T any](ctx context.Context, q querier, b squirrel.Sqlizer, scan func(scanner) (T, error)) (T, error) {
	var zero T
	sql, args, err := b.ToSql()
	if err != nil {
		return zero, fmt.Errorf("building query: %w", err)
	}
	v, err := scan(q.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return zero, store.ErrNotFound
	}
	return v, err
}

// queryRows builds a statement and scans every row with scan.
func queryRows[T any](ctx context.Context, q querier, b squirrel.Sqlizer, scan func(scanner) (T, error)) ([]T, error) {
	sql, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// AdminFailures implements store.Store.
func (s *Store) AdminFailures(grant store.AdminGrant) (store.AdminFailureRepository, error) {
	if err := store.CheckGrant(grant); err != nil {
		return nil, err
	}
	return &adminFailures{pool: s.pool}, nil
}

var _ store.Store = (*Store)(nil)

func nullText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func textOf(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func dateArg(d *civil.Date) *time.Time {
	if d == nil {
		return nil
	}
	t := d.In(time.UTC)
	return &t
}

func dateOf(t *time.Time) *civil.Date {
	if t == nil {
		return nil
	}
	d := civil.DateOf(*t)
	return &d
}

func decimalArg(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func decimalOf(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, fmt.Errorf("parsing amount %q: %w", *s, err)
	}
	return &d, nil
}
