// Package bigquery implements store.Store on BigQuery. Single-row state
// changes are conditional DML statements whose affected-row count decides
// the outcome; ledger replacement runs as one multi-statement transaction.
package bigquery

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/statement-ingest/internal/store"
)

const (
	uploadsTable       = "uploads"
	accountsTable      = "accounts"
	entitiesTable      = "entities"
	settingsTable      = "user_settings"
	checksTable        = "quality_checks"
	failuresTable      = "extraction_failures"
	transactionsTable  = "transactions"
	positionsTable     = "position_snapshots"
	balancesTable      = "balance_snapshots"
	defaultDatasetID   = "statements"
	maxRowsPerListCall = 1000
)

// Store is a BigQuery-backed store.Store. It holds one shared client.
type Store struct {
	client    *bigquery.Client
	projectID string
	datasetID string
}

// New creates a Store with its own BigQuery client.
func New(ctx context.Context, projectID, datasetID string) (*Store, error) {
	if projectID == "" {
		return nil, fmt.Errorf("New: project ID is required")
	}
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("New: creating client: %w", err)
	}
	return NewWithClient(client, datasetID), nil
}

// NewWithClient wraps an existing client. The Store takes ownership of it.
func NewWithClient(client *bigquery.Client, datasetID string) *Store {
	if datasetID == "" {
		datasetID = defaultDatasetID
	}
	return &Store{client: client, projectID: client.Project(), datasetID: datasetID}
}

// Close closes the BigQuery client connection.
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// table returns the backtick-quoted, fully qualified table name.
func (s *Store) table(name string) string {
	return "`" + s.projectID + "." + s.datasetID + "." + name + "`"
}

// exec runs a DML statement or script and returns the number of rows it
// changed.
func (s *Store) exec(ctx context.Context, sql string, params []bigquery.QueryParameter) (int64, error) {
	q := s.client.Query(sql)
	q.Parameters = params

	job, err := q.Run(ctx)
	if err != nil {
		return 0, fmt.Errorf("running query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return 0, fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return 0, fmt.Errorf("job error: %w", err)
	}

	if status.Statistics == nil {
		return 0, nil
	}
	if qs, ok := status.Statistics.Details.(*bigquery.QueryStatistics); ok {
		return qs.NumDMLAffectedRows, nil
	}
	return 0, nil
}

// readRows runs a query and loads every result row into a T.
func readRows[T any](ctx context.Context, client *bigquery.Client, sql string, params []bigquery.QueryParameter) ([]T, error) {
	q := client.Query(sql)
	q.Parameters = params

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading query: %w", err)
	}

	var rows []T
	for {
		var row T
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterating: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// readOne returns the first row or store.ErrNotFound.
func readOne[T any](ctx context.Context, client *bigquery.Client, sql string, params []bigquery.QueryParameter) (*T, error) {
	rows, err := readRows[T](ctx, client, sql, params)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	return &rows[0], nil
}

// named turns column values into query parameters named after the columns.
func named(values map[string]interface{}) []bigquery.QueryParameter {
	params := make([]bigquery.QueryParameter, 0, len(values))
	for name, v := range values {
		params = append(params, bigquery.QueryParameter{Name: name, Value: v})
	}
	return params
}

func insertSQL(table string, columns []string) string {
	placeholders := make([]string, len(columns))
	for i, c := range columns {
		placeholders[i] = "@" + c
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), strings.Join(placeholders, ", "))
}

func setClause(columns []string) string {
	sets := make([]string, len(columns))
	for i, c := range columns {
		sets[i] = c + " = @" + c
	}
	return strings.Join(sets, ", ")
}

// AdminFailures implements store.Store.
func (s *Store) AdminFailures(grant store.AdminGrant) (store.AdminFailureRepository, error) {
	if err := store.CheckGrant(grant); err != nil {
		return nil, err
	}
	return &adminFailures{s: s}, nil
}

var _ store.Store = (*Store)(nil)
