package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// bigqueryRunner applies migrations to one BigQuery dataset.
type bigqueryRunner struct {
	client    *bigquery.Client
	projectID string
	datasetID string
}

func newBigQueryRunner(ctx context.Context, projectID, datasetID string) (*bigqueryRunner, error) {
	if projectID == "" {
		return nil, fmt.Errorf("-project is required for the bigquery backend")
	}
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating BigQuery client: %w", err)
	}
	return &bigqueryRunner{client: client, projectID: projectID, datasetID: datasetID}, nil
}

func (r *bigqueryRunner) Close() error {
	return r.client.Close()
}

func (r *bigqueryRunner) table() string {
	return fmt.Sprintf("`%s.%s.schema_migrations`", r.projectID, r.datasetID)
}

func (r *bigqueryRunner) run(ctx context.Context, sql string, params []bigquery.QueryParameter) error {
	query := r.client.Query(sql)
	query.Parameters = params

	job, err := query.Run(ctx)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w", err)
	}
	return nil
}

// ensureTable creates the schema_migrations table if it doesn't exist.
func (r *bigqueryRunner) ensureTable(ctx context.Context) error {
	return r.run(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version    INT64 NOT NULL,
			name       STRING NOT NULL,
			applied_at TIMESTAMP NOT NULL,
			checksum   STRING,
			applied_by STRING
		)
	`, r.table()), nil)
}

func (r *bigqueryRunner) applied(ctx context.Context) (map[int]AppliedMigration, error) {
	it, err := r.client.Query(fmt.Sprintf(`
		SELECT version, name, applied_at, checksum, applied_by
		FROM %s
		ORDER BY version ASC
	`, r.table())).Read(ctx)
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
			return map[int]AppliedMigration{}, nil
		}
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}

	applied := make(map[int]AppliedMigration)
	for {
		var row struct {
			Version   int64               `bigquery:"version"`
			Name      string              `bigquery:"name"`
			AppliedAt time.Time           `bigquery:"applied_at"`
			Checksum  bigquery.NullString `bigquery:"checksum"`
			AppliedBy bigquery.NullString `bigquery:"applied_by"`
		}
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterating results: %w", err)
		}
		applied[int(row.Version)] = AppliedMigration{
			Version:   int(row.Version),
			Name:      row.Name,
			AppliedAt: row.AppliedAt,
			Checksum:  row.Checksum.StringVal,
			AppliedBy: row.AppliedBy.StringVal,
		}
	}
	return applied, nil
}

// apply runs the migration and then records it. The two steps are not
// atomic, so BigQuery migrations must be safe to re-run.
func (r *bigqueryRunner) apply(ctx context.Context, m Migration, appliedBy string) error {
	if err := r.run(ctx, m.SQL, nil); err != nil {
		return fmt.Errorf("executing: %w", err)
	}

	err := r.run(ctx, fmt.Sprintf(`
		INSERT INTO %s (version, name, applied_at, checksum, applied_by)
		VALUES (@version, @name, CURRENT_TIMESTAMP(), @checksum, @applied_by)
	`, r.table()), []bigquery.QueryParameter{
		{Name: "version", Value: m.Version},
		{Name: "name", Value: m.Name},
		{Name: "checksum", Value: m.Checksum},
		{Name: "applied_by", Value: appliedBy},
	})
	if err != nil {
		return fmt.Errorf("recording: %w", err)
	}
	return nil
}
