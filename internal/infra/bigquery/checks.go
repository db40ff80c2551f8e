package bigquery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"

	"github.com/dvloznov/statement-ingest/internal/domain"
	"github.com/dvloznov/statement-ingest/internal/store"
)

const failureSelect = `
	SELECT id, user_id, upload_id, filename, file_type, storage_path, attempt_number,
	       error_message, oracle_mode, size_bytes, created_at, resolved_at, resolution_notes
	FROM %s`

func (s *Store) selectChecks() string {
	return fmt.Sprintf("SELECT %s FROM %s", strings.Join(checkColumns, ", "), s.table(checksTable))
}

// InsertQualityCheck appends a quality check row.
func (s *Store) InsertQualityCheck(ctx context.Context, qc *domain.QualityCheck) error {
	row, err := newCheckRow(qc)
	if err != nil {
		return fmt.Errorf("InsertQualityCheck: %w", err)
	}
	if _, err := s.exec(ctx, insertSQL(s.table(checksTable), checkColumns), named(row.values())); err != nil {
		return fmt.Errorf("InsertQualityCheck: inserting row: %w", err)
	}
	return nil
}

// UpdateQualityCheck overwrites the mutable columns of a quality check.
func (s *Store) UpdateQualityCheck(ctx context.Context, qc *domain.QualityCheck) error {
	row, err := newCheckRow(qc)
	if err != nil {
		return fmt.Errorf("UpdateQualityCheck: %w", err)
	}

	values := row.values()
	params := []bigquery.QueryParameter{
		{Name: "id", Value: row.ID},
		{Name: "user_id", Value: row.UserID},
	}
	for _, c := range checkMutableColumns {
		params = append(params, bigquery.QueryParameter{Name: c, Value: values[c]})
	}

	sql := fmt.Sprintf(`
		UPDATE %s
		SET %s
		WHERE user_id = @user_id AND id = @id
	`, s.table(checksTable), setClause(checkMutableColumns))

	n, err := s.exec(ctx, sql, params)
	if err != nil {
		return fmt.Errorf("UpdateQualityCheck: updating row: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetQualityCheck returns one of the user's quality checks.
func (s *Store) GetQualityCheck(ctx context.Context, userID, checkID string) (*domain.QualityCheck, error) {
	sql := s.selectChecks() + `
		WHERE user_id = @user_id AND id = @id
		LIMIT 1`

	row, err := readOne[checkRow](ctx, s.client, sql, []bigquery.QueryParameter{
		{Name: "user_id", Value: userID},
		{Name: "id", Value: checkID},
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("GetQualityCheck: %w", err)
	}
	return row.toDomain()
}

// LatestQualityCheck returns the newest check for an upload.
func (s *Store) LatestQualityCheck(ctx context.Context, userID, uploadID string) (*domain.QualityCheck, error) {
	sql := s.selectChecks() + `
		WHERE user_id = @user_id AND upload_id = @upload_id
		ORDER BY created_at DESC
		LIMIT 1`

	row, err := readOne[checkRow](ctx, s.client, sql, []bigquery.QueryParameter{
		{Name: "user_id", Value: userID},
		{Name: "upload_id", Value: uploadID},
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("LatestQualityCheck: %w", err)
	}
	return row.toDomain()
}

// InsertFailure records a repeated extraction failure.
func (s *Store) InsertFailure(ctx context.Context, f *domain.ExtractionFailure) error {
	sql := fmt.Sprintf(`
		INSERT INTO %s (
			id, user_id, upload_id, filename, file_type, storage_path, attempt_number,
			error_message, oracle_mode, size_bytes, created_at
		)
		VALUES (
			@id, @user_id, @upload_id, @filename, @file_type, @storage_path, @attempt_number,
			@error_message, @oracle_mode, @size_bytes, @created_at
		)
	`, s.table(failuresTable))

	if _, err := s.exec(ctx, sql, []bigquery.QueryParameter{
		{Name: "id", Value: f.ID},
		{Name: "user_id", Value: f.UserID},
		{Name: "upload_id", Value: f.UploadID},
		{Name: "filename", Value: nullString(f.Filename)},
		{Name: "file_type", Value: nullString(f.FileType)},
		{Name: "storage_path", Value: nullString(f.StoragePath)},
		{Name: "attempt_number", Value: int64(f.AttemptNumber)},
		{Name: "error_message", Value: nullString(f.ErrorMessage)},
		{Name: "oracle_mode", Value: nullString(f.OracleMode)},
		{Name: "size_bytes", Value: f.SizeBytes},
		{Name: "created_at", Value: f.CreatedAt},
	}); err != nil {
		return fmt.Errorf("InsertFailure: inserting row: %w", err)
	}
	return nil
}

// ListFailures returns the user's failures, for one upload when uploadID is
// set.
func (s *Store) ListFailures(ctx context.Context, userID, uploadID string) ([]*domain.ExtractionFailure, error) {
	sql := fmt.Sprintf(failureSelect+`
		WHERE user_id = @user_id
		  AND (@upload_id = '' OR upload_id = @upload_id)
		ORDER BY attempt_number ASC, created_at ASC
		LIMIT %d`, s.table(failuresTable), maxRowsPerListCall)

	rows, err := readRows[failureRow](ctx, s.client, sql, []bigquery.QueryParameter{
		{Name: "user_id", Value: userID},
		{Name: "upload_id", Value: uploadID},
	})
	if err != nil {
		return nil, fmt.Errorf("ListFailures: %w", err)
	}

	failures := make([]*domain.ExtractionFailure, 0, len(rows))
	for i := range rows {
		failures = append(failures, rows[i].toDomain())
	}
	return failures, nil
}

// adminFailures reads and resolves failures across users. It is only
// constructed by Store.AdminFailures.
type adminFailures struct {
	s *Store
}

func (a *adminFailures) GetFailure(ctx context.Context, failureID string) (*domain.ExtractionFailure, error) {
	sql := fmt.Sprintf(failureSelect+`
		WHERE id = @id
		LIMIT 1`, a.s.table(failuresTable))

	row, err := readOne[failureRow](ctx, a.s.client, sql, []bigquery.QueryParameter{
		{Name: "id", Value: failureID},
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("GetFailure: %w", err)
	}
	return row.toDomain(), nil
}

func (a *adminFailures) ResolveFailure(ctx context.Context, failureID, notes string, at time.Time) error {
	sql := fmt.Sprintf(`
		UPDATE %s
		SET resolved_at = @resolved_at, resolution_notes = @notes
		WHERE id = @id
	`, a.s.table(failuresTable))

	n, err := a.s.exec(ctx, sql, []bigquery.QueryParameter{
		{Name: "resolved_at", Value: at},
		{Name: "notes", Value: notes},
		{Name: "id", Value: failureID},
	})
	if err != nil {
		return fmt.Errorf("ResolveFailure: updating row: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
