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

func (s *Store) selectUploads() string {
	return fmt.Sprintf("SELECT %s FROM %s", strings.Join(uploadColumns, ", "), s.table(uploadsTable))
}

// CreateUpload inserts a new upload row.
func (s *Store) CreateUpload(ctx context.Context, rec *domain.UploadRecord) error {
	row, err := newUploadRow(rec)
	if err != nil {
		return fmt.Errorf("CreateUpload: %w", err)
	}
	if _, err := s.exec(ctx, insertSQL(s.table(uploadsTable), uploadColumns), named(row.values())); err != nil {
		return fmt.Errorf("CreateUpload: inserting row: %w", err)
	}
	return nil
}

// GetUpload returns one of the user's uploads.
func (s *Store) GetUpload(ctx context.Context, userID, uploadID string) (*domain.UploadRecord, error) {
	sql := s.selectUploads() + `
		WHERE user_id = @user_id AND id = @id
		LIMIT 1`

	row, err := readOne[uploadRow](ctx, s.client, sql, []bigquery.QueryParameter{
		{Name: "user_id", Value: userID},
		{Name: "id", Value: uploadID},
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("GetUpload: %w", err)
	}
	return row.toDomain()
}

// FindLatestByHash returns the newest upload with the given content hash.
func (s *Store) FindLatestByHash(ctx context.Context, userID, contentHash string) (*domain.UploadRecord, error) {
	sql := s.selectUploads() + `
		WHERE user_id = @user_id AND content_hash = @content_hash
		ORDER BY created_at DESC
		LIMIT 1`

	row, err := readOne[uploadRow](ctx, s.client, sql, []bigquery.QueryParameter{
		{Name: "user_id", Value: userID},
		{Name: "content_hash", Value: contentHash},
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("FindLatestByHash: %w", err)
	}
	return row.toDomain()
}

// SaveUpload overwrites the mutable columns of an upload.
func (s *Store) SaveUpload(ctx context.Context, rec *domain.UploadRecord) error {
	row, err := newUploadRow(rec)
	if err != nil {
		return fmt.Errorf("SaveUpload: %w", err)
	}

	values := row.values()
	params := []bigquery.QueryParameter{
		{Name: "id", Value: row.ID},
		{Name: "user_id", Value: row.UserID},
	}
	for _, c := range uploadMutableColumns {
		params = append(params, bigquery.QueryParameter{Name: c, Value: values[c]})
	}

	sql := fmt.Sprintf(`
		UPDATE %s
		SET %s
		WHERE user_id = @user_id AND id = @id
	`, s.table(uploadsTable), setClause(uploadMutableColumns))

	n, err := s.exec(ctx, sql, params)
	if err != nil {
		return fmt.Errorf("SaveUpload: updating row: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// BeginProcessing moves the upload into processing with a single
// conditional UPDATE. Zero affected rows means the upload is missing or
// busy with another run or a quality check.
func (s *Store) BeginProcessing(ctx context.Context, userID, uploadID string, now time.Time) (*domain.UploadRecord, error) {
	sql := fmt.Sprintf(`
		UPDATE %s
		SET parse_status = @processing,
		    process_count = process_count + 1,
		    confirmed_at = NULL,
		    last_error = NULL,
		    updated_at = @now
		WHERE user_id = @user_id AND id = @id
		  AND parse_status NOT IN UNNEST(@busy)
	`, s.table(uploadsTable))

	n, err := s.exec(ctx, sql, []bigquery.QueryParameter{
		{Name: "processing", Value: string(domain.ParseStatusProcessing)},
		{Name: "busy", Value: domain.BusyStatuses()},
		{Name: "now", Value: now},
		{Name: "user_id", Value: userID},
		{Name: "id", Value: uploadID},
	})
	if err != nil {
		return nil, fmt.Errorf("BeginProcessing: updating row: %w", err)
	}

	rec, err := s.GetUpload(ctx, userID, uploadID)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, store.ErrProcessingInFlight
	}
	return rec, nil
}

// CompareAndSetStatus moves the upload from one status to another.
func (s *Store) CompareAndSetStatus(ctx context.Context, userID, uploadID string, from, to domain.ParseStatus) error {
	sql := fmt.Sprintf(`
		UPDATE %s
		SET parse_status = @to, updated_at = CURRENT_TIMESTAMP()
		WHERE user_id = @user_id AND id = @id AND parse_status = @from
	`, s.table(uploadsTable))

	n, err := s.exec(ctx, sql, []bigquery.QueryParameter{
		{Name: "to", Value: string(to)},
		{Name: "from", Value: string(from)},
		{Name: "user_id", Value: userID},
		{Name: "id", Value: uploadID},
	})
	if err != nil {
		return fmt.Errorf("CompareAndSetStatus: updating row: %w", err)
	}
	if n > 0 {
		return nil
	}

	if _, err := s.GetUpload(ctx, userID, uploadID); err != nil {
		return err
	}
	return store.ErrStatusMismatch
}
