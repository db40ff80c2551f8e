package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/dvloznov/statement-ingest/internal/domain"
	"github.com/dvloznov/statement-ingest/internal/store"
)

func selectUploads() squirrel.SelectBuilder {
	return psql.Select(uploadColumns...).From(uploadsTable)
}

// CreateUpload inserts a new upload row.
func (s *Store) CreateUpload(ctx context.Context, rec *domain.UploadRecord) error {
	values, err := uploadValues(rec)
	if err != nil {
		return fmt.Errorf("CreateUpload: %w", err)
	}

	query := psql.Insert(uploadsTable).
		Columns(uploadColumns...).
		Values(ordered(values, uploadColumns)...)

	if _, err := exec(ctx, s.pool, query); err != nil {
		return fmt.Errorf("CreateUpload: inserting row: %w", err)
	}
	return nil
}

// GetUpload returns one of the user's uploads.
func (s *Store) GetUpload(ctx context.Context, userID, uploadID string) (*domain.UploadRecord, error) {
	query := selectUploads().Where(squirrel.Eq{"user_id": userID, "id": uploadID})

	rec, err := queryRow(ctx, s.pool, query, scanUpload)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("GetUpload: %w", err)
	}
	return rec, nil
}

// FindLatestByHash returns the newest upload with the given content hash.
func (s *Store) FindLatestByHash(ctx context.Context, userID, contentHash string) (*domain.UploadRecord, error) {
	query := selectUploads().
		Where(squirrel.Eq{"user_id": userID, "content_hash": contentHash}).
		OrderBy("created_at DESC").
		Limit(1)

	rec, err := queryRow(ctx, s.pool, query, scanUpload)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("FindLatestByHash: %w", err)
	}
	return rec, nil
}

// SaveUpload overwrites the mutable columns of an upload.
func (s *Store) SaveUpload(ctx context.Context, rec *domain.UploadRecord) error {
	values, err := uploadValues(rec)
	if err != nil {
		return fmt.Errorf("SaveUpload: %w", err)
	}

	query := psql.Update(uploadsTable).
		SetMap(subset(values, uploadMutableColumns)).
		Where(squirrel.Eq{"user_id": rec.UserID, "id": rec.ID})

	n, err := exec(ctx, s.pool, query)
	if err != nil {
		return fmt.Errorf("SaveUpload: updating row: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// BeginProcessing claims an idle upload with a single conditional UPDATE.
// The row lock taken by the UPDATE serialises concurrent callers, so at most
// one of them sees a returned row.
func (s *Store) BeginProcessing(ctx context.Context, userID, uploadID string, now time.Time) (*domain.UploadRecord, error) {
	query := psql.Update(uploadsTable).
		Set("parse_status", string(domain.ParseStatusProcessing)).
		Set("process_count", squirrel.Expr("process_count + 1")).
		Set("confirmed_at", nil).
		Set("last_error", nil).
		Set("updated_at", now).
		Where(squirrel.Eq{"user_id": userID, "id": uploadID}).
		Where(squirrel.NotEq{"parse_status": domain.BusyStatuses()}).
		Suffix("RETURNING " + strings.Join(uploadColumns, ", "))

	rec, err := queryRow(ctx, s.pool, query, scanUpload)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("BeginProcessing: updating row: %w", err)
	}

	// No row updated: either it does not exist or a run or check owns it.
	if _, err := s.GetUpload(ctx, userID, uploadID); err != nil {
		return nil, err
	}
	return nil, store.ErrProcessingInFlight
}

// CompareAndSetStatus moves the upload from one status to another.
func (s *Store) CompareAndSetStatus(ctx context.Context, userID, uploadID string, from, to domain.ParseStatus) error {
	query := psql.Update(uploadsTable).
		Set("parse_status", string(to)).
		Set("updated_at", time.Now().UTC()).
		Where(squirrel.Eq{"user_id": userID, "id": uploadID, "parse_status": string(from)})

	n, err := exec(ctx, s.pool, query)
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
