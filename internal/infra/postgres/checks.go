package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dvloznov/statement-ingest/internal/domain"
	"github.com/dvloznov/statement-ingest/internal/store"
)

// InsertQualityCheck appends a quality check row.
func (s *Store) InsertQualityCheck(ctx context.Context, qc *domain.QualityCheck) error {
	values, err := checkValues(qc)
	if err != nil {
		return fmt.Errorf("InsertQualityCheck: %w", err)
	}

	query := psql.Insert(checksTable).
		Columns(checkColumns...).
		Values(ordered(values, checkColumns)...)

	if _, err := exec(ctx, s.pool, query); err != nil {
		return fmt.Errorf("InsertQualityCheck: inserting row: %w", err)
	}
	return nil
}

// UpdateQualityCheck overwrites the mutable columns of a quality check.
func (s *Store) UpdateQualityCheck(ctx context.Context, qc *domain.QualityCheck) error {
	values, err := checkValues(qc)
	if err != nil {
		return fmt.Errorf("UpdateQualityCheck: %w", err)
	}

	query := psql.Update(checksTable).
		SetMap(subset(values, checkMutableColumns)).
		Where(squirrel.Eq{"user_id": qc.UserID, "id": qc.ID})

	n, err := exec(ctx, s.pool, query)
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
	query := psql.Select(checkColumns...).
		From(checksTable).
		Where(squirrel.Eq{"user_id": userID, "id": checkID})

	qc, err := queryRow(ctx, s.pool, query, scanCheck)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("GetQualityCheck: %w", err)
	}
	return qc, nil
}

// LatestQualityCheck returns the newest check for an upload.
func (s *Store) LatestQualityCheck(ctx context.Context, userID, uploadID string) (*domain.QualityCheck, error) {
	query := psql.Select(checkColumns...).
		From(checksTable).
		Where(squirrel.Eq{"user_id": userID, "upload_id": uploadID}).
		OrderBy("created_at DESC").
		Limit(1)

	qc, err := queryRow(ctx, s.pool, query, scanCheck)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("LatestQualityCheck: %w", err)
	}
	return qc, nil
}

// InsertFailure records a repeated extraction failure.
func (s *Store) InsertFailure(ctx context.Context, f *domain.ExtractionFailure) error {
	query := psql.Insert(failuresTable).
		Columns(
			"id", "user_id", "upload_id", "filename", "file_type", "storage_path", "attempt_number",
			"error_message", "oracle_mode", "size_bytes", "created_at",
		).
		Values(
			f.ID, f.UserID, f.UploadID, nullText(f.Filename), nullText(f.FileType), nullText(f.StoragePath), f.AttemptNumber,
			nullText(f.ErrorMessage), nullText(f.OracleMode), f.SizeBytes, f.CreatedAt,
		)

	if _, err := exec(ctx, s.pool, query); err != nil {
		return fmt.Errorf("InsertFailure: inserting row: %w", err)
	}
	return nil
}

// ListFailures returns the user's failures, for one upload when uploadID is
// set.
func (s *Store) ListFailures(ctx context.Context, userID, uploadID string) ([]*domain.ExtractionFailure, error) {
	where := squirrel.Eq{"user_id": userID}
	if uploadID != "" {
		where["upload_id"] = uploadID
	}

	query := psql.Select(failureColumns...).
		From(failuresTable).
		Where(where).
		OrderBy("attempt_number ASC", "created_at ASC")

	failures, err := queryRows(ctx, s.pool, query, scanFailure)
	if err != nil {
		return nil, fmt.Errorf("ListFailures: %w", err)
	}
	return failures, nil
}

// adminFailures reads and resolves failures across users. It is only
// constructed by Store.AdminFailures.
type adminFailures struct {
	pool *pgxpool.Pool
}

func (a *adminFailures) GetFailure(ctx context.Context, failureID string) (*domain.ExtractionFailure, error) {
	query := psql.Select(failureColumns...).
		From(failuresTable).
		Where(squirrel.Eq{"id": failureID})

	f, err := queryRow(ctx, a.pool, query, scanFailure)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("GetFailure: %w", err)
	}
	return f, nil
}

func (a *adminFailures) ResolveFailure(ctx context.Context, failureID, notes string, at time.Time) error {
	query := psql.Update(failuresTable).
		Set("resolved_at", at).
		Set("resolution_notes", notes).
		Where(squirrel.Eq{"id": failureID})

	n, err := exec(ctx, a.pool, query)
	if err != nil {
		return fmt.Errorf("ResolveFailure: updating row: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
