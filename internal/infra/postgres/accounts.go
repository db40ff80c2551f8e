package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/dvloznov/statement-ingest/internal/domain"
	"github.com/dvloznov/statement-ingest/internal/store"
)

// ListActiveAccounts returns the user's active accounts, oldest first.
func (s *Store) ListActiveAccounts(ctx context.Context, userID string) ([]*domain.Account, error) {
	query := psql.Select(accountColumns...).
		From(accountsTable).
		Where(squirrel.Eq{"user_id": userID, "active": true}).
		OrderBy("created_at ASC")

	accounts, err := queryRows(ctx, s.pool, query, scanAccount)
	if err != nil {
		return nil, fmt.Errorf("ListActiveAccounts: %w", err)
	}
	return accounts, nil
}

// GetAccount returns one of the user's accounts.
func (s *Store) GetAccount(ctx context.Context, userID, accountID string) (*domain.Account, error) {
	query := psql.Select(accountColumns...).
		From(accountsTable).
		Where(squirrel.Eq{"user_id": userID, "id": accountID})

	acc, err := queryRow(ctx, s.pool, query, scanAccount)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("GetAccount: %w", err)
	}
	return acc, nil
}

// CreateAccount inserts acc unless the user already has an account with the
// same key; the unique (user_id, account_key) constraint arbitrates races.
func (s *Store) CreateAccount(ctx context.Context, acc *domain.Account) (*domain.Account, bool, error) {
	id := acc.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := acc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	key := acc.Key()

	insert := psql.Insert(accountsTable).
		Columns(
			"id", "user_id", "institution", "account_type", "number_hint", "nickname",
			"group_tag", "entity_id", "account_key", "active", "created_at",
		).
		Values(
			id, acc.UserID, acc.Institution, nullText(acc.AccountType), nullText(acc.NumberHint), nullText(acc.Nickname),
			nullText(acc.GroupTag), nullText(acc.EntityID), key, acc.Active, createdAt,
		).
		Suffix("ON CONFLICT (user_id, account_key) DO NOTHING")

	n, err := exec(ctx, s.pool, insert)
	if err != nil {
		return nil, false, fmt.Errorf("CreateAccount: inserting row: %w", err)
	}

	query := psql.Select(accountColumns...).
		From(accountsTable).
		Where(squirrel.Eq{"user_id": acc.UserID, "account_key": key})
	got, err := queryRow(ctx, s.pool, query, scanAccount)
	if err != nil {
		return nil, false, fmt.Errorf("CreateAccount: reading back account: %w", err)
	}
	return got, n > 0, nil
}

// ListEntities returns the user's entities, oldest first.
func (s *Store) ListEntities(ctx context.Context, userID string) ([]*domain.Entity, error) {
	query := psql.Select(entityColumns...).
		From(entitiesTable).
		Where(squirrel.Eq{"user_id": userID}).
		OrderBy("created_at ASC")

	entities, err := queryRows(ctx, s.pool, query, scanEntity)
	if err != nil {
		return nil, fmt.Errorf("ListEntities: %w", err)
	}
	return entities, nil
}

// EnsureDefaultEntity returns the user's default entity, creating it when
// there is none. The partial unique index on is_default keeps it single.
func (s *Store) EnsureDefaultEntity(ctx context.Context, userID string) (*domain.Entity, error) {
	insert := psql.Insert(entitiesTable).
		Columns(entityColumns...).
		Values(uuid.NewString(), userID, domain.DefaultEntityName, string(domain.EntityPersonal), true, time.Now().UTC()).
		Suffix("ON CONFLICT (user_id) WHERE is_default DO NOTHING")

	if _, err := exec(ctx, s.pool, insert); err != nil {
		return nil, fmt.Errorf("EnsureDefaultEntity: inserting row: %w", err)
	}

	query := psql.Select(entityColumns...).
		From(entitiesTable).
		Where(squirrel.Eq{"user_id": userID, "is_default": true})
	e, err := queryRow(ctx, s.pool, query, scanEntity)
	if err != nil {
		return nil, fmt.Errorf("EnsureDefaultEntity: reading back entity: %w", err)
	}
	return e, nil
}

// GetSettings returns the user's oracle settings.
func (s *Store) GetSettings(ctx context.Context, userID string) (*domain.UserSettings, error) {
	query := psql.Select("user_id", "extraction_mode", "preset", "updated_at").
		From(settingsTable).
		Where(squirrel.Eq{"user_id": userID})

	st, err := queryRow(ctx, s.pool, query, func(row scanner) (*domain.UserSettings, error) {
		var (
			st           domain.UserSettings
			mode, preset *string
		)
		if err := row.Scan(&st.UserID, &mode, &preset, &st.UpdatedAt); err != nil {
			return nil, err
		}
		st.ExtractionMode = textOf(mode)
		st.Preset = textOf(preset)
		return &st, nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("GetSettings: %w", err)
	}
	return st, nil
}

// SaveSettings upserts the user's oracle settings.
func (s *Store) SaveSettings(ctx context.Context, st *domain.UserSettings) error {
	updatedAt := st.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	query := psql.Insert(settingsTable).
		Columns("user_id", "extraction_mode", "preset", "updated_at").
		Values(st.UserID, nullText(st.ExtractionMode), nullText(st.Preset), updatedAt).
		Suffix(`ON CONFLICT (user_id) DO UPDATE
			SET extraction_mode = EXCLUDED.extraction_mode,
			    preset = EXCLUDED.preset,
			    updated_at = EXCLUDED.updated_at`)

	if _, err := exec(ctx, s.pool, query); err != nil {
		return fmt.Errorf("SaveSettings: upserting row: %w", err)
	}
	return nil
}
