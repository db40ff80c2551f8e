package bigquery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/google/uuid"

	"github.com/dvloznov/statement-ingest/internal/domain"
	"github.com/dvloznov/statement-ingest/internal/store"
)

const accountSelect = `
	SELECT id, user_id, institution, account_type, number_hint, nickname,
	       group_tag, entity_id, account_key, active, created_at
	FROM %s`

// ListActiveAccounts returns the user's active accounts, oldest first.
func (s *Store) ListActiveAccounts(ctx context.Context, userID string) ([]*domain.Account, error) {
	sql := fmt.Sprintf(accountSelect+`
		WHERE user_id = @user_id AND active
		ORDER BY created_at ASC
		LIMIT %d`, s.table(accountsTable), maxRowsPerListCall)

	rows, err := readRows[accountRow](ctx, s.client, sql, []bigquery.QueryParameter{
		{Name: "user_id", Value: userID},
	})
	if err != nil {
		return nil, fmt.Errorf("ListActiveAccounts: %w", err)
	}

	accounts := make([]*domain.Account, 0, len(rows))
	for i := range rows {
		accounts = append(accounts, rows[i].toDomain())
	}
	return accounts, nil
}

// GetAccount returns one of the user's accounts.
func (s *Store) GetAccount(ctx context.Context, userID, accountID string) (*domain.Account, error) {
	sql := fmt.Sprintf(accountSelect+`
		WHERE user_id = @user_id AND id = @id
		LIMIT 1`, s.table(accountsTable))

	row, err := readOne[accountRow](ctx, s.client, sql, []bigquery.QueryParameter{
		{Name: "user_id", Value: userID},
		{Name: "id", Value: accountID},
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("GetAccount: %w", err)
	}
	return row.toDomain(), nil
}

// CreateAccount inserts acc unless the user already has an account with the
// same key. BigQuery has no unique constraints, so the insert is a MERGE
// that only fires when no matching row exists.
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

	sql := fmt.Sprintf(`
		MERGE %s T
		USING (SELECT @user_id AS user_id, @account_key AS account_key) S
		ON T.user_id = S.user_id AND T.account_key = S.account_key
		WHEN NOT MATCHED THEN
		  INSERT (id, user_id, institution, account_type, number_hint, nickname,
		          group_tag, entity_id, account_key, active, created_at)
		  VALUES (@id, @user_id, @institution, @account_type, @number_hint, @nickname,
		          @group_tag, @entity_id, @account_key, @active, @created_at)
	`, s.table(accountsTable))

	n, err := s.exec(ctx, sql, []bigquery.QueryParameter{
		{Name: "id", Value: id},
		{Name: "user_id", Value: acc.UserID},
		{Name: "institution", Value: acc.Institution},
		{Name: "account_type", Value: nullString(acc.AccountType)},
		{Name: "number_hint", Value: nullString(acc.NumberHint)},
		{Name: "nickname", Value: nullString(acc.Nickname)},
		{Name: "group_tag", Value: nullString(acc.GroupTag)},
		{Name: "entity_id", Value: nullString(acc.EntityID)},
		{Name: "account_key", Value: key},
		{Name: "active", Value: acc.Active},
		{Name: "created_at", Value: createdAt},
	})
	if err != nil {
		return nil, false, fmt.Errorf("CreateAccount: merging row: %w", err)
	}

	sql = fmt.Sprintf(accountSelect+`
		WHERE user_id = @user_id AND account_key = @account_key
		ORDER BY created_at ASC
		LIMIT 1`, s.table(accountsTable))
	row, err := readOne[accountRow](ctx, s.client, sql, []bigquery.QueryParameter{
		{Name: "user_id", Value: acc.UserID},
		{Name: "account_key", Value: key},
	})
	if err != nil {
		return nil, false, fmt.Errorf("CreateAccount: reading back account: %w", err)
	}
	return row.toDomain(), n > 0, nil
}

// ListEntities returns the user's entities, oldest first.
func (s *Store) ListEntities(ctx context.Context, userID string) ([]*domain.Entity, error) {
	sql := fmt.Sprintf(`
		SELECT id, user_id, display_name, type, is_default, created_at
		FROM %s
		WHERE user_id = @user_id
		ORDER BY created_at ASC
	`, s.table(entitiesTable))

	rows, err := readRows[entityRow](ctx, s.client, sql, []bigquery.QueryParameter{
		{Name: "user_id", Value: userID},
	})
	if err != nil {
		return nil, fmt.Errorf("ListEntities: %w", err)
	}

	entities := make([]*domain.Entity, 0, len(rows))
	for i := range rows {
		entities = append(entities, rows[i].toDomain())
	}
	return entities, nil
}

// EnsureDefaultEntity returns the user's default entity, creating it with a
// MERGE when there is none.
func (s *Store) EnsureDefaultEntity(ctx context.Context, userID string) (*domain.Entity, error) {
	sql := fmt.Sprintf(`
		MERGE %s T
		USING (SELECT @user_id AS user_id) S
		ON T.user_id = S.user_id AND T.is_default
		WHEN NOT MATCHED THEN
		  INSERT (id, user_id, display_name, type, is_default, created_at)
		  VALUES (@id, @user_id, @display_name, @type, TRUE, @created_at)
	`, s.table(entitiesTable))

	if _, err := s.exec(ctx, sql, []bigquery.QueryParameter{
		{Name: "id", Value: uuid.NewString()},
		{Name: "user_id", Value: userID},
		{Name: "display_name", Value: domain.DefaultEntityName},
		{Name: "type", Value: string(domain.EntityPersonal)},
		{Name: "created_at", Value: time.Now().UTC()},
	}); err != nil {
		return nil, fmt.Errorf("EnsureDefaultEntity: merging row: %w", err)
	}

	sql = fmt.Sprintf(`
		SELECT id, user_id, display_name, type, is_default, created_at
		FROM %s
		WHERE user_id = @user_id AND is_default
		ORDER BY created_at ASC
		LIMIT 1
	`, s.table(entitiesTable))
	row, err := readOne[entityRow](ctx, s.client, sql, []bigquery.QueryParameter{
		{Name: "user_id", Value: userID},
	})
	if err != nil {
		return nil, fmt.Errorf("EnsureDefaultEntity: reading back entity: %w", err)
	}
	return row.toDomain(), nil
}

// GetSettings returns the user's oracle settings.
func (s *Store) GetSettings(ctx context.Context, userID string) (*domain.UserSettings, error) {
	sql := fmt.Sprintf(`
		SELECT user_id, extraction_mode, preset, updated_at
		FROM %s
		WHERE user_id = @user_id
		LIMIT 1
	`, s.table(settingsTable))

	row, err := readOne[settingsRow](ctx, s.client, sql, []bigquery.QueryParameter{
		{Name: "user_id", Value: userID},
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("GetSettings: %w", err)
	}
	return &domain.UserSettings{
		UserID:         row.UserID,
		ExtractionMode: row.ExtractionMode.StringVal,
		Preset:         row.Preset.StringVal,
		UpdatedAt:      row.UpdatedAt,
	}, nil
}

// SaveSettings upserts the user's oracle settings.
func (s *Store) SaveSettings(ctx context.Context, st *domain.UserSettings) error {
	updatedAt := st.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	sql := fmt.Sprintf(`
		MERGE %s T
		USING (SELECT @user_id AS user_id) S
		ON T.user_id = S.user_id
		WHEN MATCHED THEN
		  UPDATE SET extraction_mode = @extraction_mode, preset = @preset, updated_at = @updated_at
		WHEN NOT MATCHED THEN
		  INSERT (user_id, extraction_mode, preset, updated_at)
		  VALUES (@user_id, @extraction_mode, @preset, @updated_at)
	`, s.table(settingsTable))

	if _, err := s.exec(ctx, sql, []bigquery.QueryParameter{
		{Name: "user_id", Value: st.UserID},
		{Name: "extraction_mode", Value: nullString(st.ExtractionMode)},
		{Name: "preset", Value: nullString(st.Preset)},
		{Name: "updated_at", Value: updatedAt},
	}); err != nil {
		return fmt.Errorf("SaveSettings: merging row: %w", err)
	}
	return nil
}
