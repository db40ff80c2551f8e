package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dvloznov/statement-ingest/internal/domain"
	"github.com/dvloznov/statement-ingest/internal/logger"
	"github.com/dvloznov/statement-ingest/internal/store"
)

var ledgerTables = []string{transactionsTable, positionsTable, balancesTable}

// ReplaceUploadData swaps an upload's ledger rows inside one transaction.
func (s *Store) ReplaceUploadData(ctx context.Context, userID, uploadID, accountID string, res *domain.ExtractionResult) (domain.WriteCounts, error) {
	if res == nil {
		return domain.WriteCounts{}, fmt.Errorf("ReplaceUploadData: extraction is required")
	}

	inserts := ledgerInserts(userID, uploadID, accountID, res, time.Now().UTC())

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := deleteLedger(ctx, tx, userID, uploadID); err != nil {
			return err
		}
		for _, q := range inserts {
			if _, err := exec(ctx, tx, q); err != nil {
				return fmt.Errorf("inserting rows: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return domain.WriteCounts{}, fmt.Errorf("ReplaceUploadData: %w", err)
	}

	return domain.WriteCounts{
		Transactions: len(res.Transactions),
		Positions:    len(res.Positions),
		Balances:     len(res.Balances),
	}, nil
}

// DeleteUploadData removes an upload's ledger rows and reports how many
// there were.
func (s *Store) DeleteUploadData(ctx context.Context, userID, uploadID string) (domain.RemovedCounts, error) {
	var removed domain.RemovedCounts
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		removed, err = deleteLedger(ctx, tx, userID, uploadID)
		return err
	})
	if err != nil {
		return domain.RemovedCounts{}, fmt.Errorf("DeleteUploadData: %w", err)
	}
	return removed, nil
}

// LoadUploadData reads back the rows tagged with an upload.
func (s *Store) LoadUploadData(ctx context.Context, userID, uploadID string) (*store.UploadData, error) {
	where := squirrel.Eq{"user_id": userID, "upload_id": uploadID}
	data := &store.UploadData{}

	txQuery := psql.Select(
		"id", "account_id", "date", "description", "amount::text",
		"currency", "type", "category", "balance_after::text",
	).From(transactionsTable).Where(where).OrderBy("date ASC", "id ASC")

	txs, err := queryRows(ctx, s.pool, txQuery, scanTransaction)
	if err != nil {
		return nil, fmt.Errorf("LoadUploadData: reading transactions: %w", err)
	}
	data.Transactions = txs

	posQuery := psql.Select(
		"id", "account_id", "symbol", "description", "quantity::text", "price::text",
		"market_value::text", "cost_basis::text", "currency", "asset_class", "as_of",
	).From(positionsTable).Where(where).OrderBy("id ASC")

	positions, err := queryRows(ctx, s.pool, posQuery, scanPosition)
	if err != nil {
		return nil, fmt.Errorf("LoadUploadData: reading positions: %w", err)
	}
	data.Positions = positions

	balQuery := psql.Select("id", "account_id", "kind", "amount::text", "currency", "as_of").
		From(balancesTable).Where(where).OrderBy("id ASC")

	balances, err := queryRows(ctx, s.pool, balQuery, scanBalance)
	if err != nil {
		return nil, fmt.Errorf("LoadUploadData: reading balances: %w", err)
	}
	data.Balances = balances

	return data, nil
}

// inTx runs fn in a transaction, committing when it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			log := logger.FromContext(ctx)
			log.Warn().Err(err).Msg("Failed to roll back transaction")
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func deleteLedger(ctx context.Context, tx pgx.Tx, userID, uploadID string) (domain.RemovedCounts, error) {
	var n [3]int64
	for i, table := range ledgerTables {
		query := psql.Delete(table).Where(squirrel.Eq{"user_id": userID, "upload_id": uploadID})
		affected, err := exec(ctx, tx, query)
		if err != nil {
			return domain.RemovedCounts{}, fmt.Errorf("deleting from %s: %w", table, err)
		}
		n[i] = affected
	}
	return domain.RemovedCounts{
		Transactions: int(n[0]),
		Positions:    int(n[1]),
		Balances:     int(n[2]),
	}, nil
}

// ledgerInserts builds one multi-row INSERT per non-empty table. Amounts are
// sent as decimal strings and coerced to NUMERIC by the server.
func ledgerInserts(userID, uploadID, accountID string, res *domain.ExtractionResult, now time.Time) []squirrel.InsertBuilder {
	var out []squirrel.InsertBuilder

	if len(res.Transactions) > 0 {
		q := psql.Insert(transactionsTable).Columns(
			"id", "user_id", "upload_id", "account_id", "date", "description", "amount",
			"currency", "type", "category", "balance_after", "created_at",
		)
		for _, tx := range res.Transactions {
			q = q.Values(
				uuid.NewString(), userID, uploadID, accountID, tx.Date.In(time.UTC), nullText(tx.Description), tx.Amount.String(),
				nullText(tx.Currency), nullText(tx.Type), nullText(tx.Category), decimalArg(tx.BalanceAfter), now,
			)
		}
		out = append(out, q)
	}

	if len(res.Positions) > 0 {
		q := psql.Insert(positionsTable).Columns(
			"id", "user_id", "upload_id", "account_id", "symbol", "description", "quantity",
			"price", "market_value", "cost_basis", "currency", "asset_class", "as_of", "created_at",
		)
		for _, p := range res.Positions {
			q = q.Values(
				uuid.NewString(), userID, uploadID, accountID, nullText(p.Symbol), nullText(p.Description), p.Quantity.String(),
				decimalArg(p.Price), p.MarketValue.String(), decimalArg(p.CostBasis), nullText(p.Currency), nullText(p.AssetClass), dateArg(p.AsOf), now,
			)
		}
		out = append(out, q)
	}

	if len(res.Balances) > 0 {
		q := psql.Insert(balancesTable).Columns(
			"id", "user_id", "upload_id", "account_id", "kind", "amount", "currency", "as_of", "created_at",
		)
		for _, b := range res.Balances {
			q = q.Values(
				uuid.NewString(), userID, uploadID, accountID, string(b.Kind), b.Amount.String(), nullText(b.Currency), dateArg(b.AsOf), now,
			)
		}
		out = append(out, q)
	}

	return out
}

func scanTransaction(row scanner) (store.LedgerTransaction, error) {
	var (
		t                                  store.LedgerTransaction
		date                               time.Time
		amount                             string
		desc, currency, typ, category, bal *string
	)
	if err := row.Scan(&t.ID, &t.AccountID, &date, &desc, &amount, &currency, &typ, &category, &bal); err != nil {
		return t, err
	}

	a, err := decimalOf(&amount)
	if err != nil {
		return t, fmt.Errorf("transaction %s: %w", t.ID, err)
	}
	after, err := decimalOf(bal)
	if err != nil {
		return t, fmt.Errorf("transaction %s: %w", t.ID, err)
	}

	t.Date = *dateOf(&date)
	t.Description = textOf(desc)
	t.Amount = *a
	t.Currency = textOf(currency)
	t.Type = textOf(typ)
	t.Category = textOf(category)
	t.BalanceAfter = after
	return t, nil
}

func scanPosition(row scanner) (store.LedgerPosition, error) {
	var (
		p                                  store.LedgerPosition
		qty, value                         string
		price, cost                        *string
		symbol, desc, currency, assetClass *string
		asOf                               *time.Time
	)
	if err := row.Scan(&p.ID, &p.AccountID, &symbol, &desc, &qty, &price, &value, &cost, &currency, &assetClass, &asOf); err != nil {
		return p, err
	}

	q, err := decimalOf(&qty)
	if err != nil {
		return p, fmt.Errorf("position %s: %w", p.ID, err)
	}
	mv, err := decimalOf(&value)
	if err != nil {
		return p, fmt.Errorf("position %s: %w", p.ID, err)
	}
	if p.Price, err = decimalOf(price); err != nil {
		return p, fmt.Errorf("position %s: %w", p.ID, err)
	}
	if p.CostBasis, err = decimalOf(cost); err != nil {
		return p, fmt.Errorf("position %s: %w", p.ID, err)
	}

	p.Symbol = textOf(symbol)
	p.Description = textOf(desc)
	p.Quantity = *q
	p.MarketValue = *mv
	p.Currency = textOf(currency)
	p.AssetClass = textOf(assetClass)
	p.AsOf = dateOf(asOf)
	return p, nil
}

func scanBalance(row scanner) (store.LedgerBalance, error) {
	var (
		b        store.LedgerBalance
		kind     string
		amount   string
		currency *string
		asOf     *time.Time
	)
	if err := row.Scan(&b.ID, &b.AccountID, &kind, &amount, &currency, &asOf); err != nil {
		return b, err
	}

	a, err := decimalOf(&amount)
	if err != nil {
		return b, fmt.Errorf("balance %s: %w", b.ID, err)
	}
	b.Kind = domain.BalanceKind(kind)
	b.Amount = *a
	b.Currency = textOf(currency)
	b.AsOf = dateOf(asOf)
	return b, nil
}
