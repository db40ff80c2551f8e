package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/google/uuid"

	"github.com/dvloznov/statement-ingest/internal/domain"
	"github.com/dvloznov/statement-ingest/internal/store"
)

// ReplaceUploadData swaps an upload's ledger rows in one transaction script.
func (s *Store) ReplaceUploadData(ctx context.Context, userID, uploadID, accountID string, res *domain.ExtractionResult) (domain.WriteCounts, error) {
	if res == nil {
		return domain.WriteCounts{}, fmt.Errorf("ReplaceUploadData: extraction is required")
	}

	txs := make([]transactionParam, 0, len(res.Transactions))
	for _, tx := range res.Transactions {
		txs = append(txs, transactionParam{
			ID:           uuid.NewString(),
			Date:         tx.Date,
			Description:  tx.Description,
			Amount:       tx.Amount.String(),
			Currency:     tx.Currency,
			Type:         tx.Type,
			Category:     tx.Category,
			BalanceAfter: nullDecimal(tx.BalanceAfter),
		})
	}
	positions := make([]positionParam, 0, len(res.Positions))
	for _, p := range res.Positions {
		positions = append(positions, positionParam{
			ID:          uuid.NewString(),
			Symbol:      p.Symbol,
			Description: p.Description,
			Quantity:    p.Quantity.String(),
			Price:       nullDecimal(p.Price),
			MarketValue: p.MarketValue.String(),
			CostBasis:   nullDecimal(p.CostBasis),
			Currency:    p.Currency,
			AssetClass:  p.AssetClass,
			AsOf:        nullDate(p.AsOf),
		})
	}
	balances := make([]balanceParam, 0, len(res.Balances))
	for _, b := range res.Balances {
		balances = append(balances, balanceParam{
			ID:       uuid.NewString(),
			Kind:     string(b.Kind),
			Amount:   b.Amount.String(),
			Currency: b.Currency,
			AsOf:     nullDate(b.AsOf),
		})
	}

	script := fmt.Sprintf(`
		BEGIN TRANSACTION;

		DELETE FROM %[1]s WHERE user_id = @user_id AND upload_id = @upload_id;
		DELETE FROM %[2]s WHERE user_id = @user_id AND upload_id = @upload_id;
		DELETE FROM %[3]s WHERE user_id = @user_id AND upload_id = @upload_id;

		INSERT INTO %[1]s (id, user_id, upload_id, account_id, date, description, amount,
		                   currency, type, category, balance_after, created_at)
		SELECT t.id, @user_id, @upload_id, @account_id, t.date, t.description,
		       CAST(t.amount AS NUMERIC), t.currency, t.type, t.category,
		       CAST(t.balance_after AS NUMERIC), @now
		FROM UNNEST(@transactions) AS t;

		INSERT INTO %[2]s (id, user_id, upload_id, account_id, symbol, description, quantity,
		                   price, market_value, cost_basis, currency, asset_class, as_of, created_at)
		SELECT p.id, @user_id, @upload_id, @account_id, p.symbol, p.description,
		       CAST(p.quantity AS NUMERIC), CAST(p.price AS NUMERIC),
		       CAST(p.market_value AS NUMERIC), CAST(p.cost_basis AS NUMERIC),
		       p.currency, p.asset_class, p.as_of, @now
		FROM UNNEST(@positions) AS p;

		INSERT INTO %[3]s (id, user_id, upload_id, account_id, kind, amount, currency, as_of, created_at)
		SELECT b.id, @user_id, @upload_id, @account_id, b.kind, CAST(b.amount AS NUMERIC),
		       b.currency, b.as_of, @now
		FROM UNNEST(@balances) AS b;

		COMMIT TRANSACTION;
	`, s.table(transactionsTable), s.table(positionsTable), s.table(balancesTable))

	if _, err := s.exec(ctx, script, []bigquery.QueryParameter{
		{Name: "user_id", Value: userID},
		{Name: "upload_id", Value: uploadID},
		{Name: "account_id", Value: accountID},
		{Name: "now", Value: time.Now().UTC()},
		{Name: "transactions", Value: txs},
		{Name: "positions", Value: positions},
		{Name: "balances", Value: balances},
	}); err != nil {
		return domain.WriteCounts{}, fmt.Errorf("ReplaceUploadData: running transaction: %w", err)
	}

	return domain.WriteCounts{
		Transactions: len(txs),
		Positions:    len(positions),
		Balances:     len(balances),
	}, nil
}

// DeleteUploadData removes an upload's ledger rows and reports how many
// there were.
func (s *Store) DeleteUploadData(ctx context.Context, userID, uploadID string) (domain.RemovedCounts, error) {
	params := []bigquery.QueryParameter{
		{Name: "user_id", Value: userID},
		{Name: "upload_id", Value: uploadID},
	}

	countSQL := fmt.Sprintf(`
		SELECT
		  (SELECT COUNT(*) FROM %[1]s WHERE user_id = @user_id AND upload_id = @upload_id) AS transactions,
		  (SELECT COUNT(*) FROM %[2]s WHERE user_id = @user_id AND upload_id = @upload_id) AS positions,
		  (SELECT COUNT(*) FROM %[3]s WHERE user_id = @user_id AND upload_id = @upload_id) AS balances
	`, s.table(transactionsTable), s.table(positionsTable), s.table(balancesTable))

	counts, err := readOne[countsRow](ctx, s.client, countSQL, params)
	if err != nil {
		return domain.RemovedCounts{}, fmt.Errorf("DeleteUploadData: counting rows: %w", err)
	}
	removed := domain.RemovedCounts{
		Transactions: int(counts.Transactions),
		Positions:    int(counts.Positions),
		Balances:     int(counts.Balances),
	}
	if removed.Total() == 0 {
		return removed, nil
	}

	script := fmt.Sprintf(`
		BEGIN TRANSACTION;
		DELETE FROM %[1]s WHERE user_id = @user_id AND upload_id = @upload_id;
		DELETE FROM %[2]s WHERE user_id = @user_id AND upload_id = @upload_id;
		DELETE FROM %[3]s WHERE user_id = @user_id AND upload_id = @upload_id;
		COMMIT TRANSACTION;
	`, s.table(transactionsTable), s.table(positionsTable), s.table(balancesTable))

	if _, err := s.exec(ctx, script, params); err != nil {
		return domain.RemovedCounts{}, fmt.Errorf("DeleteUploadData: running transaction: %w", err)
	}
	return removed, nil
}

// LoadUploadData reads back the rows tagged with an upload.
func (s *Store) LoadUploadData(ctx context.Context, userID, uploadID string) (*store.UploadData, error) {
	params := []bigquery.QueryParameter{
		{Name: "user_id", Value: userID},
		{Name: "upload_id", Value: uploadID},
	}

	txRows, err := readRows[transactionRow](ctx, s.client, fmt.Sprintf(`
		SELECT id, account_id, date, description, CAST(amount AS STRING) AS amount,
		       currency, type, category, CAST(balance_after AS STRING) AS balance_after
		FROM %s
		WHERE user_id = @user_id AND upload_id = @upload_id
		ORDER BY date ASC, id ASC
	`, s.table(transactionsTable)), params)
	if err != nil {
		return nil, fmt.Errorf("LoadUploadData: reading transactions: %w", err)
	}

	posRows, err := readRows[positionRow](ctx, s.client, fmt.Sprintf(`
		SELECT id, account_id, symbol, description, CAST(quantity AS STRING) AS quantity,
		       CAST(price AS STRING) AS price, CAST(market_value AS STRING) AS market_value,
		       CAST(cost_basis AS STRING) AS cost_basis, currency, asset_class, as_of
		FROM %s
		WHERE user_id = @user_id AND upload_id = @upload_id
		ORDER BY id ASC
	`, s.table(positionsTable)), params)
	if err != nil {
		return nil, fmt.Errorf("LoadUploadData: reading positions: %w", err)
	}

	balRows, err := readRows[balanceRow](ctx, s.client, fmt.Sprintf(`
		SELECT id, account_id, kind, CAST(amount AS STRING) AS amount, currency, as_of
		FROM %s
		WHERE user_id = @user_id AND upload_id = @upload_id
		ORDER BY id ASC
	`, s.table(balancesTable)), params)
	if err != nil {
		return nil, fmt.Errorf("LoadUploadData: reading balances: %w", err)
	}

	data, err := ledgerData(txRows, posRows, balRows)
	if err != nil {
		return nil, fmt.Errorf("LoadUploadData: %w", err)
	}
	return data, nil
}

func ledgerData(txRows []transactionRow, posRows []positionRow, balRows []balanceRow) (*store.UploadData, error) {
	data := &store.UploadData{}

	for _, r := range txRows {
		amount, err := parseDecimal(r.Amount)
		if err != nil {
			return nil, fmt.Errorf("transaction %s: %w", r.ID, err)
		}
		after, err := parseNullDecimal(r.BalanceAfter)
		if err != nil {
			return nil, fmt.Errorf("transaction %s: %w", r.ID, err)
		}
		data.Transactions = append(data.Transactions, store.LedgerTransaction{
			ID:        r.ID,
			AccountID: r.AccountID,
			Transaction: domain.Transaction{
				Date:         r.Date,
				Description:  r.Description.StringVal,
				Amount:       amount,
				Currency:     r.Currency.StringVal,
				Type:         r.Type.StringVal,
				Category:     r.Category.StringVal,
				BalanceAfter: after,
			},
		})
	}

	for _, r := range posRows {
		qty, err := parseDecimal(r.Quantity)
		if err != nil {
			return nil, fmt.Errorf("position %s: %w", r.ID, err)
		}
		value, err := parseDecimal(r.MarketValue)
		if err != nil {
			return nil, fmt.Errorf("position %s: %w", r.ID, err)
		}
		price, err := parseNullDecimal(r.Price)
		if err != nil {
			return nil, fmt.Errorf("position %s: %w", r.ID, err)
		}
		cost, err := parseNullDecimal(r.CostBasis)
		if err != nil {
			return nil, fmt.Errorf("position %s: %w", r.ID, err)
		}
		data.Positions = append(data.Positions, store.LedgerPosition{
			ID:        r.ID,
			AccountID: r.AccountID,
			Position: domain.Position{
				Symbol:      r.Symbol.StringVal,
				Description: r.Description.StringVal,
				Quantity:    qty,
				Price:       price,
				MarketValue: value,
				CostBasis:   cost,
				Currency:    r.Currency.StringVal,
				AssetClass:  r.AssetClass.StringVal,
				AsOf:        datePtr(r.AsOf),
			},
		})
	}

	for _, r := range balRows {
		amount, err := parseDecimal(r.Amount)
		if err != nil {
			return nil, fmt.Errorf("balance %s: %w", r.ID, err)
		}
		data.Balances = append(data.Balances, store.LedgerBalance{
			ID:        r.ID,
			AccountID: r.AccountID,
			Balance: domain.Balance{
				Kind:     domain.BalanceKind(r.Kind),
				Amount:   amount,
				Currency: r.Currency.StringVal,
				AsOf:     datePtr(r.AsOf),
			},
		})
	}

	return data, nil
}
