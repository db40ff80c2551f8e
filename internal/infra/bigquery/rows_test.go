package bigquery

import (
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/statement-ingest/internal/domain"
)

func TestUploadRow_RoundTrip(t *testing.T) {
	confirmed := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	start := civil.Date{Year: 2024, Month: time.January, Day: 1}
	after := decimal.RequireFromString("90.25")

	rec := &domain.UploadRecord{
		ID:            "up-1",
		UserID:        "u1",
		Filename:      "jan.pdf",
		StoragePath:   "gs://bucket/users/u1/abc/jan.pdf",
		FileType:      "application/pdf",
		ContentHash:   "abc",
		SizeBytes:     1024,
		ParseStatus:   domain.ParseStatusCompleted,
		ProcessCount:  2,
		AccountID:     "acc-1",
		ConfirmedAt:   &confirmed,
		OracleMode:    "gemini",
		CreatedAt:     confirmed.Add(-time.Hour),
		UpdatedAt:     confirmed,
		FailureStreak: 0,
	}
	rec.ApplyExtraction(&domain.ExtractionResult{
		Account:        domain.DetectedAccount{Institution: "Barclays", NumberHint: "1234"},
		StatementStart: &start,
		Transactions: []domain.Transaction{
			{Date: start, Description: "Coffee", Amount: decimal.RequireFromString("-9.75"), BalanceAfter: &after},
		},
		Confidence: 0.8,
	}, `{"raw": true}`)

	row, err := newUploadRow(rec)
	require.NoError(t, err)
	assert.False(t, row.LastError.Valid)
	assert.True(t, row.ExtractionJSON.Valid)
	assert.False(t, row.StatementEnd.Valid)

	got, err := row.toDomain()
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.ParseStatus, got.ParseStatus)
	assert.Equal(t, rec.ProcessCount, got.ProcessCount)
	assert.True(t, confirmed.Equal(*got.ConfirmedAt))
	assert.Equal(t, start, *got.StatementStart)
	assert.Nil(t, got.StatementEnd)
	require.NotNil(t, got.DetectedAccount)
	assert.Equal(t, "Barclays", got.DetectedAccount.Institution)
	require.NotNil(t, got.Extraction)
	require.Len(t, got.Extraction.Transactions, 1)
	assert.True(t, got.Extraction.Transactions[0].Amount.Equal(decimal.RequireFromString("-9.75")))
	assert.True(t, got.Extraction.Transactions[0].BalanceAfter.Equal(after))
}

func TestUploadRow_UnconfirmedHasNulls(t *testing.T) {
	row, err := newUploadRow(&domain.UploadRecord{ID: "up-1", UserID: "u1", ParseStatus: domain.ParseStatusPending})
	require.NoError(t, err)

	values := row.values()
	assert.Equal(t, bigquery.NullTimestamp{}, values["confirmed_at"])
	assert.Equal(t, bigquery.NullString{}, values["account_id"])
	assert.Equal(t, bigquery.NullString{}, values["extraction_json"])
	assert.Len(t, values, len(uploadColumns))
	for _, c := range uploadMutableColumns {
		assert.Contains(t, values, c)
	}
}

func TestCheckRow_RoundTrip(t *testing.T) {
	now := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	qc := &domain.QualityCheck{
		ID:          "qc-1",
		UploadID:    "up-1",
		UserID:      "u1",
		CheckStatus: domain.CheckUnresolved,
		Checks: domain.CheckResults{Rules: []domain.RuleResult{
			{Rule: "balance_continuity", Category: domain.CategoryBalance, Detail: "off by 10"},
		}},
		FixAttempts: 1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	row, err := newCheckRow(qc)
	require.NoError(t, err)
	assert.Len(t, row.values(), len(checkColumns))

	got, err := row.toDomain()
	require.NoError(t, err)
	assert.Equal(t, qc.CheckStatus, got.CheckStatus)
	assert.Equal(t, qc.Checks, got.Checks)
	assert.Nil(t, got.ResolvedAt)
}

func TestLedgerData(t *testing.T) {
	date := civil.Date{Year: 2024, Month: time.January, Day: 3}

	data, err := ledgerData(
		[]transactionRow{{ID: "t1", AccountID: "acc-1", Date: date, Amount: "-12.500000000"}},
		[]positionRow{{ID: "p1", AccountID: "acc-1", Quantity: "10", MarketValue: "950.5", Price: bigquery.NullString{StringVal: "95.05", Valid: true}}},
		[]balanceRow{{ID: "b1", AccountID: "acc-1", Kind: "closing", Amount: "100"}},
	)
	require.NoError(t, err)
	assert.Equal(t, domain.WriteCounts{Transactions: 1, Positions: 1, Balances: 1}, data.Counts())
	assert.True(t, data.Transactions[0].Amount.Equal(decimal.RequireFromString("-12.5")))
	assert.Nil(t, data.Transactions[0].BalanceAfter)
	assert.True(t, data.Positions[0].Price.Equal(decimal.RequireFromString("95.05")))
	assert.Nil(t, data.Positions[0].CostBasis)
	assert.Equal(t, domain.BalanceClosing, data.Balances[0].Kind)

	_, err = ledgerData([]transactionRow{{ID: "t1", Amount: "twelve"}}, nil, nil)
	assert.Error(t, err)
}

func TestSQLBuilders(t *testing.T) {
	s := &Store{projectID: "proj", datasetID: "ds"}
	assert.Equal(t, "`proj.ds.uploads`", s.table(uploadsTable))
	assert.Equal(t, "INSERT INTO t (a, b) VALUES (@a, @b)", insertSQL("t", []string{"a", "b"}))
	assert.Equal(t, "a = @a, b = @b", setClause([]string{"a", "b"}))
}
