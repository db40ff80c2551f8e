package pipeline

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/statement-ingest/internal/domain"
	"github.com/dvloznov/statement-ingest/internal/store/inmemory"
)

func date(day int) civil.Date {
	return civil.Date{Year: 2024, Month: time.January, Day: day}
}

func datePtr(day int) *civil.Date {
	d := date(day)
	return &d
}

func tx(day int, amount string) domain.Transaction {
	return domain.Transaction{Date: date(day), Description: "line", Amount: decimal.RequireFromString(amount)}
}

func bal(kind domain.BalanceKind, amount string) domain.Balance {
	return domain.Balance{Kind: kind, Amount: decimal.RequireFromString(amount)}
}

func baseExtraction() *domain.ExtractionResult {
	return &domain.ExtractionResult{
		Account:        domain.DetectedAccount{Institution: "Barclays", NumberHint: "1234"},
		StatementStart: datePtr(1),
		StatementEnd:   datePtr(31),
		Transactions:   []domain.Transaction{tx(2, "-10"), tx(3, "-20"), tx(4, "50")},
		Balances:       []domain.Balance{bal(domain.BalanceOpening, "100"), bal(domain.BalanceClosing, "120")},
	}
}

type qualityCase struct {
	st  *inmemory.Store
	rec *domain.UploadRecord
	acc *domain.Account
}

// newQualityCase writes res for a confirmed upload linked to an active
// Barclays account.
func newQualityCase(t *testing.T, res *domain.ExtractionResult) *qualityCase {
	t.Helper()
	st := inmemory.NewStore()
	acc := &domain.Account{ID: "acc-1", UserID: "u1", Institution: "Barclays", NumberHint: "1234", Active: true, CreatedAt: time.Now()}
	st.PutAccount(acc)

	rec := &domain.UploadRecord{ID: "up-1", UserID: "u1", ParseStatus: domain.ParseStatusCompleted, AccountID: acc.ID}
	rec.ApplyExtraction(res, "")
	_, err := st.ReplaceUploadData(context.Background(), rec.UserID, rec.ID, acc.ID, res)
	require.NoError(t, err)
	return &qualityCase{st: st, rec: rec, acc: acc}
}

func (c *qualityCase) evaluate(t *testing.T) domain.CheckResults {
	t.Helper()
	engine := &QualityEngine{ledger: c.st, accounts: c.st, tolerance: decimal.RequireFromString("0.01")}
	results, err := engine.Evaluate(context.Background(), c.rec)
	require.NoError(t, err)
	require.Len(t, results.Rules, 7)
	return results
}

func ruleResult(t *testing.T, results domain.CheckResults, rule string) domain.RuleResult {
	t.Helper()
	for _, r := range results.Rules {
		if r.Rule == rule {
			return r
		}
	}
	t.Fatalf("rule %s not evaluated", rule)
	return domain.RuleResult{}
}

func TestQualityEngine_Rules(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(t *testing.T) *qualityCase
		rule        string
		wantPassed  bool
		wantSkipped bool
	}{
		{
			name:       "balanced statement",
			setup:      func(t *testing.T) *qualityCase { return newQualityCase(t, baseExtraction()) },
			rule:       RuleBalanceContinuity,
			wantPassed: true,
		},
		{
			name: "difference within tolerance",
			setup: func(t *testing.T) *qualityCase {
				res := baseExtraction()
				res.Balances[1] = bal(domain.BalanceClosing, "120.005")
				return newQualityCase(t, res)
			},
			rule:       RuleBalanceContinuity,
			wantPassed: true,
		},
		{
			name: "closing balance off",
			setup: func(t *testing.T) *qualityCase {
				res := baseExtraction()
				res.Balances[1] = bal(domain.BalanceClosing, "130")
				return newQualityCase(t, res)
			},
			rule: RuleBalanceContinuity,
		},
		{
			name: "no closing balance",
			setup: func(t *testing.T) *qualityCase {
				res := baseExtraction()
				res.Balances = res.Balances[:1]
				return newQualityCase(t, res)
			},
			rule:        RuleBalanceContinuity,
			wantPassed:  true,
			wantSkipped: true,
		},
		{
			name: "positions disagree with total value",
			setup: func(t *testing.T) *qualityCase {
				res := baseExtraction()
				res.Positions = []domain.Position{
					{Symbol: "VWRL", Quantity: decimal.NewFromInt(10), MarketValue: decimal.RequireFromString("950.00")},
					{Symbol: "VUSA", Quantity: decimal.NewFromInt(5), MarketValue: decimal.RequireFromString("400.00")},
				}
				res.Balances = append(res.Balances, bal(domain.BalanceTotalValue, "1400.00"))
				return newQualityCase(t, res)
			},
			rule: RulePositionsMatchTotal,
		},
		{
			name: "positions match total value",
			setup: func(t *testing.T) *qualityCase {
				res := baseExtraction()
				res.Positions = []domain.Position{
					{Symbol: "VWRL", Quantity: decimal.NewFromInt(10), MarketValue: decimal.RequireFromString("950.00")},
				}
				res.Balances = append(res.Balances, bal(domain.BalanceTotalValue, "950.00"))
				return newQualityCase(t, res)
			},
			rule:       RulePositionsMatchTotal,
			wantPassed: true,
		},
		{
			name:        "no positions",
			setup:       func(t *testing.T) *qualityCase { return newQualityCase(t, baseExtraction()) },
			rule:        RulePositionsMatchTotal,
			wantPassed:  true,
			wantSkipped: true,
		},
		{
			name: "transaction after statement end",
			setup: func(t *testing.T) *qualityCase {
				res := baseExtraction()
				res.StatementEnd = datePtr(3)
				return newQualityCase(t, res)
			},
			rule: RuleTransactionsWithinPeriod,
		},
		{
			name: "statement period unknown",
			setup: func(t *testing.T) *qualityCase {
				res := baseExtraction()
				res.StatementStart = nil
				return newQualityCase(t, res)
			},
			rule:        RuleTransactionsWithinPeriod,
			wantPassed:  true,
			wantSkipped: true,
		},
		{
			name: "fewer rows written than extracted",
			setup: func(t *testing.T) *qualityCase {
				c := newQualityCase(t, baseExtraction())
				more := baseExtraction()
				more.Transactions = append(more.Transactions, tx(5, "1"))
				c.rec.ApplyExtraction(more, "")
				return c
			},
			rule: RuleTransactionsWritten,
		},
		{
			name: "balances missing from ledger",
			setup: func(t *testing.T) *qualityCase {
				c := newQualityCase(t, baseExtraction())
				more := baseExtraction()
				more.Balances = append(more.Balances, bal(domain.BalanceAvailable, "120"))
				c.rec.ApplyExtraction(more, "")
				return c
			},
			rule: RulePositionsWritten,
		},
		{
			name: "rows tagged with another account",
			setup: func(t *testing.T) *qualityCase {
				c := newQualityCase(t, baseExtraction())
				c.st.RetagAccount("u1", "up-1", "acc-other")
				return c
			},
			rule: RuleNoOrphanedPositions,
		},
		{
			name: "linked account inactive",
			setup: func(t *testing.T) *qualityCase {
				c := newQualityCase(t, baseExtraction())
				inactive := *c.acc
				inactive.Active = false
				c.st.PutAccount(&inactive)
				return c
			},
			rule: RuleNoOrphanedPositions,
		},
		{
			name: "linked account missing",
			setup: func(t *testing.T) *qualityCase {
				c := newQualityCase(t, baseExtraction())
				c.rec.AccountID = "acc-gone"
				return c
			},
			rule: RuleNoOrphanedPositions,
		},
		{
			name: "institution differs",
			setup: func(t *testing.T) *qualityCase {
				res := baseExtraction()
				res.Account.Institution = "Vanguard"
				return newQualityCase(t, res)
			},
			rule: RuleAccountIdentity,
		},
		{
			name: "institution close enough",
			setup: func(t *testing.T) *qualityCase {
				res := baseExtraction()
				res.Account.Institution = "Barclays Bank"
				return newQualityCase(t, res)
			},
			rule:       RuleAccountIdentity,
			wantPassed: true,
		},
		{
			name: "institution unknown",
			setup: func(t *testing.T) *qualityCase {
				res := baseExtraction()
				res.Account.Institution = domain.UnknownInstitution
				return newQualityCase(t, res)
			},
			rule:        RuleAccountIdentity,
			wantPassed:  true,
			wantSkipped: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := tt.setup(t).evaluate(t)
			r := ruleResult(t, results, tt.rule)

			assert.Equal(t, tt.wantPassed, r.Passed, r.Detail)
			assert.Equal(t, tt.wantSkipped, r.Skipped)
			if !tt.wantPassed {
				assert.False(t, results.OverallPassed)
				assert.Contains(t, results.Failed(), tt.rule)
			}
		})
	}
}

func TestQualityEngine_CleanUploadPassesEverything(t *testing.T) {
	results := newQualityCase(t, baseExtraction()).evaluate(t)

	assert.True(t, results.OverallPassed)
	assert.Empty(t, results.Failed())
	for _, r := range results.Rules {
		assert.True(t, r.Passed, "%s: %s", r.Rule, r.Detail)
	}
}
