package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/texttheater/golang-levenshtein/levenshtein"

	"github.com/dvloznov/statement-ingest/internal/domain"
	"github.com/dvloznov/statement-ingest/internal/store"
)

// Quality rule names.
const (
	RuleTransactionsWritten      = "transactions_written"
	RulePositionsWritten         = "positions_written"
	RuleBalanceContinuity        = "balance_continuity"
	RulePositionsMatchTotal      = "positions_match_total"
	RuleTransactionsWithinPeriod = "transactions_within_period"
	RuleNoOrphanedPositions      = "no_orphaned_positions"
	RuleAccountIdentity          = "account_identity"
)

// accountIdentityMinSimilarity is the lowest Levenshtein ratio at which the
// linked account's institution still counts as the detected one.
const accountIdentityMinSimilarity = 0.6

// QualityEngine evaluates an upload's written rows against its extraction.
type QualityEngine struct {
	ledger    store.LedgerRepository
	accounts  store.AccountRepository
	tolerance decimal.Decimal
}

type qualityInput struct {
	rec     *domain.UploadRecord
	data    *store.UploadData
	account *domain.Account
}

// Evaluate runs every rule. It only fails when the inputs cannot be loaded.
func (q *QualityEngine) Evaluate(ctx context.Context, rec *domain.UploadRecord) (domain.CheckResults, error) {
	data, err := q.ledger.LoadUploadData(ctx, rec.UserID, rec.ID)
	if err != nil {
		return domain.CheckResults{}, fmt.Errorf("Evaluate: loading upload data: %w", err)
	}

	in := qualityInput{rec: rec, data: data}
	if rec.AccountID != "" {
		acc, err := q.accounts.GetAccount(ctx, rec.UserID, rec.AccountID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return domain.CheckResults{}, fmt.Errorf("Evaluate: loading account: %w", err)
		}
		in.account = acc
	}

	rules := []func(qualityInput) domain.RuleResult{
		q.transactionsWritten,
		q.positionsWritten,
		q.balanceContinuity,
		q.positionsMatchTotal,
		q.transactionsWithinPeriod,
		q.noOrphanedPositions,
		q.accountIdentity,
	}

	results := domain.CheckResults{OverallPassed: true}
	for _, rule := range rules {
		r := rule(in)
		results.Rules = append(results.Rules, r)
		if !r.Passed {
			results.OverallPassed = false
		}
	}
	return results, nil
}

func pass(rule string, cat domain.RuleCategory, detail string) domain.RuleResult {
	return domain.RuleResult{Rule: rule, Category: cat, Passed: true, Detail: detail}
}

func fail(rule string, cat domain.RuleCategory, detail string) domain.RuleResult {
	return domain.RuleResult{Rule: rule, Category: cat, Detail: detail}
}

func skip(rule string, cat domain.RuleCategory, detail string) domain.RuleResult {
	return domain.RuleResult{Rule: rule, Category: cat, Passed: true, Skipped: true, Detail: detail}
}

func (q *QualityEngine) transactionsWritten(in qualityInput) domain.RuleResult {
	want := 0
	if in.rec.Extraction != nil {
		want = len(in.rec.Extraction.Transactions)
	}
	got := len(in.data.Transactions)
	if got != want {
		return fail(RuleTransactionsWritten, domain.CategoryCompleteness,
			fmt.Sprintf("extracted %d transactions, %d written", want, got))
	}
	return pass(RuleTransactionsWritten, domain.CategoryCompleteness, fmt.Sprintf("%d transactions", got))
}

func (q *QualityEngine) positionsWritten(in qualityInput) domain.RuleResult {
	var wantPos, wantBal int
	if in.rec.Extraction != nil {
		wantPos = len(in.rec.Extraction.Positions)
		wantBal = len(in.rec.Extraction.Balances)
	}
	gotPos, gotBal := len(in.data.Positions), len(in.data.Balances)
	if gotPos != wantPos || gotBal != wantBal {
		return fail(RulePositionsWritten, domain.CategoryCompleteness,
			fmt.Sprintf("extracted %d positions and %d balances, %d and %d written", wantPos, wantBal, gotPos, gotBal))
	}
	return pass(RulePositionsWritten, domain.CategoryCompleteness,
		fmt.Sprintf("%d positions, %d balances", gotPos, gotBal))
}

func writtenBalance(data *store.UploadData, kind domain.BalanceKind) (decimal.Decimal, bool) {
	for _, b := range data.Balances {
		if b.Kind == kind {
			return b.Amount, true
		}
	}
	return decimal.Zero, false
}

func (q *QualityEngine) balanceContinuity(in qualityInput) domain.RuleResult {
	opening, okOpen := writtenBalance(in.data, domain.BalanceOpening)
	closing, okClose := writtenBalance(in.data, domain.BalanceClosing)
	if !okOpen || !okClose {
		return skip(RuleBalanceContinuity, domain.CategoryBalance, "opening or closing balance missing")
	}

	sum := decimal.Zero
	for _, tx := range in.data.Transactions {
		sum = sum.Add(tx.Amount)
	}
	expected := opening.Add(sum)
	diff := expected.Sub(closing).Abs()
	if diff.GreaterThan(q.tolerance) {
		return fail(RuleBalanceContinuity, domain.CategoryBalance,
			fmt.Sprintf("opening %s + transactions %s = %s, closing is %s", opening, sum, expected, closing))
	}
	return pass(RuleBalanceContinuity, domain.CategoryBalance, fmt.Sprintf("difference %s", diff))
}

func (q *QualityEngine) positionsMatchTotal(in qualityInput) domain.RuleResult {
	total, ok := writtenBalance(in.data, domain.BalanceTotalValue)
	if len(in.data.Positions) == 0 || !ok {
		return skip(RulePositionsMatchTotal, domain.CategoryBalance, "no positions or no total value")
	}

	sum := decimal.Zero
	for _, p := range in.data.Positions {
		sum = sum.Add(p.MarketValue)
	}
	diff := sum.Sub(total).Abs()
	if diff.GreaterThan(q.tolerance) {
		return fail(RulePositionsMatchTotal, domain.CategoryBalance,
			fmt.Sprintf("positions sum to %s, total value is %s", sum, total))
	}
	return pass(RulePositionsMatchTotal, domain.CategoryBalance, fmt.Sprintf("difference %s", diff))
}

func (q *QualityEngine) transactionsWithinPeriod(in qualityInput) domain.RuleResult {
	start, end := in.rec.StatementStart, in.rec.StatementEnd
	if start == nil || end == nil {
		return skip(RuleTransactionsWithinPeriod, domain.CategoryDates, "statement period unknown")
	}

	outside := 0
	for _, tx := range in.data.Transactions {
		if tx.Date.Before(*start) || tx.Date.After(*end) {
			outside++
		}
	}
	if outside > 0 {
		return fail(RuleTransactionsWithinPeriod, domain.CategoryDates,
			fmt.Sprintf("%d transactions fall outside %s..%s", outside, start, end))
	}
	return pass(RuleTransactionsWithinPeriod, domain.CategoryDates, fmt.Sprintf("%s..%s", start, end))
}

func (q *QualityEngine) noOrphanedPositions(in qualityInput) domain.RuleResult {
	switch {
	case in.rec.AccountID == "":
		return fail(RuleNoOrphanedPositions, domain.CategoryLinkage, "upload is not linked to an account")
	case in.account == nil:
		return fail(RuleNoOrphanedPositions, domain.CategoryLinkage, fmt.Sprintf("account %s does not exist", in.rec.AccountID))
	case !in.account.Active:
		return fail(RuleNoOrphanedPositions, domain.CategoryLinkage, fmt.Sprintf("account %s is inactive", in.account.ID))
	}

	orphaned := 0
	for _, tx := range in.data.Transactions {
		if tx.AccountID != in.rec.AccountID {
			orphaned++
		}
	}
	for _, p := range in.data.Positions {
		if p.AccountID != in.rec.AccountID {
			orphaned++
		}
	}
	for _, b := range in.data.Balances {
		if b.AccountID != in.rec.AccountID {
			orphaned++
		}
	}
	if orphaned > 0 {
		return fail(RuleNoOrphanedPositions, domain.CategoryLinkage,
			fmt.Sprintf("%d rows reference an account other than %s", orphaned, in.rec.AccountID))
	}
	return pass(RuleNoOrphanedPositions, domain.CategoryLinkage, "")
}

func (q *QualityEngine) accountIdentity(in qualityInput) domain.RuleResult {
	var detectedName string
	if in.rec.DetectedAccount != nil {
		detectedName = in.rec.DetectedAccount.Institution
	}
	if in.account == nil || unknownInstitution(detectedName) || unknownInstitution(in.account.Institution) {
		return skip(RuleAccountIdentity, domain.CategoryLinkage, "institution missing on one side")
	}

	a := domain.NormalizeInstitution(in.account.Institution)
	b := domain.NormalizeInstitution(detectedName)
	ratio := levenshtein.RatioForStrings([]rune(a), []rune(b), levenshtein.DefaultOptions)
	if ratio < accountIdentityMinSimilarity {
		return fail(RuleAccountIdentity, domain.CategoryLinkage,
			fmt.Sprintf("linked account %q does not look like %q (similarity %.2f)", in.account.Institution, detectedName, ratio))
	}
	return pass(RuleAccountIdentity, domain.CategoryLinkage, fmt.Sprintf("similarity %.2f", ratio))
}

func unknownInstitution(name string) bool {
	name = strings.TrimSpace(name)
	return name == "" || strings.EqualFold(name, domain.UnknownInstitution)
}
