package domain

import (
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// DetectedAccount is the account metadata the oracle read off the statement header.
type DetectedAccount struct {
	Institution string `json:"institution,omitempty"`
	AccountType string `json:"account_type,omitempty"`
	NumberHint  string `json:"number_hint,omitempty"`
	Nickname    string `json:"nickname,omitempty"`
	OwnerName   string `json:"owner_name,omitempty"`
	Currency    string `json:"currency,omitempty"`
}

// Transaction is one discrete ledger line. Amount is signed: inflows positive.
type Transaction struct {
	Date         civil.Date       `json:"date"`
	Description  string           `json:"description"`
	Amount       decimal.Decimal  `json:"amount"`
	Currency     string           `json:"currency,omitempty"`
	Type         string           `json:"type,omitempty"`
	Category     string           `json:"category,omitempty"`
	BalanceAfter *decimal.Decimal `json:"balance_after,omitempty"`
}

// Position is a point-in-time holding snapshot.
type Position struct {
	Symbol      string           `json:"symbol,omitempty"`
	Description string           `json:"description,omitempty"`
	Quantity    decimal.Decimal  `json:"quantity"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	MarketValue decimal.Decimal  `json:"market_value"`
	CostBasis   *decimal.Decimal `json:"cost_basis,omitempty"`
	Currency    string           `json:"currency,omitempty"`
	AssetClass  string           `json:"asset_class,omitempty"`
	AsOf        *civil.Date      `json:"as_of,omitempty"`
}

// BalanceKind classifies a balance snapshot.
type BalanceKind string

const (
	BalanceOpening    BalanceKind = "opening"
	BalanceClosing    BalanceKind = "closing"
	BalanceAvailable  BalanceKind = "available"
	BalanceCash       BalanceKind = "cash"
	BalanceTotalValue BalanceKind = "total_value"
)

// Balance is a point-in-time balance snapshot.
type Balance struct {
	Kind     BalanceKind     `json:"kind"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency,omitempty"`
	AsOf     *civil.Date     `json:"as_of,omitempty"`
}

// ExtractionResult is the structured output of one oracle call.
// A newer result supersedes an older one; results are never merged.
type ExtractionResult struct {
	Transactions   []Transaction   `json:"transactions"`
	Positions      []Position      `json:"positions"`
	Balances       []Balance       `json:"balances"`
	Account        DetectedAccount `json:"account"`
	Confidence     float64         `json:"confidence"`
	Notes          string          `json:"notes,omitempty"`
	StatementStart *civil.Date     `json:"statement_start,omitempty"`
	StatementEnd   *civil.Date     `json:"statement_end,omitempty"`
}

// Empty reports whether the extraction parsed but carried no data rows.
func (r *ExtractionResult) Empty() bool {
	return r == nil || (len(r.Transactions) == 0 && len(r.Positions) == 0 && len(r.Balances) == 0)
}

// Balance returns the first balance of the given kind.
func (r *ExtractionResult) Balance(kind BalanceKind) (Balance, bool) {
	if r == nil {
		return Balance{}, false
	}
	for _, b := range r.Balances {
		if b.Kind == kind {
			return b, true
		}
	}
	return Balance{}, false
}

// Clone copies the result and its slices.
func (r *ExtractionResult) Clone() *ExtractionResult {
	if r == nil {
		return nil
	}
	c := *r
	c.Transactions = append([]Transaction(nil), r.Transactions...)
	c.Positions = append([]Position(nil), r.Positions...)
	c.Balances = append([]Balance(nil), r.Balances...)
	return &c
}

// WriteCounts summarises rows written for one upload.
type WriteCounts struct {
	Transactions int `json:"transactions"`
	Positions    int `json:"positions"`
	Balances     int `json:"balances"`
}

// RemovedCounts summarises rows deleted by a revert.
type RemovedCounts struct {
	Transactions int `json:"transactions"`
	Positions    int `json:"positions"`
	Balances     int `json:"balances"`
}

// Total returns the number of rows removed across all tables.
func (c RemovedCounts) Total() int {
	return c.Transactions + c.Positions + c.Balances
}
