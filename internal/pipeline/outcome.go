package pipeline

import (
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/statement-ingest/internal/domain"
	"github.com/dvloznov/statement-ingest/internal/matching"
)

// StageError is the typed failure of one processing stage.
type StageError struct {
	Stage   string      `json:"stage"`
	Kind    domain.Kind `json:"kind"`
	Message string      `json:"message"`
}

func newStageError(stage string, err error) *StageError {
	if err == nil {
		return nil
	}
	return &StageError{
		Stage:   stage,
		Kind:    domain.KindOf(err),
		Message: domain.TruncateMessage(err.Error()),
	}
}

// ExtractionSummary condenses an extraction for outcomes and listings.
type ExtractionSummary struct {
	Transactions   int         `json:"transactions"`
	Positions      int         `json:"positions"`
	Balances       int         `json:"balances"`
	Confidence     float64     `json:"confidence"`
	Institution    string      `json:"institution,omitempty"`
	StatementStart *civil.Date `json:"statement_start,omitempty"`
	StatementEnd   *civil.Date `json:"statement_end,omitempty"`
}

func summarize(res *domain.ExtractionResult) *ExtractionSummary {
	if res == nil {
		return nil
	}
	return &ExtractionSummary{
		Transactions:   len(res.Transactions),
		Positions:      len(res.Positions),
		Balances:       len(res.Balances),
		Confidence:     res.Confidence,
		Institution:    res.Account.Institution,
		StatementStart: res.StatementStart,
		StatementEnd:   res.StatementEnd,
	}
}

// EntityResult reports how the statement owner was attributed.
type EntityResult struct {
	Outcome   matching.EntityOutcome `json:"outcome"`
	EntityID  string                 `json:"entity_id,omitempty"`
	OwnerName string                 `json:"owner_name,omitempty"`
}

func entityResult(m matching.EntityMatch) *EntityResult {
	r := &EntityResult{Outcome: m.Outcome, OwnerName: m.OwnerName}
	if m.Entity != nil {
		r.EntityID = m.Entity.ID
	}
	return r
}

// ProcessingOutcome is what TriggerProcessing and ConfirmUpload report.
// It is returned even when a stage failed.
type ProcessingOutcome struct {
	UploadID         string               `json:"upload_id"`
	Status           domain.ParseStatus   `json:"status"`
	ProcessCount     int                  `json:"process_count"`
	Summary          *ExtractionSummary   `json:"summary,omitempty"`
	Written          *domain.WriteCounts  `json:"written,omitempty"`
	AccountID        string               `json:"account_id,omitempty"`
	AccountCreated   bool                 `json:"account_created"`
	AccountRule      matching.Rule        `json:"account_rule,omitempty"`
	Entity           *EntityResult        `json:"entity,omitempty"`
	NewOwnerDetected string               `json:"new_owner_detected,omitempty"`
	QualityCheck     *QualityCheckOutcome `json:"quality_check,omitempty"`
	QualityError     string               `json:"quality_error,omitempty"`
	StageError       *StageError          `json:"stage_error,omitempty"`
}

// QualityCheckOutcome is the inserted check plus any automatic fix.
type QualityCheckOutcome struct {
	Check *domain.QualityCheck `json:"check"`
	Fix   *FixResult           `json:"fix,omitempty"`
}

// FixResult reports one Phase 1 fix attempt.
type FixResult struct {
	CheckID     string             `json:"check_id"`
	Status      domain.CheckStatus `json:"status"`
	Fixed       bool               `json:"fixed"`
	FixAttempts int                `json:"fix_attempts"`
	FixCount    int                `json:"fix_count"`
	Error       string             `json:"error,omitempty"`
}

// CreateUploadResult is returned by CreateUpload. Duplicate is an
// informational KindDuplicate error set when an earlier extraction of the
// same bytes was carried over.
type CreateUploadResult struct {
	Upload      *domain.UploadRecord `json:"upload"`
	Duplicate   error                `json:"-"`
	DuplicateOf string               `json:"duplicate_of,omitempty"`
}

// ProposedAccount is the account an upload would be linked to.
type ProposedAccount struct {
	Existing    *domain.Account `json:"existing,omitempty"`
	Rule        matching.Rule   `json:"rule,omitempty"`
	WouldCreate *domain.Account `json:"would_create,omitempty"`
}

// PreviewStats summarises an extraction for review.
type PreviewStats struct {
	Transactions   int             `json:"transactions"`
	Positions      int             `json:"positions"`
	Balances       int             `json:"balances"`
	TransactionSum decimal.Decimal `json:"transaction_sum"`
	FirstDate      *civil.Date     `json:"first_date,omitempty"`
	LastDate       *civil.Date     `json:"last_date,omitempty"`
	Confidence     float64         `json:"confidence"`
}

// Preview is the read-only view of what confirming an upload would do.
type Preview struct {
	UploadID   string                   `json:"upload_id"`
	Status     domain.ParseStatus       `json:"status"`
	Confirmed  bool                     `json:"confirmed"`
	Extraction *domain.ExtractionResult `json:"extraction"`
	Account    *ProposedAccount         `json:"account"`
	Entity     *EntityResult            `json:"entity"`
	Stats      PreviewStats             `json:"stats"`
}
