package domain

import (
	"time"

	"cloud.google.com/go/civil"
)

// ParseStatus is the lifecycle state of an UploadRecord.
type ParseStatus string

const (
	ParseStatusPending    ParseStatus = "pending"
	ParseStatusProcessing ParseStatus = "processing"
	ParseStatusCompleted  ParseStatus = "completed"
	ParseStatusPartial    ParseStatus = "partial"
	ParseStatusFailed     ParseStatus = "failed"
	ParseStatusQCRunning  ParseStatus = "qc_running"
)

// Valid reports whether s is a known status.
func (s ParseStatus) Valid() bool {
	switch s {
	case ParseStatusPending, ParseStatusProcessing, ParseStatusCompleted,
		ParseStatusPartial, ParseStatusFailed, ParseStatusQCRunning:
		return true
	}
	return false
}

// Busy reports whether a processing run or a quality check owns the upload.
func (s ParseStatus) Busy() bool {
	return s == ParseStatusProcessing || s == ParseStatusQCRunning
}

// BusyStatuses lists the statuses for which Busy is true, for store queries.
func BusyStatuses() []string {
	return []string{string(ParseStatusProcessing), string(ParseStatusQCRunning)}
}

// CanStartProcessing reports whether a (re)processing attempt may begin from s.
// Every idle state is reprocessable; failed is never a dead end.
func (s ParseStatus) CanStartProcessing() bool {
	return !s.Busy()
}

// Reusable reports whether an upload in status s carries an extraction that a
// byte-identical re-upload may inherit.
func (s ParseStatus) Reusable() bool {
	return s == ParseStatusCompleted || s == ParseStatusPartial
}

// UploadRecord is the ledger row that drives the ingestion pipeline.
// It is never physically deleted; Revert only unconfirms it.
type UploadRecord struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	Filename    string `json:"filename"`
	StoragePath string `json:"storage_path"`
	FileType    string `json:"file_type"`
	ContentHash string `json:"content_hash"`
	SizeBytes   int64  `json:"size_bytes"`

	ParseStatus   ParseStatus `json:"parse_status"`
	ProcessCount  int         `json:"process_count"`
	FailureStreak int         `json:"failure_streak"`
	LastError     string      `json:"last_error,omitempty"`

	Extraction      *ExtractionResult `json:"extraction,omitempty"`
	RawResponse     string            `json:"raw_response,omitempty"`
	DetectedAccount *DetectedAccount  `json:"detected_account,omitempty"`
	AccountID       string            `json:"account_id,omitempty"`
	ConfirmedAt     *time.Time        `json:"confirmed_at,omitempty"`

	StatementStart *civil.Date `json:"statement_start,omitempty"`
	StatementEnd   *civil.Date `json:"statement_end,omitempty"`

	QCStatusMessage string `json:"qc_status_message,omitempty"`
	OracleMode      string `json:"oracle_mode,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Confirmed reports whether the upload's data has been written to the ledger.
func (u *UploadRecord) Confirmed() bool {
	return u.ConfirmedAt != nil
}

// ApplyExtraction stores a new extraction on the record, superseding any
// previous one, and copies the statement period and detected account.
func (u *UploadRecord) ApplyExtraction(res *ExtractionResult, raw string) {
	u.Extraction = res
	u.RawResponse = raw
	if res == nil {
		u.DetectedAccount = nil
		u.StatementStart = nil
		u.StatementEnd = nil
		return
	}
	acc := res.Account
	u.DetectedAccount = &acc
	u.StatementStart = res.StatementStart
	u.StatementEnd = res.StatementEnd
}

// Clone returns a deep-enough copy for stores that hand out records by value.
func (u *UploadRecord) Clone() *UploadRecord {
	if u == nil {
		return nil
	}
	c := *u
	if u.ConfirmedAt != nil {
		t := *u.ConfirmedAt
		c.ConfirmedAt = &t
	}
	if u.DetectedAccount != nil {
		d := *u.DetectedAccount
		c.DetectedAccount = &d
	}
	if u.StatementStart != nil {
		d := *u.StatementStart
		c.StatementStart = &d
	}
	if u.StatementEnd != nil {
		d := *u.StatementEnd
		c.StatementEnd = &d
	}
	c.Extraction = u.Extraction.Clone()
	return &c
}

// MaxErrorMessageLength bounds error text persisted on records.
const MaxErrorMessageLength = 2000

// TruncateMessage clips msg to MaxErrorMessageLength runes.
func TruncateMessage(msg string) string {
	r := []rune(msg)
	if len(r) <= MaxErrorMessageLength {
		return msg
	}
	return string(r[:MaxErrorMessageLength])
}
