package bigquery

import (
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/statement-ingest/internal/domain"
)

type uploadRow struct {
	ID          string `bigquery:"id"`           // REQUIRED
	UserID      string `bigquery:"user_id"`      // REQUIRED
	Filename    string `bigquery:"filename"`     // REQUIRED
	StoragePath string `bigquery:"storage_path"` // REQUIRED
	FileType    string `bigquery:"file_type"`    // REQUIRED
	ContentHash string `bigquery:"content_hash"` // REQUIRED
	SizeBytes   int64  `bigquery:"size_bytes"`   // REQUIRED

	ParseStatus   string              `bigquery:"parse_status"`   // REQUIRED
	ProcessCount  int64               `bigquery:"process_count"`  // REQUIRED
	FailureStreak int64               `bigquery:"failure_streak"` // REQUIRED
	LastError     bigquery.NullString `bigquery:"last_error"`     // NULLABLE

	ExtractionJSON bigquery.NullString    `bigquery:"extraction_json"` // NULLABLE
	RawResponse    bigquery.NullString    `bigquery:"raw_response"`    // NULLABLE
	DetectedJSON   bigquery.NullString    `bigquery:"detected_json"`   // NULLABLE
	AccountID      bigquery.NullString    `bigquery:"account_id"`      // NULLABLE
	ConfirmedAt    bigquery.NullTimestamp `bigquery:"confirmed_at"`    // NULLABLE

	StatementStart bigquery.NullDate `bigquery:"statement_start"` // NULLABLE
	StatementEnd   bigquery.NullDate `bigquery:"statement_end"`   // NULLABLE

	QCStatusMessage bigquery.NullString `bigquery:"qc_status_message"` // NULLABLE
	OracleMode      bigquery.NullString `bigquery:"oracle_mode"`       // NULLABLE

	CreatedAt time.Time `bigquery:"created_at"` // REQUIRED
	UpdatedAt time.Time `bigquery:"updated_at"` // REQUIRED
}

var uploadColumns = []string{
	"id", "user_id", "filename", "storage_path", "file_type", "content_hash", "size_bytes",
	"parse_status", "process_count", "failure_streak", "last_error",
	"extraction_json", "raw_response", "detected_json", "account_id", "confirmed_at",
	"statement_start", "statement_end", "qc_status_message", "oracle_mode",
	"created_at", "updated_at",
}

// uploadMutableColumns are the columns SaveUpload overwrites.
var uploadMutableColumns = []string{
	"parse_status", "process_count", "failure_streak", "last_error",
	"extraction_json", "raw_response", "detected_json", "account_id", "confirmed_at",
	"statement_start", "statement_end", "qc_status_message", "oracle_mode", "updated_at",
}

func newUploadRow(rec *domain.UploadRecord) (*uploadRow, error) {
	row := &uploadRow{
		ID:              rec.ID,
		UserID:          rec.UserID,
		Filename:        rec.Filename,
		StoragePath:     rec.StoragePath,
		FileType:        rec.FileType,
		ContentHash:     rec.ContentHash,
		SizeBytes:       rec.SizeBytes,
		ParseStatus:     string(rec.ParseStatus),
		ProcessCount:    int64(rec.ProcessCount),
		FailureStreak:   int64(rec.FailureStreak),
		LastError:       nullString(rec.LastError),
		RawResponse:     nullString(rec.RawResponse),
		AccountID:       nullString(rec.AccountID),
		ConfirmedAt:     nullTimestamp(rec.ConfirmedAt),
		StatementStart:  nullDate(rec.StatementStart),
		StatementEnd:    nullDate(rec.StatementEnd),
		QCStatusMessage: nullString(rec.QCStatusMessage),
		OracleMode:      nullString(rec.OracleMode),
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}

	if rec.Extraction != nil {
		b, err := json.Marshal(rec.Extraction)
		if err != nil {
			return nil, fmt.Errorf("newUploadRow: marshaling extraction: %w", err)
		}
		row.ExtractionJSON = nullString(string(b))
	}
	if rec.DetectedAccount != nil {
		b, err := json.Marshal(rec.DetectedAccount)
		if err != nil {
			return nil, fmt.Errorf("newUploadRow: marshaling detected account: %w", err)
		}
		row.DetectedJSON = nullString(string(b))
	}
	return row, nil
}

func (r *uploadRow) values() map[string]interface{} {
	return map[string]interface{}{
		"id":                r.ID,
		"user_id":           r.UserID,
		"filename":          r.Filename,
		"storage_path":      r.StoragePath,
		"file_type":         r.FileType,
		"content_hash":      r.ContentHash,
		"size_bytes":        r.SizeBytes,
		"parse_status":      r.ParseStatus,
		"process_count":     r.ProcessCount,
		"failure_streak":    r.FailureStreak,
		"last_error":        r.LastError,
		"extraction_json":   r.ExtractionJSON,
		"raw_response":      r.RawResponse,
		"detected_json":     r.DetectedJSON,
		"account_id":        r.AccountID,
		"confirmed_at":      r.ConfirmedAt,
		"statement_start":   r.StatementStart,
		"statement_end":     r.StatementEnd,
		"qc_status_message": r.QCStatusMessage,
		"oracle_mode":       r.OracleMode,
		"created_at":        r.CreatedAt,
		"updated_at":        r.UpdatedAt,
	}
}

func (r *uploadRow) toDomain() (*domain.UploadRecord, error) {
	rec := &domain.UploadRecord{
		ID:              r.ID,
		UserID:          r.UserID,
		Filename:        r.Filename,
		StoragePath:     r.StoragePath,
		FileType:        r.FileType,
		ContentHash:     r.ContentHash,
		SizeBytes:       r.SizeBytes,
		ParseStatus:     domain.ParseStatus(r.ParseStatus),
		ProcessCount:    int(r.ProcessCount),
		FailureStreak:   int(r.FailureStreak),
		LastError:       r.LastError.StringVal,
		RawResponse:     r.RawResponse.StringVal,
		AccountID:       r.AccountID.StringVal,
		ConfirmedAt:     timePtr(r.ConfirmedAt),
		StatementStart:  datePtr(r.StatementStart),
		StatementEnd:    datePtr(r.StatementEnd),
		QCStatusMessage: r.QCStatusMessage.StringVal,
		OracleMode:      r.OracleMode.StringVal,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}

	if r.ExtractionJSON.Valid {
		var res domain.ExtractionResult
		if err := json.Unmarshal([]byte(r.ExtractionJSON.StringVal), &res); err != nil {
			return nil, fmt.Errorf("upload %s: decoding extraction: %w", r.ID, err)
		}
		rec.Extraction = &res
	}
	if r.DetectedJSON.Valid {
		var acc domain.DetectedAccount
		if err := json.Unmarshal([]byte(r.DetectedJSON.StringVal), &acc); err != nil {
			return nil, fmt.Errorf("upload %s: decoding detected account: %w", r.ID, err)
		}
		rec.DetectedAccount = &acc
	}
	return rec, nil
}

type accountRow struct {
	ID          string              `bigquery:"id"`
	UserID      string              `bigquery:"user_id"`
	Institution string              `bigquery:"institution"`
	AccountType bigquery.NullString `bigquery:"account_type"`
	NumberHint  bigquery.NullString `bigquery:"number_hint"`
	Nickname    bigquery.NullString `bigquery:"nickname"`
	GroupTag    bigquery.NullString `bigquery:"group_tag"`
	EntityID    bigquery.NullString `bigquery:"entity_id"`
	AccountKey  string              `bigquery:"account_key"`
	Active      bool                `bigquery:"active"`
	CreatedAt   time.Time           `bigquery:"created_at"`
}

func (r *accountRow) toDomain() *domain.Account {
	return &domain.Account{
		ID:          r.ID,
		UserID:      r.UserID,
		Institution: r.Institution,
		AccountType: r.AccountType.StringVal,
		NumberHint:  r.NumberHint.StringVal,
		Nickname:    r.Nickname.StringVal,
		GroupTag:    r.GroupTag.StringVal,
		EntityID:    r.EntityID.StringVal,
		Active:      r.Active,
		CreatedAt:   r.CreatedAt,
	}
}

type entityRow struct {
	ID          string    `bigquery:"id"`
	UserID      string    `bigquery:"user_id"`
	DisplayName string    `bigquery:"display_name"`
	Type        string    `bigquery:"type"`
	IsDefault   bool      `bigquery:"is_default"`
	CreatedAt   time.Time `bigquery:"created_at"`
}

func (r *entityRow) toDomain() *domain.Entity {
	return &domain.Entity{
		ID:          r.ID,
		UserID:      r.UserID,
		DisplayName: r.DisplayName,
		Type:        domain.EntityType(r.Type),
		IsDefault:   r.IsDefault,
		CreatedAt:   r.CreatedAt,
	}
}

type settingsRow struct {
	UserID         string              `bigquery:"user_id"`
	ExtractionMode bigquery.NullString `bigquery:"extraction_mode"`
	Preset         bigquery.NullString `bigquery:"preset"`
	UpdatedAt      time.Time           `bigquery:"updated_at"`
}

type checkRow struct {
	ID              string                 `bigquery:"id"`
	UploadID        string                 `bigquery:"upload_id"`
	UserID          string                 `bigquery:"user_id"`
	CheckStatus     string                 `bigquery:"check_status"`
	ChecksJSON      string                 `bigquery:"checks_json"`
	FixAttempts     int64                  `bigquery:"fix_attempts"`
	FixCount        int64                  `bigquery:"fix_count"`
	ResolvedAt      bigquery.NullTimestamp `bigquery:"resolved_at"`
	ResolutionNotes bigquery.NullString    `bigquery:"resolution_notes"`
	CreatedAt       time.Time              `bigquery:"created_at"`
	UpdatedAt       time.Time              `bigquery:"updated_at"`
}

var checkColumns = []string{
	"id", "upload_id", "user_id", "check_status", "checks_json", "fix_attempts", "fix_count",
	"resolved_at", "resolution_notes", "created_at", "updated_at",
}

var checkMutableColumns = []string{
	"check_status", "checks_json", "fix_attempts", "fix_count", "resolved_at", "resolution_notes", "updated_at",
}

func newCheckRow(qc *domain.QualityCheck) (*checkRow, error) {
	b, err := json.Marshal(qc.Checks)
	if err != nil {
		return nil, fmt.Errorf("newCheckRow: marshaling checks: %w", err)
	}
	return &checkRow{
		ID:              qc.ID,
		UploadID:        qc.UploadID,
		UserID:          qc.UserID,
		CheckStatus:     string(qc.CheckStatus),
		ChecksJSON:      string(b),
		FixAttempts:     int64(qc.FixAttempts),
		FixCount:        int64(qc.FixCount),
		ResolvedAt:      nullTimestamp(qc.ResolvedAt),
		ResolutionNotes: nullString(qc.ResolutionNotes),
		CreatedAt:       qc.CreatedAt,
		UpdatedAt:       qc.UpdatedAt,
	}, nil
}

func (r *checkRow) values() map[string]interface{} {
	return map[string]interface{}{
		"id":               r.ID,
		"upload_id":        r.UploadID,
		"user_id":          r.UserID,
		"check_status":     r.CheckStatus,
		"checks_json":      r.ChecksJSON,
		"fix_attempts":     r.FixAttempts,
		"fix_count":        r.FixCount,
		"resolved_at":      r.ResolvedAt,
		"resolution_notes": r.ResolutionNotes,
		"created_at":       r.CreatedAt,
		"updated_at":       r.UpdatedAt,
	}
}

func (r *checkRow) toDomain() (*domain.QualityCheck, error) {
	qc := &domain.QualityCheck{
		ID:              r.ID,
		UploadID:        r.UploadID,
		UserID:          r.UserID,
		CheckStatus:     domain.CheckStatus(r.CheckStatus),
		FixAttempts:     int(r.FixAttempts),
		FixCount:        int(r.FixCount),
		ResolvedAt:      timePtr(r.ResolvedAt),
		ResolutionNotes: r.ResolutionNotes.StringVal,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.ChecksJSON), &qc.Checks); err != nil {
		return nil, fmt.Errorf("quality check %s: decoding checks: %w", r.ID, err)
	}
	return qc, nil
}

type failureRow struct {
	ID              string                 `bigquery:"id"`
	UserID          string                 `bigquery:"user_id"`
	UploadID        string                 `bigquery:"upload_id"`
	Filename        bigquery.NullString    `bigquery:"filename"`
	FileType        bigquery.NullString    `bigquery:"file_type"`
	StoragePath     bigquery.NullString    `bigquery:"storage_path"`
	AttemptNumber   int64                  `bigquery:"attempt_number"`
	ErrorMessage    bigquery.NullString    `bigquery:"error_message"`
	OracleMode      bigquery.NullString    `bigquery:"oracle_mode"`
	SizeBytes       bigquery.NullInt64     `bigquery:"size_bytes"`
	CreatedAt       time.Time              `bigquery:"created_at"`
	ResolvedAt      bigquery.NullTimestamp `bigquery:"resolved_at"`
	ResolutionNotes bigquery.NullString    `bigquery:"resolution_notes"`
}

func (r *failureRow) toDomain() *domain.ExtractionFailure {
	return &domain.ExtractionFailure{
		ID:              r.ID,
		UserID:          r.UserID,
		UploadID:        r.UploadID,
		Filename:        r.Filename.StringVal,
		FileType:        r.FileType.StringVal,
		StoragePath:     r.StoragePath.StringVal,
		AttemptNumber:   int(r.AttemptNumber),
		ErrorMessage:    r.ErrorMessage.StringVal,
		OracleMode:      r.OracleMode.StringVal,
		SizeBytes:       r.SizeBytes.Int64,
		CreatedAt:       r.CreatedAt,
		ResolvedAt:      timePtr(r.ResolvedAt),
		ResolutionNotes: r.ResolutionNotes.StringVal,
	}
}

// Ledger rows are written through ARRAY<STRUCT> parameters. Amounts travel
// as strings and are cast to NUMERIC in SQL so no precision is lost.

type transactionParam struct {
	ID           string              `bigquery:"id"`
	Date         civil.Date          `bigquery:"date"`
	Description  string              `bigquery:"description"`
	Amount       string              `bigquery:"amount"`
	Currency     string              `bigquery:"currency"`
	Type         string              `bigquery:"type"`
	Category     string              `bigquery:"category"`
	BalanceAfter bigquery.NullString `bigquery:"balance_after"`
}

type positionParam struct {
	ID          string              `bigquery:"id"`
	Symbol      string              `bigquery:"symbol"`
	Description string              `bigquery:"description"`
	Quantity    string              `bigquery:"quantity"`
	Price       bigquery.NullString `bigquery:"price"`
	MarketValue string              `bigquery:"market_value"`
	CostBasis   bigquery.NullString `bigquery:"cost_basis"`
	Currency    string              `bigquery:"currency"`
	AssetClass  string              `bigquery:"asset_class"`
	AsOf        bigquery.NullDate   `bigquery:"as_of"`
}

type balanceParam struct {
	ID       string            `bigquery:"id"`
	Kind     string            `bigquery:"kind"`
	Amount   string            `bigquery:"amount"`
	Currency string            `bigquery:"currency"`
	AsOf     bigquery.NullDate `bigquery:"as_of"`
}

type transactionRow struct {
	ID           string              `bigquery:"id"`
	AccountID    string              `bigquery:"account_id"`
	Date         civil.Date          `bigquery:"date"`
	Description  bigquery.NullString `bigquery:"description"`
	Amount       string              `bigquery:"amount"`
	Currency     bigquery.NullString `bigquery:"currency"`
	Type         bigquery.NullString `bigquery:"type"`
	Category     bigquery.NullString `bigquery:"category"`
	BalanceAfter bigquery.NullString `bigquery:"balance_after"`
}

type positionRow struct {
	ID          string              `bigquery:"id"`
	AccountID   string              `bigquery:"account_id"`
	Symbol      bigquery.NullString `bigquery:"symbol"`
	Description bigquery.NullString `bigquery:"description"`
	Quantity    string              `bigquery:"quantity"`
	Price       bigquery.NullString `bigquery:"price"`
	MarketValue string              `bigquery:"market_value"`
	CostBasis   bigquery.NullString `bigquery:"cost_basis"`
	Currency    bigquery.NullString `bigquery:"currency"`
	AssetClass  bigquery.NullString `bigquery:"asset_class"`
	AsOf        bigquery.NullDate   `bigquery:"as_of"`
}

type balanceRow struct {
	ID        string              `bigquery:"id"`
	AccountID string              `bigquery:"account_id"`
	Kind      string              `bigquery:"kind"`
	Amount    string              `bigquery:"amount"`
	Currency  bigquery.NullString `bigquery:"currency"`
	AsOf      bigquery.NullDate   `bigquery:"as_of"`
}

type countsRow struct {
	Transactions int64 `bigquery:"transactions"`
	Positions    int64 `bigquery:"positions"`
	Balances     int64 `bigquery:"balances"`
}

func nullString(s string) bigquery.NullString {
	return bigquery.NullString{StringVal: s, Valid: s != ""}
}

func nullDecimal(d *decimal.Decimal) bigquery.NullString {
	if d == nil {
		return bigquery.NullString{}
	}
	return bigquery.NullString{StringVal: d.String(), Valid: true}
}

func nullTimestamp(t *time.Time) bigquery.NullTimestamp {
	if t == nil {
		return bigquery.NullTimestamp{}
	}
	return bigquery.NullTimestamp{Timestamp: *t, Valid: true}
}

func nullDate(d *civil.Date) bigquery.NullDate {
	if d == nil {
		return bigquery.NullDate{}
	}
	return bigquery.NullDate{Date: *d, Valid: true}
}

func timePtr(t bigquery.NullTimestamp) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Timestamp
	return &v
}

func datePtr(d bigquery.NullDate) *civil.Date {
	if !d.Valid {
		return nil
	}
	v := d.Date
	return &v
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing amount %q: %w", s, err)
	}
	return d, nil
}

func parseNullDecimal(s bigquery.NullString) (*decimal.Decimal, error) {
	if !s.Valid {
		return nil, nil
	}
	d, err := parseDecimal(s.StringVal)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
