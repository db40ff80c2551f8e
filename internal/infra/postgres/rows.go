package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dvloznov/statement-ingest/internal/domain"
)

var uploadColumns = []string{
	"id", "user_id", "filename", "storage_path", "file_type", "content_hash", "size_bytes",
	"parse_status", "process_count", "failure_streak", "last_error",
	"extraction", "raw_response", "detected_account", "account_id", "confirmed_at",
	"statement_start", "statement_end", "qc_status_message", "oracle_mode",
	"created_at", "updated_at",
}

// uploadMutableColumns are the columns SaveUpload overwrites.
var uploadMutableColumns = []string{
	"parse_status", "process_count", "failure_streak", "last_error",
	"extraction", "raw_response", "detected_account", "account_id", "confirmed_at",
	"statement_start", "statement_end", "qc_status_message", "oracle_mode", "updated_at",
}

// uploadValues maps an upload onto its columns. JSONB columns carry the
// encoded document, or nil for NULL.
func uploadValues(rec *domain.UploadRecord) (map[string]any, error) {
	var extraction, detected []byte
	if rec.Extraction != nil {
		b, err := json.Marshal(rec.Extraction)
		if err != nil {
			return nil, fmt.Errorf("marshaling extraction: %w", err)
		}
		extraction = b
	}
	if rec.DetectedAccount != nil {
		b, err := json.Marshal(rec.DetectedAccount)
		if err != nil {
			return nil, fmt.Errorf("marshaling detected account: %w", err)
		}
		detected = b
	}

	return map[string]any{
		"id":                rec.ID,
		"user_id":           rec.UserID,
		"filename":          rec.Filename,
		"storage_path":      rec.StoragePath,
		"file_type":         rec.FileType,
		"content_hash":      rec.ContentHash,
		"size_bytes":        rec.SizeBytes,
		"parse_status":      string(rec.ParseStatus),
		"process_count":     rec.ProcessCount,
		"failure_streak":    rec.FailureStreak,
		"last_error":        nullText(rec.LastError),
		"extraction":        extraction,
		"raw_response":      nullText(rec.RawResponse),
		"detected_account":  detected,
		"account_id":        nullText(rec.AccountID),
		"confirmed_at":      rec.ConfirmedAt,
		"statement_start":   dateArg(rec.StatementStart),
		"statement_end":     dateArg(rec.StatementEnd),
		"qc_status_message": nullText(rec.QCStatusMessage),
		"oracle_mode":       nullText(rec.OracleMode),
		"created_at":        rec.CreatedAt,
		"updated_at":        rec.UpdatedAt,
	}, nil
}

// ordered returns values for cols in order.
func ordered(values map[string]any, cols []string) []any {
	out := make([]any, 0, len(cols))
	for _, c := range cols {
		out = append(out, values[c])
	}
	return out
}

// subset returns the entries of values named by cols.
func subset(values map[string]any, cols []string) map[string]any {
	out := make(map[string]any, len(cols))
	for _, c := range cols {
		out[c] = values[c]
	}
	return out
}

func scanUpload(row scanner) (*domain.UploadRecord, error) {
	var (
		rec                                             domain.UploadRecord
		status                                          string
		lastErr, raw, accountID, qcMessage, oracleMode  *string
		extraction, detected                            []byte
		statementStart, statementEnd                    *time.Time
	)
	if err := row.Scan(
		&rec.ID, &rec.UserID, &rec.Filename, &rec.StoragePath, &rec.FileType, &rec.ContentHash, &rec.SizeBytes,
		&status, &rec.ProcessCount, &rec.FailureStreak, &lastErr,
		&extraction, &raw, &detected, &accountID, &rec.ConfirmedAt,
		&statementStart, &statementEnd, &qcMessage, &oracleMode,
		&rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rec.ParseStatus = domain.ParseStatus(status)
	rec.LastError = textOf(lastErr)
	rec.RawResponse = textOf(raw)
	rec.AccountID = textOf(accountID)
	rec.QCStatusMessage = textOf(qcMessage)
	rec.OracleMode = textOf(oracleMode)
	rec.StatementStart = dateOf(statementStart)
	rec.StatementEnd = dateOf(statementEnd)

	if extraction != nil {
		var res domain.ExtractionResult
		if err := json.Unmarshal(extraction, &res); err != nil {
			return nil, fmt.Errorf("upload %s: decoding extraction: %w", rec.ID, err)
		}
		rec.Extraction = &res
	}
	if detected != nil {
		var acc domain.DetectedAccount
		if err := json.Unmarshal(detected, &acc); err != nil {
			return nil, fmt.Errorf("upload %s: decoding detected account: %w", rec.ID, err)
		}
		rec.DetectedAccount = &acc
	}
	return &rec, nil
}

var accountColumns = []string{
	"id", "user_id", "institution", "account_type", "number_hint", "nickname",
	"group_tag", "entity_id", "active", "created_at",
}

func scanAccount(row scanner) (*domain.Account, error) {
	var (
		acc                                             domain.Account
		accountType, numberHint, nickname, tag, entity  *string
	)
	if err := row.Scan(
		&acc.ID, &acc.UserID, &acc.Institution, &accountType, &numberHint, &nickname,
		&tag, &entity, &acc.Active, &acc.CreatedAt,
	); err != nil {
		return nil, err
	}
	acc.AccountType = textOf(accountType)
	acc.NumberHint = textOf(numberHint)
	acc.Nickname = textOf(nickname)
	acc.GroupTag = textOf(tag)
	acc.EntityID = textOf(entity)
	return &acc, nil
}

var entityColumns = []string{"id", "user_id", "display_name", "type", "is_default", "created_at"}

func scanEntity(row scanner) (*domain.Entity, error) {
	var (
		e   domain.Entity
		typ string
	)
	if err := row.Scan(&e.ID, &e.UserID, &e.DisplayName, &typ, &e.IsDefault, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Type = domain.EntityType(typ)
	return &e, nil
}

var checkColumns = []string{
	"id", "upload_id", "user_id", "check_status", "checks", "fix_attempts", "fix_count",
	"resolved_at", "resolution_notes", "created_at", "updated_at",
}

var checkMutableColumns = []string{
	"check_status", "checks", "fix_attempts", "fix_count", "resolved_at", "resolution_notes", "updated_at",
}

func checkValues(qc *domain.QualityCheck) (map[string]any, error) {
	b, err := json.Marshal(qc.Checks)
	if err != nil {
		return nil, fmt.Errorf("marshaling checks: %w", err)
	}
	return map[string]any{
		"id":               qc.ID,
		"upload_id":        qc.UploadID,
		"user_id":          qc.UserID,
		"check_status":     string(qc.CheckStatus),
		"checks":           b,
		"fix_attempts":     qc.FixAttempts,
		"fix_count":        qc.FixCount,
		"resolved_at":      qc.ResolvedAt,
		"resolution_notes": nullText(qc.ResolutionNotes),
		"created_at":       qc.CreatedAt,
		"updated_at":       qc.UpdatedAt,
	}, nil
}

func scanCheck(row scanner) (*domain.QualityCheck, error) {
	var (
		qc     domain.QualityCheck
		status string
		checks []byte
		notes  *string
	)
	if err := row.Scan(
		&qc.ID, &qc.UploadID, &qc.UserID, &status, &checks, &qc.FixAttempts, &qc.FixCount,
		&qc.ResolvedAt, &notes, &qc.CreatedAt, &qc.UpdatedAt,
	); err != nil {
		return nil, err
	}
	qc.CheckStatus = domain.CheckStatus(status)
	qc.ResolutionNotes = textOf(notes)
	if err := json.Unmarshal(checks, &qc.Checks); err != nil {
		return nil, fmt.Errorf("quality check %s: decoding checks: %w", qc.ID, err)
	}
	return &qc, nil
}

var failureColumns = []string{
	"id", "user_id", "upload_id", "filename", "file_type", "storage_path", "attempt_number",
	"error_message", "oracle_mode", "size_bytes", "created_at", "resolved_at", "resolution_notes",
}

func scanFailure(row scanner) (*domain.ExtractionFailure, error) {
	var (
		f                                                       domain.ExtractionFailure
		filename, fileType, path, message, mode, notes          *string
		size                                                    *int64
	)
	if err := row.Scan(
		&f.ID, &f.UserID, &f.UploadID, &filename, &fileType, &path, &f.AttemptNumber,
		&message, &mode, &size, &f.CreatedAt, &f.ResolvedAt, &notes,
	); err != nil {
		return nil, err
	}
	f.Filename = textOf(filename)
	f.FileType = textOf(fileType)
	f.StoragePath = textOf(path)
	f.ErrorMessage = textOf(message)
	f.OracleMode = textOf(mode)
	f.ResolutionNotes = textOf(notes)
	if size != nil {
		f.SizeBytes = *size
	}
	return &f, nil
}
