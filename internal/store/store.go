// Package store defines the per-user repositories the ingestion pipeline
// persists through. Every method takes the owning user explicitly; no
// implementation may read or write rows belonging to another user except
// through an AdminFailureRepository obtained with an AdminGrant.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/dvloznov/statement-ingest/internal/domain"
)

var (
	// ErrNotFound is returned when a row does not exist for the given user.
	ErrNotFound = errors.New("not found")

	// ErrProcessingInFlight is returned by BeginProcessing when a processing
	// run or a quality check already owns the upload.
	ErrProcessingInFlight = errors.New("processing already in progress")

	// ErrStatusMismatch is returned by CompareAndSetStatus when the upload is
	// not in the expected state.
	ErrStatusMismatch = errors.New("upload status precondition failed")
)

// UploadRepository persists the upload ledger.
type UploadRepository interface {
	// CreateUpload inserts a new upload record.
	CreateUpload(ctx context.Context, rec *domain.UploadRecord) error

	// GetUpload returns the upload or ErrNotFound.
	GetUpload(ctx context.Context, userID, uploadID string) (*domain.UploadRecord, error)

	// FindLatestByHash returns the most recently created upload with the given
	// content hash, or ErrNotFound.
	FindLatestByHash(ctx context.Context, userID, contentHash string) (*domain.UploadRecord, error)

	// SaveUpload overwrites the mutable fields of an existing upload.
	SaveUpload(ctx context.Context, rec *domain.UploadRecord) error

	// BeginProcessing atomically moves the upload into processing, increments
	// ProcessCount and clears ConfirmedAt and LastError. It fails with
	// ErrProcessingInFlight if the upload is processing or qc_running.
	BeginProcessing(ctx context.Context, userID, uploadID string, now time.Time) (*domain.UploadRecord, error)

	// CompareAndSetStatus moves the upload from one status to another, failing
	// with ErrStatusMismatch if the current status is not from.
	CompareAndSetStatus(ctx context.Context, userID, uploadID string, from, to domain.ParseStatus) error
}

// AccountRepository persists accounts.
type AccountRepository interface {
	// ListActiveAccounts returns the user's active accounts.
	ListActiveAccounts(ctx context.Context, userID string) ([]*domain.Account, error)

	// GetAccount returns the account or ErrNotFound.
	GetAccount(ctx context.Context, userID, accountID string) (*domain.Account, error)

	// CreateAccount inserts acc unless an account with the same normalized
	// (institution, number hint) already exists, in which case the existing
	// account is returned with created=false.
	CreateAccount(ctx context.Context, acc *domain.Account) (result *domain.Account, created bool, err error)
}

// EntityRepository persists household entities.
type EntityRepository interface {
	ListEntities(ctx context.Context, userID string) ([]*domain.Entity, error)

	// EnsureDefaultEntity returns the user's default entity, creating it if the
	// user has none. A user never ends up with two default entities.
	EnsureDefaultEntity(ctx context.Context, userID string) (*domain.Entity, error)
}

// QualityCheckRepository persists quality check history.
type QualityCheckRepository interface {
	InsertQualityCheck(ctx context.Context, qc *domain.QualityCheck) error
	UpdateQualityCheck(ctx context.Context, qc *domain.QualityCheck) error
	GetQualityCheck(ctx context.Context, userID, checkID string) (*domain.QualityCheck, error)

	// LatestQualityCheck returns the newest check for the upload, or ErrNotFound.
	LatestQualityCheck(ctx context.Context, userID, uploadID string) (*domain.QualityCheck, error)
}

// FailureRepository records repeated extraction failures.
type FailureRepository interface {
	InsertFailure(ctx context.Context, f *domain.ExtractionFailure) error
	ListFailures(ctx context.Context, userID, uploadID string) ([]*domain.ExtractionFailure, error)
}

// AdminFailureRepository is the cross-user failure view. It is only handed
// out by Store.AdminFailures for a valid AdminGrant.
type AdminFailureRepository interface {
	GetFailure(ctx context.Context, failureID string) (*domain.ExtractionFailure, error)
	ResolveFailure(ctx context.Context, failureID, notes string, at time.Time) error
}

// SettingsRepository persists per-user oracle preferences.
type SettingsRepository interface {
	// GetSettings returns the user's settings or ErrNotFound.
	GetSettings(ctx context.Context, userID string) (*domain.UserSettings, error)
	SaveSettings(ctx context.Context, s *domain.UserSettings) error
}

// LedgerRepository owns the canonical transaction, position and balance rows.
// Every row is tagged with the upload that produced it.
type LedgerRepository interface {
	// ReplaceUploadData deletes all rows tagged with uploadID and inserts the
	// extraction's rows in their place, as one atomic unit where the backend
	// supports it. Calling it twice with the same input leaves the same rows.
	ReplaceUploadData(ctx context.Context, userID, uploadID, accountID string, res *domain.ExtractionResult) (domain.WriteCounts, error)

	// DeleteUploadData removes all rows tagged with uploadID. Missing rows are
	// not an error.
	DeleteUploadData(ctx context.Context, userID, uploadID string) (domain.RemovedCounts, error)

	// LoadUploadData returns the rows currently tagged with uploadID.
	LoadUploadData(ctx context.Context, userID, uploadID string) (*UploadData, error)
}

// UploadData is the set of canonical rows written for one upload.
type UploadData struct {
	Transactions []LedgerTransaction
	Positions    []LedgerPosition
	Balances     []LedgerBalance
}

// LedgerTransaction is a written transaction with its account linkage.
type LedgerTransaction struct {
	ID        string
	AccountID string
	domain.Transaction
}

// LedgerPosition is a written position snapshot with its account linkage.
type LedgerPosition struct {
	ID        string
	AccountID string
	domain.Position
}

// LedgerBalance is a written balance snapshot with its account linkage.
type LedgerBalance struct {
	ID        string
	AccountID string
	domain.Balance
}

// Counts returns the number of rows per table.
func (d *UploadData) Counts() domain.WriteCounts {
	if d == nil {
		return domain.WriteCounts{}
	}
	return domain.WriteCounts{
		Transactions: len(d.Transactions),
		Positions:    len(d.Positions),
		Balances:     len(d.Balances),
	}
}

// Store is the full persistence surface of one backend.
type Store interface {
	UploadRepository
	AccountRepository
	EntityRepository
	QualityCheckRepository
	FailureRepository
	SettingsRepository
	LedgerRepository

	// AdminFailures constructs a privileged failure repository for one
	// operation. It fails for a zero grant.
	AdminFailures(grant AdminGrant) (AdminFailureRepository, error)

	Close() error
}
