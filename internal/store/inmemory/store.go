// Package inmemory is a mutex-guarded implementation of store.Store. It is
// safe for concurrent use and is used for local runs and tests. Data is lost
// on restart.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dvloznov/statement-ingest/internal/domain"
	"github.com/dvloznov/statement-ingest/internal/store"
	"github.com/google/uuid"
)

// Store holds every table in maps keyed by row ID.
type Store struct {
	mu sync.RWMutex

	uploads  map[string]*domain.UploadRecord
	accounts map[string]*domain.Account
	entities map[string]*domain.Entity
	checks   map[string]*domain.QualityCheck
	failures map[string]*domain.ExtractionFailure
	settings map[string]*domain.UserSettings
	ledger   map[string]*uploadRows // keyed by user_id + upload_id

	// insertion order breaks CreatedAt ties
	order map[string]int
	seq   int
}

type uploadRows struct {
	userID string
	data   store.UploadData
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		uploads:  make(map[string]*domain.UploadRecord),
		accounts: make(map[string]*domain.Account),
		entities: make(map[string]*domain.Entity),
		checks:   make(map[string]*domain.QualityCheck),
		failures: make(map[string]*domain.ExtractionFailure),
		settings: make(map[string]*domain.UserSettings),
		ledger:   make(map[string]*uploadRows),
		order:    make(map[string]int),
	}
}

// Close implements store.Store.
func (s *Store) Close() error {
	return nil
}

// CreateUpload implements store.UploadRepository.
func (s *Store) CreateUpload(ctx context.Context, rec *domain.UploadRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("CreateUpload: upload ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.uploads[rec.ID]; exists {
		return fmt.Errorf("CreateUpload: upload %s already exists", rec.ID)
	}
	s.seq++
	s.order[rec.ID] = s.seq
	s.uploads[rec.ID] = rec.Clone()
	return nil
}

// GetUpload implements store.UploadRepository.
func (s *Store) GetUpload(ctx context.Context, userID, uploadID string) (*domain.UploadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.uploads[uploadID]
	if !ok || rec.UserID != userID {
		return nil, store.ErrNotFound
	}
	return rec.Clone(), nil
}

// FindLatestByHash implements store.UploadRepository.
func (s *Store) FindLatestByHash(ctx context.Context, userID, contentHash string) (*domain.UploadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.UploadRecord
	for _, rec := range s.uploads {
		if rec.UserID != userID || rec.ContentHash != contentHash {
			continue
		}
		if latest == nil || s.newer(rec.ID, rec.CreatedAt, latest.ID, latest.CreatedAt) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	return latest.Clone(), nil
}

func (s *Store) newer(aID string, aAt time.Time, bID string, bAt time.Time) bool {
	if !aAt.Equal(bAt) {
		return aAt.After(bAt)
	}
	return s.order[aID] > s.order[bID]
}

// SaveUpload implements store.UploadRepository.
func (s *Store) SaveUpload(ctx context.Context, rec *domain.UploadRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.uploads[rec.ID]
	if !ok || existing.UserID != rec.UserID {
		return store.ErrNotFound
	}
	c := rec.Clone()
	c.CreatedAt = existing.CreatedAt
	s.uploads[rec.ID] = c
	return nil
}

// BeginProcessing implements store.UploadRepository.
func (s *Store) BeginProcessing(ctx context.Context, userID, uploadID string, now time.Time) (*domain.UploadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.uploads[uploadID]
	if !ok || rec.UserID != userID {
		return nil, store.ErrNotFound
	}
	if !rec.ParseStatus.CanStartProcessing() {
		return nil, store.ErrProcessingInFlight
	}
	rec.ParseStatus = domain.ParseStatusProcessing
	rec.ProcessCount++
	rec.ConfirmedAt = nil
	rec.LastError = ""
	rec.UpdatedAt = now
	return rec.Clone(), nil
}

// CompareAndSetStatus implements store.UploadRepository.
func (s *Store) CompareAndSetStatus(ctx context.Context, userID, uploadID string, from, to domain.ParseStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.uploads[uploadID]
	if !ok || rec.UserID != userID {
		return store.ErrNotFound
	}
	if rec.ParseStatus != from {
		return store.ErrStatusMismatch
	}
	rec.ParseStatus = to
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// ListActiveAccounts implements store.AccountRepository.
func (s *Store) ListActiveAccounts(ctx context.Context, userID string) ([]*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Account
	for _, acc := range s.accounts {
		if acc.UserID == userID && acc.Active {
			c := *acc
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// GetAccount implements store.AccountRepository.
func (s *Store) GetAccount(ctx context.Context, userID, accountID string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[accountID]
	if !ok || acc.UserID != userID {
		return nil, store.ErrNotFound
	}
	c := *acc
	return &c, nil
}

// CreateAccount implements store.AccountRepository.
func (s *Store) CreateAccount(ctx context.Context, acc *domain.Account) (*domain.Account, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := acc.Key()
	for _, existing := range s.accounts {
		if existing.UserID == acc.UserID && existing.Key() == key {
			c := *existing
			return &c, false, nil
		}
	}

	c := *acc
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.accounts[c.ID] = &c
	out := c
	return &out, true, nil
}

// PutAccount stores an account as-is. Used to seed fixtures.
func (s *Store) PutAccount(acc *domain.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *acc
	s.accounts[c.ID] = &c
}

// ListEntities implements store.EntityRepository.
func (s *Store) ListEntities(ctx context.Context, userID string) ([]*domain.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Entity
	for _, e := range s.entities {
		if e.UserID == userID {
			c := *e
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// EnsureDefaultEntity implements store.EntityRepository.
func (s *Store) EnsureDefaultEntity(ctx context.Context, userID string) (*domain.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entities {
		if e.UserID == userID && e.IsDefault {
			c := *e
			return &c, nil
		}
	}
	e := &domain.Entity{
		ID:          uuid.New().String(),
		UserID:      userID,
		DisplayName: domain.DefaultEntityName,
		Type:        domain.EntityPersonal,
		IsDefault:   true,
		CreatedAt:   time.Now().UTC(),
	}
	s.entities[e.ID] = e
	c := *e
	return &c, nil
}

// PutEntity stores an entity as-is. Used to seed fixtures.
func (s *Store) PutEntity(e *domain.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *e
	s.entities[c.ID] = &c
}

// InsertQualityCheck implements store.QualityCheckRepository.
func (s *Store) InsertQualityCheck(ctx context.Context, qc *domain.QualityCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.checks[qc.ID]; exists {
		return fmt.Errorf("InsertQualityCheck: check %s already exists", qc.ID)
	}
	s.seq++
	s.order[qc.ID] = s.seq
	s.checks[qc.ID] = cloneCheck(qc)
	return nil
}

// UpdateQualityCheck implements store.QualityCheckRepository.
func (s *Store) UpdateQualityCheck(ctx context.Context, qc *domain.QualityCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.checks[qc.ID]
	if !ok || existing.UserID != qc.UserID {
		return store.ErrNotFound
	}
	c := cloneCheck(qc)
	c.CreatedAt = existing.CreatedAt
	s.checks[qc.ID] = c
	return nil
}

// GetQualityCheck implements store.QualityCheckRepository.
func (s *Store) GetQualityCheck(ctx context.Context, userID, checkID string) (*domain.QualityCheck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	qc, ok := s.checks[checkID]
	if !ok || qc.UserID != userID {
		return nil, store.ErrNotFound
	}
	return cloneCheck(qc), nil
}

// LatestQualityCheck implements store.QualityCheckRepository.
func (s *Store) LatestQualityCheck(ctx context.Context, userID, uploadID string) (*domain.QualityCheck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.QualityCheck
	for _, qc := range s.checks {
		if qc.UserID != userID || qc.UploadID != uploadID {
			continue
		}
		if latest == nil || s.newer(qc.ID, qc.CreatedAt, latest.ID, latest.CreatedAt) {
			latest = qc
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	return cloneCheck(latest), nil
}

// CountQualityChecks returns how many checks exist for an upload.
func (s *Store) CountQualityChecks(userID, uploadID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, qc := range s.checks {
		if qc.UserID == userID && qc.UploadID == uploadID {
			n++
		}
	}
	return n
}

func cloneCheck(qc *domain.QualityCheck) *domain.QualityCheck {
	c := *qc
	c.Checks.Rules = append([]domain.RuleResult(nil), qc.Checks.Rules...)
	if qc.ResolvedAt != nil {
		t := *qc.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// InsertFailure implements store.FailureRepository.
func (s *Store) InsertFailure(ctx context.Context, f *domain.ExtractionFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.failures[f.ID]; exists {
		return fmt.Errorf("InsertFailure: failure %s already exists", f.ID)
	}
	c := *f
	s.failures[f.ID] = &c
	return nil
}

// ListFailures implements store.FailureRepository.
func (s *Store) ListFailures(ctx context.Context, userID, uploadID string) ([]*domain.ExtractionFailure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.ExtractionFailure
	for _, f := range s.failures {
		if f.UserID == userID && (uploadID == "" || f.UploadID == uploadID) {
			c := *f
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AttemptNumber < result[j].AttemptNumber })
	return result, nil
}

// AdminFailures implements store.Store.
func (s *Store) AdminFailures(grant store.AdminGrant) (store.AdminFailureRepository, error) {
	if err := store.CheckGrant(grant); err != nil {
		return nil, err
	}
	return &adminFailures{s: s}, nil
}

type adminFailures struct {
	s *Store
}

func (a *adminFailures) GetFailure(ctx context.Context, failureID string) (*domain.ExtractionFailure, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()

	f, ok := a.s.failures[failureID]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *f
	return &c, nil
}

func (a *adminFailures) ResolveFailure(ctx context.Context, failureID, notes string, at time.Time) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	f, ok := a.s.failures[failureID]
	if !ok {
		return store.ErrNotFound
	}
	t := at
	f.ResolvedAt = &t
	f.ResolutionNotes = notes
	return nil
}

// GetSettings implements store.SettingsRepository.
func (s *Store) GetSettings(ctx context.Context, userID string) (*domain.UserSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.settings[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *st
	return &c, nil
}

// SaveSettings implements store.SettingsRepository.
func (s *Store) SaveSettings(ctx context.Context, st *domain.UserSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *st
	s.settings[st.UserID] = &c
	return nil
}

func ledgerKey(userID, uploadID string) string {
	return userID + "/" + uploadID
}

// ReplaceUploadData implements store.LedgerRepository. The swap happens
// under the write lock so readers never see a half-written upload.
func (s *Store) ReplaceUploadData(ctx context.Context, userID, uploadID, accountID string, res *domain.ExtractionResult) (domain.WriteCounts, error) {
	if res == nil {
		return domain.WriteCounts{}, fmt.Errorf("ReplaceUploadData: extraction is required")
	}

	rows := &uploadRows{userID: userID}
	for _, tx := range res.Transactions {
		rows.data.Transactions = append(rows.data.Transactions, store.LedgerTransaction{ID: uuid.New().String(), AccountID: accountID, Transaction: tx})
	}
	for _, p := range res.Positions {
		rows.data.Positions = append(rows.data.Positions, store.LedgerPosition{ID: uuid.New().String(), AccountID: accountID, Position: p})
	}
	for _, b := range res.Balances {
		rows.data.Balances = append(rows.data.Balances, store.LedgerBalance{ID: uuid.New().String(), AccountID: accountID, Balance: b})
	}

	s.mu.Lock()
	s.ledger[ledgerKey(userID, uploadID)] = rows
	s.mu.Unlock()

	return rows.data.Counts(), nil
}

// DeleteUploadData implements store.LedgerRepository.
func (s *Store) DeleteUploadData(ctx context.Context, userID, uploadID string) (domain.RemovedCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ledgerKey(userID, uploadID)
	rows, ok := s.ledger[key]
	if !ok {
		return domain.RemovedCounts{}, nil
	}
	delete(s.ledger, key)
	c := rows.data.Counts()
	return domain.RemovedCounts{Transactions: c.Transactions, Positions: c.Positions, Balances: c.Balances}, nil
}

// LoadUploadData implements store.LedgerRepository.
func (s *Store) LoadUploadData(ctx context.Context, userID, uploadID string) (*store.UploadData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, ok := s.ledger[ledgerKey(userID, uploadID)]
	if !ok {
		return &store.UploadData{}, nil
	}
	out := store.UploadData{
		Transactions: append([]store.LedgerTransaction(nil), rows.data.Transactions...),
		Positions:    append([]store.LedgerPosition(nil), rows.data.Positions...),
		Balances:     append([]store.LedgerBalance(nil), rows.data.Balances...),
	}
	return &out, nil
}

// RetagAccount rewrites the account of every row written for an upload.
// Used by tests to simulate orphaned rows.
func (s *Store) RetagAccount(userID, uploadID, accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, ok := s.ledger[ledgerKey(userID, uploadID)]
	if !ok {
		return
	}
	for i := range rows.data.Transactions {
		rows.data.Transactions[i].AccountID = accountID
	}
	for i := range rows.data.Positions {
		rows.data.Positions[i].AccountID = accountID
	}
	for i := range rows.data.Balances {
		rows.data.Balances[i].AccountID = accountID
	}
}

// Ensure Store implements store.Store.
var _ store.Store = (*Store)(nil)
