package pipeline_test

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/statement-ingest/internal/domain"
	"github.com/dvloznov/statement-ingest/internal/gcs"
	"github.com/dvloznov/statement-ingest/internal/jobs"
	"github.com/dvloznov/statement-ingest/internal/oracle"
	"github.com/dvloznov/statement-ingest/internal/pipeline"
	"github.com/dvloznov/statement-ingest/internal/store"
	"github.com/dvloznov/statement-ingest/internal/store/inmemory"
)

const userID = "u1"

var januaryCSV = []byte("date,description,amount\n2024-01-02,Line 1,-10\n2024-01-03,Line 2,-20\n2024-01-04,Line 3,50\n")

// statementJSON renders an oracle reply with an opening balance of 100.
func statementJSON(closing string, amounts ...string) string {
	txs := make([]string, 0, len(amounts))
	for i, a := range amounts {
		txs = append(txs, fmt.Sprintf(`{"date": "2024-01-%02d", "description": "Line %d", "amount": %s}`, i+2, i+1, a))
	}
	return fmt.Sprintf(`{
  "account": {"institution": "Barclays", "number_hint": "****1234", "currency": "GBP"},
  "statement_start": "2024-01-01",
  "statement_end": "2024-01-31",
  "transactions": [%s],
  "positions": [],
  "balances": [{"kind": "opening", "amount": 100}, {"kind": "closing", "amount": %s}],
  "confidence": 0.92
}`, strings.Join(txs, ", "), closing)
}

var (
	balancedStatement   = statementJSON("120", "-10", "-20", "50")
	mismatchedStatement = statementJSON("130", "-10", "-20", "50")
	correctedStatement  = statementJSON("130", "-10", "-20", "60")
)

type scriptedOracle struct {
	mu           sync.Mutex
	CompleteFunc func(ctx context.Context, call oracle.Call) (string, error)
	calls        []oracle.Call
}

func (o *scriptedOracle) Complete(ctx context.Context, call oracle.Call) (string, error) {
	o.mu.Lock()
	o.calls = append(o.calls, call)
	o.mu.Unlock()
	return o.CompleteFunc(ctx, call)
}

func (o *scriptedOracle) Calls() []oracle.Call {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]oracle.Call(nil), o.calls...)
}

type recordingPublisher struct {
	mu   sync.Mutex
	jobs []*jobs.NotifyJob
}

func (p *recordingPublisher) PublishNotify(ctx context.Context, job *jobs.NotifyJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Kinds() []jobs.NotifyKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	var kinds []jobs.NotifyKind
	for _, j := range p.jobs {
		kinds = append(kinds, j.Kind)
	}
	return kinds
}

type mockFileStore struct {
	PutFunc    func(ctx context.Context, objectName, contentType string, data []byte) (string, error)
	GetFunc    func(ctx context.Context, uri string) ([]byte, error)
	DeleteFunc func(ctx context.Context, uri string) error
}

func (m *mockFileStore) Put(ctx context.Context, objectName, contentType string, data []byte) (string, error) {
	return m.PutFunc(ctx, objectName, contentType, data)
}

func (m *mockFileStore) Get(ctx context.Context, uri string) ([]byte, error) {
	return m.GetFunc(ctx, uri)
}

func (m *mockFileStore) Delete(ctx context.Context, uri string) error {
	return m.DeleteFunc(ctx, uri)
}

// faultyStore lets a test break single repository methods.
type faultyStore struct {
	*inmemory.Store
	LoadUploadDataFunc func(ctx context.Context, userID, uploadID string) (*store.UploadData, error)
	CreateAccountFunc  func(ctx context.Context, acc *domain.Account) (*domain.Account, bool, error)
	CreateUploadFunc   func(ctx context.Context, rec *domain.UploadRecord) error
	ReplaceDataFunc    func(ctx context.Context, userID, uploadID, accountID string, res *domain.ExtractionResult) (domain.WriteCounts, error)
}

func (f *faultyStore) ReplaceUploadData(ctx context.Context, userID, uploadID, accountID string, res *domain.ExtractionResult) (domain.WriteCounts, error) {
	if f.ReplaceDataFunc != nil {
		return f.ReplaceDataFunc(ctx, userID, uploadID, accountID, res)
	}
	return f.Store.ReplaceUploadData(ctx, userID, uploadID, accountID, res)
}

func (f *faultyStore) CreateUpload(ctx context.Context, rec *domain.UploadRecord) error {
	if f.CreateUploadFunc != nil {
		return f.CreateUploadFunc(ctx, rec)
	}
	return f.Store.CreateUpload(ctx, rec)
}

func (f *faultyStore) LoadUploadData(ctx context.Context, userID, uploadID string) (*store.UploadData, error) {
	if f.LoadUploadDataFunc != nil {
		return f.LoadUploadDataFunc(ctx, userID, uploadID)
	}
	return f.Store.LoadUploadData(ctx, userID, uploadID)
}

func (f *faultyStore) CreateAccount(ctx context.Context, acc *domain.Account) (*domain.Account, bool, error) {
	if f.CreateAccountFunc != nil {
		return f.CreateAccountFunc(ctx, acc)
	}
	return f.Store.CreateAccount(ctx, acc)
}

type fixture struct {
	store      *inmemory.Store
	files      *gcs.MemoryStore
	oracle     *scriptedOracle
	dispatcher *oracle.Dispatcher
	pub        *recordingPublisher
	opts       pipeline.Options
	svc        *pipeline.Service
}

func newFixture(t *testing.T, respond func(call oracle.Call) (string, error)) *fixture {
	t.Helper()

	f := &fixture{
		store: inmemory.NewStore(),
		files: gcs.NewMemoryStore("test"),
		oracle: &scriptedOracle{CompleteFunc: func(ctx context.Context, call oracle.Call) (string, error) {
			return respond(call)
		}},
		pub:  &recordingPublisher{},
		opts: pipeline.DefaultOptions(),
	}
	f.dispatcher = oracle.NewDispatcher(oracle.DefaultPresets(), oracle.PresetBalanced)
	f.dispatcher.Register(oracle.ModeGemini, f.oracle)
	f.svc = pipeline.New(f.store, f.files, f.dispatcher, f.pub, f.opts)
	return f
}

// rebuild recreates the service over st, keeping everything else.
func (f *fixture) rebuild(st store.Store) {
	f.svc = pipeline.New(st, f.files, f.dispatcher, f.pub, f.opts)
}

func always(reply string) func(call oracle.Call) (string, error) {
	return func(call oracle.Call) (string, error) { return reply, nil }
}

func (f *fixture) upload(t *testing.T, data []byte) *domain.UploadRecord {
	t.Helper()
	res, err := f.svc.CreateUpload(context.Background(), userID, data, "text/csv", "jan.csv")
	require.NoError(t, err)
	return res.Upload
}

func (f *fixture) reload(t *testing.T, id string) *domain.UploadRecord {
	t.Helper()
	rec, err := f.store.GetUpload(context.Background(), userID, id)
	require.NoError(t, err)
	return rec
}

func TestCreateUpload_Validation(t *testing.T) {
	f := newFixture(t, always(balancedStatement))
	f.opts.MaxUploadBytes = 64
	f.rebuild(f.store)

	tests := []struct {
		name     string
		user     string
		data     []byte
		mime     string
		filename string
	}{
		{"missing user", "", januaryCSV[:20], "text/csv", "a.csv"},
		{"empty file", userID, nil, "text/csv", "a.csv"},
		{"missing filename", userID, []byte("a,b\n1,2\n"), "text/csv", "  "},
		{"too large", userID, []byte(strings.Repeat("a,b\n", 40)), "text/csv", "a.csv"},
		{"unsupported type", userID, []byte{0x00, 0x01, 0x02}, "application/zip", "a.zip"},
		{"fake pdf", userID, []byte("not a pdf"), "application/pdf", "a.pdf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateUpload(context.Background(), tt.user, tt.data, tt.mime, tt.filename)
			require.Error(t, err)
			assert.Equal(t, domain.KindValidation, domain.KindOf(err))
		})
	}
	assert.Zero(t, f.files.Len())
}

func TestCreateUpload_ContentAddressedPending(t *testing.T) {
	f := newFixture(t, always(balancedStatement))

	res, err := f.svc.CreateUpload(context.Background(), userID, januaryCSV, "", "jan.csv")
	require.NoError(t, err)
	assert.Nil(t, res.Duplicate)

	rec := res.Upload
	assert.Equal(t, domain.ParseStatusPending, rec.ParseStatus)
	assert.Equal(t, "text/csv", rec.FileType)
	assert.Len(t, rec.ContentHash, 64)
	assert.Equal(t, fmt.Sprintf("gs://test/users/%s/%s/jan.csv", userID, rec.ContentHash), rec.StoragePath)
	assert.Empty(t, f.oracle.Calls())
}

func TestCreateUpload_StorageFailure(t *testing.T) {
	f := newFixture(t, always(balancedStatement))
	var deleted []string
	files := &mockFileStore{
		PutFunc: func(ctx context.Context, objectName, contentType string, data []byte) (string, error) {
			return "", errors.New("bucket unavailable")
		},
		DeleteFunc: func(ctx context.Context, uri string) error {
			deleted = append(deleted, uri)
			return nil
		},
	}
	svc := pipeline.New(f.store, files, f.dispatcher, f.pub, f.opts)

	_, err := svc.CreateUpload(context.Background(), userID, januaryCSV, "text/csv", "jan.csv")
	require.Error(t, err)
	assert.Equal(t, domain.KindStorage, domain.KindOf(err))

	_, err = f.store.FindLatestByHash(context.Background(), userID, fmt.Sprintf("%x", sha256.Sum256(januaryCSV)))
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, deleted)
}

func TestCreateUpload_RecordFailureCleansUpOwnObject(t *testing.T) {
	tests := []struct {
		name        string
		earlier     []string
		filename    string
		wantDeleted bool
	}{
		{name: "same bytes and name share the object", earlier: []string{"jan.csv"}, filename: "jan.csv"},
		{name: "same bytes under a new name", earlier: []string{"jan.csv"}, filename: "jan-copy.csv", wantDeleted: true},
		{name: "older upload owns the name", earlier: []string{"jan.csv", "jan-copy.csv"}, filename: "jan.csv"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, always(balancedStatement))
			ctx := context.Background()
			var earlier []*domain.UploadRecord
			for _, name := range tt.earlier {
				res, err := f.svc.CreateUpload(ctx, userID, januaryCSV, "text/csv", name)
				require.NoError(t, err)
				earlier = append(earlier, res.Upload)
			}

			var deleted []string
			files := &mockFileStore{
				PutFunc: f.files.Put,
				GetFunc: f.files.Get,
				DeleteFunc: func(ctx context.Context, uri string) error {
					deleted = append(deleted, uri)
					return f.files.Delete(ctx, uri)
				},
			}
			faulty := &faultyStore{
				Store: f.store,
				CreateUploadFunc: func(ctx context.Context, rec *domain.UploadRecord) error {
					return errors.New("uploads table unavailable")
				},
			}
			svc := pipeline.New(faulty, files, f.dispatcher, f.pub, f.opts)

			_, err := svc.CreateUpload(ctx, userID, januaryCSV, "text/csv", tt.filename)
			require.Error(t, err)
			assert.Equal(t, domain.KindStorage, domain.KindOf(err))

			if tt.wantDeleted {
				require.Len(t, deleted, 1)
				assert.True(t, strings.HasSuffix(deleted[0], "/"+tt.filename))
			} else {
				assert.Empty(t, deleted)
			}
			assert.Equal(t, len(tt.earlier), f.files.Len())
			for _, rec := range earlier {
				_, err := f.files.Get(ctx, rec.StoragePath)
				assert.NoError(t, err)
			}
		})
	}
}

func TestTriggerProcessing_Completes(t *testing.T) {
	f := newFixture(t, always(balancedStatement))
	rec := f.upload(t, januaryCSV)

	out, err := f.svc.TriggerProcessing(context.Background(), userID, rec.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.ParseStatusCompleted, out.Status)
	assert.Equal(t, 1, out.ProcessCount)
	assert.True(t, out.AccountCreated)
	require.NotNil(t, out.Written)
	assert.Equal(t, domain.WriteCounts{Transactions: 3, Balances: 2}, *out.Written)
	require.NotNil(t, out.Entity)
	assert.Equal(t, "use_default", string(out.Entity.Outcome))
	assert.Nil(t, out.StageError)

	require.NotNil(t, out.QualityCheck)
	assert.Equal(t, domain.CheckPassed, out.QualityCheck.Check.CheckStatus)
	assert.Nil(t, out.QualityCheck.Fix)

	saved := f.reload(t, rec.ID)
	assert.Equal(t, domain.ParseStatusCompleted, saved.ParseStatus)
	assert.True(t, saved.Confirmed())
	assert.Equal(t, out.AccountID, saved.AccountID)
	assert.Equal(t, "gemini", saved.OracleMode)
	assert.Contains(t, saved.QCStatusMessage, "passed")

	acc, err := f.store.GetAccount(context.Background(), userID, out.AccountID)
	require.NoError(t, err)
	assert.Equal(t, "Barclays", acc.Institution)
	assert.Equal(t, "1234", acc.NumberHint)
	assert.NotEmpty(t, acc.EntityID)

	assert.Contains(t, f.pub.Kinds(), jobs.NotifyUploadConfirmed)
}

func TestTriggerProcessing_ReprocessIsIdempotent(t *testing.T) {
	f := newFixture(t, always(balancedStatement))
	rec := f.upload(t, januaryCSV)
	ctx := context.Background()

	first, err := f.svc.TriggerProcessing(ctx, userID, rec.ID)
	require.NoError(t, err)
	second, err := f.svc.TriggerProcessing(ctx, userID, rec.ID)
	require.NoError(t, err)

	assert.Equal(t, 2, second.ProcessCount)
	assert.Equal(t, first.AccountID, second.AccountID)
	assert.False(t, second.AccountCreated)

	data, err := f.store.LoadUploadData(ctx, userID, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, *first.Written, data.Counts())

	accounts, err := f.store.ListActiveAccounts(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}

func TestTriggerProcessing_RejectedCallsDoNotTouchRecord(t *testing.T) {
	f := newFixture(t, always(balancedStatement))
	rec := f.upload(t, januaryCSV)
	ctx := context.Background()

	_, err := f.svc.TriggerProcessing(ctx, userID, "missing")
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))

	_, err = f.svc.TriggerProcessing(ctx, "someone-else", rec.ID)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))

	_, err = f.store.BeginProcessing(ctx, userID, rec.ID, time.Now())
	require.NoError(t, err)

	out, err := f.svc.TriggerProcessing(ctx, userID, rec.ID)
	assert.Nil(t, out)
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))

	saved := f.reload(t, rec.ID)
	assert.Equal(t, 1, saved.ProcessCount)
	assert.Equal(t, domain.ParseStatusProcessing, saved.ParseStatus)
	assert.Empty(t, f.oracle.Calls())
}

func TestTriggerProcessing_RejectedWhileQualityCheckRuns(t *testing.T) {
	var once sync.Once
	fixStarted := make(chan struct{})
	release := make(chan struct{})
	f := newFixture(t, func(call oracle.Call) (string, error) {
		if call.Preset.Name == oracle.PresetThorough {
			once.Do(func() { close(fixStarted) })
			<-release
			return correctedStatement, nil
		}
		return mismatchedStatement, nil
	})
	rec := f.upload(t, januaryCSV)
	ctx := context.Background()

	type result struct {
		out *pipeline.ProcessingOutcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := f.svc.TriggerProcessing(ctx, userID, rec.ID)
		done <- result{out: out, err: err}
	}()

	select {
	case <-fixStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("automatic fix never reached the oracle")
	}
	assert.Equal(t, domain.ParseStatusQCRunning, f.reload(t, rec.ID).ParseStatus)

	out, err := f.svc.TriggerProcessing(ctx, userID, rec.ID)
	assert.Nil(t, out)
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))

	_, err = f.svc.TriggerFix(ctx, userID, rec.ID, 1)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	close(release)
	first := <-done
	require.NoError(t, first.err)
	require.NotNil(t, first.out.QualityCheck)
	require.NotNil(t, first.out.QualityCheck.Fix)
	assert.True(t, first.out.QualityCheck.Fix.Fixed)

	saved := f.reload(t, rec.ID)
	assert.Equal(t, domain.ParseStatusCompleted, saved.ParseStatus)
	assert.Equal(t, 1, saved.ProcessCount)
	assert.True(t, saved.Confirmed())
	assert.Len(t, f.oracle.Calls(), 2)

	// the upload is idle again, so the next run is accepted
	_, err = f.svc.TriggerProcessing(ctx, userID, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, f.reload(t, rec.ID).ProcessCount)
}

func TestTriggerProcessing_RepeatedFailuresAreLogged(t *testing.T) {
	healthy := false
	f := newFixture(t, func(call oracle.Call) (string, error) {
		if healthy {
			return balancedStatement, nil
		}
		return "", errors.New("backend down")
	})
	rec := f.upload(t, januaryCSV)
	ctx := context.Background()

	out, err := f.svc.TriggerProcessing(ctx, userID, rec.ID)
	require.Error(t, err)
	assert.Equal(t, domain.KindOracle, domain.KindOf(err))
	assert.Equal(t, domain.ParseStatusFailed, out.Status)
	require.NotNil(t, out.StageError)
	assert.Equal(t, pipeline.StageExtract, out.StageError.Stage)

	failures, err := f.store.ListFailures(ctx, userID, rec.ID)
	require.NoError(t, err)
	assert.Empty(t, failures)

	_, err = f.svc.TriggerProcessing(ctx, userID, rec.ID)
	require.Error(t, err)

	saved := f.reload(t, rec.ID)
	assert.Equal(t, domain.ParseStatusFailed, saved.ParseStatus)
	assert.Equal(t, 2, saved.FailureStreak)
	assert.Equal(t, 2, saved.ProcessCount)
	assert.Contains(t, saved.LastError, "backend down")

	failures, err = f.store.ListFailures(ctx, userID, rec.ID)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, 2, failures[0].AttemptNumber)
	assert.Equal(t, "gemini", failures[0].OracleMode)
	assert.Contains(t, f.pub.Kinds(), jobs.NotifyExtractionFailed)

	healthy = true
	out, err = f.svc.TriggerProcessing(ctx, userID, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ParseStatusCompleted, out.Status)
	saved = f.reload(t, rec.ID)
	assert.Zero(t, saved.FailureStreak)
	assert.Empty(t, saved.LastError)
}

func TestTriggerProcessing_OnlyOracleFailuresAreCounted(t *testing.T) {
	f := newFixture(t, always(balancedStatement))
	rec := f.upload(t, januaryCSV)
	ctx := context.Background()

	unreachable := &mockFileStore{
		PutFunc: f.files.Put,
		GetFunc: func(ctx context.Context, uri string) ([]byte, error) {
			return nil, errors.New("bucket unreachable")
		},
		DeleteFunc: f.files.Delete,
	}
	f.svc = pipeline.New(f.store, unreachable, f.dispatcher, f.pub, f.opts)

	for i := 0; i < 2; i++ {
		out, err := f.svc.TriggerProcessing(ctx, userID, rec.ID)
		require.Error(t, err)
		assert.Equal(t, domain.KindStorage, domain.KindOf(err))
		require.NotNil(t, out.StageError)
		assert.Equal(t, pipeline.StageFetch, out.StageError.Stage)
	}

	saved := f.reload(t, rec.ID)
	assert.Equal(t, domain.ParseStatusFailed, saved.ParseStatus)
	assert.Equal(t, 2, saved.ProcessCount)
	assert.Zero(t, saved.FailureStreak)
	assert.Contains(t, saved.LastError, "bucket unreachable")
	assert.Empty(t, f.oracle.Calls())

	failures, err := f.store.ListFailures(ctx, userID, rec.ID)
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.NotContains(t, f.pub.Kinds(), jobs.NotifyExtractionFailed)
}

func TestTriggerProcessing_EmptyExtractionIsPartial(t *testing.T) {
	f := newFixture(t, always(`{"transactions": [], "positions": [], "balances": []}`))
	rec := f.upload(t, januaryCSV)
	ctx := context.Background()

	out, err := f.svc.TriggerProcessing(ctx, userID, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ParseStatusPartial, out.Status)
	assert.Nil(t, out.Written)

	data, err := f.store.LoadUploadData(ctx, userID, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WriteCounts{}, data.Counts())
	assert.False(t, f.reload(t, rec.ID).Confirmed())
}

func TestTriggerProcessing_PanicForcesFailed(t *testing.T) {
	f := newFixture(t, func(call oracle.Call) (string, error) {
		panic("oracle exploded")
	})
	rec := f.upload(t, januaryCSV)

	out, err := f.svc.TriggerProcessing(context.Background(), userID, rec.ID)
	require.Error(t, err)
	assert.Equal(t, domain.KindInternal, domain.KindOf(err))
	require.NotNil(t, out)
	assert.Equal(t, domain.ParseStatusFailed, out.Status)

	saved := f.reload(t, rec.ID)
	assert.Equal(t, domain.ParseStatusFailed, saved.ParseStatus)
	assert.Contains(t, saved.LastError, "oracle exploded")
	assert.Zero(t, saved.FailureStreak)
}

func TestTriggerProcessing_LinkErrorKeepsExtraction(t *testing.T) {
	f := newFixture(t, always(balancedStatement))
	faulty := &faultyStore{
		Store: f.store,
		CreateAccountFunc: func(ctx context.Context, acc *domain.Account) (*domain.Account, bool, error) {
			return nil, false, errors.New("accounts table locked")
		},
	}
	f.rebuild(faulty)
	rec := f.upload(t, januaryCSV)
	ctx := context.Background()

	out, err := f.svc.TriggerProcessing(ctx, userID, rec.ID)
	require.Error(t, err)
	assert.Equal(t, domain.KindLink, domain.KindOf(err))
	assert.Equal(t, domain.ParseStatusCompleted, out.Status)
	require.NotNil(t, out.StageError)
	assert.Equal(t, pipeline.StageLink, out.StageError.Stage)

	saved := f.reload(t, rec.ID)
	assert.False(t, saved.Confirmed())
	assert.NotNil(t, saved.Extraction)
	assert.Contains(t, saved.LastError, "accounts table locked")
	assert.Zero(t, saved.FailureStreak)

	faulty.CreateAccountFunc = nil
	confirmed, err := f.svc.ConfirmUpload(ctx, userID, rec.ID, "")
	require.NoError(t, err)
	assert.True(t, confirmed.AccountCreated)
	assert.Len(t, f.oracle.Calls(), 1)
	assert.Empty(t, f.reload(t, rec.ID).LastError)
}

func TestDuplicateUploadCarriesOverWithoutOracle(t *testing.T) {
	f := newFixture(t, always(balancedStatement))
	ctx := context.Background()
	first := f.upload(t, januaryCSV)
	processed, err := f.svc.TriggerProcessing(ctx, userID, first.ID)
	require.NoError(t, err)
	callsBefore := len(f.oracle.Calls())

	res, err := f.svc.CreateUpload(ctx, userID, januaryCSV, "text/csv", "jan-copy.csv")
	require.NoError(t, err)
	require.Error(t, res.Duplicate)
	assert.Equal(t, domain.KindDuplicate, domain.KindOf(res.Duplicate))
	assert.Equal(t, first.ID, res.DuplicateOf)

	dup := res.Upload
	assert.Equal(t, domain.ParseStatusCompleted, dup.ParseStatus)
	require.NotNil(t, dup.Extraction)
	assert.Len(t, dup.Extraction.Transactions, 3)
	assert.False(t, dup.Confirmed())
	assert.Equal(t, first.ContentHash, dup.ContentHash)

	out, err := f.svc.ConfirmUpload(ctx, userID, dup.ID, "")
	require.NoError(t, err)
	assert.False(t, out.AccountCreated)
	assert.Equal(t, processed.AccountID, out.AccountID)
	assert.Equal(t, "institution_and_hint", string(out.AccountRule))
	assert.Len(t, f.oracle.Calls(), callsBefore)
}

func TestDuplicateOfFailedUploadIsReextracted(t *testing.T) {
	f := newFixture(t, func(call oracle.Call) (string, error) {
		return "", errors.New("backend down")
	})
	ctx := context.Background()
	first := f.upload(t, januaryCSV)
	_, err := f.svc.TriggerProcessing(ctx, userID, first.ID)
	require.Error(t, err)

	res, err := f.svc.CreateUpload(ctx, userID, januaryCSV, "text/csv", "jan.csv")
	require.NoError(t, err)
	assert.Nil(t, res.Duplicate)
	assert.Equal(t, domain.ParseStatusPending, res.Upload.ParseStatus)
}

func TestQualityCheck_FixCorrectsBalanceMismatch(t *testing.T) {
	f := newFixture(t, func(call oracle.Call) (string, error) {
		if call.Preset.Name == oracle.PresetThorough {
			return correctedStatement, nil
		}
		return mismatchedStatement, nil
	})
	rec := f.upload(t, januaryCSV)
	ctx := context.Background()

	out, err := f.svc.TriggerProcessing(ctx, userID, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WriteCounts{Transactions: 3, Balances: 2}, *out.Written)

	require.NotNil(t, out.QualityCheck)
	qc := out.QualityCheck.Check
	require.NotNil(t, out.QualityCheck.Fix)
	assert.True(t, out.QualityCheck.Fix.Fixed)
	assert.Equal(t, domain.CheckFixed, qc.CheckStatus)
	assert.Equal(t, 1, qc.FixCount)
	assert.Equal(t, 1, qc.FixAttempts)
	assert.True(t, qc.Checks.OverallPassed)

	calls := f.oracle.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1].Prompt, pipeline.RuleBalanceContinuity)

	saved := f.reload(t, rec.ID)
	assert.Equal(t, domain.ParseStatusCompleted, saved.ParseStatus)
	assert.True(t, saved.Confirmed())
	assert.Contains(t, saved.QCStatusMessage, "fixed")
	assert.Equal(t, 1, f.store.CountQualityChecks(userID, rec.ID))

	latest, err := f.store.LatestQualityCheck(ctx, userID, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CheckFixed, latest.CheckStatus)
}

func TestQualityCheck_UnresolvedAfterOneAutomaticFix(t *testing.T) {
	f := newFixture(t, always(mismatchedStatement))
	rec := f.upload(t, januaryCSV)
	ctx := context.Background()

	out, err := f.svc.TriggerProcessing(ctx, userID, rec.ID)
	require.NoError(t, err)
	qc := out.QualityCheck.Check
	assert.Equal(t, domain.CheckUnresolved, qc.CheckStatus)
	assert.Equal(t, 1, qc.FixAttempts)
	assert.Zero(t, qc.FixCount)
	assert.Len(t, f.oracle.Calls(), 2)
	assert.Contains(t, f.pub.Kinds(), jobs.NotifyQualityUnresolved)
	assert.Equal(t, domain.ParseStatusCompleted, f.reload(t, rec.ID).ParseStatus)

	fixed, err := f.svc.TriggerFix(ctx, userID, rec.ID, 1)
	require.NoError(t, err)
	assert.False(t, fixed)
	latest, err := f.store.LatestQualityCheck(ctx, userID, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.FixAttempts)
	assert.Equal(t, domain.CheckUnresolved, latest.CheckStatus)

	resolved, err := f.svc.ResolveQualityCheck(ctx, userID, latest.ID, "bank confirmed the closing balance")
	require.NoError(t, err)
	assert.Equal(t, domain.CheckResolved, resolved.CheckStatus)
	assert.NotNil(t, resolved.ResolvedAt)

	_, err = f.svc.ResolveQualityCheck(ctx, userID, latest.ID, "again")
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	_, err = f.svc.TriggerFix(ctx, userID, rec.ID, 1)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestQualityCheck_FixFailureIsRecorded(t *testing.T) {
	f := newFixture(t, func(call oracle.Call) (string, error) {
		if call.Preset.Name == oracle.PresetThorough {
			return "", errors.New("quota exceeded")
		}
		return mismatchedStatement, nil
	})
	rec := f.upload(t, januaryCSV)

	out, err := f.svc.TriggerProcessing(context.Background(), userID, rec.ID)
	require.NoError(t, err)
	fix := out.QualityCheck.Fix
	require.NotNil(t, fix)
	assert.Equal(t, domain.CheckUnresolved, fix.Status)
	assert.Contains(t, fix.Error, "quota exceeded")
	assert.Contains(t, f.reload(t, rec.ID).QCStatusMessage, "quota exceeded")
}

func TestQualityCheck_FailedRewriteKeepsPreviousExtraction(t *testing.T) {
	f := newFixture(t, func(call oracle.Call) (string, error) {
		if call.Preset.Name == oracle.PresetThorough {
			return correctedStatement, nil
		}
		return mismatchedStatement, nil
	})
	f.opts.AutoQualityCheck = false
	faulty := &faultyStore{Store: f.store}
	f.rebuild(faulty)
	rec := f.upload(t, januaryCSV)
	ctx := context.Background()

	_, err := f.svc.TriggerProcessing(ctx, userID, rec.ID)
	require.NoError(t, err)
	before := f.reload(t, rec.ID)

	faulty.ReplaceDataFunc = func(ctx context.Context, userID, uploadID, accountID string, res *domain.ExtractionResult) (domain.WriteCounts, error) {
		return domain.WriteCounts{}, errors.New("ledger write timed out")
	}
	out, err := f.svc.RunQualityCheck(ctx, userID, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, out.Fix)
	assert.False(t, out.Fix.Fixed)
	assert.Contains(t, out.Fix.Error, "ledger write timed out")

	saved := f.reload(t, rec.ID)
	require.NotNil(t, saved.Extraction)
	require.Len(t, saved.Extraction.Transactions, 3)
	assert.Equal(t, "50", saved.Extraction.Transactions[2].Amount.String())
	assert.Equal(t, before.RawResponse, saved.RawResponse)
	assert.True(t, saved.Confirmed())

	data, err := f.store.LoadUploadData(ctx, userID, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WriteCounts{Transactions: 3, Balances: 2}, data.Counts())
}

func TestQualityCheck_NeverStuckInQCRunning(t *testing.T) {
	tests := []struct {
		name string
		load func(ctx context.Context, userID, uploadID string) (*store.UploadData, error)
	}{
		{"repository error", func(ctx context.Context, userID, uploadID string) (*store.UploadData, error) {
			return nil, errors.New("ledger offline")
		}},
		{"panic", func(ctx context.Context, userID, uploadID string) (*store.UploadData, error) {
			panic("ledger corrupted")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, always(balancedStatement))
			f.opts.AutoQualityCheck = false
			faulty := &faultyStore{Store: f.store}
			f.rebuild(faulty)
			rec := f.upload(t, januaryCSV)
			ctx := context.Background()

			_, err := f.svc.TriggerProcessing(ctx, userID, rec.ID)
			require.NoError(t, err)

			faulty.LoadUploadDataFunc = tt.load
			_, err = f.svc.RunQualityCheck(ctx, userID, rec.ID)
			require.Error(t, err)
			assert.Equal(t, domain.KindQualityCheck, domain.KindOf(err))
			assert.Equal(t, domain.ParseStatusCompleted, f.reload(t, rec.ID).ParseStatus)
			assert.Zero(t, f.store.CountQualityChecks(userID, rec.ID))
		})
	}
}

func TestRunQualityCheck_Preconditions(t *testing.T) {
	f := newFixture(t, always(balancedStatement))
	ctx := context.Background()
	rec := f.upload(t, januaryCSV)

	_, err := f.svc.RunQualityCheck(ctx, userID, rec.ID)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	_, err = f.svc.TriggerProcessing(ctx, userID, rec.ID)
	require.NoError(t, err)
	_, err = f.svc.Revert(ctx, userID, rec.ID)
	require.NoError(t, err)

	_, err = f.svc.RunQualityCheck(ctx, userID, rec.ID)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestTriggerFix_RejectsOtherPhases(t *testing.T) {
	f := newFixture(t, always(balancedStatement))
	rec := f.upload(t, januaryCSV)

	for _, phase := range []int{0, 2, 3} {
		_, err := f.svc.TriggerFix(context.Background(), userID, rec.ID, phase)
		require.Error(t, err)
		assert.Equal(t, domain.KindValidation, domain.KindOf(err))
		assert.ErrorIs(t, err, pipeline.ErrUnsupportedFixPhase)
	}
}

func TestRevert_Unconfirmed(t *testing.T) {
	f := newFixture(t, always(balancedStatement))
	rec := f.upload(t, januaryCSV)

	removed, err := f.svc.Revert(context.Background(), userID, rec.ID)
	require.Error(t, err)
	assert.Nil(t, removed)
	assert.Equal(t, domain.KindRevert, domain.KindOf(err))
	assert.True(t, domain.IsValidationClass(err))
	assert.Equal(t, domain.ParseStatusPending, f.reload(t, rec.ID).ParseStatus)
}

func TestRevertThenReprocessRestoresCounts(t *testing.T) {
	f := newFixture(t, always(balancedStatement))
	rec := f.upload(t, januaryCSV)
	ctx := context.Background()

	first, err := f.svc.TriggerProcessing(ctx, userID, rec.ID)
	require.NoError(t, err)

	removed, err := f.svc.Revert(ctx, userID, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RemovedCounts{Transactions: 3, Balances: 2}, *removed)

	reverted := f.reload(t, rec.ID)
	assert.False(t, reverted.Confirmed())
	assert.Empty(t, reverted.AccountID)
	assert.Equal(t, domain.ParseStatusCompleted, reverted.ParseStatus)
	assert.NotNil(t, reverted.Extraction)

	data, err := f.store.LoadUploadData(ctx, userID, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WriteCounts{}, data.Counts())

	second, err := f.svc.TriggerProcessing(ctx, userID, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, *first.Written, *second.Written)
	assert.Equal(t, first.AccountID, second.AccountID)
	assert.False(t, second.AccountCreated)
}

func TestGetPreview_IsReadOnly(t *testing.T) {
	f := newFixture(t, always(balancedStatement))
	ctx := context.Background()

	res, err := oracle.ParseExtraction(balancedStatement)
	require.NoError(t, err)
	rec := &domain.UploadRecord{
		ID:          "up-preview",
		UserID:      userID,
		Filename:    "jan.csv",
		ParseStatus: domain.ParseStatusCompleted,
		CreatedAt:   time.Now(),
	}
	rec.ApplyExtraction(res, balancedStatement)
	require.NoError(t, f.store.CreateUpload(ctx, rec))

	preview, err := f.svc.GetPreview(ctx, userID, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, preview.Account)
	assert.Nil(t, preview.Account.Existing)
	require.NotNil(t, preview.Account.WouldCreate)
	assert.Equal(t, "Barclays", preview.Account.WouldCreate.Institution)
	assert.Equal(t, "use_default", string(preview.Entity.Outcome))
	assert.Equal(t, 3, preview.Stats.Transactions)
	assert.Equal(t, "20", preview.Stats.TransactionSum.String())
	assert.Equal(t, "2024-01-02", preview.Stats.FirstDate.String())
	assert.Equal(t, "2024-01-04", preview.Stats.LastDate.String())
	assert.InDelta(t, 0.92, preview.Stats.Confidence, 1e-9)

	accounts, err := f.store.ListActiveAccounts(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, accounts)
	entities, err := f.store.ListEntities(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, entities)

	pending := f.upload(t, januaryCSV)
	_, err = f.svc.GetPreview(ctx, userID, pending.ID)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestConfirmUpload_ExplicitAccount(t *testing.T) {
	f := newFixture(t, always(balancedStatement))
	f.opts.AutoQualityCheck = false
	f.rebuild(f.store)
	ctx := context.Background()

	f.store.PutAccount(&domain.Account{ID: "acc-closed", UserID: userID, Institution: "Barclays", Active: false, CreatedAt: time.Now()})
	f.store.PutAccount(&domain.Account{ID: "acc-joint", UserID: userID, Institution: "Joint Bank", Active: true, CreatedAt: time.Now()})

	rec := f.upload(t, januaryCSV)
	_, err := f.svc.TriggerProcessing(ctx, userID, rec.ID)
	require.NoError(t, err)
	_, err = f.svc.Revert(ctx, userID, rec.ID)
	require.NoError(t, err)

	_, err = f.svc.ConfirmUpload(ctx, userID, rec.ID, "acc-missing")
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))

	_, err = f.svc.ConfirmUpload(ctx, userID, rec.ID, "acc-closed")
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	out, err := f.svc.ConfirmUpload(ctx, userID, rec.ID, "acc-joint")
	require.NoError(t, err)
	assert.Equal(t, "acc-joint", out.AccountID)
	assert.False(t, out.AccountCreated)
	assert.Equal(t, "acc-joint", f.reload(t, rec.ID).AccountID)
}

func TestResolveFailure_RequiresGrant(t *testing.T) {
	f := newFixture(t, func(call oracle.Call) (string, error) {
		return "", errors.New("backend down")
	})
	rec := f.upload(t, januaryCSV)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := f.svc.TriggerProcessing(ctx, userID, rec.ID)
		require.Error(t, err)
	}
	failures, err := f.store.ListFailures(ctx, userID, rec.ID)
	require.NoError(t, err)
	require.Len(t, failures, 1)

	err = f.svc.ResolveFailure(ctx, store.AdminGrant{}, failures[0].ID, "retried")
	assert.Equal(t, domain.KindUnauthorized, domain.KindOf(err))

	grant, err := store.GrantAdmin("ops@example.com")
	require.NoError(t, err)
	require.NoError(t, f.svc.ResolveFailure(ctx, grant, failures[0].ID, "oracle quota raised"))

	failures, err = f.store.ListFailures(ctx, userID, rec.ID)
	require.NoError(t, err)
	assert.NotNil(t, failures[0].ResolvedAt)
	assert.Equal(t, "oracle quota raised", failures[0].ResolutionNotes)

	err = f.svc.ResolveFailure(ctx, grant, failures[0].ID, "again")
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))
	err = f.svc.ResolveFailure(ctx, grant, "missing", "x")
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestUserSettingsSelectMode(t *testing.T) {
	f := newFixture(t, always(balancedStatement))
	ctx := context.Background()
	require.NoError(t, f.store.SaveSettings(ctx, &domain.UserSettings{UserID: userID, ExtractionMode: "cli", Preset: oracle.PresetFast}))
	rec := f.upload(t, januaryCSV)

	out, err := f.svc.TriggerProcessing(ctx, userID, rec.ID)
	require.Error(t, err)
	assert.Equal(t, domain.KindOracle, domain.KindOf(err))
	assert.Contains(t, out.StageError.Message, `unknown oracle mode "cli"`)
	assert.Equal(t, "cli", f.reload(t, rec.ID).OracleMode)
}

func TestUpdateSettings(t *testing.T) {
	f := newFixture(t, always(balancedStatement))
	ctx := context.Background()

	st, err := f.svc.GetSettings(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, string(oracle.ModeGemini), st.ExtractionMode)
	assert.Equal(t, oracle.PresetBalanced, st.Preset)

	tests := []struct {
		name     string
		mode     string
		preset   string
		wantKind domain.Kind
	}{
		{name: "unknown mode", mode: "telepathy", wantKind: domain.KindValidation},
		{name: "unknown preset", mode: "openai", preset: "reckless", wantKind: domain.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.UpdateSettings(ctx, userID, tt.mode, tt.preset)
			assert.Equal(t, tt.wantKind, domain.KindOf(err))
		})
	}

	st, err = f.svc.UpdateSettings(ctx, userID, " OpenAI ", "")
	require.NoError(t, err)
	assert.Equal(t, "openai", st.ExtractionMode)
	assert.Equal(t, oracle.PresetBalanced, st.Preset)

	stored, err := f.store.GetSettings(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, stored.Preset)
}
