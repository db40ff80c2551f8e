// Package pipeline runs statement uploads through preprocessing, oracle
// extraction, account linking, the ledger write and the quality-check loop.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dvloznov/statement-ingest/internal/config"
	"github.com/dvloznov/statement-ingest/internal/domain"
	"github.com/dvloznov/statement-ingest/internal/gcs"
	"github.com/dvloznov/statement-ingest/internal/jobs"
	"github.com/dvloznov/statement-ingest/internal/logger"
	"github.com/dvloznov/statement-ingest/internal/oracle"
	"github.com/dvloznov/statement-ingest/internal/preprocess"
	"github.com/dvloznov/statement-ingest/internal/store"
)

var tracer = otel.Tracer("github.com/dvloznov/statement-ingest/internal/pipeline")

const notifyTimeout = 5 * time.Second

// Extractor is the oracle dispatch surface the pipeline depends on.
type Extractor interface {
	Dispatch(ctx context.Context, req oracle.Request) (*oracle.Response, error)
}

// Preparer turns stored bytes into an oracle-ready file.
type Preparer interface {
	Prepare(ctx context.Context, data []byte, mimeType, filename string) (*preprocess.Prepared, error)
}

// Options tunes a Service.
type Options struct {
	MaxUploadBytes   int64
	OperationTimeout time.Duration
	AutoQualityCheck bool
	QCTolerance      decimal.Decimal
	DefaultMode      oracle.Mode
	DefaultPreset    string
	Now              func() time.Time
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		MaxUploadBytes:   20 << 20,
		OperationTimeout: 5 * time.Minute,
		AutoQualityCheck: true,
		QCTolerance:      decimal.New(1, -2),
		DefaultMode:      oracle.ModeGemini,
		DefaultPreset:    oracle.PresetBalanced,
	}
}

// OptionsFromConfig builds Options from loaded configuration.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	opts := DefaultOptions()
	opts.MaxUploadBytes = cfg.Pipeline.MaxUploadBytes
	opts.OperationTimeout = cfg.Pipeline.OperationTimeout
	opts.AutoQualityCheck = cfg.Pipeline.AutoQualityCheck
	opts.DefaultMode = oracle.Mode(cfg.Oracle.Mode)
	opts.DefaultPreset = cfg.Oracle.DefaultPreset

	if cfg.Pipeline.QCTolerance != "" {
		tol, err := decimal.NewFromString(cfg.Pipeline.QCTolerance)
		if err != nil {
			return opts, fmt.Errorf("OptionsFromConfig: parsing qc_tolerance: %w", err)
		}
		if tol.IsNegative() {
			return opts, fmt.Errorf("OptionsFromConfig: qc_tolerance must not be negative")
		}
		opts.QCTolerance = tol
	}
	return opts, nil
}

// Service exposes the ingestion operations. It holds no per-upload state;
// all coordination goes through the store.
type Service struct {
	store     store.Store
	files     gcs.FileStore
	extractor Extractor
	prep      Preparer
	publisher jobs.Publisher
	opts      Options

	linker   *Linker
	writer   *Writer
	quality  *QualityEngine
	fixer    *FixOrchestrator
	reverter *Reverter
}

// New wires a Service. publisher may be nil, in which case notifications
// are dropped.
func New(st store.Store, files gcs.FileStore, extractor Extractor, publisher jobs.Publisher, opts Options) *Service {
	def := DefaultOptions()
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = def.MaxUploadBytes
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = def.OperationTimeout
	}
	if opts.DefaultMode == "" {
		opts.DefaultMode = def.DefaultMode
	}
	if opts.DefaultPreset == "" {
		opts.DefaultPreset = def.DefaultPreset
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	s := &Service{
		store:     st,
		files:     files,
		extractor: extractor,
		prep:      preprocess.New(),
		publisher: publisher,
		opts:      opts,
	}
	s.linker = &Linker{accounts: st, entities: st}
	s.writer = &Writer{ledger: st, uploads: st, now: opts.Now}
	s.quality = &QualityEngine{ledger: st, accounts: st, tolerance: opts.QCTolerance}
	s.fixer = &FixOrchestrator{
		extraction: extractionPipeline(files, s.prep, extractor),
		writer:     s.writer,
		quality:    s.quality,
		checks:     st,
		uploads:    st,
		now:        opts.Now,
		notify:     s.notify,
	}
	s.reverter = &Reverter{uploads: st, ledger: st}
	return s
}

// startOp bounds ctx by the operation timeout, tags the logger and opens a span.
func (s *Service) startOp(ctx context.Context, op, userID, id string) (context.Context, trace.Span, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	ctx = logger.WithUpload(ctx, userID, id)
	ctx, span := tracer.Start(ctx, "Service."+op, trace.WithAttributes(
		attribute.String("user_id", userID),
		attribute.String("id", id),
	))
	return ctx, span, cancel
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func requireUser(op, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return domain.Validation(op, "user ID is required")
	}
	return nil
}

// storeError maps repository sentinels onto error kinds.
func storeError(op, what string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return &domain.Error{Kind: domain.KindNotFound, Op: op, Message: what + " not found", Err: err}
	case errors.Is(err, store.ErrProcessingInFlight):
		return &domain.Error{Kind: domain.KindConflict, Op: op, Message: "upload is already being processed or checked", Err: err}
	case errors.Is(err, store.ErrStatusMismatch):
		return &domain.Error{Kind: domain.KindConflict, Op: op, Message: "upload changed state concurrently", Err: err}
	case errors.Is(err, store.ErrInvalidGrant):
		return &domain.Error{Kind: domain.KindUnauthorized, Op: op, Err: err}
	}
	return domain.Wrap(domain.KindStorage, op, err)
}

// CreateUpload validates and stores a new file. A byte-identical earlier
// upload that finished extracting is carried over instead of re-extracted.
func (s *Service) CreateUpload(ctx context.Context, userID string, data []byte, mimeType, filename string) (result *CreateUploadResult, err error) {
	const op = "CreateUpload"
	if err := requireUser(op, userID); err != nil {
		return nil, err
	}
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return nil, domain.Validation(op, "filename is required")
	}
	if len(data) == 0 {
		return nil, domain.Validation(op, "file is empty")
	}
	if int64(len(data)) > s.opts.MaxUploadBytes {
		return nil, domain.Validation(op, fmt.Sprintf("file is %d bytes, limit is %d", len(data), s.opts.MaxUploadBytes))
	}
	mimeType = preprocess.NormalizeMIME(mimeType, filename, data)
	if err := preprocess.Validate(data, mimeType); err != nil {
		return nil, err
	}

	ctx, span, cancel := s.startOp(ctx, op, userID, "")
	defer cancel()
	defer func() { endSpan(span, err) }()
	log := logger.FromContext(ctx)

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	span.SetAttributes(attribute.String("content_hash", hash))

	prior, err := s.store.FindLatestByHash(ctx, userID, hash)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, domain.Wrap(domain.KindStorage, op, err)
	}

	shared := s.objectShared(ctx, prior, filename)
	uri, err := s.files.Put(ctx, gcs.ObjectName(userID, hash, filename), mimeType, data)
	if err != nil {
		log.Error().Err(err).Str("content_hash", hash).Msg("Storing upload bytes failed")
		return nil, domain.Wrap(domain.KindStorage, op, err)
	}

	now := s.opts.Now()
	rec := &domain.UploadRecord{
		ID:          uuid.New().String(),
		UserID:      userID,
		Filename:    filename,
		StoragePath: uri,
		FileType:    mimeType,
		ContentHash: hash,
		SizeBytes:   int64(len(data)),
		ParseStatus: domain.ParseStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	result = &CreateUploadResult{Upload: rec}
	if prior != nil && prior.ParseStatus.Reusable() {
		rec.ParseStatus = prior.ParseStatus
		rec.ApplyExtraction(prior.Extraction.Clone(), prior.RawResponse)
		rec.OracleMode = prior.OracleMode
		result.DuplicateOf = prior.ID
		result.Duplicate = domain.NewError(domain.KindDuplicate, op,
			fmt.Sprintf("identical file was already extracted as upload %s", prior.ID))
	}

	if err := s.store.CreateUpload(ctx, rec); err != nil {
		if !shared {
			if derr := s.files.Delete(context.WithoutCancel(ctx), uri); derr != nil {
				log.Warn().Err(derr).Str("storage_path", uri).Msg("Cleaning up orphaned upload bytes failed")
			}
		}
		return nil, domain.Wrap(domain.KindStorage, op, err)
	}

	log.Info().
		Str("upload_id", rec.ID).
		Str("file_type", mimeType).
		Int64("size_bytes", rec.SizeBytes).
		Str("parse_status", string(rec.ParseStatus)).
		Str("duplicate_of", result.DuplicateOf).
		Msg("Upload created")
	return result, nil
}

// objectShared reports whether an earlier upload of the same bytes already
// stored them under filename, so the object must outlive a failed insert.
func (s *Service) objectShared(ctx context.Context, prior *domain.UploadRecord, filename string) bool {
	if prior == nil {
		return false
	}
	candidate := gcs.SiblingURI(prior.StoragePath, filename)
	if candidate == prior.StoragePath {
		return true
	}
	_, err := s.files.Get(ctx, candidate)
	return err == nil
}

// GetUpload returns the user's upload record.
func (s *Service) GetUpload(ctx context.Context, userID, uploadID string) (*domain.UploadRecord, error) {
	const op = "GetUpload"
	if err := requireUser(op, userID); err != nil {
		return nil, err
	}
	rec, err := s.store.GetUpload(ctx, userID, uploadID)
	if err != nil {
		return nil, storeError(op, "upload", err)
	}
	return rec, nil
}

// ResolveFailure marks an extraction failure as handled. It needs an admin
// grant and works across users.
func (s *Service) ResolveFailure(ctx context.Context, grant store.AdminGrant, failureID, notes string) (err error) {
	const op = "ResolveFailure"
	ctx, span, cancel := s.startOp(ctx, op, grant.Subject(), failureID)
	defer cancel()
	defer func() { endSpan(span, err) }()

	admin, err := s.store.AdminFailures(grant)
	if err != nil {
		return storeError(op, "failure", err)
	}
	f, err := admin.GetFailure(ctx, failureID)
	if err != nil {
		return storeError(op, "extraction failure", err)
	}
	if f.ResolvedAt != nil {
		return domain.NewError(domain.KindConflict, op, "extraction failure is already resolved")
	}
	if err := admin.ResolveFailure(ctx, failureID, strings.TrimSpace(notes), s.opts.Now()); err != nil {
		return storeError(op, "extraction failure", err)
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("failure_id", failureID).
		Str("admin", grant.Subject()).
		Msg("Extraction failure resolved")
	return nil
}

// settingsFor returns the user's oracle mode and preset, falling back to
// the configured defaults.
func (s *Service) settingsFor(ctx context.Context, userID string) (oracle.Mode, string) {
	mode, preset := s.opts.DefaultMode, s.opts.DefaultPreset

	st, err := s.store.GetSettings(ctx, userID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log := logger.FromContext(ctx)
			log.Warn().Err(err).Msg("Loading user settings failed, using defaults")
		}
		return mode, preset
	}
	if st.ExtractionMode != "" {
		mode = oracle.Mode(st.ExtractionMode)
	}
	if st.Preset != "" {
		preset = st.Preset
	}
	return mode, preset
}

// notify publishes a best-effort notification. Failures are logged only.
func (s *Service) notify(ctx context.Context, kind jobs.NotifyKind, rec *domain.UploadRecord, msg string) {
	if s.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	job := &jobs.NotifyJob{
		Kind:     kind,
		UserID:   rec.UserID,
		UploadID: rec.ID,
		Filename: rec.Filename,
		Message:  msg,
	}
	if err := s.publisher.PublishNotify(ctx, job); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("kind", string(kind)).Msg("Publishing notification failed")
	}
}
