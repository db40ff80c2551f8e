package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/dvloznov/statement-ingest/internal/domain"
	"github.com/dvloznov/statement-ingest/internal/jobs"
	"github.com/dvloznov/statement-ingest/internal/logger"
)

// TriggerProcessing runs extraction, linking and the ledger write for an
// upload. An unknown upload is KindNotFound and an upload that is already
// processing is KindConflict; neither touches the record. Otherwise the
// outcome is always returned, and the error is the stage failure, if any.
func (s *Service) TriggerProcessing(ctx context.Context, userID, uploadID string) (outcome *ProcessingOutcome, err error) {
	const op = "TriggerProcessing"
	if err := requireUser(op, userID); err != nil {
		return nil, err
	}

	ctx, span, cancel := s.startOp(ctx, op, userID, uploadID)
	defer cancel()
	defer func() { endSpan(span, err) }()

	rec, err := s.store.BeginProcessing(ctx, userID, uploadID, s.opts.Now())
	if err != nil {
		return nil, storeError(op, "upload", err)
	}

	log := logger.FromContext(ctx)
	log.Info().
		Int("process_count", rec.ProcessCount).
		Msg("Processing started")
	return s.process(ctx, rec)
}

func (s *Service) process(ctx context.Context, rec *domain.UploadRecord) (outcome *ProcessingOutcome, err error) {
	const op = "TriggerProcessing"
	log := logger.FromContext(ctx)
	outcome = &ProcessingOutcome{UploadID: rec.ID, ProcessCount: rec.ProcessCount}

	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("Processing panicked")
			err = domain.NewError(domain.KindInternal, op, fmt.Sprintf("panic during processing: %v", p))
			s.failRun(ctx, rec, StageInternal, "", err, outcome)
			return
		}
		// no path may leave the record in processing
		if rec.ParseStatus == domain.ParseStatusProcessing {
			if err == nil {
				err = domain.NewError(domain.KindInternal, op, "processing ended without a terminal status")
			}
			s.failRun(ctx, rec, StageInternal, "", err, outcome)
		}
	}()

	mode, preset := s.settingsFor(ctx, rec.UserID)
	rec.OracleMode = string(mode)

	state := &PipelineState{Upload: rec, Mode: mode, Preset: preset}
	if err := extractionPipeline(s.files, s.prep, s.extractor).Execute(ctx, state); err != nil {
		stage := state.FailedStep
		if stage == "" {
			stage = StageInternal
		}
		s.failRun(ctx, rec, stage, state.Raw, err, outcome)
		return outcome, err
	}

	rec.ApplyExtraction(state.Extraction, state.Raw)
	rec.FailureStreak = 0
	outcome.Summary = summarize(state.Extraction)

	if state.Extraction.Empty() {
		rec.ParseStatus = domain.ParseStatusPartial
		s.discardStaleRows(ctx, rec)
		if err := s.saveTerminal(ctx, rec); err != nil {
			return outcome, storeError(op, "upload", err)
		}
		outcome.Status = rec.ParseStatus
		log.Info().Msg("Extraction contained no rows, upload is partial")
		return outcome, nil
	}

	rec.ParseStatus = domain.ParseStatusCompleted
	if err := s.commit(ctx, rec, "", outcome); err != nil {
		s.recordLinkError(ctx, rec, err)
		outcome.Status = rec.ParseStatus
		outcome.StageError = newStageError(StageLink, err)
		return outcome, err
	}
	outcome.Status = rec.ParseStatus

	log.Info().
		Str("account_id", rec.AccountID).
		Int("transactions", outcome.Written.Transactions).
		Int("positions", outcome.Written.Positions).
		Int("balances", outcome.Written.Balances).
		Msg("Processing completed")

	s.notify(ctx, jobs.NotifyUploadConfirmed, rec, fmt.Sprintf("%s was imported: %d transactions, %d positions, %d balances",
		rec.Filename, outcome.Written.Transactions, outcome.Written.Positions, outcome.Written.Balances))
	s.autoQualityCheck(ctx, rec, outcome)
	return outcome, nil
}

// ConfirmUpload writes an upload's existing extraction without calling the
// oracle. accountID, when set, must name one of the user's active accounts.
func (s *Service) ConfirmUpload(ctx context.Context, userID, uploadID, accountID string) (outcome *ProcessingOutcome, err error) {
	const op = "ConfirmUpload"
	if err := requireUser(op, userID); err != nil {
		return nil, err
	}

	ctx, span, cancel := s.startOp(ctx, op, userID, uploadID)
	defer cancel()
	defer func() { endSpan(span, err) }()

	rec, err := s.store.GetUpload(ctx, userID, uploadID)
	if err != nil {
		return nil, storeError(op, "upload", err)
	}
	switch {
	case rec.ParseStatus == domain.ParseStatusPartial:
		return nil, domain.Validation(op, "extraction has no rows to write")
	case rec.ParseStatus != domain.ParseStatusCompleted:
		return nil, domain.Validation(op, fmt.Sprintf("upload is %s, only completed uploads can be confirmed", rec.ParseStatus))
	case rec.Extraction.Empty():
		return nil, domain.Validation(op, "upload has no extraction to write")
	}

	outcome = &ProcessingOutcome{
		UploadID:     rec.ID,
		ProcessCount: rec.ProcessCount,
		Summary:      summarize(rec.Extraction),
	}
	rec.LastError = ""
	if err := s.commit(ctx, rec, accountID, outcome); err != nil {
		if domain.IsValidationClass(err) || domain.IsKind(err, domain.KindNotFound) {
			return nil, err
		}
		s.recordLinkError(ctx, rec, err)
		outcome.Status = rec.ParseStatus
		outcome.StageError = newStageError(StageLink, err)
		return outcome, err
	}
	outcome.Status = rec.ParseStatus

	log := logger.FromContext(ctx)
	log.Info().
		Str("account_id", rec.AccountID).
		Int("transactions", outcome.Written.Transactions).
		Msg("Upload confirmed")

	s.notify(ctx, jobs.NotifyUploadConfirmed, rec, fmt.Sprintf("%s was imported: %d transactions, %d positions, %d balances",
		rec.Filename, outcome.Written.Transactions, outcome.Written.Positions, outcome.Written.Balances))
	s.autoQualityCheck(ctx, rec, outcome)
	return outcome, nil
}

// commit links the upload to an account and writes its extraction.
func (s *Service) commit(ctx context.Context, rec *domain.UploadRecord, accountID string, outcome *ProcessingOutcome) error {
	link, err := s.linker.Link(ctx, rec, accountID)
	if err != nil {
		return err
	}
	outcome.AccountID = link.Account.ID
	outcome.AccountCreated = link.Created
	outcome.AccountRule = link.Rule
	outcome.Entity = entityResult(link.Entity)
	outcome.NewOwnerDetected = link.Entity.OwnerName

	counts, err := s.writer.Write(ctx, rec, link.Account.ID, rec.Extraction)
	if err != nil {
		return err
	}
	outcome.Written = &counts
	return nil
}

func (s *Service) autoQualityCheck(ctx context.Context, rec *domain.UploadRecord, outcome *ProcessingOutcome) {
	if !s.opts.AutoQualityCheck {
		return
	}
	qc, err := s.runQualityCheck(ctx, rec)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("Automatic quality check failed")
		outcome.QualityError = domain.TruncateMessage(err.Error())
		return
	}
	outcome.QualityCheck = qc
}

// failRun records a failed attempt on the record. Only oracle failures count
// towards FailureStreak; from the second in a row an ExtractionFailure row is
// written as well.
func (s *Service) failRun(ctx context.Context, rec *domain.UploadRecord, stage, raw string, cause error, outcome *ProcessingOutcome) {
	log := logger.FromContext(ctx)
	ctx = context.WithoutCancel(ctx)

	rec.ParseStatus = domain.ParseStatusFailed
	rec.LastError = domain.TruncateMessage(cause.Error())
	oracleFailure := domain.KindOf(cause) == domain.KindOracle
	if oracleFailure {
		rec.FailureStreak++
	}
	if raw != "" {
		rec.RawResponse = raw
	}
	s.discardStaleRows(ctx, rec)

	if err := s.saveTerminal(ctx, rec); err != nil {
		log.Error().Err(err).Msg("Saving failed upload state failed")
	}

	outcome.Status = rec.ParseStatus
	outcome.StageError = newStageError(stage, cause)

	log.Error().
		Err(cause).
		Str("stage", stage).
		Int("failure_streak", rec.FailureStreak).
		Msg("Processing failed")

	if !oracleFailure || rec.FailureStreak < 2 {
		return
	}

	f := &domain.ExtractionFailure{
		ID:            uuid.New().String(),
		UserID:        rec.UserID,
		UploadID:      rec.ID,
		Filename:      rec.Filename,
		FileType:      rec.FileType,
		StoragePath:   rec.StoragePath,
		AttemptNumber: rec.ProcessCount,
		ErrorMessage:  rec.LastError,
		OracleMode:    rec.OracleMode,
		SizeBytes:     rec.SizeBytes,
		CreatedAt:     s.opts.Now(),
	}
	if err := s.store.InsertFailure(ctx, f); err != nil {
		log.Error().Err(err).Msg("Recording extraction failure failed")
	}
	s.notify(ctx, jobs.NotifyExtractionFailed, rec, fmt.Sprintf("%s failed to extract %d times in a row: %s",
		rec.Filename, rec.FailureStreak, rec.LastError))
}

// recordLinkError keeps the record completed and unconfirmed with the
// error attached, so ConfirmUpload can retry without re-extracting.
func (s *Service) recordLinkError(ctx context.Context, rec *domain.UploadRecord, cause error) {
	log := logger.FromContext(ctx)
	rec.LastError = domain.TruncateMessage(cause.Error())
	if err := s.saveTerminal(ctx, rec); err != nil {
		log.Error().Err(err).Msg("Saving link error failed")
	}
	log.Error().Err(cause).Msg("Linking or writing upload data failed")
}

// saveTerminal persists the end state of a run. If the full save fails it
// still moves the stored status out of processing so the upload can be
// retried.
func (s *Service) saveTerminal(ctx context.Context, rec *domain.UploadRecord) error {
	ctx = context.WithoutCancel(ctx)
	err := s.store.SaveUpload(ctx, rec)
	if err == nil {
		return nil
	}
	if cerr := s.store.CompareAndSetStatus(ctx, rec.UserID, rec.ID, domain.ParseStatusProcessing, rec.ParseStatus); cerr != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(cerr).Msg("Moving upload out of processing failed")
	}
	return err
}

// discardStaleRows removes rows an earlier run wrote for this upload. The
// record is no longer confirmed, so the ledger must not keep them.
func (s *Service) discardStaleRows(ctx context.Context, rec *domain.UploadRecord) {
	if rec.AccountID == "" {
		return
	}
	log := logger.FromContext(ctx)
	removed, err := s.store.DeleteUploadData(ctx, rec.UserID, rec.ID)
	if err != nil {
		log.Warn().Err(err).Msg("Removing rows from the previous run failed")
		return
	}
	if removed.Total() > 0 {
		log.Info().Int("removed", removed.Total()).Msg("Removed rows from the previous run")
	}
}
