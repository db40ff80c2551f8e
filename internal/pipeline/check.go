package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dvloznov/statement-ingest/internal/domain"
	"github.com/dvloznov/statement-ingest/internal/logger"
	"github.com/dvloznov/statement-ingest/internal/store"
)

// RunQualityCheck evaluates a completed, confirmed upload and inserts a new
// QualityCheck row. A failed check gets one automatic fix attempt.
func (s *Service) RunQualityCheck(ctx context.Context, userID, uploadID string) (outcome *QualityCheckOutcome, err error) {
	const op = "RunQualityCheck"
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
	return s.runQualityCheck(ctx, rec)
}

func (s *Service) runQualityCheck(ctx context.Context, rec *domain.UploadRecord) (*QualityCheckOutcome, error) {
	const op = "RunQualityCheck"
	log := logger.FromContext(ctx)

	if rec.ParseStatus != domain.ParseStatusCompleted {
		return nil, domain.Validation(op, fmt.Sprintf("upload is %s, quality checks need a completed upload", rec.ParseStatus))
	}
	if !rec.Confirmed() {
		return nil, domain.Validation(op, "upload is not confirmed")
	}

	var outcome *QualityCheckOutcome
	err := s.withQCGuard(ctx, rec, op, func(ctx context.Context) error {
		log.Info().Msg("Quality check started")

		results, err := s.quality.Evaluate(ctx, rec)
		if err != nil {
			return domain.Wrap(domain.KindQualityCheck, op, err)
		}

		now := s.opts.Now()
		qc := &domain.QualityCheck{
			ID:          uuid.New().String(),
			UploadID:    rec.ID,
			UserID:      rec.UserID,
			CheckStatus: domain.CheckPassed,
			Checks:      results,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if !results.OverallPassed {
			qc.CheckStatus = domain.CheckFailed
		}
		if err := s.store.InsertQualityCheck(ctx, qc); err != nil {
			return domain.Wrap(domain.KindQualityCheck, op, err)
		}

		rec.QCStatusMessage = checkMessage(qc)
		if err := s.store.SaveUpload(ctx, rec); err != nil {
			return domain.Wrap(domain.KindQualityCheck, op, err)
		}

		log.Info().
			Str("check_id", qc.ID).
			Str("check_status", string(qc.CheckStatus)).
			Strs("failed_rules", results.Failed()).
			Msg("Quality check finished")

		outcome = &QualityCheckOutcome{Check: qc}
		if results.OverallPassed {
			return nil
		}

		mode, _ := s.settingsFor(ctx, rec.UserID)
		fix, err := s.fixer.Fix(ctx, rec, qc, mode)
		outcome.Fix = fix
		return err
	})
	return outcome, err
}

// withQCGuard holds the upload in qc_running while fn runs and always
// returns it to completed afterwards, including when fn panics.
func (s *Service) withQCGuard(ctx context.Context, rec *domain.UploadRecord, op string, fn func(ctx context.Context) error) (err error) {
	log := logger.FromContext(ctx)

	if err := s.store.CompareAndSetStatus(ctx, rec.UserID, rec.ID, domain.ParseStatusCompleted, domain.ParseStatusQCRunning); err != nil {
		if errors.Is(err, store.ErrStatusMismatch) {
			return domain.Validation(op, fmt.Sprintf("upload is %s, quality checks need a completed upload", rec.ParseStatus))
		}
		return storeError(op, "upload", err)
	}
	rec.ParseStatus = domain.ParseStatusQCRunning

	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("Quality check panicked")
			err = domain.NewError(domain.KindQualityCheck, op, fmt.Sprintf("panic during quality check: %v", p))
		}

		rec.ParseStatus = domain.ParseStatusCompleted
		rerr := s.store.CompareAndSetStatus(context.WithoutCancel(ctx), rec.UserID, rec.ID,
			domain.ParseStatusQCRunning, domain.ParseStatusCompleted)
		switch {
		case rerr == nil:
		case errors.Is(rerr, store.ErrStatusMismatch):
			log.Warn().Msg("Upload left qc_running while the check ran")
		default:
			log.Error().Err(rerr).Msg("Returning upload to completed failed")
			if err == nil {
				err = domain.Wrap(domain.KindQualityCheck, op, rerr)
			}
		}
	}()

	return fn(ctx)
}

// ResolveQualityCheck closes a failed or unresolved check by hand.
func (s *Service) ResolveQualityCheck(ctx context.Context, userID, checkID, notes string) (qc *domain.QualityCheck, err error) {
	const op = "ResolveQualityCheck"
	if err := requireUser(op, userID); err != nil {
		return nil, err
	}
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return nil, domain.Validation(op, "resolution notes are required")
	}

	ctx, span, cancel := s.startOp(ctx, op, userID, checkID)
	defer cancel()
	defer func() { endSpan(span, err) }()

	qc, err = s.store.GetQualityCheck(ctx, userID, checkID)
	if err != nil {
		return nil, storeError(op, "quality check", err)
	}
	if err := qc.Advance(domain.CheckResolved); err != nil {
		return nil, &domain.Error{Kind: domain.KindValidation, Op: op, Err: err}
	}

	now := s.opts.Now()
	qc.ResolvedAt = &now
	qc.ResolutionNotes = notes
	qc.UpdatedAt = now
	if err := s.store.UpdateQualityCheck(ctx, qc); err != nil {
		return nil, domain.Wrap(domain.KindQualityCheck, op, err)
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("check_id", qc.ID).
		Str("upload_id", qc.UploadID).
		Msg("Quality check resolved by hand")
	return qc, nil
}

func checkMessage(qc *domain.QualityCheck) string {
	failed := qc.Checks.Failed()
	switch qc.CheckStatus {
	case domain.CheckPassed:
		return fmt.Sprintf("quality check passed (%d rules)", len(qc.Checks.Rules))
	case domain.CheckFixed:
		return fmt.Sprintf("quality check fixed after %d attempt(s), %d rule(s) corrected", qc.FixAttempts, qc.FixCount)
	}
	return domain.TruncateMessage(fmt.Sprintf("quality check %s: %s", qc.CheckStatus, strings.Join(failed, ", ")))
}
