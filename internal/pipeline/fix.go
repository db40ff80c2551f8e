package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/statement-ingest/internal/domain"
	"github.com/dvloznov/statement-ingest/internal/jobs"
	"github.com/dvloznov/statement-ingest/internal/logger"
	"github.com/dvloznov/statement-ingest/internal/oracle"
	"github.com/dvloznov/statement-ingest/internal/store"
)

// ErrUnsupportedFixPhase is returned for any fix phase other than 1.
var ErrUnsupportedFixPhase = errors.New("unsupported fix phase: only phase 1 is available")

// FixOrchestrator re-extracts an upload whose quality check failed and
// rewrites its rows.
type FixOrchestrator struct {
	extraction *Pipeline
	writer     *Writer
	quality    *QualityEngine
	checks     store.QualityCheckRepository
	uploads    store.UploadRepository
	now        func() time.Time
	notify     func(ctx context.Context, kind jobs.NotifyKind, rec *domain.UploadRecord, msg string)
}

// Fix runs one Phase 1 attempt against qc: re-extract with the thorough
// preset and the failed rules as hints, rewrite, re-evaluate. The check ends
// fixed or unresolved. Extraction and write failures are recorded on the
// check, not returned; the error is only for persisting the check itself.
func (f *FixOrchestrator) Fix(ctx context.Context, rec *domain.UploadRecord, qc *domain.QualityCheck, mode oracle.Mode) (*FixResult, error) {
	const op = "Fix"
	log := logger.FromContext(ctx).With().Str("check_id", qc.ID).Logger()

	if !qc.CheckStatus.Fixable() {
		return nil, domain.Validation(op, fmt.Sprintf("quality check is %s and cannot be fixed", qc.CheckStatus))
	}

	previouslyFailed := qc.Checks.Failed()
	qc.FixAttempts++
	log.Info().Strs("hints", previouslyFailed).Int("fix_attempts", qc.FixAttempts).Msg("Fix started")

	results, fixErr := f.reextract(ctx, rec, mode, previouslyFailed)

	var message string
	if fixErr != nil {
		log.Error().Err(fixErr).Msg("Fix attempt failed")
		message = domain.TruncateMessage(fmt.Sprintf("fix failed: %v", fixErr))
		f.advance(qc, domain.CheckUnresolved)
	} else {
		qc.Checks = results
		qc.FixCount = 0
		for _, rule := range previouslyFailed {
			if results.Passing(rule) {
				qc.FixCount++
			}
		}
		if results.OverallPassed {
			f.advance(qc, domain.CheckFixed)
		} else {
			f.advance(qc, domain.CheckUnresolved)
		}
	}
	qc.UpdatedAt = f.now()

	if err := f.checks.UpdateQualityCheck(ctx, qc); err != nil {
		return nil, domain.Wrap(domain.KindQualityCheck, op, err)
	}

	if message == "" {
		message = checkMessage(qc)
	}
	rec.QCStatusMessage = message
	if err := f.uploads.SaveUpload(ctx, rec); err != nil {
		log.Error().Err(err).Msg("Saving fix status on upload failed")
	}

	result := &FixResult{
		CheckID:     qc.ID,
		Status:      qc.CheckStatus,
		Fixed:       qc.CheckStatus == domain.CheckFixed,
		FixAttempts: qc.FixAttempts,
		FixCount:    qc.FixCount,
	}
	if fixErr != nil {
		result.Error = message
	}

	log.Info().
		Str("check_status", string(qc.CheckStatus)).
		Int("fix_count", qc.FixCount).
		Msg("Fix finished")

	if !result.Fixed && f.notify != nil {
		f.notify(ctx, jobs.NotifyQualityUnresolved, rec, fmt.Sprintf("%s still needs review: %s", rec.Filename, message))
	}
	return result, nil
}

// reextract stores a fresh extraction on the upload, rewrites the ledger and
// evaluates the rules again. If the ledger rewrite fails the upload keeps its
// previous extraction, matching the rows still in the ledger.
func (f *FixOrchestrator) reextract(ctx context.Context, rec *domain.UploadRecord, mode oracle.Mode, hints []string) (domain.CheckResults, error) {
	state := &PipelineState{
		Upload: rec,
		Mode:   mode,
		Preset: oracle.PresetThorough,
		Hints:  hints,
	}
	if err := f.extraction.Execute(ctx, state); err != nil {
		return domain.CheckResults{}, err
	}
	if state.Extraction.Empty() {
		return domain.CheckResults{}, domain.NewError(domain.KindOracle, "Fix", "re-extraction returned no rows")
	}

	previous, previousRaw := rec.Extraction, rec.RawResponse
	rec.ApplyExtraction(state.Extraction, state.Raw)
	written, err := f.writer.Write(ctx, rec, rec.AccountID, rec.Extraction)
	if err != nil {
		if written == (domain.WriteCounts{}) {
			rec.ApplyExtraction(previous, previousRaw)
		}
		return domain.CheckResults{}, err
	}

	results, err := f.quality.Evaluate(ctx, rec)
	if err != nil {
		return domain.CheckResults{}, domain.Wrap(domain.KindQualityCheck, "Fix", err)
	}
	return results, nil
}

// advance moves qc forward, leaving it alone when it is already there.
func (f *FixOrchestrator) advance(qc *domain.QualityCheck, next domain.CheckStatus) {
	if qc.CheckStatus == next {
		return
	}
	_ = qc.Advance(next)
}

// TriggerFix re-runs the fix against the upload's latest quality check,
// which must be failed or unresolved. Only phase 1 exists.
func (s *Service) TriggerFix(ctx context.Context, userID, uploadID string, phase int) (fixed bool, err error) {
	const op = "TriggerFix"
	if err := requireUser(op, userID); err != nil {
		return false, err
	}
	if phase != 1 {
		return false, &domain.Error{Kind: domain.KindValidation, Op: op, Message: fmt.Sprintf("phase %d", phase), Err: ErrUnsupportedFixPhase}
	}

	ctx, span, cancel := s.startOp(ctx, op, userID, uploadID)
	defer cancel()
	defer func() { endSpan(span, err) }()

	rec, err := s.store.GetUpload(ctx, userID, uploadID)
	if err != nil {
		return false, storeError(op, "upload", err)
	}
	qc, err := s.store.LatestQualityCheck(ctx, userID, uploadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, domain.Validation(op, "upload has no quality check to fix")
		}
		return false, domain.Wrap(domain.KindQualityCheck, op, err)
	}
	if !qc.CheckStatus.Fixable() {
		return false, domain.Validation(op, fmt.Sprintf("latest quality check is %s", qc.CheckStatus))
	}
	if rec.ParseStatus != domain.ParseStatusCompleted {
		return false, domain.Validation(op, fmt.Sprintf("upload is %s, fixes need a completed upload", rec.ParseStatus))
	}
	if !rec.Confirmed() {
		return false, domain.Validation(op, "upload is not confirmed")
	}

	var result *FixResult
	err = s.withQCGuard(ctx, rec, op, func(ctx context.Context) error {
		mode, _ := s.settingsFor(ctx, userID)
		var ferr error
		result, ferr = s.fixer.Fix(ctx, rec, qc, mode)
		return ferr
	})
	if err != nil {
		return false, err
	}
	return result.Fixed, nil
}
