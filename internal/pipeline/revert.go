package pipeline

import (
	"context"
	"fmt"

	"github.com/dvloznov/statement-ingest/internal/domain"
	"github.com/dvloznov/statement-ingest/internal/logger"
	"github.com/dvloznov/statement-ingest/internal/store"
)

// Reverter undoes a confirmed write. The upload record itself is kept.
type Reverter struct {
	uploads store.UploadRepository
	ledger  store.LedgerRepository
}

// Revert deletes the upload's ledger rows and unconfirms it. The extraction
// and status are left as they are, so the upload can be confirmed again.
func (r *Reverter) Revert(ctx context.Context, rec *domain.UploadRecord) (domain.RemovedCounts, error) {
	const op = "Revert"
	if !rec.Confirmed() {
		return domain.RemovedCounts{}, domain.NewError(domain.KindRevert, op, "upload is not confirmed")
	}
	switch rec.ParseStatus {
	case domain.ParseStatusProcessing, domain.ParseStatusQCRunning:
		return domain.RemovedCounts{}, domain.NewError(domain.KindConflict, op,
			fmt.Sprintf("upload is %s and cannot be reverted now", rec.ParseStatus))
	}

	removed, err := r.ledger.DeleteUploadData(ctx, rec.UserID, rec.ID)
	if err != nil {
		return domain.RemovedCounts{}, domain.Wrap(domain.KindStorage, op, err)
	}

	rec.ConfirmedAt = nil
	rec.AccountID = ""
	if err := r.uploads.SaveUpload(ctx, rec); err != nil {
		return removed, domain.Wrap(domain.KindStorage, op, err)
	}

	log := logger.FromContext(ctx)
	log.Info().
		Int("transactions", removed.Transactions).
		Int("positions", removed.Positions).
		Int("balances", removed.Balances).
		Msg("Upload reverted")
	return removed, nil
}

// Revert removes a confirmed upload's ledger rows.
func (s *Service) Revert(ctx context.Context, userID, uploadID string) (removed *domain.RemovedCounts, err error) {
	const op = "Revert"
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
	counts, err := s.reverter.Revert(ctx, rec)
	if err != nil {
		return nil, err
	}
	return &counts, nil
}
