package pipeline

import (
	"context"
	"time"

	"github.com/dvloznov/statement-ingest/internal/domain"
	"github.com/dvloznov/statement-ingest/internal/logger"
	"github.com/dvloznov/statement-ingest/internal/store"
)

// Writer commits an extraction to the ledger and marks the upload confirmed.
type Writer struct {
	ledger  store.LedgerRepository
	uploads store.UploadRepository
	now     func() time.Time
}

// Write replaces every ledger row tagged with the upload, then records the
// confirmation on the upload. Writing the same extraction twice leaves the
// same rows. Failures are KindLink.
func (w *Writer) Write(ctx context.Context, rec *domain.UploadRecord, accountID string, res *domain.ExtractionResult) (domain.WriteCounts, error) {
	const op = "Write"
	if res == nil {
		return domain.WriteCounts{}, domain.NewError(domain.KindLink, op, "no extraction to write")
	}
	if accountID == "" {
		return domain.WriteCounts{}, domain.NewError(domain.KindLink, op, "no account to write against")
	}

	counts, err := w.ledger.ReplaceUploadData(ctx, rec.UserID, rec.ID, accountID, res)
	if err != nil {
		return domain.WriteCounts{}, domain.Wrap(domain.KindLink, op, err)
	}

	now := w.now()
	rec.ConfirmedAt = &now
	rec.AccountID = accountID
	rec.UpdatedAt = now
	if err := w.uploads.SaveUpload(ctx, rec); err != nil {
		return counts, domain.Wrap(domain.KindLink, op, err)
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("account_id", accountID).
		Int("transactions", counts.Transactions).
		Int("positions", counts.Positions).
		Int("balances", counts.Balances).
		Msg("Upload data written")
	return counts, nil
}
