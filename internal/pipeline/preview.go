package pipeline

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/statement-ingest/internal/domain"
)

// GetPreview shows an upload's extraction, the account it would be linked
// to and summary stats. It writes nothing, including accounts and entities.
func (s *Service) GetPreview(ctx context.Context, userID, uploadID string) (preview *Preview, err error) {
	const op = "GetPreview"
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
	if rec.Extraction == nil {
		return nil, domain.Validation(op, "upload has no extraction yet")
	}

	account, entity, err := s.linker.Propose(ctx, rec)
	if err != nil {
		return nil, domain.Wrap(domain.KindStorage, op, err)
	}

	return &Preview{
		UploadID:   rec.ID,
		Status:     rec.ParseStatus,
		Confirmed:  rec.Confirmed(),
		Extraction: rec.Extraction,
		Account:    account,
		Entity:     entityResult(entity),
		Stats:      previewStats(rec.Extraction),
	}, nil
}

func previewStats(res *domain.ExtractionResult) PreviewStats {
	stats := PreviewStats{
		Transactions:   len(res.Transactions),
		Positions:      len(res.Positions),
		Balances:       len(res.Balances),
		TransactionSum: decimal.Zero,
		Confidence:     res.Confidence,
	}
	for i := range res.Transactions {
		tx := res.Transactions[i]
		stats.TransactionSum = stats.TransactionSum.Add(tx.Amount)
		if stats.FirstDate == nil || tx.Date.Before(*stats.FirstDate) {
			d := tx.Date
			stats.FirstDate = &d
		}
		if stats.LastDate == nil || tx.Date.After(*stats.LastDate) {
			d := tx.Date
			stats.LastDate = &d
		}
	}
	return stats
}
