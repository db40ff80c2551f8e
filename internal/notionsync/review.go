// Package notionsync files upload problems into a Notion database that
// serves as a human review queue.
package notionsync

import (
	"context"
	"fmt"

	"github.com/jomei/notionapi"

	"github.com/dvloznov/statement-ingest/internal/jobs"
	"github.com/dvloznov/statement-ingest/internal/logger"
)

// ReviewQueue is a jobs.Notifier that creates one review page per
// quality_unresolved or extraction_failed notification. Other kinds are
// ignored.
type ReviewQueue struct {
	service    NotionService
	databaseID string
}

// NewReviewQueue creates a ReviewQueue writing to databaseID.
func NewReviewQueue(service NotionService, databaseID string) *ReviewQueue {
	return &ReviewQueue{service: service, databaseID: databaseID}
}

var _ jobs.Notifier = (*ReviewQueue)(nil)

// Notify implements jobs.Notifier. A retried job whose page already exists
// is not filed twice.
func (q *ReviewQueue) Notify(ctx context.Context, job *jobs.NotifyJob) error {
	if !Reviewable(job.Kind) {
		return nil
	}
	log := logger.FromContext(ctx).With().
		Str("job_id", job.JobID).
		Str("upload_id", job.UploadID).
		Str("kind", string(job.Kind)).
		Logger()

	existing, err := q.findByJobID(ctx, job.JobID)
	if err != nil {
		return fmt.Errorf("Notify: %w", err)
	}
	if existing != "" {
		log.Debug().Str("page_id", existing).Msg("Review item already filed")
		return nil
	}

	page, err := q.service.CreatePage(ctx, q.databaseID, ReviewItemProperties(job))
	if err != nil {
		return fmt.Errorf("Notify: creating review page: %w", err)
	}

	log.Info().Str("page_id", string(page.ID)).Msg("Filed review item in Notion")
	return nil
}

// Reviewable reports whether a notification kind needs human review.
func Reviewable(kind jobs.NotifyKind) bool {
	return kind == jobs.NotifyQualityUnresolved || kind == jobs.NotifyExtractionFailed
}

// findByJobID returns the ID of the page filed for jobID, or "".
func (q *ReviewQueue) findByJobID(ctx context.Context, jobID string) (string, error) {
	var cursor notionapi.Cursor
	for {
		req := &notionapi.DatabaseQueryRequest{
			Filter: notionapi.PropertyFilter{
				Property: propJobID,
				RichText: &notionapi.TextFilterCondition{Equals: jobID},
			},
			PageSize: 10,
		}
		if cursor != "" {
			req.StartCursor = cursor
		}

		resp, err := q.service.QueryDatabase(ctx, q.databaseID, req)
		if err != nil {
			return "", fmt.Errorf("querying review database: %w", err)
		}
		for _, page := range resp.Results {
			if jobIDOf(page) == jobID {
				return string(page.ID), nil
			}
		}
		if !resp.HasMore {
			return "", nil
		}
		cursor = resp.NextCursor
	}
}

// ArchiveUpload archives every open review page for an upload, for example
// once its quality check has been resolved by hand. It returns the number
// of pages archived.
func (q *ReviewQueue) ArchiveUpload(ctx context.Context, uploadID string) (int, error) {
	var (
		cursor   notionapi.Cursor
		archived int
	)
	for {
		req := &notionapi.DatabaseQueryRequest{
			Filter: notionapi.PropertyFilter{
				Property: propUploadID,
				RichText: &notionapi.TextFilterCondition{Equals: uploadID},
			},
			PageSize: 100,
		}
		if cursor != "" {
			req.StartCursor = cursor
		}

		resp, err := q.service.QueryDatabase(ctx, q.databaseID, req)
		if err != nil {
			return archived, fmt.Errorf("ArchiveUpload: querying review database: %w", err)
		}
		for _, page := range resp.Results {
			if err := q.service.ArchivePage(ctx, string(page.ID)); err != nil {
				return archived, fmt.Errorf("ArchiveUpload: %w", err)
			}
			archived++
		}
		if !resp.HasMore {
			return archived, nil
		}
		cursor = resp.NextCursor
	}
}
