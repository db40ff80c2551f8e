package notionsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/statement-ingest/internal/jobs"
)

type mockNotionService struct {
	CreatePageFunc    func(ctx context.Context, databaseID string, properties notionapi.Properties) (*notionapi.Page, error)
	QueryDatabaseFunc func(ctx context.Context, databaseID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error)
	ArchivePageFunc   func(ctx context.Context, pageID string) error
}

func (m *mockNotionService) CreatePage(ctx context.Context, databaseID string, properties notionapi.Properties) (*notionapi.Page, error) {
	return m.CreatePageFunc(ctx, databaseID, properties)
}

func (m *mockNotionService) QueryDatabase(ctx context.Context, databaseID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	return m.QueryDatabaseFunc(ctx, databaseID, req)
}

func (m *mockNotionService) ArchivePage(ctx context.Context, pageID string) error {
	return m.ArchivePageFunc(ctx, pageID)
}

func emptyQuery(context.Context, string, *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	return &notionapi.DatabaseQueryResponse{}, nil
}

func pageWithJobID(id, jobID string) notionapi.Page {
	return notionapi.Page{
		ID: notionapi.ObjectID(id),
		Properties: notionapi.Properties{
			propJobID: &notionapi.RichTextProperty{
				RichText: []notionapi.RichText{{PlainText: jobID}},
			},
		},
	}
}

func TestReviewQueue_Notify(t *testing.T) {
	tests := []struct {
		name        string
		kind        jobs.NotifyKind
		existing    []notionapi.Page
		wantCreated bool
	}{
		{name: "quality unresolved is filed", kind: jobs.NotifyQualityUnresolved, wantCreated: true},
		{name: "extraction failed is filed", kind: jobs.NotifyExtractionFailed, wantCreated: true},
		{name: "confirmed uploads are ignored", kind: jobs.NotifyUploadConfirmed},
		{
			name:     "retried job is not filed twice",
			kind:     jobs.NotifyExtractionFailed,
			existing: []notionapi.Page{pageWithJobID("page-1", "job-1")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var created notionapi.Properties
			svc := &mockNotionService{
				QueryDatabaseFunc: func(_ context.Context, databaseID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
					assert.Equal(t, "db-1", databaseID)
					return &notionapi.DatabaseQueryResponse{Results: tt.existing}, nil
				},
				CreatePageFunc: func(_ context.Context, databaseID string, props notionapi.Properties) (*notionapi.Page, error) {
					created = props
					return &notionapi.Page{ID: "page-new"}, nil
				},
			}

			q := NewReviewQueue(svc, "db-1")
			err := q.Notify(context.Background(), &jobs.NotifyJob{
				JobID:    "job-1",
				Kind:     tt.kind,
				UserID:   "u1",
				UploadID: "up-1",
				Filename: "jan.pdf",
				Message:  "balance mismatch",
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantCreated, created != nil)
		})
	}
}

func TestReviewQueue_NotifyErrors(t *testing.T) {
	job := &jobs.NotifyJob{JobID: "job-1", Kind: jobs.NotifyQualityUnresolved, UploadID: "up-1"}

	q := NewReviewQueue(&mockNotionService{
		QueryDatabaseFunc: func(context.Context, string, *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
			return nil, errors.New("rate limited")
		},
	}, "db-1")
	assert.ErrorContains(t, q.Notify(context.Background(), job), "rate limited")

	q = NewReviewQueue(&mockNotionService{
		QueryDatabaseFunc: emptyQuery,
		CreatePageFunc: func(context.Context, string, notionapi.Properties) (*notionapi.Page, error) {
			return nil, errors.New("validation_error")
		},
	}, "db-1")
	assert.ErrorContains(t, q.Notify(context.Background(), job), "creating review page")
}

func TestReviewQueue_ArchiveUpload(t *testing.T) {
	var (
		calls    int
		archived []string
	)
	svc := &mockNotionService{
		QueryDatabaseFunc: func(_ context.Context, _ string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
			calls++
			if req.StartCursor == "" {
				return &notionapi.DatabaseQueryResponse{
					Results:    []notionapi.Page{{ID: "p1"}, {ID: "p2"}},
					HasMore:    true,
					NextCursor: "next",
				}, nil
			}
			return &notionapi.DatabaseQueryResponse{Results: []notionapi.Page{{ID: "p3"}}}, nil
		},
		ArchivePageFunc: func(_ context.Context, pageID string) error {
			archived = append(archived, pageID)
			return nil
		},
	}

	n, err := NewReviewQueue(svc, "db-1").ArchiveUpload(context.Background(), "up-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{"p1", "p2", "p3"}, archived)
}

func TestReviewItemProperties(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	props := ReviewItemProperties(&jobs.NotifyJob{
		JobID:     "job-1",
		Kind:      jobs.NotifyQualityUnresolved,
		UserID:    "u1",
		UploadID:  "up-1",
		Message:   "closing balance off by 10.00",
		CreatedAt: created,
	})

	title, ok := props[propTitle].(notionapi.TitleProperty)
	require.True(t, ok)
	assert.Equal(t, "up-1", title.Title[0].Text.Content)

	kind, ok := props[propKind].(notionapi.SelectProperty)
	require.True(t, ok)
	assert.Equal(t, "quality_unresolved", kind.Select.Name)

	status := props[propStatus].(notionapi.SelectProperty)
	assert.Equal(t, StatusOpen, status.Select.Name)

	date := props[propCreated].(notionapi.DateProperty)
	assert.True(t, time.Time(*date.Date.Start).Equal(created))

	assert.Contains(t, props, propMessage)
	assert.NotContains(t, ReviewItemProperties(&jobs.NotifyJob{UploadID: "up-2"}), propMessage)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
