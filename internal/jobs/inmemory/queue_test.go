package inmemory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/statement-ingest/internal/jobs"
)

func waitForStatus(t *testing.T, store *Store, jobID string, want jobs.JobStatus) *jobs.NotifyJob {
	t.Helper()
	var got *jobs.NotifyJob
	require.Eventually(t, func() bool {
		j, err := store.GetJob(context.Background(), jobID)
		if err != nil {
			return false
		}
		got = j
		return j.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestQueue_DeliversNotification(t *testing.T) {
	store := NewStore()
	q := NewQueue(10, store, WithWorkers(1))
	defer q.Close()

	var delivered atomic.Int32
	handler := jobs.NewNotifyHandler(jobs.NotifierFunc(func(ctx context.Context, j *jobs.NotifyJob) error {
		delivered.Add(1)
		return nil
	}))
	require.NoError(t, q.Start(context.Background(), handler))

	job := &jobs.NotifyJob{Kind: jobs.NotifyUploadConfirmed, UserID: "u1", UploadID: "up1", Message: "done"}
	require.NoError(t, q.PublishNotify(context.Background(), job))
	require.NotEmpty(t, job.JobID)

	got := waitForStatus(t, store, job.JobID, jobs.JobStatusCompleted)
	assert.Equal(t, int32(1), delivered.Load())
	assert.NotNil(t, got.CompletedAt)
	assert.Empty(t, got.Error)
}

func TestQueue_RetriesThenFails(t *testing.T) {
	store := NewStore()
	q := NewQueue(10, store, WithWorkers(1), WithBackoff(time.Millisecond))
	defer q.Close()

	var attempts atomic.Int32
	handler := jobs.NewNotifyHandler(jobs.NotifierFunc(func(ctx context.Context, j *jobs.NotifyJob) error {
		attempts.Add(1)
		return errors.New("notion unavailable")
	}))
	require.NoError(t, q.Start(context.Background(), handler))

	job := &jobs.NotifyJob{Kind: jobs.NotifyQualityUnresolved, UserID: "u1", UploadID: "up1", MaxRetries: 2}
	require.NoError(t, q.PublishNotify(context.Background(), job))

	got := waitForStatus(t, store, job.JobID, jobs.JobStatusFailed)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, 2, got.RetryCount)
	assert.Contains(t, got.Error, "notion unavailable")

	failed, err := store.ListJobs(context.Background(), jobs.JobFilter{Status: jobs.JobStatusFailed})
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestQueue_RecoversHandlerPanic(t *testing.T) {
	store := NewStore()
	q := NewQueue(10, store, WithWorkers(1))
	defer q.Close()

	require.NoError(t, q.Start(context.Background(), func(ctx context.Context, j jobs.Job) error {
		panic("boom")
	}))

	job := &jobs.NotifyJob{Kind: jobs.NotifyExtractionFailed, MaxRetries: -1}
	require.NoError(t, q.PublishNotify(context.Background(), job))

	got := waitForStatus(t, store, job.JobID, jobs.JobStatusFailed)
	assert.Contains(t, got.Error, "panic")
}

func TestQueue_PublishAfterClose(t *testing.T) {
	q := NewQueue(1, nil)
	require.NoError(t, q.Close())
	assert.Error(t, q.PublishNotify(context.Background(), &jobs.NotifyJob{}))
	assert.Error(t, q.Start(context.Background(), nil))
}

func TestStore_ListJobsFilters(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, j := range []*jobs.NotifyJob{
		{JobID: "j1", UserID: "u1", Kind: jobs.NotifyUploadConfirmed, Status: jobs.JobStatusCompleted},
		{JobID: "j2", UserID: "u1", Kind: jobs.NotifyQualityUnresolved, Status: jobs.JobStatusFailed},
		{JobID: "j3", UserID: "u2", Kind: jobs.NotifyQualityUnresolved, Status: jobs.JobStatusFailed},
	} {
		j.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.SaveJob(ctx, j))
	}

	tests := []struct {
		name   string
		filter jobs.JobFilter
		want   []string
	}{
		{name: "all oldest first", filter: jobs.JobFilter{}, want: []string{"j1", "j2", "j3"}},
		{name: "by user", filter: jobs.JobFilter{UserID: "u1"}, want: []string{"j1", "j2"}},
		{name: "by kind and status", filter: jobs.JobFilter{Kind: jobs.NotifyQualityUnresolved, Status: jobs.JobStatusFailed}, want: []string{"j2", "j3"}},
		{name: "offset and limit", filter: jobs.JobFilter{Offset: 1, Limit: 1}, want: []string{"j2"}},
		{name: "offset past end", filter: jobs.JobFilter{Offset: 5}, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListJobs(ctx, tt.filter)
			require.NoError(t, err)
			ids := []string{}
			for _, j := range got {
				ids = append(ids, j.JobID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	_, err := s.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, jobs.ErrJobNotFound)
	assert.ErrorIs(t, s.UpdateJobStatus(ctx, "missing", jobs.JobStatusFailed, ""), jobs.ErrJobNotFound)
}
