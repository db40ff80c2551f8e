package jobs

import (
	"context"
	"errors"
	"time"
)

// JobType represents the type of job to be executed.
type JobType string

const (
	// JobTypeNotify delivers a best-effort user or operator notification.
	JobTypeNotify JobType = "notify"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed is terminal: retries are exhausted.
	JobStatusFailed   JobStatus = "failed"
	JobStatusRetrying JobStatus = "retrying"
)

// NotifyKind says what happened to an upload.
type NotifyKind string

const (
	NotifyUploadConfirmed   NotifyKind = "upload_confirmed"
	NotifyQualityUnresolved NotifyKind = "quality_unresolved"
	NotifyExtractionFailed  NotifyKind = "extraction_failed"
)

// ErrJobNotFound is returned by JobStore lookups for unknown IDs.
var ErrJobNotFound = errors.New("job not found")

// NotifyJob carries one notification through the queue.
type NotifyJob struct {
	JobID    string     `json:"job_id"`
	Kind     NotifyKind `json:"kind"`
	UserID   string     `json:"user_id"`
	UploadID string     `json:"upload_id"`
	Filename string     `json:"filename,omitempty"`
	Message  string     `json:"message"`

	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
}

// Job is a generic interface for all job types.
type Job interface {
	GetID() string
	GetType() JobType
	GetStatus() JobStatus
}

func (j *NotifyJob) GetID() string {
	return j.JobID
}

func (j *NotifyJob) GetType() JobType {
	return JobTypeNotify
}

func (j *NotifyJob) GetStatus() JobStatus {
	return j.Status
}

// Publisher enqueues jobs.
type Publisher interface {
	PublishNotify(ctx context.Context, job *NotifyJob) error
	Close() error
}

// Consumer runs a handler over queued jobs.
type Consumer interface {
	// Start launches the workers and returns immediately.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler processes one job. A non-nil error schedules a retry until
// MaxRetries is exhausted.
type JobHandler func(ctx context.Context, job Job) error

// JobStore keeps job history. Jobs in JobStatusFailed form the
// notification failure log.
type JobStore interface {
	SaveJob(ctx context.Context, job *NotifyJob) error
	GetJob(ctx context.Context, jobID string) (*NotifyJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*NotifyJob, error)
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMsg string) error
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	UserID   string
	UploadID string
	Kind     NotifyKind
	Status   JobStatus
	Limit    int
	Offset   int
}
