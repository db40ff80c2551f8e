package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/statement-ingest/internal/logger"
)

// Notifier delivers a notification somewhere a human will see it.
type Notifier interface {
	Notify(ctx context.Context, job *NotifyJob) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, job *NotifyJob) error

func (f NotifierFunc) Notify(ctx context.Context, job *NotifyJob) error {
	return f(ctx, job)
}

// LogNotifier writes notifications to the context logger.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, job *NotifyJob) error {
	log := logger.FromContext(ctx)
	log.Info().
		Str("job_id", job.JobID).
		Str("kind", string(job.Kind)).
		Str("user_id", job.UserID).
		Str("upload_id", job.UploadID).
		Str("message", job.Message).
		Msg("Notification")
	return nil
}

// NewNotifyHandler fans each NotifyJob out to every notifier. All notifiers
// run; their errors are joined so the job is retried if any failed.
func NewNotifyHandler(notifiers ...Notifier) JobHandler {
	return func(ctx context.Context, job Job) error {
		n, ok := job.(*NotifyJob)
		if !ok {
			return fmt.Errorf("unexpected job type: %T", job)
		}

		var errs []error
		for _, notifier := range notifiers {
			if err := notifier.Notify(ctx, n); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}
