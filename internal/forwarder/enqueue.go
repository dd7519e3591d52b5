package forwarder

import (
	"context"

	"educate-attendance/internal/attendance"
	"educate-attendance/internal/queue"
)

// Enqueuer adapts the queue for the marking service, turning a persisted
// record into a forward job.
type Enqueuer struct {
	q queue.Queue
}

// NewEnqueuer wraps a queue.
func NewEnqueuer(q queue.Queue) *Enqueuer {
	return &Enqueuer{q: q}
}

// EnqueueForward publishes a forward job for a freshly created record.
func (e *Enqueuer) EnqueueForward(ctx context.Context, rec attendance.Record) error {
	job := queue.Job{
		RecordID:  rec.ID,
		SessionID: rec.ExternalSessionID,
		Method:    rec.Method,
	}
	if rec.StudentExternalID != nil {
		job.StudentExternalID = *rec.StudentExternalID
	}
	return e.q.Publish(ctx, job)
}
