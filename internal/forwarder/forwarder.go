package forwarder

import (
	"context"
	"fmt"
	"log"
	"time"

	"educate-attendance/internal/metrics"
	"educate-attendance/internal/queue"
)

// Outcome of one forward job.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeDeduped   Outcome = "deduped"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// SyncStore is the slice of the repository the forwarder touches.
type SyncStore interface {
	MarkSynced(ctx context.Context, id string, success bool, errMsg string) error
}

// Pusher delivers one mark to the external system.
type Pusher interface {
	MarkAttendance(ctx context.Context, sessionID, studentExternalID, status, method string) error
}

// Forwarder pushes persisted attendance records to SPOC with bounded
// exponential backoff. Delivery is at-least-once: the dedupe cache is the
// only protection against double pushes and it is best effort.
type Forwarder struct {
	store      SyncStore
	spoc       Pusher
	cache      DedupeCache
	maxRetries int
	baseDelay  time.Duration
	cacheTTL   time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// New creates a forwarder. baseDelay seeds the backoff (base * 2^attempt).
func New(store SyncStore, spoc Pusher, cache DedupeCache, maxRetries int, baseDelay, cacheTTL time.Duration) *Forwarder {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	if cacheTTL <= 0 {
		cacheTTL = 24 * time.Hour
	}
	return &Forwarder{
		store:      store,
		spoc:       spoc,
		cache:      cache,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		cacheTTL:   cacheTTL,
		sleep:      sleepCtx,
	}
}

// DedupeKey identifies a delivery for the dedupe cache.
func DedupeKey(sessionID, studentExternalID string) string {
	return "attendance:done:" + sessionID + ":" + studentExternalID
}

// Forward runs the retry loop for one job. A job without a student external
// id cannot be pushed and is skipped; the record stays unsynced with a
// sync_error explaining why, visible to operators and the sweep.
func (f *Forwarder) Forward(ctx context.Context, job queue.Job) Outcome {
	if job.StudentExternalID == "" {
		_ = f.store.MarkSynced(ctx, job.RecordID, false, "student external id not set")
		metrics.ForwardsTotal.WithLabelValues(string(OutcomeSkipped)).Inc()
		return OutcomeSkipped
	}

	key := DedupeKey(job.SessionID, job.StudentExternalID)
	if f.cache != nil && f.cache.Done(ctx, key) {
		log.Printf("forward already processed for session %s student %s", job.SessionID, job.StudentExternalID)
		_ = f.store.MarkSynced(ctx, job.RecordID, true, "")
		metrics.ForwardsTotal.WithLabelValues(string(OutcomeDeduped)).Inc()
		return OutcomeDeduped
	}

	method := job.Method
	if method == "" {
		method = "qr"
	}

	for attempt := job.Attempt; attempt < f.maxRetries; attempt++ {
		err := f.spoc.MarkAttendance(ctx, job.SessionID, job.StudentExternalID, "present", method)
		if err == nil {
			if f.cache != nil {
				if cerr := f.cache.MarkDone(ctx, key, f.cacheTTL); cerr != nil {
					log.Printf("dedupe cache write failed for %s: %v", key, cerr)
				}
			}
			if merr := f.store.MarkSynced(ctx, job.RecordID, true, ""); merr != nil {
				log.Printf("mark synced failed for record %s: %v", job.RecordID, merr)
			}
			metrics.ForwardsTotal.WithLabelValues(string(OutcomeDelivered)).Inc()
			return OutcomeDelivered
		}

		syncErr := fmt.Sprintf("%v (retry %d/%d)", err, attempt+1, f.maxRetries)
		if merr := f.store.MarkSynced(ctx, job.RecordID, false, syncErr); merr != nil {
			log.Printf("mark sync failure failed for record %s: %v", job.RecordID, merr)
		}

		if attempt+1 >= f.maxRetries {
			break
		}
		delay := f.baseDelay * (1 << uint(attempt))
		log.Printf("forward failed for record %s, retrying in %s (attempt %d/%d): %v",
			job.RecordID, delay, attempt+1, f.maxRetries, err)
		if serr := f.sleep(ctx, delay); serr != nil {
			metrics.ForwardsTotal.WithLabelValues(string(OutcomeFailed)).Inc()
			return OutcomeFailed
		}
	}

	log.Printf("forward exhausted retries for record %s", job.RecordID)
	metrics.ForwardsTotal.WithLabelValues(string(OutcomeFailed)).Inc()
	return OutcomeFailed
}

// Run consumes forward jobs until the context is canceled.
func (f *Forwarder) Run(ctx context.Context, q queue.Queue) error {
	jobs, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	log.Println("forwarder started, waiting for jobs...")
	for job := range jobs {
		if job.RecordID == "" {
			continue
		}
		f.Forward(ctx, job)
	}
	log.Println("forwarder stopped")
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
