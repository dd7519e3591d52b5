package forwarder

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"educate-attendance/internal/attendance"
	"educate-attendance/internal/queue"
)

// SweepStore is the repository slice the sweep reads from.
type SweepStore interface {
	FindUnsyncedOlderThan(ctx context.Context, lookback time.Duration, limit int) ([]attendance.Record, error)
}

// Sweep re-queues records stuck unsynced within the lookback window,
// skipping those whose retry budget is already spent. Safe to run
// concurrently with itself and with in-flight forwards: MarkSynced is
// last-write-wins and the dedupe cache blocks duplicate pushes.
type Sweep struct {
	store      SweepStore
	q          queue.Queue
	lookback   time.Duration
	maxRetries int
	batch      int
}

// NewSweep creates a reconciliation sweep.
func NewSweep(store SweepStore, q queue.Queue, lookback time.Duration, maxRetries, batch int) *Sweep {
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweep{store: store, q: q, lookback: lookback, maxRetries: maxRetries, batch: batch}
}

// Run executes one sweep pass and returns the number of re-queued records.
func (s *Sweep) Run(ctx context.Context) (int, error) {
	records, err := s.store.FindUnsyncedOlderThan(ctx, s.lookback, s.batch)
	if err != nil {
		return 0, err
	}
	log.Printf("sweep found %d unsynced records", len(records))

	queued := 0
	for _, rec := range records {
		if rec.SyncError != nil && retriesExhausted(*rec.SyncError, s.maxRetries) {
			log.Printf("sweep skipping record %s: retry budget exhausted", rec.ID)
			continue
		}
		job := queue.Job{
			RecordID:  rec.ID,
			SessionID: rec.ExternalSessionID,
			Method:    rec.Method,
		}
		if rec.StudentExternalID != nil {
			job.StudentExternalID = *rec.StudentExternalID
		}
		if err := s.q.Publish(ctx, job); err != nil {
			log.Printf("sweep re-queue failed for record %s: %v", rec.ID, err)
			continue
		}
		queued++
	}
	log.Printf("sweep re-queued %d records", queued)
	return queued, nil
}

// retriesExhausted inspects the "(retry M/N)" suffix the forwarder appends
// to sync_error.
func retriesExhausted(syncErr string, max int) bool {
	idx := strings.LastIndex(syncErr, "(retry ")
	if idx < 0 {
		return false
	}
	var done, total int
	if _, err := fmt.Sscanf(syncErr[idx:], "(retry %d/%d)", &done, &total); err != nil {
		return false
	}
	return done >= max
}
