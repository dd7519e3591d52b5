package attendance

import (
	"errors"
	"time"
)

// Attendance statuses. Only administrative tooling moves a record off
// StatusPresent; the marking path always creates present records.
const (
	StatusPresent = "present"
	StatusAbsent  = "absent"
	StatusLate    = "late"
	StatusExcused = "excused"
)

// Marking methods.
const (
	MethodQR        = "qr"
	MethodManual    = "manual"
	MethodAutomatic = "automatic"
)

// ErrDuplicate is returned by Repository.Create when a record already exists
// for the (session, student) pair. The service absorbs it as an idempotent
// already-marked response.
var ErrDuplicate = errors.New("attendance already recorded")

// Record is one presence assertion: at most one per student per session,
// enforced by a unique constraint in the store.
type Record struct {
	ID                string     `json:"id"`
	ExternalSessionID string     `json:"session_id"`
	StudentID         string     `json:"student_id"`
	StudentExternalID *string    `json:"student_external_id,omitempty"`
	MarkedAt          time.Time  `json:"marked_at"`
	Status            string     `json:"status"`
	Method            string     `json:"method"`
	Source            string     `json:"source"`
	UserAgent         string     `json:"user_agent,omitempty"`
	IPAddress         string     `json:"ip_address,omitempty"`
	SyncedWithSpoc    bool       `json:"synced_with_spoc"`
	SyncError         *string    `json:"sync_error,omitempty"`
	LastSyncAttempt   *time.Time `json:"last_sync_attempt,omitempty"`
}
