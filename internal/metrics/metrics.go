package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MarksTotal counts marking requests by outcome
// (ok, already_marked, token_expired, invalid_token, invalid_session,
// rate_limited, error).
var MarksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "attendance_marks_total",
	Help: "Attendance marking requests by outcome.",
}, []string{"outcome"})

// ForwardsTotal counts forward jobs by outcome
// (delivered, deduped, failed, skipped).
var ForwardsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "attendance_forwards_total",
	Help: "SPOC forward jobs by outcome.",
}, []string{"outcome"})

// SweepRequeued counts records re-queued by the reconciliation sweep.
var SweepRequeued = promauto.NewCounter(prometheus.CounterOpts{
	Name: "attendance_sweep_requeued_total",
	Help: "Unsynced records re-queued by the reconciliation sweep.",
})
