package syncer

import (
	"time"

	"github.com/odyssey-erp/punchsync/internal/reconcile"
)

// Mode selects how decisions reach the ERP.
type Mode string

const (
	// ModePerRecord reads the ERP state and submits once per punch.
	ModePerRecord Mode = "per_record"
	// ModeBulk decides against a daily snapshot and submits once per day.
	ModeBulk Mode = "bulk"
)

const maxReportedFailures = 50

// FailedRecord identifies a punch that could not be reconciled.
type FailedRecord struct {
	SubjectID string    `json:"subject_id"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
}

// Summary describes one run.
type Summary struct {
	RunID         string         `json:"run_id"`
	Module        string         `json:"module"`
	Mode          Mode           `json:"mode"`
	Import        bool           `json:"import"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at"`
	Duration      time.Duration  `json:"duration"`
	Employees     int            `json:"employees"`
	Candidates    int            `json:"candidates"`
	Unknown       int            `json:"unknown_subjects"`
	Submitted     int            `json:"submitted"`
	SkippedStale  int            `json:"skipped_stale"`
	FailedCount   int            `json:"failed"`
	Slices        int            `json:"slices,omitempty"`
	SliceFailures int            `json:"slice_failures,omitempty"`
	Failures      []FailedRecord `json:"failures,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// Attempted is the number of punches handed to the engine.
func (s Summary) Attempted() int {
	return s.Submitted + s.SkippedStale + s.FailedCount
}

// Failed reports a run that attempted punches and reconciled none of them.
// Skipped stale punches count as reconciled.
func (s Summary) Failed() bool {
	return s.Attempted() > 0 && s.Submitted+s.SkippedStale == 0
}

// Status is the run verdict used in logs.
func (s Summary) Status() string {
	switch {
	case s.Error != "":
		return "error"
	case s.Failed():
		return "failed"
	case s.FailedCount > 0 || s.SliceFailures > 0:
		return "partial"
	default:
		return "success"
	}
}

func (s *Summary) add(outcomes []reconcile.Outcome) {
	counts := reconcile.Tally(outcomes)
	s.Submitted += counts[reconcile.StatusSubmitted]
	s.SkippedStale += counts[reconcile.StatusSkippedStale]
	s.FailedCount += counts[reconcile.StatusFailed]

	_, failed := reconcile.Partition(outcomes)
	for _, o := range failed {
		if len(s.Failures) >= maxReportedFailures {
			return
		}
		msg := ""
		if o.Err != nil {
			msg = o.Err.Error()
		}
		s.Failures = append(s.Failures, FailedRecord{SubjectID: o.SubjectID, Timestamp: o.Timestamp, Error: msg})
	}
}
