package reconcile

import (
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/punchsync/internal/punch"
)

// Status summarises what happened to one punch.
type Status int

const (
	// StatusSubmitted means the decision reached the ERP.
	StatusSubmitted Status = iota
	// StatusSkippedStale means the punch did not advance the state.
	StatusSkippedStale
	// StatusFailed means the record could not be reconciled.
	StatusFailed
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusSubmitted:
		return "submitted"
	case StatusSkippedStale:
		return "skipped_stale"
	default:
		return "failed"
	}
}

// Outcome is the result of reconciling one punch.
type Outcome struct {
	RecordID  uuid.UUID
	SubjectID string
	Timestamp time.Time
	Action    Action
	Status    Status
	Err       error
}

// Decision pairs a punch with the action chosen for it.
type Decision struct {
	Record punch.Record
	Action Action
}

// Partition splits outcomes into those that did not fail and those that did.
func Partition(outcomes []Outcome) (ok, failed []Outcome) {
	for _, o := range outcomes {
		if o.Status == StatusFailed {
			failed = append(failed, o)
			continue
		}
		ok = append(ok, o)
	}
	return ok, failed
}

// Tally counts outcomes per status.
func Tally(outcomes []Outcome) map[Status]int {
	counts := make(map[Status]int, 3)
	for _, o := range outcomes {
		counts[o.Status]++
	}
	return counts
}
