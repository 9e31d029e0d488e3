// Package reconcile decides whether a punch is a clock-in or a clock-out
// against the ERP's last known attendance state.
package reconcile

import (
	"time"

	"github.com/odyssey-erp/punchsync/internal/punch"
)

// Action is the outcome of Decide.
type Action int

const (
	// ActionSkipStale ignores a punch that does not advance the state.
	ActionSkipStale Action = iota
	// ActionClockIn opens a new attendance pair.
	ActionClockIn
	// ActionClockOut closes the open pair.
	ActionClockOut
)

// String implements fmt.Stringer.
func (a Action) String() string {
	switch a {
	case ActionClockIn:
		return "clock_in"
	case ActionClockOut:
		return "clock_out"
	default:
		return "skip_stale"
	}
}

// State is the ERP's authoritative check-in/check-out pair for one employee.
// Values are never mutated; Next derives the following state.
type State struct {
	CheckIn  *time.Time
	CheckOut *time.Time
}

// Open reports whether the employee is clocked in without a matching
// clock-out.
func (s State) Open() bool {
	return s.CheckIn != nil && s.CheckOut == nil
}

// Next returns the state after applying action at ts.
func (s State) Next(action Action, ts time.Time) State {
	switch action {
	case ActionClockIn:
		return State{CheckIn: &ts}
	case ActionClockOut:
		return State{CheckIn: s.CheckIn, CheckOut: &ts}
	default:
		return s
	}
}

// Decide applies the transition rule for one punch. A closed pair is only
// reopened by a later punch, an open pair only closed by a later punch, and
// an employee without history always clocks in. Equal timestamps are stale so
// redelivery is a no-op.
func Decide(rec punch.Record, s State) Action {
	switch {
	case s.CheckOut != nil:
		if !rec.Timestamp.After(*s.CheckOut) {
			return ActionSkipStale
		}
		return ActionClockIn
	case s.CheckIn != nil:
		if !rec.Timestamp.After(*s.CheckIn) {
			return ActionSkipStale
		}
		return ActionClockOut
	default:
		return ActionClockIn
	}
}
