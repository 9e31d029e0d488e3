package punch

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type is the punch code reported by the terminal. Terminals report 0 for
// check-in and 1 for check-out; break and overtime codes are kept as
// reported so they reach the ERP unchanged.
type Type int

const (
	// TypeUnspecified marks a punch without a terminal code.
	TypeUnspecified Type = -1
	// TypeIn is a check-in punch.
	TypeIn Type = 0
	// TypeOut is a check-out punch.
	TypeOut Type = 1
)

// TypeFromCode wraps a terminal punch code. Negative codes are unspecified.
func TypeFromCode(code int) Type {
	if code < 0 {
		return TypeUnspecified
	}
	return Type(code)
}

// Code returns the terminal punch code, or false when the punch has none.
func (t Type) Code() (int, bool) {
	if t < 0 {
		return 0, false
	}
	return int(t), true
}

// String implements fmt.Stringer.
func (t Type) String() string {
	switch {
	case t == TypeIn:
		return "IN"
	case t == TypeOut:
		return "OUT"
	case t < 0:
		return "UNSPECIFIED"
	default:
		return fmt.Sprintf("CODE_%d", int(t))
	}
}

// Record is one raw observation pulled from a terminal.
type Record struct {
	ID        uuid.UUID
	SubjectID string
	Timestamp time.Time
	Type      Type
	Status    int
	DeviceID  string
}

// NewRecord builds a record with a deterministic identifier so that pulling
// the same terminal log twice never duplicates rows.
func NewRecord(deviceID, subjectID string, ts time.Time, typ Type, status int) Record {
	return Record{
		ID:        RecordID(deviceID, subjectID, ts),
		SubjectID: subjectID,
		Timestamp: ts,
		Type:      typ,
		Status:    status,
		DeviceID:  deviceID,
	}
}

// RecordID derives the identifier for a punch.
func RecordID(deviceID, subjectID string, ts time.Time) uuid.UUID {
	return uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("PUNCH:%s:%s:%d", deviceID, subjectID, ts.Unix())))
}

// Filter narrows a Query. At least one criterion must be set.
type Filter struct {
	From       time.Time
	To         time.Time
	SubjectIDs []string
	DeviceID   string
}

// IsZero reports whether no criterion is set.
func (f Filter) IsZero() bool {
	return f.From.IsZero() && f.To.IsZero() && len(f.SubjectIDs) == 0 && f.DeviceID == ""
}

// Window returns a filter for the closed-open interval [from, to).
func Window(from, to time.Time) Filter {
	return Filter{From: from, To: to}
}
