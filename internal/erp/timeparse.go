package erp

import (
	"fmt"
	"strconv"
	"time"

	"github.com/odyssey-erp/punchsync/internal/shared"
)

// Wire formats used by the ERP.
const (
	RemoteLayout    = "2006-01-02 15:04:05"
	DateLayout      = "2006-01-02"
	TimeOfDayLayout = "15:04:05"
)

// parseInstant reads an ERP timestamp. Full timestamps are read in loc;
// time-of-day values are anchored to the calendar date of anchor. A nil or
// empty value yields nil.
func parseInstant(value any, loc *time.Location, anchor time.Time) (*time.Time, error) {
	s, ok := value.(string)
	if value == nil || (ok && s == "") {
		return nil, nil
	}
	if !ok {
		return nil, fmt.Errorf("erp: timestamp %v is not a string: %w", value, shared.ErrValidation)
	}
	for _, layout := range []string{RemoteLayout, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return &t, nil
		}
	}
	if clock, err := time.ParseInLocation(TimeOfDayLayout, s, loc); err == nil {
		if anchor.IsZero() {
			return nil, fmt.Errorf("erp: time-of-day %q without a date: %w", s, shared.ErrValidation)
		}
		y, m, d := anchor.In(loc).Date()
		t := time.Date(y, m, d, clock.Hour(), clock.Minute(), clock.Second(), 0, loc)
		return &t, nil
	}
	return nil, fmt.Errorf("erp: unparseable timestamp %q: %w", s, shared.ErrValidation)
}

// asString renders JSON scalars as identifiers.
func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
