package leave

import (
	"strings"
	"time"
)

// =============================================================================
// DATE RANGE - Calendar days in a fixed reference timezone
// =============================================================================

const DateLayout = "2006-01-02"

// acceptedLayouts are tried in order; clients send either a bare date or a
// full timestamp produced by a date picker.
var acceptedLayouts = []string{DateLayout, time.RFC3339, time.RFC3339Nano, "2006-01-02T15:04:05"}

// ParseDate parses raw and truncates it to midnight in loc.
func ParseDate(raw string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	raw = strings.TrimSpace(raw)
	for _, layout := range acceptedLayouts {
		t, err := time.ParseInLocation(layout, raw, loc)
		if err == nil {
			return Midnight(t, loc), nil
		}
	}
	return time.Time{}, ErrInvalidDate
}

// Midnight returns the start of t's calendar day in loc.
func Midnight(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// DateRange is a validated, inclusive span of calendar days.
type DateRange struct {
	Start time.Time
	End   time.Time
	Days  int
}

// ResolveRange parses both dates and computes the inclusive day count.
func ResolveRange(start, end string, loc *time.Location) (DateRange, error) {
	s, err := ParseDate(start, loc)
	if err != nil {
		return DateRange{}, err
	}
	e, err := ParseDate(end, loc)
	if err != nil {
		return DateRange{}, err
	}
	if s.After(e) {
		return DateRange{}, ErrInvalidRange
	}
	days := DaysBetween(s, e) + 1
	if days < 1 {
		return DateRange{}, ErrInvalidDuration
	}
	return DateRange{Start: s, End: e, Days: days}, nil
}

const secondsPerDay = 24 * 60 * 60

// DaysBetween counts whole calendar days from a to b. The count is taken on
// UTC-anchored dates so DST shifts in the reference timezone cannot shorten a
// day. Unix seconds avoid the ~292 year limit of time.Duration.
func DaysBetween(a, b time.Time) int {
	ua := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	ub := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int((ub.Unix() - ua.Unix()) / secondsPerDay)
}
