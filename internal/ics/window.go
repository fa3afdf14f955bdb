package ics

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Window is the run of local calendar days shown on the display. Day 0 is
// the local date containing Start.
type Window struct {
	Start    time.Time
	Days     int
	Location *time.Location
}

// NewWindow returns a window of days local days beginning with the date of
// start in loc. A nil loc means time.Local.
func NewWindow(start time.Time, days int, loc *time.Location) Window {
	if loc == nil {
		loc = time.Local
	}
	if days <= 0 {
		days = 1
	}
	return Window{Start: start.In(loc), Days: days, Location: loc}
}

// DayStart is local midnight of window day k. Calendar arithmetic keeps it
// correct across DST changes.
func (w Window) DayStart(k int) time.Time {
	y, m, d := w.Start.Date()
	return time.Date(y, m, d+k, 0, 0, 0, 0, w.Location)
}

// DayInt is window day k as YYYYMMDD.
func (w Window) DayInt(k int) int {
	return dateInt(w.DayStart(k))
}

func (w Window) FirstDayInt() int { return w.DayInt(0) }

func (w Window) LastDayInt() int { return w.DayInt(w.Days - 1) }

// DayIndex maps a YYYYMMDD date to its window day, or -1.
func (w Window) DayIndex(day int) int {
	for k := 0; k < w.Days; k++ {
		if w.DayInt(k) == day {
			return k
		}
	}
	return -1
}

// dateInt renders the date of t (in its own location) as YYYYMMDD. Years are
// included so comparisons across a year boundary stay unambiguous.
func dateInt(t time.Time) int {
	y, m, d := t.Date()
	return y*10000 + int(m)*100 + d
}

var errBadTime = errors.New("malformed date-time")

// parseDateTime accepts the DATE-TIME forms found in DTSTART/DTEND:
// 20240105T090000Z (UTC) and 20240105T090000 (floating or TZID-qualified,
// both read in loc).
func parseDateTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	switch {
	case len(v) == 16 && v[15] == 'Z':
		return time.Parse("20060102T150405Z", v)
	case len(v) == 15:
		return time.ParseInLocation("20060102T150405", v, loc)
	}
	return time.Time{}, fmt.Errorf("%w: %q", errBadTime, v)
}

// parseDate reads the leading 8-character YYYYMMDD field as local midnight in
// loc.
func parseDate(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if len(v) < 8 {
		return time.Time{}, fmt.Errorf("%w: %q", errBadTime, v)
	}
	return time.ParseInLocation("20060102", v[:8], loc)
}

// parseDateInt reads the leading 8-character YYYYMMDD field as an integer.
func parseDateInt(v string) (int, error) {
	v = strings.TrimSpace(v)
	if len(v) < 8 {
		return 0, fmt.Errorf("%w: %q", errBadTime, v)
	}
	n := 0
	for _, c := range v[:8] {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: %q", errBadTime, v)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}
