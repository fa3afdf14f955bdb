package ics

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

const maxRuleNumber = 1_000_000

var (
	ErrBadRule         = errors.New("malformed RRULE")
	ErrUnsupportedFreq = errors.New("unsupported RRULE frequency")

	errTooManyOccurrences = errors.New("too many occurrences before window")
)

// Recurrence is a cursor over the occurrences of an RRULE. Only FREQ,
// INTERVAL, COUNT and UNTIL are honoured; BY* parts are ignored.
type Recurrence struct {
	InitialStart time.Time
	InitialEnd   time.Time
	// Until is zero when the rule has no UNTIL.
	Until    time.Time
	Freq     rrule.Frequency
	Interval int
	// Remaining is the number of occurrences still to yield, -1 for no limit.
	Remaining int

	CurrentStart time.Time
	CurrentEnd   time.Time

	loc     *time.Location
	started bool
}

// NewRecurrence parses rule (with or without a leading "RRULE:") for an
// event spanning [start, end). Calendar arithmetic is done in loc.
func NewRecurrence(rule string, start, end time.Time, loc *time.Location) (*Recurrence, error) {
	if loc == nil {
		loc = time.Local
	}
	r := &Recurrence{
		InitialStart: start,
		InitialEnd:   end,
		Interval:     1,
		Remaining:    -1,
		loc:          loc,
	}

	freqSet := false
	rule = strings.TrimPrefix(strings.TrimSpace(rule), "RRULE:")
	for _, part := range strings.Split(rule, ";") {
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%w: part %q", ErrBadRule, part)
		}
		switch strings.ToUpper(key) {
		case "FREQ":
			f, err := rrule.StrToFreq(strings.ToUpper(value))
			if err != nil {
				return nil, fmt.Errorf("%w: %q", ErrUnsupportedFreq, value)
			}
			switch f {
			case rrule.DAILY, rrule.WEEKLY, rrule.MONTHLY, rrule.YEARLY:
				r.Freq = f
				freqSet = true
			default:
				return nil, fmt.Errorf("%w: %s", ErrUnsupportedFreq, value)
			}
		case "INTERVAL":
			n, err := ruleNumber(key, value)
			if err != nil {
				return nil, err
			}
			r.Interval = n
		case "COUNT":
			n, err := ruleNumber(key, value)
			if err != nil {
				return nil, err
			}
			r.Remaining = n
		case "UNTIL":
			u, err := parseUntil(value, loc)
			if err != nil {
				return nil, err
			}
			r.Until = u
		}
	}
	if !freqSet {
		return nil, fmt.Errorf("%w: missing FREQ in %q", ErrBadRule, rule)
	}
	return r, nil
}

func ruleNumber(key, value string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrBadRule, key, value)
	}
	if n <= 0 || n > maxRuleNumber {
		return 0, fmt.Errorf("%w: %s=%d out of range", ErrBadRule, key, n)
	}
	return n, nil
}

// parseUntil accepts a DATE or DATE-TIME. A bare date is local midnight of
// that day. The cursor stops once an occurrence starts at or after Until.
func parseUntil(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if len(v) > 8 {
		t, err := parseDateTime(v, loc)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: UNTIL=%q", ErrBadRule, v)
		}
		return t, nil
	}
	d, err := parseDate(v, loc)
	if err != nil || len(v) != 8 {
		return time.Time{}, fmt.Errorf("%w: UNTIL=%q", ErrBadRule, v)
	}
	return d, nil
}

// Bounded reports whether COUNT or UNTIL limits the rule.
func (r *Recurrence) Bounded() bool {
	return r.Remaining >= 0 || !r.Until.IsZero()
}

// Next advances to the next occurrence and reports whether there is one. The
// first call yields the initial occurrence.
func (r *Recurrence) Next() bool {
	if r.Remaining == 0 {
		return false
	}

	if !r.started {
		r.started = true
		r.CurrentStart, r.CurrentEnd = r.InitialStart, r.InitialEnd
	} else {
		r.CurrentStart = r.step(r.CurrentStart, r.InitialStart)
		r.CurrentEnd = r.step(r.CurrentEnd, r.InitialEnd)
	}

	if !r.Until.IsZero() && !r.CurrentStart.Before(r.Until) {
		r.Remaining = 0
		return false
	}
	if r.Remaining > 0 {
		r.Remaining--
	}
	return true
}

// step adds one interval to the local date of cur and re-applies the wall
// clock of the initial occurrence; time.Date normalises day overflow and DST.
func (r *Recurrence) step(cur, initial time.Time) time.Time {
	y, m, d := cur.In(r.loc).Date()
	switch r.Freq {
	case rrule.DAILY:
		d += r.Interval
	case rrule.WEEKLY:
		d += 7 * r.Interval
	case rrule.MONTHLY:
		m += time.Month(r.Interval)
	case rrule.YEARLY:
		y += r.Interval
	}
	local := initial.In(r.loc)
	hh, mm, ss := local.Clock()
	return time.Date(y, m, d, hh, mm, ss, local.Nanosecond(), r.loc)
}
