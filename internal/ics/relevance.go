package ics

import (
	"time"

	appLog "inkcal/internal/log"
	"inkcal/internal/model"
)

const (
	minAllDayDate = 20000101
	maxAllDayDate = 22000101

	// maxOccurrenceScan bounds the occurrences walked for one event before
	// the window is reached.
	maxOccurrenceScan = 1_000_000
)

// timedEvent resolves a DTSTART/DTEND event, expanding its RRULE if present.
// It returns the number of entries stored.
func (p *Parser) timedEvent(base model.Entry, rec EventRecord) int {
	loc := p.cfg.Window.Location
	start, err := parseDateTime(rec.TimeStart, loc)
	if err != nil {
		appLog.Warn("bad DTSTART; event skipped", "feed", p.cfg.FeedID, "summary", rec.Summary, "value", rec.TimeStart)
		return 0
	}
	end, err := parseDateTime(rec.TimeEnd, loc)
	if err != nil {
		appLog.Warn("bad DTEND; event skipped", "feed", p.cfg.FeedID, "summary", rec.Summary, "value", rec.TimeEnd)
		return 0
	}
	if rec.TZID != "" {
		appLog.Debug("event zone", "feed", p.cfg.FeedID, "tzid", rec.TZID)
	}

	if rec.RRule == "" {
		return p.timedOccurrence(base, start, end)
	}

	emitted := 0
	p.expand(rec, start, end, func(s, e time.Time) {
		emitted += p.timedOccurrence(base, s, e)
	})
	return emitted
}

// timedOccurrence stores base for one occurrence if its start date is a
// window day.
func (p *Parser) timedOccurrence(base model.Entry, start, end time.Time) int {
	w := p.cfg.Window
	start, end = start.In(w.Location), end.In(w.Location)

	if dateInt(end) < w.FirstDayInt() || dateInt(start) > w.LastDayInt() {
		return 0
	}

	e := base
	e.Time = start.Format("15:04") + "-" + end.Format("15:04")
	e.Timestamp = start
	e.Day = w.DayIndex(dateInt(start))
	if e.Day == model.NotRelevant {
		return 0
	}

	if err := p.cfg.Store.Add(e); err != nil {
		appLog.Error("no space in entry list", err, "feed", p.cfg.FeedID, "summary", e.Name, "day", e.Day)
		return 0
	}
	return 1
}

// allDayEvent resolves a VALUE=DATE event.
func (p *Parser) allDayEvent(base model.Entry, rec EventRecord) int {
	if rec.RRule == "" {
		startInt, err1 := parseDateInt(rec.DateStart)
		endInt, err2 := parseDateInt(rec.DateEnd)
		if err1 != nil || err2 != nil {
			appLog.Warn("event with no valid date info", "feed", p.cfg.FeedID,
				"summary", rec.Summary, "start", rec.DateStart, "end", rec.DateEnd)
			return 0
		}
		return p.allDayInstance(base, startInt, endInt)
	}

	loc := p.cfg.Window.Location
	start, err1 := parseDate(rec.DateStart, loc)
	end, err2 := parseDate(rec.DateEnd, loc)
	if err1 != nil || err2 != nil {
		appLog.Warn("event with no valid date info", "feed", p.cfg.FeedID,
			"summary", rec.Summary, "start", rec.DateStart, "end", rec.DateEnd)
		return 0
	}

	emitted := 0
	p.expand(rec, start, end, func(s, e time.Time) {
		emitted += p.allDayInstance(base, dateInt(s.In(loc)), dateInt(e.In(loc)))
	})
	return emitted
}

// allDayInstance stores one entry per window day in [startInt, endInt).
func (p *Parser) allDayInstance(base model.Entry, startInt, endInt int) int {
	if startInt < minAllDayDate || startInt > maxAllDayDate ||
		endInt < minAllDayDate || endInt > maxAllDayDate {
		appLog.Warn("all-day event has dates out of range", "feed", p.cfg.FeedID,
			"summary", base.Name, "start", startInt, "end", endInt)
		return 0
	}

	w := p.cfg.Window
	if endInt <= w.FirstDayInt() || startInt > w.LastDayInt() {
		return 0
	}

	stored := 0
	for k := 0; k < w.Days; k++ {
		day := w.DayInt(k)
		if day < startInt || day >= endInt {
			continue
		}
		e := base
		e.Day = k
		e.Time = ""
		e.Timestamp = w.DayStart(k)
		if err := p.cfg.Store.Add(e); err != nil {
			appLog.Error("no space in entry list", err, "feed", p.cfg.FeedID,
				"summary", e.Name, "day", k, "start", startInt, "end", endInt)
			continue
		}
		stored++
	}

	if stored > 0 {
		appLog.Debug("all-day event relevant", "feed", p.cfg.FeedID,
			"summary", base.Name, "start", startInt, "end", endInt, "days", stored)
	}
	return stored
}

// expand walks the occurrences of rec.RRule until they pass the window's last
// day, calling fn for each.
func (p *Parser) expand(rec EventRecord, start, end time.Time, fn func(s, e time.Time)) {
	w := p.cfg.Window
	r, err := NewRecurrence(rec.RRule, start, end, w.Location)
	if err != nil {
		appLog.Error("failed to parse recurring event", err, "feed", p.cfg.FeedID,
			"summary", rec.Summary, "rrule", rec.RRule)
		return
	}

	last := w.LastDayInt()
	instances := 0
	for r.Next() {
		if dateInt(r.CurrentStart.In(w.Location)) > last {
			break
		}
		instances++
		if instances > maxOccurrenceScan {
			appLog.Error("recurrence scan cap reached", errTooManyOccurrences,
				"feed", p.cfg.FeedID, "summary", rec.Summary, "rrule", rec.RRule)
			break
		}
		fn(r.CurrentStart, r.CurrentEnd)
	}

	appLog.Debug("recurring event expanded", "feed", p.cfg.FeedID,
		"summary", rec.Summary, "instances", instances, "rrule", rec.RRule)
}
