package ics

import (
	"fmt"
	"io"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"inkcal/internal/model"
)

// colourProperty carries the display colour of an exported entry.
const colourProperty = ical.ComponentProperty("X-INKCAL-COLOUR")

// ExportCalendar writes entries as an iCalendar document with one VEVENT per
// entry. Timed entries are written in UTC, all-day entries as VALUE=DATE.
func ExportCalendar(w io.Writer, name, cycle string, stamp time.Time, entries []model.Entry) error {
	cal := ical.NewCalendar()
	cal.SetProductId("-//inkcal//EN")
	cal.SetMethod(ical.MethodPublish)
	if name != "" {
		cal.SetXWRCalName(name)
	}

	for i, e := range entries {
		ev := cal.AddEvent(fmt.Sprintf("%s-%d@inkcal", cycle, i))
		ev.SetDtStampTime(stamp)
		ev.SetSummary(e.Name)
		if e.Location != "" {
			ev.SetLocation(e.Location)
		}
		ev.SetProperty(colourProperty, e.BgColour.String())

		if e.AllDay() {
			date := &ical.KeyValues{Key: string(ical.ParameterValue), Value: []string{string(ical.ValueDataTypeDate)}}
			start := e.Timestamp
			ev.SetProperty(ical.ComponentPropertyDtStart, start.Format("20060102"), date)
			ev.SetProperty(ical.ComponentPropertyDtEnd, start.AddDate(0, 0, 1).Format("20060102"), date)
			continue
		}

		end, err := entryEnd(e)
		if err != nil {
			return fmt.Errorf("entry %d (%q): %w", i, e.Name, err)
		}
		ev.SetStartAt(e.Timestamp)
		ev.SetEndAt(end)
	}

	_, err := io.WriteString(w, cal.Serialize())
	return err
}

// entryEnd rebuilds the end instant of a timed entry from its "HH:MM-HH:MM"
// range. An end clock before the start clock falls on the next day.
func entryEnd(e model.Entry) (time.Time, error) {
	_, endClock, ok := strings.Cut(e.Time, "-")
	if !ok {
		return time.Time{}, fmt.Errorf("%w: time range %q", errBadTime, e.Time)
	}
	c, err := time.Parse("15:04", endClock)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: time range %q", errBadTime, e.Time)
	}
	y, m, d := e.Timestamp.Date()
	end := time.Date(y, m, d, c.Hour(), c.Minute(), 0, 0, e.Timestamp.Location())
	if end.Before(e.Timestamp) {
		end = end.AddDate(0, 0, 1)
	}
	return end, nil
}
