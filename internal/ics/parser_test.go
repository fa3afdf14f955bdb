package ics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inkcal/internal/model"
)

func newTestParser(t *testing.T, day time.Time, days int, rules ...Rule) *Parser {
	t.Helper()
	return NewParser(ParserConfig{
		FeedID: "test",
		Window: NewWindow(day, days, day.Location()),
		Rules:  rules,
		Colour: model.ColourBlue,
		Store:  model.NewEntryStore(model.DefaultMaxEntries),
	})
}

// parseText runs the parser over text in one ParseChunk plus Finish.
func parseText(t *testing.T, p *Parser, text string) []model.Entry {
	t.Helper()
	data := []byte(text)
	n, err := p.ParseChunk(data)
	require.NoError(t, err)
	_, err = p.Finish(data[n:])
	require.NoError(t, err)
	p.Store().Sort()
	return p.Store().Entries()
}

func feed(events ...string) string {
	return "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n" +
		strings.Join(events, "") +
		"END:VCALENDAR\r\n"
}

func vevent(lines ...string) string {
	return "BEGIN:VEVENT\r\n" + strings.Join(lines, "\r\n") + "\r\nEND:VEVENT\r\n"
}

func TestParseTimedEventInWindow(t *testing.T) {
	p := newTestParser(t, time.Date(2022, 11, 6, 0, 0, 0, 0, time.UTC), 3)

	entries := parseText(t, p, feed(vevent(
		"SUMMARY:Standup",
		"LOCATION:Room 1",
		"DTSTART:20221106T090000Z",
		"DTEND:20221106T100000Z",
	)))

	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "Standup", e.Name)
	assert.Equal(t, "Room 1", e.Location)
	assert.Equal(t, 0, e.Day)
	assert.Equal(t, "09:00-10:00", e.Time)
	assert.True(t, e.Timestamp.Equal(time.Date(2022, 11, 6, 9, 0, 0, 0, time.UTC)))
	assert.Equal(t, model.ColourBlue, e.BgColour)
	assert.Equal(t, model.ColourWhite, e.FgColour)
	assert.Equal(t, model.Stats{TotalEvents: 1, TotalRelevantEvents: 1}, p.Store().Stats())
}

func TestParseTimedEventOutsideWindow(t *testing.T) {
	p := newTestParser(t, time.Date(2022, 11, 6, 0, 0, 0, 0, time.UTC), 3)

	entries := parseText(t, p, feed(
		vevent("SUMMARY:Before", "DTSTART:20221105T090000Z", "DTEND:20221105T100000Z"),
		vevent("SUMMARY:After", "DTSTART:20221109T090000Z", "DTEND:20221109T100000Z"),
		vevent("SUMMARY:Overnight", "DTSTART:20221105T230000Z", "DTEND:20221106T010000Z"),
		vevent("SUMMARY:Last day", "DTSTART:20221108T230000Z", "DTEND:20221109T010000Z"),
	))

	require.Len(t, entries, 1)
	assert.Equal(t, "Last day", entries[0].Name)
	assert.Equal(t, 2, entries[0].Day)
	assert.Equal(t, "23:00-01:00", entries[0].Time)
	assert.Equal(t, model.Stats{TotalEvents: 4, TotalRelevantEvents: 1}, p.Store().Stats())
	assert.Equal(t, uint64(4), p.Events())
	assert.Equal(t, uint64(1), p.RelevantEvents())
}

func TestParseTimesInDisplayZone(t *testing.T) {
	loc := london(t)
	p := newTestParser(t, time.Date(2024, 7, 1, 8, 0, 0, 0, loc), 1)

	entries := parseText(t, p, feed(
		vevent("SUMMARY:Zoned", "DTSTART;TZID=Europe/London:20240701T090000", "DTEND;TZID=Europe/London:20240701T093000"),
		vevent("SUMMARY:Utc", "DTSTART:20240701T090000Z", "DTEND:20240701T100000Z"),
		vevent("SUMMARY:Floating", "DTSTART:20240701T120000", "DTEND:20240701T130000"),
	))

	require.Len(t, entries, 3)
	assert.Equal(t, "Zoned", entries[0].Name)
	assert.Equal(t, "09:00-09:30", entries[0].Time)
	assert.Equal(t, "Utc", entries[1].Name)
	assert.Equal(t, "10:00-11:00", entries[1].Time)
	assert.Equal(t, "Floating", entries[2].Name)
	assert.Equal(t, "12:00-13:00", entries[2].Time)
}

func TestParseAllDayEvent(t *testing.T) {
	p := newTestParser(t, time.Date(2024, 1, 6, 15, 0, 0, 0, time.UTC), 3)

	entries := parseText(t, p, feed(vevent(
		"SUMMARY:Holiday",
		"DTSTART;VALUE=DATE:20240105",
		"DTEND;VALUE=DATE:20240108",
	)))

	require.Len(t, entries, 2)
	for k, e := range entries {
		assert.Equal(t, "Holiday", e.Name)
		assert.Equal(t, k, e.Day)
		assert.Empty(t, e.Time)
		assert.True(t, e.AllDay())
		assert.True(t, e.Timestamp.Equal(time.Date(2024, 1, 6+k, 0, 0, 0, 0, time.UTC)))
	}
	assert.Equal(t, model.Stats{TotalEvents: 1, TotalRelevantEvents: 1}, p.Store().Stats())
}

func TestParseAllDayEventRejectsBadDates(t *testing.T) {
	p := newTestParser(t, time.Date(2024, 1, 6, 0, 0, 0, 0, time.UTC), 3)

	entries := parseText(t, p, feed(
		vevent("SUMMARY:Ancient", "DTSTART;VALUE=DATE:19990101", "DTEND;VALUE=DATE:20240107"),
		vevent("SUMMARY:Far", "DTSTART;VALUE=DATE:20240106", "DTEND;VALUE=DATE:22010101"),
		vevent("SUMMARY:Junk", "DTSTART;VALUE=DATE:2024XX06", "DTEND;VALUE=DATE:20240107"),
		vevent("SUMMARY:Short", "DTSTART;VALUE=DATE:202401", "DTEND;VALUE=DATE:20240107"),
		vevent("SUMMARY:Ended", "DTSTART;VALUE=DATE:20240105", "DTEND;VALUE=DATE:20240106"),
		vevent("SUMMARY:No end", "DTSTART;VALUE=DATE:20240106"),
	))

	assert.Empty(t, entries)
	assert.Equal(t, model.Stats{TotalEvents: 6}, p.Store().Stats())
}

func TestParseAllDayEventStoreFull(t *testing.T) {
	day := time.Date(2024, 1, 6, 0, 0, 0, 0, time.UTC)
	p := NewParser(ParserConfig{
		FeedID: "test",
		Window: NewWindow(day, 3, time.UTC),
		Store:  model.NewEntryStore(2),
	})

	entries := parseText(t, p, feed(
		vevent("SUMMARY:Trip", "DTSTART;VALUE=DATE:20240101", "DTEND;VALUE=DATE:20240201"),
		vevent("SUMMARY:Late", "DTSTART:20240106T090000Z", "DTEND:20240106T100000Z"),
	))

	require.Len(t, entries, 2)
	assert.Equal(t, "Trip", entries[0].Name)
	assert.Equal(t, 0, entries[0].Day)
	assert.Equal(t, 1, entries[1].Day)
	assert.Equal(t, model.Stats{TotalEvents: 2, TotalRelevantEvents: 1}, p.Store().Stats())
}

func TestParseRecurringTimedEvent(t *testing.T) {
	ev := vevent(
		"SUMMARY:Weekly sync",
		"DTSTART:20240101T090000Z",
		"DTEND:20240101T093000Z",
		"RRULE:FREQ=WEEKLY",
	)

	p := newTestParser(t, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), 3)
	entries := parseText(t, p, feed(ev))
	require.Len(t, entries, 1)
	assert.Equal(t, 0, entries[0].Day)
	assert.Equal(t, "09:00-09:30", entries[0].Time)
	assert.True(t, entries[0].Timestamp.Equal(time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)))

	p = newTestParser(t, time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC), 3)
	assert.Empty(t, parseText(t, p, feed(ev)))
	assert.Equal(t, model.Stats{TotalEvents: 1}, p.Store().Stats())

	// Two occurrences fall inside a long window.
	p = newTestParser(t, time.Date(2024, 1, 14, 0, 0, 0, 0, time.UTC), 10)
	entries = parseText(t, p, feed(ev))
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].Day)
	assert.Equal(t, 8, entries[1].Day)
	assert.Equal(t, model.Stats{TotalEvents: 1, TotalRelevantEvents: 1}, p.Store().Stats())
}

func TestParseRecurringEventAcrossDST(t *testing.T) {
	loc := london(t)
	p := newTestParser(t, time.Date(2024, 4, 1, 0, 0, 0, 0, loc), 1)

	entries := parseText(t, p, feed(vevent(
		"SUMMARY:Swim",
		"DTSTART;TZID=Europe/London:20240304T070000",
		"DTEND;TZID=Europe/London:20240304T080000",
		"RRULE:FREQ=WEEKLY;UNTIL=20240501",
	)))

	require.Len(t, entries, 1)
	assert.Equal(t, "07:00-08:00", entries[0].Time)
}

func TestParseRecurringAllDayEvent(t *testing.T) {
	p := newTestParser(t, time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC), 3)

	entries := parseText(t, p, feed(vevent(
		"SUMMARY:Birthday",
		"DTSTART;VALUE=DATE:20200315",
		"DTEND;VALUE=DATE:20200316",
		"RRULE:FREQ=YEARLY",
	)))

	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Day)
	assert.Empty(t, entries[0].Time)
	assert.True(t, entries[0].Timestamp.Equal(time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)))
}

func TestParseRecurringAllDayUntilExclusive(t *testing.T) {
	text := func(until string) string {
		return feed(vevent(
			"SUMMARY:Bins",
			"DTSTART;VALUE=DATE:20240101",
			"DTEND;VALUE=DATE:20240102",
			"RRULE:FREQ=WEEKLY;UNTIL="+until,
		))
	}
	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

	p := newTestParser(t, day, 3)
	assert.Empty(t, parseText(t, p, text("20240115")))
	assert.Equal(t, model.Stats{TotalEvents: 1, TotalRelevantEvents: 0}, p.Store().Stats())

	p = newTestParser(t, day, 3)
	entries := parseText(t, p, text("20240116"))
	require.Len(t, entries, 1)
	assert.Equal(t, 0, entries[0].Day)
}

func TestParseCountLimitsOccurrences(t *testing.T) {
	p := newTestParser(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 7)

	entries := parseText(t, p, feed(vevent(
		"SUMMARY:Course",
		"DTSTART:20240101T180000Z",
		"DTEND:20240101T190000Z",
		"RRULE:FREQ=DAILY;INTERVAL=2;COUNT=3",
	)))

	require.Len(t, entries, 3)
	assert.Equal(t, []int{0, 2, 4}, []int{entries[0].Day, entries[1].Day, entries[2].Day})
}

func TestParseSkipsMalformedRecurrence(t *testing.T) {
	p := newTestParser(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 3)

	entries := parseText(t, p, feed(
		vevent("SUMMARY:Hourly", "DTSTART:20240101T090000Z", "DTEND:20240101T100000Z", "RRULE:FREQ=HOURLY"),
		vevent("SUMMARY:Ok", "DTSTART:20240101T090000Z", "DTEND:20240101T100000Z"),
	))

	require.Len(t, entries, 1)
	assert.Equal(t, "Ok", entries[0].Name)
}

func TestParseAppliesRulesBeforeExpansion(t *testing.T) {
	p := newTestParser(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 3,
		Rule{Match: MatchContains, Text: "cancelled", Action: ActionDiscard},
		Rule{Match: MatchSummaryEqualsStripped, Text: "bins", Action: ActionSetColour, Arg: int(model.ColourYellow)},
		Rule{Match: MatchContains, Text: "bins", Action: ActionSetSortTieBreak, Arg: 9},
	)

	entries := parseText(t, p, feed(
		vevent("SUMMARY:Standup", "DESCRIPTION:This has been\r\n  CANCELLED", "DTSTART:20240101T090000Z",
			"DTEND:20240101T100000Z", "RRULE:FREQ=DAILY"),
		vevent("SUMMARY:Breakfast", "DTSTART:20240102T090000Z", "DTEND:20240102T100000Z"),
		vevent("SUMMARY: Bins ", "DTSTART;VALUE=DATE:20240102", "DTEND;VALUE=DATE:20240103"),
		vevent("SUMMARY:Alpha", "DTSTART;VALUE=DATE:20240102", "DTEND;VALUE=DATE:20240103"),
	))

	require.Len(t, entries, 3)
	assert.Equal(t, " Bins ", entries[0].Name)
	assert.Equal(t, model.ColourYellow, entries[0].BgColour)
	assert.Equal(t, model.ColourBlack, entries[0].FgColour)
	assert.Equal(t, "Alpha", entries[1].Name)
	assert.Equal(t, model.ColourBlue, entries[1].BgColour)
	assert.Equal(t, "Breakfast", entries[2].Name)
	assert.Equal(t, model.Stats{TotalEvents: 4, TotalRelevantEvents: 3}, p.Store().Stats())
}

func TestParseChunkResumes(t *testing.T) {
	text := feed(
		vevent("SUMMARY:One", "DTSTART:20240101T090000Z", "DTEND:20240101T100000Z"),
		vevent("SUMMARY:Two", "DTSTART:20240102T090000Z", "DTEND:20240102T100000Z"),
	)
	p := newTestParser(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 3)

	// The first event is complete once the line after END:VEVENT starts.
	firstEnd := strings.Index(text, "END:VEVENT\r\n") + len("END:VEVENT\r\n")
	data := []byte(text[:firstEnd+1])
	n, err := p.ParseChunk(data)
	require.NoError(t, err)
	assert.Equal(t, firstEnd, n)
	assert.Equal(t, 1, p.Store().Len())

	rest := append(data[n:], text[firstEnd+1:]...)
	n, err = p.ParseChunk(rest)
	require.NoError(t, err)
	_, err = p.Finish(rest[n:])
	require.NoError(t, err)
	assert.Equal(t, 2, p.Store().Len())
}

func TestParseChunkNeedsMoreData(t *testing.T) {
	p := newTestParser(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 3)

	n, err := p.ParseChunk([]byte("BEGIN:VEVENT\r\nSUMMARY:Partial\r\nDTSTART:2024"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, p.Store().Len())
	assert.Equal(t, uint64(0), p.Events())
}

func TestParseChunkKeepsPartialMarkerLine(t *testing.T) {
	p := newTestParser(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 3)

	head := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VEV"
	n, err := p.ParseChunk([]byte(head))
	require.NoError(t, err)
	assert.Equal(t, strings.Index(head, "BEGIN:VEV"), n)
}

func TestParseFinishReportsUnconsumedTail(t *testing.T) {
	p := newTestParser(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 3)

	data := []byte("BEGIN:VEVENT\r\nSUMMARY:Cut off\r\n")
	n, err := p.Finish(data)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, uint64(0), p.Events())
}

func TestParseEventWithoutTimes(t *testing.T) {
	p := newTestParser(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 3)

	entries := parseText(t, p, feed(
		vevent("SUMMARY:No times"),
		vevent("SUMMARY:Bad start", "DTSTART:2024-01-01", "DTEND:20240101T100000Z"),
	))
	assert.Empty(t, entries)
	assert.Equal(t, model.Stats{TotalEvents: 2}, p.Store().Stats())
}
