package ics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// extract runs ExtractEvent on an event text that starts with BEGIN:VEVENT.
func extract(t *testing.T, text string, atEOF bool) (EventRecord, int, ExtractStatus) {
	t.Helper()
	data := []byte(text)
	require.True(t, strings.HasPrefix(text, "BEGIN:VEVENT"))
	return ExtractEvent(data, len(beginEvent), atEOF)
}

func TestExtractEventFields(t *testing.T) {
	text := "BEGIN:VEVENT\r\n" +
		"UID:1@example.com\r\n" +
		"SUMMARY:Standup\r\n" +
		"LOCATION:Room 1\r\n" +
		"DTSTART:20221106T090000Z\r\n" +
		"DTEND:20221106T100000Z\r\n" +
		"DESCRIPTION:Daily\\, quick\r\n  sync\r\n" +
		"RRULE:FREQ=DAILY;COUNT=3\r\n" +
		"END:VEVENT\r\n"

	rec, next, status := extract(t, text, false)
	require.Equal(t, EventComplete, status)
	assert.Equal(t, len(text), next)
	assert.Equal(t, "Standup", rec.Summary)
	assert.Equal(t, "Room 1", rec.Location)
	assert.Equal(t, "20221106T090000Z", rec.TimeStart)
	assert.Equal(t, "20221106T100000Z", rec.TimeEnd)
	assert.Empty(t, rec.DateStart)
	assert.Equal(t, "FREQ=DAILY;COUNT=3", rec.RRule)
	assert.Empty(t, rec.Truncated)

	require.True(t, rec.HasDescription)
	desc := NewFoldedText([]byte(text)[rec.Description.Off : rec.Description.Off+rec.Description.Len])
	assert.Equal(t, "Daily, quick sync", desc.String())
}

func TestExtractEventDateShapes(t *testing.T) {
	tests := []struct {
		name      string
		start     string
		timeStart string
		dateStart string
		tzid      string
	}{
		{"utc", "DTSTART:20240105T090000Z", "20240105T090000Z", "", ""},
		{"floating", "DTSTART:20240105T090000", "20240105T090000", "", ""},
		{"tzid", "DTSTART;TZID=Europe/London:20240105T090000", "20240105T090000", "", "Europe/London"},
		{"all-day", "DTSTART;VALUE=DATE:20240105", "", "20240105", ""},
		{"other parameter", "DTSTART;VALUE=DATE-TIME:20240105T090000", "", "", ""},
		{"no value", "DTSTART;TZID=Europe/London", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _, status := extract(t, "BEGIN:VEVENT\r\n"+tt.start+"\r\nEND:VEVENT\r\n", false)
			require.Equal(t, EventComplete, status)
			assert.Equal(t, tt.timeStart, rec.TimeStart)
			assert.Equal(t, tt.dateStart, rec.DateStart)
			assert.Equal(t, tt.tzid, rec.TZID)
		})
	}
}

func TestExtractEventIncomplete(t *testing.T) {
	text := "BEGIN:VEVENT\r\nSUMMARY:Half\r\nDTSTART:20240105T090000Z\r\n"

	rec, next, status := extract(t, text, false)
	assert.Equal(t, EventIncomplete, status)
	assert.Equal(t, len(beginEvent), next)
	assert.Empty(t, rec.Summary)

	_, _, status = extract(t, text, true)
	assert.Equal(t, EventIncomplete, status)

	// The line end after END:VEVENT is undecidable without more data.
	_, _, status = extract(t, "BEGIN:VEVENT\r\nSUMMARY:x\r\nEND:VEVENT\r\n"[:len("BEGIN:VEVENT\r\nSUMMARY:x\r\nEND:VEVENT")], false)
	assert.Equal(t, EventIncomplete, status)
}

func TestExtractEventEndAtEOF(t *testing.T) {
	text := "BEGIN:VEVENT\r\nSUMMARY:Last\r\nEND:VEVENT"

	rec, next, status := extract(t, text, true)
	require.Equal(t, EventComplete, status)
	assert.Equal(t, "Last", rec.Summary)
	assert.Equal(t, len(text), next)
}

func TestExtractEventSkipsNestedComponents(t *testing.T) {
	text := "BEGIN:VEVENT\r\n" +
		"SUMMARY:Dentist\r\n" +
		"DESCRIPTION:Bring card\r\n" +
		"BEGIN:VALARM\r\n" +
		"ACTION:DISPLAY\r\n" +
		"SUMMARY:Alarm summary\r\n" +
		"DESCRIPTION:Reminder\r\n" +
		"END:VALARM\r\n" +
		"DTSTART:20240105T090000Z\r\n" +
		"END:VEVENT\r\n"

	rec, _, status := extract(t, text, false)
	require.Equal(t, EventComplete, status)
	assert.Equal(t, "Dentist", rec.Summary)
	assert.Equal(t, "20240105T090000Z", rec.TimeStart)
	desc := NewFoldedText([]byte(text)[rec.Description.Off : rec.Description.Off+rec.Description.Len])
	assert.Equal(t, "Bring card", desc.String())
}

func TestExtractEventTruncatesLongSummary(t *testing.T) {
	long := strings.Repeat("x", 400)
	text := "BEGIN:VEVENT\r\nSUMMARY:" + fold(long, 70) + "\r\nLOCATION:Hall\r\nEND:VEVENT\r\n"

	rec, next, status := extract(t, text, false)
	require.Equal(t, EventComplete, status)
	assert.Equal(t, len(text), next)
	assert.Len(t, rec.Summary, MaxFieldLen-len("SUMMARY:"))
	assert.Equal(t, []string{"SUMMARY"}, rec.Truncated)
	assert.Equal(t, "Hall", rec.Location)
}

func TestFoldedTextJoinsSplitRune(t *testing.T) {
	ft := NewFoldedText([]byte("caf\xc3\r\n \xa9 ok\\nnext\\x"))
	assert.Equal(t, "café ok\nnext\\x", ft.String())
	assert.False(t, ft.Empty())
	assert.True(t, NewFoldedText(nil).Empty())
}
