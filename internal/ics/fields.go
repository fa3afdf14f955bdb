package ics

import (
	"bytes"
	"strings"
	"unicode/utf8"
)

// MaxFieldLen caps decoded SUMMARY/LOCATION/DTSTART/DTEND/RRULE values.
// Longer values are truncated and logged.
const MaxFieldLen = 256

var (
	beginEvent = []byte("BEGIN:VEVENT")
	endEvent   = []byte("END:VEVENT")
)

// ExtractStatus is the outcome of ExtractEvent.
type ExtractStatus int

const (
	EventComplete ExtractStatus = iota
	EventIncomplete
)

// Span is an offset+length range into the buffer handed to the parser.
type Span struct {
	Off int
	Len int
}

// EventRecord holds the raw recognised properties of one VEVENT. It is only
// valid while the buffer it was extracted from is unchanged.
type EventRecord struct {
	Summary   string
	Location  string
	TimeStart string
	TimeEnd   string
	DateStart string
	DateEnd   string
	// TZID of DTSTART, kept for logging only.
	TZID  string
	RRule string

	HasDescription bool
	Description    Span

	// Truncated lists properties whose value did not fit MaxFieldLen.
	Truncated []string
}

// ExtractEvent reads the lines of the VEVENT whose body starts at data[pos]
// (just after the BEGIN:VEVENT marker) up to and including END:VEVENT.
// Properties of nested components such as VALARM are ignored.
//
// EventIncomplete means the buffer ends first; nothing should be emitted and
// the call must be repeated from the same BEGIN:VEVENT once more data exists.
func ExtractEvent(data []byte, pos int, atEOF bool) (EventRecord, int, ExtractStatus) {
	var rec EventRecord
	depth := 0
	i := pos

	for {
		if i >= len(data) {
			return EventRecord{}, pos, EventIncomplete
		}

		if depth == 0 && hasPrefixAt(data, i, "DESCRIPTION:") {
			valStart := i + len("DESCRIPTION:")
			end, next, st := ScanLine(data, valStart, atEOF)
			if st == LineNeedMore {
				return EventRecord{}, pos, EventIncomplete
			}
			rec.HasDescription = true
			rec.Description = Span{Off: valStart, Len: end - valStart}
			i = next
			continue
		}

		line, next, st := UnfoldLine(data, i, MaxFieldLen, atEOF)
		if st == LineNeedMore {
			return EventRecord{}, pos, EventIncomplete
		}
		i = next

		if len(line) == 0 || isFoldSpace(line[0]) {
			// Blank line, or the unread tail of a truncated line.
			continue
		}

		trimmed := bytes.TrimRight(line, " \t")
		switch {
		case bytes.Equal(trimmed, endEvent):
			if depth == 0 {
				return rec, i, EventComplete
			}
			depth--
			continue
		case bytes.HasPrefix(trimmed, []byte("BEGIN:")):
			depth++
			continue
		case bytes.HasPrefix(trimmed, []byte("END:")):
			if depth > 0 {
				depth--
			}
			continue
		}
		if depth > 0 {
			continue
		}

		name := classify(&rec, line)
		if st == LineTruncated && name != "" {
			rec.Truncated = append(rec.Truncated, name)
		}
	}
}

// classify stores a recognised property and returns its name, or "" when the
// line is ignored.
func classify(rec *EventRecord, line []byte) string {
	s := string(line)
	switch {
	case strings.HasPrefix(s, "SUMMARY:"):
		rec.Summary = s[len("SUMMARY:"):]
		return "SUMMARY"
	case strings.HasPrefix(s, "LOCATION:"):
		rec.Location = s[len("LOCATION:"):]
		return "LOCATION"
	case strings.HasPrefix(s, "RRULE:"):
		rec.RRule = s[len("RRULE:"):]
		return "RRULE"
	case strings.HasPrefix(s, "DTSTART"):
		timed, date, tz, ok := dateProperty(s[len("DTSTART"):])
		if ok {
			rec.TimeStart, rec.DateStart = timed, date
			if tz != "" {
				rec.TZID = tz
			}
		}
		return "DTSTART"
	case strings.HasPrefix(s, "DTEND"):
		timed, date, _, ok := dateProperty(s[len("DTEND"):])
		if ok {
			rec.TimeEnd, rec.DateEnd = timed, date
		}
		return "DTEND"
	}
	return ""
}

// dateProperty parses what follows DTSTART/DTEND. Accepted shapes:
//
//	:20240105T090000Z          timed
//	;TZID=Europe/London:2024…  timed, zone kept for logging
//	;VALUE=DATE:20240105       all-day
func dateProperty(rest string) (timed, date, tzid string, ok bool) {
	if rest == "" {
		return "", "", "", false
	}
	switch rest[0] {
	case ':':
		return rest[1:], "", "", true
	case ';':
		colon := strings.IndexByte(rest, ':')
		if colon < 0 {
			return "", "", "", false
		}
		param, value := rest[1:colon], rest[colon+1:]
		switch {
		case strings.HasPrefix(param, "TZID="):
			return value, "", param[len("TZID="):], true
		case param == "VALUE=DATE":
			return "", value, "", true
		}
	}
	return "", "", "", false
}

func hasPrefixAt(data []byte, i int, prefix string) bool {
	return len(data)-i >= len(prefix) && string(data[i:i+len(prefix)]) == prefix
}

// FoldedText is a view of a property value still in its folded, escaped
// wire form. Reading it yields the unfolded, unescaped runes without
// materialising a copy.
type FoldedText struct {
	data []byte
}

// NewFoldedText wraps the raw bytes of a (possibly folded) value.
func NewFoldedText(raw []byte) FoldedText {
	return FoldedText{data: raw}
}

func (t FoldedText) Empty() bool { return len(t.data) == 0 }

// String unfolds the text. Only used for diagnostics and tests.
func (t FoldedText) String() string {
	var b []byte
	r := t.reader()
	for {
		c, ok := r.nextRune()
		if !ok {
			return string(b)
		}
		b = utf8.AppendRune(b, c)
	}
}

func (t FoldedText) reader() foldedReader {
	return foldedReader{data: t.data}
}

// foldedReader walks a folded value. It is a value type so a scan position
// can be copied to restart a substring comparison.
type foldedReader struct {
	data []byte
	i    int
}

func (r *foldedReader) nextByte() (byte, bool) {
	for r.i < len(r.data) {
		c := r.data[r.i]
		switch {
		case c == '\r':
			r.i++
		case c == '\n' && r.i+1 < len(r.data) && isFoldSpace(r.data[r.i+1]):
			r.i += 2
		case c == '\\':
			r.i++
			save := r.i
			n, ok := r.peekRaw()
			if !ok {
				return '\\', true
			}
			switch n {
			case 'n':
				r.consumeRaw()
				return '\n', true
			case '\\', ';', ',':
				r.consumeRaw()
				return n, true
			}
			r.i = save
			return '\\', true
		default:
			r.i++
			return c, true
		}
	}
	return 0, false
}

// peekRaw returns the next byte after fold markers without decoding escapes.
func (r *foldedReader) peekRaw() (byte, bool) {
	for r.i < len(r.data) {
		c := r.data[r.i]
		switch {
		case c == '\r':
			r.i++
		case c == '\n' && r.i+1 < len(r.data) && isFoldSpace(r.data[r.i+1]):
			r.i += 2
		default:
			return c, true
		}
	}
	return 0, false
}

func (r *foldedReader) consumeRaw() { r.i++ }

func (r *foldedReader) nextRune() (rune, bool) {
	c, ok := r.nextByte()
	if !ok {
		return 0, false
	}
	if c < utf8.RuneSelf {
		return rune(c), true
	}
	// Reassemble a multi-byte rune that may have been split by a fold.
	var buf [utf8.UTFMax]byte
	buf[0] = c
	n := 1
	for n < utf8.UTFMax && !utf8.FullRune(buf[:n]) {
		save := *r
		b, ok := r.nextByte()
		if !ok || utf8.RuneStart(b) {
			*r = save
			break
		}
		buf[n] = b
		n++
	}
	ru, _ := utf8.DecodeRune(buf[:n])
	return ru, true
}
