package ics

import (
	"bytes"
	"errors"
	"fmt"

	appLog "inkcal/internal/log"
	"inkcal/internal/model"
)

// ErrInvariant reports a parser state that should be impossible. It is fatal
// for the feed being parsed.
var ErrInvariant = errors.New("parser invariant violated")

// ParserConfig configures one feed's parse session.
type ParserConfig struct {
	// FeedID is used in log lines only.
	FeedID string
	Window Window
	Rules  []Rule
	// Colour is the default background colour of the feed's entries.
	Colour model.Colour
	Store  *model.EntryStore
}

// Parser turns buffered feed text into entries. All progress lives in the
// buffer passed to ParseChunk plus the small amount of state kept here, so
// the caller can refill and resume at any byte boundary.
type Parser struct {
	cfg ParserConfig

	// skipping is set while discarding the remainder of an event that did
	// not fit the ingest buffer.
	skipping bool

	events         uint64
	relevantEvents uint64
}

func NewParser(cfg ParserConfig) *Parser {
	if cfg.Store == nil {
		cfg.Store = model.NewEntryStore(0)
	}
	if cfg.Window.Location == nil {
		cfg.Window = NewWindow(cfg.Window.Start, cfg.Window.Days, nil)
	}
	return &Parser{cfg: cfg}
}

// Store returns the entry store the parser fills.
func (p *Parser) Store() *model.EntryStore { return p.cfg.Store }

// Events and RelevantEvents count this feed's events; the store keeps the
// totals across all feeds of the refresh cycle.
func (p *Parser) Events() uint64 { return p.events }

func (p *Parser) RelevantEvents() uint64 { return p.relevantEvents }

// ParseChunk parses every complete VEVENT in data and returns how many
// leading bytes were fully consumed. The caller drops data[:consumed], appends
// newly received bytes to the rest and calls again. consumed == 0 means more
// data is needed. A non-nil error is fatal for the feed.
func (p *Parser) ParseChunk(data []byte) (int, error) {
	return p.parse(data, false)
}

// Finish parses what is left at the end of the body. The end of data
// terminates the last line. Returned consumed < len(data) means trailing
// bytes held no complete event.
func (p *Parser) Finish(data []byte) (int, error) {
	return p.parse(data, true)
}

func (p *Parser) parse(data []byte, atEOF bool) (int, error) {
	pos := 0
	var batch, batchRelevant uint64

	if p.skipping {
		idx := bytes.Index(data, endEvent)
		if idx < 0 {
			return keepTail(data, 0, len(endEvent)-1, atEOF), nil
		}
		p.skipping = false
		pos = idx + len(endEvent)
		appLog.Info("resynchronised after oversized event", "feed", p.cfg.FeedID)
	}

	consumed := pos
	for {
		start := findEventStart(data, pos)
		if start < 0 {
			consumed = lastLineStart(data, pos, atEOF)
			break
		}

		rec, next, status := ExtractEvent(data, start+len(beginEvent), atEOF)
		if status == EventIncomplete {
			if atEOF {
				appLog.Info("event without end at end of feed; dropped",
					"feed", p.cfg.FeedID, "position", start, "bytes", len(data)-start)
			} else {
				appLog.Debug("event without end; waiting for more data",
					"feed", p.cfg.FeedID, "position", start, "bytes", len(data)-start)
			}
			consumed = start
			break
		}

		relevant, err := p.processEvent(data, rec)
		if err != nil {
			return 0, err
		}
		batch++
		if relevant {
			batchRelevant++
		}
		pos = next
		consumed = next
	}

	p.events += batch
	p.relevantEvents += batchRelevant
	if batch > 0 {
		stats := p.cfg.Store.Stats()
		appLog.Info("parsed chunk",
			"feed", p.cfg.FeedID,
			"relevant", batchRelevant,
			"events", batch,
			"total_relevant", stats.TotalRelevantEvents,
			"total", stats.TotalEvents,
		)
	}
	return consumed, nil
}

// DiscardOversized is called when the ingest buffer is full and ParseChunk
// could not consume anything: the event at the head of data cannot fit.
// Everything but a short tail is dropped and parsing resumes after the
// event's END:VEVENT. It returns the number of bytes consumed.
func (p *Parser) DiscardOversized(data []byte) int {
	lastBegin := bytes.LastIndex(data, beginEvent)
	lastEnd := bytes.LastIndex(data, endEvent)
	if lastBegin >= 0 && lastBegin > lastEnd {
		p.skipping = true
	}
	appLog.Error("event larger than ingest buffer; skipping it", errors.New("buffer overflow"),
		"feed", p.cfg.FeedID, "buffer", len(data))
	return keepTail(data, 0, len(endEvent)-1, false)
}

// findEventStart returns the offset of the next BEGIN:VEVENT at the start of
// a line, or -1.
func findEventStart(data []byte, pos int) int {
	for pos < len(data) {
		idx := bytes.Index(data[pos:], beginEvent)
		if idx < 0 {
			return -1
		}
		at := pos + idx
		if at == 0 || data[at-1] == '\n' {
			return at
		}
		pos = at + len(beginEvent)
	}
	return -1
}

// lastLineStart consumes data[pos:] up to the start of its last, possibly
// partial, line. Keeping whole lines means a BEGIN:VEVENT split across
// refills is still recognised at a line start.
func lastLineStart(data []byte, pos int, atEOF bool) int {
	if atEOF {
		return len(data)
	}
	if nl := bytes.LastIndexByte(data[pos:], '\n'); nl >= 0 {
		return pos + nl + 1
	}
	return pos
}

// keepTail consumes data[pos:] except for up to tail trailing bytes that may
// hold the start of a marker split across refills.
func keepTail(data []byte, pos, tail int, atEOF bool) int {
	if atEOF {
		return len(data)
	}
	c := len(data) - tail
	if c < pos {
		c = pos
	}
	return c
}

// processEvent runs rules and day resolution for one complete event and
// reports whether it produced at least one entry.
func (p *Parser) processEvent(data []byte, rec EventRecord) (bool, error) {
	p.cfg.Store.CountEvent()

	for _, name := range rec.Truncated {
		appLog.Warn("property value truncated", "feed", p.cfg.FeedID, "property", name, "max", MaxFieldLen)
	}

	base := model.Entry{
		Name:     rec.Summary,
		Location: rec.Location,
		Day:      model.NotRelevant,
	}
	base.SetColour(p.cfg.Colour)
	if rec.Summary == "" {
		appLog.Debug("event with no summary", "feed", p.cfg.FeedID)
	}

	var desc FoldedText
	if rec.HasDescription {
		d := rec.Description
		if d.Off < 0 || d.Len < 0 || d.Off+d.Len > len(data) {
			return false, fmt.Errorf("%w: description span %d+%d outside %d-byte buffer",
				ErrInvariant, d.Off, d.Len, len(data))
		}
		desc = NewFoldedText(data[d.Off : d.Off+d.Len])
	}

	cand := Candidate{Entry: &base, Description: desc, RRule: rec.RRule}
	if ApplyRules(p.cfg.Rules, &cand) == Discard {
		return false, nil
	}

	var emitted int
	switch {
	case rec.TimeStart != "" && rec.TimeEnd != "":
		emitted = p.timedEvent(base, rec)
	case rec.DateStart != "" && rec.DateEnd != "":
		emitted = p.allDayEvent(base, rec)
	default:
		appLog.Warn("event with no usable time info; skipped",
			"feed", p.cfg.FeedID, "summary", rec.Summary)
		return false, nil
	}

	if emitted == 0 {
		return false, nil
	}
	p.cfg.Store.CountRelevant()
	return true, nil
}
