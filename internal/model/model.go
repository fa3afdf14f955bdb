package model

import (
	"fmt"
	"strings"
	"time"
)

// NotRelevant is the Day value of an entry that falls outside the display
// window. Such entries are never stored.
const NotRelevant = -1

// Colour is a display colour index understood by the e-paper renderer.
type Colour int8

const (
	ColourRandom Colour = -1
	ColourBlack  Colour = 0
	ColourWhite  Colour = 1
	ColourGreen  Colour = 2
	ColourBlue   Colour = 3
	ColourRed    Colour = 4
	ColourYellow Colour = 5
	ColourOrange Colour = 6
)

var colourNames = map[string]Colour{
	"random": ColourRandom,
	"black":  ColourBlack,
	"white":  ColourWhite,
	"green":  ColourGreen,
	"blue":   ColourBlue,
	"red":    ColourRed,
	"yellow": ColourYellow,
	"orange": ColourOrange,
}

// ParseColour accepts a colour name ("red", "Yellow", ...) as used in the
// config file.
func ParseColour(s string) (Colour, error) {
	c, ok := colourNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return ColourBlack, fmt.Errorf("unknown colour %q", s)
	}
	return c, nil
}

func (c Colour) String() string {
	for name, v := range colourNames {
		if v == c {
			return name
		}
	}
	return fmt.Sprintf("colour(%d)", int8(c))
}

// Entry is a single display-ready calendar line. An event spanning several
// window days (all-day) or recurring inside the window yields one Entry per
// day it is shown on.
type Entry struct {
	Name     string `json:"name"`
	Location string `json:"location"`
	// Time is "HH:MM-HH:MM" in the display timezone, or empty for all-day.
	Time string `json:"time"`
	// Timestamp orders entries; local midnight of Day for all-day entries.
	Timestamp time.Time `json:"timestamp"`
	// Day is the index into the display window.
	Day int `json:"day"`
	// SortTieBreak orders entries with equal timestamps; higher sorts first.
	SortTieBreak int    `json:"sort_tie_break"`
	BgColour     Colour `json:"bg_colour"`
	FgColour     Colour `json:"fg_colour"`
}

// SetColour sets the background colour and picks a readable foreground.
func (e *Entry) SetColour(bg Colour) {
	e.BgColour = bg
	if bg == ColourWhite || bg == ColourYellow {
		e.FgColour = ColourBlack
	} else {
		e.FgColour = ColourWhite
	}
}

// AllDay reports whether the entry has no time-of-day range.
func (e Entry) AllDay() bool {
	return e.Time == ""
}
