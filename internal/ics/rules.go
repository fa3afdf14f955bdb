package ics

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"

	appLog "inkcal/internal/log"
	"inkcal/internal/model"
)

// MatchKind selects how a Rule tests an event.
type MatchKind int

const (
	// MatchContains: Text occurs (case-insensitively) in the summary,
	// location or description.
	MatchContains MatchKind = iota + 1
	// MatchNotContains is the negation of MatchContains.
	MatchNotContains
	// MatchSummaryEqualsStripped: the summary equals Text ignoring case and
	// leading/trailing whitespace.
	MatchSummaryEqualsStripped
)

// Action is what a matching Rule does.
type Action int

const (
	ActionDiscard Action = iota + 1
	ActionSetColour
	ActionSetSortTieBreak
)

// Rule is one processing rule of a calendar. Rules run in order; the first
// matching discard ends evaluation.
type Rule struct {
	Match  MatchKind
	Text   string
	Action Action
	// Arg is the colour for ActionSetColour and the tie-break value for
	// ActionSetSortTieBreak.
	Arg int
}

// ParseMatchKind maps config names to MatchKind.
func ParseMatchKind(s string) (MatchKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "contains":
		return MatchContains, nil
	case "not_contains", "does_not_contain":
		return MatchNotContains, nil
	case "summary_equals", "summary_equals_stripped":
		return MatchSummaryEqualsStripped, nil
	}
	return 0, fmt.Errorf("unknown rule match %q", s)
}

// ParseAction maps config names to Action.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "discard":
		return ActionDiscard, nil
	case "set_colour", "set_color", "colour", "color":
		return ActionSetColour, nil
	case "set_tiebreak", "set_sort_tiebreak", "tiebreak":
		return ActionSetSortTieBreak, nil
	}
	return 0, fmt.Errorf("unknown rule action %q", s)
}

// Candidate is the event as seen by the rules. Entry is modified in place by
// colour and tie-break actions.
type Candidate struct {
	Entry       *model.Entry
	Description FoldedText
	RRule       string
}

// Outcome of ApplyRules.
type Outcome int

const (
	Keep Outcome = iota
	Discard
)

// ApplyRules evaluates rules top to bottom against c.
func ApplyRules(rules []Rule, c *Candidate) Outcome {
	if len(rules) == 0 {
		return Keep
	}
	fold := cases.Fold()

	for _, r := range rules {
		var matched bool
		switch r.Match {
		case MatchContains:
			matched = c.contains(fold, r.Text)
		case MatchNotContains:
			matched = !c.contains(fold, r.Text)
		case MatchSummaryEqualsStripped:
			matched = fold.String(strings.TrimSpace(c.Entry.Name)) == fold.String(strings.TrimSpace(r.Text))
		default:
			appLog.Error("unknown event rule type", fmt.Errorf("match kind %d", r.Match), "text", r.Text)
			continue
		}
		if !matched {
			continue
		}

		switch r.Action {
		case ActionDiscard:
			appLog.Debug("event discarded by rule", "summary", c.Entry.Name, "text", r.Text)
			return Discard
		case ActionSetColour:
			c.Entry.SetColour(model.Colour(r.Arg))
		case ActionSetSortTieBreak:
			c.Entry.SortTieBreak = r.Arg
		}
	}
	return Keep
}

func (c *Candidate) contains(fold cases.Caser, text string) bool {
	needle := fold.String(text)
	if strings.Contains(fold.String(c.Entry.Name), needle) {
		return true
	}
	if strings.Contains(fold.String(c.Entry.Location), needle) {
		return true
	}
	return c.Description.ContainsFold(fold, text)
}

// ContainsFold reports whether needle occurs in the unfolded text under the
// full case folding of fold. The text is scanned in place.
func (t FoldedText) ContainsFold(fold cases.Caser, needle string) bool {
	want := fold.String(needle)
	if want == "" {
		return true
	}
	start := t.reader()
	for {
		r := start
		if matchFoldedPrefix(&r, fold, want) {
			return true
		}
		if _, ok := start.nextRune(); !ok {
			return false
		}
	}
}

// matchFoldedPrefix reports whether the runes read from r fold to a string
// starting with want. A rune may fold to several (ß to ss).
func matchFoldedPrefix(r *foldedReader, fold cases.Caser, want string) bool {
	for want != "" {
		c, ok := r.nextRune()
		if !ok {
			return false
		}
		f := foldRune(fold, c)
		if !strings.HasPrefix(want, f) {
			return strings.HasPrefix(f, want)
		}
		want = want[len(f):]
	}
	return true
}

func foldRune(fold cases.Caser, c rune) string {
	if c < utf8.RuneSelf {
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		return string(c)
	}
	return fold.String(string(c))
}
