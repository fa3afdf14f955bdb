package ics

import "unicode/utf8"

// LineStatus is the outcome of reading one logical RFC5545 line.
type LineStatus int

const (
	// LineComplete: the whole logical line was decoded and next points past it.
	LineComplete LineStatus = iota
	// LineTruncated: the logical line did not fit the output capacity. The
	// output holds its head. If the end of the line is known, next points
	// past it; otherwise next points at the last confirmed continuation
	// (its leading whitespace), so the rest reads as an ignorable fragment.
	LineTruncated
	// LineNeedMore: the buffer ends before the line terminator, or before it
	// is known whether the next physical line continues this one. next == pos.
	LineNeedMore
)

func (s LineStatus) String() string {
	switch s {
	case LineComplete:
		return "complete"
	case LineTruncated:
		return "truncated"
	case LineNeedMore:
		return "need-more"
	default:
		return "unknown"
	}
}

func isFoldSpace(c byte) bool {
	return c == ' ' || c == '\t'
}

// lineBreak inspects data[i] == '\n' and reports whether it is a fold
// (continuation follows), a line end, or undecidable yet.
func lineBreak(data []byte, i int, atEOF bool) (fold, known bool) {
	if i+1 >= len(data) {
		return false, atEOF
	}
	return isFoldSpace(data[i+1]), true
}

// UnfoldLine decodes the logical line starting at data[pos] into at most max
// bytes: folded continuations are joined, CR bytes dropped, and the escapes
// \n \\ \; \, decoded. Any other backslash sequence is kept literally.
//
// With atEOF set, the end of data terminates the line instead of asking for
// more input.
func UnfoldLine(data []byte, pos, max int, atEOF bool) (line []byte, next int, status LineStatus) {
	out := make([]byte, 0, min(max, 128))
	truncated := false
	safe := -1

	emit := func(c byte) {
		if len(out) < max {
			out = append(out, c)
			return
		}
		truncated = true
	}

	finish := func(next int) ([]byte, int, LineStatus) {
		if truncated {
			return trimPartialRune(out), next, LineTruncated
		}
		return out, next, LineComplete
	}

	needMore := func() ([]byte, int, LineStatus) {
		if truncated && safe > pos {
			return trimPartialRune(out), safe, LineTruncated
		}
		return nil, pos, LineNeedMore
	}

	i := pos
	for {
		if i >= len(data) {
			if atEOF {
				return finish(len(data))
			}
			return needMore()
		}

		switch c := data[i]; c {
		case '\r':
			i++

		case '\n':
			fold, known := lineBreak(data, i, atEOF)
			if !known {
				return needMore()
			}
			if !fold {
				return finish(i + 1)
			}
			safe = i + 1
			i += 2

		case '\\':
			j, ok := skipFolds(data, i+1, atEOF)
			if !ok {
				return needMore()
			}
			if j >= len(data) {
				// Trailing backslash at EOF.
				emit('\\')
				i = j
				continue
			}
			switch data[j] {
			case 'n':
				emit('\n')
				i = j + 1
			case '\\', ';', ',':
				emit(data[j])
				i = j + 1
			default:
				emit('\\')
				i = j
			}

		default:
			emit(c)
			i++
		}
	}
}

// skipFolds returns the index of the next content byte at or after i, moving
// over CR bytes and fold markers. ok is false when more input is needed.
func skipFolds(data []byte, i int, atEOF bool) (int, bool) {
	for i < len(data) {
		switch data[i] {
		case '\r':
			i++
		case '\n':
			fold, known := lineBreak(data, i, atEOF)
			if !known {
				return i, false
			}
			if !fold {
				return i, true
			}
			i += 2
		default:
			return i, true
		}
	}
	return i, atEOF
}

// ScanLine finds the extent of the logical line at pos without copying it.
// end is the offset just past the last content byte (line terminator
// excluded) and next the start of the following logical line.
func ScanLine(data []byte, pos int, atEOF bool) (end, next int, status LineStatus) {
	end = pos
	for i := pos; i < len(data); i++ {
		switch data[i] {
		case '\r':
		case '\n':
			fold, known := lineBreak(data, i, atEOF)
			if !known {
				return 0, pos, LineNeedMore
			}
			if !fold {
				return end, i + 1, LineComplete
			}
			i++
		default:
			end = i + 1
		}
	}
	if atEOF {
		return end, len(data), LineComplete
	}
	return 0, pos, LineNeedMore
}

func trimPartialRune(b []byte) []byte {
	// Drop an incomplete trailing UTF-8 sequence left by truncation.
	for n := 1; n <= utf8.UTFMax && n <= len(b); n++ {
		c := b[len(b)-n]
		if c < utf8.RuneSelf {
			return b
		}
		if utf8.RuneStart(c) {
			if !utf8.FullRune(b[len(b)-n:]) {
				return b[:len(b)-n]
			}
			return b
		}
	}
	return b
}
