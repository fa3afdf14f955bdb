package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	appLog "inkcal/internal/log"
)

// ErrBadChunkHeader is returned for a chunk-size line that is not hex. It is
// fatal for the body being decoded.
var ErrBadChunkHeader = errors.New("bad chunk header")

// maxChunkHeader bounds a chunk-size line including extensions.
const maxChunkHeader = 4096

// ChunkDecoder removes HTTP/1.1 chunked transfer framing in place. Its state
// survives between calls so a body can be fed in arbitrary pieces.
type ChunkDecoder struct {
	inChunk   bool
	remaining uint64
	// pendingHeader is set while a chunk-size line is split across refills.
	pendingHeader        bool
	skippingTrailingCRLF bool
	complete             bool
}

// Complete reports whether the terminating zero-length chunk was seen.
func (d *ChunkDecoder) Complete() bool { return d.complete }

// Decode decodes the raw bytes buf[from:] into buf starting at from. Decoded
// body bytes end up in buf[from:decodedEnd]. An incomplete chunk-size line is
// moved to buf[decodedEnd:rawEnd] and must be passed again, still following the
// decoded bytes, on the next call with from = decodedEnd. Bytes after the
// final chunk are dropped.
func (d *ChunkDecoder) Decode(buf []byte, from int) (decodedEnd, rawEnd int, err error) {
	w, r := from, from

	for r < len(buf) {
		switch {
		case d.complete:
			return w, w, nil

		case d.inChunk:
			n := len(buf) - r
			if uint64(n) > d.remaining {
				n = int(d.remaining)
			}
			copy(buf[w:], buf[r:r+n])
			w += n
			r += n
			d.remaining -= uint64(n)
			if d.remaining == 0 {
				d.inChunk = false
				d.skippingTrailingCRLF = true
			}

		case d.skippingTrailingCRLF:
			c := buf[r]
			if c == '\r' {
				r++
				continue
			}
			d.skippingTrailingCRLF = false
			if c == '\n' {
				r++
			} else {
				appLog.Warn("chunk data not followed by CRLF", "byte", fmt.Sprintf("%q", c))
			}

		default:
			nl := bytes.IndexByte(buf[r:], '\n')
			if nl < 0 {
				if len(buf)-r > maxChunkHeader {
					return w, w, fmt.Errorf("%w: no line end within %d bytes", ErrBadChunkHeader, maxChunkHeader)
				}
				d.pendingHeader = true
				n := copy(buf[w:], buf[r:])
				return w, w + n, nil
			}
			d.pendingHeader = false
			line := buf[r : r+nl]
			r += nl + 1

			size, blank, err := parseChunkSize(line)
			if err != nil {
				return w, w, err
			}
			if blank {
				continue
			}
			if size == 0 {
				d.complete = true
				appLog.Debug("chunked body complete")
				continue
			}
			d.inChunk = true
			d.remaining = size
		}
	}
	return w, w, nil
}

// parseChunkSize reads "1a2b[;ext=...][\r]". blank is set for an empty line,
// which is skipped.
func parseChunkSize(line []byte) (size uint64, blank bool, err error) {
	s := strings.TrimRight(string(line), "\r")
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, true, nil
	}
	size, err = strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %q", ErrBadChunkHeader, s)
	}
	return size, false, nil
}

// TransferEncodingChunked decides whether a body with the given
// Transfer-Encoding header value must be dechunked. Only "chunked" is
// expected; any other non-empty value is logged and treated as chunked.
func TransferEncodingChunked(value string) bool {
	v := strings.TrimSpace(value)
	if v == "" {
		return false
	}
	if !strings.EqualFold(v, "chunked") {
		appLog.Warn("unexpected transfer encoding; decoding as chunked", "transfer_encoding", v)
	}
	return true
}
