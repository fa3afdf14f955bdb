package ics

import (
	"errors"
	"fmt"
	"io"

	appLog "inkcal/internal/log"
)

// ErrBufferOverflow is returned when the ingest buffer is full and nothing in
// it can be consumed.
var ErrBufferOverflow = errors.New("ingest buffer overflow")

const (
	DefaultBufferSize   = 256 << 10
	DefaultMinParseSize = 50000
)

// SessionOptions configures a Session.
type SessionOptions struct {
	// BufferSize is the capacity of the ingest buffer.
	BufferSize int
	// MinParseSize is the amount of decoded data gathered before the parser
	// runs. A full buffer is always parsed.
	MinParseSize int
	// Chunked enables HTTP chunked transfer decoding of written bytes.
	Chunked bool
	// Tap, if set, receives every decoded body byte.
	Tap io.Writer
}

// Session feeds one body into a Parser through a bounded buffer. Write may be
// called with pieces of any size; Finish must be called once at the end.
type Session struct {
	parser *Parser
	opts   SessionOptions
	dec    *ChunkDecoder

	// buf[:decoded] is decoded body text not yet consumed by the parser,
	// buf[decoded:] raw bytes still to decode.
	buf     []byte
	decoded int

	received uint64
	err      error
}

func NewSession(p *Parser, opts SessionOptions) *Session {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.MinParseSize <= 0 {
		opts.MinParseSize = DefaultMinParseSize
	}
	if opts.MinParseSize > opts.BufferSize {
		opts.MinParseSize = opts.BufferSize
	}
	s := &Session{
		parser: p,
		opts:   opts,
		buf:    make([]byte, 0, opts.BufferSize),
	}
	if opts.Chunked {
		s.dec = &ChunkDecoder{}
	}
	return s
}

// Received is the number of raw bytes written so far.
func (s *Session) Received() uint64 { return s.received }

// Done reports whether a chunked body has been read to its final chunk.
func (s *Session) Done() bool { return s.dec != nil && s.dec.Complete() }

// Write implements io.Writer. A returned error is fatal for the body and is
// returned again by every later call.
func (s *Session) Write(b []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}

	written := 0
	for len(b) > 0 {
		space := cap(s.buf) - len(s.buf)
		if space == 0 {
			if err := s.drain(); err != nil {
				s.err = err
				return written, err
			}
			continue
		}

		n := min(space, len(b))
		s.buf = append(s.buf, b[:n]...)
		b = b[n:]
		written += n
		s.received += uint64(n)

		if err := s.decode(); err != nil {
			s.err = err
			return written, err
		}
		if s.decoded >= s.opts.MinParseSize || len(s.buf) == cap(s.buf) {
			if err := s.drain(); err != nil {
				s.err = err
				return written, err
			}
		}
	}
	return written, nil
}

// Finish parses what is left in the buffer as the end of the body.
func (s *Session) Finish() error {
	if s.err != nil {
		return s.err
	}
	if s.dec != nil && !s.dec.Complete() {
		appLog.Warn("chunked body ended without final chunk", "feed", s.parser.cfg.FeedID)
	}

	consumed, err := s.parser.Finish(s.buf[:s.decoded])
	if err != nil {
		s.err = err
		return err
	}
	if left := s.decoded - consumed; left > 0 {
		appLog.Info("unparsed bytes left at end of feed", "feed", s.parser.cfg.FeedID, "bytes", left)
	}
	if raw := len(s.buf) - s.decoded; raw > 0 {
		appLog.Info("undecoded bytes left at end of feed", "feed", s.parser.cfg.FeedID, "bytes", raw)
	}
	s.buf = s.buf[:0]
	s.decoded = 0
	return nil
}

func (s *Session) decode() error {
	from := s.decoded
	if s.dec == nil {
		s.decoded = len(s.buf)
	} else {
		decodedEnd, rawEnd, err := s.dec.Decode(s.buf, from)
		if err != nil {
			return err
		}
		s.decoded = decodedEnd
		s.buf = s.buf[:rawEnd]
	}
	s.tap(s.buf[from:s.decoded])
	return nil
}

func (s *Session) tap(p []byte) {
	if s.opts.Tap == nil || len(p) == 0 {
		return
	}
	if _, err := s.opts.Tap.Write(p); err != nil {
		appLog.Error("body tap failed; disabled", err, "feed", s.parser.cfg.FeedID)
		s.opts.Tap = nil
	}
}

// drain runs the parser over the decoded bytes and shifts out what it
// consumed. With the buffer full and nothing consumable the event at its
// head is skipped.
func (s *Session) drain() error {
	consumed, err := s.parser.ParseChunk(s.buf[:s.decoded])
	if err != nil {
		return err
	}

	if consumed == 0 && len(s.buf) == cap(s.buf) {
		consumed = s.parser.DiscardOversized(s.buf[:s.decoded])
		if consumed == 0 {
			return fmt.Errorf("%w: %d bytes buffered, none consumable", ErrBufferOverflow, len(s.buf))
		}
	}
	if consumed < 0 || consumed > s.decoded {
		return fmt.Errorf("%w: consumed %d of %d decoded bytes", ErrInvariant, consumed, s.decoded)
	}

	s.shift(consumed)
	return nil
}

func (s *Session) shift(n int) {
	if n == 0 {
		return
	}
	rest := copy(s.buf, s.buf[n:])
	s.buf = s.buf[:rest]
	s.decoded -= n
}
