package pagexml

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"

	"wikiseek/internal/logging"
)

const (
	readSize = 256 << 10

	// DefaultMaxRecordBytes bounds a single <page> record. The largest
	// articles in the English dump are a few MiB of wikitext.
	DefaultMaxRecordBytes = 64 << 20
)

// Options configures a Scanner.
type Options struct {
	// MaxRecordBytes bounds how much is buffered while looking for </page>.
	// Larger records are skipped as malformed. Zero means DefaultMaxRecordBytes.
	MaxRecordBytes int

	Logger *slog.Logger
}

// Scanner yields page records from a decompressed dump stream. Offsets are
// absolute: base plus the number of bytes consumed from r.
type Scanner struct {
	r       io.Reader
	buf     []byte
	pos     int   // first unconsumed byte of buf
	base    int64 // absolute offset of buf[0]
	eof     bool
	maxRec  int
	skipped int
	logger  *slog.Logger
}

// NewScanner returns a scanner reading r, whose first byte sits at
// absolute offset base.
func NewScanner(r io.Reader, base int64, opts Options) *Scanner {
	maxRec := opts.MaxRecordBytes
	if maxRec <= 0 {
		maxRec = DefaultMaxRecordBytes
	}
	return &Scanner{
		r:      r,
		buf:    make([]byte, 0, readSize),
		base:   base,
		maxRec: maxRec,
		logger: logging.Default(opts.Logger).With("component", "pagexml"),
	}
}

// Skipped returns how many malformed records have been skipped so far.
func (s *Scanner) Skipped() int {
	return s.skipped
}

// Offset returns the absolute offset of the next unconsumed byte.
func (s *Scanner) Offset() int64 {
	return s.base + int64(s.pos)
}

// Next returns the next well-formed record, or io.EOF at end of stream.
// Malformed records are skipped and counted; only read errors are returned.
func (s *Scanner) Next() (Record, error) {
	for {
		// Locate the next opening marker.
		i, err := s.find(openPage, s.pos)
		if err != nil {
			return Record{}, err
		}
		if i < 0 {
			return Record{}, io.EOF
		}
		s.pos = i

		// Look for its closing marker, watching for a second opening
		// marker that would mean this record was never closed.
		closeAt, nextOpen, oversized, err := s.findClose()
		if err != nil {
			return Record{}, err
		}

		switch {
		case oversized:
			s.skip(s.Offset(), "record exceeds size limit")
			s.pos += len(openPage)

		case closeAt >= 0:
			end := closeAt + len(closePage)
			start := s.Offset()
			rec, perr := ParseRecord(s.buf[s.pos:end], start)
			s.pos = end
			if perr != nil {
				s.skip(start, perr.Error())
				continue
			}
			return rec, nil

		case nextOpen >= 0:
			s.skip(s.Offset(), "unterminated record")
			s.pos = nextOpen

		default:
			s.skip(s.Offset(), "unterminated record at end of stream")
			s.pos += len(openPage)
		}
	}
}

// findClose scans forward from the record at s.pos for </page>, returning
// its buffer index, or the index of an intervening <page>. Both are -1 when
// the stream ends first. Records longer than maxRec report oversized; the
// skipped record is resynchronized from just past its opening marker.
func (s *Scanner) findClose() (closeAt, nextOpen int, oversized bool, err error) {
	from := s.pos + len(openPage)
	for {
		window := s.buf[from:]
		c := bytes.Index(window, closePage)
		o := bytes.Index(window, openPage)
		switch {
		case c >= 0 && (o < 0 || c < o):
			if from+c+len(closePage)-s.pos > s.maxRec {
				return -1, -1, true, nil
			}
			return from + c, -1, false, nil
		case o >= 0:
			return -1, from + o, false, nil
		}
		if len(s.buf)-s.pos > s.maxRec {
			return -1, -1, true, nil
		}
		if s.eof {
			return -1, -1, false, nil
		}
		// Rescan only the tail that could hold a marker split by the read.
		scanned := len(s.buf) - (len(closePage) - 1)
		rel := max(scanned, from) - s.pos
		if err := s.fill(); err != nil {
			return -1, -1, false, err
		}
		from = s.pos + rel
	}
}

// find returns the buffer index of the first occurrence of marker at or
// after from, reading more input as needed. Bytes that cannot be part of a
// match are consumed while searching.
func (s *Scanner) find(marker []byte, from int) (int, error) {
	for {
		if i := bytes.Index(s.buf[from:], marker); i >= 0 {
			return from + i, nil
		}
		if s.eof {
			s.pos = len(s.buf)
			return -1, nil
		}
		s.pos = max(len(s.buf)-(len(marker)-1), from)
		if err := s.fill(); err != nil {
			return -1, err
		}
		from = s.pos
	}
}

// fill compacts consumed bytes away and appends one read to the buffer.
func (s *Scanner) fill() error {
	if s.pos > 0 {
		n := copy(s.buf, s.buf[s.pos:])
		s.base += int64(s.pos)
		s.buf = s.buf[:n]
		s.pos = 0
	}
	if cap(s.buf)-len(s.buf) < readSize {
		grown := make([]byte, len(s.buf), 2*cap(s.buf)+readSize)
		copy(grown, s.buf)
		s.buf = grown
	}
	for {
		n, err := s.r.Read(s.buf[len(s.buf):cap(s.buf)])
		s.buf = s.buf[:len(s.buf)+n]
		if errors.Is(err, io.EOF) {
			s.eof = true
			return nil
		}
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
	}
}

func (s *Scanner) skip(offset int64, reason string) {
	s.skipped++
	s.logger.Warn("skipping malformed record", "offset", offset, "reason", reason)
}

// Records adapts the scanner to a range-over-func sequence. Iteration stops
// at end of stream, on the first read error (yielded once), or when the
// consumer breaks out.
func (s *Scanner) Records(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		for {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}
			rec, err := s.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Record{}, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}
