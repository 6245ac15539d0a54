package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	seekable "github.com/SaveTheRbtz/zstd-seekable-format-go/pkg"
	"github.com/klauspost/compress/zstd"
)

// zstdDec is a package-level decoder, concurrent-safe, used by seekable
// readers for frame-at-a-time DecodeAll calls.
var zstdDec *zstd.Decoder

func init() {
	var err error
	zstdDec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("zstd: init decoder: " + err.Error())
	}
}

// Stream is a forward-only reader over an archive's decompressed bytes. It
// owns one file handle, released by Close. Streams are not safe for
// concurrent use.
type Stream struct {
	ctx     context.Context
	path    string
	file    *os.File
	r       io.Reader
	offset  int64
	multi   *multistreamReader // bzip2 only
	closers []func() error
	closed  bool
}

// Stream opens a stream positioned at the first decompressed byte.
func (a *Archive) Stream(ctx context.Context) (*Stream, error) {
	return a.StreamFrom(ctx, Block{})
}

// StreamFrom resumes decompression at a recorded block boundary. The
// zero Block starts from the beginning.
func (a *Archive) StreamFrom(ctx context.Context, b Block) (*Stream, error) {
	f, err := os.Open(a.path)
	if err != nil {
		return nil, &Error{Kind: ErrNotFound, Path: a.path, Offset: -1, Err: err}
	}
	s := &Stream{
		ctx:    ctx,
		path:   a.path,
		file:   f,
		offset: b.Decomp,
	}

	switch a.format {
	case FormatXML:
		if b.Comp != b.Decomp {
			_ = f.Close()
			return nil, fmt.Errorf("xml block offsets differ: comp=%d decomp=%d", b.Comp, b.Decomp)
		}
		s.r = io.NewSectionReader(f, b.Comp, a.size-b.Comp)

	case FormatBzip2:
		s.multi = newMultistreamReader(f, a.size, b)
		s.r = s.multi

	case FormatZstd:
		if b != (Block{}) {
			_ = f.Close()
			return nil, fmt.Errorf("plain zstd archives can only be read from the start")
		}
		dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
		if err != nil {
			_ = f.Close()
			return nil, corrupt(a.path, 0, err)
		}
		s.r = dec
		s.closers = append(s.closers, func() error { dec.Close(); return nil })

	case FormatSeekableZstd:
		sr, err := seekable.NewReader(f, zstdDec)
		if err != nil {
			_ = f.Close()
			return nil, corrupt(a.path, -1, fmt.Errorf("read seek table: %w", err))
		}
		s.closers = append(s.closers, sr.Close)
		if _, err := sr.Seek(b.Decomp, io.SeekStart); err != nil {
			_ = s.Close()
			return nil, corrupt(a.path, b.Decomp, err)
		}
		s.r = sr

	default:
		_ = f.Close()
		return nil, corrupt(a.path, -1, errors.New("unrecognized container"))
	}
	return s, nil
}

// StreamSegment opens a stream over the one bzip2 stream that starts at
// compressed offset comp, as listed in a multistream dump's sidecar index.
// Offsets count from the first byte of the segment, since the decompressed
// position of a stream is unknown until everything before it is decoded.
func (a *Archive) StreamSegment(ctx context.Context, comp int64) (*Stream, error) {
	if a.format != FormatBzip2 {
		return nil, fmt.Errorf("%s archives have no independent streams", a.format)
	}
	if comp < 0 || comp >= a.size {
		return nil, corrupt(a.path, -1, fmt.Errorf("stream offset %d outside archive of %d bytes", comp, a.size))
	}
	s, err := a.StreamFrom(ctx, Block{Comp: comp})
	if err != nil {
		return nil, err
	}
	var head [streamHeaderLen]byte
	if _, err := s.file.ReadAt(head[:], comp); err != nil || !isStreamHeader(head[:]) {
		_ = s.Close()
		return nil, corrupt(a.path, -1, fmt.Errorf("no bzip2 stream at offset %d", comp))
	}
	s.multi.single = true
	return s, nil
}

// Read implements io.Reader. Decompression failures are reported as
// ErrCorrupt with the decompressed offset reached so far.
func (s *Stream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, os.ErrClosed
	}
	if err := s.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := s.r.Read(p)
	s.offset += int64(n)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, corrupt(s.path, s.offset, err)
	}
	return n, err
}

// Offset returns the decompressed offset of the next byte Read will return.
func (s *Stream) Offset() int64 {
	return s.offset
}

// Blocks returns the compression-block boundaries crossed so far. Only
// bzip2 streams record boundaries; other containers return nil.
func (s *Stream) Blocks() []Block {
	if s.multi == nil {
		return nil
	}
	return s.multi.blocks
}

// Skip discards n decompressed bytes.
func (s *Stream) Skip(n int64) error {
	if n <= 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, s, n); err != nil {
		if errors.Is(err, io.EOF) {
			return corrupt(s.path, s.offset, io.ErrUnexpectedEOF)
		}
		return err
	}
	return nil
}

// Close releases the file handle. Safe to call more than once.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.file.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
