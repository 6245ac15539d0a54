package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	seekable "github.com/SaveTheRbtz/zstd-seekable-format-go/pkg"
)

// Cursor reads decompressed byte ranges at arbitrary offsets. It keeps at
// most one open handle and reuses its current stream when the next target
// lies ahead of it, so visiting ranges in ascending order costs one
// decompression pass per block. A Cursor must not be shared between
// goroutines; open one per worker.
type Cursor struct {
	archive *Archive
	blocks  []Block

	stream *Stream // bzip2 and plain zstd

	file *os.File        // xml and seekable zstd
	seek seekable.Reader // seekable zstd
}

// NewCursor returns a cursor that resumes from the given block table.
// blocks must be sorted by Decomp; a nil table means every lookup starts
// from the beginning of the archive (except for xml and seekable zstd,
// which need no table).
func (a *Archive) NewCursor(blocks []Block) (*Cursor, error) {
	c := &Cursor{archive: a, blocks: blocks}
	switch a.format {
	case FormatXML, FormatSeekableZstd:
		f, err := os.Open(a.path)
		if err != nil {
			return nil, &Error{Kind: ErrNotFound, Path: a.path, Offset: -1, Err: err}
		}
		c.file = f
		if a.format == FormatSeekableZstd {
			sr, err := seekable.NewReader(f, zstdDec)
			if err != nil {
				_ = f.Close()
				return nil, corrupt(a.path, -1, fmt.Errorf("read seek table: %w", err))
			}
			c.seek = sr
		}
	}
	return c, nil
}

// ReadRange returns length decompressed bytes starting at start.
func (c *Cursor) ReadRange(ctx context.Context, start, length int64) ([]byte, error) {
	if start < 0 || length < 0 {
		return nil, fmt.Errorf("invalid range %d+%d", start, length)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf := make([]byte, length)

	switch c.archive.format {
	case FormatXML:
		return c.readAt(c.file, buf, start)
	case FormatSeekableZstd:
		return c.readAt(c.seek, buf, start)
	}

	if err := c.position(ctx, start); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(c.stream, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, corrupt(c.archive.path, start, io.ErrUnexpectedEOF)
		}
		return nil, err
	}
	return buf, nil
}

func (c *Cursor) readAt(r io.ReaderAt, buf []byte, start int64) ([]byte, error) {
	n, err := r.ReadAt(buf, start)
	if n == len(buf) {
		return buf, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return nil, corrupt(c.archive.path, start, err)
}

// position leaves c.stream at decompressed offset start, reopening at the
// nearest preceding block unless the current stream is already between
// that block and start.
func (c *Cursor) position(ctx context.Context, start int64) error {
	b := c.nearestBlock(start)
	if c.stream != nil {
		cur := c.stream.Offset()
		if cur > start || cur < b.Decomp {
			_ = c.stream.Close()
			c.stream = nil
		}
	}
	if c.stream == nil {
		s, err := c.archive.StreamFrom(ctx, b)
		if err != nil {
			return err
		}
		c.stream = s
	} else {
		c.stream.ctx = ctx
	}
	return c.stream.Skip(start - c.stream.Offset())
}

// nearestBlock returns the last block with Decomp <= off, or the zero block.
func (c *Cursor) nearestBlock(off int64) Block {
	i := sort.Search(len(c.blocks), func(i int) bool {
		return c.blocks[i].Decomp > off
	})
	if i == 0 {
		return Block{}
	}
	return c.blocks[i-1]
}

// Close releases the cursor's handle.
func (c *Cursor) Close() error {
	var errs []error
	if c.stream != nil {
		errs = append(errs, c.stream.Close())
		c.stream = nil
	}
	if c.seek != nil {
		errs = append(errs, c.seek.Close())
		c.seek = nil
	}
	if c.file != nil {
		errs = append(errs, c.file.Close())
		c.file = nil
	}
	return errors.Join(errs...)
}
