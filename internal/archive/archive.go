// Package archive opens compressed MediaWiki dump files and exposes their
// decompressed bytes as forward-only streams.
//
// Supported containers, detected by magic bytes:
//
//	bzip2          single or multistream (the format Wikipedia publishes)
//	zstd           plain zstd frames
//	seekable zstd  zstd frames plus a trailing seek table (see Recompress)
//	xml            uncompressed
//
// Random access goes through a Cursor. A Cursor restarts decompression at
// the nearest compression-block boundary at or before the target offset and
// skips forward, so a lookup never replays the archive from byte zero when a
// block table is available.
package archive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

var (
	ErrNotFound = errors.New("archive not found")
	ErrCorrupt  = errors.New("archive corrupt")
)

// Error reports an archive failure with the path and, when known, the
// decompressed byte offset where it happened.
type Error struct {
	Kind   error // ErrNotFound or ErrCorrupt
	Path   string
	Offset int64 // decompressed offset; -1 when not applicable
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%v: %s", e.Kind, e.Path)
	if e.Offset >= 0 {
		msg += fmt.Sprintf(" at offset %d", e.Offset)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func corrupt(path string, offset int64, err error) error {
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Kind: ErrCorrupt, Path: path, Offset: offset, Err: err}
}

// Format identifies the container of an archive.
type Format uint8

const (
	FormatUnknown Format = iota
	FormatXML
	FormatBzip2
	FormatZstd
	FormatSeekableZstd
)

func (f Format) String() string {
	switch f {
	case FormatXML:
		return "xml"
	case FormatBzip2:
		return "bzip2"
	case FormatZstd:
		return "zstd"
	case FormatSeekableZstd:
		return "zstd-seekable"
	default:
		return "unknown"
	}
}

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	// seekableFooterMagic is the last field of a seekable zstd seek table.
	seekableFooterMagic uint32 = 0x8f92eab1
)

// Block is a compression-block boundary: decompression can restart at
// compressed offset Comp, and the first byte it produces sits at
// decompressed offset Decomp.
type Block struct {
	Comp   int64
	Decomp int64
}

// Archive is an immutable dump file on disk. It holds no open handles; each
// Stream or Cursor opens its own.
type Archive struct {
	path    string
	format  Format
	size    int64
	modTime time.Time
}

// Open stats and sniffs the archive at path.
func Open(path string) (*Archive, error) {
	path = filepath.Clean(path)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &Error{Kind: ErrNotFound, Path: path, Offset: -1}
		}
		return nil, &Error{Kind: ErrNotFound, Path: path, Offset: -1, Err: err}
	}
	if !info.Mode().IsRegular() {
		return nil, &Error{Kind: ErrNotFound, Path: path, Offset: -1, Err: errors.New("not a regular file")}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &Error{Kind: ErrNotFound, Path: path, Offset: -1, Err: err}
	}
	defer func() { _ = f.Close() }()

	format, err := sniff(f, info.Size())
	if err != nil {
		return nil, corrupt(path, -1, err)
	}
	return &Archive{
		path:    path,
		format:  format,
		size:    info.Size(),
		modTime: info.ModTime(),
	}, nil
}

func (a *Archive) Path() string       { return a.path }
func (a *Archive) Format() Format     { return a.format }
func (a *Archive) Size() int64        { return a.size }
func (a *Archive) ModTime() time.Time { return a.modTime }

// sniff detects the container from the leading bytes, and for zstd, the
// trailing seek table footer.
func sniff(f *os.File, size int64) (Format, error) {
	var head [8]byte
	n, err := io.ReadFull(f, head[:])
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		if errors.Is(err, io.EOF) {
			return FormatUnknown, errors.New("empty file")
		}
		return FormatUnknown, err
	}
	buf := head[:n]

	switch {
	case len(buf) >= 4 && buf[0] == 'B' && buf[1] == 'Z' && buf[2] == 'h' && buf[3] >= '1' && buf[3] <= '9':
		return FormatBzip2, nil
	case bytes.HasPrefix(buf, zstdMagic):
		if size >= 4 {
			var tail [4]byte
			if _, err := f.ReadAt(tail[:], size-4); err == nil &&
				binary.LittleEndian.Uint32(tail[:]) == seekableFooterMagic {
				return FormatSeekableZstd, nil
			}
		}
		return FormatZstd, nil
	}

	trimmed := bytes.TrimLeft(bytes.TrimPrefix(buf, []byte{0xef, 0xbb, 0xbf}), " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '<' {
		return FormatXML, nil
	}
	return FormatUnknown, errors.New("unrecognized container")
}
