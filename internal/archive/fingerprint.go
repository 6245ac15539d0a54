package archive

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

// fingerprintSpan is how much of each end of the archive is hashed.
const fingerprintSpan = 1 << 20 // 1 MiB

// Fingerprint is a cheap identity check for an archive. Two archives with
// the same size and the same head and tail digests are treated as the same
// content; ModTime is recorded for display only, so copying a dump does not
// invalidate its index.
type Fingerprint struct {
	Size    int64  `msgpack:"size"`
	ModTime int64  `msgpack:"mtime"` // unix nanoseconds
	Head    uint64 `msgpack:"head"`
	Tail    uint64 `msgpack:"tail"`
}

// Matches reports whether f and o identify the same archive content.
func (f Fingerprint) Matches(o Fingerprint) bool {
	return f.Size == o.Size && f.Head == o.Head && f.Tail == o.Tail
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("size=%d head=%016x tail=%016x", f.Size, f.Head, f.Tail)
}

// Fingerprint computes the archive's fingerprint from the file as it is on
// disk now, not as it was when Open ran.
func (a *Archive) Fingerprint() (Fingerprint, error) {
	f, err := os.Open(a.path)
	if err != nil {
		return Fingerprint{}, &Error{Kind: ErrNotFound, Path: a.path, Offset: -1, Err: err}
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return Fingerprint{}, &Error{Kind: ErrNotFound, Path: a.path, Offset: -1, Err: err}
	}
	size := info.Size()

	head, err := hashRange(f, 0, min(size, fingerprintSpan))
	if err != nil {
		return Fingerprint{}, corrupt(a.path, -1, fmt.Errorf("fingerprint head: %w", err))
	}
	tailStart := max(size-fingerprintSpan, 0)
	tail, err := hashRange(f, tailStart, size-tailStart)
	if err != nil {
		return Fingerprint{}, corrupt(a.path, -1, fmt.Errorf("fingerprint tail: %w", err))
	}

	return Fingerprint{
		Size:    size,
		ModTime: info.ModTime().UnixNano(),
		Head:    head,
		Tail:    tail,
	}, nil
}

func hashRange(f *os.File, off, n int64) (uint64, error) {
	d := xxhash.New()
	if _, err := io.Copy(d, io.NewSectionReader(f, off, n)); err != nil && !errors.Is(err, io.EOF) {
		return 0, err
	}
	return d.Sum64(), nil
}
