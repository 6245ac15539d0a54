// Package index builds and reads title indexes for dump archives.
//
// An index maps every page title in an archive to the decompressed byte
// range of its <page> record, together with the archive's compression-block
// table. With both, a lookup decompresses only from the nearest block at or
// before the record instead of replaying the archive from the start.
//
// Index files describe exactly one archive and carry its fingerprint. A
// reader refuses an index whose fingerprint no longer matches the archive on
// disk (ErrStale); callers fall back to a full scan or rebuild.
package index

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"

	"wikiseek/internal/archive"
)

var (
	ErrStale      = errors.New("index stale")
	ErrUnreadable = errors.New("index unreadable")
	ErrPersist    = errors.New("index persist failed")
)

// Error reports an index failure with the index path and, when known, the
// byte offset involved (file offset for unreadable files, decompressed
// archive offset for failed fetches).
type Error struct {
	Kind   error // ErrStale, ErrUnreadable or ErrPersist
	Path   string
	Offset int64 // -1 when not applicable
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

func unreadable(path string, offset int64, err error) error {
	return &Error{Kind: ErrUnreadable, Path: path, Offset: offset, Err: err}
}

func persist(path string, err error) error {
	return &Error{Kind: ErrPersist, Path: path, Offset: -1, Err: err}
}

// Entry locates one page record in the decompressed archive.
type Entry struct {
	Key    string // canonical title, unique within an index
	Title  string // title as it appears in the dump
	ID     int64
	Start  int64
	Length int64
}

// End returns the offset one past the record.
func (e Entry) End() int64 {
	return e.Start + e.Length
}

// Canonical returns the MediaWiki canonical form of a title: underscores
// read as spaces, surrounding space trimmed and the first letter upper
// case. The rest of the title keeps its case, so "AIDS" and "Aids" are
// different pages.
func Canonical(title string) string {
	title = strings.TrimSpace(strings.ReplaceAll(title, "_", " "))
	r, n := utf8.DecodeRuneInString(title)
	if r == utf8.RuneError || unicode.IsUpper(r) {
		return title
	}
	return string(unicode.ToUpper(r)) + title[n:]
}

// Fold returns s with Unicode case folded, the form case-insensitive
// lookups compare.
func Fold(s string) string {
	return cases.Fold().String(s)
}

// Meta is the metadata stored ahead of the entry table.
type Meta struct {
	Archive     string              `msgpack:"archive"`
	Format      string              `msgpack:"format"`
	Fingerprint archive.Fingerprint `msgpack:"fingerprint"`
	Records     int                 `msgpack:"records"`
	Skipped     int                 `msgpack:"skipped"`
	Duplicates  int                 `msgpack:"duplicates"`
}

// Info describes an index file for display.
type Info struct {
	Path    string
	Meta    Meta
	Entries int
	Blocks  int
	Size    int64 // index file size in bytes
}
