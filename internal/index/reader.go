package index

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"slices"
	"sort"
	"strings"

	"wikiseek/internal/archive"
	"wikiseek/internal/pagexml"
)

// Reader serves lookups from a loaded index and fetches the records it
// points to. A Reader is safe for concurrent lookups; fetches go through a
// Cursor, one per goroutine.
type Reader struct {
	path    string
	archive *archive.Archive
	meta    Meta
	blocks  []archive.Block
	entries []Entry // sorted by Start
	byKey   []int32  // entry positions sorted by Key
	folded  []string // case-folded titles, parallel to entries
	byFold  []int32  // entry positions sorted by folded title
	size    int64
}

// Open loads the index at path and checks it against the archive as it
// is on disk now. A missing or garbled file is ErrUnreadable; a fingerprint
// mismatch is ErrStale.
func Open(path string, a *archive.Archive) (*Reader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, unreadable(path, -1, fs.ErrNotExist)
		}
		return nil, unreadable(path, -1, err)
	}
	fh, err := decodeHeader(path, data)
	if err != nil {
		return nil, err
	}

	fp, err := a.Fingerprint()
	if err != nil {
		return nil, err
	}
	if !fp.Matches(fh.meta.Fingerprint) {
		return nil, &Error{Kind: ErrStale, Path: path, Offset: -1,
			Err: fmt.Errorf("built for %s, archive %s is now %s", fh.meta.Fingerprint, a.Path(), fp)}
	}

	entries, err := decodeEntries(path, fh)
	if err != nil {
		return nil, err
	}

	byKey := make([]int32, len(entries))
	for i := range byKey {
		byKey[i] = int32(i)
	}
	slices.SortFunc(byKey, func(x, y int32) int {
		return strings.Compare(entries[x].Key, entries[y].Key)
	})
	folded := make([]string, len(entries))
	for i, e := range entries {
		folded[i] = Fold(e.Title)
	}
	// Stable over offset order, so the first of several folded matches
	// is the earliest page.
	byFold := make([]int32, len(entries))
	for i := range byFold {
		byFold[i] = int32(i)
	}
	slices.SortStableFunc(byFold, func(x, y int32) int {
		return strings.Compare(folded[x], folded[y])
	})

	return &Reader{
		path:    path,
		archive: a,
		meta:    fh.meta,
		blocks:  fh.blocks,
		entries: entries,
		byKey:   byKey,
		folded:  folded,
		byFold:  byFold,
		size:    int64(len(data)),
	}, nil
}

// ReadInfo describes the index at path without checking it against its
// archive, so stale indexes can still be inspected.
func ReadInfo(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, unreadable(path, -1, err)
	}
	fh, err := decodeHeader(path, data)
	if err != nil {
		return Info{}, err
	}
	return Info{
		Path:    path,
		Meta:    fh.meta,
		Entries: fh.entryCount,
		Blocks:  len(fh.blocks),
		Size:    int64(len(data)),
	}, nil
}

func (r *Reader) Path() string              { return r.path }
func (r *Reader) Archive() *archive.Archive { return r.archive }
func (r *Reader) Len() int                  { return len(r.entries) }

// Entries returns every entry in offset order. The slice is shared; do
// not modify it.
func (r *Reader) Entries() []Entry {
	return r.entries
}

// Blocks returns the archive's compression-block table.
func (r *Reader) Blocks() []archive.Block {
	return r.blocks
}

func (r *Reader) Info() Info {
	return Info{
		Path:    r.path,
		Meta:    r.meta,
		Entries: len(r.entries),
		Blocks:  len(r.blocks),
		Size:    r.size,
	}
}

// Get returns the entry for a title. The canonical title is tried first;
// when no page has it, the first page whose title matches it without
// regard to case is returned.
func (r *Reader) Get(title string) (Entry, bool) {
	key := Canonical(title)
	i := sort.Search(len(r.byKey), func(i int) bool {
		return r.entries[r.byKey[i]].Key >= key
	})
	if i < len(r.byKey) && r.entries[r.byKey[i]].Key == key {
		return r.entries[r.byKey[i]], true
	}

	key = Fold(key)
	i = sort.Search(len(r.byFold), func(i int) bool {
		return r.folded[r.byFold[i]] >= key
	})
	if i < len(r.byFold) && r.folded[r.byFold[i]] == key {
		return r.entries[r.byFold[i]], true
	}
	return Entry{}, false
}

// Lookup returns the entries whose display title satisfies match, in
// offset order.
func (r *Reader) Lookup(match func(title string) bool) []Entry {
	var out []Entry
	for _, e := range r.entries {
		if match(e.Title) {
			out = append(out, e)
		}
	}
	return out
}

// LookupSubstring returns the entries whose title contains s. Without
// caseSensitive both sides are case folded.
func (r *Reader) LookupSubstring(s string, caseSensitive bool) []Entry {
	if caseSensitive {
		return r.Lookup(func(title string) bool { return strings.Contains(title, s) })
	}
	needle := Fold(s)
	var out []Entry
	for i, e := range r.entries {
		if strings.Contains(r.folded[i], needle) {
			out = append(out, e)
		}
	}
	return out
}

// LookupPattern returns the entries whose title matches re anywhere.
func (r *Reader) LookupPattern(re *regexp.Regexp) []Entry {
	return r.Lookup(re.MatchString)
}

// NewCursor opens a cursor over the index's archive using its block
// table. Each goroutine fetching records needs its own.
func (r *Reader) NewCursor() (*archive.Cursor, error) {
	return r.archive.NewCursor(r.blocks)
}

// Fetch materializes the record an entry points to. The bytes are parsed
// exactly as the scanner parses them.
func (r *Reader) Fetch(ctx context.Context, cur *archive.Cursor, e Entry) (pagexml.Record, error) {
	data, err := cur.ReadRange(ctx, e.Start, e.Length)
	if err != nil {
		return pagexml.Record{}, err
	}
	rec, err := pagexml.ParseRecord(data, e.Start)
	if err != nil {
		return pagexml.Record{}, unreadable(r.path, e.Start, err)
	}
	return rec, nil
}
