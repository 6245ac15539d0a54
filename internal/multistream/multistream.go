// Package multistream reads the page index Wikipedia publishes next to
// each multistream dump.
//
// The file (enwiki-...-pages-articles-multistream-index.txt.bz2) has one
// line per page, "offset:id:title", where offset is the compressed byte
// offset of the bzip2 stream holding the page. Titles are stored unescaped
// and may contain colons. With it a title search reads only the streams of
// the matching pages, without wikiseek ever having built an index of its
// own.
package multistream

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"wikiseek/internal/archive"
	"wikiseek/internal/pagexml"
)

var ErrUnreadable = errors.New("multistream index unreadable")

// Entry is one line of the index.
type Entry struct {
	Offset int64 // compressed offset of the stream holding the page
	ID     int64
	Title  string
}

// Find returns the index that sits next to a multistream dump, preferring
// the compressed file: "x.xml.bz2" pairs with "x-index.txt.bz2" or
// "x-index.txt".
func Find(archivePath string) (string, bool) {
	base, ok := strings.CutSuffix(archivePath, ".xml.bz2")
	if !ok {
		return "", false
	}
	for _, p := range []string{base + "-index.txt.bz2", base + "-index.txt"} {
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p, true
		}
	}
	return "", false
}

// Index is a loaded multistream index.
type Index struct {
	path    string
	entries []Entry // file order, so offsets ascend
}

// Open reads the index at path, decompressing it when it is bzip2.
func Open(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, path, err)
	}
	defer func() { _ = f.Close() }()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if head, _ := br.Peek(3); bytes.Equal(head, []byte("BZh")) {
		r = bzip2.NewReader(br)
	}
	entries, err := Read(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, path, err)
	}
	return &Index{path: path, entries: entries}, nil
}

// Read parses index lines from r. Offsets written as 32-bit values wrap in
// dumps larger than 4 GiB; a line whose offset is below the previous one is
// taken to have wrapped.
func Read(r io.Reader) ([]Entry, error) {
	var (
		entries []Entry
		base    int64
		prev    int64
		line    int
	)
	br := bufio.NewReaderSize(r, 64<<10)
	for {
		lb, isPrefix, err := br.ReadLine()
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		line++
		if isPrefix {
			return nil, fmt.Errorf("line %d: too long", line)
		}
		if len(lb) == 0 {
			continue
		}
		parts := strings.SplitN(string(lb), ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("line %d: want offset:id:title, got %q", line, lb)
		}
		offset, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: offset: %w", line, err)
		}
		id, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: page id: %w", line, err)
		}
		if offset < prev {
			base += 1 << 32
		}
		prev = offset
		entries = append(entries, Entry{Offset: offset + base, ID: id, Title: parts[2]})
	}
}

func (x *Index) Path() string { return x.path }
func (x *Index) Len() int     { return len(x.entries) }

// Entries returns every entry in stream order. The slice is shared; do not
// modify it.
func (x *Index) Entries() []Entry {
	return x.entries
}

// Lookup returns the entries whose title satisfies match, in stream order.
func (x *Index) Lookup(match func(title string) bool) []Entry {
	var out []Entry
	for _, e := range x.entries {
		if match(e.Title) {
			out = append(out, e)
		}
	}
	return out
}

// Blocks returns the distinct stream starts as compression blocks. Only
// the compressed side is known; Decomp is zero.
func (x *Index) Blocks() []archive.Block {
	var out []archive.Block
	for _, e := range x.entries {
		if n := len(out); n == 0 || out[n-1].Comp != e.Offset {
			out = append(out, archive.Block{Comp: e.Offset})
		}
	}
	return out
}

// Stream is one compressed stream and the pages wanted from it.
type Stream struct {
	Offset int64
	IDs    []int64
}

// Group collects entries by the stream holding them. Entries must be in
// stream order, as Lookup returns them.
func Group(entries []Entry) []Stream {
	var out []Stream
	for _, e := range entries {
		if n := len(out); n > 0 && out[n-1].Offset == e.Offset {
			out[n-1].IDs = append(out[n-1].IDs, e.ID)
			continue
		}
		out = append(out, Stream{Offset: e.Offset, IDs: []int64{e.ID}})
	}
	return out
}

// ReadStream decompresses one stream of a and returns the records whose id
// is wanted, in stream order, along with the number of malformed records
// skipped. Record offsets count from the start of the stream. Reading stops
// as soon as every wanted record has been seen.
func ReadStream(ctx context.Context, a *archive.Archive, st Stream, opts pagexml.Options) ([]pagexml.Record, int, error) {
	s, err := a.StreamSegment(ctx, st.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = s.Close() }()

	want := make(map[int64]bool, len(st.IDs))
	for _, id := range st.IDs {
		want[id] = true
	}
	sc := pagexml.NewScanner(s, 0, opts)
	var out []pagexml.Record
	for rec, err := range sc.Records(ctx) {
		if err != nil {
			return nil, sc.Skipped(), err
		}
		if !want[rec.ID] {
			continue
		}
		delete(want, rec.ID)
		out = append(out, rec)
		if len(want) == 0 {
			break
		}
	}
	return out, sc.Skipped(), nil
}
