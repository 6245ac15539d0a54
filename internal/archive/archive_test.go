package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	seekable "github.com/SaveTheRbtz/zstd-seekable-format-go/pkg"
	"github.com/klauspost/compress/zstd"
)

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("read fixture %s: %v", name, err)
	}
	return data
}

func fixtureBlocks(t *testing.T) []Block {
	t.Helper()
	var raw []struct {
		Comp   int64 `json:"comp"`
		Decomp int64 `json:"decomp"`
	}
	if err := json.Unmarshal(readFixture(t, "sample-multistream.blocks.json"), &raw); err != nil {
		t.Fatalf("decode blocks: %v", err)
	}
	blocks := make([]Block, len(raw))
	for i, b := range raw {
		blocks[i] = Block{Comp: b.Comp, Decomp: b.Decomp}
	}
	return blocks
}

func newTestEncoder() (*zstd.Encoder, error) {
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
}

// writeZstd writes data as plain zstd, or as seekable zstd with frames of
// frameSize bytes.
func writeZstd(t *testing.T, path string, data []byte, seekableFrames int) {
	t.Helper()
	enc, err := newTestEncoder()
	if err != nil {
		t.Fatalf("new encoder: %v", err)
	}
	defer enc.Close()

	if seekableFrames <= 0 {
		if err := os.WriteFile(path, enc.EncodeAll(data, nil), 0o644); err != nil {
			t.Fatalf("write zstd: %v", err)
		}
		return
	}

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	sw, err := seekable.NewWriter(f, enc)
	if err != nil {
		t.Fatalf("seekable writer: %v", err)
	}
	for rest := data; len(rest) > 0; {
		n := min(seekableFrames, len(rest))
		if _, err := sw.Write(rest[:n]); err != nil {
			t.Fatalf("write frame: %v", err)
		}
		rest = rest[n:]
	}
	if err := sw.Close(); err != nil {
		t.Fatalf("close seekable writer: %v", err)
	}
}

func copyFixture(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, readFixture(t, name), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func readAll(t *testing.T, a *Archive) ([]byte, *Stream) {
	t.Helper()
	s, err := a.Stream(context.Background())
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	data, err := io.ReadAll(s)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	return data, s
}

// =============================================================================
// Open / sniff
// =============================================================================

func TestOpenNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.xml.bz2")
	_, err := Open(path)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var ae *Error
	if !errors.As(err, &ae) || ae.Path != path {
		t.Fatalf("expected *Error with path %s, got %#v", path, err)
	}
}

func TestOpenDirectory(t *testing.T) {
	if _, err := Open(t.TempDir()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for directory, got %v", err)
	}
}

func TestOpenDetectsFormat(t *testing.T) {
	sample := readFixture(t, "sample.xml")
	dir := t.TempDir()

	xmlPath := filepath.Join(dir, "dump.xml")
	if err := os.WriteFile(xmlPath, sample, 0o644); err != nil {
		t.Fatal(err)
	}
	zstPath := filepath.Join(dir, "dump.xml.zst")
	writeZstd(t, zstPath, sample, 0)
	seekPath := filepath.Join(dir, "dump.seekable.zst")
	writeZstd(t, seekPath, sample, 256)

	tests := []struct {
		path string
		want Format
	}{
		{filepath.Join("testdata", "sample.xml.bz2"), FormatBzip2},
		{filepath.Join("testdata", "sample-multistream.xml.bz2"), FormatBzip2},
		{xmlPath, FormatXML},
		{zstPath, FormatZstd},
		{seekPath, FormatSeekableZstd},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			a, err := Open(tt.path)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			if a.Format() != tt.want {
				t.Errorf("format = %v, want %v", a.Format(), tt.want)
			}
		})
	}
}

func TestOpenUnrecognized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.bin")
	if err := os.WriteFile(path, []byte{0x00, 0x01, 0x02, 0x03, 0x04}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

// =============================================================================
// Streams
// =============================================================================

func TestStreamMultistreamBzip2(t *testing.T) {
	a, err := Open(filepath.Join("testdata", "sample-multistream.xml.bz2"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data, s := readAll(t, a)
	if !bytes.Equal(data, readFixture(t, "sample.xml")) {
		t.Fatalf("decompressed bytes differ from sample.xml")
	}
	if s.Offset() != int64(len(data)) {
		t.Errorf("offset = %d, want %d", s.Offset(), len(data))
	}

	want := fixtureBlocks(t)
	got := s.Blocks()
	if len(got) != len(want) {
		t.Fatalf("blocks = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("block %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestStreamSingleStreamBzip2(t *testing.T) {
	a, err := Open(filepath.Join("testdata", "sample.xml.bz2"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data, s := readAll(t, a)
	if !bytes.Equal(data, readFixture(t, "sample.xml")) {
		t.Fatalf("decompressed bytes differ from sample.xml")
	}
	if got := s.Blocks(); len(got) != 1 || got[0] != (Block{}) {
		t.Errorf("blocks = %v, want single zero block", got)
	}
}

func TestStreamZstd(t *testing.T) {
	sample := readFixture(t, "sample.xml")
	for _, frames := range []int{0, 100} {
		path := filepath.Join(t.TempDir(), "dump.zst")
		writeZstd(t, path, sample, frames)
		a, err := Open(path)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		data, s := readAll(t, a)
		if !bytes.Equal(data, sample) {
			t.Fatalf("%v: decompressed bytes differ", a.Format())
		}
		if s.Blocks() != nil {
			t.Errorf("%v: expected no recorded blocks", a.Format())
		}
	}
}

func TestStreamFromBlock(t *testing.T) {
	sample := readFixture(t, "sample.xml")
	a, err := Open(filepath.Join("testdata", "sample-multistream.xml.bz2"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, b := range fixtureBlocks(t) {
		s, err := a.StreamFrom(context.Background(), b)
		if err != nil {
			t.Fatalf("stream from %+v: %v", b, err)
		}
		data, err := io.ReadAll(s)
		_ = s.Close()
		if err != nil {
			t.Fatalf("read from %+v: %v", b, err)
		}
		if !bytes.Equal(data, sample[b.Decomp:]) {
			t.Errorf("stream from %+v returned wrong bytes", b)
		}
	}
}

func TestStreamSegment(t *testing.T) {
	sample := readFixture(t, "sample.xml")
	a, err := Open(filepath.Join("testdata", "sample-multistream.xml.bz2"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	blocks := fixtureBlocks(t)
	for i, b := range blocks {
		end := int64(len(sample))
		if i+1 < len(blocks) {
			end = blocks[i+1].Decomp
		}
		s, err := a.StreamSegment(context.Background(), b.Comp)
		if err != nil {
			t.Fatalf("segment at %d: %v", b.Comp, err)
		}
		data, err := io.ReadAll(s)
		if err != nil {
			t.Fatalf("read segment at %d: %v", b.Comp, err)
		}
		if !bytes.Equal(data, sample[b.Decomp:end]) {
			t.Errorf("segment at %d returned %q", b.Comp, data)
		}
		if s.Offset() != end-b.Decomp || len(s.Blocks()) != 1 {
			t.Errorf("segment at %d: offset %d, blocks %v", b.Comp, s.Offset(), s.Blocks())
		}
		_ = s.Close()
	}
}

func TestStreamSegmentBadOffset(t *testing.T) {
	a, err := Open(filepath.Join("testdata", "sample-multistream.xml.bz2"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, off := range []int64{-1, 7, a.Size()} {
		if _, err := a.StreamSegment(context.Background(), off); !errors.Is(err, ErrCorrupt) {
			t.Errorf("offset %d: expected ErrCorrupt, got %v", off, err)
		}
	}

	x, err := Open(filepath.Join("testdata", "sample.xml"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := x.StreamSegment(context.Background(), 0); err == nil {
		t.Error("xml archive has no streams to open")
	}
}

func TestStreamCorruptBzip2(t *testing.T) {
	data := readFixture(t, "sample.xml.bz2")
	for i := 200; i < 240; i++ {
		data[i] ^= 0xff
	}
	path := filepath.Join(t.TempDir(), "broken.xml.bz2")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	a, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s, err := a.Stream(context.Background())
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer s.Close()

	_, err = io.ReadAll(s)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
	var ae *Error
	if !errors.As(err, &ae) || ae.Path != path || ae.Offset < 0 {
		t.Errorf("expected path and offset in error, got %v", err)
	}
}

func TestStreamClose(t *testing.T) {
	a, err := Open(filepath.Join("testdata", "sample.xml.bz2"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s, err := a.Stream(context.Background())
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := s.Read(make([]byte, 10)); !errors.Is(err, os.ErrClosed) {
		t.Errorf("read after close: got %v, want os.ErrClosed", err)
	}
}

func TestStreamContextCancelled(t *testing.T) {
	a, err := Open(filepath.Join("testdata", "sample.xml.bz2"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s, err := a.Stream(ctx)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer s.Close()
	cancel()
	if _, err := s.Read(make([]byte, 10)); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

// =============================================================================
// Boundary scanning
// =============================================================================

func TestNextStreamStartAcrossWindows(t *testing.T) {
	header := append([]byte("BZh9"), bzBlockMagic...)
	// Windows cover [0,64K) [64K,192K) [192K,448K) [448K,960K) [960K,1984K)
	// and then 1 MiB each.
	for _, at := range []int{
		5,
		minScanWindow - 3,
		minScanWindow,
		3*minScanWindow - 4,
		maxScanWindow - 2,
		3*maxScanWindow + 17,
	} {
		buf := make([]byte, 4*maxScanWindow)
		copy(buf[at:], header)
		got, err := nextStreamStart(bytes.NewReader(buf), 0, int64(len(buf)))
		if err != nil {
			t.Fatalf("at %d: %v", at, err)
		}
		if got != int64(at) {
			t.Errorf("header at %d: found %d", at, got)
		}
	}
}

// readSizes records the length of every ReadAt call.
type readSizes struct {
	r     io.ReaderAt
	sizes []int
}

func (rs *readSizes) ReadAt(p []byte, off int64) (int, error) {
	rs.sizes = append(rs.sizes, len(p))
	return rs.r.ReadAt(p, off)
}

func TestNextStreamStartGrowsWindow(t *testing.T) {
	header := append([]byte("BZh9"), bzBlockMagic...)

	near := make([]byte, 4*maxScanWindow)
	copy(near[100:], header)
	rs := &readSizes{r: bytes.NewReader(near)}
	if got, err := nextStreamStart(rs, 0, int64(len(near))); err != nil || got != 100 {
		t.Fatalf("got %d, %v", got, err)
	}
	if len(rs.sizes) != 1 || rs.sizes[0] > minScanWindow+streamHeaderLen {
		t.Errorf("nearby header took reads of %v bytes", rs.sizes)
	}

	rs = &readSizes{r: bytes.NewReader(make([]byte, 4*maxScanWindow))}
	if got, err := nextStreamStart(rs, 0, int64(4*maxScanWindow)); err != nil || got != int64(4*maxScanWindow) {
		t.Fatalf("got %d, %v", got, err)
	}
	if rs.sizes[0] != minScanWindow+streamHeaderLen-1 || rs.sizes[1] != 2*minScanWindow+streamHeaderLen-1 {
		t.Errorf("windows did not start small and double: %v", rs.sizes[:2])
	}
	for _, n := range rs.sizes {
		if n > maxScanWindow+streamHeaderLen-1 {
			t.Errorf("read of %d bytes exceeds the largest window", n)
		}
	}
}

func TestNextStreamStartNoHeader(t *testing.T) {
	buf := bytes.Repeat([]byte("BZh9 not a header "), 1000)
	got, err := nextStreamStart(bytes.NewReader(buf), 0, int64(len(buf)))
	if err != nil {
		t.Fatal(err)
	}
	if got != int64(len(buf)) {
		t.Errorf("got %d, want limit %d", got, len(buf))
	}
}

// =============================================================================
// Cursor
// =============================================================================

func TestCursorReadRange(t *testing.T) {
	sample := readFixture(t, "sample.xml")
	dir := t.TempDir()

	xmlPath := filepath.Join(dir, "dump.xml")
	if err := os.WriteFile(xmlPath, sample, 0o644); err != nil {
		t.Fatal(err)
	}
	zstPath := filepath.Join(dir, "dump.zst")
	writeZstd(t, zstPath, sample, 0)
	seekPath := filepath.Join(dir, "dump.seekable.zst")
	writeZstd(t, seekPath, sample, 128)

	cases := []struct {
		name   string
		path   string
		blocks []Block
	}{
		{"bzip2-multistream", filepath.Join("testdata", "sample-multistream.xml.bz2"), fixtureBlocks(t)},
		{"bzip2-no-table", filepath.Join("testdata", "sample-multistream.xml.bz2"), nil},
		{"bzip2-single", filepath.Join("testdata", "sample.xml.bz2"), []Block{{}}},
		{"xml", xmlPath, nil},
		{"zstd", zstPath, nil},
		{"zstd-seekable", seekPath, nil},
	}

	// Ascending, then a backwards jump, then a range spanning a block edge.
	ranges := [][2]int64{{0, 10}, {240, 30}, {970, 100}, {300, 50}, {950, 40}, {int64(len(sample)) - 13, 13}}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, err := Open(tc.path)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			c, err := a.NewCursor(tc.blocks)
			if err != nil {
				t.Fatalf("cursor: %v", err)
			}
			defer c.Close()

			for _, r := range ranges {
				got, err := c.ReadRange(context.Background(), r[0], r[1])
				if err != nil {
					t.Fatalf("read %v: %v", r, err)
				}
				if want := sample[r[0] : r[0]+r[1]]; !bytes.Equal(got, want) {
					t.Errorf("range %v = %q, want %q", r, got, want)
				}
			}
		})
	}
}

func TestCursorReadPastEnd(t *testing.T) {
	a, err := Open(filepath.Join("testdata", "sample-multistream.xml.bz2"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	c, err := a.NewCursor(fixtureBlocks(t))
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	defer c.Close()

	_, err = c.ReadRange(context.Background(), a.Size()*100, 10)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestNearestBlock(t *testing.T) {
	c := &Cursor{blocks: []Block{{0, 0}, {10, 100}, {20, 200}}}
	tests := []struct {
		off  int64
		want Block
	}{
		{0, Block{0, 0}},
		{99, Block{0, 0}},
		{100, Block{10, 100}},
		{150, Block{10, 100}},
		{5000, Block{20, 200}},
	}
	for _, tt := range tests {
		if got := c.nearestBlock(tt.off); got != tt.want {
			t.Errorf("nearestBlock(%d) = %+v, want %+v", tt.off, got, tt.want)
		}
	}
}

// =============================================================================
// Fingerprint
// =============================================================================

func TestFingerprint(t *testing.T) {
	path := copyFixture(t, "sample.xml.bz2")
	a, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	fp1, err := a.Fingerprint()
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	fp2, err := a.Fingerprint()
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if fp1 != fp2 {
		t.Fatalf("fingerprint not stable: %v vs %v", fp1, fp2)
	}
	if fp1.Size != a.Size() {
		t.Errorf("size = %d, want %d", fp1.Size, a.Size())
	}

	// Touching the file keeps the content identity.
	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}
	fp3, err := a.Fingerprint()
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if !fp1.Matches(fp3) {
		t.Errorf("mtime change should not alter identity")
	}

	// Replacing the content does.
	data := readFixture(t, "sample.xml.bz2")
	data[len(data)-1] ^= 0xff
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	fp4, err := a.Fingerprint()
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if fp1.Matches(fp4) {
		t.Errorf("content change not detected")
	}
}

// =============================================================================
// Recompress
// =============================================================================

func TestRecompressToSeekable(t *testing.T) {
	src, err := Open(filepath.Join("testdata", "sample-multistream.xml.bz2"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	dst := filepath.Join(t.TempDir(), "dump.xml.zst")
	if err := Recompress(context.Background(), src, dst, 200, nil); err != nil {
		t.Fatalf("recompress: %v", err)
	}

	a, err := Open(dst)
	if err != nil {
		t.Fatalf("open recompressed: %v", err)
	}
	if a.Format() != FormatSeekableZstd {
		t.Fatalf("format = %v, want %v", a.Format(), FormatSeekableZstd)
	}
	sample := readFixture(t, "sample.xml")
	data, _ := readAll(t, a)
	if !bytes.Equal(data, sample) {
		t.Fatalf("recompressed content differs")
	}

	entries, err := os.ReadDir(filepath.Dir(dst))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the destination file, found %d entries", len(entries))
	}
}

func TestRecompressUnwritableDestination(t *testing.T) {
	src, err := Open(filepath.Join("testdata", "sample.xml.bz2"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	dst := filepath.Join(t.TempDir(), "missing-dir", "out.zst")
	if err := Recompress(context.Background(), src, dst, 0, nil); err == nil {
		t.Fatal("expected error for missing destination directory")
	}
}
