package archive

import (
	"bytes"
	"compress/bzip2"
	"errors"
	"io"
	"os"
)

const (
	// streamHeaderLen is "BZh" + level digit + 48-bit block or end-of-stream magic.
	streamHeaderLen = 10

	// Stream headers are searched for in windows that start small, since
	// multistream dumps put one every few hundred KiB, and double up to
	// maxScanWindow for single-stream files.
	minScanWindow = 64 << 10
	maxScanWindow = 1 << 20

	// maxStreamScan bounds how far ahead a stream boundary is searched for.
	// Single-stream dumps have no boundaries; past this distance the rest of
	// the file is decoded as one segment instead of being scanned up front.
	maxStreamScan = 256 << 20
)

var (
	bzBlockMagic = []byte{0x31, 0x41, 0x59, 0x26, 0x53, 0x59}
	bzEOSMagic   = []byte{0x17, 0x72, 0x45, 0x38, 0x50, 0x90}
)

// isStreamHeader reports whether b starts with a byte-aligned bzip2 stream
// header. Streams in a multistream dump are concatenated on byte boundaries.
func isStreamHeader(b []byte) bool {
	if len(b) < streamHeaderLen {
		return false
	}
	if b[0] != 'B' || b[1] != 'Z' || b[2] != 'h' || b[3] < '1' || b[3] > '9' {
		return false
	}
	return bytes.Equal(b[4:10], bzBlockMagic) || bytes.Equal(b[4:10], bzEOSMagic)
}

// nextStreamStart returns the compressed offset of the first stream header
// at or after from, or limit when none is found before it.
func nextStreamStart(r io.ReaderAt, from, limit int64) (int64, error) {
	var buf []byte
	window := int64(minScanWindow)
	for off := from; off < limit; {
		// Reads overlap by one header length so a header straddling two
		// windows is still seen whole.
		want := min(window+streamHeaderLen-1, limit-off)
		if int64(cap(buf)) < want {
			buf = make([]byte, want)
		}
		n, err := r.ReadAt(buf[:want], off)
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		w := buf[:n]
		for i := 0; ; {
			j := bytes.Index(w[i:], []byte("BZh"))
			if j < 0 {
				break
			}
			i += j
			if isStreamHeader(w[i:]) {
				return off + int64(i), nil
			}
			i++
		}
		if int64(n) < want {
			break
		}
		off += window
		window = min(2*window, maxScanWindow)
	}
	return limit, nil
}

// multistreamReader decodes a bzip2 file one stream at a time so that every
// stream start can be recorded as a Block with its decompressed offset.
type multistreamReader struct {
	f      *os.File
	size   int64
	pos    int64 // compressed start of the current segment
	end    int64 // compressed end of the current segment
	decomp int64 // absolute decompressed offset of the next byte
	cur    io.Reader
	blocks []Block
	single bool // stop after the first stream
}

func newMultistreamReader(f *os.File, size int64, start Block) *multistreamReader {
	return &multistreamReader{
		f:      f,
		size:   size,
		pos:    start.Comp,
		decomp: start.Decomp,
	}
}

func (m *multistreamReader) Read(p []byte) (int, error) {
	for {
		if m.cur == nil {
			if m.pos >= m.size || (m.single && len(m.blocks) > 0) {
				return 0, io.EOF
			}
			limit := min(m.size, m.pos+maxStreamScan)
			end, err := nextStreamStart(m.f, m.pos+streamHeaderLen, limit)
			if err != nil {
				return 0, err
			}
			if end == limit {
				end = m.size
			}
			m.end = end
			m.blocks = append(m.blocks, Block{Comp: m.pos, Decomp: m.decomp})
			m.cur = bzip2.NewReader(io.NewSectionReader(m.f, m.pos, m.end-m.pos))
		}

		n, err := m.cur.Read(p)
		m.decomp += int64(n)
		if errors.Is(err, io.EOF) {
			m.cur = nil
			m.pos = m.end
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}
