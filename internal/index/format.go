package index

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"wikiseek/internal/archive"
	"wikiseek/internal/format"
)

const (
	currentVersion = 0x02

	countSize    = 4
	blockSize    = 8 + 8
	checksumSize = 8

	idSize       = 8
	startSize    = 8
	lengthSize   = 8
	strLenSize   = 2
	rowFixedSize = idSize + startSize + lengthSize

	minFileSize = format.HeaderSize + countSize + format.HeaderSize + countSize + countSize + checksumSize
)

var (
	ErrIndexTooSmall    = errors.New("index file too small")
	ErrChecksumMismatch = errors.New("index checksum mismatch")
	ErrIncomplete       = errors.New("index was not completely written")
	ErrSectionSize      = errors.New("index section size mismatch")
	ErrTitleTooLong     = errors.New("title too long for index")
)

// encodeIndex writes an index file to w. The entry table is streamed
// through the zstd encoder, so only one row is buffered at a time.
//
// Layout:
//
//	Header:   signature (1) | type 'T' (1) | version (1) | flags (1)
//	Meta:     metaLen (4) | msgpack Meta
//	Blocks:   signature (1) | type 'B' (1) | version (1) | flags (1) | blockCount (4)
//	          comp (8) | decomp (8)  (repeated blockCount times)
//	Entries:  entryCount (4) | zstd(rows)
//	Row:      id (8) | start (8) | length (8) | titleLen (2) | title | keyLen (2) | key
//	Trailer:  xxhash64 of every preceding byte (8)
//
// Entries must be sorted by Start. The output depends only on the inputs,
// so rebuilding from an unchanged archive produces an identical file.
func encodeIndex(w io.Writer, meta Meta, blocks []archive.Block, entries []Entry) error {
	digest := xxhash.New()
	bw := bufio.NewWriterSize(io.MultiWriter(w, digest), 64<<10)

	metaBytes, err := msgpack.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}

	var head bytes.Buffer
	h := format.Header{
		Type:    format.TypeTitleIndex,
		Version: currentVersion,
		Flags:   format.FlagComplete | format.FlagCompressed,
	}
	hdr := h.Encode()
	head.Write(hdr[:])
	head.Write(binary.LittleEndian.AppendUint32(nil, uint32(len(metaBytes))))
	head.Write(metaBytes)

	bh := format.Header{Type: format.TypeBlockTable, Version: currentVersion}.Encode()
	head.Write(bh[:])
	head.Write(binary.LittleEndian.AppendUint32(nil, uint32(len(blocks))))
	blockBuf := make([]byte, blockSize)
	for _, b := range blocks {
		binary.LittleEndian.PutUint64(blockBuf[0:8], uint64(b.Comp))
		binary.LittleEndian.PutUint64(blockBuf[8:16], uint64(b.Decomp))
		head.Write(blockBuf)
	}
	head.Write(binary.LittleEndian.AppendUint32(nil, uint32(len(entries))))

	if _, err := bw.Write(head.Bytes()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	enc, err := zstd.NewWriter(bw,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return err
	}
	row := make([]byte, 0, 256)
	for _, e := range entries {
		if len(e.Title) > math.MaxUint16 || len(e.Key) > math.MaxUint16 {
			_ = enc.Close()
			return fmt.Errorf("%w: %d bytes at offset %d", ErrTitleTooLong, len(e.Title), e.Start)
		}
		row = appendRow(row[:0], e)
		if _, err := enc.Write(row); err != nil {
			_ = enc.Close()
			return fmt.Errorf("write entries: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finish entries: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush index: %w", err)
	}

	sum := binary.LittleEndian.AppendUint64(nil, digest.Sum64())
	if _, err := w.Write(sum); err != nil {
		return fmt.Errorf("write checksum: %w", err)
	}
	return nil
}

func appendRow(buf []byte, e Entry) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.ID))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Start))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Length))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(e.Title)))
	buf = append(buf, e.Title...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(e.Key)))
	buf = append(buf, e.Key...)
	return buf
}

// fileHeader is everything in an index file ahead of the entry rows.
type fileHeader struct {
	flags      byte
	meta       Meta
	blocks     []archive.Block
	entryCount int
	payload    []byte // entry rows, compressed when FlagCompressed is set
}

// decodeHeader validates the checksum and parses the sections preceding
// the entry rows. Errors are ErrUnreadable carrying the file offset.
func decodeHeader(path string, data []byte) (fileHeader, error) {
	if len(data) < minFileSize {
		return fileHeader{}, unreadable(path, 0, ErrIndexTooSmall)
	}
	body := data[:len(data)-checksumSize]
	want := binary.LittleEndian.Uint64(data[len(body):])
	if xxhash.Sum64(body) != want {
		return fileHeader{}, unreadable(path, int64(len(body)), ErrChecksumMismatch)
	}

	h, err := format.DecodeAndValidate(body, format.TypeTitleIndex, currentVersion)
	if err != nil {
		return fileHeader{}, unreadable(path, 0, err)
	}
	if !h.Has(format.FlagComplete) {
		return fileHeader{}, unreadable(path, 3, ErrIncomplete)
	}
	fh := fileHeader{flags: h.Flags}
	cursor := format.HeaderSize

	metaLen := int(binary.LittleEndian.Uint32(body[cursor:]))
	cursor += countSize
	if cursor+metaLen > len(body) {
		return fileHeader{}, unreadable(path, int64(cursor), ErrSectionSize)
	}
	if err := msgpack.Unmarshal(body[cursor:cursor+metaLen], &fh.meta); err != nil {
		return fileHeader{}, unreadable(path, int64(cursor), fmt.Errorf("decode meta: %w", err))
	}
	cursor += metaLen

	if len(body)-cursor < format.HeaderSize+countSize {
		return fileHeader{}, unreadable(path, int64(cursor), ErrSectionSize)
	}
	if _, err := format.DecodeAndValidate(body[cursor:], format.TypeBlockTable, currentVersion); err != nil {
		return fileHeader{}, unreadable(path, int64(cursor), fmt.Errorf("block table: %w", err))
	}
	cursor += format.HeaderSize
	blockCount := int(binary.LittleEndian.Uint32(body[cursor:]))
	cursor += countSize
	if blockCount*blockSize > len(body)-cursor-countSize {
		return fileHeader{}, unreadable(path, int64(cursor), ErrSectionSize)
	}
	fh.blocks = make([]archive.Block, blockCount)
	for i := range fh.blocks {
		fh.blocks[i] = archive.Block{
			Comp:   int64(binary.LittleEndian.Uint64(body[cursor:])),
			Decomp: int64(binary.LittleEndian.Uint64(body[cursor+8:])),
		}
		cursor += blockSize
	}

	fh.entryCount = int(binary.LittleEndian.Uint32(body[cursor:]))
	cursor += countSize
	fh.payload = body[cursor:]
	return fh, nil
}

// decodeEntries reads the entry rows of a validated file.
func decodeEntries(path string, fh fileHeader) ([]Entry, error) {
	var r io.Reader = bytes.NewReader(fh.payload)
	if fh.flags&format.FlagCompressed != 0 {
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, unreadable(path, -1, err)
		}
		defer dec.Close()
		r = dec
	}
	br := bufio.NewReaderSize(r, 64<<10)

	entries := make([]Entry, fh.entryCount)
	fixed := make([]byte, rowFixedSize)
	for i := range entries {
		if _, err := io.ReadFull(br, fixed); err != nil {
			return nil, unreadable(path, -1, fmt.Errorf("entry %d: %w", i, err))
		}
		e := Entry{
			ID:     int64(binary.LittleEndian.Uint64(fixed[0:])),
			Start:  int64(binary.LittleEndian.Uint64(fixed[idSize:])),
			Length: int64(binary.LittleEndian.Uint64(fixed[idSize+startSize:])),
		}
		var err error
		if e.Title, err = readString(br); err != nil {
			return nil, unreadable(path, -1, fmt.Errorf("entry %d title: %w", i, err))
		}
		if e.Key, err = readString(br); err != nil {
			return nil, unreadable(path, -1, fmt.Errorf("entry %d key: %w", i, err))
		}
		if i > 0 && e.Start < entries[i-1].End() {
			return nil, unreadable(path, -1, fmt.Errorf("entry %d: offset %d overlaps previous record", i, e.Start))
		}
		entries[i] = e
	}
	return entries, nil
}

func readString(br *bufio.Reader) (string, error) {
	var lenBuf [strLenSize]byte
	if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
		return "", err
	}
	buf := make([]byte, binary.LittleEndian.Uint16(lenBuf[:]))
	if _, err := io.ReadFull(br, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
