package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"wikiseek/internal/archive"
	"wikiseek/internal/logging"
	"wikiseek/internal/pagexml"
)

// BuildResult summarizes one index build.
type BuildResult struct {
	IndexPath  string
	Entries    int
	Records    int // well-formed records seen, including duplicates
	Skipped    int // malformed records
	Duplicates int // records whose title repeated an earlier one
	Blocks     int
	Duration   time.Duration
}

// Builder makes title indexes with one sequential pass over an archive.
// The pass is never parallelized: records arrive in increasing offset
// order, which is what keeps the entry table sorted without a sort.
type Builder struct {
	maxRecordBytes int
	logger         *slog.Logger
}

// NewBuilder returns a builder. maxRecordBytes bounds a single page
// record; zero uses pagexml.DefaultMaxRecordBytes.
func NewBuilder(maxRecordBytes int, logger *slog.Logger) *Builder {
	return &Builder{
		maxRecordBytes: maxRecordBytes,
		logger:         logging.Default(logger).With("component", "index"),
	}
}

// Build indexes the archive at archivePath and writes the result to
// indexPath, replacing any existing file atomically. If the destination
// cannot be written the error is ErrPersist and an existing index at
// indexPath is left as it was.
func (b *Builder) Build(ctx context.Context, archivePath, indexPath string) (BuildResult, error) {
	started := time.Now()
	a, err := archive.Open(archivePath)
	if err != nil {
		return BuildResult{}, err
	}
	abs, err := filepath.Abs(a.Path())
	if err != nil {
		abs = a.Path()
	}
	fp, err := a.Fingerprint()
	if err != nil {
		return BuildResult{}, err
	}
	logger := b.logger.With("archive", a.Path(), "index", indexPath)
	logger.Info("index build started", "format", a.Format(), "size", a.Size())

	s, err := a.Stream(ctx)
	if err != nil {
		return BuildResult{}, err
	}
	defer func() { _ = s.Close() }()

	sc := pagexml.NewScanner(s, 0, pagexml.Options{
		MaxRecordBytes: b.maxRecordBytes,
		Logger:         b.logger,
	})

	var (
		entries    []Entry
		byKey      = make(map[string]int)
		records    int
		duplicates int
		progress   = rate.Sometimes{Interval: 5 * time.Second}
	)
	for rec, err := range sc.Records(ctx) {
		if err != nil {
			return BuildResult{}, err
		}
		records++
		e := Entry{
			Key:    Canonical(rec.Title),
			Title:  rec.Title,
			ID:     rec.ID,
			Start:  rec.Start,
			Length: rec.Length,
		}
		// Last occurrence wins. The earlier entry is tombstoned rather
		// than overwritten so the table stays in offset order.
		if i, ok := byKey[e.Key]; ok {
			entries[i].Length = -1
			duplicates++
		}
		byKey[e.Key] = len(entries)
		entries = append(entries, e)

		progress.Do(func() {
			logger.Info("index build progress",
				"records", records,
				"decompressed_bytes", s.Offset())
		})
	}
	if duplicates > 0 {
		live := entries[:0]
		for _, e := range entries {
			if e.Length >= 0 {
				live = append(live, e)
			}
		}
		entries = live
	}
	if sc.Skipped() > 0 {
		logger.Warn("malformed records skipped", "count", sc.Skipped())
	}

	// An archive replaced mid-build would pair the old fingerprint with
	// new offsets.
	after, err := a.Fingerprint()
	if err != nil {
		return BuildResult{}, err
	}
	if !after.Matches(fp) {
		return BuildResult{}, &Error{Kind: ErrStale, Path: indexPath, Offset: -1,
			Err: errors.New("archive changed during build")}
	}

	blocks := s.Blocks()
	meta := Meta{
		Archive:     abs,
		Format:      a.Format().String(),
		Fingerprint: fp,
		Records:     records,
		Skipped:     sc.Skipped(),
		Duplicates:  duplicates,
	}
	if err := writeIndexFile(indexPath, meta, blocks, entries); err != nil {
		return BuildResult{}, err
	}

	res := BuildResult{
		IndexPath:  indexPath,
		Entries:    len(entries),
		Records:    records,
		Skipped:    sc.Skipped(),
		Duplicates: duplicates,
		Blocks:     len(blocks),
		Duration:   time.Since(started),
	}
	logger.Info("index build finished",
		"entries", res.Entries,
		"skipped", res.Skipped,
		"duplicates", res.Duplicates,
		"blocks", res.Blocks,
		"duration", res.Duration)
	return res, nil
}

// writeIndexFile writes to a temp file in the destination directory and
// renames it into place.
func writeIndexFile(indexPath string, meta Meta, blocks []archive.Block, entries []Entry) error {
	dir := filepath.Dir(indexPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return persist(indexPath, fmt.Errorf("create index dir: %w", err))
	}

	tmpFile, err := os.CreateTemp(dir, filepath.Base(indexPath)+".tmp.*")
	if err != nil {
		return persist(indexPath, fmt.Errorf("create temp index: %w", err))
	}
	tmpName := tmpFile.Name()

	if err := encodeIndex(tmpFile, meta, blocks, entries); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpName)
		return persist(indexPath, err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpName)
		return persist(indexPath, fmt.Errorf("sync temp index: %w", err))
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpName)
		return persist(indexPath, fmt.Errorf("close temp index: %w", err))
	}
	if err := os.Rename(tmpName, indexPath); err != nil {
		_ = os.Remove(tmpName)
		return persist(indexPath, fmt.Errorf("rename index: %w", err))
	}
	return nil
}
