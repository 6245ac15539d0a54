// Package search evaluates queries against a dump archive, either by
// scanning every record or by fetching candidates through a title index.
// A multistream dump's own page index can stand in for the title index:
// it narrows a search to the bzip2 streams holding candidate pages.
//
// Both modes apply the same Matcher to the same parsed records, so for a
// given archive they find the same pages. The indexed mode differs only in
// which records it reads: literal title-only queries are narrowed through
// the index's titles first, and everything else reads the records the index
// points to instead of decompressing the whole stream through the scanner.
package search

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"wikiseek/internal/archive"
	"wikiseek/internal/index"
	"wikiseek/internal/logging"
	"wikiseek/internal/multistream"
	"wikiseek/internal/pagexml"
)

var ErrNoIndex = errors.New("no index available")

// Mode selects how a search reads the archive.
type Mode int

const (
	// ModeAuto uses the index when the engine has one, the multistream
	// index for title-only queries when it has that, and scans otherwise.
	ModeAuto Mode = iota
	ModeFullScan
	ModeIndexed
	// ModeMultistream decompresses only the streams that the dump's
	// multistream index lists for candidate pages.
	ModeMultistream
)

func (m Mode) String() string {
	switch m {
	case ModeFullScan:
		return "full-scan"
	case ModeIndexed:
		return "indexed"
	case ModeMultistream:
		return "multistream"
	default:
		return "auto"
	}
}

// Stats is the side channel of a search. It is complete once iteration
// over the match sequence has finished.
type Stats struct {
	Mode       Mode // mode actually used
	Scanned    int  // records tested against the query
	Skipped    int  // malformed records skipped
	Candidates int  // index entries selected for fetching (indexed and multistream modes)
	Matches    int
	Elapsed    time.Duration
}

// Options configures an Engine.
type Options struct {
	// Workers bounds the number of goroutines fetching records in indexed
	// mode. Each owns its own archive cursor. Values below 2 fetch
	// sequentially.
	Workers int

	// MaxRecordBytes is passed to the full-scan page scanner.
	MaxRecordBytes int

	// Multistream is the dump's own page index, used when there is no
	// title index. Optional.
	Multistream *multistream.Index

	Logger *slog.Logger
}

// Engine runs searches over one archive and, optionally, its index.
type Engine struct {
	archive *archive.Archive
	index   *index.Reader
	streams *multistream.Index
	workers int
	maxRec  int
	logger  *slog.Logger
}

// New returns an engine for a. idx may be nil, in which case only full
// scans are possible.
func New(a *archive.Archive, idx *index.Reader, opts Options) *Engine {
	return &Engine{
		archive: a,
		index:   idx,
		streams: opts.Multistream,
		workers: max(opts.Workers, 1),
		maxRec:  opts.MaxRecordBytes,
		logger:  logging.Default(opts.Logger).With("component", "search"),
	}
}

// Search compiles q and returns the lazy sequence of matching pages. An
// invalid pattern, or ModeIndexed or ModeMultistream without the index it
// needs, fails before any record is read. Archive and index integrity errors are yielded once and
// end the sequence. Breaking out of the loop releases every file handle
// the search opened.
func (e *Engine) Search(ctx context.Context, q Query, mode Mode) (iter.Seq2[Match, error], *Stats, error) {
	m, err := NewMatcher(q)
	if err != nil {
		return nil, nil, err
	}

	switch mode {
	case ModeAuto:
		switch {
		case e.index != nil:
			mode = ModeIndexed
		case e.streams != nil && !q.IncludeContent:
			mode = ModeMultistream
		default:
			e.logger.Warn("no usable index, scanning the whole archive", "archive", e.archive.Path())
			mode = ModeFullScan
		}
	case ModeIndexed:
		if e.index == nil {
			return nil, nil, ErrNoIndex
		}
	case ModeMultistream:
		if e.streams == nil {
			return nil, nil, ErrNoIndex
		}
	}

	stats := &Stats{Mode: mode}
	e.logger.Debug("search started", "query", q.String(), "mode", mode)

	var seq iter.Seq2[Match, error]
	switch mode {
	case ModeIndexed:
		seq = e.indexed(ctx, m, stats)
	case ModeMultistream:
		seq = e.multistream(ctx, m, stats)
	default:
		seq = e.fullScan(ctx, m, stats)
	}

	timed := func(yield func(Match, error) bool) {
		started := time.Now()
		defer func() {
			stats.Elapsed = time.Since(started)
			e.logger.Debug("search finished",
				"mode", stats.Mode,
				"scanned", stats.Scanned,
				"matches", stats.Matches,
				"skipped", stats.Skipped,
				"elapsed", stats.Elapsed)
		}()
		seq(yield)
	}
	return timed, stats, nil
}

// fullScan runs the decoder and page scanner over the whole archive.
func (e *Engine) fullScan(ctx context.Context, m *Matcher, stats *Stats) iter.Seq2[Match, error] {
	return func(yield func(Match, error) bool) {
		s, err := e.archive.Stream(ctx)
		if err != nil {
			yield(Match{}, err)
			return
		}
		defer func() { _ = s.Close() }()

		sc := pagexml.NewScanner(s, 0, pagexml.Options{
			MaxRecordBytes: e.maxRec,
			Logger:         e.logger,
		})
		defer func() { stats.Skipped = sc.Skipped() }()

		progress := rate.Sometimes{Interval: 10 * time.Second}
		for rec, err := range sc.Records(ctx) {
			if err != nil {
				yield(Match{}, err)
				return
			}
			stats.Scanned++
			progress.Do(func() {
				e.logger.Info("scan progress",
					"records", stats.Scanned,
					"matches", stats.Matches,
					"decompressed_bytes", s.Offset())
			})
			if mt, ok := m.Match(rec); ok {
				stats.Matches++
				if !yield(mt, nil) {
					return
				}
			}
		}
	}
}

// candidates narrows the index to the entries that can match. Title-only
// queries are exact against the stored titles; content queries need every
// record.
func (e *Engine) candidates(m *Matcher) []index.Entry {
	q := m.Query()
	switch {
	case q.IncludeContent:
		return e.index.Entries()
	case q.Regex:
		return e.index.LookupPattern(m.Regexp())
	default:
		return e.index.LookupSubstring(q.Pattern, q.CaseSensitive)
	}
}

// indexed fetches candidate records through the index and re-tests each
// one exactly as a full scan would.
func (e *Engine) indexed(ctx context.Context, m *Matcher, stats *Stats) iter.Seq2[Match, error] {
	return func(yield func(Match, error) bool) {
		stats.Skipped = e.index.Info().Meta.Skipped
		entries := e.candidates(m)
		stats.Candidates = len(entries)
		if len(entries) == 0 {
			return
		}
		if e.workers < 2 || len(entries) < 2 {
			e.fetchSequential(ctx, m, entries, stats, yield)
			return
		}
		e.fetchParallel(ctx, m, entries, stats, yield)
	}
}

func (e *Engine) fetchSequential(ctx context.Context, m *Matcher, entries []index.Entry, stats *Stats, yield func(Match, error) bool) {
	cur, err := e.index.NewCursor()
	if err != nil {
		yield(Match{}, err)
		return
	}
	defer func() { _ = cur.Close() }()

	for _, ent := range entries {
		rec, err := e.index.Fetch(ctx, cur, ent)
		if err != nil {
			yield(Match{}, err)
			return
		}
		stats.Scanned++
		if mt, ok := m.Match(rec); ok {
			stats.Matches++
			if !yield(mt, nil) {
				return
			}
		}
	}
}

// fetchParallel splits entries into contiguous offset ranges, one per
// worker. Matches from different workers interleave; within a worker they
// arrive in offset order.
func (e *Engine) fetchParallel(ctx context.Context, m *Matcher, entries []index.Entry, stats *Stats, yield func(Match, error) bool) {
	fanOut(ctx, partition(entries, e.workers), stats, yield,
		func(ctx context.Context, part []index.Entry, w *worker) error {
			cur, err := e.index.NewCursor()
			if err != nil {
				return err
			}
			defer func() { _ = cur.Close() }()

			for _, ent := range part {
				rec, err := e.index.Fetch(ctx, cur, ent)
				if err != nil {
					return err
				}
				if err := w.test(ctx, m, rec); err != nil {
					return err
				}
			}
			return nil
		})
}

// multistream narrows the dump's page index to the pages that can match
// and decompresses only the streams holding them. Content queries list
// every page, so every stream is read.
func (e *Engine) multistream(ctx context.Context, m *Matcher, stats *Stats) iter.Seq2[Match, error] {
	return func(yield func(Match, error) bool) {
		var entries []multistream.Entry
		if m.Query().IncludeContent {
			entries = e.streams.Entries()
		} else {
			entries = e.streams.Lookup(m.Test)
		}
		stats.Candidates = len(entries)
		if len(entries) == 0 {
			return
		}
		groups := multistream.Group(entries)
		opts := pagexml.Options{MaxRecordBytes: e.maxRec, Logger: e.logger}
		fanOut(ctx, partition(groups, e.workers), stats, yield,
			func(ctx context.Context, part []multistream.Stream, w *worker) error {
				for _, st := range part {
					recs, skipped, err := multistream.ReadStream(ctx, e.archive, st, opts)
					w.skipped += skipped
					if err != nil {
						return err
					}
					if len(recs) < len(st.IDs) {
						e.logger.Warn("pages listed in the multistream index are missing from their stream",
							"index", e.streams.Path(), "stream", st.Offset, "missing", len(st.IDs)-len(recs))
					}
					for _, rec := range recs {
						if err := w.test(ctx, m, rec); err != nil {
							return err
						}
					}
				}
				return nil
			})
	}
}

// worker is the per-goroutine side of fanOut.
type worker struct {
	out     chan<- Match
	scanned int
	skipped int
}

// test matches rec and sends a hit to the consumer.
func (w *worker) test(ctx context.Context, m *Matcher, rec pagexml.Record) error {
	w.scanned++
	mt, ok := m.Match(rec)
	if !ok {
		return nil
	}
	select {
	case w.out <- mt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fanOut runs work on every part in its own goroutine and yields the
// matches as they arrive. The first error cancels the other workers and is
// yielded after the matches already sent, unless the consumer stopped.
func fanOut[T any](ctx context.Context, parts [][]T, stats *Stats, yield func(Match, error) bool,
	work func(ctx context.Context, part []T, w *worker) error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan Match, 4*len(parts))
	workers := make([]*worker, len(parts))

	g, gctx := errgroup.WithContext(ctx)
	for i, part := range parts {
		w := &worker{out: out}
		workers[i] = w
		g.Go(func() error {
			return work(gctx, part, w)
		})
	}

	var waitErr error
	go func() {
		waitErr = g.Wait()
		close(out)
	}()

	stopped := false
	for mt := range out {
		if stopped {
			continue
		}
		stats.Matches++
		if !yield(mt, nil) {
			stopped = true
			cancel()
		}
	}
	for _, w := range workers {
		stats.Scanned += w.scanned
		stats.Skipped += w.skipped
	}
	if waitErr != nil && !stopped {
		yield(Match{}, waitErr)
	}
}

// partition cuts items into at most n contiguous, near-equal parts.
func partition[T any](items []T, n int) [][]T {
	n = min(n, len(items))
	size := (len(items) + n - 1) / n
	parts := make([][]T, 0, n)
	for start := 0; start < len(items); start += size {
		parts = append(parts, items[start:min(start+size, len(items))])
	}
	return parts
}
