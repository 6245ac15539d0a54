package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"wikiseek/internal/archive"
	"wikiseek/internal/index"
	"wikiseek/internal/multistream"
	"wikiseek/internal/search"
)

// NewSearchCommand returns the "search" command.
func NewSearchCommand(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search PATTERN",
		Short: "Find pages whose title (and optionally text) matches PATTERN",
		Long: `Search an archive for pages matching PATTERN.

By default the archive's title index is used when a fresh one exists.
Without one, title-only searches of a multistream dump use the page index
published with it (ARCHIVE minus .xml.bz2, plus -index.txt.bz2 or
-index.txt) and decompress only the streams holding candidate pages;
everything else scans the whole archive. --use-index builds the index first
when it is missing or stale, --no-index always scans.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()
			return runSearch(ctx, cmd, args[0], cmd.OutOrStdout(), cmd.ErrOrStderr(), logger)
		},
	}

	cmd.Flags().StringP("archive", "a", "", "dump archive to search (default: config default_archive)")
	cmd.Flags().String("index", "", "index file (default: the archive's index in the home directory)")
	cmd.Flags().String("multistream-index", "", "the dump's multistream page index (default: found next to the archive)")
	cmd.Flags().BoolP("regex", "r", false, "treat PATTERN as a regular expression")
	cmd.Flags().BoolP("case-sensitive", "c", false, "match case exactly")
	cmd.Flags().Bool("content", false, "search page text as well as titles")
	cmd.Flags().Bool("use-index", false, "build the index first if it is missing or stale")
	cmd.Flags().Bool("no-index", false, "ignore any index and scan the whole archive")
	cmd.Flags().Bool("full-text", false, "print the whole cleaned text of each result")
	cmd.Flags().Int("max-preview", 0, "preview length in characters (default: config preview_chars)")
	cmd.Flags().String("output", "", "also write full-text results to FILE")
	cmd.Flags().IntP("workers", "w", 0, "fetch workers for indexed searches (default: config workers)")
	cmd.Flags().StringP("output-format", "o", "text", "output format: text or json")
	cmd.MarkFlagsMutuallyExclusive("use-index", "no-index")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, pattern string, stdout, stderr io.Writer, logger *slog.Logger) error {
	format := outputFormat(cmd)
	if err := validateFormat(format); err != nil {
		return err
	}
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	archivePath, err := e.archivePath(cmd)
	if err != nil {
		return err
	}

	regex, _ := cmd.Flags().GetBool("regex")
	caseSensitive, _ := cmd.Flags().GetBool("case-sensitive")
	content, _ := cmd.Flags().GetBool("content")
	q := search.Query{
		Pattern:        pattern,
		Regex:          regex,
		CaseSensitive:  caseSensitive,
		IncludeContent: content,
	}
	// Reject the pattern before touching the archive or index.
	if _, err := search.NewMatcher(q); err != nil {
		return err
	}

	a, err := archive.Open(archivePath)
	if err != nil {
		return err
	}

	idx, mode, err := e.openIndex(ctx, cmd, a, logger)
	if err != nil {
		return err
	}

	var streams *multistream.Index
	if idx == nil && mode == search.ModeAuto {
		if streams, err = openMultistream(cmd, a, logger); err != nil {
			return err
		}
	}

	eng := search.New(a, idx, search.Options{
		Workers:        intFlag(cmd, "workers", e.cfg.Workers),
		MaxRecordBytes: e.cfg.MaxRecordBytes,
		Multistream:    streams,
		Logger:         logger,
	})
	matches, stats, err := eng.Search(ctx, q, mode)
	if err != nil {
		return err
	}

	var file *resultFile
	if path, _ := cmd.Flags().GetString("output"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		file, err = newResultFile(f, q)
		if err != nil {
			return fmt.Errorf("write output file %s: %w", path, err)
		}
		defer func() { _ = file.Close() }()
	}

	preview := intFlag(cmd, "max-preview", e.cfg.PreviewChars)
	if full, _ := cmd.Flags().GetBool("full-text"); full {
		preview = 0
	}
	label := "Text Preview (cleaned)"
	if preview == 0 {
		label = "Full Text (cleaned)"
	}

	var (
		lines   []summaryLine
		results []result
	)
	n := 0
	for m, err := range matches {
		if err != nil {
			return err
		}
		n++
		if file != nil {
			if err := file.write(newResult(n, m, 0)); err != nil {
				return fmt.Errorf("write output file: %w", err)
			}
		}
		r := newResult(n, m, preview)
		if format == "json" {
			results = append(results, r)
			continue
		}
		if err := writeBlock(stdout, r, label); err != nil {
			return err
		}
		lines = append(lines, summaryLine{Title: r.Title, Occurrences: r.Occurrences})
	}

	if stats.Skipped > 0 {
		_, _ = fmt.Fprintf(stderr, "warning: skipped %d malformed records\n", stats.Skipped)
	}

	if format == "json" {
		return newPrinter(format, stdout).json(searchOutput{
			Query:   q,
			Mode:    stats.Mode.String(),
			Results: results,
			Scanned: stats.Scanned,
			Skipped: stats.Skipped,
			Elapsed: stats.Elapsed.String(),
		})
	}
	return writeSummary(stdout, q, lines, stats)
}

type searchOutput struct {
	Query   search.Query `json:"query"`
	Mode    string       `json:"mode"`
	Results []result     `json:"results"`
	Scanned int          `json:"scanned"`
	Skipped int          `json:"skipped"`
	Elapsed string       `json:"elapsed"`
}

// openIndex picks the index and search mode for the --use-index and
// --no-index flags. Without either, a missing or stale index is not an
// error: the search falls back to a full scan.
func (e env) openIndex(ctx context.Context, cmd *cobra.Command, a *archive.Archive, logger *slog.Logger) (*index.Reader, search.Mode, error) {
	if noIndex, _ := cmd.Flags().GetBool("no-index"); noIndex {
		return nil, search.ModeFullScan, nil
	}

	indexPath, _ := cmd.Flags().GetString("index")
	if indexPath == "" {
		p, err := e.indexPath(a.Path())
		if err != nil {
			return nil, 0, err
		}
		indexPath = p
	}

	if useIndex, _ := cmd.Flags().GetBool("use-index"); useIndex {
		helper := index.NewBuildHelper(index.NewBuilder(e.cfg.MaxRecordBytes, logger), logger)
		r, _, err := helper.EnsureIndex(ctx, a, indexPath, false)
		if err != nil {
			return nil, 0, err
		}
		return r, search.ModeIndexed, nil
	}

	r, err := index.Open(indexPath, a)
	switch {
	case err == nil:
		return r, search.ModeIndexed, nil
	case errors.Is(err, index.ErrStale):
		logger.Warn("index is stale, run 'wikiseek index build' to refresh it", "index", indexPath)
		return nil, search.ModeAuto, nil
	case errors.Is(err, index.ErrUnreadable):
		logger.Debug("no usable index", "index", indexPath, "error", err)
		return nil, search.ModeAuto, nil
	}
	return nil, 0, err
}

// openMultistream loads the dump's own page index, named by
// --multistream-index or found next to the archive. A missing or unreadable
// index found by name is not an error; the search scans instead.
func openMultistream(cmd *cobra.Command, a *archive.Archive, logger *slog.Logger) (*multistream.Index, error) {
	path, _ := cmd.Flags().GetString("multistream-index")
	explicit := path != ""
	if explicit && a.Format() != archive.FormatBzip2 {
		return nil, fmt.Errorf("--multistream-index needs a bzip2 archive, %s is %s", a.Path(), a.Format())
	}
	if !explicit {
		if a.Format() != archive.FormatBzip2 {
			return nil, nil
		}
		p, ok := multistream.Find(a.Path())
		if !ok {
			return nil, nil
		}
		path = p
	}

	x, err := multistream.Open(path)
	if err != nil {
		if explicit {
			return nil, err
		}
		logger.Warn("ignoring multistream index", "error", err)
		return nil, nil
	}
	logger.Info("using multistream index", "index", path, "pages", x.Len(), "streams", len(x.Blocks()))
	return x, nil
}
