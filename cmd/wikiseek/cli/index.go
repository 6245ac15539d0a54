package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"wikiseek/internal/archive"
	"wikiseek/internal/index"
	"wikiseek/internal/watch"
)

// NewIndexCommand returns the "index" command with its subcommands.
func NewIndexCommand(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build and inspect title indexes",
	}
	cmd.PersistentFlags().StringP("output-format", "o", "text", "output format: text or json")
	cmd.AddCommand(
		newIndexBuildCmd(logger),
		newIndexInfoCmd(),
		newIndexWatchCmd(logger),
	)
	return cmd
}

func newIndexBuildCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build ARCHIVE_GLOB...",
		Short: "Build the title index for each matching archive",
		Long: `Build the title index for each archive matching the given patterns.
Patterns support ** (e.g. 'dumps/**/*-multistream.xml.bz2'). Archives whose
index is already fresh are skipped unless --force is given.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()

			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			paths, err := expandArchives(args)
			if err != nil {
				return err
			}
			force, _ := cmd.Flags().GetBool("force")

			helper := index.NewBuildHelper(index.NewBuilder(e.cfg.MaxRecordBytes, logger), logger)
			var summaries []buildSummary
			for _, path := range paths {
				s, err := e.ensureIndex(ctx, helper, path, force)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				summaries = append(summaries, s)
			}

			p := newPrinter(outputFormat(cmd), cmd.OutOrStdout())
			if p.isJSON() {
				return p.json(summaries)
			}
			var rows [][]string
			for _, s := range summaries {
				status := "fresh"
				if s.Built {
					status = "built"
				}
				rows = append(rows, []string{s.Archive, strconv.Itoa(s.Entries), status, s.Index})
			}
			p.table([]string{"ARCHIVE", "ENTRIES", "STATUS", "INDEX"}, rows)
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "rebuild even when the index is fresh")
	return cmd
}

type buildSummary struct {
	Archive string `json:"archive"`
	Index   string `json:"index"`
	Entries int    `json:"entries"`
	Built   bool   `json:"built"`
}

func (e env) ensureIndex(ctx context.Context, helper *index.BuildHelper, path string, force bool) (buildSummary, error) {
	a, err := archive.Open(path)
	if err != nil {
		return buildSummary{}, err
	}
	indexPath, err := e.indexPath(a.Path())
	if err != nil {
		return buildSummary{}, err
	}
	r, built, err := helper.EnsureIndex(ctx, a, indexPath, force)
	if err != nil {
		return buildSummary{}, err
	}
	return buildSummary{Archive: path, Index: indexPath, Entries: r.Len(), Built: built}, nil
}

// expandArchives resolves glob patterns to archive paths. A pattern
// without glob syntax names a file directly, so a missing archive is
// reported as such instead of as an empty match.
func expandArchives(patterns []string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	for _, pattern := range patterns {
		if !doublestar.ValidatePathPattern(pattern) {
			return nil, fmt.Errorf("invalid pattern %q", pattern)
		}
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("expand %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			if hasMeta(pattern) {
				return nil, fmt.Errorf("no archives match %q", pattern)
			}
			matches = []string{pattern}
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out, nil
}

func hasMeta(pattern string) bool {
	for i := range len(pattern) {
		switch pattern[i] {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}

func newIndexInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info ARCHIVE",
		Short: "Show the index of an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			a, err := archive.Open(args[0])
			if err != nil {
				return err
			}
			indexPath, err := e.indexPath(a.Path())
			if err != nil {
				return err
			}
			info, err := index.ReadInfo(indexPath)
			if err != nil {
				return err
			}
			fp, err := a.Fingerprint()
			if err != nil {
				return err
			}
			fresh := info.Meta.Fingerprint.Matches(fp)

			p := newPrinter(outputFormat(cmd), cmd.OutOrStdout())
			if p.isJSON() {
				return p.json(indexInfoOutput{Info: info, Fresh: fresh})
			}
			p.kv(indexInfoPairs(info, fresh))
			return nil
		},
	}
}

type indexInfoOutput struct {
	index.Info
	Fresh bool `json:"fresh"`
}

func indexInfoPairs(info index.Info, fresh bool) [][2]string {
	status := "fresh"
	if !fresh {
		status = "stale"
	}
	return [][2]string{
		{"Index", info.Path},
		{"Archive", info.Meta.Archive},
		{"Format", info.Meta.Format},
		{"Status", status},
		{"Entries", strconv.Itoa(info.Entries)},
		{"Records", strconv.Itoa(info.Meta.Records)},
		{"Duplicates", strconv.Itoa(info.Meta.Duplicates)},
		{"Skipped", strconv.Itoa(info.Meta.Skipped)},
		{"Blocks", strconv.Itoa(info.Blocks)},
		{"Size", strconv.FormatInt(info.Size, 10)},
		{"Fingerprint", info.Meta.Fingerprint.String()},
	}
}

func newIndexWatchCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch ARCHIVE",
		Short: "Keep an archive's index fresh, rebuilding when the file is replaced",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()

			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			quiet, _ := cmd.Flags().GetDuration("quiet")
			helper := index.NewBuildHelper(index.NewBuilder(e.cfg.MaxRecordBytes, logger), logger)
			path := args[0]

			rebuild := func(ctx context.Context) error {
				s, err := e.ensureIndex(ctx, helper, path, false)
				if err != nil {
					return err
				}
				if s.Built {
					logger.Info("index rebuilt", "archive", s.Archive, "index", s.Index, "entries", s.Entries)
				}
				return nil
			}
			if err := rebuild(ctx); err != nil {
				return err
			}

			w, err := watch.New(path, quiet, rebuild, logger)
			if err != nil {
				return err
			}
			return w.Run(ctx)
		},
	}
	cmd.Flags().Duration("quiet", watch.DefaultQuiet, "how long the archive must be unchanged before rebuilding")
	return cmd
}
