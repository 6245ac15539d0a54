package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"wikiseek/internal/archive"
)

// NewRecompressCommand returns the "recompress" command.
func NewRecompressCommand(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recompress SRC DST",
		Short: "Convert an archive to seekable zstd",
		Long: `Convert any supported archive (bzip2, zstd, plain XML) into the seekable
zstd format. Indexed searches against the result decompress only the frames
holding the pages they fetch. The new archive needs its own index.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()

			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			frameSize := intFlag(cmd, "frame-size", e.cfg.FrameSize)

			src, err := archive.Open(args[0])
			if err != nil {
				return err
			}
			if err := archive.Recompress(ctx, src, args[1], frameSize, logger); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s -> %s)\n", args[1], src.Format(), archive.FormatSeekableZstd)
			return nil
		},
	}
	cmd.Flags().Int("frame-size", 0, "uncompressed bytes per frame (default: config frame_size)")
	return cmd
}
