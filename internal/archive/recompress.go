package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	seekable "github.com/SaveTheRbtz/zstd-seekable-format-go/pkg"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/time/rate"

	"wikiseek/internal/logging"
)

// DefaultFrameSize is the uncompressed frame size used by Recompress.
// Each frame is compressed independently, so an indexed lookup decompresses
// at most one or two frames per page.
const DefaultFrameSize = 1 << 20 // 1 MiB

// Recompress streams src through seekable zstd compression into dst,
// atomically replacing dst via temp-file-then-rename. The source is read in
// frameSize chunks so only one frame buffer is live at a time.
func Recompress(ctx context.Context, src *Archive, dst string, frameSize int, logger *slog.Logger) error {
	logger = logging.Default(logger).With("component", "archive", "src", src.Path(), "dst", dst)
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}

	in, err := src.Stream(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	dir := filepath.Dir(dst)
	tmp, err := os.CreateTemp(dir, ".recompress-*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		cleanup()
		return err
	}
	defer func() { _ = enc.Close() }()

	sw, err := seekable.NewWriter(tmp, enc)
	if err != nil {
		cleanup()
		return err
	}

	logger.Info("recompress started", "format", src.Format(), "frame_size", frameSize)
	progress := rate.Sometimes{Interval: 10 * time.Second}
	buf := make([]byte, frameSize)
	for {
		n, err := io.ReadFull(in, buf)
		if n > 0 {
			if _, werr := sw.Write(buf[:n]); werr != nil {
				cleanup()
				return fmt.Errorf("write frame: %w", werr)
			}
		}
		var ae *Error
		if err != nil && !errors.As(err, &ae) &&
			(errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
			break
		}
		if err != nil {
			cleanup()
			return err
		}
		progress.Do(func() {
			logger.Info("recompress progress", "decompressed_bytes", in.Offset())
		})
	}
	if err := sw.Close(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	logger.Info("recompress finished", "decompressed_bytes", in.Offset())
	return nil
}
