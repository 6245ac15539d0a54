// Package watch rebuilds derived state when an archive file is replaced.
//
// The watch is placed on the archive's directory rather than the file:
// dumps are usually replaced by renaming a finished download over the old
// name, which a watch on the old inode would never see.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"wikiseek/internal/logging"
)

// DefaultQuiet is how long the archive must go without events before
// onChange runs. Large downloads write continuously; building against a
// half-written file would only be thrown away.
const DefaultQuiet = 5 * time.Second

// Watcher calls onChange after the watched file is created, written or
// renamed into place, once events have stopped for the quiet period.
type Watcher struct {
	path     string
	quiet    time.Duration
	onChange func(context.Context) error
	logger   *slog.Logger
}

// New returns a watcher for path. quiet <= 0 uses DefaultQuiet.
func New(path string, quiet time.Duration, onChange func(context.Context) error, logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	if quiet <= 0 {
		quiet = DefaultQuiet
	}
	return &Watcher{
		path:     abs,
		quiet:    quiet,
		onChange: onChange,
		logger:   logging.Default(logger).With("component", "watch", "path", abs),
	}, nil
}

// Run watches until ctx is cancelled. Errors from onChange are logged and
// the watch continues; only failing to start the watch is returned.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %q: %w", dir, err)
	}
	w.logger.Info("watching archive")

	timer := time.NewTimer(w.quiet)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			w.logger.Debug("archive event", "op", ev.Op.String())
			timer.Reset(w.quiet)
		case <-timer.C:
			w.logger.Info("archive changed")
			if err := w.onChange(ctx); err != nil {
				w.logger.Error("rebuild after archive change failed", "error", err)
			}
		}
	}
}
