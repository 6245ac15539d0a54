package index

import (
	"context"
	"errors"
	"log/slog"

	"wikiseek/internal/archive"
	"wikiseek/internal/callgroup"
	"wikiseek/internal/logging"
)

// BuildHelper opens indexes, building them first when they are missing or
// stale. Concurrent requests for the same index path share one build.
type BuildHelper struct {
	builder *Builder
	group   callgroup.Group[string, BuildResult]
	logger  *slog.Logger
}

func NewBuildHelper(builder *Builder, logger *slog.Logger) *BuildHelper {
	return &BuildHelper{
		builder: builder,
		logger:  logging.Default(logger).With("component", "index"),
	}
}

// EnsureIndex returns a reader for the index of a at indexPath. An index
// whose fingerprint matches is used as is unless force is set; otherwise
// it is (re)built. built reports whether this call waited on a build.
//
// If a build for indexPath is already in flight the call joins it. When
// the caller's context is cancelled while waiting, EnsureIndex returns the
// context error and the build carries on for the other callers.
func (h *BuildHelper) EnsureIndex(ctx context.Context, a *archive.Archive, indexPath string, force bool) (r *Reader, built bool, err error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if !force && !h.group.InFlight(indexPath) {
		r, err := Open(indexPath, a)
		if err == nil {
			return r, false, nil
		}
		if !errors.Is(err, ErrStale) && !errors.Is(err, ErrUnreadable) {
			return nil, false, err
		}
		h.logger.Info("index needs rebuild", "index", indexPath, "reason", err)
	}

	ch := h.group.DoChan(indexPath, func() (BuildResult, error) {
		// Detach from the initiator's context so that cancelling one
		// caller does not abort the shared build.
		return h.builder.Build(context.WithoutCancel(ctx), a.Path(), indexPath)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		r, err := Open(indexPath, a)
		return r, true, err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}
