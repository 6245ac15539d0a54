// Package logging provides utilities for structured logging across wikiseek.
//
// Design principles:
//   - Logging is dependency-injected, never global
//   - Each component owns its own scoped logger ("component" attribute)
//   - If no logger is provided, a discard logger is used
//
// Global configuration (output format, level, destination) belongs only in
// main(). Components must never call slog.SetDefault.
//
// Logging is intentionally sparse: archive scans visit millions of pages, so
// nothing logs per record. Lifecycle boundaries, skipped records and
// rate-limited progress lines are the intended log points.
package logging

import (
	"context"
	"log/slog"
	"sync"
)

// discardHandler is a handler that discards all log records.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that discards all output.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns the provided logger if non-nil, otherwise a discard logger.
//
//	func NewScanner(logger *slog.Logger) *Scanner {
//	    logger = logging.Default(logger)
//	    return &Scanner{logger: logger.With("component", "pagexml")}
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// ComponentFilterHandler filters records by the level configured for their
// "component" attribute, falling back to a default level. Levels can be
// changed at runtime (the CLI uses it for --debug-component).
type ComponentFilterHandler struct {
	next     slog.Handler
	state    *filterState
	preAttrs []slog.Attr
}

type filterState struct {
	mu           sync.RWMutex
	defaultLevel slog.Level
	levels       map[string]slog.Level
}

// NewComponentFilterHandler wraps next. next should accept every level; the
// filtering happens here.
func NewComponentFilterHandler(next slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	return &ComponentFilterHandler{
		next: next,
		state: &filterState{
			defaultLevel: defaultLevel,
			levels:       make(map[string]slog.Level),
		},
	}
}

// SetLevel sets the minimum level for a component.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	h.state.mu.Lock()
	h.state.levels[component] = level
	h.state.mu.Unlock()
}

// Level returns the effective level for a component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	h.state.mu.RLock()
	defer h.state.mu.RUnlock()
	if l, ok := h.state.levels[component]; ok {
		return l
	}
	return h.state.defaultLevel
}

// SetDefaultLevel changes the level used for components without an override.
func (h *ComponentFilterHandler) SetDefaultLevel(level slog.Level) {
	h.state.mu.Lock()
	h.state.defaultLevel = level
	h.state.mu.Unlock()
}

// Enabled reports true when any component could log at level; the precise
// decision needs the record's attributes and is made in Handle.
func (h *ComponentFilterHandler) Enabled(_ context.Context, level slog.Level) bool {
	h.state.mu.RLock()
	defer h.state.mu.RUnlock()
	if level >= h.state.defaultLevel {
		return true
	}
	for _, l := range h.state.levels {
		if level >= l {
			return true
		}
	}
	return false
}

func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	component := componentOf(h.preAttrs)
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = a.Value.String()
			return false
		}
		return true
	})
	if r.Level < h.Level(component) {
		return nil
	}
	if h.next == nil {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	pre := make([]slog.Attr, 0, len(h.preAttrs)+len(attrs))
	pre = append(pre, h.preAttrs...)
	pre = append(pre, attrs...)
	var next slog.Handler
	if h.next != nil {
		next = h.next.WithAttrs(attrs)
	}
	return &ComponentFilterHandler{next: next, state: h.state, preAttrs: pre}
}

func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	var next slog.Handler
	if h.next != nil {
		next = h.next.WithGroup(name)
	}
	return &ComponentFilterHandler{next: next, state: h.state, preAttrs: h.preAttrs}
}

func componentOf(attrs []slog.Attr) string {
	for i := len(attrs) - 1; i >= 0; i-- {
		if attrs[i].Key == "component" {
			return attrs[i].Value.String()
		}
	}
	return ""
}
