// Package koilog wraps log/slog with the level-filtering and colour
// handling the runtime needs: third-party noise is only surfaced at debug,
// and TTY output gets a coloured-by-level text format.
package koilog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

const koiPackagePrefix = "github.com/koirun/koi"

// ParseLevel converts a string log level to slog.Level. Unknown values fall
// back to warn rather than erroring, since this is almost always fed from an
// environment variable the user may have mistyped.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// filteringHandler drops non-koi log records whenever the minimum level is
// above debug, so dependency libraries don't flood an interactive session.
type filteringHandler struct {
	handler  slog.Handler
	minLevel slog.Level
}

func (h *filteringHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level < h.minLevel {
		return false
	}
	return h.handler.Enabled(ctx, level)
}

func (h *filteringHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.minLevel <= slog.LevelDebug || isKoiPackage(record.PC) {
		return h.handler.Handle(ctx, record)
	}
	return nil
}

func (h *filteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &filteringHandler{handler: h.handler.WithAttrs(attrs), minLevel: h.minLevel}
}

func (h *filteringHandler) WithGroup(name string) slog.Handler {
	return &filteringHandler{handler: h.handler.WithGroup(name), minLevel: h.minLevel}
}

func isKoiPackage(pc uintptr) bool {
	if pc == 0 {
		return false
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return false
	}
	file, _ := fn.FileLine(pc)
	return strings.Contains(fn.Name(), koiPackagePrefix) || strings.Contains(file, "/koi/")
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "\033[31m"
	case level >= slog.LevelWarn:
		return "\033[33m"
	case level >= slog.LevelInfo:
		return "\033[36m"
	default:
		return "\033[90m"
	}
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// coloredTextHandler adds ANSI colour by level to slog's TextHandler output
// when writing to a terminal.
type coloredTextHandler struct {
	handler slog.Handler
	out     io.Writer
	colored bool
}

func (h *coloredTextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *coloredTextHandler) Handle(ctx context.Context, record slog.Record) error {
	if !h.colored {
		return h.handler.Handle(ctx, record)
	}
	color := levelColor(record.Level)
	reset := "\033[0m"
	io.WriteString(h.out, color)
	err := h.handler.Handle(ctx, record)
	io.WriteString(h.out, reset)
	return err
}

func (h *coloredTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &coloredTextHandler{handler: h.handler.WithAttrs(attrs), out: h.out, colored: h.colored}
}

func (h *coloredTextHandler) WithGroup(name string) slog.Handler {
	return &coloredTextHandler{handler: h.handler.WithGroup(name), out: h.out, colored: h.colored}
}

// Options configures New.
type Options struct {
	Level     string
	LogFile   string // KOI_LOG_FILE: append-only JSON sink
	Out       io.Writer
}

// New builds the root logger: a coloured text handler for interactive
// output, fanned out to a JSON file handler when LogFile is set.
func New(opts Options) *slog.Logger {
	level := ParseLevel(opts.Level)
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	var handlers []slog.Handler

	textBase := slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	colored := false
	if f, ok := out.(*os.File); ok {
		colored = isTerminal(f)
	}
	handlers = append(handlers, &filteringHandler{
		handler:  &coloredTextHandler{handler: textBase, out: out, colored: colored},
		minLevel: level,
	})

	if opts.LogFile != "" {
		if f, err := os.OpenFile(opts.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
			jsonHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level})
			handlers = append(handlers, &filteringHandler{handler: jsonHandler, minLevel: level})
		}
	}

	if len(handlers) == 1 {
		return slog.New(handlers[0])
	}
	return slog.New(&multiHandler{handlers: handlers})
}

// multiHandler fans a record out to every wrapped handler.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		out[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: out}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		out[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: out}
}
