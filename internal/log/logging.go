package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// LevelTrace is below slog.LevelDebug for the packet/byte-level detail
// RawLogger would otherwise duplicate through the structured logger.
const LevelTrace = slog.Level(-8)

// Config controls SetupLogger. Level names are case-insensitive: trace,
// debug, info, warn, error.
type Config struct {
	Level string `kong:"default='info',help='minimum log level (trace, debug, info, warn, error)'"`
	JSON  bool   `kong:"help='force JSON log output even on a terminal'"`
}

// SetupLogger builds the process-wide slog.Logger per cfg. Output goes to
// w; JSON is used when cfg.JSON is set or when w is an *os.File that is not
// a terminal, and a human-readable text handler otherwise (a terminal, or a
// writer that is not an *os.File) — mirroring how a server behaves
// differently run interactively versus under a supervisor that captures
// structured logs.
func SetupLogger(cfg Config, w io.Writer) *slog.Logger {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}

	useJSON := cfg.JSON
	if !useJSON {
		if f, ok := w.(*os.File); ok {
			useJSON = !term.IsTerminal(int(f.Fd()))
		}
	}

	var handler slog.Handler
	if useJSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MultiHandler fans a single slog record out to every handler in Handlers,
// used to write human-readable output to the terminal while also feeding a
// JSON copy to a log file.
type MultiHandler struct {
	Handlers []slog.Handler
}

func (m MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.Handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.Handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(m.Handlers))
	for i, h := range m.Handlers {
		out[i] = h.WithAttrs(attrs)
	}
	return MultiHandler{Handlers: out}
}

func (m MultiHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(m.Handlers))
	for i, h := range m.Handlers {
		out[i] = h.WithGroup(name)
	}
	return MultiHandler{Handlers: out}
}

// LevelFilter wraps a handler and drops records below Min. A record passes
// only if it is at or above Min and the wrapped handler also enables its
// level, so Min can raise the wrapped handler's minimum but not lower it.
type LevelFilter struct {
	Handler slog.Handler
	Min     slog.Level
}

func (f LevelFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= f.Min && f.Handler.Enabled(ctx, level)
}

func (f LevelFilter) Handle(ctx context.Context, r slog.Record) error {
	return f.Handler.Handle(ctx, r)
}

func (f LevelFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return LevelFilter{Handler: f.Handler.WithAttrs(attrs), Min: f.Min}
}

func (f LevelFilter) WithGroup(name string) slog.Handler {
	return LevelFilter{Handler: f.Handler.WithGroup(name), Min: f.Min}
}
