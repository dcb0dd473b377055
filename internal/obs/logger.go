// Package obs provides the daemon's ambient observability stack: structured
// logging (log/slog) and distributed tracing (OpenTelemetry), wired the way
// the teacher repo wires its logger package — a package-level default
// configured once at process start, with third-party log records suppressed
// below debug level.
package obs

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

var defaultLogger *slog.Logger

const tenexPackagePrefix = "github.com/tenex-run/tenex"

// ParseLevel converts a string log level to slog.Level. Unknown values fall
// back to Warn rather than erroring, matching the teacher's permissive CLI
// flag parsing.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
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

// filteringHandler suppresses log records whose caller is outside this
// module, unless the configured level is Debug. This keeps relay-library and
// LLM-SDK chatter out of default daemon logs while still being visible when
// debugging.
type filteringHandler struct {
	handler  slog.Handler
	minLevel slog.Level
}

func (h *filteringHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.minLevel && h.handler.Enabled(ctx, level)
}

func (h *filteringHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.minLevel <= slog.LevelDebug || h.fromTenex(record.PC) {
		return h.handler.Handle(ctx, record)
	}
	return nil
}

func (h *filteringHandler) fromTenex(pc uintptr) bool {
	if pc == 0 {
		return true
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return true
	}
	file, _ := fn.FileLine(pc)
	return strings.Contains(fn.Name(), tenexPackagePrefix) || strings.Contains(file, "tenex/")
}

func (h *filteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &filteringHandler{handler: h.handler.WithAttrs(attrs), minLevel: h.minLevel}
}

func (h *filteringHandler) WithGroup(name string) slog.Handler {
	return &filteringHandler{handler: h.handler.WithGroup(name), minLevel: h.minLevel}
}

// Init configures the process-wide default logger. Call once at startup.
func Init(level slog.Level, output *os.File) {
	base := slog.NewTextHandler(output, &slog.HandlerOptions{Level: level})
	defaultLogger = slog.New(&filteringHandler{handler: base, minLevel: level})
	slog.SetDefault(defaultLogger)
}

// Logger returns the process-wide default logger, initializing it at Info
// level to stderr if Init has not yet been called.
func Logger() *slog.Logger {
	if defaultLogger == nil {
		Init(slog.LevelInfo, os.Stderr)
	}
	return defaultLogger
}

// With returns a logger scoped to a project, pre-populated with the
// project_id attribute that every event-pipeline log line carries.
func With(projectID string, kv ...any) *slog.Logger {
	args := append([]any{"project_id", projectID}, kv...)
	return Logger().With(args...)
}
