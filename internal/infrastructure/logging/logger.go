package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/gray-logic-knxip/internal/infrastructure/config"
)

// Logger is a slog.Logger tagged with the binary's name and version. Its
// Debug/Info/Warn/Error methods satisfy the Logger interfaces declared by
// the bridge, broker and supervisor packages. Safe for concurrent use.
type Logger struct {
	*slog.Logger
}

// New writes to stdout, or stderr when cfg.Output says so.
func New(cfg config.LoggingConfig, service, version string) *Logger {
	var out io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		out = os.Stderr
	}
	return NewWithWriter(out, cfg, service, version)
}

// NewWithWriter is New with an explicit destination. Format "text" gives
// key=value lines for a terminal; anything else gives JSON.
func NewWithWriter(w io.Writer, cfg config.LoggingConfig, service, version string) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	}
	return &Logger{slog.New(h).With("service", service, "version", version)}
}

// parseLevel maps a config level name to slog. Unknown names mean info.
func parseLevel(name string) slog.Level {
	levels := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	if lvl, ok := levels[strings.ToLower(name)]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// With returns a child logger carrying extra attributes, typically
// "component".
func (l *Logger) With(args ...any) *Logger {
	return &Logger{l.Logger.With(args...)}
}
