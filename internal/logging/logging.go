// Package logging builds the slog loggers used by the daemon and the CLI and
// tags them with run identity.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Log output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Options configure a logger.
type Options struct {
	Level  slog.Level
	Format string // FormatText or FormatJSON; anything else means text
	// AddSource records the caller's file and line. Set for debug output.
	AddSource bool
}

// NewLogger creates a logger on stderr; stdout is left to command output.
// Debug level adds source positions.
func NewLogger(level slog.Level, format string) *slog.Logger {
	return New(os.Stderr, Options{Level: level, Format: format, AddSource: level <= slog.LevelDebug})
}

// New creates a logger writing to w.
func New(w io.Writer, o Options) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       o.Level,
		AddSource:   o.AddSource,
		ReplaceAttr: replaceAttr,
	}
	if strings.EqualFold(o.Format, FormatJSON) {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// replaceAttr renders durations as "1.5s" instead of nanosecond integers
// so text and JSON output agree.
func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindDuration {
		return slog.String(a.Key, a.Value.Duration().Round(time.Millisecond).String())
	}
	return a
}

// ParseLevel converts a level name such as "debug" or "warn+2" to a
// slog.Level. "warning" is accepted. Unrecognized values give info.
func ParseLevel(s string) slog.Level {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "warning") {
		s = "warn"
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
