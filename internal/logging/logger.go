// Package logging builds the slog handler used by athena-dhcp6d.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// LevelTrace is below debug and covers per-message logging in the request path.
const LevelTrace = slog.Level(-8)

// Setup installs and returns the default logger. format is "json" (the
// default) or "text"; a nil output means stdout.
func Setup(level, format string, output io.Writer) *slog.Logger {
	if output == nil {
		output = os.Stdout
	}
	opts := &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: replaceAttr,
	}

	var h slog.Handler = slog.NewJSONHandler(output, opts)
	if strings.EqualFold(format, "text") {
		h = slog.NewTextHandler(output, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a configured level name to a slog level. Unknown names
// fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// replaceAttr writes timestamps in UTC and names the trace level.
func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return a
	}
	switch a.Key {
	case slog.TimeKey:
		if t, ok := a.Value.Any().(time.Time); ok {
			a.Value = slog.TimeValue(t.UTC())
		}
	case slog.LevelKey:
		if l, ok := a.Value.Any().(slog.Level); ok && l <= LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}
