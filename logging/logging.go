// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"strings"

	"github.com/DavidGasparyan/phishing-simulator/utils"
)

// New builds a logger writing to w. format is "json" or "text"; level is
// one of debug, info, warn, error (default info).
func New(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: redact,
	}

	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// Setup installs the logger as the slog default and returns it.
func Setup(w io.Writer, format, level string) *slog.Logger {
	logger := New(w, format, level)
	slog.SetDefault(logger)
	return logger
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// redact masks recipient addresses in any attribute whose key mentions email.
func redact(_ []string, a slog.Attr) slog.Attr {
	if !strings.Contains(strings.ToLower(a.Key), "email") {
		return a
	}

	switch v := a.Value.Any().(type) {
	case string:
		return slog.String(a.Key, utils.MaskEmail(v))
	case []string:
		masked := make([]string, len(v))
		for i, s := range v {
			masked[i] = utils.MaskEmail(s)
		}
		return slog.Any(a.Key, masked)
	}
	return a
}
