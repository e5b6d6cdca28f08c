package logging

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/S1riyS/os-course-lab-4/kcore/pkg/logging/slogpretty"
	"github.com/lmittmann/tint"
)

const (
	FormatPretty = "pretty"
	FormatTint   = "tint"
	FormatJSON   = "json"
)

// New builds the process-wide logger. Unknown formats fall back to pretty and
// unknown levels to debug.
func New(out io.Writer, format string, level string) *slog.Logger {
	lvl := parseLevel(level)

	var handler slog.Handler
	switch strings.ToLower(format) {
	case FormatJSON:
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lvl})
	case FormatTint:
		handler = tint.NewHandler(out, &tint.Options{
			Level:      lvl,
			TimeFormat: time.Kitchen,
		})
	default:
		opts := slogpretty.PrettyHandlerOptions{
			SlogOpts: &slog.HandlerOptions{Level: lvl},
		}
		handler = opts.NewPrettyHandler(out)
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}
