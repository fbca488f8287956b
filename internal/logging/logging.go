// Package logging builds the process logger.
package logging

import (
	"io"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
)

// New returns a logger writing to w. format "json" selects slog's JSON
// handler; anything else gets the colorized tint text handler.
func New(w io.Writer, level slog.Level, format string) *slog.Logger {
	if format == "json" {
		h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
		return slog.New(h).With("app", "obdlink")
	}
	h := tint.NewHandler(w, &tint.Options{
		Level:      level,
		AddSource:  level == slog.LevelDebug,
		TimeFormat: time.Kitchen,
	})
	return slog.New(h)
}
