package logging

import (
	"io"
	"log/slog"
	"os"
)

// New returns the process logger: JSON in production, text everywhere else.
func New(env string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	if env == "production" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
