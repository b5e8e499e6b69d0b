package logging

import (
	"io"
	"log/slog"

	"github.com/lmittmann/tint"
)

// New returns a colored text logger writing to w and makes it the default.
func New(w io.Writer, level slog.Level) *slog.Logger {
	logger := slog.New(
		tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05",
		}),
	)
	slog.SetDefault(logger)
	return logger
}
