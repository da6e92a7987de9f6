package logger

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// New returns a JSON slog.Logger configured for the given service name.
// With dev set, log output switches to a colorized console handler.
func New(service string, level slog.Level, dev bool) *slog.Logger {
	var h slog.Handler
	if dev {
		h = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		h = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(h).With("service", service)
}
