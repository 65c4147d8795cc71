package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the global slog logger.
// In production (ENVIRONMENT=production) it uses JSON output for log aggregation.
// Otherwise it uses the human-readable text handler.
func Init() {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}

	slog.SetDefault(slog.New(handler))
}

// WithSession returns a logger with session identity fields attached.
// Use this for all logging within a single ingest call.
func WithSession(machineID, day string) *slog.Logger {
	return slog.With(
		"machine_id", machineID,
		"day", day,
	)
}

// WithTransport tags a logger with the transport a reading arrived on (http, mqtt).
func WithTransport(logger *slog.Logger, transport string) *slog.Logger {
	return logger.With("transport", transport)
}
