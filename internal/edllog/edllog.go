// Package edllog centralizes log/slog setup so every EDLgen component logs
// through a logger tagged with its own component name, the way the teacher
// narrows a base logger with .With at each collaborator boundary.
package edllog

import (
	"io"
	"log/slog"
)

// New builds the process-wide base logger. Handler output is structured
// text by default; callers running under a terminal may prefer this over
// JSON for local development, matching the teacher's plain-text console
// logging.
func New(w io.Writer, level slog.Level) *slog.Logger {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}

// Component returns base narrowed with a component tag. Every constructor
// in internal/* takes a *slog.Logger built this way instead of reaching for
// slog.Default(), so tests can inject a discard logger.
func Component(base *slog.Logger, name string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With("component", name)
}
