package logger

import (
	"log/slog"
	"os"
)

// New returns the structured logger the service logs through. JSON on
// stdout; collectors take it from there.
func New() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}
