package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var levelVar = new(slog.LevelVar)

// L is the process-wide logger. Packages log through it with key/value pairs.
var L = newLogger(os.Stdout, "json")

func newLogger(w io.Writer, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: levelVar}
	if strings.ToLower(format) == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// SetLevel configures the global log level (debug, info, warn, error).
func SetLevel(lvl string) {
	switch strings.ToLower(lvl) {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
}

// SetFormat swaps the handler of L between json (default) and text output.
// Call it once at startup, before any goroutine logs.
func SetFormat(format string) {
	L = newLogger(os.Stdout, format)
}

// SetOutput redirects L to w, keeping the configured level. Used by tests.
func SetOutput(w io.Writer, format string) {
	L = newLogger(w, format)
}
