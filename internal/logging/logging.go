package logging

import (
	"io"
	"strings"

	"github.com/charmbracelet/log"
)

// ParseLevel maps a config level name to a log level. Unknown names fall back to info.
func ParseLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

// New returns a structured logger writing to w.
func New(w io.Writer, level string) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		Level:           ParseLevel(level),
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
	})
}

// Nop discards everything.
func Nop() *log.Logger {
	return log.New(io.Discard)
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l *log.Logger) *log.Logger {
	if l == nil {
		return Nop()
	}
	return l
}
