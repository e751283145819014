package logging_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/charmbracelet/log"

	"migratory/internal/logging"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]log.Level{
		"debug":   log.DebugLevel,
		"WARNING": log.WarnLevel,
		"error":   log.ErrorLevel,
		"":        log.InfoLevel,
		"bogus":   log.InfoLevel,
	}
	for in, want := range cases {
		if got := logging.ParseLevel(in); got != want {
			t.Fatalf("%q: got %v want %v", in, got, want)
		}
	}
}

func TestNewFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := logging.New(&buf, "warn")
	l.Info("hidden")
	l.Warn("shown", "job", "j1")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") || !strings.Contains(out, "job=j1") {
		t.Fatalf("unexpected output %q", out)
	}
}
