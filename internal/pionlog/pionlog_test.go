package pionlog

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestLeveledLoggerWritesScopedLines(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	logger := NewFactory(base).NewLogger("ice")
	logger.Info("connected")
	logger.Warnf("retry %d", 3)

	out := buf.String()
	if !strings.Contains(out, "pion_scope=ice") {
		t.Fatalf("missing scope attribute: %s", out)
	}
	if !strings.Contains(out, "connected") || !strings.Contains(out, "retry 3") {
		t.Fatalf("missing expected log lines: %s", out)
	}
}

func TestNewFactoryFallsBackToDefaultLogger(t *testing.T) {
	f := NewFactory(nil)
	if f.base == nil {
		t.Fatal("expected a non-nil default base logger")
	}
}
