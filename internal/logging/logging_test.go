package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewHonoursLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "warn", "logfmt")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Info("hidden")
	logger.Warn("slow client", "conn_id", "c1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered at warn level: %q", out)
	}
	if !strings.Contains(out, "conn_id=c1") {
		t.Fatalf("expected logfmt key/value pair, got %q", out)
	}
}

func TestNewRejectsUnknownSettings(t *testing.T) {
	if _, err := New(nil, "loud", "text"); err == nil {
		t.Fatal("expected unknown level to fail")
	}
	if _, err := New(nil, "info", "xml"); err == nil {
		t.Fatal("expected unknown format to fail")
	}
}
