package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNew_Logfmt(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "debug", "logfmt", "tfsync")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Debug("change group saved", "change_group_id", 7)

	out := buf.String()
	if !strings.Contains(out, "change_group_id=7") || !strings.Contains(out, "prefix=tfsync") {
		t.Errorf("Unexpected logfmt output: %q", out)
	}
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "warn", "", "")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("Expected info to be filtered, got %q", buf.String())
	}
}

func TestNew_Invalid(t *testing.T) {
	if _, err := New(nil, "loud", "", ""); err == nil {
		t.Error("Expected error for unknown level")
	}
	if _, err := New(nil, "info", "xml", ""); err == nil {
		t.Error("Expected error for unknown format")
	}
}
