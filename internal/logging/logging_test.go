package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNew_ServiceField(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "debug", Service: "syncserver", Writer: &buf})

	logger.Info().Str("component", "test").Msg("hello")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["service"] != "syncserver" {
		t.Errorf("service = %v, want syncserver", entry["service"])
	}
	if entry["component"] != "test" {
		t.Errorf("component = %v, want test", entry["component"])
	}
	if entry["message"] != "hello" {
		t.Errorf("message = %v, want hello", entry["message"])
	}
}

func TestNew_LevelFiltersOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "warn", Writer: &buf})

	logger.Info().Msg("dropped")
	if buf.Len() != 0 {
		t.Errorf("info line emitted at warn level: %q", buf.String())
	}

	logger.Warn().Msg("kept")
	if buf.Len() == 0 {
		t.Error("warn line missing at warn level")
	}
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "chatty", Writer: &buf})

	logger.Debug().Msg("dropped")
	if buf.Len() != 0 {
		t.Error("debug line emitted after fallback to info")
	}

	logger.Info().Msg("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Error("info line missing after fallback to info")
	}
}
