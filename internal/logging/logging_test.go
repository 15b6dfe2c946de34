package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestJSONFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: "warn", Format: "json"}, &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Str("job", "j1").Msg("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if entry["job"] != "j1" || entry["message"] != "shown" {
		t.Errorf("entry = %v", entry)
	}
}

func TestUnknownLevelDefaultsToInfo(t *testing.T) {
	logger := NewWithWriter(Config{Level: "loud"}, &bytes.Buffer{})
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Errorf("level = %s, want info", logger.GetLevel())
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandbox.log")
	logger := NewWithWriter(Config{Format: "console", File: path}, &bytes.Buffer{})
	logger.Info().Msg("to file")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), `"message":"to file"`) {
		t.Errorf("log file = %q", data)
	}
}
