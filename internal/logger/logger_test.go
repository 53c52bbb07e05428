package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(Config{Level: "info", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("NewWithWriter failed: %v", err)
	}

	log.WithComponent("engine").WithRequestID("req-1").Info("Model loaded")
	log.Debug("hidden")
	_ = log.Sync()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("Expected 1 line at info level, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("Output is not JSON: %v", err)
	}
	if entry["msg"] != "Model loaded" || entry["component"] != "engine" || entry["request_id"] != "req-1" {
		t.Errorf("Unexpected entry: %v", entry)
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Errorf("Expected timestamp key, got %v", entry)
	}
}

func TestNewRejectsBadSettings(t *testing.T) {
	if _, err := New(Config{Level: "verbose"}); err == nil {
		t.Errorf("Expected error for unknown level")
	}
	if _, err := New(Config{Level: "info", Output: "syslog"}); err == nil {
		t.Errorf("Expected error for unknown output")
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embedd.log")
	var buf bytes.Buffer
	log, err := NewWithWriter(Config{
		Level:  "warn",
		Format: "console",
		File:   &FileConfig{Enabled: true, Path: path},
	}, &buf)
	if err != nil {
		t.Fatalf("NewWithWriter failed: %v", err)
	}

	log.Warn("disk full")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "disk full") {
		t.Errorf("File log missing entry: %q", data)
	}
	if !strings.Contains(buf.String(), "disk full") {
		t.Errorf("Console log missing entry: %q", buf.String())
	}
}
