package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"debug", slog.LevelDebug, true},
		{"info", slog.LevelInfo, true},
		{"", slog.LevelInfo, true},
		{"warn", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"verbose", slog.LevelInfo, false},
	}
	for _, tc := range testCases {
		got, ok := ParseLevel(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestNewWriterFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	lg := NewWriter(&buf, "warn")

	lg.Info("dropped")
	lg.Warn("kept", slog.Int("receptors", 12))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one record, got %d: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("record is not JSON: %v", err)
	}
	if rec["msg"] != "kept" {
		t.Errorf("msg = %v, want kept", rec["msg"])
	}
	if rec["receptors"] != float64(12) {
		t.Errorf("receptors = %v, want 12", rec["receptors"])
	}
}

func TestWithKeepsAttributes(t *testing.T) {
	var buf bytes.Buffer
	lg := NewWriter(&buf, "debug").With(slog.String("device", "native"))
	lg.Debug("scan", slog.Int("chunk", 3))

	if !strings.Contains(buf.String(), `"device":"native"`) {
		t.Errorf("missing device attribute in %q", buf.String())
	}
	if !strings.Contains(buf.String(), `"chunk":3`) {
		t.Errorf("missing record attribute in %q", buf.String())
	}
}

func TestErrorfFormats(t *testing.T) {
	var buf bytes.Buffer
	NewWriter(&buf, "error").Errorf("backend %s failed", "opencl")
	if !strings.Contains(buf.String(), `"msg":"backend opencl failed"`) {
		t.Errorf("missing formatted message in %q", buf.String())
	}
}

func TestNilLogger(t *testing.T) {
	var lg *Logger
	// None of these may panic.
	lg.Debug("x")
	lg.Info("x")
	if lg.With("k", "v") != nil {
		t.Errorf("With on nil logger should return nil")
	}
}

func TestNewCreatesLogFile(t *testing.T) {
	dir := t.TempDir()
	lg := New("info", dir)
	lg.Info("hello")

	if lg.LogDir != dir {
		t.Errorf("LogDir = %q, want %q", lg.LogDir, dir)
	}
	if _, err := os.Stat(filepath.Join(dir, "terrainprep.slog")); err != nil {
		t.Errorf("log file not created: %v", err)
	}
}
