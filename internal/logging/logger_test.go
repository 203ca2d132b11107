package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"watchpost/internal/config"
)

// TestColorLineWriter_HighlightsLevelAndTokens verifies level and token coloring.
// Params: testing.T for assertions.
// Returns: none.
func TestColorLineWriter_HighlightsLevelAndTokens(t *testing.T) {
	var dst bytes.Buffer
	writer := &colorLineWriter{dst: &dst}

	line := `level=ERROR msg="artifact build failed" camera="cam-front" peer=192.168.4.21 attempts=2`
	if _, err := writer.Write([]byte(line)); err != nil {
		t.Fatalf("write: %v", err)
	}

	rendered := dst.String()
	if !strings.HasPrefix(rendered, ansiRed) {
		t.Fatalf("expected ERROR line base color")
	}
	if !strings.Contains(rendered, ansiGreen+`"artifact build failed"`+ansiReset+ansiRed) {
		t.Fatalf("expected quoted string token color")
	}
	if !strings.Contains(rendered, ansiCyan+`192.168.4.21`+ansiReset+ansiRed) {
		t.Fatalf("expected IP token color")
	}
	if !strings.Contains(rendered, ansiYellow+`2`+ansiReset+ansiRed) {
		t.Fatalf("expected number token color")
	}
	if !strings.HasSuffix(rendered, ansiReset) {
		t.Fatalf("expected trailing reset sequence")
	}
}

// TestColorizeLine_BaseColors verifies per-level base color selection.
// Params: testing.T for assertions.
// Returns: none.
func TestColorizeLine_BaseColors(t *testing.T) {
	tests := []struct {
		level string
		want  string
	}{
		{level: "DEBUG", want: ansiGray},
		{level: "INFO", want: ansiBlue},
		{level: "WARN", want: ansiYellow},
		{level: "ERROR", want: ansiRed},
	}

	for _, tc := range tests {
		t.Run(tc.level, func(t *testing.T) {
			rendered := colorizeLine("level=" + tc.level + " msg=started")
			if !strings.HasPrefix(rendered, tc.want) {
				t.Fatalf("base color for %s missing", tc.level)
			}
		})
	}
}

// TestColorLineWriter_NoLevelColor verifies passthrough for unknown levels.
// Params: testing.T for assertions.
// Returns: none.
func TestColorLineWriter_NoLevelColor(t *testing.T) {
	var dst bytes.Buffer
	writer := &colorLineWriter{dst: &dst}

	for _, line := range []string{`msg="plain" value=42`, `level=TRACE msg=unknown`} {
		dst.Reset()
		if _, err := writer.Write([]byte(line)); err != nil {
			t.Fatalf("write: %v", err)
		}
		if got := dst.String(); got != line {
			t.Fatalf("expected passthrough line, got %q", got)
		}
	}
}

// TestParseLevel_Mapping verifies config level parsing with the info fallback.
// Params: testing.T for assertions.
// Returns: none.
func TestParseLevel_Mapping(t *testing.T) {
	tests := []struct {
		value string
		want  slog.Level
	}{
		{value: "debug", want: slog.LevelDebug},
		{value: " WARN ", want: slog.LevelWarn},
		{value: "error", want: slog.LevelError},
		{value: "verbose", want: slog.LevelInfo},
		{value: "", want: slog.LevelInfo},
	}

	for _, tc := range tests {
		if got := parseLevel(tc.value); got != tc.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tc.value, got, tc.want)
		}
	}
}

// TestSinkHandler_JSONFormat verifies the json sink emits parseable records.
// Params: testing.T for assertions.
// Returns: none.
func TestSinkHandler_JSONFormat(t *testing.T) {
	var dst bytes.Buffer
	handler := sinkHandler(config.LogSinkConfig{Level: "info", Format: "json"}, &dst)

	logger := slog.New(handler)
	logger.Info("module started", slog.String("module", "dedup"))

	var record map[string]any
	if err := json.Unmarshal(dst.Bytes(), &record); err != nil {
		t.Fatalf("json sink output is not valid json: %v", err)
	}
	if record["msg"] != "module started" || record["module"] != "dedup" {
		t.Fatalf("unexpected json record: %v", record)
	}
}

// TestMultiHandler_FansOutByLevel verifies per-sink level gating.
// Params: testing.T for assertions.
// Returns: none.
func TestMultiHandler_FansOutByLevel(t *testing.T) {
	var warnSink, debugSink bytes.Buffer
	handler := &multiHandler{handlers: []slog.Handler{
		sinkHandler(config.LogSinkConfig{Level: "warn"}, &warnSink),
		sinkHandler(config.LogSinkConfig{Level: "debug"}, &debugSink),
	}}

	if !handler.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("multi handler must accept the lowest sink level")
	}

	logger := slog.New(handler)
	logger.Debug("queue drained")
	logger.Warn("queue watermark high")

	if strings.Contains(warnSink.String(), "queue drained") {
		t.Fatalf("warn sink received a debug record")
	}
	if !strings.Contains(warnSink.String(), "queue watermark high") {
		t.Fatalf("warn sink missed a warn record")
	}
	if !strings.Contains(debugSink.String(), "queue drained") {
		t.Fatalf("debug sink missed a debug record")
	}
}

// TestNew_FileSink verifies the file sink writes and the closer releases it.
// Params: testing.T for assertions.
// Returns: none.
func TestNew_FileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchpost.log")
	logger, closer, err := New(config.LogConfig{
		File: config.LogSinkConfig{Enabled: true, Level: "info", Format: "json", Path: path},
	})
	if err != nil {
		t.Fatalf("build logger: %v", err)
	}

	logger.Info("pipeline process started", slog.String("site", "lab"))
	closer()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"pipeline process started"`) {
		t.Fatalf("log file missing record: %q", data)
	}
}
