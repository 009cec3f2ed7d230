package logging

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"crep/timeline/internal/config"
)

func testConfig(t *testing.T) config.LoggingConfig {
	t.Helper()
	return config.LoggingConfig{
		Level:      "debug",
		Path:       filepath.Join(t.TempDir(), "timeline.log"),
		MaxSizeMB:  1,
		MaxBackups: 2,
		MaxAgeDays: 1,
		Compress:   false,
	}
}

func TestNewWritesStructuredLines(t *testing.T) {
	cfg := testConfig(t)
	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("cache promoted", String("tier", "memory"), Int("entries", 3))
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	data, err := os.ReadFile(cfg.Path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := strings.TrimSpace(strings.Split(string(data), "\n")[0])
	var payload map[string]any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if payload["message"] != "cache promoted" || payload["tier"] != "memory" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if payload["service"] != "timeline" {
		t.Fatalf("service field missing: %v", payload)
	}
}

func TestLevelFiltering(t *testing.T) {
	cfg := testConfig(t)
	cfg.Level = "error"
	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("suppressed")
	logger.Error("kept")
	_ = logger.Sync()

	data, err := os.ReadFile(cfg.Path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(data), "suppressed") {
		t.Fatalf("info line should have been filtered: %s", data)
	}
	if !strings.Contains(string(data), "kept") {
		t.Fatalf("error line missing: %s", data)
	}
}

func TestConsoleSyncTolerantOfNonFileStreams(t *testing.T) {
	//1.- Pipes reject fsync; the console mirror must swallow that, since Sync
	// would otherwise fail whenever stdout is not a regular file.
	read, write, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer read.Close()
	defer write.Close()

	writer := consoleSyncWriter{file: write}
	if _, err := writer.Write([]byte("line\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := writer.Sync(); err != nil {
		t.Fatalf("sync on pipe should be tolerated: %v", err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Path = ""
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected an error for a missing log path")
	}
	cfg = testConfig(t)
	cfg.Level = "chatty"
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected an error for an unknown level")
	}
}

func TestHTTPTraceMiddlewarePropagatesTraceID(t *testing.T) {
	var seen string
	handler := HTTPTraceMiddleware(NewTestLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TraceIDFromContext(r.Context())
	}))

	//1.- An incoming trace ID must be reused, not regenerated.
	req := httptest.NewRequest(http.MethodGet, "/timeline/range", nil)
	req.Header.Set(TraceIDHeader, "abc123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if seen != "abc123" {
		t.Fatalf("incoming trace ID not propagated, got %q", seen)
	}
	if rec.Header().Get(TraceIDHeader) != "abc123" {
		t.Fatalf("trace header not echoed")
	}

	//2.- Requests without a trace ID get a generated one.
	req = httptest.NewRequest(http.MethodGet, "/timeline/range", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if seen == "" || seen == "abc123" {
		t.Fatalf("expected a fresh trace ID, got %q", seen)
	}
}
