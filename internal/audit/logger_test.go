package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MickyRosa/VisTrain2.0/internal/auth"
	"github.com/MickyRosa/VisTrain2.0/internal/config"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit", "audit.jsonl")
	logger, err := NewLogger(config.AuditConfig{File: path, MaxSizeMB: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("NewLogger() failed: %v", err)
	}
	t.Cleanup(func() { _ = logger.Close() })
	return logger
}

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open audit log: %v", err)
	}
	defer func() { _ = f.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("Invalid JSON line %q: %v", scanner.Text(), err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestNewLoggerRequiresPath(t *testing.T) {
	if _, err := NewLogger(config.AuditConfig{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestLogAction(t *testing.T) {
	logger := newTestLogger(t)

	logger.LogAction(context.Background(), ActionEmergencyStop, "BR218", CodeSuccess, 12*time.Millisecond)

	entries := readEntries(t, logger.FilePath())
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.User != "unknown" {
		t.Errorf("Expected user 'unknown', got %q", e.User)
	}
	if e.Action != ActionEmergencyStop || e.Locomotive != "BR218" || e.Outcome != CodeSuccess {
		t.Errorf("Unexpected entry %+v", e)
	}
	if e.LatencyMs != 12 {
		t.Errorf("Expected latency 12ms, got %d", e.LatencyMs)
	}
	if e.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
}

func TestLogControlActionWithUser(t *testing.T) {
	logger := newTestLogger(t)

	ctx := auth.WithClaims(context.Background(), &auth.Claims{Subject: "operator-7"})
	params := map[string]any{"startNotch": 0, "endNotch": 10, "policy": "uniform"}
	logger.LogControlAction(ctx, ActionStartRun, "V100", params, "INVALID_RANGE", time.Millisecond)

	entries := readEntries(t, logger.FilePath())
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	if entries[0].User != "operator-7" {
		t.Errorf("Expected user operator-7, got %q", entries[0].User)
	}
	if entries[0].Params["policy"] != "uniform" {
		t.Errorf("Params not recorded: %+v", entries[0].Params)
	}
	if entries[0].Outcome != "INVALID_RANGE" {
		t.Errorf("Unexpected outcome %q", entries[0].Outcome)
	}
}

func TestRotateKeepsBackup(t *testing.T) {
	logger := newTestLogger(t)
	logger.LogAction(context.Background(), ActionConnect, "", CodeSuccess, 0)

	if err := logger.Rotate(); err != nil {
		t.Fatalf("Rotate() failed: %v", err)
	}
	logger.LogAction(context.Background(), ActionDisconnect, "", CodeSuccess, 0)

	entries := readEntries(t, logger.FilePath())
	if len(entries) != 1 || entries[0].Action != ActionDisconnect {
		t.Fatalf("Expected only the post-rotation entry, got %+v", entries)
	}

	files, err := os.ReadDir(filepath.Dir(logger.FilePath()))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(files) != 2 {
		t.Errorf("Expected current file plus one backup, got %d files", len(files))
	}
}

type closeBuffer struct {
	strings.Builder
	closed bool
}

func (c *closeBuffer) Close() error { c.closed = true; return nil }

func TestCloseIsIdempotent(t *testing.T) {
	buf := &closeBuffer{}
	logger := NewWriterLogger(buf)

	if err := logger.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close() failed: %v", err)
	}
	if !buf.closed {
		t.Error("writer not closed")
	}

	logger.LogAction(context.Background(), ActionStopRun, "x", CodeSuccess, 0)
	if buf.Len() != 0 {
		t.Error("entry written after Close")
	}
}

func TestConcurrentLogging(t *testing.T) {
	logger := newTestLogger(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				logger.LogAction(context.Background(), ActionStopRun, "BR218", CodeSuccess, time.Millisecond)
			}
		}()
	}
	wg.Wait()

	if got := len(readEntries(t, logger.FilePath())); got != 200 {
		t.Errorf("Expected 200 entries, got %d", got)
	}
}
