package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/MickyRosa/VisTrain2.0/internal/auth"
	"github.com/MickyRosa/VisTrain2.0/internal/config"
)

// Actions recorded in the trail.
const (
	ActionStartRun      = "startRun"
	ActionStopRun       = "stopRun"
	ActionRunEnded      = "runEnded"
	ActionEmergencyStop = "emergencyStop"
	ActionConnect       = "connect"
	ActionDisconnect    = "disconnect"
)

// Outcome codes besides the API error codes.
const (
	CodeSuccess = "SUCCESS"
	CodeError   = "ERROR"
)

// Entry is one audit record.
type Entry struct {
	Timestamp  time.Time      `json:"ts"`
	User       string         `json:"user"`
	Locomotive string         `json:"locomotive,omitempty"`
	Action     string         `json:"action"`
	Params     map[string]any `json:"params,omitempty"`
	Outcome    string         `json:"outcome"`
	LatencyMs  int64          `json:"latencyMs"`
}

// Logger appends entries to a rotated JSONL file.
type Logger struct {
	mu       sync.Mutex
	filePath string
	out      io.WriteCloser
	now      func() time.Time
}

// NewLogger opens the audit trail described by cfg, creating its directory.
func NewLogger(cfg config.AuditConfig) (*Logger, error) {
	if cfg.File == "" {
		return nil, fmt.Errorf("audit file path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	out := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
	}
	return &Logger{filePath: cfg.File, out: out, now: time.Now}, nil
}

// NewWriterLogger writes entries to w.
func NewWriterLogger(w io.WriteCloser) *Logger {
	return &Logger{out: w, now: time.Now}
}

// LogAction records an action. The user is the JWT subject found in ctx.
func (l *Logger) LogAction(ctx context.Context, action, locomotive, outcome string, latency time.Duration) {
	l.LogControlAction(ctx, action, locomotive, nil, outcome, latency)
}

// LogControlAction records an action with parameters.
func (l *Logger) LogControlAction(ctx context.Context, action, locomotive string, params map[string]any, outcome string, latency time.Duration) {
	l.write(Entry{
		Timestamp:  l.now().UTC(),
		User:       userFromContext(ctx),
		Locomotive: locomotive,
		Action:     action,
		Params:     params,
		Outcome:    outcome,
		LatencyMs:  latency.Milliseconds(),
	})
}

func (l *Logger) write(entry Entry) {
	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal audit entry: %v\n", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out == nil {
		return
	}
	if _, err := l.out.Write(append(data, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write audit entry: %v\n", err)
	}
}

// Rotate starts a new audit file, keeping the old one as a backup.
func (l *Logger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	lj, ok := l.out.(*lumberjack.Logger)
	if !ok {
		return nil
	}
	if err := lj.Rotate(); err != nil {
		return fmt.Errorf("failed to rotate audit log: %w", err)
	}
	return nil
}

// FilePath returns the audit file path, empty for writer-backed loggers.
func (l *Logger) FilePath() string {
	return l.filePath
}

// Close closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.out == nil {
		return nil
	}
	err := l.out.Close()
	l.out = nil
	return err
}

func userFromContext(ctx context.Context) string {
	if claims := auth.ClaimsFromContext(ctx); claims != nil && claims.Subject != "" {
		return claims.Subject
	}
	return "unknown"
}
