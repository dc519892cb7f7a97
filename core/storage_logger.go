package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

type sessionLoggerKey struct{}

// ContextWithSessionLogger returns a new context carrying the session logger.
func ContextWithSessionLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, sessionLoggerKey{}, logger)
}

// SessionLoggerFromContext returns the session logger carried by ctx, or fallback.
func SessionLoggerFromContext(ctx context.Context, fallback *Logger) *Logger {
	if l, ok := ctx.Value(sessionLoggerKey{}).(*Logger); ok && l != nil {
		return l
	}
	return fallback
}

// SessionMetadata is the first line of every session log file.
type SessionMetadata struct {
	SessionID      string `json:"session_id"`
	SourceLanguage string `json:"source_language,omitempty"`
	TargetLanguage string `json:"target_language,omitempty"`
	Mode           string `json:"mode,omitempty"`
	StartedAt      string `json:"started_at"`
}

// LogEntry is one record after the metadata line.
type LogEntry struct {
	Timestamp string                 `json:"ts"`
	Level     string                 `json:"level"`
	Message   string                 `json:"msg"`
	Attrs     map[string]interface{} `json:"attrs,omitempty"`
}

// LogWriter is a destination for session log records: a local file
// (SessionLogWriter) or the control plane socket (controlplane.WSLogWriter).
type LogWriter interface {
	Write(level, msg string, attrs map[string]interface{})
	Close()
}

// SessionLogWriter appends JSONL records to <dir>/<session>.jsonl. A
// <session>.active marker exists while the writer is open.
type SessionLogWriter struct {
	mu         sync.Mutex
	file       *os.File
	markerPath string
}

func NewSessionLogWriter(logDir string, meta SessionMetadata) (*SessionLogWriter, error) {
	if meta.SessionID == "" {
		return nil, fmt.Errorf("storage logger: empty session id")
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage logger: mkdir %q: %w", logDir, err)
	}

	path := filepath.Join(logDir, meta.SessionID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage logger: open %q: %w", path, err)
	}

	if meta.StartedAt == "" {
		meta.StartedAt = time.Now().UTC().Format(time.RFC3339)
	}
	header, err := sonic.Marshal(meta)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("storage logger: encode metadata: %w", err)
	}
	if _, err := f.Write(append(header, '\n')); err != nil {
		f.Close()
		return nil, fmt.Errorf("storage logger: write metadata: %w", err)
	}

	marker := filepath.Join(logDir, meta.SessionID+".active")
	if mf, err := os.Create(marker); err == nil {
		mf.Close()
	}

	return &SessionLogWriter{file: f, markerPath: marker}, nil
}

func (w *SessionLogWriter) Write(level, msg string, attrs map[string]interface{}) {
	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Message:   msg,
	}
	entry.Attrs = PlainAttrs(attrs)
	data, err := sonic.Marshal(entry)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		_, _ = w.file.Write(append(data, '\n'))
	}
}

// Close is safe to call more than once.
func (w *SessionLogWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return
	}
	w.file.Close()
	w.file = nil
	os.Remove(w.markerPath)
}

// NewSessionLogger tees every record of base (and its children) into writer.
func NewSessionLogger(base *Logger, writer LogWriter) *Logger {
	if writer == nil {
		return base
	}
	return base.Tee(writer.Write)
}
