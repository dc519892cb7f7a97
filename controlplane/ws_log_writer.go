package controlplane

import (
	"time"

	"livetranslate/core"
)

var _ core.LogWriter = (*WSLogWriter)(nil)

// WSLogWriter implements core.LogWriter by streaming session log records to
// the control plane instead of a local file.
type WSLogWriter struct {
	client    *Client
	sessionID string
}

func NewWSLogWriter(client *Client, sessionID string) *WSLogWriter {
	return &WSLogWriter{
		client:    client,
		sessionID: sessionID,
	}
}

func (w *WSLogWriter) Write(level, msg string, attrs map[string]interface{}) {
	w.client.SendLog(w.sessionID, LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Message:   msg,
		Attrs:     core.PlainAttrs(attrs),
	})
}

// Close signals the end of the session's log stream.
func (w *WSLogWriter) Close() {
	w.client.SendLogEnd(w.sessionID)
}
