package controlplane

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// MessageType enumerates all control-plane message types.
type MessageType string

const (
	// Agent -> UI
	MsgRegister  MessageType = "register"
	MsgHeartbeat MessageType = "heartbeat"
	MsgLog       MessageType = "log"
	MsgEvent     MessageType = "event"
	MsgLogEnd    MessageType = "log_end"
	MsgAck       MessageType = "ack"

	// UI -> Agent
	MsgConfigUpdate MessageType = "config_update"
	MsgCommand      MessageType = "command"
	MsgShutdown     MessageType = "shutdown"
)

// Envelope is the outer JSON wrapper for all WebSocket messages.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// --- Agent -> UI payloads ---

// RegisterPayload is sent once immediately after connecting.
type RegisterPayload struct {
	AgentID      string            `json:"agent_id"`
	Version      string            `json:"version,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// HeartbeatPayload carries the coordinator's coarse state.
type HeartbeatPayload struct {
	AgentID    string    `json:"agent_id"`
	Timestamp  time.Time `json:"timestamp"`
	Connection string    `json:"connection"`
	Mode       string    `json:"mode,omitempty"`
	Mic        string    `json:"mic,omitempty"`
}

type LogPayload struct {
	AgentID   string   `json:"agent_id"`
	SessionID string   `json:"session_id"`
	Entry     LogEntry `json:"entry"`
}

// LogEntry is a structured log line.
type LogEntry struct {
	Timestamp string                 `json:"ts"`
	Level     string                 `json:"level"`
	Message   string                 `json:"msg"`
	Attrs     map[string]interface{} `json:"attrs,omitempty"`
}

// EventPayload carries a session event, typically a snapshot.
type EventPayload struct {
	AgentID   string          `json:"agent_id"`
	SessionID string          `json:"session_id,omitempty"`
	EventID   string          `json:"event_id"`
	Data      json.RawMessage `json:"data"`
}

type LogEndPayload struct {
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
}

// AckPayload answers a command or config update carrying an ID.
type AckPayload struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// --- UI -> Agent payloads ---

// ConfigUpdatePayload overlays Settings onto the current session config.
// Fields left out of Settings keep their value.
type ConfigUpdatePayload struct {
	ID       string            `json:"id,omitempty"`
	Settings json.RawMessage   `json:"settings,omitempty"`
	Keys     map[string]string `json:"keys,omitempty"`
}

type CommandPayload struct {
	ID      string  `json:"id,omitempty"`
	Command Command `json:"command"`
}

type ShutdownPayload struct {
	Reason string `json:"reason,omitempty"`
}

// Marshal creates a JSON-encoded Envelope from a message type and payload.
func Marshal(msgType MessageType, payload interface{}) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := sonic.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("controlplane: marshal payload for %q: %w", msgType, err)
		}
		raw = b
	}
	return sonic.Marshal(Envelope{
		Type:    msgType,
		Payload: raw,
	})
}

// Unmarshal parses an Envelope, returning the message type and raw payload.
func Unmarshal(data []byte) (MessageType, json.RawMessage, error) {
	var env Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("controlplane: unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return "", nil, fmt.Errorf("controlplane: envelope missing type field")
	}
	return env.Type, env.Payload, nil
}

// UnmarshalPayload decodes a raw JSON payload into a typed struct.
func UnmarshalPayload[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := sonic.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("controlplane: unmarshal payload: %w", err)
	}
	return v, nil
}
