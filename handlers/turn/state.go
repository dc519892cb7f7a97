package turn

import (
	"time"

	"livetranslate/core"
	"livetranslate/handlers/conversation"
	"livetranslate/protocol"
)

type ConnectionPhase string

const (
	PhaseDisconnected ConnectionPhase = "disconnected"
	PhaseConnecting   ConnectionPhase = "connecting"
	PhaseConnected    ConnectionPhase = "connected"
	PhaseError        ConnectionPhase = "error"
)

// ConnectionState is Disconnected, Connecting, Connected or Error(Message).
type ConnectionState struct {
	Phase   ConnectionPhase `json:"phase"`
	Message string          `json:"message,omitempty"`
}

func (s ConnectionState) String() string {
	if s.Phase == PhaseError && s.Message != "" {
		return string(s.Phase) + ": " + s.Message
	}
	return string(s.Phase)
}

// MicTurnState only moves in push-to-talk mode.
type MicTurnState string

const (
	MicIdle       MicTurnState = "idle"
	MicRecording  MicTurnState = "recording"
	MicProcessing MicTurnState = "processing"
	MicSpeaking   MicTurnState = "speaking"
)

type Mode string

const (
	ModeVAD Mode = "vad"
	ModePTT Mode = "ptt"
)

func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeVAD, ModePTT:
		return Mode(s), true
	}
	return "", false
}

func modeOf(cfg protocol.SessionConfig) Mode {
	if cfg.TurnDetection.Enabled() {
		return ModeVAD
	}
	return ModePTT
}

// TurnID identifies one push-to-talk turn. Zero means no turn.
type TurnID uint64

type InterruptionPolicy string

const (
	InterruptionDisconnect InterruptionPolicy = "disconnect"
	InterruptionIgnore     InterruptionPolicy = "ignore"
)

type Config struct {
	// HoldConfirmDelay is how long a press gesture must be held before it
	// becomes a turn. Zero presses immediately.
	HoldConfirmDelay time.Duration `json:"hold_confirm_delay" yaml:"hold_confirm_delay"`
	// InterruptionPolicy decides what an audio interruption does to a live session.
	InterruptionPolicy InterruptionPolicy `json:"interruption_policy" yaml:"interruption_policy"`
	// InterruptionGrace is how long to wait for the interruption to end before
	// disconnecting.
	InterruptionGrace time.Duration `json:"interruption_grace" yaml:"interruption_grace"`
}

func DefaultConfig() Config {
	return Config{
		HoldConfirmDelay:   150 * time.Millisecond,
		InterruptionPolicy: InterruptionDisconnect,
		InterruptionGrace:  3 * time.Second,
	}
}

// Snapshot is the observable state published after every transition.
type Snapshot struct {
	Connection       ConnectionState        `json:"connection"`
	Mode             Mode                   `json:"mode"`
	Mic              MicTurnState           `json:"mic"`
	Turn             TurnID                 `json:"turn"`
	Muted            bool                   `json:"muted"`
	IsSpeaking       bool                   `json:"is_speaking"`
	IsTranslating    bool                   `json:"is_translating"`
	IsOutputSpeaking bool                   `json:"is_output_speaking"`
	Route            core.AudioRoute        `json:"route"`
	Config           protocol.SessionConfig `json:"config"`
	Items            []conversation.Item    `json:"items"`
	LastError        string                 `json:"last_error,omitempty"`
}
