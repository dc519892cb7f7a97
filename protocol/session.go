package protocol

import (
	"fmt"
	"strings"

	"livetranslate/core"
)

// TurnDetectionType selects how the backend decides when a user turn ends.
type TurnDetectionType string

const (
	TurnDetectionServerVAD TurnDetectionType = "server_vad"
	TurnDetectionDisabled  TurnDetectionType = "none"
)

// TurnDetectionConfig is either server VAD with its tuning or disabled
// (push-to-talk). Disabled encodes as JSON null.
type TurnDetectionConfig struct {
	Type              TurnDetectionType `json:"type" yaml:"type"`
	Threshold         float64           `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	PrefixPaddingMs   int               `json:"prefix_padding_ms,omitempty" yaml:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int               `json:"silence_duration_ms,omitempty" yaml:"silence_duration_ms,omitempty"`
}

func ServerVAD(threshold float64, prefixPaddingMs, silenceDurationMs int) TurnDetectionConfig {
	return TurnDetectionConfig{
		Type:              TurnDetectionServerVAD,
		Threshold:         threshold,
		PrefixPaddingMs:   prefixPaddingMs,
		SilenceDurationMs: silenceDurationMs,
	}
}

func DefaultServerVAD() TurnDetectionConfig {
	return ServerVAD(0.5, 300, 500)
}

func DisabledTurnDetection() TurnDetectionConfig {
	return TurnDetectionConfig{Type: TurnDetectionDisabled}
}

func (t TurnDetectionConfig) Enabled() bool {
	return t.Type == TurnDetectionServerVAD
}

// Languages is the translation pair. With Bidirectional set on the session,
// speech in either language is rendered in the other.
type Languages struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
}

// SessionConfig is the full session state pushed with every session.update.
type SessionConfig struct {
	Languages               Languages           `json:"languages" yaml:"languages"`
	Bidirectional           bool                `json:"bidirectional" yaml:"bidirectional"`
	ContextInstructions     string              `json:"context_instructions,omitempty" yaml:"context_instructions,omitempty"`
	Voice                   string              `json:"voice" yaml:"voice"`
	TurnDetection           TurnDetectionConfig `json:"turn_detection" yaml:"turn_detection"`
	InputTranscriptionModel string              `json:"input_transcription_model,omitempty" yaml:"input_transcription_model,omitempty"`
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Languages:     Languages{Source: "English", Target: "Spanish"},
		Bidirectional: true,
		Voice:         "alloy",
		TurnDetection: DefaultServerVAD(),
	}
}

func (c SessionConfig) Validate() error {
	src := strings.TrimSpace(c.Languages.Source)
	dst := strings.TrimSpace(c.Languages.Target)
	if src == "" || dst == "" {
		return fmt.Errorf("%w: source and target language are required", core.ErrConfigInvalid)
	}
	if strings.EqualFold(src, dst) {
		return fmt.Errorf("%w: source and target language are both %q", core.ErrConfigInvalid, src)
	}
	switch c.TurnDetection.Type {
	case TurnDetectionServerVAD:
		td := c.TurnDetection
		if td.Threshold < 0 || td.Threshold > 1 {
			return fmt.Errorf("%w: vad threshold %v outside [0,1]", core.ErrConfigInvalid, td.Threshold)
		}
		if td.PrefixPaddingMs < 0 || td.SilenceDurationMs < 0 {
			return fmt.Errorf("%w: negative vad timing", core.ErrConfigInvalid)
		}
	case TurnDetectionDisabled:
	default:
		return fmt.Errorf("%w: unknown turn detection %q", core.ErrConfigInvalid, c.TurnDetection.Type)
	}
	return nil
}

// WithTurnDetection returns a copy with turn detection replaced.
func (c SessionConfig) WithTurnDetection(td TurnDetectionConfig) SessionConfig {
	c.TurnDetection = td
	return c
}

// Instructions renders the interpreter prompt sent to the backend.
func (c SessionConfig) Instructions() string {
	var b strings.Builder
	src, dst := c.Languages.Source, c.Languages.Target
	b.WriteString("You are a realtime interpreter. ")
	if c.Bidirectional {
		fmt.Fprintf(&b, "When you hear %s, say it in %s. When you hear %s, say it in %s. ", src, dst, dst, src)
	} else {
		fmt.Fprintf(&b, "Translate everything you hear from %s into %s. ", src, dst)
	}
	b.WriteString("Speak only the translation. Do not answer questions, add commentary or summarize.")
	if extra := strings.TrimSpace(c.ContextInstructions); extra != "" {
		b.WriteString("\n\n")
		b.WriteString(extra)
	}
	return b.String()
}
