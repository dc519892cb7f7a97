package protocol

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"livetranslate/core"
)

// DecodeError describes an inbound frame that could not be mapped to an event.
// It matches core.ErrMalformedEvent with errors.Is.
type DecodeError struct {
	Type    string
	Message string
	Err     error
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	msg := "protocol: " + e.Message
	if e.Type != "" {
		msg += fmt.Sprintf(" (type %q)", e.Type)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{core.ErrMalformedEvent}
	}
	return []error{core.ErrMalformedEvent, e.Err}
}

func malformed(eventType, message string, err error) *DecodeError {
	return &DecodeError{Type: eventType, Message: message, Err: err}
}

// NewEventID mints the client event_id attached to outbound frames.
func NewEventID() string {
	return "evt_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

type wireOutbound struct {
	Type       string       `json:"type"`
	EventID    string       `json:"event_id,omitempty"`
	Session    *wireSession `json:"session,omitempty"`
	ResponseID string       `json:"response_id,omitempty"`
}

type wireSession struct {
	Modalities              []string               `json:"modalities"`
	Instructions            string                 `json:"instructions"`
	Voice                   string                 `json:"voice,omitempty"`
	TurnDetection           *wireTurnDetection     `json:"turn_detection"`
	InputAudioTranscription *wireInputTranscription `json:"input_audio_transcription,omitempty"`
}

type wireTurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

type wireInputTranscription struct {
	Model string `json:"model"`
}

// Encode serialises an outbound message into one text frame.
func Encode(msg OutboundMessage) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("protocol: encode nil message")
	}
	out := wireOutbound{Type: msg.OutboundType(), EventID: NewEventID()}
	switch m := msg.(type) {
	case SessionUpdate:
		out.Session = sessionPayload(m.Session)
	case *SessionUpdate:
		out.Session = sessionPayload(m.Session)
	case ResponseCancel:
		out.ResponseID = m.ResponseID
	case InputAudioBufferCommit, InputAudioBufferClear, ResponseCreate:
	default:
		return nil, fmt.Errorf("protocol: encode unsupported message %T", msg)
	}
	data, err := sonic.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %q: %w", out.Type, err)
	}
	return data, nil
}

func sessionPayload(cfg SessionConfig) *wireSession {
	s := &wireSession{
		Modalities:   []string{"audio", "text"},
		Instructions: cfg.Instructions(),
		Voice:        cfg.Voice,
	}
	if td := cfg.TurnDetection; td.Enabled() {
		s.TurnDetection = &wireTurnDetection{
			Type:              string(TurnDetectionServerVAD),
			Threshold:         td.Threshold,
			PrefixPaddingMs:   td.PrefixPaddingMs,
			SilenceDurationMs: td.SilenceDurationMs,
		}
	}
	if cfg.InputTranscriptionModel != "" {
		s.InputAudioTranscription = &wireInputTranscription{Model: cfg.InputTranscriptionModel}
	}
	return s
}

type wireInbound struct {
	Type       string        `json:"type"`
	EventID    string        `json:"event_id"`
	ItemID     string        `json:"item_id"`
	ResponseID string        `json:"response_id"`
	Delta      string        `json:"delta"`
	Transcript string        `json:"transcript"`
	Session    *wireIDStatus `json:"session"`
	Response   *wireIDStatus `json:"response"`
	Item       *wireItem     `json:"item"`
	Error      *wireError    `json:"error"`
}

type wireIDStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type wireItem struct {
	ID      string        `json:"id"`
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []wireContent `json:"content"`
}

type wireContent struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	Transcript string `json:"transcript"`
}

type wireError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	EventID string `json:"event_id"`
}

// Decode maps one inbound text frame to its event. Unrecognised types decode
// to Unknown; frames that are not JSON objects, lack a type, or lack the ids a
// known type requires return a *DecodeError.
func Decode(data []byte) (InboundEvent, error) {
	var in wireInbound
	if err := sonic.Unmarshal(data, &in); err != nil {
		return nil, malformed("", "invalid json", err)
	}
	if strings.TrimSpace(in.Type) == "" {
		return nil, malformed("", "missing type", nil)
	}

	switch in.Type {
	case TypeSessionCreated:
		return SessionCreated{SessionID: sessionID(in)}, nil
	case TypeSessionUpdated:
		return SessionUpdated{SessionID: sessionID(in)}, nil
	case TypeConversationItemCreated:
		if in.Item == nil || in.Item.ID == "" {
			return nil, malformed(in.Type, "missing item.id", nil)
		}
		return ConversationItemCreated{ItemID: in.Item.ID, Role: in.Item.Role, Text: itemText(in.Item)}, nil
	case TypeInputTranscriptionCompleted:
		if in.ItemID == "" {
			return nil, malformed(in.Type, "missing item_id", nil)
		}
		return InputTranscriptionCompleted{ItemID: in.ItemID, Transcript: in.Transcript}, nil
	case TypeResponseCreated:
		if in.Response == nil || in.Response.ID == "" {
			return nil, malformed(in.Type, "missing response.id", nil)
		}
		return ResponseCreated{ResponseID: in.Response.ID}, nil
	case TypeResponseAudioDelta:
		return ResponseAudioDelta{ResponseID: in.ResponseID, ItemID: in.ItemID}, nil
	case TypeResponseTranscriptDelta:
		if in.ItemID == "" {
			return nil, malformed(in.Type, "missing item_id", nil)
		}
		return ResponseTranscriptDelta{ResponseID: in.ResponseID, ItemID: in.ItemID, Delta: in.Delta}, nil
	case TypeResponseTranscriptDone:
		if in.ItemID == "" {
			return nil, malformed(in.Type, "missing item_id", nil)
		}
		return ResponseTranscriptDone{ResponseID: in.ResponseID, ItemID: in.ItemID, Transcript: in.Transcript}, nil
	case TypeSpeechStarted:
		return SpeechStarted{ItemID: in.ItemID}, nil
	case TypeSpeechStopped:
		return SpeechStopped{ItemID: in.ItemID}, nil
	case TypeInputAudioBufferCommitted:
		return InputAudioBufferCommitted{ItemID: in.ItemID}, nil
	case TypeOutputAudioBufferStarted:
		return OutputAudioStarted{ResponseID: responseID(in)}, nil
	case TypeResponseDone, TypeResponseCompleted, TypeResponseAudioDone, TypeOutputAudioBufferStopped:
		ended := OutputEnded{Source: in.Type, ResponseID: responseID(in)}
		if in.Response != nil {
			ended.Status = in.Response.Status
		}
		return ended, nil
	case TypeError:
		if in.Error == nil {
			return nil, malformed(in.Type, "missing error object", nil)
		}
		return ServerError{Code: in.Error.Code, Kind: in.Error.Type, Message: in.Error.Message, EventID: in.Error.EventID}, nil
	default:
		raw := make([]byte, len(data))
		copy(raw, data)
		return Unknown{Type: in.Type, Raw: raw}, nil
	}
}

func sessionID(in wireInbound) string {
	if in.Session != nil {
		return in.Session.ID
	}
	return ""
}

func responseID(in wireInbound) string {
	if in.ResponseID != "" {
		return in.ResponseID
	}
	if in.Response != nil {
		return in.Response.ID
	}
	return ""
}

func itemText(item *wireItem) string {
	var parts []string
	for _, c := range item.Content {
		switch {
		case c.Text != "":
			parts = append(parts, c.Text)
		case c.Transcript != "":
			parts = append(parts, c.Transcript)
		}
	}
	return strings.Join(parts, " ")
}
