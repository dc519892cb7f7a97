package protocol

// Outbound message types.
const (
	TypeSessionUpdate          = "session.update"
	TypeInputAudioBufferCommit = "input_audio_buffer.commit"
	TypeInputAudioBufferClear  = "input_audio_buffer.clear"
	TypeResponseCreate         = "response.create"
	TypeResponseCancel         = "response.cancel"
)

// Inbound event types.
const (
	TypeSessionCreated              = "session.created"
	TypeSessionUpdated              = "session.updated"
	TypeConversationItemCreated     = "conversation.item.created"
	TypeInputTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	TypeResponseCreated             = "response.created"
	TypeResponseAudioDelta          = "response.audio.delta"
	TypeResponseTranscriptDelta     = "response.audio_transcript.delta"
	TypeResponseTranscriptDone      = "response.audio_transcript.done"
	TypeSpeechStarted               = "input_audio_buffer.speech_started"
	TypeSpeechStopped               = "input_audio_buffer.speech_stopped"
	TypeInputAudioBufferCommitted   = "input_audio_buffer.committed"
	TypeOutputAudioBufferStarted    = "output_audio_buffer.started"
	TypeResponseDone                = "response.done"
	TypeResponseCompleted           = "response.completed"
	TypeResponseAudioDone           = "response.audio.done"
	TypeOutputAudioBufferStopped    = "output_audio_buffer.stopped"
	TypeError                       = "error"
)

// OutboundMessage is a client-to-server frame.
type OutboundMessage interface {
	OutboundType() string
}

type SessionUpdate struct {
	Session SessionConfig
}

type InputAudioBufferCommit struct{}

type InputAudioBufferClear struct{}

type ResponseCreate struct{}

// ResponseCancel cancels the in-flight response. An empty ResponseID targets
// whatever the server is currently producing.
type ResponseCancel struct {
	ResponseID string
}

func (SessionUpdate) OutboundType() string          { return TypeSessionUpdate }
func (InputAudioBufferCommit) OutboundType() string { return TypeInputAudioBufferCommit }
func (InputAudioBufferClear) OutboundType() string  { return TypeInputAudioBufferClear }
func (ResponseCreate) OutboundType() string         { return TypeResponseCreate }
func (ResponseCancel) OutboundType() string         { return TypeResponseCancel }

// InboundEvent is a server-to-client frame. The set is closed: anything the
// decoder does not recognise becomes Unknown.
type InboundEvent interface {
	EventType() string
}

type SessionCreated struct {
	SessionID string
}

type SessionUpdated struct {
	SessionID string
}

type ConversationItemCreated struct {
	ItemID string
	Role   string
	Text   string
}

type InputTranscriptionCompleted struct {
	ItemID     string
	Transcript string
}

type ResponseCreated struct {
	ResponseID string
}

type ResponseAudioDelta struct {
	ResponseID string
	ItemID     string
}

type ResponseTranscriptDelta struct {
	ResponseID string
	ItemID     string
	Delta      string
}

type ResponseTranscriptDone struct {
	ResponseID string
	ItemID     string
	Transcript string
}

type SpeechStarted struct {
	ItemID string
}

type SpeechStopped struct {
	ItemID string
}

type InputAudioBufferCommitted struct {
	ItemID string
}

type OutputAudioStarted struct {
	ResponseID string
}

// OutputEnded covers response.done, response.completed, response.audio.done
// and output_audio_buffer.stopped. Source keeps the original type.
type OutputEnded struct {
	Source     string
	ResponseID string
	Status     string
}

type ServerError struct {
	Code    string
	Kind    string
	Message string
	EventID string
}

type Unknown struct {
	Type string
	Raw  []byte
}

func (SessionCreated) EventType() string              { return TypeSessionCreated }
func (SessionUpdated) EventType() string              { return TypeSessionUpdated }
func (ConversationItemCreated) EventType() string     { return TypeConversationItemCreated }
func (InputTranscriptionCompleted) EventType() string { return TypeInputTranscriptionCompleted }
func (ResponseCreated) EventType() string             { return TypeResponseCreated }
func (ResponseAudioDelta) EventType() string          { return TypeResponseAudioDelta }
func (ResponseTranscriptDelta) EventType() string     { return TypeResponseTranscriptDelta }
func (ResponseTranscriptDone) EventType() string      { return TypeResponseTranscriptDone }
func (SpeechStarted) EventType() string               { return TypeSpeechStarted }
func (SpeechStopped) EventType() string               { return TypeSpeechStopped }
func (InputAudioBufferCommitted) EventType() string   { return TypeInputAudioBufferCommitted }
func (OutputAudioStarted) EventType() string          { return TypeOutputAudioBufferStarted }
func (e OutputEnded) EventType() string               { return e.Source }
func (ServerError) EventType() string                 { return TypeError }
func (e Unknown) EventType() string                   { return e.Type }

// IsOutputEnded reports whether t belongs to the output-ended family.
func IsOutputEnded(t string) bool {
	switch t {
	case TypeResponseDone, TypeResponseCompleted, TypeResponseAudioDone, TypeOutputAudioBufferStopped:
		return true
	}
	return false
}
