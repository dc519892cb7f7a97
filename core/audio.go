package core

import (
	"context"
	"time"
)

type AudioEncodingFormat int

const (
	PCM  AudioEncodingFormat = iota // 16-bit little endian linear PCM.
	ULAW                            // G.711 μ-law.
	ALAW                            // G.711 A-law.
)

func (f AudioEncodingFormat) String() string {
	switch f {
	case PCM:
		return "pcm16"
	case ULAW:
		return "pcmu"
	case ALAW:
		return "pcma"
	default:
		return "unknown"
	}
}

type AudioChunk struct {
	Data       []byte
	SampleRate int
	Channels   int
	Format     AudioEncodingFormat
}

// Duration is the playback length of the chunk.
func (ac AudioChunk) Duration() time.Duration {
	if ac.SampleRate == 0 || ac.Channels == 0 {
		return 0
	}
	bytesPerSample := 2
	if ac.Format != PCM {
		bytesPerSample = 1
	}
	samples := len(ac.Data) / (bytesPerSample * ac.Channels)
	return time.Duration(samples) * time.Second / time.Duration(ac.SampleRate)
}

// AudioRoute is the output device selection.
type AudioRoute int

const (
	RouteDefault AudioRoute = iota
	RouteSpeaker
)

func (r AudioRoute) String() string {
	if r == RouteSpeaker {
		return "speaker"
	}
	return "default"
}

type AudioNotificationKind int

const (
	AudioRouteChanged AudioNotificationKind = iota + 1
	AudioInterrupted
	AudioInterruptionEnded
)

func (k AudioNotificationKind) String() string {
	switch k {
	case AudioRouteChanged:
		return "route_changed"
	case AudioInterrupted:
		return "interrupted"
	case AudioInterruptionEnded:
		return "interruption_ended"
	default:
		return "unknown"
	}
}

type AudioNotification struct {
	Kind  AudioNotificationKind
	Route AudioRoute // set for AudioRouteChanged
}

// AudioIOManager owns the platform audio session. Configure must succeed
// before a capture track is attached to a peer connection.
//
// Configure fails with ErrPermissionDenied when the microphone cannot be used.
// ReadCapture blocks until the next PCM16 frame is available and returns
// io.EOF once the manager is deactivated.
type AudioIOManager interface {
	Configure(ctx context.Context) error
	Deactivate() error
	SetRoute(route AudioRoute) error
	Route() AudioRoute
	Notifications() <-chan AudioNotification
	CaptureFormat() AudioChunk
	ReadCapture(ctx context.Context) (AudioChunk, error)
	WritePlayback(chunk AudioChunk) error
}
