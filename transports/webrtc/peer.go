package webrtc

import (
	"context"
	"time"

	"livetranslate/core"
)

// ConnectionState is the peer connection state as reported by the stack.
type ConnectionState int

const (
	PeerStateNew ConnectionState = iota
	PeerStateConnecting
	PeerStateConnected
	PeerStateDisconnected
	PeerStateFailed
	PeerStateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case PeerStateNew:
		return "new"
	case PeerStateConnecting:
		return "connecting"
	case PeerStateConnected:
		return "connected"
	case PeerStateDisconnected:
		return "disconnected"
	case PeerStateFailed:
		return "failed"
	case PeerStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PeerFactory creates one peer connection per connect attempt.
type PeerFactory interface {
	NewPeerConnection() (PeerConnection, error)
}

// PeerConnection is the part of a WebRTC peer connection the session drives.
type PeerConnection interface {
	// AddCaptureTrack attaches the local microphone track.
	AddCaptureTrack() (CaptureTrack, error)
	CreateDataChannel(label string) (DataChannel, error)
	// CreateOffer sets the local description and returns it once ICE
	// gathering has completed.
	CreateOffer(ctx context.Context) (string, error)
	SetAnswer(sdp string) error
	OnRemoteAudio(func(RemoteAudio))
	OnStateChange(func(ConnectionState))
	Close() error
}

// CaptureTrack accepts encoded frames for the outgoing audio track.
type CaptureTrack interface {
	Format() core.AudioChunk
	WriteFrame(data []byte, duration time.Duration) error
}

type DataChannel interface {
	OnOpen(func())
	OnClose(func())
	OnMessage(func(data []byte))
	IsOpen() bool
	SendText(text string) error
	Close() error
}

// RemoteAudio is an incoming audio track. ReadPayload blocks for the next RTP
// payload and returns an error once the track ends.
type RemoteAudio interface {
	Format() core.AudioChunk
	ReadPayload() ([]byte, error)
}
