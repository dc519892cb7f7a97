package core

import (
	"errors"
	"fmt"
)

var (
	ErrTokenFetchFailed            = errors.New("token fetch failed")
	ErrSignalingFailed             = errors.New("signaling failed")
	ErrDataChannelTimeout          = errors.New("data channel open timed out")
	ErrDataChannelClosedBeforeOpen = errors.New("data channel closed before open")
	ErrOpenCancelled               = errors.New("data channel open wait cancelled")
	ErrChannelNotOpen              = errors.New("data channel not open")
	ErrMalformedEvent              = errors.New("malformed event")
	ErrPermissionDenied            = errors.New("microphone permission denied")
	ErrConfigInvalid               = errors.New("invalid session config")
	ErrAlreadyConnected            = errors.New("session already connected or connecting")
	ErrNotConnected                = errors.New("session not connected")
	ErrInvalidTransition           = errors.New("invalid turn transition")
	ErrPeerClosed                  = errors.New("peer connection closed")
)

// ConnectStage names the step of the connect sequence that failed.
type ConnectStage string

const (
	StageConfig      ConnectStage = "config"
	StageAudio       ConnectStage = "audio"
	StageToken       ConnectStage = "token"
	StagePeer        ConnectStage = "peer"
	StageOffer       ConnectStage = "offer"
	StageSignaling   ConnectStage = "signaling"
	StageAnswer      ConnectStage = "answer"
	StageDataChannel ConnectStage = "data_channel"
	StageSession     ConnectStage = "session_update"
)

// ConnectError is returned by every failed connect. Err carries one of the
// sentinels above where one applies.
type ConnectError struct {
	Stage ConnectStage
	Err   error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect failed at %s: %v", e.Stage, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SignalingError is a non-2xx answer from the SDP exchange endpoint.
type SignalingError struct {
	Status int
	Body   string
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("signaling failed: status %d: %s", e.Status, e.Body)
}

func (e *SignalingError) Is(target error) bool { return target == ErrSignalingFailed }
