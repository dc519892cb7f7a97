// Package fileaudio implements core.AudioIOManager on top of WAV files. The
// capture side replays a recording as if it came from a microphone; the
// playback side records whatever the remote peer says.
package fileaudio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"livetranslate/core"
	"livetranslate/utils/audio"
)

type Config struct {
	// CaptureFile is the WAV replayed as microphone input. Empty captures
	// silence.
	CaptureFile string `json:"capture_file" yaml:"capture_file"`
	// PlaybackFile receives remote audio as WAV on Deactivate. Empty discards it.
	PlaybackFile string `json:"playback_file" yaml:"playback_file"`
	SampleRate   int    `json:"sample_rate" yaml:"sample_rate"`
	FrameMs      int    `json:"frame_ms" yaml:"frame_ms"`
	// Loop restarts the capture file at EOF instead of continuing with silence.
	Loop bool `json:"loop" yaml:"loop"`
	// Unpaced returns frames as fast as they are read. Tests use it.
	Unpaced bool `json:"unpaced,omitempty" yaml:"unpaced,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		SampleRate: 24000,
		FrameMs:    20,
	}
}

type Manager struct {
	config Config
	logger *core.Logger
	notes  chan core.AudioNotification

	mu       sync.Mutex
	active   bool
	done     chan struct{}
	capture  []byte
	pos      int
	next     time.Time
	route    core.AudioRoute
	playback []byte
}

func New(config Config, logger *core.Logger) *Manager {
	def := DefaultConfig()
	if config.SampleRate <= 0 {
		config.SampleRate = def.SampleRate
	}
	if config.FrameMs <= 0 {
		config.FrameMs = def.FrameMs
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Manager{
		config: config,
		logger: logger.With(map[string]interface{}{"component": "file_audio"}),
		notes:  make(chan core.AudioNotification, 8),
	}
}

// Configure loads the capture file and activates the session. A missing or
// unreadable capture file is reported as core.ErrPermissionDenied, the same
// way a refused microphone would be.
func (m *Manager) Configure(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var pcm []byte
	if m.config.CaptureFile != "" {
		raw, err := os.ReadFile(m.config.CaptureFile)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
				return fmt.Errorf("%w: %v", core.ErrPermissionDenied, err)
			}
			return fmt.Errorf("fileaudio: read capture: %w", err)
		}
		data, info, err := audio.DecodeWAV(raw)
		if err != nil {
			return fmt.Errorf("fileaudio: %s: %w", m.config.CaptureFile, err)
		}
		converted, err := audio.ConvertAudioChunk(
			core.AudioChunk{Data: data, SampleRate: info.SampleRate, Channels: info.Channels, Format: core.PCM},
			core.PCM, 1, m.config.SampleRate,
		)
		if err != nil {
			return fmt.Errorf("fileaudio: convert capture: %w", err)
		}
		pcm = converted.Data
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		return nil
	}
	m.active = true
	m.done = make(chan struct{})
	m.capture = pcm
	m.pos = 0
	m.next = time.Time{}
	m.playback = m.playback[:0]
	m.logger.With(map[string]any{
		"capture":     m.config.CaptureFile,
		"duration_ms": m.durationLocked(len(pcm)).Milliseconds(),
		"sample_rate": m.config.SampleRate,
	}).Info("FileAudio: configured")
	return nil
}

// Deactivate stops capture and flushes the playback recording.
func (m *Manager) Deactivate() error {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return nil
	}
	m.active = false
	close(m.done)
	recorded := append([]byte(nil), m.playback...)
	m.mu.Unlock()

	if m.config.PlaybackFile == "" || len(recorded) == 0 {
		return nil
	}
	wav, err := audio.PCMBytesToWavBytes(recorded, 1, m.config.SampleRate)
	if err != nil {
		return fmt.Errorf("fileaudio: encode playback: %w", err)
	}
	if err := os.WriteFile(m.config.PlaybackFile, wav, 0o644); err != nil {
		return fmt.Errorf("fileaudio: write playback: %w", err)
	}
	m.logger.With(map[string]any{"file": m.config.PlaybackFile, "bytes": len(recorded)}).Info("FileAudio: playback saved")
	return nil
}

func (m *Manager) SetRoute(route core.AudioRoute) error {
	m.mu.Lock()
	changed := m.route != route
	m.route = route
	m.mu.Unlock()
	if changed {
		m.notify(core.AudioNotification{Kind: core.AudioRouteChanged, Route: route})
	}
	return nil
}

func (m *Manager) Route() core.AudioRoute {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.route
}

func (m *Manager) Notifications() <-chan core.AudioNotification {
	return m.notes
}

// Interrupt and EndInterruption stand in for the platform telling us another
// app took the audio session.
func (m *Manager) Interrupt() {
	m.notify(core.AudioNotification{Kind: core.AudioInterrupted})
}

func (m *Manager) EndInterruption() {
	m.notify(core.AudioNotification{Kind: core.AudioInterruptionEnded})
}

func (m *Manager) notify(n core.AudioNotification) {
	select {
	case m.notes <- n:
	default:
		m.logger.Warn("FileAudio: notification dropped", "kind", n.Kind.String())
	}
}

func (m *Manager) CaptureFormat() core.AudioChunk {
	return core.AudioChunk{SampleRate: m.config.SampleRate, Channels: 1, Format: core.PCM}
}

// ReadCapture returns the next frame, paced to real time unless Unpaced is
// set. It returns io.EOF once the manager is deactivated.
func (m *Manager) ReadCapture(ctx context.Context) (core.AudioChunk, error) {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return core.AudioChunk{}, io.EOF
	}
	done := m.done
	frameDur := time.Duration(m.config.FrameMs) * time.Millisecond
	now := time.Now()
	if m.next.IsZero() {
		m.next = now
	}
	wait := m.next.Sub(now)
	m.next = m.next.Add(frameDur)
	m.mu.Unlock()

	if !m.config.Unpaced && wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-done:
			timer.Stop()
			return core.AudioChunk{}, io.EOF
		case <-ctx.Done():
			timer.Stop()
			return core.AudioChunk{}, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return core.AudioChunk{}, io.EOF
	}
	return core.AudioChunk{
		Data:       m.nextFrameLocked(),
		SampleRate: m.config.SampleRate,
		Channels:   1,
		Format:     core.PCM,
	}, nil
}

func (m *Manager) nextFrameLocked() []byte {
	size := audio.FrameBytes(m.config.SampleRate, 1, m.config.FrameMs)
	frame := audio.Silence(size)
	if len(m.capture) == 0 {
		return frame
	}
	if m.pos >= len(m.capture) {
		if !m.config.Loop {
			return frame
		}
		m.pos = 0
	}
	n := copy(frame, m.capture[m.pos:])
	m.pos += n
	return frame
}

// WritePlayback appends remote audio to the recording.
func (m *Manager) WritePlayback(chunk core.AudioChunk) error {
	pcm, err := audio.ConvertAudioChunk(chunk, core.PCM, 1, m.config.SampleRate)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return nil
	}
	m.playback = append(m.playback, pcm.Data...)
	return nil
}

// PlaybackBytes returns a copy of what has been played so far.
func (m *Manager) PlaybackBytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.playback...)
}

func (m *Manager) durationLocked(n int) time.Duration {
	return time.Duration(n/2) * time.Second / time.Duration(m.config.SampleRate)
}
