package fileaudio

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"livetranslate/core"
	"livetranslate/utils/audio"
)

func writeWAV(t *testing.T, dir string, samples []int16, rate int) string {
	t.Helper()
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	wav, err := audio.PCMBytesToWavBytes(pcm, 1, rate)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "capture.wav")
	if err := os.WriteFile(path, wav, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func constant(n int, v int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func allZero(b []byte) bool {
	for _, x := range b {
		if x != 0 {
			return false
		}
	}
	return true
}

func TestMissingCaptureIsPermissionDenied(t *testing.T) {
	m := New(Config{CaptureFile: filepath.Join(t.TempDir(), "nope.wav")}, core.NopLogger())
	err := m.Configure(context.Background())
	if !errors.Is(err, core.ErrPermissionDenied) {
		t.Fatalf("Configure() error = %v, want ErrPermissionDenied", err)
	}
}

func TestCaptureFramesThenSilence(t *testing.T) {
	// 8 kHz, 20 ms frames are 160 samples.
	path := writeWAV(t, t.TempDir(), constant(200, 1000), 8000)
	m := New(Config{CaptureFile: path, SampleRate: 8000, FrameMs: 20, Unpaced: true}, core.NopLogger())
	if err := m.Configure(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Deactivate()

	ctx := context.Background()
	first, err := m.ReadCapture(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Data) != 320 || allZero(first.Data) {
		t.Fatalf("first frame len=%d zero=%v", len(first.Data), allZero(first.Data))
	}
	second, _ := m.ReadCapture(ctx)
	if allZero(second.Data[:80]) || !allZero(second.Data[80:]) {
		t.Fatal("second frame should hold the 40 remaining samples then silence")
	}
	third, _ := m.ReadCapture(ctx)
	if !allZero(third.Data) {
		t.Fatal("after EOF capture should be silence")
	}
}

func TestCaptureLoops(t *testing.T) {
	path := writeWAV(t, t.TempDir(), constant(160, 500), 8000)
	m := New(Config{CaptureFile: path, SampleRate: 8000, FrameMs: 20, Loop: true, Unpaced: true}, core.NopLogger())
	if err := m.Configure(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Deactivate()
	for i := 0; i < 3; i++ {
		frame, err := m.ReadCapture(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if allZero(frame.Data) {
			t.Fatalf("frame %d silent with Loop set", i)
		}
	}
}

func TestCaptureIsResampled(t *testing.T) {
	path := writeWAV(t, t.TempDir(), constant(1600, 800), 16000)
	m := New(Config{CaptureFile: path, SampleRate: 8000, Unpaced: true}, core.NopLogger())
	if err := m.Configure(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Deactivate()
	if got := m.CaptureFormat().SampleRate; got != 8000 {
		t.Fatalf("capture rate = %d", got)
	}
	frame, _ := m.ReadCapture(context.Background())
	if frame.SampleRate != 8000 || len(frame.Data) != 320 {
		t.Fatalf("frame rate=%d len=%d", frame.SampleRate, len(frame.Data))
	}
}

func TestDeactivateUnblocksReadAndWritesPlayback(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "playback.wav")
	m := New(Config{PlaybackFile: out, SampleRate: 8000, FrameMs: 200}, core.NopLogger())
	if err := m.Configure(context.Background()); err != nil {
		t.Fatal(err)
	}

	ulaw := make([]byte, 160)
	for i := range ulaw {
		ulaw[i] = 0x80
	}
	if err := m.WritePlayback(core.AudioChunk{Data: ulaw, SampleRate: 8000, Channels: 1, Format: core.ULAW}); err != nil {
		t.Fatal(err)
	}
	if got := len(m.PlaybackBytes()); got != 320 {
		t.Fatalf("playback bytes = %d, want 320", got)
	}

	// First read returns at once, the second waits a full frame.
	m.ReadCapture(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := m.ReadCapture(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if err := m.Deactivate(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, io.EOF) {
			t.Fatalf("ReadCapture() error = %v, want io.EOF", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ReadCapture still blocked after Deactivate")
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	pcm, info, err := audio.DecodeWAV(data)
	if err != nil {
		t.Fatal(err)
	}
	if info.SampleRate != 8000 || len(pcm) != 320 {
		t.Fatalf("recording rate=%d len=%d", info.SampleRate, len(pcm))
	}
}

func TestRouteAndInterruptionNotifications(t *testing.T) {
	m := New(DefaultConfig(), core.NopLogger())
	m.SetRoute(core.RouteSpeaker)
	m.SetRoute(core.RouteSpeaker)
	m.Interrupt()
	m.EndInterruption()

	want := []core.AudioNotificationKind{core.AudioRouteChanged, core.AudioInterrupted, core.AudioInterruptionEnded}
	for i, kind := range want {
		select {
		case n := <-m.Notifications():
			if n.Kind != kind {
				t.Fatalf("notification %d = %s, want %s", i, n.Kind, kind)
			}
		default:
			t.Fatalf("missing notification %d", i)
		}
	}
	if m.Route() != core.RouteSpeaker {
		t.Fatal("route not kept")
	}
}
