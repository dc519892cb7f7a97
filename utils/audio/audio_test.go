package audio

import (
	"encoding/binary"
	"testing"

	"livetranslate/core"
)

func pcmRamp(n int) []byte {
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(i*100-n*50)))
	}
	return pcm
}

func TestWavRoundTrip(t *testing.T) {
	pcm := pcmRamp(160)
	wav, err := PCMBytesToWavBytes(pcm, 1, 8000)
	if err != nil {
		t.Fatalf("PCMBytesToWavBytes() error = %v", err)
	}
	if len(wav) != 44+len(pcm) {
		t.Fatalf("len(wav) = %d", len(wav))
	}
	got, info, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if info.SampleRate != 8000 || info.Channels != 1 {
		t.Fatalf("info = %+v", info)
	}
	if string(got) != string(pcm) {
		t.Fatalf("pcm mismatch")
	}
}

func TestDecodeWAV_Rejects(t *testing.T) {
	for _, data := range [][]byte{nil, []byte("RIFF0000WAVX"), []byte("not a wav file at all")} {
		if _, _, err := DecodeWAV(data); err == nil {
			t.Fatalf("DecodeWAV(%q) expected error", data)
		}
	}
}

func TestResampleLinear_Lengths(t *testing.T) {
	tests := []struct {
		from, to, inFrames, outFrames int
	}{
		{24000, 8000, 480, 160},
		{8000, 24000, 160, 480},
		{16000, 16000, 320, 320},
		{48000, 8000, 960, 160},
	}
	for _, tt := range tests {
		out, err := ResampleLinear(pcmRamp(tt.inFrames), 1, tt.from, tt.to)
		if err != nil {
			t.Fatalf("ResampleLinear() error = %v", err)
		}
		if len(out) != tt.outFrames*2 {
			t.Fatalf("%d->%d: frames = %d, want %d", tt.from, tt.to, len(out)/2, tt.outFrames)
		}
	}
}

func TestConvertAudioChunk_PCMToULawAndBack(t *testing.T) {
	in := core.AudioChunk{Data: pcmRamp(480), SampleRate: 24000, Channels: 1, Format: core.PCM}

	ulaw, err := ConvertAudioChunk(in, core.ULAW, 1, 8000)
	if err != nil {
		t.Fatalf("ConvertAudioChunk() error = %v", err)
	}
	if ulaw.Format != core.ULAW || ulaw.SampleRate != 8000 || len(ulaw.Data) != 160 {
		t.Fatalf("ulaw chunk = %v/%d/%d", ulaw.Format, ulaw.SampleRate, len(ulaw.Data))
	}
	if d := ulaw.Duration().Milliseconds(); d != 20 {
		t.Fatalf("duration = %dms", d)
	}

	back, err := ConvertAudioChunk(ulaw, core.PCM, 2, 8000)
	if err != nil {
		t.Fatalf("ConvertAudioChunk() error = %v", err)
	}
	if back.Channels != 2 || len(back.Data) != 160*4 {
		t.Fatalf("back = %d channels, %d bytes", back.Channels, len(back.Data))
	}
}

func TestFrameBytes(t *testing.T) {
	if got := FrameBytes(8000, 1, 20); got != 320 {
		t.Fatalf("FrameBytes() = %d", got)
	}
	if got := FrameBytes(24000, 1, 20); got != 960 {
		t.Fatalf("FrameBytes() = %d", got)
	}
}
