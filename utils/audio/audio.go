package audio

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zaf/g711"

	"livetranslate/core"
)

const (
	pcmMax = 32767
	pcmMin = -32768
)

// FrameBytes is the PCM16 byte length of one frame of the given duration.
func FrameBytes(sampleRate, channels, frameMs int) int {
	return sampleRate * channels * frameMs / 1000 * 2
}

// Silence returns n bytes of PCM16 silence.
func Silence(n int) []byte {
	return make([]byte, n)
}

// PCMBytesToULaw converts PCM bytes to µ-law
func PCMBytesToULaw(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, errors.New("PCM byte slice length must be even (16-bit samples)")
	}
	return g711.EncodeUlaw(pcm), nil
}

// ULawBytesToPCM converts µ-law bytes to PCM bytes
func ULawBytesToPCM(uBytes []byte) []byte {
	return g711.DecodeUlaw(uBytes)
}

// PCMBytesToALaw converts PCM bytes to A-law
func PCMBytesToALaw(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, errors.New("PCM byte slice length must be even (16-bit samples)")
	}
	return g711.EncodeAlaw(pcm), nil
}

// ALawBytesToPCM converts A-law bytes to PCM bytes
func ALawBytesToPCM(aBytes []byte) []byte {
	return g711.DecodeAlaw(aBytes)
}

// ValidatePCMData validates PCM byte array for basic integrity
func ValidatePCMData(pcm []byte, numChannels int) error {
	if len(pcm) == 0 {
		return errors.New("PCM data is empty")
	}
	if len(pcm)%2 != 0 {
		return errors.New("PCM data must have even length (16-bit samples)")
	}
	if numChannels <= 0 {
		return errors.New("invalid number of channels")
	}
	if len(pcm)%(2*numChannels) != 0 {
		return errors.New("PCM data length doesn't match channel count")
	}
	return nil
}

// ConvertAudioChunk converts between G.711/PCM formats, channel counts and
// sample rates. PCM is the intermediate format.
func ConvertAudioChunk(
	input core.AudioChunk,
	targetFormat core.AudioEncodingFormat,
	targetChannels int,
	targetSampleRate int,
) (core.AudioChunk, error) {
	if input.Format == targetFormat && input.SampleRate == targetSampleRate && input.Channels == targetChannels {
		return input, nil
	}

	out := input
	switch input.Format {
	case core.PCM:
	case core.ULAW:
		out.Data = ULawBytesToPCM(input.Data)
	case core.ALAW:
		out.Data = ALawBytesToPCM(input.Data)
	default:
		return core.AudioChunk{}, fmt.Errorf("audio: unsupported source format %s", input.Format)
	}
	out.Format = core.PCM

	if out.Channels != targetChannels {
		pcm, err := convertChannels(out.Data, out.Channels, targetChannels)
		if err != nil {
			return core.AudioChunk{}, err
		}
		out.Data = pcm
		out.Channels = targetChannels
	}

	if out.SampleRate != targetSampleRate {
		pcm, err := ResampleLinear(out.Data, out.Channels, out.SampleRate, targetSampleRate)
		if err != nil {
			return core.AudioChunk{}, err
		}
		out.Data = pcm
		out.SampleRate = targetSampleRate
	}

	var err error
	switch targetFormat {
	case core.PCM:
	case core.ULAW:
		out.Data, err = PCMBytesToULaw(out.Data)
	case core.ALAW:
		out.Data, err = PCMBytesToALaw(out.Data)
	default:
		err = fmt.Errorf("audio: unsupported target format %s", targetFormat)
	}
	if err != nil {
		return core.AudioChunk{}, err
	}
	out.Format = targetFormat
	return out, nil
}

// ResampleLinear converts interleaved PCM16 between sample rates with linear
// interpolation. Quality is adequate for speech at telephony rates.
func ResampleLinear(pcm []byte, channels, fromRate, toRate int) ([]byte, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("audio: invalid sample rates %d -> %d", fromRate, toRate)
	}
	if channels <= 0 || len(pcm)%(2*channels) != 0 {
		return nil, fmt.Errorf("audio: pcm length %d does not match %d channels", len(pcm), channels)
	}
	if fromRate == toRate || len(pcm) == 0 {
		return pcm, nil
	}

	inFrames := len(pcm) / (2 * channels)
	outFrames := int(int64(inFrames) * int64(toRate) / int64(fromRate))
	out := make([]byte, outFrames*2*channels)
	step := float64(fromRate) / float64(toRate)

	sample := func(frame, ch int) float64 {
		off := (frame*channels + ch) * 2
		return float64(int16(binary.LittleEndian.Uint16(pcm[off:])))
	}

	for i := 0; i < outFrames; i++ {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= inFrames {
			next = inFrames - 1
		}
		for ch := 0; ch < channels; ch++ {
			v := sample(idx, ch)*(1-frac) + sample(next, ch)*frac
			binary.LittleEndian.PutUint16(out[(i*channels+ch)*2:], uint16(clamp16(v)))
		}
	}
	return out, nil
}

func clamp16(v float64) int16 {
	if v > pcmMax {
		return pcmMax
	}
	if v < pcmMin {
		return pcmMin
	}
	return int16(v)
}

func convertChannels(pcm []byte, fromChannels, toChannels int) ([]byte, error) {
	switch {
	case fromChannels == toChannels:
		return pcm, nil
	case fromChannels == 1 && toChannels == 2:
		return monoToStereo(pcm), nil
	case fromChannels == 2 && toChannels == 1:
		return stereoToMono(pcm), nil
	}
	return nil, fmt.Errorf("audio: unsupported channel conversion: %d to %d", fromChannels, toChannels)
}

func monoToStereo(mono []byte) []byte {
	samples := len(mono) / 2
	out := make([]byte, samples*4)
	for i := 0; i < samples; i++ {
		copy(out[i*4:i*4+2], mono[i*2:i*2+2])
		copy(out[i*4+2:i*4+4], mono[i*2:i*2+2])
	}
	return out
}

func stereoToMono(stereo []byte) []byte {
	frames := len(stereo) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		left := int16(binary.LittleEndian.Uint16(stereo[i*4:]))
		right := int16(binary.LittleEndian.Uint16(stereo[i*4+2:]))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16((int(left)+int(right))/2)))
	}
	return out
}
