package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// PCMBytesToWavBytes wraps PCM16 little endian data in a canonical 44 byte
// WAV header. Empty pcm yields a valid zero-length file.
func PCMBytesToWavBytes(pcm []byte, numChannels, sampleRate int) ([]byte, error) {
	if numChannels <= 0 || numChannels > 2 {
		return nil, errors.New("only mono (1) or stereo (2) channels supported")
	}
	if sampleRate <= 0 {
		return nil, errors.New("sample rate must be positive")
	}
	if len(pcm)%(2*numChannels) != 0 {
		return nil, errors.New("PCM data length doesn't match channel count")
	}

	const bitsPerSample = 16
	blockAlign := uint16(numChannels * bitsPerSample / 8)
	header := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + len(pcm)),
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(numChannels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(blockAlign),
		BlockAlign:    blockAlign,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: uint32(len(pcm)),
	}

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("write wav header: %w", err)
	}
	buf.Write(pcm)
	return buf.Bytes(), nil
}

// WAVInfo is the format of a decoded WAV file.
type WAVInfo struct {
	SampleRate int
	Channels   int
}

// DecodeWAV returns the PCM16 payload of a RIFF/WAVE file. Chunks other than
// "fmt " and "data" are skipped.
func DecodeWAV(data []byte) ([]byte, WAVInfo, error) {
	if len(data) < 12 || !bytes.HasPrefix(data, []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("WAVE")) {
		return nil, WAVInfo{}, errors.New("invalid WAV: missing RIFF/WAVE header")
	}

	var info WAVInfo
	var haveFmt bool
	i := 12
	for i+8 <= len(data) {
		id := string(data[i : i+4])
		size := int(binary.LittleEndian.Uint32(data[i+4 : i+8]))
		body := i + 8
		next := body + size
		if next > len(data) {
			if id == "data" {
				// Truncated recordings are common; keep what is there.
				next = len(data) - (len(data)-body)%2
			} else {
				return nil, WAVInfo{}, fmt.Errorf("invalid WAV: chunk %q exceeds buffer", id)
			}
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, WAVInfo{}, errors.New("invalid WAV: short fmt chunk")
			}
			if format := binary.LittleEndian.Uint16(data[body:]); format != 1 {
				return nil, WAVInfo{}, fmt.Errorf("unsupported WAV format %d (only PCM)", format)
			}
			if bits := binary.LittleEndian.Uint16(data[body+14:]); bits != 16 {
				return nil, WAVInfo{}, fmt.Errorf("unsupported bit depth %d (only 16-bit)", bits)
			}
			info.Channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			info.SampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, WAVInfo{}, errors.New("invalid WAV: data before fmt chunk")
			}
			return data[body:next], info, nil
		}

		if size%2 != 0 {
			next++
		}
		i = next
	}
	return nil, WAVInfo{}, errors.New("invalid WAV: data chunk not found")
}
