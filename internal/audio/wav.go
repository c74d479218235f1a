// Package audio implements the gateway's in-process audio plumbing: the
// bounded frame port between the SIP media loop and the conversation
// pipeline, the serial WAV player with interruption, WAV encode/decode for
// utterance blobs, streaming WAV file output for call recording, and mono
// resampling between codec and pipeline rates.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// wavHeaderSize is the byte length of a canonical PCM RIFF/WAVE header.
const wavHeaderSize = 44

var (
	// ErrNotWAV is returned when a blob does not start with a RIFF/WAVE header.
	ErrNotWAV = errors.New("audio: not a RIFF/WAVE blob")

	// ErrWAVFormat is returned for WAV blobs whose format the pipeline cannot
	// play: anything but 16-bit integer PCM.
	ErrWAVFormat = errors.New("audio: unsupported WAV format")
)

// EncodeWAV serializes normalized mono samples into a 16-bit PCM RIFF/WAVE
// blob. Samples are clamped to [-1, 1] before quantization.
func EncodeWAV(samples []float32, sampleRate int) []byte {
	dataSize := 2 * len(samples)
	out := make([]byte, wavHeaderSize+dataSize)

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+dataSize))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(out[20:22], 1)  // audio format: PCM
	binary.LittleEndian.PutUint16(out[22:24], 1)  // channels: mono
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(sampleRate*2)) // byte rate
	binary.LittleEndian.PutUint16(out[32:34], 2)                    // block align
	binary.LittleEndian.PutUint16(out[34:36], 16)                   // bits per sample
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(dataSize))

	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * math.MaxInt16)
		binary.LittleEndian.PutUint16(out[wavHeaderSize+2*i:], uint16(v))
	}
	return out
}

// DecodeWAV parses a 16-bit PCM RIFF/WAVE blob into normalized mono samples
// and the sample rate. Stereo data is downmixed by averaging. Unknown chunks
// (LIST, fact, …) are skipped, so blobs from external synthesizers decode
// even when they carry metadata.
func DecodeWAV(blob []byte) ([]float32, int, error) {
	if len(blob) < wavHeaderSize || string(blob[0:4]) != "RIFF" || string(blob[8:12]) != "WAVE" {
		return nil, 0, ErrNotWAV
	}

	var (
		sampleRate int
		channels   int
		haveFmt    bool
		data       []byte
	)
	off := 12
	for off+8 <= len(blob) {
		id := string(blob[off : off+4])
		size := int(binary.LittleEndian.Uint32(blob[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(blob) {
			// Truncated chunk: take what is there for data, reject otherwise.
			if id == "data" && body < len(blob) {
				size = len(blob) - body
			} else {
				break
			}
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, ErrWAVFormat
			}
			format := binary.LittleEndian.Uint16(blob[body : body+2])
			channels = int(binary.LittleEndian.Uint16(blob[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(blob[body+4 : body+8]))
			bits := binary.LittleEndian.Uint16(blob[body+14 : body+16])
			if format != 1 || bits != 16 || channels < 1 {
				return nil, 0, fmt.Errorf("%w: format=%d bits=%d channels=%d", ErrWAVFormat, format, bits, channels)
			}
			haveFmt = true
		case "data":
			data = blob[body : body+size]
		}
		// Chunks are word-aligned.
		off = body + size + size%2
		if data != nil && haveFmt {
			break
		}
	}
	if !haveFmt || data == nil {
		return nil, 0, ErrNotWAV
	}

	frames := len(data) / 2 / channels
	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var acc float32
		for c := 0; c < channels; c++ {
			v := int16(binary.LittleEndian.Uint16(data[(i*channels+c)*2:]))
			acc += float32(v) / 32768.0
		}
		samples[i] = acc / float32(channels)
	}
	return samples, sampleRate, nil
}
