package telephony

import "time"

// Format describes the fixed PCM layout of a media session. All sessions use
// 16-bit little-endian signed samples.
type Format struct {
	// SampleRate in Hz, e.g. 16000.
	SampleRate int

	// Channels is the interleaved channel count. Telephony sessions are mono.
	Channels int

	// FrameTime is the duration of audio carried by one capture frame.
	FrameTime time.Duration
}

// Samples returns the per-channel sample count of one frame in this format.
func (f Format) Samples() int {
	return int(f.FrameTime.Seconds() * float64(f.SampleRate))
}

// Frame is one fixed-duration chunk of captured audio.
type Frame struct {
	// Data holds interleaved PCM16LE samples.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels is the interleaved channel count.
	Channels int

	// Timestamp is the capture time of the frame's first sample.
	Timestamp time.Time
}

// SampleCount returns the number of per-channel samples in the frame.
func (f Frame) SampleCount() int {
	if f.Channels == 0 {
		return 0
	}
	return len(f.Data) / 2 / f.Channels
}

// Float32 decodes the frame into normalized samples in [-1, 1). Multi-channel
// frames are downmixed by averaging.
func (f Frame) Float32() []float32 {
	n := f.SampleCount()
	out := make([]float32, n)
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	for i := 0; i < n; i++ {
		var acc float32
		for c := 0; c < ch; c++ {
			off := (i*ch + c) * 2
			s := int16(uint16(f.Data[off]) | uint16(f.Data[off+1])<<8)
			acc += float32(s) / 32768.0
		}
		out[i] = acc / float32(ch)
	}
	return out
}
