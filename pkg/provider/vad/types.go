package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// windows passed to Predict. Common values: 8000, 16000.
	SampleRate int

	// WindowSize is the number of samples per inference window. Silero-style
	// models require 512 samples at 16 kHz and 256 at 8 kHz.
	WindowSize int

	// Threshold is the backend's native speech threshold in [0.0, 1.0]. Only
	// backends with built-in segmentation consume it; pure scoring backends
	// ignore it. Typical: 0.5.
	Threshold float64
}
