// Package stt defines the Transcriber interface for speech-to-text backends.
//
// The gateway transcribes complete utterances: the stream processor assembles
// padded, fade-smoothed speech segments and hands each one to a Transcriber —
// once mid-utterance for the speculative pass and once after the utterance
// ends for the authoritative pass. Implementations run inference locally
// (whisper.cpp) or remotely (the conversation backend's transcription
// endpoint).
//
// Implementations must be safe for concurrent use; utterances from different
// calls are transcribed in parallel.
package stt

import "context"

// Transcriber converts one complete utterance to text.
type Transcriber interface {
	// Transcribe runs speech recognition over the utterance samples
	// (normalized float32 mono at sampleRate Hz) and returns the recognized
	// text with surrounding whitespace trimmed. An empty string with a nil
	// error means the backend heard nothing.
	//
	// The context bounds the whole inference; implementations must honor
	// cancellation promptly since speculative transcriptions are discarded
	// when the user resumes speaking.
	Transcribe(ctx context.Context, samples []float32, sampleRate int) (string, error)
}
