// Package vad defines the Engine interface for voice activity detection
// backends.
//
// A VAD engine wraps a window-level speech model (e.g., Silero VAD or a plain
// energy detector) and surfaces it as a stateful, per-stream session. Each
// session maintains its own internal state (recurrent model context, level
// trackers) so that multiple concurrent audio streams can be scored
// independently.
//
// Sessions are deliberately thin: they score one fixed-size window at a time
// and leave smoothing, hysteresis and utterance segmentation to the caller.
// This keeps backends interchangeable — the stream processor applies the same
// event logic regardless of which model produced the probabilities.
//
// Implementations must be safe for concurrent use across different sessions.
// A single Session must not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

// Session represents an active VAD session for a single audio stream. It is
// an interface so that test code can supply scripted implementations without
// a live model. Each session maintains its own scoring state; Reset clears
// this state without closing the session.
//
// A Session should not be shared between goroutines unless the implementation
// explicitly guarantees concurrent safety.
type Session interface {
	// Predict scores a single audio window and returns the speech probability
	// in [0.0, 1.0]. The window must contain exactly the number of normalized
	// float32 samples configured when the session was created. Returns an
	// error if the window size is wrong or if the backend encounters an
	// internal failure.
	//
	// Predict is called synchronously from the audio pipeline loop; it must
	// not block.
	Predict(window []float32) (float64, error)

	// Reset clears all accumulated scoring state without closing the session.
	// Use this when the audio stream is interrupted or restarted so stale
	// state from the previous segment does not affect subsequent windows.
	Reset()

	// Close releases all resources associated with the session. After Close,
	// Predict must return an error and Reset must be a no-op. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration. The
	// session is immediately ready to score windows.
	//
	// Returns an error if the configuration is invalid (e.g., unsupported
	// sample rate or window size) or if the engine cannot allocate resources
	// for the session.
	NewSession(cfg Config) (Session, error)

	// Close releases the engine and any loaded model. Sessions created by the
	// engine must be closed first.
	Close() error
}
