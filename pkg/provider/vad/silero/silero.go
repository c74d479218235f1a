// Package silero implements the vad.Engine interface on top of the Silero
// VAD ONNX model via the silero-vad-go bindings.
//
// The bindings expose a streaming detector that reports speech start/end
// transitions rather than raw probabilities. The session tracks the current
// segment state and maps it to a high or low probability, which the stream
// processor's smoothing layer consumes like any other model output.
//
// Requires the ONNX runtime shared library at build time (cgo).
package silero

import (
	"errors"
	"fmt"
	"os"

	"github.com/streamer45/silero-vad-go/speech"

	"github.com/flametree-ai/sipvox/pkg/provider/vad"
)

// Probabilities reported for windows inside and outside a speech segment. The
// detector only exposes segment boundaries, so scores are saturated.
const (
	probSpeech  = 0.95
	probSilence = 0.02
)

// ErrClosed is returned by Predict after the session has been closed.
var ErrClosed = errors.New("silero: session closed")

// Engine creates Silero VAD sessions backed by a shared model file.
type Engine struct {
	modelPath string
}

// New returns an Engine for the ONNX model at modelPath. The file must exist;
// fetch it first if it is downloaded on demand.
func New(modelPath string) (*Engine, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("silero: model file: %w", err)
	}
	return &Engine{modelPath: modelPath}, nil
}

// NewSession creates an independent detector over the engine's model file.
func (e *Engine) NewSession(cfg vad.Config) (vad.Session, error) {
	if cfg.SampleRate != 8000 && cfg.SampleRate != 16000 {
		return nil, fmt.Errorf("silero: unsupported sample rate %d", cfg.SampleRate)
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = 0.5
	}
	det, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:  e.modelPath,
		SampleRate: cfg.SampleRate,
		Threshold:  float32(threshold),
	})
	if err != nil {
		return nil, fmt.Errorf("silero: create detector: %w", err)
	}
	return &session{det: det, windowSize: cfg.WindowSize}, nil
}

// Close releases the engine. The model file stays on disk.
func (e *Engine) Close() error { return nil }

type session struct {
	det        *speech.Detector
	windowSize int
	speaking   bool
	closed     bool
}

func (s *session) Predict(window []float32) (float64, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if s.windowSize > 0 && len(window) != s.windowSize {
		return 0, fmt.Errorf("silero: window size %d, want %d", len(window), s.windowSize)
	}
	event, err := s.det.DetectStreamFrame(window)
	if err != nil {
		// The detector desyncs when it sees an end without a matching start;
		// resetting and treating the window as silence recovers the stream.
		if err.Error() == "unexpected speech end" {
			_ = s.det.Reset()
			s.speaking = false
			return probSilence, nil
		}
		return 0, fmt.Errorf("silero: detect frame: %w", err)
	}
	if event != nil {
		if event.IsStart {
			s.speaking = true
		}
		if event.IsEnd {
			s.speaking = false
		}
	}
	if s.speaking {
		return probSpeech, nil
	}
	return probSilence, nil
}

func (s *session) Reset() {
	if s.closed {
		return
	}
	_ = s.det.Reset()
	s.speaking = false
}

func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.det.Destroy()
}

var _ vad.Engine = (*Engine)(nil)
var _ vad.Session = (*session)(nil)
