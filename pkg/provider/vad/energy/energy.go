// Package energy implements the vad.Engine interface with a pure-Go RMS
// level detector. It needs no model file and no cgo, which makes it the
// fallback backend and the default in tests.
//
// The session maps the window's RMS level onto a probability ramp between a
// silence level and a speech level. Hysteresis and smoothing are left to the
// stream processor, so Predict is stateless apart from configuration.
package energy

import (
	"errors"
	"fmt"
	"math"

	"github.com/flametree-ai/sipvox/pkg/provider/vad"
)

// RMS levels bounding the probability ramp, tuned for 16 kHz telephony
// speech. Below silenceLevel the score saturates low, above speechLevel high.
const (
	defaultSilenceLevel = 0.008
	defaultSpeechLevel  = 0.015

	probFloor = 0.02
	probCeil  = 0.98
)

// ErrClosed is returned by Predict after the session has been closed.
var ErrClosed = errors.New("energy: session closed")

// Engine creates RMS-based VAD sessions.
type Engine struct {
	silenceLevel float64
	speechLevel  float64
}

// Option configures an Engine.
type Option func(*Engine)

// WithLevels overrides the RMS silence and speech levels bounding the
// probability ramp. speech must be greater than silence.
func WithLevels(silence, speech float64) Option {
	return func(e *Engine) {
		e.silenceLevel = silence
		e.speechLevel = speech
	}
}

// New returns an Engine with default levels, modified by opts.
func New(opts ...Option) *Engine {
	e := &Engine{
		silenceLevel: defaultSilenceLevel,
		speechLevel:  defaultSpeechLevel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewSession creates a session scoring windows of cfg.WindowSize samples.
func (e *Engine) NewSession(cfg vad.Config) (vad.Session, error) {
	if e.speechLevel <= e.silenceLevel {
		return nil, fmt.Errorf("energy: speech level %v must exceed silence level %v", e.speechLevel, e.silenceLevel)
	}
	return &session{engine: e, windowSize: cfg.WindowSize}, nil
}

// Close releases the engine.
func (e *Engine) Close() error { return nil }

type session struct {
	engine     *Engine
	windowSize int
	closed     bool
}

func (s *session) Predict(window []float32) (float64, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if s.windowSize > 0 && len(window) != s.windowSize {
		return 0, fmt.Errorf("energy: window size %d, want %d", len(window), s.windowSize)
	}
	if len(window) == 0 {
		return probFloor, nil
	}
	var sum float64
	for _, v := range window {
		sum += float64(v) * float64(v)
	}
	level := math.Sqrt(sum / float64(len(window)))

	lo, hi := s.engine.silenceLevel, s.engine.speechLevel
	switch {
	case level <= lo:
		return probFloor, nil
	case level >= hi:
		return probCeil, nil
	default:
		return probFloor + (probCeil-probFloor)*(level-lo)/(hi-lo), nil
	}
}

func (s *session) Reset() {}

func (s *session) Close() error {
	s.closed = true
	return nil
}

var _ vad.Engine = (*Engine)(nil)
var _ vad.Session = (*session)(nil)
