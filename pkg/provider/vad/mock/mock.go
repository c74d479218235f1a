// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that sessions are created with the expected Config.
// Use Session to script speech probabilities and inspect the windows that
// were submitted for scoring.
//
// Example:
//
//	sess := &mock.Session{Probabilities: []float64{0.1, 0.9, 0.9, 0.1}}
//	eng := &mock.Engine{Session: sess}
//	handle, _ := eng.NewSession(cfg)
package mock

import (
	"sync"

	"github.com/flametree-ai/sipvox/pkg/provider/vad"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	// Cfg is the Config passed to NewSession.
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is the Session returned by NewSession. If nil, NewSession
	// returns a new default Session.
	Session vad.Session

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// CloseErr is returned by Close.
	CloseErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Close records the call and returns CloseErr.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CloseCallCount++
	return e.CloseErr
}

// Reset clears all recorded calls. Thread-safe.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = nil
	e.CloseCallCount = 0
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// PredictCall records a single invocation of Session.Predict.
type PredictCall struct {
	// Window is a copy of the samples passed to Predict.
	Window []float32
}

// Session is a mock implementation of vad.Session.
type Session struct {
	mu sync.Mutex

	// Probabilities is the sequence of scores returned by successive Predict
	// calls. When the sequence is exhausted (or empty), Probability is
	// returned instead.
	Probabilities []float64

	// Probability is the score returned once Probabilities runs out.
	Probability float64

	// PredictErr, if non-nil, is returned by every Predict call.
	PredictErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// PredictCalls records every call to Predict in order.
	PredictCalls []PredictCall

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	cursor int
}

// Predict records the call and returns the next scripted probability.
func (s *Session) Predict(window []float32) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]float32, len(window))
	copy(cp, window)
	s.PredictCalls = append(s.PredictCalls, PredictCall{Window: cp})
	if s.PredictErr != nil {
		return 0, s.PredictErr
	}
	if s.cursor < len(s.Probabilities) {
		p := s.Probabilities[s.cursor]
		s.cursor++
		return p, nil
	}
	return s.Probability, nil
}

// Reset records the call by incrementing ResetCallCount.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// ResetCalls clears all recorded call history and rewinds the probability
// script. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PredictCalls = nil
	s.ResetCallCount = 0
	s.CloseCallCount = 0
	s.cursor = 0
}

// Ensure Session implements vad.Session at compile time.
var _ vad.Session = (*Session)(nil)
