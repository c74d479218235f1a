// Package mock provides a test double for the stt.Transcriber interface.
//
// Use Transcriber to script recognition results and inspect the utterances
// that were submitted.
//
// Example:
//
//	tr := &mock.Transcriber{Results: []string{"hello there", "hello there general"}}
//	text, _ := tr.Transcribe(ctx, samples, 16000)
package mock

import (
	"context"
	"sync"

	"github.com/flametree-ai/sipvox/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Samples is a copy of the utterance passed to Transcribe.
	Samples []float32
	// SampleRate is the rate passed to Transcribe.
	SampleRate int
}

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// Results is the sequence of texts returned by successive Transcribe
	// calls. When the sequence is exhausted (or empty), Result is returned
	// instead.
	Results []string

	// Result is the text returned once Results runs out.
	Result string

	// Err, if non-nil, is returned by every Transcribe call.
	Err error

	// Delay is a per-call callback invoked before returning, letting tests
	// block a transcription until they release it. May be nil.
	Delay func(ctx context.Context) error

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall

	cursor int
}

// Transcribe records the call and returns the next scripted result.
func (t *Transcriber) Transcribe(ctx context.Context, samples []float32, sampleRate int) (string, error) {
	t.mu.Lock()
	cp := make([]float32, len(samples))
	copy(cp, samples)
	t.TranscribeCalls = append(t.TranscribeCalls, TranscribeCall{Ctx: ctx, Samples: cp, SampleRate: sampleRate})
	delay := t.Delay
	err := t.Err
	var text string
	if t.cursor < len(t.Results) {
		text = t.Results[t.cursor]
		t.cursor++
	} else {
		text = t.Result
	}
	t.mu.Unlock()

	if delay != nil {
		if derr := delay(ctx); derr != nil {
			return "", derr
		}
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

// Calls returns the number of recorded Transcribe calls. Thread-safe.
func (t *Transcriber) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.TranscribeCalls)
}

// Reset clears all recorded calls and rewinds the result script. Thread-safe.
func (t *Transcriber) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.TranscribeCalls = nil
	t.cursor = 0
}

// Ensure Transcriber implements stt.Transcriber at compile time.
var _ stt.Transcriber = (*Transcriber)(nil)
