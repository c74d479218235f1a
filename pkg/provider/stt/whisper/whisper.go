// Package whisper implements stt.Transcriber with the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
//
// The model is loaded once and shared across calls; each Transcribe runs in a
// fresh whisper context because contexts are not thread-safe.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/flametree-ai/sipvox/pkg/provider/stt"
)

// sampleRate is the only rate whisper.cpp accepts.
const sampleRate = 16000

const defaultLanguage = "en"

// Engine is a local transcriber backed by a whisper.cpp model.
type Engine struct {
	model    whisperlib.Model
	language string
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithLanguage sets the BCP-47 language code for transcription (e.g. "en",
// "de"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(e *Engine) { e.language = lang }
}

// New loads the whisper.cpp model from modelPath. The model is shared across
// all concurrent Transcribe calls; the caller must Close the engine when it
// is no longer needed.
func New(modelPath string, opts ...Option) (*Engine, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	e := &Engine{model: model, language: defaultLanguage}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Close releases the whisper model.
func (e *Engine) Close() error {
	if e.model != nil {
		return e.model.Close()
	}
	return nil
}

// Transcribe runs whisper.cpp inference over the utterance and returns the
// concatenated segment text.
func (e *Engine) Transcribe(ctx context.Context, samples []float32, rate int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	if rate != sampleRate {
		return "", fmt.Errorf("whisper: sample rate %d, want %d", rate, sampleRate)
	}
	if len(samples) == 0 {
		return "", nil
	}

	// Each context is NOT thread-safe, but the model can be shared across
	// goroutines.
	wctx, err := e.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(e.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", e.language, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

// Compile-time assertion that Engine satisfies stt.Transcriber.
var _ stt.Transcriber = (*Engine)(nil)
