package backend

import (
	"context"

	"github.com/flametree-ai/sipvox/internal/audio"
	"github.com/flametree-ai/sipvox/pkg/provider/stt"
)

// Transcriber adapts the backend transcription endpoint to stt.Transcriber.
// Samples are encoded as 16-bit mono WAV before upload.
type Transcriber struct {
	client *Client
}

var _ stt.Transcriber = (*Transcriber)(nil)

// NewTranscriber returns a Transcriber backed by the given client.
func NewTranscriber(client *Client) *Transcriber {
	return &Transcriber{client: client}
}

// Transcribe encodes the samples as WAV and posts them to the backend.
func (t *Transcriber) Transcribe(ctx context.Context, samples []float32, sampleRate int) (string, error) {
	return t.client.Transcribe(ctx, audio.EncodeWAV(samples, sampleRate))
}
