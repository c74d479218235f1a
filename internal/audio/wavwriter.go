package audio

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// WAVWriter incrementally writes 16-bit PCM mono audio to a RIFF/WAVE file.
// The header is patched with the final sizes on Close, so a crash mid-call
// leaves a file with zeroed lengths rather than corrupt audio.
//
// Safe for concurrent use.
type WAVWriter struct {
	mu        sync.Mutex
	f         *os.File
	dataBytes int
	closed    bool
}

// NewWAVWriter creates (or truncates) the file at path and writes a
// placeholder header for the given sample rate. Parent directories are
// created as needed.
func NewWAVWriter(path string, sampleRate int) (*WAVWriter, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("audio: create recording dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("audio: create recording: %w", err)
	}
	if _, err := f.Write(EncodeWAV(nil, sampleRate)); err != nil {
		f.Close()
		return nil, fmt.Errorf("audio: write header: %w", err)
	}
	return &WAVWriter{f: f}, nil
}

// WritePCM appends raw little-endian 16-bit samples to the file.
func (w *WAVWriter) WritePCM(pcm []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return os.ErrClosed
	}
	n, err := w.f.Write(pcm)
	w.dataBytes += n
	if err != nil {
		return fmt.Errorf("audio: write recording: %w", err)
	}
	return nil
}

// Close patches the RIFF and data chunk sizes and closes the file. Safe to
// call more than once.
func (w *WAVWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var sizes [4]byte
	binary.LittleEndian.PutUint32(sizes[:], uint32(36+w.dataBytes))
	if _, err := w.f.WriteAt(sizes[:], 4); err != nil {
		w.f.Close()
		return fmt.Errorf("audio: patch riff size: %w", err)
	}
	binary.LittleEndian.PutUint32(sizes[:], uint32(w.dataBytes))
	if _, err := w.f.WriteAt(sizes[:], 40); err != nil {
		w.f.Close()
		return fmt.Errorf("audio: patch data size: %w", err)
	}
	return w.f.Close()
}
