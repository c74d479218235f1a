package audio_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/flametree-ai/sipvox/internal/audio"
)

func TestWAVWriter_WriteAndPatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec", "session.wav")

	w, err := audio.NewWAVWriter(path, 16000)
	if err != nil {
		t.Fatalf("NewWAVWriter: %v", err)
	}

	pcm := make([]byte, 320)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	if err := w.WritePCM(pcm[:100]); err != nil {
		t.Fatalf("WritePCM: %v", err)
	}
	if err := w.WritePCM(pcm[100:]); err != nil {
		t.Fatalf("WritePCM: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	blob, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(blob) != 44+320 {
		t.Fatalf("file length = %d, want %d", len(blob), 44+320)
	}
	if got := binary.LittleEndian.Uint32(blob[4:8]); got != 36+320 {
		t.Errorf("riff size = %d, want %d", got, 36+320)
	}
	if got := binary.LittleEndian.Uint32(blob[40:44]); got != 320 {
		t.Errorf("data size = %d, want 320", got)
	}

	// The result must decode as valid WAV.
	samples, rate, err := audio.DecodeWAV(blob)
	if err != nil {
		t.Fatalf("DecodeWAV on recording: %v", err)
	}
	if rate != 16000 || len(samples) != 160 {
		t.Errorf("decoded rate=%d samples=%d, want 16000/160", rate, len(samples))
	}
}

func TestWAVWriter_CloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.wav")
	w, err := audio.NewWAVWriter(path, 8000)
	if err != nil {
		t.Fatalf("NewWAVWriter: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := w.WritePCM([]byte{0, 0}); err == nil {
		t.Fatal("WritePCM after Close should fail")
	}
}

func TestMixPCM16_SumsAndClamps(t *testing.T) {
	a := make([]byte, 4)
	b := make([]byte, 4)
	binary.LittleEndian.PutUint16(a[0:2], uint16(int16(1000)))
	binary.LittleEndian.PutUint16(b[0:2], uint16(int16(250)))
	binary.LittleEndian.PutUint16(a[2:4], uint16(int16(32000)))
	binary.LittleEndian.PutUint16(b[2:4], uint16(int16(32000)))

	out := audio.MixPCM16(a, b)
	if got := int16(binary.LittleEndian.Uint16(out[0:2])); got != 1250 {
		t.Errorf("sum = %d, want 1250", got)
	}
	if got := int16(binary.LittleEndian.Uint16(out[2:4])); got != 32767 {
		t.Errorf("clamped sum = %d, want 32767", got)
	}
}

func TestMixPCM16_UnequalLengths(t *testing.T) {
	a := make([]byte, 6)
	tail := int16(-77)
	binary.LittleEndian.PutUint16(a[4:6], uint16(tail))
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b[0:2], uint16(int16(5)))

	out := audio.MixPCM16(a, b)
	if len(out) != 6 {
		t.Fatalf("length = %d, want 6 (longer input)", len(out))
	}
	if got := int16(binary.LittleEndian.Uint16(out[0:2])); got != 5 {
		t.Errorf("first sample = %d, want 5", got)
	}
	if got := int16(binary.LittleEndian.Uint16(out[4:6])); got != -77 {
		t.Errorf("tail sample = %d, want -77 (short input is silence)", got)
	}
}
