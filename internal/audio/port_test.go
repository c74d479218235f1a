package audio_test

import (
	"sync"
	"testing"
	"time"

	"github.com/flametree-ai/sipvox/internal/audio"
	"github.com/flametree-ai/sipvox/pkg/telephony"
)

func testFormat() telephony.Format {
	return telephony.Format{SampleRate: 16000, Channels: 1, FrameTime: 60 * time.Millisecond}
}

// frameWithSeq builds a frame whose first byte carries a sequence marker.
func frameWithSeq(seq byte) telephony.Frame {
	return telephony.Frame{Data: []byte{seq, 0}, SampleRate: 16000, Channels: 1}
}

func TestFramePort_DeliversInOrder(t *testing.T) {
	port := audio.NewFramePort(testFormat())

	var mu sync.Mutex
	var got []byte
	done := make(chan struct{})
	port.SetHandler(func(f telephony.Frame) {
		mu.Lock()
		got = append(got, f.Data[0])
		if len(got) == 5 {
			close(done)
		}
		mu.Unlock()
	})
	port.Start()
	defer port.Stop()

	for i := byte(0); i < 5; i++ {
		port.Ingest(frameWithSeq(i))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frames")
	}
	mu.Lock()
	defer mu.Unlock()
	for i := byte(0); i < 5; i++ {
		if got[i] != i {
			t.Fatalf("frame %d = %d, want %d (order violated)", i, got[i], i)
		}
	}
}

func TestFramePort_OverflowDropsOldest(t *testing.T) {
	port := audio.NewFramePort(testFormat())
	// No handler and no worker: everything stays queued.

	for i := 0; i < 70; i++ {
		port.Ingest(frameWithSeq(byte(i)))
	}
	if port.Dropped() != 6 {
		t.Fatalf("dropped = %d, want 6 (70 pushed into capacity 64)", port.Dropped())
	}

	// Drain and verify the oldest frames are the ones missing.
	var mu sync.Mutex
	var got []byte
	done := make(chan struct{})
	port.SetHandler(func(f telephony.Frame) {
		mu.Lock()
		got = append(got, f.Data[0])
		if len(got) == 64 {
			close(done)
		}
		mu.Unlock()
	})
	port.Start()
	defer port.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out draining queue")
	}
	mu.Lock()
	defer mu.Unlock()
	if got[0] != 6 {
		t.Errorf("first surviving frame = %d, want 6 (frames 0-5 dropped)", got[0])
	}
	if got[63] != 69 {
		t.Errorf("last frame = %d, want 69 (most recent audio preserved)", got[63])
	}
}

func TestFramePort_HandlerSwap(t *testing.T) {
	port := audio.NewFramePort(testFormat())

	first := make(chan byte, 8)
	second := make(chan byte, 8)
	port.SetHandler(func(f telephony.Frame) { first <- f.Data[0] })
	port.Start()
	defer port.Stop()

	port.Ingest(frameWithSeq(1))
	select {
	case v := <-first:
		if v != 1 {
			t.Fatalf("first handler got %d, want 1", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first handler never invoked")
	}

	port.SetHandler(func(f telephony.Frame) { second <- f.Data[0] })
	port.Ingest(frameWithSeq(2))
	select {
	case v := <-second:
		if v != 2 {
			t.Fatalf("second handler got %d, want 2", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second handler never invoked")
	}
	select {
	case v := <-first:
		t.Fatalf("first handler invoked after swap with %d", v)
	default:
	}
}

func TestFramePort_NilHandlerDiscards(t *testing.T) {
	port := audio.NewFramePort(testFormat())
	port.Start()
	defer port.Stop()

	// Should not panic with no handler installed.
	port.Ingest(frameWithSeq(1))
	port.SetHandler(nil)
	port.Ingest(frameWithSeq(2))
	time.Sleep(20 * time.Millisecond)
}

func TestFramePort_PullReturnsSilence(t *testing.T) {
	port := audio.NewFramePort(testFormat())
	f := port.Pull()
	want := 16000 * 60 / 1000 * 2 // samples per 60ms frame × 2 bytes
	if len(f.Data) != want {
		t.Fatalf("outbound frame size = %d, want %d", len(f.Data), want)
	}
	for i, b := range f.Data {
		if b != 0 {
			t.Fatalf("outbound frame byte %d = %d, want 0 (silence)", i, b)
		}
	}
}

func TestFramePort_StopIsIdempotent(t *testing.T) {
	port := audio.NewFramePort(testFormat())
	port.Start()
	port.Stop()
	port.Stop()
}
