package audio

import (
	"sync"
	"sync/atomic"

	"github.com/flametree-ai/sipvox/pkg/telephony"
)

// portCapacity bounds the frame queue between the media loop and the
// processing worker. On overflow the oldest frame is dropped so the most
// recent audio survives.
const portCapacity = 64

// FramePort decouples the SIP media loop from frame processing. Ingest is
// called on the media goroutine and never blocks; a dedicated worker drains
// the queue and invokes the installed handler. Handler substitution is atomic
// and takes effect for all frames not yet handed to the previous handler.
type FramePort struct {
	format  telephony.Format
	queue   chan telephony.Frame
	handler atomic.Pointer[telephony.FrameHandler]
	dropped atomic.Int64

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewFramePort creates a port for frames of the given format. Call Start to
// launch the drain worker.
func NewFramePort(format telephony.Format) *FramePort {
	return &FramePort{
		format: format,
		queue:  make(chan telephony.Frame, portCapacity),
		done:   make(chan struct{}),
	}
}

// SetHandler installs h as the frame handler. Passing nil detaches; queued
// frames are then drained and discarded by the worker.
func (p *FramePort) SetHandler(h telephony.FrameHandler) {
	if h == nil {
		p.handler.Store(nil)
		return
	}
	p.handler.Store(&h)
}

// Ingest enqueues a received frame. Safe to call from the media goroutine at
// line rate; when the queue is full the oldest frame is discarded.
func (p *FramePort) Ingest(f telephony.Frame) {
	select {
	case p.queue <- f:
		return
	default:
	}
	select {
	case <-p.queue:
		p.dropped.Add(1)
	default:
	}
	select {
	case p.queue <- f:
	default:
		// Lost the race with another producer; count the frame as dropped
		// rather than block the media loop.
		p.dropped.Add(1)
	}
}

// Pull returns one outbound frame. The transmit side of the port always
// serves silence; reply audio goes out through the media file player instead.
func (p *FramePort) Pull() telephony.Frame {
	n := p.format.Samples() * p.format.Channels
	return telephony.Frame{
		Data:       make([]byte, n*2),
		SampleRate: p.format.SampleRate,
		Channels:   p.format.Channels,
	}
}

// Dropped returns the number of frames discarded due to backpressure.
func (p *FramePort) Dropped() int64 { return p.dropped.Load() }

// Start launches the drain worker. Must be called exactly once.
func (p *FramePort) Start() {
	p.wg.Add(1)
	go p.drain()
}

// Stop terminates the worker and waits for it to exit. Frames still queued
// are discarded. Safe to call more than once.
func (p *FramePort) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
	})
}

func (p *FramePort) drain() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case f := <-p.queue:
			if h := p.handler.Load(); h != nil {
				(*h)(f)
			}
		}
	}
}
