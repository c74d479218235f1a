// Package tts schedules speech synthesis for a call. Synthesis runs on a
// bounded pool so long utterances cannot stall the backend, while delivery
// to the player preserves strict enqueue order regardless of which synthesis
// finishes first.
package tts

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// SynthFunc synthesizes one text fragment and returns the path of the
// resulting WAV file. Implementations should poll canceled at their
// suspension points and return an empty path once it is set. An empty path
// with a nil error means the fragment was discarded.
type SynthFunc func(text string, canceled *atomic.Bool) (string, error)

// ReadyFunc receives synthesized files strictly in enqueue order.
type ReadyFunc func(path, text string)

// PipelineConfig configures a [Pipeline].
type PipelineConfig struct {
	// MaxInflight caps concurrent synthesis calls. Values below 1 are
	// treated as 1.
	MaxInflight int

	// Synth performs the actual synthesis. Required.
	Synth SynthFunc

	// Ready is called from [Pipeline.TryPlay] for every delivered task.
	// May be nil.
	Ready ReadyFunc

	// ReadySignal wakes the owner after every enqueue and after every
	// finished synthesis, so it can call [Pipeline.TryPlay] again. May be
	// nil.
	ReadySignal func()
}

// Pipeline runs text-to-speech tasks with bounded parallelism and ordered
// delivery. Tasks live on two queues that share per-task state: the ordered
// queue fixes the delivery order at enqueue time, the pending queue feeds
// the scheduler. Cancellation flags every queued task and empties both
// queues; a canceled task that is already synthesizing keeps its pool slot
// until it returns but is never delivered.
//
// All methods are safe for concurrent use. The pipeline stays usable after
// [Pipeline.Cancel]; a barge-in flushes the current reply, it does not shut
// the pipeline down.
type Pipeline struct {
	synth       SynthFunc
	ready       ReadyFunc
	readySignal func()

	sem *semaphore.Weighted

	// deliver serializes TryPlay. Popping a task and handing it to Ready
	// must be atomic with respect to other deliverers, or two concurrent
	// callers could emit consecutive fragments in swapped order.
	deliver sync.Mutex

	mu      sync.Mutex
	queue   []*task // delivery order
	pending []*task // scheduling order
}

// task is one synthesis request. done is closed exactly once, after path and
// err are set; readiness checks receive from done without consuming state.
type task struct {
	text     string
	canceled *atomic.Bool

	done chan struct{}
	path string
	err  error
}

func (t *task) resolve(path string, err error) {
	t.path = path
	t.err = err
	close(t.done)
}

func (t *task) resolved() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// NewPipeline creates a pipeline from cfg.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	maxInflight := cfg.MaxInflight
	if maxInflight < 1 {
		maxInflight = 1
	}
	return &Pipeline{
		synth:       cfg.Synth,
		ready:       cfg.Ready,
		readySignal: cfg.ReadySignal,
		sem:         semaphore.NewWeighted(int64(maxInflight)),
	}
}

// Enqueue adds one text fragment. A positive delay schedules the enqueue for
// later without holding a queue position in the meantime; the greeting uses
// this. Fires ReadySignal once the task is actually queued.
func (p *Pipeline) Enqueue(text string, delay time.Duration) {
	if delay > 0 {
		time.AfterFunc(delay, func() { p.Enqueue(text, 0) })
		return
	}

	t := &task{
		text:     text,
		canceled: new(atomic.Bool),
		done:     make(chan struct{}),
	}

	p.mu.Lock()
	p.queue = append(p.queue, t)
	p.pending = append(p.pending, t)
	p.mu.Unlock()

	p.maybeStartSynthesis()
	if p.readySignal != nil {
		p.readySignal()
	}
}

// Cancel flags every queued task and drops both queues. Synthesis already in
// flight observes the flag through its canceled pointer. Files of tasks that
// finished but were never delivered are removed here.
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.queue {
		t.canceled.Store(true)
		if t.resolved() && t.err == nil && t.path != "" {
			_ = os.Remove(t.path)
		}
	}
	for _, t := range p.pending {
		t.canceled.Store(true)
	}
	p.queue = nil
	p.pending = nil
}

// HasQueue reports whether any task still awaits delivery.
func (p *Pipeline) HasQueue() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) > 0
}

// TryPlay delivers the ready prefix of the ordered queue: it pops tasks from
// the front while their synthesis has finished and hands each to Ready,
// skipping canceled, failed, and discarded ones. The first unresolved task
// stops delivery so order is never violated. Concurrent callers are
// serialized; each finished synthesis and every state change may wake a
// different goroutine, and only one of them may deliver at a time. A false
// canPlay is a no-op.
func (p *Pipeline) TryPlay(canPlay bool) {
	if !canPlay {
		return
	}
	p.deliver.Lock()
	defer p.deliver.Unlock()
	for {
		p.mu.Lock()
		if len(p.queue) == 0 || !p.queue[0].resolved() {
			p.mu.Unlock()
			return
		}
		t := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		if t.canceled.Load() {
			continue
		}
		if t.err != nil {
			slog.Warn("tts synthesis failed", "error", t.err)
			continue
		}
		if t.path == "" {
			continue
		}
		if p.ready != nil {
			p.ready(t.path, t.text)
		}
	}
}

// maybeStartSynthesis launches pending tasks until the pool is full. Canceled
// tasks are dropped without taking a slot.
func (p *Pipeline) maybeStartSynthesis() {
	for {
		p.mu.Lock()
		for len(p.pending) > 0 && p.pending[0].canceled.Load() {
			p.pending = p.pending[1:]
		}
		if len(p.pending) == 0 {
			p.mu.Unlock()
			return
		}
		if !p.sem.TryAcquire(1) {
			p.mu.Unlock()
			return
		}
		t := p.pending[0]
		p.pending = p.pending[1:]
		p.mu.Unlock()

		go p.runSynthesis(t)
	}
}

// runSynthesis resolves one task, releases its slot, wakes the owner, and
// pulls the next pending task into the freed slot. A file produced after the
// task was already canceled is removed: the cancel swept the queue before the
// path existed, so nobody else will.
func (p *Pipeline) runSynthesis(t *task) {
	path, err := p.synth(t.text, t.canceled)
	t.resolve(path, err)
	if t.canceled.Load() && err == nil && path != "" {
		_ = os.Remove(path)
	}
	p.sem.Release(1)
	if p.readySignal != nil {
		p.readySignal()
	}
	p.maybeStartSynthesis()
}
