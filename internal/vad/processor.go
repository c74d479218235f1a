// Package vad segments a continuous PCM stream into conversational events.
//
// The central type is [Processor], which consumes normalized float32 samples,
// scores fixed-size windows through a [provider.Session], and fires callbacks
// for five event classes: speech start, speech end, short pause, long pause,
// and user-silence timeout. A short pause is the cue to start speculative
// reply generation; a long pause commits it. The processor maintains a rolling
// padded speech buffer so that event payloads carry the full utterance audio
// with smooth fade boundaries.
//
// [DynamicCorrection] is an optional second stage that refines the per-window
// speech decision using signal statistics; it is consulted only when enabled
// in [ProcessorConfig].
//
// ProcessSamples and Finalize must be called from a single goroutine. The
// control methods (SetLongPauseSuspended, StartUserSilence, ResetUserSilence,
// CancelUserSilence) are safe to call concurrently with processing.
package vad

import (
	"log/slog"
	"math"
	"sync"
	"time"

	provider "github.com/flametree-ai/sipvox/pkg/provider/vad"
)

// defaultWindowSize is the per-inference window in samples. Silero-style
// models require 512 samples at 16 kHz.
const defaultWindowSize = 512

// SegmentFunc receives a detected audio segment together with its position in
// the stream: start is the offset of the segment's first sample from the
// beginning of capture, duration is the segment length.
type SegmentFunc func(pcm []float32, start, duration time.Duration)

// Callbacks bundles the event handlers fired by a [Processor]. Nil entries
// are skipped. Handlers run in-line with ProcessSamples; they must not block.
type Callbacks struct {
	// SpeechStart fires when a speech run reaches the minimum speech length.
	// The payload is the fade-in pad drawn from the silence preceding the
	// utterance, not the speech itself.
	SpeechStart SegmentFunc

	// SpeechEnd fires when an open speech run accumulates the minimum
	// silence. The payload is the speech slice trimmed of trailing silence.
	SpeechEnd SegmentFunc

	// ShortPause fires at most once per utterance when trailing silence
	// reaches the short-pause length. The payload is pad + speech + faded
	// silence.
	ShortPause SegmentFunc

	// LongPause fires when trailing silence reaches the long-pause length
	// (unless suspended) and closes the utterance. Payload as ShortPause.
	LongPause SegmentFunc

	// UserSilenceTimeout fires at most once per armed period when no speech
	// has been heard for the configured timeout. The argument is the stream
	// position at which the timeout tripped.
	UserSilenceTimeout func(at time.Duration)
}

// ProcessorConfig holds the tunables of a [Processor].
type ProcessorConfig struct {
	// SampleRate of the inbound PCM in Hz.
	SampleRate int

	// WindowSize is the inference window in samples. Defaults to 512.
	WindowSize int

	// Threshold is the smoothed-probability speech threshold in (0, 1).
	Threshold float64

	// ProbWindow is the number of trailing probabilities folded into the
	// weighted mean. Values below 1 are treated as 1.
	ProbWindow int

	// MinSpeechDuration is the speech run length that opens an utterance.
	MinSpeechDuration time.Duration

	// MinSilenceDuration is the silence length that closes a speech run.
	MinSilenceDuration time.Duration

	// SpeechPad is the amount of pre-speech silence carried into payloads
	// as a fade-in pad.
	SpeechPad time.Duration

	// ShortPauseOffset extends MinSilenceDuration to the short-pause length.
	ShortPauseOffset time.Duration

	// LongPauseOffset extends the short-pause length to the long-pause length.
	LongPauseOffset time.Duration

	// UserSilenceTimeout is the no-speech period after which the timeout
	// event fires.
	UserSilenceTimeout time.Duration

	// UseCorrection enables the dynamic correction stage.
	UseCorrection bool

	// Correction tunes the dynamic correction stage when enabled.
	Correction CorrectionConfig
}

// Processor turns a continuous sample stream into conversational events.
type Processor struct {
	session provider.Session
	cb      Callbacks

	sampleRate int
	windowSize int
	threshold  float64
	probWindow int

	// Derived lengths in samples.
	minSpeech  int
	minSilence int
	speechPad  int
	shortPause int
	longPause  int
	maxSilence int

	// Stream state, owned by the processing goroutine.
	pending   []float32
	speech    []float32
	silence   []float32
	pad       []float32
	probs     []float64
	current   int
	speechAt  int
	active    bool // a speech run is open
	utterance bool // an utterance (possibly spanning silences) is open
	shortDone bool

	// mu guards the control fields and the correction stage, which are
	// touched both by the processing goroutine and by external controls.
	mu                 sync.Mutex
	correction         *DynamicCorrection
	longPauseSuspended bool
	userSilence        int // timeout length in samples
	userSilenceStart   int
	userSilenceFired   bool
}

// NewProcessor wires a scoring session to the event logic. The session is
// borrowed, not owned: the caller closes it after the processor is finalized.
func NewProcessor(session provider.Session, cfg ProcessorConfig, cb Callbacks) *Processor {
	windowSize := cfg.WindowSize
	if windowSize <= 0 {
		windowSize = defaultWindowSize
	}
	probWindow := cfg.ProbWindow
	if probWindow < 1 {
		probWindow = 1
	}

	sr := cfg.SampleRate
	samples := func(d time.Duration) int {
		return int(d.Milliseconds()) * sr / 1000
	}

	minSilence := samples(cfg.MinSilenceDuration)
	shortPause := minSilence + samples(cfg.ShortPauseOffset)
	maxSilence := samples(2 * cfg.SpeechPad)
	if minSilence > maxSilence {
		maxSilence = minSilence
	}

	p := &Processor{
		session:     session,
		cb:          cb,
		sampleRate:  sr,
		windowSize:  windowSize,
		threshold:   cfg.Threshold,
		probWindow:  probWindow,
		minSpeech:   samples(cfg.MinSpeechDuration),
		minSilence:  minSilence,
		speechPad:   samples(cfg.SpeechPad),
		shortPause:  shortPause,
		longPause:   shortPause + samples(cfg.LongPauseOffset),
		maxSilence:  maxSilence,
		userSilence: samples(cfg.UserSilenceTimeout),
	}
	if cfg.UseCorrection {
		p.correction = NewDynamicCorrection(cfg.Correction)
	}
	return p
}

// ─── Processing ──────────────────────────────────────────────────────────────

// ProcessSamples appends samples to the stream and scores every complete
// window, firing event callbacks in-line. Partial windows are buffered until
// enough audio arrives.
func (p *Processor) ProcessSamples(samples []float32) {
	p.pending = append(p.pending, samples...)
	for len(p.pending) >= p.windowSize {
		window := p.pending[:p.windowSize]
		p.pending = p.pending[p.windowSize:]
		p.processWindow(window)
	}
}

// Finalize flushes any open utterance as a long pause. Call once after sample
// ingestion has stopped; it must not race ProcessSamples.
func (p *Processor) Finalize() {
	if len(p.speech) >= p.minSpeech {
		p.fireLongPause()
	}
}

// CurrentTime returns the stream position of the last processed sample.
func (p *Processor) CurrentTime() time.Duration {
	return p.toDuration(p.current)
}

func (p *Processor) processWindow(window []float32) {
	prob := p.smoothedProb(window)

	isSpeech := prob > p.threshold
	p.mu.Lock()
	if p.correction != nil {
		isSpeech = p.correction.ProcessFrame(prob, rmsEnergy(window))
	}
	p.mu.Unlock()

	p.current += len(window)

	// Buffer accounting. Inside an utterance every window lands in the
	// speech buffer so pause payloads stay contiguous; outside, speech and
	// silence accumulate separately until an utterance opens.
	if p.utterance {
		p.speech = append(p.speech, window...)
		if isSpeech {
			p.silence = p.silence[:0]
		} else {
			p.growSilence(window)
		}
	} else {
		if isSpeech {
			p.speech = append(p.speech, window...)
		} else {
			if len(p.speech) > 0 {
				p.growSilence(p.speech)
				p.speech = p.speech[:0]
			}
			p.growSilence(window)
		}
	}

	if isSpeech {
		if !p.active {
			p.speechAt = p.current - len(window)
			if len(p.speech) >= p.minSpeech {
				p.fireSpeechStart()
			}
		}
		return
	}

	// Silence window.
	if p.active {
		if len(p.silence) >= p.minSilence {
			p.fireSpeechEnd()
		}
	} else if p.userSilenceElapsed() {
		p.fireUserSilenceTimeout()
	}
	if p.utterance {
		if !p.shortDone && len(p.silence) >= p.shortPause {
			p.fireShortPause()
		}
		if !p.isLongPauseSuspended() && len(p.silence) >= p.longPause {
			p.fireLongPause()
		}
	}
}

// smoothedProb scores one window and folds it into the trailing weighted mean
// (weights 1..N, newest heaviest). Quiet windows score zero without touching
// the model; windows are peak-normalized before inference when the peak is
// above 1 or below 0.01.
func (p *Processor) smoothedProb(window []float32) float64 {
	prob := p.rawProb(window)

	p.probs = append(p.probs, prob)
	if len(p.probs) > p.probWindow {
		p.probs = p.probs[1:]
	}
	if len(p.probs) == 1 {
		return prob
	}

	var sum, weightSum float64
	for i, v := range p.probs {
		w := float64(i + 1)
		sum += v * w
		weightSum += w
	}
	return sum / weightSum
}

func (p *Processor) rawProb(window []float32) float64 {
	var peak float32
	for _, s := range window {
		if a := float32(math.Abs(float64(s))); a > peak {
			peak = a
		}
	}
	if peak == 0 {
		return 0
	}

	scored := window
	if peak > 1.0 || peak < 0.01 {
		scored = make([]float32, len(window))
		for i, s := range window {
			scored[i] = s / peak
		}
	}

	prob, err := p.session.Predict(scored)
	if err != nil {
		slog.Error("vad inference failed", "err", err)
		return 0
	}
	return prob
}

func (p *Processor) growSilence(chunk []float32) {
	p.silence = append(p.silence, chunk...)
	if len(p.silence) > p.maxSilence {
		p.silence = p.silence[len(p.silence)-p.maxSilence:]
	}
}

// ─── Event firing ────────────────────────────────────────────────────────────

func (p *Processor) fireSpeechStart() {
	p.active = true
	if !p.utterance {
		p.utterance = true
		padLen := p.speechPad
		if padLen > len(p.silence) {
			padLen = len(p.silence)
		}
		p.pad = fadeIn(p.silence[len(p.silence)-padLen:])
	}
	p.silence = p.silence[:0]

	start, dur := p.times(len(p.pad))
	slog.Debug("speech start", "at", p.CurrentTime(), "start", start, "duration", dur)
	if p.cb.SpeechStart != nil {
		p.cb.SpeechStart(p.pad, start, dur)
	}
}

func (p *Processor) fireSpeechEnd() {
	p.active = false
	if !p.utterance {
		p.speech = p.speech[:0]
	}
	p.shortDone = false

	p.mu.Lock()
	p.userSilenceStart = p.current - len(p.silence)
	p.userSilenceFired = false
	p.mu.Unlock()

	lo := len(p.speech) - (p.current - p.speechAt)
	hi := len(p.speech) - len(p.silence)
	if lo < 0 {
		lo = 0
	}
	if hi < lo {
		hi = lo
	}
	payload := p.speech[lo:hi]

	start, dur := p.times(len(payload))
	slog.Debug("speech end", "at", p.CurrentTime(), "start", start, "duration", dur)
	if p.cb.SpeechEnd != nil {
		p.cb.SpeechEnd(payload, start, dur)
	}
}

func (p *Processor) fireShortPause() {
	payload := p.pausePayload()
	start, dur := p.times(len(payload))
	slog.Debug("short pause", "at", p.CurrentTime(), "start", start, "duration", dur)
	if p.cb.ShortPause != nil {
		p.cb.ShortPause(payload, start, dur)
	}
	p.shortDone = true
}

func (p *Processor) fireLongPause() {
	payload := p.pausePayload()
	start, dur := p.times(len(payload))
	slog.Debug("long pause", "at", p.CurrentTime(), "start", start, "duration", dur)
	if p.cb.LongPause != nil {
		p.cb.LongPause(payload, start, dur)
	}
	p.shortDone = false
	p.utterance = false
	p.speech = p.speech[:0]
}

// pausePayload assembles pad + speech (minus trailing silence) + faded-out
// silence into a fresh slice.
func (p *Processor) pausePayload() []float32 {
	speechLen := len(p.speech) - len(p.silence)
	if speechLen < 0 {
		speechLen = 0
	}
	postfix := fadeOut(p.silence)

	payload := make([]float32, 0, len(p.pad)+speechLen+len(postfix))
	payload = append(payload, p.pad...)
	payload = append(payload, p.speech[:speechLen]...)
	payload = append(payload, postfix...)
	return payload
}

func (p *Processor) fireUserSilenceTimeout() {
	at := p.CurrentTime()
	slog.Debug("user silence timeout", "at", at)
	if p.cb.UserSilenceTimeout != nil {
		p.cb.UserSilenceTimeout(at)
	}
	p.mu.Lock()
	p.userSilenceFired = true
	p.mu.Unlock()
}

// ─── Controls ────────────────────────────────────────────────────────────────

// SetLongPauseSuspended suppresses (or re-enables) long-pause events. Used
// while a commit is in flight so a lingering silence cannot trigger a second
// one.
func (p *Processor) SetLongPauseSuspended(suspended bool) {
	p.mu.Lock()
	p.longPauseSuspended = suspended
	p.mu.Unlock()
}

// StartUserSilence arms the user-silence timer at the current stream position
// and opens the correction stage's early-detection window. Called when a
// playback finishes and the user is expected to speak next.
func (p *Processor) StartUserSilence() {
	p.mu.Lock()
	p.userSilenceStart = p.current
	p.userSilenceFired = false
	if p.correction != nil {
		p.correction.StartEarlyDetection()
	}
	p.mu.Unlock()
	slog.Debug("user silence period started", "at", p.CurrentTime())
}

// ResetUserSilence disarms the user-silence timer entirely. Called when a
// reply is queued for playback so the timeout cannot fire mid-answer.
func (p *Processor) ResetUserSilence() {
	p.mu.Lock()
	p.userSilenceStart = 0
	p.userSilenceFired = true
	p.mu.Unlock()
}

// CancelUserSilence clears the timer start without touching the fired latch.
// Called when the user starts speaking during an armed period.
func (p *Processor) CancelUserSilence() {
	p.mu.Lock()
	p.userSilenceStart = 0
	p.mu.Unlock()
	slog.Debug("user silence period cancelled", "at", p.CurrentTime())
}

func (p *Processor) isLongPauseSuspended() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.longPauseSuspended
}

func (p *Processor) userSilenceElapsed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.userSilenceFired && p.current-p.userSilenceStart > p.userSilence
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// times reports the stream offset and duration of a chunk whose last sample
// is the most recently processed one.
func (p *Processor) times(chunkLen int) (start, duration time.Duration) {
	return p.toDuration(p.current - chunkLen), p.toDuration(chunkLen)
}

func (p *Processor) toDuration(samples int) time.Duration {
	return time.Duration(float64(samples) / float64(p.sampleRate) * float64(time.Second))
}

// rmsEnergy is the root-mean-square amplitude of the window, fed to the
// correction stage as the frame energy.
func rmsEnergy(window []float32) float64 {
	if len(window) == 0 {
		return 0
	}
	var sum float64
	for _, s := range window {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(window)))
}

// fadeIn returns a copy of audio scaled by a quarter-sine rising curve.
func fadeIn(audio []float32) []float32 {
	return fade(audio, false)
}

// fadeOut returns a copy of audio scaled by a quarter-sine falling curve.
func fadeOut(audio []float32) []float32 {
	return fade(audio, true)
}

func fade(audio []float32, reverse bool) []float32 {
	out := make([]float32, len(audio))
	copy(out, audio)
	n := len(out)
	if n <= 1 {
		return out
	}
	for i := range out {
		ratio := float64(i) / float64(n-1)
		gain := math.Sin(ratio * math.Pi / 2)
		if reverse {
			gain = 1 - math.Sin(ratio*math.Pi/2)
		}
		out[i] *= float32(gain)
	}
	return out
}
