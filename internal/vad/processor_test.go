package vad_test

import (
	"testing"
	"time"

	"github.com/flametree-ai/sipvox/internal/vad"
	"github.com/flametree-ai/sipvox/pkg/provider/vad/mock"
)

// Test geometry: 1 kHz sample rate and 100-sample windows so one window is
// exactly 100 ms and durations map 1:1 to sample counts.
const (
	testRate   = 1000
	testWindow = 100
)

func testConfig() vad.ProcessorConfig {
	return vad.ProcessorConfig{
		SampleRate:         testRate,
		WindowSize:         testWindow,
		Threshold:          0.5,
		ProbWindow:         1,
		MinSpeechDuration:  300 * time.Millisecond,
		MinSilenceDuration: 200 * time.Millisecond,
		SpeechPad:          300 * time.Millisecond,
		ShortPauseOffset:   100 * time.Millisecond,
		LongPauseOffset:    200 * time.Millisecond,
		UserSilenceTimeout: 2000 * time.Millisecond,
	}
}

// segment captures one fired event for later inspection.
type segment struct {
	pcm   []float32
	start time.Duration
	dur   time.Duration
}

// recorder collects every processor event in order.
type recorder struct {
	starts   []segment
	ends     []segment
	shorts   []segment
	longs    []segment
	timeouts []time.Duration
}

func (r *recorder) callbacks() vad.Callbacks {
	clone := func(dst *[]segment) vad.SegmentFunc {
		return func(pcm []float32, start, dur time.Duration) {
			cp := make([]float32, len(pcm))
			copy(cp, pcm)
			*dst = append(*dst, segment{pcm: cp, start: start, dur: dur})
		}
	}
	return vad.Callbacks{
		SpeechStart: clone(&r.starts),
		SpeechEnd:   clone(&r.ends),
		ShortPause:  clone(&r.shorts),
		LongPause:   clone(&r.longs),
		UserSilenceTimeout: func(at time.Duration) {
			r.timeouts = append(r.timeouts, at)
		},
	}
}

// feedWindows pushes n windows whose samples all carry the window's ordinal
// value ((i+1)/100), so payloads can be traced back to stream positions.
func feedWindows(p *vad.Processor, from, n int) {
	for i := 0; i < n; i++ {
		window := make([]float32, testWindow)
		val := float32(from+i+1) / 100
		for j := range window {
			window[j] = val
		}
		p.ProcessSamples(window)
	}
}

// script builds a scripted session: nSilence silence windows, then nSpeech
// speech windows, then silence for the rest of the stream.
func script(nSilence, nSpeech int) *mock.Session {
	probs := make([]float64, 0, nSilence+nSpeech)
	for i := 0; i < nSilence; i++ {
		probs = append(probs, 0.1)
	}
	for i := 0; i < nSpeech; i++ {
		probs = append(probs, 0.9)
	}
	return &mock.Session{Probabilities: probs, Probability: 0.1}
}

func TestProcessor_SpeechStartPadFromSilence(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	// 2 silence windows, 4 speech windows: min speech (300 ms) is reached on
	// the third speech window.
	p := vad.NewProcessor(script(2, 4), testConfig(), rec.callbacks())
	feedWindows(p, 0, 6)

	if len(rec.starts) != 1 {
		t.Fatalf("speech starts = %d, want 1", len(rec.starts))
	}
	got := rec.starts[0]
	// Pad is capped by the accumulated silence (200 samples < 300 pad).
	if len(got.pcm) != 200 {
		t.Fatalf("pad length = %d, want 200", len(got.pcm))
	}
	if got.start != 300*time.Millisecond || got.dur != 200*time.Millisecond {
		t.Errorf("pad times = (%v, %v), want (300ms, 200ms)", got.start, got.dur)
	}
	// Fade-in: first sample silenced, last carries the full second window value.
	if got.pcm[0] != 0 {
		t.Errorf("pad[0] = %v, want 0 (fade-in)", got.pcm[0])
	}
	if want := float32(2) / 100; got.pcm[len(got.pcm)-1] != want {
		t.Errorf("pad[last] = %v, want %v (unattenuated)", got.pcm[len(got.pcm)-1], want)
	}
}

func TestProcessor_SpeechEndPayloadIsTrimmedSpeech(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	p := vad.NewProcessor(script(2, 4), testConfig(), rec.callbacks())
	// Windows 1-2 silence, 3-6 speech, 7-8 silence: speech end fires on
	// window 8 once 200 ms of silence accumulates.
	feedWindows(p, 0, 8)

	if len(rec.ends) != 1 {
		t.Fatalf("speech ends = %d, want 1", len(rec.ends))
	}
	got := rec.ends[0]
	if len(got.pcm) != 200 {
		t.Fatalf("payload length = %d, want 200", len(got.pcm))
	}
	// The payload is the stream slice from the window that completed the
	// minimum speech run (window 5) up to the trailing silence: windows 5-6.
	if got.pcm[0] != 0.05 || got.pcm[150] != 0.06 {
		t.Errorf("payload samples = (%v, %v), want (0.05, 0.06)", got.pcm[0], got.pcm[150])
	}
}

func TestProcessor_ShortPauseOncePerUtterance(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	p := vad.NewProcessor(script(2, 4), testConfig(), rec.callbacks())
	// Short pause threshold is 300 ms of silence (window 9); window 10 adds
	// more silence but must not re-fire.
	feedWindows(p, 0, 10)

	if len(rec.shorts) != 1 {
		t.Fatalf("short pauses = %d, want 1", len(rec.shorts))
	}
	got := rec.shorts[0]
	// pad(200) + speech minus trailing silence(400) + faded silence(300).
	if len(got.pcm) != 900 {
		t.Fatalf("payload length = %d, want 900", len(got.pcm))
	}
	// Trailing silence is faded out: very last sample fully attenuated.
	if got.pcm[len(got.pcm)-1] != 0 {
		t.Errorf("payload[last] = %v, want 0 (fade-out)", got.pcm[len(got.pcm)-1])
	}
}

func TestProcessor_LongPauseClosesUtterance(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	p := vad.NewProcessor(script(2, 4), testConfig(), rec.callbacks())
	// Long pause threshold is 500 ms of silence (window 11).
	feedWindows(p, 0, 14)

	if len(rec.longs) != 1 {
		t.Fatalf("long pauses = %d, want 1", len(rec.longs))
	}
	got := rec.longs[0]
	// pad(200) + speech minus trailing silence(400) + faded silence(500).
	if len(got.pcm) != 1100 {
		t.Fatalf("payload length = %d, want 1100", len(got.pcm))
	}
	// The utterance is closed: further silence produces no more pause events.
	if len(rec.shorts) != 1 {
		t.Errorf("short pauses after close = %d, want 1", len(rec.shorts))
	}
}

func TestProcessor_LongPauseSuspended(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	p := vad.NewProcessor(script(2, 4), testConfig(), rec.callbacks())
	p.SetLongPauseSuspended(true)
	feedWindows(p, 0, 12)

	if len(rec.longs) != 0 {
		t.Fatalf("long pauses while suspended = %d, want 0", len(rec.longs))
	}

	p.SetLongPauseSuspended(false)
	feedWindows(p, 12, 1)
	if len(rec.longs) != 1 {
		t.Fatalf("long pauses after resume = %d, want 1", len(rec.longs))
	}
}

func TestProcessor_SpeechResumeRefiresStart(t *testing.T) {
	t.Parallel()

	// Silence, speech, a sub-threshold silence gap closing the run, then
	// speech again within the same utterance.
	probs := []float64{0.1, 0.1, 0.9, 0.9, 0.9, 0.1, 0.1, 0.9}
	sess := &mock.Session{Probabilities: probs, Probability: 0.1}

	rec := &recorder{}
	p := vad.NewProcessor(sess, testConfig(), rec.callbacks())
	feedWindows(p, 0, 8)

	if len(rec.ends) != 1 {
		t.Fatalf("speech ends = %d, want 1", len(rec.ends))
	}
	if len(rec.starts) != 2 {
		t.Fatalf("speech starts = %d, want 2 (initial + resume)", len(rec.starts))
	}
	// The resumed start reuses the utterance's original pad.
	first, second := rec.starts[0], rec.starts[1]
	if len(first.pcm) != len(second.pcm) {
		t.Fatalf("pad lengths differ: %d vs %d", len(first.pcm), len(second.pcm))
	}
	for i := range first.pcm {
		if first.pcm[i] != second.pcm[i] {
			t.Fatalf("pad sample %d differs: %v vs %v", i, first.pcm[i], second.pcm[i])
		}
	}
}

func TestProcessor_UserSilenceTimeoutFiresOnce(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	p := vad.NewProcessor(script(2, 4), testConfig(), rec.callbacks())
	// Speech ends at window 8 (silence start = sample 600); the timeout arms
	// there and trips once current > 600+2000, i.e. window 27. Feed well past
	// it and verify the latch.
	feedWindows(p, 0, 40)

	if len(rec.timeouts) != 1 {
		t.Fatalf("timeouts = %d, want 1", len(rec.timeouts))
	}
	if got := rec.timeouts[0]; got != 2700*time.Millisecond {
		t.Errorf("timeout at %v, want 2.7s", got)
	}
}

func TestProcessor_UserSilenceControls(t *testing.T) {
	t.Parallel()

	t.Run("reset disarms", func(t *testing.T) {
		t.Parallel()
		rec := &recorder{}
		p := vad.NewProcessor(script(0, 0), testConfig(), rec.callbacks())
		p.ResetUserSilence()
		feedWindows(p, 0, 40)
		if len(rec.timeouts) != 0 {
			t.Fatalf("timeouts after reset = %d, want 0", len(rec.timeouts))
		}
	})

	t.Run("start rearms", func(t *testing.T) {
		t.Parallel()
		rec := &recorder{}
		p := vad.NewProcessor(script(0, 0), testConfig(), rec.callbacks())
		p.ResetUserSilence()
		feedWindows(p, 0, 10)
		p.StartUserSilence()
		// Armed at sample 1000; fires once current > 3000.
		feedWindows(p, 10, 25)
		if len(rec.timeouts) != 1 {
			t.Fatalf("timeouts after rearm = %d, want 1", len(rec.timeouts))
		}
		if got := rec.timeouts[0]; got != 3100*time.Millisecond {
			t.Errorf("timeout at %v, want 3.1s", got)
		}
	})
}

func TestProcessor_FinalizeFlushesOpenUtterance(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	p := vad.NewProcessor(script(2, 4), testConfig(), rec.callbacks())
	// Stop mid-utterance: speech has started but no long pause yet.
	feedWindows(p, 0, 7)
	if len(rec.longs) != 0 {
		t.Fatalf("long pauses before finalize = %d, want 0", len(rec.longs))
	}

	p.Finalize()
	if len(rec.longs) != 1 {
		t.Fatalf("long pauses after finalize = %d, want 1", len(rec.longs))
	}
	// pad(200) + speech(500) minus trailing silence(100) + faded silence(100).
	if got := len(rec.longs[0].pcm); got != 700 {
		t.Errorf("payload length = %d, want 700", got)
	}

	// A second finalize is a no-op: the utterance buffers were cleared.
	p.Finalize()
	if len(rec.longs) != 1 {
		t.Errorf("long pauses after second finalize = %d, want 1", len(rec.longs))
	}
}

func TestProcessor_QuietWindowsSkipInference(t *testing.T) {
	t.Parallel()

	sess := &mock.Session{Probability: 0.9}
	rec := &recorder{}
	p := vad.NewProcessor(sess, testConfig(), rec.callbacks())

	p.ProcessSamples(make([]float32, 5*testWindow))

	if len(sess.PredictCalls) != 0 {
		t.Fatalf("predict calls = %d, want 0 (all-zero windows skip the model)", len(sess.PredictCalls))
	}
	if len(rec.starts) != 0 {
		t.Errorf("speech starts = %d, want 0", len(rec.starts))
	}
}

func TestProcessor_WeightedSmoothingDelaysOnset(t *testing.T) {
	t.Parallel()

	// With a 3-deep history and weights 1..3, a single high probability after
	// silence yields (0·1 + 0.9·2)/3 = 0.6, beneath a 0.65 threshold; the
	// second high window lifts the mean to 0.75 and triggers speech.
	cfg := testConfig()
	cfg.Threshold = 0.65
	cfg.ProbWindow = 3
	cfg.MinSpeechDuration = 100 * time.Millisecond

	sess := &mock.Session{Probabilities: []float64{0.0, 0.9, 0.9}, Probability: 0.1}
	rec := &recorder{}
	p := vad.NewProcessor(sess, cfg, rec.callbacks())
	feedWindows(p, 0, 3)

	if len(rec.starts) != 1 {
		t.Fatalf("speech starts = %d, want 1", len(rec.starts))
	}
	// Onset on the third window, not the second: pad duration 100 ms ending
	// at sample 200.
	if got := rec.starts[0].start; got != 100*time.Millisecond {
		t.Errorf("pad start = %v, want 100ms", got)
	}
}

func TestProcessor_PartialWindowsBuffered(t *testing.T) {
	t.Parallel()

	sess := &mock.Session{Probability: 0.9}
	p := vad.NewProcessor(sess, testConfig(), vad.Callbacks{})

	half := make([]float32, testWindow/2)
	for i := range half {
		half[i] = 0.5
	}
	p.ProcessSamples(half)
	if len(sess.PredictCalls) != 0 {
		t.Fatalf("predict calls after half window = %d, want 0", len(sess.PredictCalls))
	}
	p.ProcessSamples(half)
	if len(sess.PredictCalls) != 1 {
		t.Fatalf("predict calls after full window = %d, want 1", len(sess.PredictCalls))
	}
}

func TestProcessor_NormalizesHotWindowsForInference(t *testing.T) {
	t.Parallel()

	sess := &mock.Session{Probability: 0.1}
	p := vad.NewProcessor(sess, testConfig(), vad.Callbacks{})

	window := make([]float32, testWindow)
	for i := range window {
		window[i] = 2.0
	}
	p.ProcessSamples(window)

	if len(sess.PredictCalls) != 1 {
		t.Fatalf("predict calls = %d, want 1", len(sess.PredictCalls))
	}
	for i, s := range sess.PredictCalls[0].Window {
		if s != 1.0 {
			t.Fatalf("scored sample %d = %v, want 1.0 (peak-normalized)", i, s)
		}
	}
}
