// Package call drives the conversation on one telephone leg.
//
// Captured audio flows through voice activity detection; the detected pauses
// drive the speculative start/commit/rollback protocol against the backend;
// reply fragments stream back over the session event channel and are
// synthesized and played strictly in order. The controller also owns the
// tail of the call: the soft hangup once the conversation finished, the warm
// transfer when a target is set, and the close status reported back.
package call

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flametree-ai/sipvox/internal/audio"
	"github.com/flametree-ai/sipvox/internal/backend"
	"github.com/flametree-ai/sipvox/internal/observe"
	"github.com/flametree-ai/sipvox/internal/textutil"
	"github.com/flametree-ai/sipvox/internal/tts"
	"github.com/flametree-ai/sipvox/internal/vad"
	"github.com/flametree-ai/sipvox/pkg/provider/stt"
	vadp "github.com/flametree-ai/sipvox/pkg/provider/vad"
	"github.com/flametree-ai/sipvox/pkg/telephony"
)

const (
	// startSettleAttempts and startSettleStep bound how long a commit waits
	// for a pending speculative start before giving the turn up.
	startSettleAttempts = 200
	startSettleStep     = 10 * time.Millisecond

	// softHangupDelay is the quiet window between the conversation finishing
	// and the leg being torn down. A reply that lands inside the window
	// cancels the hangup until the next playback boundary.
	softHangupDelay = 300 * time.Millisecond

	// minReplyAudioBytes is the smallest synthesized blob that carries
	// audible samples. Anything shorter is a bare WAV header.
	minReplyAudioBytes = 364

	// transferPrefixDTMF marks a transfer target that is dialed in-band
	// instead of being sent as a REFER.
	transferPrefixDTMF = "dtmf:"
)

// Config carries the per-call tunables. The same value is shared by every
// controller the gateway creates.
type Config struct {
	// SampleRate is the capture rate in Hz the media adapter delivers after
	// resampling. Transcription and utterance recordings use it too.
	SampleRate int

	// VAD configures the streaming pause detector built for each call. Its
	// SampleRate is overridden with the value above.
	VAD vad.ProcessorConfig

	// MinSpeechDuration gates speculation: shorter utterances are not worth
	// a start that will likely be rolled back, so they wait for the long
	// pause.
	MinSpeechDuration time.Duration

	// Interruptions lets the user barge in over reply playback. When false,
	// captured audio is dropped while the AI is speaking.
	Interruptions bool

	// Streaming plays reply fragments as they arrive on the event stream.
	// When false the commit response text is synthesized in one piece.
	Streaming bool

	// EarlyEOC finishes the conversation on an end-of-conversation event
	// even before the final end-of-stream arrives.
	EarlyEOC bool

	// FuzzyMatch loosens the repeated-transcription check from normalized
	// equality to a similarity comparison.
	FuzzyMatch bool

	// TTSMaxInflight caps concurrent synthesis requests per call.
	TTSMaxInflight int

	// GreetingDelay postpones the greeting after media opens.
	GreetingDelay time.Duration

	// RecordAudio enables the full-call recording plus the per-utterance
	// part files, all under RecordingDir.
	RecordAudio bool

	// TmpAudioDir holds transient synthesized reply files.
	TmpAudioDir string

	// RecordingDir holds call recordings.
	RecordingDir string
}

// SessionInfo binds a controller to its backend session.
type SessionInfo struct {
	// SessionID is the backend session handling this call.
	SessionID string

	// Greeting, when non-empty, is synthesized and played once media opens.
	Greeting string

	// Direction is "inbound" or "outbound". Only instrumentation uses it.
	Direction string
}

// Deps are the shared collaborators a controller borrows for the lifetime of
// the call.
type Deps struct {
	// Backend is the conversation API client.
	Backend *backend.Client

	// Transcriber recognizes utterance audio.
	Transcriber stt.Transcriber

	// VAD creates the per-call speech scoring session.
	VAD vadp.Engine

	// Metrics receives per-call instrumentation. Defaults to the package
	// default set when nil.
	Metrics *observe.Metrics

	// OnClosed fires exactly once, after the leg disconnected and the close
	// status was dispatched. The registry uses it to drop the call.
	OnClosed func(*Controller)
}

// pipeline bundles everything that exists only while media is up. It is
// swapped in atomically on media-active and out again on close, so handlers
// racing with teardown see either the whole chain or nothing.
type pipeline struct {
	media      telephony.Media
	vadSession vadp.Session
	processor  *vad.Processor
	port       *audio.FramePort
	player     *audio.Player
	tts        *tts.Pipeline
	recorder   io.Closer
}

// Controller runs the conversation for one leg. It implements
// telephony.LegObserver; all other entry points are the VAD callbacks, the
// event-stream handlers and the REST-driven transfer setter, any of which
// may fire concurrently.
type Controller struct {
	leg       telephony.Leg
	sessionID string
	greeting  string
	direction string
	cfg       Config
	deps      Deps

	state        atomic.Int32
	pipe         atomic.Pointer[pipeline]
	mediaActive  atomic.Bool
	userSpeaking atomic.Bool
	transferred  atomic.Bool
	hangupArmed  atomic.Bool
	ttsSeq       atomic.Int64
	closeOnce    sync.Once

	// mediaMu serializes media wiring against teardown. Handlers never take
	// it; they go through the pipe pointer.
	mediaMu sync.Mutex

	// generationMu guards the speculative protocol flags below. Only fast
	// bookkeeping happens under it; RPCs run outside.
	generationMu      sync.Mutex
	startInFlight     bool
	commitInFlight    bool
	specActive        bool
	shortPauseHandled bool
	longPauseHandled  bool
	lastUnstable      string
	replyStartedAt    time.Time
	responseStartedAt time.Time

	transferMu      sync.Mutex
	transferTarget  string
	transferDelay   time.Duration
	transferStarted bool
}

var _ telephony.LegObserver = (*Controller)(nil)

// New builds the controller for one leg and installs it as the leg's
// observer. The leg may be in any state; media wiring happens when the
// adapter reports it active.
func New(leg telephony.Leg, info SessionInfo, cfg Config, deps Deps) *Controller {
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	c := &Controller{
		leg:       leg,
		sessionID: info.SessionID,
		greeting:  info.Greeting,
		direction: info.Direction,
		cfg:       cfg,
		deps:      deps,
	}
	// Synthesized replies land in TmpAudioDir; on a fresh host it does not
	// exist yet and every reply write would fail with ENOENT.
	if cfg.TmpAudioDir != "" {
		if err := os.MkdirAll(cfg.TmpAudioDir, 0o755); err != nil {
			slog.Warn("call: create reply audio dir failed",
				"dir", cfg.TmpAudioDir, "error", err)
		}
	}
	c.state.Store(int32(StateWaitForUser))
	deps.Metrics.ActiveCalls.Add(context.Background(), 1)
	leg.Bind(c)
	return c
}

// SessionID returns the backend session bound to this call. Empty when the
// session could not be created.
func (c *Controller) SessionID() string { return c.sessionID }

// CallID returns the telephony identifier of the leg.
func (c *Controller) CallID() int { return c.leg.ID() }

// Leg returns the underlying telephony leg.
func (c *Controller) Leg() telephony.Leg { return c.leg }

// State returns the current conversation state.
func (c *Controller) State() State { return State(c.state.Load()) }

// setState moves the conversation to next. StateFinished is absorbing: once
// the conversation finished, nothing leaves that state.
func (c *Controller) setState(next State) {
	for {
		cur := c.state.Load()
		if State(cur) == next || State(cur) == StateFinished {
			return
		}
		if c.state.CompareAndSwap(cur, int32(next)) {
			slog.Debug("call: state changed",
				"from", State(cur), "to", next, "session_id", c.sessionID)
			return
		}
	}
}

// ─── Leg lifecycle ───────────────────────────────────────────────────────────

// OnStateChanged tracks the SIP dialog. Disconnect is the only state the
// controller acts on; everything else is the app's business.
func (c *Controller) OnStateChanged(state telephony.LegState, statusCode int) {
	slog.Debug("call: leg state changed",
		"call_id", c.leg.ID(), "state", state, "status", statusCode,
		"session_id", c.sessionID)
	if state == telephony.StateDisconnected {
		go c.finish(statusCode)
	}
}

// OnMediaActive wires the audio pipeline once the adapter negotiated media.
func (c *Controller) OnMediaActive(m telephony.Media) {
	if err := c.openMedia(m); err != nil {
		slog.Error("call: media setup failed",
			"error", err, "call_id", c.leg.ID(), "session_id", c.sessionID)
		m.Close()
	}
}

func (c *Controller) openMedia(media telephony.Media) error {
	c.mediaMu.Lock()
	defer c.mediaMu.Unlock()

	if c.State() == StateFinished {
		return errors.New("call already finished")
	}
	if c.pipe.Load() != nil {
		// Media re-negotiation; the existing chain keeps running.
		slog.Debug("call: media already open", "session_id", c.sessionID)
		return nil
	}

	vcfg := c.cfg.VAD
	vcfg.SampleRate = c.cfg.SampleRate
	sess, err := c.deps.VAD.NewSession(vadp.Config{
		SampleRate: vcfg.SampleRate,
		WindowSize: vcfg.WindowSize,
		Threshold:  vcfg.Threshold,
	})
	if err != nil {
		return fmt.Errorf("vad session: %w", err)
	}

	pl := &pipeline{media: media, vadSession: sess}
	pl.processor = vad.NewProcessor(sess, vcfg, vad.Callbacks{
		SpeechStart:        c.onSpeechStart,
		SpeechEnd:          c.onSpeechEnd,
		ShortPause:         c.onShortPause,
		LongPause:          c.onLongPause,
		UserSilenceTimeout: c.onUserSilenceTimeout,
	})
	pl.player = audio.NewPlayer(media, c.handlePlaybackFinished)
	pl.tts = tts.NewPipeline(tts.PipelineConfig{
		MaxInflight: c.cfg.TTSMaxInflight,
		Synth:       c.synthesize,
		Ready:       c.playReply,
		ReadySignal: c.tryPlay,
	})
	pl.port = audio.NewFramePort(media.Format())
	pl.port.SetHandler(c.handleFrame)

	if c.cfg.RecordAudio {
		path := filepath.Join(c.cfg.RecordingDir, c.recordingName()+".wav")
		rec, err := media.Record(path)
		if err != nil {
			slog.Warn("call: recording unavailable",
				"error", err, "session_id", c.sessionID)
		} else {
			pl.recorder = rec
		}
	}

	c.pipe.Store(pl)
	pl.port.Start()
	c.mediaActive.Store(true)
	media.AttachCapture(pl.port.Ingest)

	slog.Info("call: media open",
		"call_id", c.leg.ID(), "format", media.Format(), "session_id", c.sessionID)

	if c.greeting != "" {
		pl.tts.Enqueue(c.greeting, c.cfg.GreetingDelay)
	}
	return nil
}

// closeMedia unwires the pipeline. Safe to call more than once; only the
// first call finds anything to tear down.
func (c *Controller) closeMedia() {
	c.mediaMu.Lock()
	defer c.mediaMu.Unlock()

	c.mediaActive.Store(false)
	pl := c.pipe.Swap(nil)
	if pl == nil {
		return
	}

	pl.tts.Cancel()
	pl.player.Interrupt()
	pl.port.Stop()
	pl.processor.Finalize()

	if n := pl.port.Dropped(); n > 0 {
		c.deps.Metrics.DroppedFrames.Add(context.Background(), n)
		slog.Warn("call: frames dropped under backpressure",
			"count", n, "session_id", c.sessionID)
	}
	if pl.recorder != nil {
		if err := pl.recorder.Close(); err != nil {
			slog.Warn("call: close recording failed",
				"error", err, "session_id", c.sessionID)
		}
	}
	if err := pl.vadSession.Close(); err != nil {
		slog.Warn("call: close vad session failed",
			"error", err, "session_id", c.sessionID)
	}
	pl.media.Close()
}

// finish tears the call down after the leg disconnected: classify the end,
// close media, report the session close and hand the controller back to the
// registry.
func (c *Controller) finish(statusCode int) {
	c.closeOnce.Do(func() {
		c.setState(StateFinished)
		c.closeMedia()

		status := CloseStatus(statusCode)
		if c.transferred.Load() {
			status = CloseTransferred
		}
		slog.Info("call: disconnected",
			"call_id", c.leg.ID(), "sip_status", statusCode,
			"status", status, "session_id", c.sessionID)

		ctx := context.Background()
		c.deps.Metrics.RecordCall(ctx, c.direction, status)
		c.deps.Metrics.ActiveCalls.Add(ctx, -1)

		if c.sessionID != "" {
			go func() {
				err := c.deps.Backend.CloseSession(context.Background(), c.sessionID, status)
				if err != nil {
					slog.Warn("call: close session failed",
						"error", err, "session_id", c.sessionID)
				}
			}()
		}
		if c.deps.OnClosed != nil {
			c.deps.OnClosed(c)
		}
	})
}

// ─── Audio ingress ───────────────────────────────────────────────────────────

// handleFrame feeds one captured frame into the pause detector. It runs on
// the port's drain worker, serially.
func (c *Controller) handleFrame(f telephony.Frame) {
	if len(f.Data) == 0 || !c.mediaActive.Load() || c.State() == StateFinished {
		return
	}
	if !c.cfg.Interruptions && (c.aiSpeaking() || c.commitPending()) {
		return
	}
	pl := c.pipe.Load()
	if pl == nil {
		return
	}
	pl.processor.ProcessSamples(f.Float32())
}

// aiCanSpeak reports whether queued replies may start playing. Everything
// but SpeculativeGenerate qualifies: a speculative reply may still be rolled
// back, so it must not reach the wire yet.
func (c *Controller) aiCanSpeak() bool {
	return c.State() != StateSpeculativeGenerate
}

// aiSpeaking reports whether reply audio is on the wire or imminent.
func (c *Controller) aiSpeaking() bool {
	pl := c.pipe.Load()
	if pl == nil {
		return false
	}
	if pl.player.IsActive() || pl.player.HasQueue() {
		return true
	}
	return pl.tts.HasQueue() && c.aiCanSpeak()
}

func (c *Controller) commitPending() bool {
	c.generationMu.Lock()
	defer c.generationMu.Unlock()
	return c.commitInFlight || c.longPauseHandled
}

// ─── VAD events ──────────────────────────────────────────────────────────────

// onSpeechStart interrupts any reply and rolls back a live speculation: the
// user kept talking, so whatever was generated is stale.
func (c *Controller) onSpeechStart(_ []float32, _, _ time.Duration) {
	c.deps.Metrics.RecordVADEvent(context.Background(), "speech_start")
	c.userSpeaking.Store(true)

	pl := c.pipe.Load()
	if pl == nil {
		return
	}
	pl.processor.CancelUserSilence()
	pl.tts.Cancel()
	pl.player.Interrupt()

	c.setState(StateWaitForUser)

	c.generationMu.Lock()
	c.shortPauseHandled = false
	c.longPauseHandled = false
	c.lastUnstable = ""
	c.responseStartedAt = time.Time{}
	rollback := c.specActive && !c.commitInFlight
	if rollback {
		c.specActive = false
	}
	c.generationMu.Unlock()

	if rollback {
		go c.rollback()
	}
}

func (c *Controller) onSpeechEnd(_ []float32, _, _ time.Duration) {
	c.deps.Metrics.RecordVADEvent(context.Background(), "speech_end")
	c.userSpeaking.Store(false)
}

// onShortPause reserves the speculation slot and kicks off the speculative
// start. Utterances shorter than MinSpeechDuration are skipped: the user is
// probably not done, and the start would be rolled back anyway.
func (c *Controller) onShortPause(pcm []float32, _, duration time.Duration) {
	c.deps.Metrics.RecordVADEvent(context.Background(), "short_pause")
	if len(pcm) == 0 || c.State() == StateFinished {
		return
	}
	if duration < c.cfg.MinSpeechDuration {
		slog.Debug("call: utterance too short to speculate",
			"duration", duration, "session_id", c.sessionID)
		return
	}

	c.generationMu.Lock()
	if c.startInFlight || c.commitInFlight || c.shortPauseHandled || c.longPauseHandled {
		c.generationMu.Unlock()
		return
	}
	c.startInFlight = true
	if c.responseStartedAt.IsZero() {
		c.responseStartedAt = time.Now()
	}
	c.generationMu.Unlock()

	go c.speculativeStart(pcm)
}

// onLongPause claims the turn for a commit. The pause detector suspends
// further long pauses until the commit settles.
func (c *Controller) onLongPause(pcm []float32, _, _ time.Duration) {
	c.deps.Metrics.RecordVADEvent(context.Background(), "long_pause")
	if len(pcm) == 0 || c.State() == StateFinished {
		return
	}

	c.generationMu.Lock()
	if c.commitInFlight || c.longPauseHandled {
		c.generationMu.Unlock()
		return
	}
	c.longPauseHandled = true
	if c.responseStartedAt.IsZero() {
		c.responseStartedAt = time.Now()
	}
	c.generationMu.Unlock()

	if pl := c.pipe.Load(); pl != nil {
		pl.processor.SetLongPauseSuspended(true)
	}

	if c.cfg.RecordAudio {
		c.saveUtterance(pcm)
	}
	go c.commitTurn(pcm)
}

// onUserSilenceTimeout ends the conversation after the user stayed silent
// through the whole post-reply window.
func (c *Controller) onUserSilenceTimeout(at time.Duration) {
	c.deps.Metrics.RecordVADEvent(context.Background(), "user_silence_timeout")
	slog.Info("call: user silent too long, finishing",
		"at", at, "session_id", c.sessionID)
	c.setState(StateFinished)
	c.hangupIfQuiescent()
}

// ─── Generation protocol ─────────────────────────────────────────────────────

// speculativeStart transcribes the utterance so far and opens a speculative
// generation for it. Runs with the start slot held; the slot is released on
// every exit path.
func (c *Controller) speculativeStart(pcm []float32) {
	defer func() {
		c.generationMu.Lock()
		c.startInFlight = false
		c.generationMu.Unlock()
	}()

	if !c.mediaActive.Load() {
		return
	}

	// A previous speculation is stale by now; discard it before the new one.
	c.generationMu.Lock()
	rollback := c.specActive && !c.commitInFlight
	if rollback {
		c.specActive = false
	}
	c.generationMu.Unlock()
	if rollback {
		c.rollback()
		if !c.mediaActive.Load() {
			return
		}
	}

	text, err := c.transcribe(pcm)
	if err != nil {
		slog.Warn("call: speculative transcription failed",
			"error", err, "session_id", c.sessionID)
		return
	}
	if text == "" || !c.mediaActive.Load() {
		return
	}

	c.generationMu.Lock()
	same := c.lastUnstable != "" && textutil.Equivalent(text, c.lastUnstable, c.cfg.FuzzyMatch)
	c.generationMu.Unlock()
	if same {
		slog.Debug("call: transcription unchanged, not restarting",
			"session_id", c.sessionID)
		return
	}

	if !c.startGenerate(text) {
		return
	}
	c.setState(StateSpeculativeGenerate)
	c.generationMu.Lock()
	c.shortPauseHandled = true
	c.generationMu.Unlock()
}

// commitTurn finalizes the user's turn: wait out a pending speculative
// start, make sure a generation exists, then commit it. Exactly one commit
// may own a turn.
func (c *Controller) commitTurn(pcm []float32) {
	if !c.awaitStartSettled() {
		c.generationMu.Lock()
		c.longPauseHandled = false
		c.generationMu.Unlock()
		if pl := c.pipe.Load(); pl != nil {
			pl.processor.SetLongPauseSuspended(false)
		}
		return
	}

	c.generationMu.Lock()
	if c.commitInFlight {
		// Another commit claimed the turn between our reservation and now.
		c.generationMu.Unlock()
		return
	}
	c.commitInFlight = true
	spec := c.specActive
	text := c.lastUnstable
	c.generationMu.Unlock()

	defer func() {
		c.generationMu.Lock()
		c.commitInFlight = false
		c.longPauseHandled = false
		c.specActive = false
		c.lastUnstable = ""
		c.generationMu.Unlock()
		if pl := c.pipe.Load(); pl != nil {
			pl.processor.SetLongPauseSuspended(false)
		}
	}()

	if !c.mediaActive.Load() {
		return
	}

	if !spec {
		var err error
		text, err = c.transcribe(pcm)
		if err != nil {
			slog.Warn("call: final transcription failed",
				"error", err, "session_id", c.sessionID)
			return
		}
		if text == "" {
			slog.Debug("call: empty final transcription, turn abandoned",
				"session_id", c.sessionID)
			return
		}
		if !c.mediaActive.Load() || !c.startGenerate(text) {
			return
		}
	}

	slog.Debug("call: committing turn", "text", text, "session_id", c.sessionID)
	c.setState(StateCommitGenerate)
	c.userSpeaking.Store(false)

	result, err := c.deps.Backend.CommitSession(context.Background(), c.sessionID)
	c.recordBackend("commit", err)
	if err != nil {
		slog.Error("call: commit failed", "error", err, "session_id", c.sessionID)
		c.setState(StateWaitForUser)
		return
	}
	if !c.mediaActive.Load() {
		return
	}

	if !c.cfg.Streaming && result.Response != "" {
		c.enqueueReply(result.Response)
	}
	c.setState(StateWaitForUser)
	c.tryPlay()

	if result.SessionEnds() {
		slog.Info("call: backend ended the session", "session_id", c.sessionID)
		c.setState(StateFinished)
		c.hangupIfQuiescent()
	}
}

// awaitStartSettled waits for a pending speculative start to resolve so a
// commit never overlaps it. Reports false when the wait is exhausted or the
// media went away; the caller drops the turn then.
func (c *Controller) awaitStartSettled() bool {
	for i := 0; i < startSettleAttempts; i++ {
		if !c.mediaActive.Load() {
			return false
		}
		c.generationMu.Lock()
		busy := c.startInFlight
		c.generationMu.Unlock()
		if !busy {
			return true
		}
		time.Sleep(startSettleStep)
	}
	slog.Warn("call: speculative start did not settle, dropping commit",
		"session_id", c.sessionID)
	return false
}

// startGenerate opens a new generation for text. Any reply fragments still
// queued belong to a superseded generation and are dropped first.
func (c *Controller) startGenerate(text string) bool {
	if pl := c.pipe.Load(); pl != nil {
		pl.tts.Cancel()
	}

	c.generationMu.Lock()
	c.lastUnstable = text
	c.replyStartedAt = time.Now()
	c.generationMu.Unlock()

	err := c.deps.Backend.StartSession(context.Background(), c.sessionID, text)
	c.recordBackend("start", err)
	if err != nil {
		slog.Warn("call: start generation failed",
			"error", err, "session_id", c.sessionID)
		return false
	}

	c.generationMu.Lock()
	c.specActive = true
	c.generationMu.Unlock()
	return true
}

// rollback discards the pending speculative generation. Failures are only
// logged: the backend drops stale speculations on the next start anyway.
func (c *Controller) rollback() {
	err := c.deps.Backend.RollbackSession(context.Background(), c.sessionID)
	c.recordBackend("rollback", err)
	if err != nil {
		slog.Warn("call: rollback failed", "error", err, "session_id", c.sessionID)
	}
}

// transcribe runs speech recognition over one utterance.
func (c *Controller) transcribe(pcm []float32) (string, error) {
	start := time.Now()
	text, err := c.deps.Transcriber.Transcribe(context.Background(), pcm, c.cfg.SampleRate)
	if err != nil {
		return "", err
	}
	c.deps.Metrics.TranscribeDuration.Record(context.Background(), time.Since(start).Seconds())
	text = strings.TrimSpace(text)
	slog.Debug("call: transcribed", "text", text, "session_id", c.sessionID)
	return text, nil
}

func (c *Controller) recordBackend(endpoint string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.deps.Metrics.RecordBackendRequest(context.Background(), endpoint, status)
}

// ─── Event stream ────────────────────────────────────────────────────────────

// HandleStreamMessage dispatches one payload from the session event stream.
// The app wires it into the stream it opens per session.
func (c *Controller) HandleStreamMessage(msg backend.StreamMessage) {
	switch msg.Type {
	case backend.StreamTypeMessage:
		c.handleReplyFragment(msg.Message)
	case backend.StreamTypeEOS:
		c.tryPlay()
		if c.State() == StateFinished {
			c.hangupIfQuiescent()
		}
	case backend.StreamTypeEOC:
		c.handleEndOfConversation()
	default:
		slog.Debug("call: unhandled stream message",
			"type", msg.Type, "session_id", c.sessionID)
	}
}

// HandleStreamTimeout logs an idle notice from the event stream. The stream
// reconnects on its own; there is nothing to do per call.
func (c *Controller) HandleStreamTimeout() {
	slog.Debug("call: event stream idle", "session_id", c.sessionID)
}

// HandleStreamClose logs the backend closing the event stream.
func (c *Controller) HandleStreamClose() {
	slog.Info("call: event stream closed by backend", "session_id", c.sessionID)
}

func (c *Controller) handleReplyFragment(text string) {
	c.generationMu.Lock()
	started := c.replyStartedAt
	c.replyStartedAt = time.Time{}
	c.generationMu.Unlock()
	if !started.IsZero() {
		c.deps.Metrics.GenerateDuration.Record(context.Background(), time.Since(started).Seconds())
	}

	if !c.cfg.Streaming {
		return
	}
	if c.userSpeaking.Load() {
		slog.Debug("call: reply fragment dropped, user is speaking",
			"session_id", c.sessionID)
		return
	}
	c.enqueueReply(text)
}

func (c *Controller) handleEndOfConversation() {
	if !c.cfg.EarlyEOC {
		return
	}
	if c.State() == StateSpeculativeGenerate {
		// The generation may still be rolled back; a later EOC will follow
		// the committed one.
		return
	}
	slog.Info("call: end of conversation", "session_id", c.sessionID)
	c.setState(StateFinished)
	c.tryPlay()
	c.hangupIfQuiescent()
}

// ─── Reply synthesis and playback ────────────────────────────────────────────

// enqueueReply schedules one reply fragment for synthesis.
func (c *Controller) enqueueReply(text string) {
	text = textutil.RemoveEmojis(text)
	if strings.TrimSpace(text) == "" {
		return
	}
	pl := c.pipe.Load()
	if pl == nil {
		return
	}
	pl.tts.Enqueue(text, 0)
}

// synthesize renders one reply fragment to a transient WAV file. An empty
// path with nil error means the fragment was dropped.
func (c *Controller) synthesize(text string, canceled *atomic.Bool) (string, error) {
	if canceled.Load() || !c.mediaActive.Load() {
		return "", nil
	}

	start := time.Now()
	blob, err := c.deps.Backend.Synthesize(context.Background(), c.sessionID, text)
	c.recordBackend("synthesize", err)
	if err != nil {
		c.deps.Metrics.RecordTTSTask(context.Background(), "failed")
		return "", err
	}
	c.deps.Metrics.SynthesizeDuration.Record(context.Background(), time.Since(start).Seconds())

	if canceled.Load() || !c.mediaActive.Load() {
		c.deps.Metrics.RecordTTSTask(context.Background(), "canceled")
		return "", nil
	}
	if len(blob) < minReplyAudioBytes {
		slog.Info("call: synthesis returned no audio",
			"bytes", len(blob), "session_id", c.sessionID)
		c.deps.Metrics.RecordTTSTask(context.Background(), "empty")
		return "", nil
	}

	path := c.ttsPath()
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return "", fmt.Errorf("write reply audio: %w", err)
	}
	if canceled.Load() {
		_ = os.Remove(path)
		c.deps.Metrics.RecordTTSTask(context.Background(), "canceled")
		return "", nil
	}
	c.deps.Metrics.RecordTTSTask(context.Background(), "ok")
	return path, nil
}

// playReply hands one synthesized file to the player. The pipeline calls it
// in strict enqueue order.
func (c *Controller) playReply(path, _ string) {
	pl := c.pipe.Load()
	if pl == nil {
		_ = os.Remove(path)
		return
	}

	c.generationMu.Lock()
	pauseAt := c.responseStartedAt
	c.responseStartedAt = time.Time{}
	c.generationMu.Unlock()
	if !pauseAt.IsZero() {
		c.deps.Metrics.PlayQueueDuration.Record(context.Background(), time.Since(pauseAt).Seconds())
	}

	pl.processor.ResetUserSilence()
	pl.player.Enqueue(path, true)
	pl.player.Play()
}

// tryPlay releases any synthesized replies that are ready, respecting the
// conversation state.
func (c *Controller) tryPlay() {
	pl := c.pipe.Load()
	if pl == nil {
		return
	}
	pl.tts.TryPlay(c.aiCanSpeak())
}

func (c *Controller) ttsPath() string {
	owner := c.sessionID
	if owner == "" {
		owner = "call"
	}
	name := fmt.Sprintf("tts-%s-%d-%d.wav", owner, time.Now().UnixMicro(), c.ttsSeq.Add(1))
	return filepath.Join(c.cfg.TmpAudioDir, name)
}

// saveUtterance archives one finished utterance next to the call recording.
func (c *Controller) saveUtterance(pcm []float32) {
	dir := filepath.Join(c.cfg.RecordingDir, c.recordingName())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("call: cannot create parts dir", "dir", dir, "error", err)
		return
	}
	path := filepath.Join(dir, "part-"+uuid.NewString()+".wav")
	if err := os.WriteFile(path, audio.EncodeWAV(pcm, c.cfg.SampleRate), 0o644); err != nil {
		slog.Warn("call: cannot save utterance", "path", path, "error", err)
	}
}

func (c *Controller) recordingName() string {
	if c.sessionID != "" {
		return c.sessionID
	}
	return fmt.Sprintf("call-%d", c.leg.ID())
}

// ─── Hangup and transfer ─────────────────────────────────────────────────────

// handlePlaybackFinished runs at every playback boundary: when the
// conversation is over it tries to wind the call down, otherwise it arms the
// user-silence window.
func (c *Controller) handlePlaybackFinished() {
	if c.State() == StateFinished {
		c.hangupIfQuiescent()
		return
	}
	if pl := c.pipe.Load(); pl != nil {
		pl.processor.StartUserSilence()
	}
}

// hangupIfQuiescent schedules the end-of-call teardown unless reply audio is
// still playing or pending. Safe to call from any goroutine.
func (c *Controller) hangupIfQuiescent() {
	if c.aiSpeaking() {
		return
	}
	if !c.hangupArmed.CompareAndSwap(false, true) {
		return
	}
	go func() {
		time.Sleep(softHangupDelay)
		if c.leg.State() == telephony.StateDisconnected {
			return
		}
		if c.aiSpeaking() {
			// A reply landed inside the window; the next playback boundary
			// re-arms the hangup.
			c.hangupArmed.Store(false)
			return
		}
		slog.Debug("call: soft hangup", "session_id", c.sessionID)
		if c.startTransfer() {
			return
		}
		if err := c.leg.Hangup(telephony.StatusOK); err != nil {
			slog.Warn("call: hangup failed", "error", err, "session_id", c.sessionID)
		}
	}()
}

// SetTransferTarget stores the destination for a warm transfer; the transfer
// itself starts at the next soft-hangup boundary. A "dtmf:" prefix makes the
// target a digit string dialed in-band instead of a REFER.
func (c *Controller) SetTransferTarget(target string, delay time.Duration) {
	c.transferMu.Lock()
	c.transferTarget = target
	c.transferDelay = delay
	c.transferMu.Unlock()
	slog.Info("call: transfer target set",
		"target", target, "session_id", c.sessionID)
}

// startTransfer begins the pending transfer, if one is set. Reports whether
// a transfer now owns the teardown of the call.
func (c *Controller) startTransfer() bool {
	c.transferMu.Lock()
	target := c.transferTarget
	delay := c.transferDelay
	started := c.transferStarted
	if target != "" && !started {
		c.transferStarted = true
	}
	c.transferMu.Unlock()

	if target == "" {
		return false
	}
	if started {
		return true
	}

	c.transferred.Store(true)

	if digits, ok := strings.CutPrefix(target, transferPrefixDTMF); ok {
		slog.Info("call: transferring via DTMF",
			"target", target, "session_id", c.sessionID)
		if err := c.leg.SendDTMF(digits); err != nil {
			slog.Error("call: DTMF transfer failed",
				"error", err, "session_id", c.sessionID)
		}
		time.Sleep(delay)
		if c.leg.State() != telephony.StateDisconnected {
			if err := c.leg.Hangup(telephony.StatusOK); err != nil {
				slog.Warn("call: hangup after transfer failed",
					"error", err, "session_id", c.sessionID)
			}
		}
		return true
	}

	slog.Info("call: transferring", "target", target, "session_id", c.sessionID)
	if err := c.leg.Refer(target); err != nil {
		slog.Error("call: transfer failed, hanging up instead",
			"error", err, "session_id", c.sessionID)
		c.transferred.Store(false)
		return false
	}
	return true
}

// OnTransferStatus follows the REFER subscription. The leg is released once
// the far end reports the transfer succeeded.
func (c *Controller) OnTransferStatus(statusCode int, final bool, reason string) {
	slog.Info("call: transfer status",
		"status", statusCode, "final", final, "reason", reason,
		"session_id", c.sessionID)
	if final && statusCode >= 200 && statusCode < 300 {
		c.transferred.Store(true)
		if err := c.leg.Hangup(telephony.StatusOK); err != nil {
			slog.Warn("call: hangup after transfer failed",
				"error", err, "session_id", c.sessionID)
		}
	}
}
