// Package app wires the gateway subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the backend client
// and installs the app as the telephony endpoint handler, the REST layer
// calls PlaceCall/TransferCall, and Shutdown tears down every live call.
//
// For testing, inject mock implementations via Providers and functional
// options (WithStreamFactory, WithMetrics). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flametree-ai/sipvox/internal/backend"
	"github.com/flametree-ai/sipvox/internal/call"
	"github.com/flametree-ai/sipvox/internal/config"
	"github.com/flametree-ai/sipvox/internal/observe"
	"github.com/flametree-ai/sipvox/internal/resilience"
	"github.com/flametree-ai/sipvox/internal/vad"
	"github.com/flametree-ai/sipvox/pkg/provider/stt"
	vadp "github.com/flametree-ai/sipvox/pkg/provider/vad"
	"github.com/flametree-ai/sipvox/pkg/telephony"
)

// Sentinel errors the REST layer maps onto HTTP status codes.
var (
	// ErrSIPNotReady means no telephony endpoint is configured, so calls
	// cannot be placed.
	ErrSIPNotReady = errors.New("app: sip not initialized")

	// ErrSessionNotFound means no live call is bound to the session ID.
	ErrSessionNotFound = errors.New("app: session not found")

	// ErrCallNotActive means the call exists but its dialog is not
	// confirmed, so it cannot be transferred.
	ErrCallNotActive = errors.New("app: call is not active")
)

// Providers holds one interface value per provider slot. Endpoint may be
// nil when the process runs without SIP credentials (REST-only mode);
// VAD must be set whenever Endpoint is. A nil Transcriber defaults to the
// backend's transcription endpoint.
type Providers struct {
	Endpoint    telephony.Endpoint
	Transcriber stt.Transcriber
	VAD         vadp.Engine
}

// StreamFactory builds the per-session backend event stream. Tests swap it
// for a stub; the default dials the backend's websocket.
type StreamFactory func(sessionID string, handlers backend.StreamHandlers) Stream

// CallRequest is an outbound call order as accepted by the REST layer.
type CallRequest struct {
	// ToURI is the SIP URI to dial. Required.
	ToURI string

	// EnvInfo is passed through to the backend session as creation kwargs.
	EnvInfo map[string]any

	// CommunicationID, when non-empty, correlates the session with an
	// external system of record.
	CommunicationID string
}

// App owns all live calls and orchestrates the voice gateway.
type App struct {
	cfg     *config.Config
	backend *backend.Client
	metrics *observe.Metrics

	endpoint    telephony.Endpoint
	transcriber stt.Transcriber
	vadEngine   vadp.Engine

	registry *registry
	streams  StreamFactory

	allowInbound atomic.Bool

	// regStatus holds the SIP status code of the last registration attempt;
	// zero until the first attempt completes. Read by the readiness probe.
	regStatus atomic.Int32

	stopOnce sync.Once
}

// Option configures optional App collaborators.
type Option func(*App)

// WithMetrics replaces the process-wide default metrics set.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithStreamFactory replaces the backend event stream constructor.
func WithStreamFactory(f StreamFactory) Option {
	return func(a *App) { a.streams = f }
}

var _ telephony.EndpointHandler = (*App)(nil)

// New builds the application root. The context bounds only startup work
// (the backend capabilities probe), not the app lifetime.
func New(ctx context.Context, cfg *config.Config, providers Providers, opts ...Option) (*App, error) {
	if providers.Endpoint != nil && providers.VAD == nil {
		return nil, errors.New("app: telephony endpoint requires a vad engine")
	}

	a := &App{
		cfg:         cfg,
		endpoint:    providers.Endpoint,
		transcriber: providers.Transcriber,
		vadEngine:   providers.VAD,
		registry:    newRegistry(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.allowInbound.Store(cfg.AllowInboundCalls)

	// Fail startup, not the first call, when the reply audio dir is bad.
	if cfg.TmpAudioDir != "" {
		if err := os.MkdirAll(cfg.TmpAudioDir, 0o755); err != nil {
			return nil, fmt.Errorf("create tmp audio dir %s: %w", cfg.TmpAudioDir, err)
		}
	}

	client, err := backend.NewClient(backend.ClientConfig{
		BaseURL:        cfg.BackendURL,
		Token:          cfg.AuthorizationToken,
		RequestTimeout: cfg.BackendRequestTimeout(),
		ConnectTimeout: cfg.BackendConnectTimeout(),
		ReadTimeout:    cfg.BackendReadTimeout(),
		Breaker:        resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "backend"}),
	})
	if err != nil {
		return nil, fmt.Errorf("backend client: %w", err)
	}
	a.backend = client

	if a.transcriber == nil {
		a.transcriber = backend.NewTranscriber(client)
	}
	if a.streams == nil {
		a.streams = func(sessionID string, handlers backend.StreamHandlers) Stream {
			return backend.NewEventStream(cfg.BackendURL, sessionID, handlers)
		}
	}

	// The probe is informational: a backend that is still starting up must
	// not keep the gateway from registering and taking calls.
	if caps, err := client.Capabilities(ctx); err != nil {
		slog.Warn("backend capabilities probe failed", "error", err)
	} else {
		slog.Info("backend capabilities", "capabilities", caps)
	}

	if a.endpoint != nil {
		a.endpoint.SetHandler(a)
	}
	return a, nil
}

// LiveCalls reports the number of calls currently registered.
func (a *App) LiveCalls() int { return a.registry.size() }

// Backend exposes the shared backend client for health checks.
func (a *App) Backend() *backend.Client { return a.backend }

// SIPHealth reports the readiness of the telephony side: nil in REST-only
// mode (no endpoint configured) or once the registrar has accepted the
// account, an error while registration is pending or rejected.
func (a *App) SIPHealth() error {
	if a.endpoint == nil {
		return nil
	}
	switch code := int(a.regStatus.Load()); {
	case code == 0:
		return errors.New("sip registration pending")
	case code != telephony.StatusOK:
		return fmt.Errorf("sip registration failed with status %d", code)
	}
	return nil
}

// ─── Outbound calls ─────────────────────────────────────────────────────────

// PlaceCall creates a backend session, dials the destination and hands the
// new leg to a call controller. It returns the backend session ID. When the
// dial fails the just-created session is closed again so the backend does
// not accumulate orphans.
func (a *App) PlaceCall(ctx context.Context, req CallRequest) (string, error) {
	if a.endpoint == nil {
		return "", ErrSIPNotReady
	}
	slog.Info("placing outbound call",
		"to_uri", req.ToURI, "communication_id", req.CommunicationID)

	sess, err := a.backend.CreateSession(ctx, backend.CreateSessionRequest{
		UserID:          req.ToURI,
		Kwargs:          req.EnvInfo,
		CommunicationID: req.CommunicationID,
	})
	if err != nil {
		return "", fmt.Errorf("create backend session: %w", err)
	}
	sessionID := sess.Session.SessionID

	leg, err := a.endpoint.Dial(ctx, req.ToURI)
	if err != nil {
		a.closeSessionAsync(sessionID, call.CloseNetworkError)
		return "", fmt.Errorf("dial %q: %w", req.ToURI, err)
	}

	ctrl := call.New(leg, call.SessionInfo{
		SessionID: sessionID,
		Greeting:  sess.Greeting,
		Direction: "outbound",
	}, a.callConfig(), a.callDeps())
	a.attach(ctrl)

	slog.Info("outbound call started",
		"session_id", sessionID, "call_id", leg.ID(), "to_uri", req.ToURI)
	return sessionID, nil
}

// ─── Inbound calls ──────────────────────────────────────────────────────────

// OnIncomingCall implements [telephony.EndpointHandler]. It enforces the
// inbound policy, rings the caller and creates the backend session off the
// signaling goroutine.
func (a *App) OnIncomingCall(leg telephony.Leg, remoteURI string) {
	if !a.allowInbound.Load() {
		slog.Info("inbound call rejected: inbound calls are disabled",
			"call_id", leg.ID(), "from_uri", remoteURI)
		if err := leg.Hangup(telephony.StatusForbidden); err != nil {
			slog.Warn("inbound reject failed", "call_id", leg.ID(), "error", err)
		}
		return
	}

	slog.Info("incoming call", "call_id", leg.ID(), "from_uri", remoteURI)
	if err := leg.Answer(telephony.StatusRinging); err != nil {
		slog.Error("ringing response failed", "call_id", leg.ID(), "error", err)
		_ = leg.Hangup(telephony.StatusInternalServerError)
		return
	}
	go a.acceptInbound(leg, remoteURI)
}

// acceptInbound finishes inbound call setup: backend session, controller,
// event stream, then the final 200. Session creation is keyed by the SIP
// Call-ID so the backend can correlate retransmitted INVITEs.
func (a *App) acceptInbound(leg telephony.Leg, remoteURI string) {
	sess, err := a.backend.CreateSession(context.Background(), backend.CreateSessionRequest{
		UserID:         remoteURI,
		ConversationID: leg.SIPCallID(),
	})
	if err != nil {
		slog.Error("inbound session create failed",
			"call_id", leg.ID(), "from_uri", remoteURI, "error", err)
		if herr := leg.Hangup(telephony.StatusServiceUnavailable); herr != nil {
			slog.Warn("inbound hangup failed", "call_id", leg.ID(), "error", herr)
		}
		return
	}
	sessionID := sess.Session.SessionID

	ctrl := call.New(leg, call.SessionInfo{
		SessionID: sessionID,
		Greeting:  sess.Greeting,
		Direction: "inbound",
	}, a.callConfig(), a.callDeps())
	a.attach(ctrl)

	if err := leg.Answer(telephony.StatusOK); err != nil {
		slog.Error("inbound answer failed",
			"call_id", leg.ID(), "session_id", sessionID, "error", err)
		// The hangup drives the controller through its normal teardown,
		// which unregisters the call and closes the backend session.
		if herr := leg.Hangup(telephony.StatusInternalServerError); herr != nil {
			slog.Warn("inbound hangup failed", "call_id", leg.ID(), "error", herr)
		}
		return
	}
	slog.Info("inbound call answered",
		"session_id", sessionID, "call_id", leg.ID(), "from_uri", remoteURI)
}

// OnRegistrationState implements [telephony.EndpointHandler].
func (a *App) OnRegistrationState(statusCode int, reason string) {
	a.regStatus.Store(int32(statusCode))
	slog.Info("sip registration state", "status", statusCode, "reason", reason)
	switch {
	case statusCode >= 500 && statusCode < 600:
		slog.Error("sip registration server error", "status", statusCode, "reason", reason)
	case statusCode == telephony.StatusRequestTimeout:
		slog.Warn("sip registration timed out; check network and registrar", "status", statusCode)
	case statusCode == telephony.StatusOK:
		slog.Info("sip registration successful")
	case statusCode != 0:
		slog.Warn("sip registration failed", "status", statusCode, "reason", reason)
	}
}

// ─── Transfers ──────────────────────────────────────────────────────────────

// TransferCall arms a warm transfer on the live call bound to sessionID.
// The transfer itself fires once the AI finishes speaking; delay is the
// settle wait before the REFER is sent.
func (a *App) TransferCall(sessionID, toURI string, delay time.Duration) error {
	ctrl := a.registry.bySession(sessionID)
	if ctrl == nil {
		return ErrSessionNotFound
	}
	if ctrl.Leg().State() != telephony.StateConfirmed {
		return ErrCallNotActive
	}
	ctrl.SetTransferTarget(toURI, delay)
	slog.Info("transfer armed",
		"session_id", sessionID, "to_uri", toURI, "transfer_delay", delay)
	return nil
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// ApplyDiff applies a runtime-safe configuration change. Log level changes
// are handled by the caller, which owns the slog handler.
func (a *App) ApplyDiff(d config.Diff) {
	if d.AllowInboundChanged {
		a.allowInbound.Store(d.NewAllowInbound)
		slog.Info("inbound call policy updated", "allow_inbound_calls", d.NewAllowInbound)
	}
}

// Shutdown stops all event streams, hangs up live calls and closes the
// telephony endpoint. Safe to call more than once; the context bounds the
// wait for in-flight call teardown.
func (a *App) Shutdown(ctx context.Context) error {
	var closeErr error
	a.stopOnce.Do(func() {
		entries := a.registry.drain()
		slog.Info("shutting down", "live_calls", len(entries))
		for _, e := range entries {
			if e.stream != nil {
				e.stream.Stop()
			}
			if e.ctrl.Leg().State() != telephony.StateDisconnected {
				if err := e.ctrl.Leg().Hangup(telephony.StatusServiceUnavailable); err != nil {
					slog.Warn("hangup on shutdown failed",
						"call_id", e.ctrl.CallID(), "error", err)
				}
			}
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline reached with calls still live")
				closeErr = ctx.Err()
			default:
			}
		}
		if a.endpoint != nil {
			if err := a.endpoint.Close(); err != nil {
				slog.Warn("endpoint close failed", "error", err)
				if closeErr == nil {
					closeErr = err
				}
			}
		}
	})
	return closeErr
}

// ─── Internal plumbing ──────────────────────────────────────────────────────

// attach registers the controller and connects its backend event stream.
func (a *App) attach(ctrl *call.Controller) {
	stream := a.streams(ctrl.SessionID(), backend.StreamHandlers{
		OnMessage: ctrl.HandleStreamMessage,
		OnTimeout: ctrl.HandleStreamTimeout,
		OnClose:   ctrl.HandleStreamClose,
	})
	a.registry.register(ctrl, stream)
	stream.Connect()
}

// handleCallClosed is the controller's OnClosed hook.
func (a *App) handleCallClosed(c *call.Controller) {
	a.registry.unregister(c.CallID())
	slog.Info("call closed", "session_id", c.SessionID(), "call_id", c.CallID(),
		"live_calls", a.registry.size())
}

func (a *App) closeSessionAsync(sessionID, status string) {
	go func() {
		if err := a.backend.CloseSession(context.Background(), sessionID, status); err != nil {
			slog.Warn("backend session close failed",
				"session_id", sessionID, "error", err)
		}
	}()
}

func (a *App) callDeps() call.Deps {
	return call.Deps{
		Backend:     a.backend,
		Transcriber: a.transcriber,
		VAD:         a.vadEngine,
		Metrics:     a.metrics,
		OnClosed:    a.handleCallClosed,
	}
}

// callConfig maps the flat process configuration onto one call's tuning.
func (a *App) callConfig() call.Config {
	cfg := a.cfg
	correction := vad.DefaultCorrectionConfig()
	correction.EnterThreshold = cfg.VADCorrectionEnterThreshold
	correction.ExitThreshold = cfg.VADCorrectionExitThreshold
	correction.Debug = cfg.VADCorrectionDebug

	return call.Config{
		SampleRate: cfg.VADSamplingRate,
		VAD: vad.ProcessorConfig{
			SampleRate:         cfg.VADSamplingRate,
			Threshold:          cfg.VADThreshold,
			ProbWindow:         cfg.VADSpeechProbWindow,
			MinSpeechDuration:  msec(cfg.VADMinSpeechDurationMs),
			MinSilenceDuration: msec(cfg.VADMinSilenceDurationMs),
			SpeechPad:          msec(cfg.VADSpeechPadMs),
			ShortPauseOffset:   msec(cfg.ShortPauseOffsetMs),
			LongPauseOffset:    msec(cfg.LongPauseOffsetMs),
			UserSilenceTimeout: cfg.UserSilenceTimeout(),
			UseCorrection:      cfg.VADUseDynamicCorrections,
			Correction:         correction,
		},
		MinSpeechDuration: cfg.MinSpeechDuration(),
		Interruptions:     cfg.InterruptionsAreAllowed,
		Streaming:         cfg.IsStreaming,
		EarlyEOC:          cfg.SIPEarlyEOC,
		FuzzyMatch:        cfg.TranscriptFuzzyMatch,
		TTSMaxInflight:    cfg.TTSMaxInflight,
		GreetingDelay:     cfg.GreetingDelay(),
		RecordAudio:       cfg.RecordAudioParts,
		TmpAudioDir:       cfg.TmpAudioDir,
		RecordingDir:      cfg.SIPAudioDir,
	}
}

func msec(n int) time.Duration { return time.Duration(n) * time.Millisecond }
