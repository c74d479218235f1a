// Package telephony defines the interfaces and types through which the
// gateway core consumes a SIP stack.
//
// The three primary abstractions are:
//
//   - [Endpoint] — the registered SIP user agent; originates outbound legs and
//     surfaces inbound ones.
//   - [Leg] — a single call leg with signaling operations (answer, hangup,
//     refer, DTMF) and a state snapshot.
//   - [Media] — the confirmed leg's audio session: fixed-format capture,
//     file playback with end-of-file notification, and call recording.
//
// Implementations are provided by stack-specific adapter packages (see
// internal/trunk for the sipgo-based one). The interfaces are intentionally
// narrow so the conversation core never touches SIP messages directly.
//
// This package lives under pkg/ because alternative stack adapters are
// expected to implement [Endpoint], [Leg] and [Media].
package telephony

import (
	"context"
	"io"
)

// LegState is the lifecycle position of a call leg. Only [StateConfirmed]
// grants media.
type LegState int

const (
	// StateCreated is the initial state of a leg before any signaling.
	StateCreated LegState = iota

	// StateRinging means an INVITE is in progress (inbound answered with a
	// provisional response, or outbound awaiting the far end).
	StateRinging

	// StateConfirmed means the dialog is established and media may flow.
	StateConfirmed

	// StateDisconnected is terminal; the leg and its media are gone.
	StateDisconnected
)

// String returns the human-readable name of the state.
func (s LegState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRinging:
		return "ringing"
	case StateConfirmed:
		return "confirmed"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Common SIP status codes the core reasons about. The core never interprets
// any code not listed here beyond its class digit.
const (
	StatusRinging             = 180
	StatusOK                  = 200
	StatusForbidden           = 403
	StatusNotFound            = 404
	StatusRequestTimeout      = 408
	StatusTemporarilyUnavail  = 480
	StatusBusyHere            = 486
	StatusRequestTerminated   = 487
	StatusInternalServerError = 500
	StatusBadGateway          = 502
	StatusServiceUnavailable  = 503
	StatusGatewayTimeout      = 504
	StatusDecline             = 603
)

// LegObserver receives signaling events for one leg. The conversation
// controller implements this interface; the adapter invokes it from its own
// goroutines, so implementations must be safe for concurrent use and must not
// block for long (dispatch heavy work to workers).
type LegObserver interface {
	// OnStateChanged fires on every leg state transition. statusCode is the
	// last SIP status seen on the leg (0 when none applies).
	OnStateChanged(state LegState, statusCode int)

	// OnMediaActive fires once the leg's audio session is available, after
	// the transition to [StateConfirmed].
	OnMediaActive(m Media)

	// OnTransferStatus reports progress of an in-dialog REFER. final is true
	// for the terminating NOTIFY of the transfer subscription.
	OnTransferStatus(statusCode int, final bool, reason string)
}

// Leg is a single call leg. All methods are safe for concurrent use.
//
// Signaling errors are returned to the caller; they do not tear the leg down
// by themselves.
type Leg interface {
	// ID returns the stable numeric identifier assigned by the adapter.
	// IDs are unique among live legs.
	ID() int

	// RemoteURI returns the far end's SIP URI as received in signaling.
	RemoteURI() string

	// SIPCallID returns the dialog's Call-ID header value, used to correlate
	// the leg with external systems. Empty before any signaling.
	SIPCallID() string

	// State returns the current lifecycle state.
	State() LegState

	// LastStatusCode returns the most recent SIP status code observed on the
	// leg (response to our INVITE, or the code the leg was terminated with).
	// Zero when no status has been seen yet.
	LastStatusCode() int

	// Answer sends a provisional or final response to an inbound INVITE
	// (e.g. 180 to ring, 200 to accept). It is an error on outbound legs.
	Answer(statusCode int) error

	// Hangup terminates the leg with the given status code: BYE on confirmed
	// dialogs, a final failure response on unanswered inbound INVITEs, and
	// CANCEL on pending outbound ones.
	Hangup(statusCode int) error

	// Refer issues an in-dialog REFER to target, initiating a blind transfer.
	// Progress arrives via [LegObserver.OnTransferStatus].
	Refer(target string) error

	// SendDTMF transmits the given digits as RFC 4733 telephone events.
	SendDTMF(digits string) error

	// Bind installs the observer for this leg's signaling events. Adapters
	// buffer events that fire before the first Bind and replay them when the
	// observer is installed. Subsequent calls replace the previous observer.
	Bind(obs LegObserver)
}

// FrameHandler consumes captured audio. Implementations must return quickly;
// the adapter calls it from its media loop.
type FrameHandler func(f Frame)

// Playback is a single in-progress file playback on a media session.
type Playback interface {
	// Stop halts playback immediately. The playback's end-of-file callback is
	// not invoked after Stop returns. Safe to call more than once.
	Stop() error
}

// Media is the audio session of a confirmed leg.
//
// The capture side delivers fixed-format PCM frames (format per [Media.Format])
// to the installed handler. The playback side plays 16-bit PCM WAV files
// serially from disk. Implementations must be safe for concurrent use.
type Media interface {
	// Format reports the fixed capture/playback frame format.
	Format() Format

	// AttachCapture installs h as the capture frame handler. At most one
	// handler is active; subsequent calls replace it. Passing nil detaches.
	AttachCapture(h FrameHandler)

	// PlayFile starts playing the WAV file at path. onEOF is invoked exactly
	// once from an adapter goroutine when the file finishes on its own (not
	// after [Playback.Stop]). Returns an error if the file cannot be opened
	// or is not playable.
	PlayFile(path string, onEOF func()) (Playback, error)

	// Record starts writing all session audio (captured and played) to a WAV
	// file at path, creating parent directories as needed. Close the returned
	// writer to stop. At most one recording per session.
	Record(path string) (io.Closer, error)

	// Close releases the session. Any active playback stops without its
	// end-of-file callback; the capture handler is detached.
	Close() error
}

// EndpointHandler receives endpoint-level events: inbound calls and
// registration state. The application root implements it.
type EndpointHandler interface {
	// OnIncomingCall fires for each inbound INVITE. The leg is in
	// [StateCreated]; the handler decides to answer or reject it.
	OnIncomingCall(leg Leg, remoteURI string)

	// OnRegistrationState reports REGISTER progress (SIP status + reason).
	OnRegistrationState(statusCode int, reason string)
}

// Endpoint is the registered SIP user agent.
//
// Implementations must be safe for concurrent use.
type Endpoint interface {
	// Dial originates an outbound call to the given SIP URI and returns the
	// new leg in [StateCreated] or [StateRinging]. The context bounds only
	// the INVITE send, not the leg lifetime.
	Dial(ctx context.Context, toURI string) (Leg, error)

	// SetHandler installs the endpoint event handler. Must be called before
	// the endpoint starts accepting traffic.
	SetHandler(h EndpointHandler)

	// Close unregisters and releases the endpoint. Live legs are hung up
	// with 503.
	Close() error
}
