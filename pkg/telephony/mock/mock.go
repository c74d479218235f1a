// Package mock provides test doubles for the telephony interfaces.
//
// Use Endpoint, Leg and Media to drive the conversation core without a SIP
// stack: tests push signaling through the bound observer, inject capture
// frames through the attached handler, and complete playbacks by invoking the
// recorded end-of-file callbacks.
//
// Example:
//
//	leg := &mock.Leg{IDValue: 7, RemoteURIValue: "sip:alice@example.com"}
//	leg.Bind(controller)
//	leg.EmitState(telephony.StateConfirmed, 200)
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/flametree-ai/sipvox/pkg/telephony"
)

// ─── Endpoint ───

// DialCall records a single invocation of Dial.
type DialCall struct {
	// Ctx is the context passed to Dial.
	Ctx context.Context
	// ToURI is the destination SIP URI passed to Dial.
	ToURI string
}

// Endpoint is a mock implementation of telephony.Endpoint.
type Endpoint struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// DialLeg is returned by Dial when DialErr is nil. Tests usually set it
	// to a *Leg from this package.
	DialLeg telephony.Leg

	// DialErr, if non-nil, is returned as the error from Dial.
	DialErr error

	// CloseErr is returned by Close.
	CloseErr error

	// --- Call records ---

	// DialCalls records every call to Dial in order.
	DialCalls []DialCall

	// Handler is the last handler installed via SetHandler.
	Handler telephony.EndpointHandler

	// CloseCalls counts invocations of Close.
	CloseCalls int
}

// Dial records the call and returns DialLeg, DialErr.
func (e *Endpoint) Dial(ctx context.Context, toURI string) (telephony.Leg, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.DialCalls = append(e.DialCalls, DialCall{Ctx: ctx, ToURI: toURI})
	if e.DialErr != nil {
		return nil, e.DialErr
	}
	return e.DialLeg, nil
}

// SetHandler records the handler so tests can push endpoint events.
func (e *Endpoint) SetHandler(h telephony.EndpointHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Handler = h
}

// Close records the call and returns CloseErr.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CloseCalls++
	return e.CloseErr
}

// Reset clears all recorded calls. Thread-safe.
func (e *Endpoint) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.DialCalls = nil
	e.Handler = nil
	e.CloseCalls = 0
}

// ─── Leg ───

// Leg is a mock implementation of telephony.Leg. Tests drive signaling toward
// the bound observer with the Emit helpers.
type Leg struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// IDValue is returned by ID.
	IDValue int

	// RemoteURIValue is returned by RemoteURI.
	RemoteURIValue string

	// SIPCallIDValue is returned by SIPCallID.
	SIPCallIDValue string

	// AnswerErr, if non-nil, is returned as the error from Answer.
	AnswerErr error

	// HangupErr, if non-nil, is returned as the error from Hangup.
	HangupErr error

	// ReferErr, if non-nil, is returned as the error from Refer.
	ReferErr error

	// SendDTMFErr, if non-nil, is returned as the error from SendDTMF.
	SendDTMFErr error

	// --- Call records ---

	// AnswerCalls records the status codes passed to Answer in order.
	AnswerCalls []int

	// HangupCalls records the status codes passed to Hangup in order.
	HangupCalls []int

	// ReferCalls records the targets passed to Refer in order.
	ReferCalls []string

	// SendDTMFCalls records the digit strings passed to SendDTMF in order.
	SendDTMFCalls []string

	state      telephony.LegState
	lastStatus int
	observer   telephony.LegObserver
}

// ID returns IDValue.
func (l *Leg) ID() int { return l.IDValue }

// RemoteURI returns RemoteURIValue.
func (l *Leg) RemoteURI() string { return l.RemoteURIValue }

// SIPCallID returns SIPCallIDValue.
func (l *Leg) SIPCallID() string { return l.SIPCallIDValue }

// State returns the state last set via EmitState (StateCreated initially).
func (l *Leg) State() telephony.LegState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// LastStatusCode returns the status last set via EmitState.
func (l *Leg) LastStatusCode() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastStatus
}

// Answer records the call and returns AnswerErr.
func (l *Leg) Answer(statusCode int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.AnswerCalls = append(l.AnswerCalls, statusCode)
	return l.AnswerErr
}

// Hangup records the call and returns HangupErr.
func (l *Leg) Hangup(statusCode int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.HangupCalls = append(l.HangupCalls, statusCode)
	return l.HangupErr
}

// Refer records the call and returns ReferErr.
func (l *Leg) Refer(target string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ReferCalls = append(l.ReferCalls, target)
	return l.ReferErr
}

// SendDTMF records the call and returns SendDTMFErr.
func (l *Leg) SendDTMF(digits string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.SendDTMFCalls = append(l.SendDTMFCalls, digits)
	return l.SendDTMFErr
}

// Answers returns a snapshot of AnswerCalls. Thread-safe.
func (l *Leg) Answers() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.AnswerCalls...)
}

// Hangups returns a snapshot of HangupCalls. Thread-safe.
func (l *Leg) Hangups() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.HangupCalls...)
}

// Refers returns a snapshot of ReferCalls. Thread-safe.
func (l *Leg) Refers() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ReferCalls...)
}

// DTMFSends returns a snapshot of SendDTMFCalls. Thread-safe.
func (l *Leg) DTMFSends() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.SendDTMFCalls...)
}

// Bind stores the observer for the Emit helpers.
func (l *Leg) Bind(obs telephony.LegObserver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observer = obs
}

// Observer returns the currently bound observer, or nil.
func (l *Leg) Observer() telephony.LegObserver {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.observer
}

// EmitState updates the leg snapshot and forwards the transition to the bound
// observer, mirroring how a real adapter reports signaling.
func (l *Leg) EmitState(state telephony.LegState, statusCode int) {
	l.mu.Lock()
	l.state = state
	l.lastStatus = statusCode
	obs := l.observer
	l.mu.Unlock()
	if obs != nil {
		obs.OnStateChanged(state, statusCode)
	}
}

// EmitMedia forwards a media-active event to the bound observer.
func (l *Leg) EmitMedia(m telephony.Media) {
	l.mu.Lock()
	obs := l.observer
	l.mu.Unlock()
	if obs != nil {
		obs.OnMediaActive(m)
	}
}

// EmitTransferStatus forwards a transfer progress event to the bound observer.
func (l *Leg) EmitTransferStatus(statusCode int, final bool, reason string) {
	l.mu.Lock()
	obs := l.observer
	l.mu.Unlock()
	if obs != nil {
		obs.OnTransferStatus(statusCode, final, reason)
	}
}

// Reset clears all recorded calls and the bound observer. Thread-safe.
func (l *Leg) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.AnswerCalls = nil
	l.HangupCalls = nil
	l.ReferCalls = nil
	l.SendDTMFCalls = nil
	l.observer = nil
	l.state = telephony.StateCreated
	l.lastStatus = 0
}

// ─── Media ───

// PlayFileCall records a single invocation of PlayFile.
type PlayFileCall struct {
	// Path is the WAV path passed to PlayFile.
	Path string
	// OnEOF is the completion callback passed to PlayFile. Tests invoke it to
	// simulate the file finishing on its own.
	OnEOF func()
	// Playback is the handle PlayFile returned for this call.
	Playback *Playback
}

// Playback is the handle returned by Media.PlayFile.
type Playback struct {
	mu sync.Mutex

	// StopErr is returned by Stop.
	StopErr error

	// StopCalls counts invocations of Stop.
	StopCalls int
}

// Stop records the call and returns StopErr.
func (p *Playback) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StopCalls++
	return p.StopErr
}

// Stopped reports whether Stop has been called at least once.
func (p *Playback) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.StopCalls > 0
}

// recordHandle is the io.Closer returned by Media.Record.
type recordHandle struct {
	media *Media
}

func (r *recordHandle) Close() error {
	r.media.mu.Lock()
	defer r.media.mu.Unlock()
	r.media.RecordCloseCalls++
	return nil
}

// Media is a mock implementation of telephony.Media.
type Media struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// FormatValue is returned by Format.
	FormatValue telephony.Format

	// PlayFileErr, if non-nil, is returned as the error from PlayFile.
	PlayFileErr error

	// RecordErr, if non-nil, is returned as the error from Record.
	RecordErr error

	// --- Call records ---

	// PlayFileCalls records every call to PlayFile in order.
	PlayFileCalls []PlayFileCall

	// RecordCalls records the paths passed to Record in order.
	RecordCalls []string

	// RecordCloseCalls counts closes of handles returned by Record.
	RecordCloseCalls int

	// CloseCalls counts invocations of Close.
	CloseCalls int

	handler telephony.FrameHandler
}

// Format returns FormatValue.
func (m *Media) Format() telephony.Format {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.FormatValue
}

// AttachCapture records the handler so tests can inject frames.
func (m *Media) AttachCapture(h telephony.FrameHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Capture returns the currently attached frame handler, or nil.
func (m *Media) Capture() telephony.FrameHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler
}

// Inject delivers a frame to the attached capture handler, if any.
func (m *Media) Inject(f telephony.Frame) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h(f)
	}
}

// PlayFile records the call and returns a fresh *Playback, PlayFileErr.
func (m *Media) PlayFile(path string, onEOF func()) (telephony.Playback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PlayFileErr != nil {
		m.PlayFileCalls = append(m.PlayFileCalls, PlayFileCall{Path: path, OnEOF: onEOF})
		return nil, m.PlayFileErr
	}
	pb := &Playback{}
	m.PlayFileCalls = append(m.PlayFileCalls, PlayFileCall{Path: path, OnEOF: onEOF, Playback: pb})
	return pb, nil
}

// Record records the call and returns a handle whose Close increments
// RecordCloseCalls, or RecordErr.
func (m *Media) Record(path string) (io.Closer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RecordCalls = append(m.RecordCalls, path)
	if m.RecordErr != nil {
		return nil, m.RecordErr
	}
	return &recordHandle{media: m}, nil
}

// PlayFiles returns a snapshot of PlayFileCalls. Thread-safe.
func (m *Media) PlayFiles() []PlayFileCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PlayFileCall(nil), m.PlayFileCalls...)
}

// Records returns a snapshot of RecordCalls. Thread-safe.
func (m *Media) Records() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.RecordCalls...)
}

// RecordClosed returns RecordCloseCalls. Thread-safe.
func (m *Media) RecordClosed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RecordCloseCalls
}

// Closed returns CloseCalls. Thread-safe.
func (m *Media) Closed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CloseCalls
}

// Close records the call.
func (m *Media) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	m.handler = nil
	return nil
}

// Reset clears all recorded calls and the attached handler. Thread-safe.
func (m *Media) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PlayFileCalls = nil
	m.RecordCalls = nil
	m.RecordCloseCalls = 0
	m.CloseCalls = 0
	m.handler = nil
}

// Ensure the mocks implement the telephony interfaces at compile time.
var (
	_ telephony.Endpoint = (*Endpoint)(nil)
	_ telephony.Leg      = (*Leg)(nil)
	_ telephony.Media    = (*Media)(nil)
	_ telephony.Playback = (*Playback)(nil)
)
