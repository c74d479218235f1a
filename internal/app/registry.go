package app

import (
	"sync"

	"github.com/flametree-ai/sipvox/internal/call"
)

// Stream is the per-session backend push channel held alongside each call.
// *backend.EventStream satisfies it; tests substitute stubs.
type Stream interface {
	// Connect starts the stream's background connect/read loop.
	Connect()

	// Stop closes the stream and stops reconnecting.
	Stop()
}

type callEntry struct {
	ctrl   *call.Controller
	stream Stream
}

// registry tracks live calls by leg ID and backend session ID under one
// mutex. Unregistering a call stops its event stream; the controller's own
// teardown already ran (or runs independently) by then.
type registry struct {
	mu       sync.Mutex
	calls    map[int]callEntry
	sessions map[string]int
}

func newRegistry() *registry {
	return &registry{
		calls:    make(map[int]callEntry),
		sessions: make(map[string]int),
	}
}

// register adds the call under both keys. A stale entry under the same leg
// ID is replaced; its stream is stopped first.
func (r *registry) register(ctrl *call.Controller, stream Stream) {
	callID := ctrl.CallID()
	sessionID := ctrl.SessionID()

	r.mu.Lock()
	prev, had := r.calls[callID]
	r.calls[callID] = callEntry{ctrl: ctrl, stream: stream}
	if sessionID != "" {
		r.sessions[sessionID] = callID
	}
	r.mu.Unlock()

	if had && prev.stream != nil {
		prev.stream.Stop()
	}
}

// unregister removes the call and stops its event stream. Unknown IDs are
// no-ops: disconnect and shutdown can race here.
func (r *registry) unregister(callID int) {
	r.mu.Lock()
	entry, ok := r.calls[callID]
	if ok {
		delete(r.calls, callID)
		if sid := entry.ctrl.SessionID(); sid != "" && r.sessions[sid] == callID {
			delete(r.sessions, sid)
		}
	}
	r.mu.Unlock()

	if ok && entry.stream != nil {
		entry.stream.Stop()
	}
}

// bySession returns the controller handling the given backend session, or
// nil when the session is unknown.
func (r *registry) bySession(sessionID string) *call.Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	callID, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	return r.calls[callID].ctrl
}

// size returns the number of live calls.
func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// drain empties the registry and returns all entries, for shutdown.
func (r *registry) drain() []callEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := make([]callEntry, 0, len(r.calls))
	for _, entry := range r.calls {
		entries = append(entries, entry)
	}
	r.calls = make(map[int]callEntry)
	r.sessions = make(map[string]int)
	return entries
}
