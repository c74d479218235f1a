package backend

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Stream message types the backend sends. Anything else is forwarded to
// OnMessage for the controller to log and ignore.
const (
	StreamTypeMessage = "message"
	StreamTypeEOS     = "eos"
	StreamTypeEOC     = "eoc"
)

const defaultReconnectDelay = 5 * time.Second

// StreamMessage is one decoded event-stream payload.
type StreamMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// StreamHandlers receive event-stream callbacks. All fields may be nil.
// Handlers run on the stream's own goroutine; they must not block for long
// or they stall the read loop.
type StreamHandlers struct {
	// OnMessage receives every payload except the timeout and close types.
	OnMessage func(StreamMessage)

	// OnTimeout fires for {"type":"timeout"} payloads.
	OnTimeout func()

	// OnClose fires for {"type":"close"} payloads and every time the
	// connection drops, including failed connect attempts.
	OnClose func()
}

// StreamOption is a functional option for [NewEventStream].
type StreamOption func(*EventStream)

// WithReconnectDelay overrides the pause between connection attempts.
// Defaults to 5s.
func WithReconnectDelay(d time.Duration) StreamOption {
	return func(s *EventStream) {
		if d > 0 {
			s.reconnectDelay = d
		}
	}
}

// EventStream maintains the per-session websocket to the backend. It
// reconnects forever until [EventStream.Stop]; each drop fires OnClose and
// the next attempt starts after the reconnect delay.
type EventStream struct {
	url            string
	handlers       StreamHandlers
	reconnectDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewEventStream builds the stream for one backend session. baseURL is the
// backend HTTP root; the websocket endpoint is derived from it. Nothing
// connects until [EventStream.Connect].
func NewEventStream(baseURL, sessionID string, handlers StreamHandlers, opts ...StreamOption) *EventStream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &EventStream{
		url:            wsURL(strings.TrimRight(baseURL, "/")) + "/ws/" + sessionID,
		handlers:       handlers,
		reconnectDelay: defaultReconnectDelay,
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect starts the background connect/read/reconnect loop. Subsequent
// calls are no-ops.
func (s *EventStream) Connect() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.run()
	})
}

// Stop tears the stream down: the current connection closes with a going
// away status and no further attempts are made. Blocks until the loop exits.
func (s *EventStream) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.Close(websocket.StatusGoingAway, "shutdown")
		}
		s.mu.Unlock()
		s.wg.Wait()
	})
}

func (s *EventStream) run() {
	defer s.wg.Done()
	for {
		if s.ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.Dial(s.ctx, s.url, nil)
		if err != nil {
			if s.ctx.Err() == nil {
				slog.Warn("event stream connect failed", "url", s.url, "error", err)
				s.fireClose()
			}
			if !s.pause() {
				return
			}
			continue
		}

		s.setConn(conn)
		slog.Debug("event stream connected", "url", s.url)
		s.readAll(conn)
		s.setConn(nil)
		conn.CloseNow()

		s.fireClose()
		if !s.pause() {
			return
		}
	}
}

func (s *EventStream) readAll(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
		s.dispatch(data)
	}
}

func (s *EventStream) dispatch(data []byte) {
	var msg StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("event stream message dropped", "error", err)
		return
	}
	switch msg.Type {
	case "timeout":
		if s.handlers.OnTimeout != nil {
			s.handlers.OnTimeout()
		}
	case "close":
		s.fireClose()
	default:
		if s.handlers.OnMessage != nil {
			s.handlers.OnMessage(msg)
		}
	}
}

func (s *EventStream) fireClose() {
	if s.handlers.OnClose != nil {
		s.handlers.OnClose()
	}
}

// pause waits out the reconnect delay. Returns false when the stream is
// stopping.
func (s *EventStream) pause() bool {
	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(s.reconnectDelay):
		return true
	}
}

func (s *EventStream) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// wsURL maps the backend HTTP root onto its websocket scheme.
func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
