// Package backend talks to the conversational backend that drives every call:
// a request/response HTTP API for session lifecycle, speculative generation,
// synthesis, and transcription, plus a per-session websocket event stream
// that delivers streaming reply fragments.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/flametree-ai/sipvox/internal/resilience"
)

// ErrPermission marks a 403 from the backend: the call is rejected by
// policy, not by an outage. Match with errors.Is.
var ErrPermission = errors.New("backend: permission denied")

// Error is a non-2xx backend response.
type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend: status %d: %s", e.StatusCode, e.Body)
}

// Is reports ErrPermission for 403 responses so callers can use errors.Is
// without inspecting status codes.
func (e *Error) Is(target error) bool {
	return target == ErrPermission && e.StatusCode == http.StatusForbidden
}

// ClientConfig configures a [Client].
type ClientConfig struct {
	// BaseURL is the backend root, e.g. "http://backend:8080" or
	// "https://backend/api". Required.
	BaseURL string

	// Token, when non-empty, is sent as a bearer Authorization header on
	// every request.
	Token string

	// RequestTimeout bounds a whole request/response cycle. Defaults to 60s.
	RequestTimeout time.Duration

	// ConnectTimeout bounds TCP connection establishment. Defaults to 60s.
	ConnectTimeout time.Duration

	// ReadTimeout bounds the wait for response headers. Defaults to 60s.
	ReadTimeout time.Duration

	// Breaker, when set, guards the non-critical endpoints (capabilities
	// probe, session close). Transport failures and 5xx responses count
	// against it; 4xx responses pass through untouched because they mean
	// the backend is up and answering. Mid-call requests are never routed
	// through the breaker. May be nil.
	Breaker *resilience.CircuitBreaker
}

// Client is the backend HTTP API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	breaker *resilience.CircuitBreaker
}

const defaultTimeout = 60 * time.Second

// NewClient creates a client from cfg.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("backend: base URL must not be empty")
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultTimeout
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultTimeout
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultTimeout
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		breaker: cfg.Breaker,
		httpc: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
				ResponseHeaderTimeout: readTimeout,
			},
		},
	}, nil
}

// BaseURL returns the configured backend root without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// CreateSessionRequest opens a backend session for one call.
type CreateSessionRequest struct {
	// UserID identifies the remote party: the from URI for inbound calls,
	// the to URI for outbound ones.
	UserID string

	// Name is the display name, usually empty for SIP parties.
	Name string

	// ConversationID carries the SIP call ID for inbound calls.
	ConversationID string

	// CommunicationID is an optional external correlation ID; empty sends
	// an explicit null.
	CommunicationID string

	// Kwargs is extra environment info forwarded verbatim.
	Kwargs map[string]any
}

// CreateSessionResponse is the /session_v2 result.
type CreateSessionResponse struct {
	Session struct {
		SessionID string `json:"session_id"`
	} `json:"session"`
	Greeting string `json:"greeting"`
}

type createSessionBody struct {
	UserID          string         `json:"user_id"`
	Name            string         `json:"name"`
	Type            string         `json:"type"`
	ConversationID  string         `json:"conversation_id"`
	CommunicationID *string        `json:"communication_id"`
	Args            []any          `json:"args"`
	Kwargs          map[string]any `json:"kwargs"`
}

// CommitResult is the /commit response. Response carries the full reply text
// in non-streaming mode; streaming backends deliver the reply over the event
// stream instead and leave it empty.
type CommitResult struct {
	Response string         `json:"response"`
	Metadata map[string]any `json:"metadata"`
}

// SessionEnds reports the backend's SESSION_ENDS metadata flag: the
// conversation is over and the call should wind down after playback.
func (r CommitResult) SessionEnds() bool {
	ends, _ := r.Metadata["SESSION_ENDS"].(bool)
	return ends
}

// Capabilities fetches the backend capability document. Used as a startup
// probe and a readiness check.
func (c *Client) Capabilities(ctx context.Context) (map[string]any, error) {
	data, err := c.sendGuarded(ctx, http.MethodGet, "/capabilities", "", nil)
	if err != nil {
		return nil, fmt.Errorf("capabilities: %w", err)
	}
	var caps map[string]any
	if err := json.Unmarshal(data, &caps); err != nil {
		return nil, fmt.Errorf("capabilities: decode response: %w", err)
	}
	return caps, nil
}

// CreateSession posts a multipart /session_v2 request and returns the bound
// session ID plus an optional greeting text.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*CreateSessionResponse, error) {
	kwargs := req.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	body := createSessionBody{
		UserID:         req.UserID,
		Name:           req.Name,
		Type:           "sip",
		ConversationID: req.ConversationID,
		Args:           []any{},
		Kwargs:         kwargs,
	}
	if req.CommunicationID != "" {
		body.CommunicationID = &req.CommunicationID
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("create session: marshal body: %w", err)
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="body"`)
	header.Set("Content-Type", "application/json")
	part, err := form.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("create session: build form: %w", err)
	}
	if _, err := part.Write(payload); err != nil {
		return nil, fmt.Errorf("create session: build form: %w", err)
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("create session: build form: %w", err)
	}

	data, err := c.send(ctx, http.MethodPost, "/session_v2", form.FormDataContentType(), buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	var resp CreateSessionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("create session: decode response: %w", err)
	}
	if resp.Session.SessionID == "" {
		return nil, errors.New("create session: response carries no session_id")
	}
	return &resp, nil
}

// StartSession begins speculative generation for the given transcription.
func (c *Client) StartSession(ctx context.Context, sessionID, message string) error {
	body, err := json.Marshal(map[string]any{"message": message, "kwargs": map[string]any{}})
	if err != nil {
		return fmt.Errorf("start session: marshal body: %w", err)
	}
	if _, err := c.send(ctx, http.MethodPost, "/session/"+sessionID+"/start", "application/json", body); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	return nil
}

// CommitSession finalizes the pending speculative generation.
func (c *Client) CommitSession(ctx context.Context, sessionID string) (CommitResult, error) {
	data, err := c.send(ctx, http.MethodPost, "/session/"+sessionID+"/commit", "application/json", []byte("{}"))
	if err != nil {
		return CommitResult{}, fmt.Errorf("commit session: %w", err)
	}
	var result CommitResult
	if err := json.Unmarshal(data, &result); err != nil {
		return CommitResult{}, fmt.Errorf("commit session: decode response: %w", err)
	}
	return result, nil
}

// RollbackSession discards the pending speculative generation.
func (c *Client) RollbackSession(ctx context.Context, sessionID string) error {
	if _, err := c.send(ctx, http.MethodPost, "/session/"+sessionID+"/rollback", "application/json", []byte("{}")); err != nil {
		return fmt.Errorf("rollback session: %w", err)
	}
	return nil
}

// Synthesize renders text to a WAV blob through the session voice.
func (c *Client) Synthesize(ctx context.Context, sessionID, text string) ([]byte, error) {
	query := url.Values{"text": {text}, "format": {"wav"}}
	path := "/session/" + sessionID + "/synthesize?" + query.Encode()
	data, err := c.send(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	return data, nil
}

// Transcribe posts a WAV blob and returns the recognized text. The backend
// answers either with a bare JSON string or with {"text": "..."}; any other
// JSON shape transcribes to "".
func (c *Client) Transcribe(ctx context.Context, wav []byte) (string, error) {
	data, err := c.send(ctx, http.MethodPost, "/transcribe", "audio/wav", wav)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	if !json.Valid(data) {
		return "", errors.New("transcribe: response is not JSON")
	}
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		return text, nil
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		return obj.Text, nil
	}
	return "", nil
}

// CloseSession releases the backend session. status, when non-empty, records
// why the call ended.
func (c *Client) CloseSession(ctx context.Context, sessionID, status string) error {
	path := "/session/" + sessionID
	if status != "" {
		path += "?" + url.Values{"status": {status}}.Encode()
	}
	if _, err := c.sendGuarded(ctx, http.MethodDelete, path, "", nil); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

// send performs one request directly. Mid-call endpoints use it so an open
// breaker never blocks an active conversation.
func (c *Client) send(ctx context.Context, method, path, contentType string, body []byte) ([]byte, error) {
	return c.roundTrip(ctx, method, path, contentType, body, nil)
}

// sendGuarded routes the request through the circuit breaker when one is
// configured. Only the capabilities probe and session close use it.
func (c *Client) sendGuarded(ctx context.Context, method, path, contentType string, body []byte) ([]byte, error) {
	return c.roundTrip(ctx, method, path, contentType, body, c.breaker)
}

// roundTrip performs one request. Transport failures and 5xx responses go
// through the breaker as failures; other non-2xx responses are returned as
// *Error without charging the breaker.
func (c *Client) roundTrip(ctx context.Context, method, path, contentType string, body []byte, breaker *resilience.CircuitBreaker) ([]byte, error) {
	var out []byte
	var rejected error

	call := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("Accept", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			return fmt.Errorf("http: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		switch {
		case resp.StatusCode >= http.StatusInternalServerError:
			return &Error{StatusCode: resp.StatusCode, Body: string(data)}
		case resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices:
			rejected = &Error{StatusCode: resp.StatusCode, Body: string(data)}
			return nil
		}
		out = data
		return nil
	}

	var err error
	if breaker != nil {
		err = breaker.Execute(call)
	} else {
		err = call()
	}
	if err != nil {
		return nil, err
	}
	if rejected != nil {
		return nil, rejected
	}
	return out, nil
}
