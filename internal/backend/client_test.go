package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flametree-ai/sipvox/internal/backend"
	"github.com/flametree-ai/sipvox/internal/resilience"
)

func newClient(t *testing.T, cfg backend.ClientConfig) *backend.Client {
	t.Helper()
	c, err := backend.NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

// TestNewClient_RequiresBaseURL verifies construction fails without a URL.
func TestNewClient_RequiresBaseURL(t *testing.T) {
	t.Parallel()

	if _, err := backend.NewClient(backend.ClientConfig{}); err == nil {
		t.Fatal("expected error for empty base URL, got nil")
	}
}

// TestClient_CreateSession checks the multipart /session_v2 request: bearer
// auth, the JSON "body" field with type "sip" and an explicit null
// communication_id, and decoding of session ID and greeting.
func TestClient_CreateSession(t *testing.T) {
	t.Parallel()

	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/session_v2" {
			t.Errorf("request = %s %s, want POST /session_v2", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart form: %v", err)
		}
		if err := json.Unmarshal([]byte(r.FormValue("body")), &gotBody); err != nil {
			t.Errorf("decode body field: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"session":{"session_id":"s-42"},"greeting":"Hello there"}`)
	}))
	defer srv.Close()

	c := newClient(t, backend.ClientConfig{BaseURL: srv.URL, Token: "tok-1"})
	resp, err := c.CreateSession(context.Background(), backend.CreateSessionRequest{
		UserID:         "sip:alice@example.com",
		ConversationID: "call-7",
		Kwargs:         map[string]any{"campaign": "autumn"},
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if resp.Session.SessionID != "s-42" {
		t.Errorf("session id = %q, want s-42", resp.Session.SessionID)
	}
	if resp.Greeting != "Hello there" {
		t.Errorf("greeting = %q, want Hello there", resp.Greeting)
	}
	if gotAuth != "Bearer tok-1" {
		t.Errorf("Authorization = %q, want Bearer tok-1", gotAuth)
	}
	if gotBody["user_id"] != "sip:alice@example.com" || gotBody["type"] != "sip" || gotBody["conversation_id"] != "call-7" {
		t.Errorf("body fields = %v", gotBody)
	}
	commID, present := gotBody["communication_id"]
	if !present || commID != nil {
		t.Errorf("communication_id = %v (present=%v), want explicit null", commID, present)
	}
	kwargs, _ := gotBody["kwargs"].(map[string]any)
	if kwargs["campaign"] != "autumn" {
		t.Errorf("kwargs = %v, want campaign autumn", kwargs)
	}
}

// TestClient_CreateSessionCommunicationID checks a non-empty correlation ID
// is passed through as a string instead of null.
func TestClient_CreateSessionCommunicationID(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart form: %v", err)
		}
		if err := json.Unmarshal([]byte(r.FormValue("body")), &gotBody); err != nil {
			t.Errorf("decode body field: %v", err)
		}
		io.WriteString(w, `{"session":{"session_id":"s-1"}}`)
	}))
	defer srv.Close()

	c := newClient(t, backend.ClientConfig{BaseURL: srv.URL})
	_, err := c.CreateSession(context.Background(), backend.CreateSessionRequest{
		UserID:          "sip:bob@example.com",
		CommunicationID: "ext-55",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if gotBody["communication_id"] != "ext-55" {
		t.Errorf("communication_id = %v, want ext-55", gotBody["communication_id"])
	}
}

// TestClient_StartCommitRollback exercises the three generation endpoints and
// the commit result decoding, including the SESSION_ENDS metadata flag.
func TestClient_StartCommitRollback(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/session/s-1/start":
			var req struct {
				Message string         `json:"message"`
				Kwargs  map[string]any `json:"kwargs"`
			}
			if err := json.Unmarshal(body, &req); err != nil {
				t.Errorf("decode start body: %v", err)
			}
			if req.Message != "turn on the lights" || req.Kwargs == nil {
				t.Errorf("start body = %s", body)
			}
			io.WriteString(w, `{}`)
		case "/session/s-1/commit":
			if string(body) != "{}" {
				t.Errorf("commit body = %s, want {}", body)
			}
			io.WriteString(w, `{"response":"Done, goodbye","metadata":{"SESSION_ENDS":true}}`)
		case "/session/s-1/rollback":
			if string(body) != "{}" {
				t.Errorf("rollback body = %s, want {}", body)
			}
			io.WriteString(w, `{}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newClient(t, backend.ClientConfig{BaseURL: srv.URL})
	ctx := context.Background()

	if err := c.StartSession(ctx, "s-1", "turn on the lights"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	result, err := c.CommitSession(ctx, "s-1")
	if err != nil {
		t.Fatalf("CommitSession: %v", err)
	}
	if result.Response != "Done, goodbye" {
		t.Errorf("commit response = %q", result.Response)
	}
	if !result.SessionEnds() {
		t.Error("SessionEnds() = false, want true")
	}
	if err := c.RollbackSession(ctx, "s-1"); err != nil {
		t.Fatalf("RollbackSession: %v", err)
	}
}

// TestClient_Synthesize checks query encoding and that the raw WAV bytes come
// back untouched.
func TestClient_Synthesize(t *testing.T) {
	t.Parallel()

	blob := []byte("RIFF-not-really-wav")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/session/s-9/synthesize" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("text") != "hello world" || q.Get("format") != "wav" {
			t.Errorf("query = %v", q)
		}
		w.Write(blob)
	}))
	defer srv.Close()

	c := newClient(t, backend.ClientConfig{BaseURL: srv.URL})
	got, err := c.Synthesize(context.Background(), "s-9", "hello world")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(got) != string(blob) {
		t.Errorf("blob = %q, want %q", got, blob)
	}
}

// TestClient_Transcribe covers the response shapes the backend is known to
// produce: a bare JSON string, a {"text": ...} object, an unrelated JSON
// value, and garbage.
func TestClient_Transcribe(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		response string
		want     string
		wantErr  bool
	}{
		{"bare string", `"hello"`, "hello", false},
		{"text object", `{"text":"hi there"}`, "hi there", false},
		{"other json", `[1,2]`, "", false},
		{"not json", `not-json`, "", true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			wav := []byte("fake-wav-bytes")
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/transcribe" || r.Method != http.MethodPost {
					t.Errorf("request = %s %s, want POST /transcribe", r.Method, r.URL.Path)
				}
				if ct := r.Header.Get("Content-Type"); ct != "audio/wav" {
					t.Errorf("Content-Type = %q, want audio/wav", ct)
				}
				body, _ := io.ReadAll(r.Body)
				if string(body) != string(wav) {
					t.Errorf("body = %q, want the WAV payload", body)
				}
				io.WriteString(w, tc.response)
			}))
			defer srv.Close()

			c := newClient(t, backend.ClientConfig{BaseURL: srv.URL})
			got, err := c.Transcribe(context.Background(), wav)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Transcribe: %v", err)
			}
			if got != tc.want {
				t.Errorf("text = %q, want %q", got, tc.want)
			}
		})
	}
}

// TestClient_CloseSession checks the DELETE endpoint with and without a
// status query.
func TestClient_CloseSession(t *testing.T) {
	t.Parallel()

	var gotMethod, gotURI string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotURI = r.URL.RequestURI()
		io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	c := newClient(t, backend.ClientConfig{BaseURL: srv.URL})
	if err := c.CloseSession(context.Background(), "s-1", "completed"); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if gotMethod != http.MethodDelete || gotURI != "/session/s-1?status=completed" {
		t.Errorf("request = %s %s, want DELETE /session/s-1?status=completed", gotMethod, gotURI)
	}

	if err := c.CloseSession(context.Background(), "s-1", ""); err != nil {
		t.Fatalf("CloseSession without status: %v", err)
	}
	if gotURI != "/session/s-1" {
		t.Errorf("uri = %s, want /session/s-1 with no query", gotURI)
	}
}

// TestClient_PermissionError verifies 403 responses match ErrPermission and
// expose status and body through the *Error type.
func TestClient_PermissionError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "caller blocked", http.StatusForbidden)
	}))
	defer srv.Close()

	c := newClient(t, backend.ClientConfig{BaseURL: srv.URL})
	err := c.StartSession(context.Background(), "s-1", "hello")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !errors.Is(err, backend.ErrPermission) {
		t.Errorf("errors.Is(err, ErrPermission) = false for %v", err)
	}
	var apiErr *backend.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("error %v is not a *backend.Error", err)
	}
	if apiErr.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", apiErr.StatusCode)
	}
}

// TestClient_ServerErrorsTripBreaker verifies 5xx responses count as breaker
// failures: once open, requests fail fast without reaching the backend.
func TestClient_ServerErrorsTripBreaker(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "backend-test",
		MaxFailures:  1,
		ResetTimeout: time.Hour,
	})
	c := newClient(t, backend.ClientConfig{BaseURL: srv.URL, Breaker: cb})

	_, err := c.Capabilities(context.Background())
	var apiErr *backend.Error
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("first call error = %v, want *backend.Error 500", err)
	}

	_, err = c.Capabilities(context.Background())
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("second call error = %v, want circuit open", err)
	}
	if requests.Load() != 1 {
		t.Errorf("backend saw %d requests, want 1", requests.Load())
	}
}

// TestClient_ClientErrorsBypassBreaker verifies 4xx responses reach the
// caller as *Error without charging the breaker.
func TestClient_ClientErrorsBypassBreaker(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "no such session", http.StatusNotFound)
	}))
	defer srv.Close()

	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "backend-test",
		MaxFailures:  1,
		ResetTimeout: time.Hour,
	})
	c := newClient(t, backend.ClientConfig{BaseURL: srv.URL, Breaker: cb})

	for i := 0; i < 2; i++ {
		_, err := c.Capabilities(context.Background())
		var apiErr *backend.Error
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
			t.Fatalf("call %d error = %v, want *backend.Error 404", i, err)
		}
	}
	if requests.Load() != 2 {
		t.Errorf("backend saw %d requests, want 2", requests.Load())
	}
	if cb.State() != resilience.StateClosed {
		t.Errorf("breaker state = %v, want closed", cb.State())
	}
}

// TestClient_MidCallBypassesOpenBreaker verifies conversation requests are
// never routed through the breaker: with the circuit open, start still
// reaches the backend.
func TestClient_MidCallBypassesOpenBreaker(t *testing.T) {
	t.Parallel()

	var starts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/session/s-3/start" {
			starts.Add(1)
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "backend-test",
		MaxFailures:  1,
		ResetTimeout: time.Hour,
	})
	c := newClient(t, backend.ClientConfig{BaseURL: srv.URL, Breaker: cb})

	if _, err := c.Capabilities(context.Background()); err == nil {
		t.Fatal("expected capabilities to fail")
	}
	if _, err := c.Capabilities(context.Background()); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("capabilities error = %v, want circuit open", err)
	}

	if err := c.StartSession(context.Background(), "s-3", "hello"); err != nil {
		t.Fatalf("StartSession with open breaker: %v", err)
	}
	if starts.Load() != 1 {
		t.Errorf("backend saw %d start requests, want 1", starts.Load())
	}
}

// TestClient_NoTokenOmitsAuthorization verifies requests carry no
// Authorization header unless a token is configured.
func TestClient_NoTokenOmitsAuthorization(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h := r.Header.Get("Authorization"); h != "" {
			t.Errorf("Authorization = %q, want empty", h)
		}
		io.WriteString(w, `{"tts":true}`)
	}))
	defer srv.Close()

	c := newClient(t, backend.ClientConfig{BaseURL: srv.URL})
	caps, err := c.Capabilities(context.Background())
	if err != nil {
		t.Fatalf("Capabilities: %v", err)
	}
	if caps["tts"] != true {
		t.Errorf("capabilities = %v", caps)
	}
}
