// Package health answers the gateway's liveness and readiness probes.
//
//   - /healthz is liveness: a process that still serves HTTP is alive, so it
//     always answers 200, with the uptime and live call count attached.
//   - /readyz is readiness to take call orders: every registered [Probe]
//     (backend reachability, SIP registration) must pass, otherwise the
//     endpoint answers 503 so the balancer routes calls elsewhere until the
//     gateway recovers.
//
// Responses are JSON with a top-level "status" ("ok" or "fail") and, on
// /readyz, a "probes" map with one line per probe.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// probeTimeout bounds a single readiness probe. A registrar or backend that
// takes longer than this is not ready, whatever it would eventually answer.
const probeTimeout = 5 * time.Second

// Probe is a named readiness check against one gateway dependency. Check
// returns nil while the dependency can carry calls and must respect context
// cancellation.
type Probe struct {
	// Name keys the probe's line in the /readyz response, e.g. "backend"
	// or "sip".
	Name string

	Check func(ctx context.Context) error
}

// report is the JSON body of both endpoints.
type report struct {
	Status    string            `json:"status"`
	UptimeSec int64             `json:"uptime_sec"`
	LiveCalls *int              `json:"live_calls,omitempty"`
	Probes    map[string]string `json:"probes,omitempty"`
}

// Handler serves the /healthz and /readyz routes. Safe for concurrent use;
// the probe list is fixed at construction time.
type Handler struct {
	probes    []Probe
	liveCalls func() int
	started   time.Time
}

// Option configures optional Handler collaborators.
type Option func(*Handler)

// WithLiveCalls attaches a live call counter to both responses, so an
// operator curling the probe sees at a glance whether draining the gateway
// would cut anyone off.
func WithLiveCalls(f func() int) Option {
	return func(h *Handler) { h.liveCalls = f }
}

// New creates a Handler evaluating the given probes, in order, on each
// /readyz request.
func New(probes []Probe, opts ...Option) *Handler {
	h := &Handler{
		probes:  append([]Probe(nil), probes...),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Healthz always answers 200: liveness is the ability to serve this request.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.report("ok"))
}

// Readyz runs every probe under its own [probeTimeout] and answers 503 as
// soon as one of them reports the gateway unfit to take a call.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := h.report("ok")
	res.Probes = make(map[string]string, len(h.probes))
	status := http.StatusOK

	for _, p := range h.probes {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err := p.Check(ctx)
		cancel()

		if err != nil {
			res.Probes[p.Name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
		} else {
			res.Probes[p.Name] = "ok"
		}
	}

	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func (h *Handler) report(status string) report {
	res := report{
		Status:    status,
		UptimeSec: int64(time.Since(h.started) / time.Second),
	}
	if h.liveCalls != nil {
		n := h.liveCalls()
		res.LiveCalls = &n
	}
	return res
}

// writeJSON encodes v with the given status code. On encoding failure it
// falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
