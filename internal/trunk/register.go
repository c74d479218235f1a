package trunk

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"
)

const (
	// registerTimeout bounds a single REGISTER transaction.
	registerTimeout = 16 * time.Second
	// registerRetry paces attempts after a failure.
	registerRetry = 30 * time.Second
	// refreshSafety renews this long before the granted expiry runs out.
	refreshSafety = 10 * time.Second
)

// registrar keeps one account registered for the endpoint's lifetime. All
// REGISTERs share a Call-ID with a climbing CSeq so the registrar sees them
// as refreshes of the same binding.
type registrar struct {
	ep       *Endpoint
	callID   string
	localTag string

	mu   sync.Mutex
	cseq uint32

	started  atomic.Bool
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newRegistrar(ep *Endpoint) *registrar {
	return &registrar{
		ep:       ep,
		callID:   uuid.NewString(),
		localTag: uuid.NewString(),
		done:     make(chan struct{}),
	}
}

func (r *registrar) start() {
	r.started.Store(true)
	r.wg.Add(1)
	go r.loop()
}

// stop unregisters and ends the loop. Safe to call before start.
func (r *registrar) stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
	if !r.started.Load() {
		return
	}
	if _, err := r.register(0); err != nil {
		slog.Warn("unregister", "account", r.ep.aor.String(), "error", err)
	}
}

func (r *registrar) loop() {
	defer r.wg.Done()
	expiry := int(r.ep.cfg.RegisterExpiry / time.Second)
	for {
		wait := registerRetry
		granted, err := r.register(expiry)
		if err != nil {
			slog.Warn("registration attempt failed", "account", r.ep.aor.String(), "error", err)
		} else {
			wait = time.Duration(granted)*time.Second - refreshSafety
			if wait < registerRetry {
				wait = registerRetry
			}
		}
		select {
		case <-r.done:
			return
		case <-time.After(wait):
		}
	}
}

// register sends one REGISTER, following a single digest challenge, and
// reports the outcome through the endpoint handler. expires of zero removes
// the binding; otherwise the registrar's granted lifetime is returned.
func (r *registrar) register(expires int) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), registerTimeout)
	defer cancel()

	res, err := r.transact(ctx, r.buildRegister(expires))
	if err != nil {
		r.ep.notifyRegistration(503, "transport failure")
		return 0, err
	}

	if code := int(res.StatusCode); code == 401 || code == 407 {
		res, err = r.answerChallenge(ctx, res, expires)
		if err != nil {
			r.ep.notifyRegistration(403, "authentication failed")
			return 0, err
		}
	}

	code := int(res.StatusCode)
	if code >= 300 {
		r.ep.notifyRegistration(code, res.Reason)
		return 0, fmt.Errorf("trunk: registrar answered %d %s", code, res.Reason)
	}

	granted := grantedExpiry(res, expires)
	if expires > 0 {
		slog.Info("registered", "account", r.ep.aor.String(), "expires_s", granted)
	} else {
		slog.Info("unregistered", "account", r.ep.aor.String())
	}
	r.ep.notifyRegistration(code, res.Reason)
	return granted, nil
}

// answerChallenge retries the REGISTER once with digest credentials taken
// from the 401/407 challenge.
func (r *registrar) answerChallenge(ctx context.Context, res *sip.Response, expires int) (*sip.Response, error) {
	if r.ep.cfg.Password == "" {
		return nil, fmt.Errorf("trunk: registrar requires authentication but no password is configured")
	}

	challengeName, credentialName := "WWW-Authenticate", "Authorization"
	if int(res.StatusCode) == 407 {
		challengeName, credentialName = "Proxy-Authenticate", "Proxy-Authorization"
	}
	challengeHeader := res.GetHeader(challengeName)
	if challengeHeader == nil {
		return nil, fmt.Errorf("trunk: %d response carries no %s header", int(res.StatusCode), challengeName)
	}

	chal, err := digest.ParseChallenge(challengeHeader.Value())
	if err != nil {
		return nil, fmt.Errorf("trunk: parse digest challenge: %w", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   "REGISTER",
		URI:      r.ep.registrarURI.String(),
		Username: r.ep.cfg.login(),
		Password: r.ep.cfg.Password,
		Count:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("trunk: compute digest response: %w", err)
	}

	req := r.buildRegister(expires)
	req.AppendHeader(sip.NewHeader(credentialName, cred.String()))
	authed, err := r.transact(ctx, req)
	if err != nil {
		return nil, err
	}
	if code := int(authed.StatusCode); code == 401 || code == 407 {
		return nil, fmt.Errorf("trunk: registrar rejected credentials with %d %s", code, authed.Reason)
	}
	return authed, nil
}

func (r *registrar) buildRegister(expires int) *sip.Request {
	r.mu.Lock()
	r.cseq++
	cseq := r.cseq
	r.mu.Unlock()

	req := sip.NewRequest(sip.REGISTER, *r.ep.registrarURI.Clone())
	for _, route := range r.ep.proxyRoutes() {
		req.AppendHeader(sip.NewHeader("Route", route))
	}
	req.AppendHeader(&sip.FromHeader{
		Address: *r.ep.aor.Clone(),
		Params:  tagParams(r.localTag),
	})
	req.AppendHeader(&sip.ToHeader{Address: *r.ep.aor.Clone()})
	cid := sip.CallIDHeader(r.callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: sip.REGISTER})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(r.ep.contactHeader())
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))
	if r.ep.cfg.UseTCP {
		req.SetTransport("TCP")
	}
	return req
}

// transact sends the request and waits for its final response.
func (r *registrar) transact(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := r.ep.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("trunk: send register: %w", err)
	}
	defer tx.Terminate()

	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				return nil, fmt.Errorf("trunk: register transaction closed without response")
			}
			if int(res.StatusCode) < 200 {
				continue
			}
			return res, nil
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, fmt.Errorf("trunk: register transaction: %w", err)
			}
			return nil, fmt.Errorf("trunk: register timed out")
		case <-ctx.Done():
			return nil, fmt.Errorf("trunk: register timed out: %w", ctx.Err())
		}
	}
}

// grantedExpiry reads the registrar's granted lifetime, falling back to the
// requested one.
func grantedExpiry(res *sip.Response, requested int) int {
	if h := res.GetHeader("Expires"); h != nil {
		if v, err := strconv.Atoi(h.Value()); err == nil && v > 0 {
			return v
		}
	}
	return requested
}
