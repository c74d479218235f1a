// Package trunk adapts the sipgo SIP stack to the telephony interfaces the
// gateway core consumes. An [Endpoint] registers one account against the
// configured registrar, originates outbound INVITEs and accepts inbound
// ones; each dialog is surfaced as a [telephony.Leg] whose confirmed media
// runs over a per-call RTP session (G.711 µ-law/A-law and Opus, RFC 4733
// telephone events, WAV playback and recording).
//
// Construction order matters: New binds the SIP listeners but the endpoint
// neither registers nor accepts calls until SetHandler installs the
// application callback, so no event can fire into a nil handler.
package trunk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/flametree-ai/sipvox/pkg/telephony"
)

// userAgentName identifies the stack in Via and User-Agent construction.
const userAgentName = "sipvox"

// Config carries the SIP account and media parameters of one endpoint.
type Config struct {
	// User is the account's user part; Domain the registrar domain,
	// optionally with a port.
	User   string
	Domain string

	// Login overrides User as the digest authentication username.
	Login string

	// Password authenticates REGISTER challenges. Empty disables digest
	// retries; registration is still attempted.
	Password string

	// CallerID, when set, is the display name on outgoing identity headers.
	CallerID string

	// Port is the local SIP listening port for UDP and, with UseTCP, TCP.
	Port int

	// UseTCP adds a TCP transport and sends requests over it.
	UseTCP bool

	// UseICE and STUNServers are accepted for configuration compatibility;
	// the media stack does not gather ICE candidates.
	UseICE      bool
	STUNServers []string

	// ProxyURIs become Route headers on every out-of-dialog request.
	ProxyURIs []string

	// MaxCalls caps concurrent legs; inbound INVITEs beyond it get 486.
	MaxCalls int

	// CodecPriorities maps codec ids ("opus/48000") to priorities, higher
	// preferred, zero disabled.
	CodecPriorities map[string]int

	// FrameTime is the capture frame duration delivered to the pipeline.
	FrameTime time.Duration

	// PipelineRate is the PCM rate capture frames are resampled to.
	PipelineRate int

	// RegisterExpiry is the registration lifetime requested from the
	// registrar. Zero selects the default of 300 seconds.
	RegisterExpiry time.Duration
}

func (c *Config) login() string {
	if c.Login != "" {
		return c.Login
	}
	return c.User
}

// Endpoint is the registered SIP user agent. It implements
// [telephony.Endpoint].
type Endpoint struct {
	cfg     Config
	ua      *sipgo.UserAgent
	srv     *sipgo.Server
	client  *sipgo.Client
	localIP string

	aor          sip.Uri
	registrarURI sip.Uri

	handlerMu sync.RWMutex
	handler   telephony.EndpointHandler

	legsMu   sync.Mutex
	legs     map[string]*leg
	reserved atomic.Int32

	reg       *registrar
	startOnce sync.Once
	nextID    atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

var _ telephony.Endpoint = (*Endpoint)(nil)

// New builds the endpoint and starts its SIP listeners. Registration begins
// on SetHandler.
func New(cfg Config) (*Endpoint, error) {
	if cfg.User == "" || cfg.Domain == "" {
		return nil, fmt.Errorf("trunk: sip user and domain are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 5060
	}
	if cfg.MaxCalls <= 0 {
		cfg.MaxCalls = 4
	}
	if cfg.PipelineRate <= 0 {
		cfg.PipelineRate = 16000
	}
	if cfg.FrameTime <= 0 {
		cfg.FrameTime = 20 * time.Millisecond
	}
	if cfg.RegisterExpiry <= 0 {
		cfg.RegisterExpiry = 300 * time.Second
	}
	if cfg.UseICE || len(cfg.STUNServers) > 0 {
		slog.Warn("ice/stun configured but the media stack sends from its bound address only",
			"stun_servers", cfg.STUNServers)
	}

	var aor sip.Uri
	if err := sip.ParseUri(fmt.Sprintf("sip:%s@%s", cfg.User, cfg.Domain), &aor); err != nil {
		return nil, fmt.Errorf("trunk: bad account uri: %w", err)
	}
	var registrarURI sip.Uri
	if err := sip.ParseUri("sip:"+cfg.Domain, &registrarURI); err != nil {
		return nil, fmt.Errorf("trunk: bad registrar uri: %w", err)
	}

	localIP := localIPFor(cfg.Domain)

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(userAgentName))
	if err != nil {
		return nil, fmt.Errorf("trunk: create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("trunk: create server: %w", err)
	}
	client, err := sipgo.NewClient(ua,
		sipgo.WithClientHostname(localIP),
		sipgo.WithClientPort(cfg.Port),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("trunk: create client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		cfg:          cfg,
		ua:           ua,
		srv:          srv,
		client:       client,
		localIP:      localIP,
		aor:          aor,
		registrarURI: registrarURI,
		legs:         make(map[string]*leg),
		ctx:          ctx,
		cancel:       cancel,
	}
	e.reg = newRegistrar(e)

	srv.OnInvite(e.onInvite)
	srv.OnAck(e.onAck)
	srv.OnBye(e.onBye)
	srv.OnCancel(e.onCancel)
	srv.OnNotify(e.onNotify)
	srv.OnRefer(e.onRefer)
	srv.OnOptions(e.onOptions)

	addr := net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port))
	e.listen("udp", addr)
	if cfg.UseTCP {
		e.listen("tcp", addr)
	}
	slog.Info("sip endpoint listening",
		"account", aor.String(),
		"address", addr,
		"tcp", cfg.UseTCP,
		"local_ip", localIP)
	return e, nil
}

func (e *Endpoint) listen(network, addr string) {
	go func() {
		err := e.srv.ListenAndServe(e.ctx, network, addr)
		if err != nil && e.ctx.Err() == nil {
			slog.Error("sip listener stopped", "network", network, "address", addr, "error", err)
		}
	}()
}

// SetHandler installs the application callback and, on the first call,
// starts the registration loop.
func (e *Endpoint) SetHandler(h telephony.EndpointHandler) {
	e.handlerMu.Lock()
	e.handler = h
	e.handlerMu.Unlock()
	e.startOnce.Do(e.reg.start)
}

func (e *Endpoint) currentHandler() telephony.EndpointHandler {
	e.handlerMu.RLock()
	defer e.handlerMu.RUnlock()
	return e.handler
}

func (e *Endpoint) notifyRegistration(statusCode int, reason string) {
	if h := e.currentHandler(); h != nil {
		h.OnRegistrationState(statusCode, reason)
	}
}

// Dial originates an outbound call. The returned leg reports progress
// through its observer; ctx bounds only the INVITE send.
func (e *Endpoint) Dial(ctx context.Context, toURI string) (telephony.Leg, error) {
	var target sip.Uri
	if err := sip.ParseUri(toURI, &target); err != nil {
		return nil, fmt.Errorf("trunk: bad target uri %q: %w", toURI, err)
	}
	if !e.reserveSlot() {
		return nil, fmt.Errorf("trunk: call limit of %d reached", e.cfg.MaxCalls)
	}

	callID := uuid.NewString()
	l := &leg{
		id:           int(e.nextID.Add(1)),
		ep:           e,
		callID:       callID,
		remoteURI:    toURI,
		localTag:     uuid.NewString(),
		remoteID:     *target.Clone(),
		remoteTarget: *target.Clone(),
		cseq:         1,
	}

	media, err := newMediaSession(callID, e.cfg.PipelineRate, e.cfg.FrameTime)
	if err != nil {
		e.releaseSlot()
		return nil, err
	}
	offer, err := buildOffer(e.localIP, media.localPort(), e.cfg.CodecPriorities)
	if err != nil {
		media.Close()
		e.releaseSlot()
		return nil, err
	}

	invite := sip.NewRequest(sip.INVITE, *target.Clone())
	for _, route := range e.proxyRoutes() {
		invite.AppendHeader(sip.NewHeader("Route", route))
	}
	invite.AppendHeader(&sip.FromHeader{
		DisplayName: e.cfg.CallerID,
		Address:     *e.aor.Clone(),
		Params:      tagParams(l.localTag),
	})
	invite.AppendHeader(&sip.ToHeader{Address: *target.Clone()})
	cid := sip.CallIDHeader(callID)
	invite.AppendHeader(&cid)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)
	invite.AppendHeader(e.contactHeader())
	invite.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	invite.SetBody(offer)
	if e.cfg.UseTCP {
		invite.SetTransport("TCP")
	}

	tx, err := e.client.TransactionRequest(ctx, invite)
	if err != nil {
		media.Close()
		e.releaseSlot()
		return nil, fmt.Errorf("trunk: send invite: %w", err)
	}

	l.media = media
	l.inviteReq = invite
	l.clientTx = tx
	e.addLeg(l)
	go l.consumeInvite(tx)

	slog.Info("outbound call placed", "sip_call_id", callID, "to", toURI)
	return l, nil
}

// Close unregisters, hangs up live legs with 503 and releases the stack.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.reg.stop()

		e.legsMu.Lock()
		live := make([]*leg, 0, len(e.legs))
		for _, l := range e.legs {
			live = append(live, l)
		}
		e.legsMu.Unlock()
		for _, l := range live {
			if err := l.Hangup(503); err != nil {
				slog.Warn("hang up leg on close", "sip_call_id", l.callID, "error", err)
			}
		}

		e.cancel()
		e.closeErr = errors.Join(e.srv.Close(), e.client.Close(), e.ua.Close())
		slog.Info("sip endpoint closed", "account", e.aor.String())
	})
	return e.closeErr
}

// ─── Inbound request handlers ───────────────────────────────────────────────

func (e *Endpoint) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	// Absorb retransmissions while the application decides.
	if err := tx.Respond(sip.NewResponseFromRequest(req, 100, "Trying", nil)); err != nil {
		slog.Warn("send 100 trying", "error", err)
	}

	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}
	if existing := e.legByCallID(callID); existing != nil {
		// Mid-dialog re-INVITEs would renegotiate media, which the RTP
		// session does not support.
		e.respond(req, tx, 488)
		slog.Info("rejecting re-invite", "sip_call_id", callID)
		return
	}

	handler := e.currentHandler()
	if handler == nil {
		e.respond(req, tx, 503)
		return
	}
	if !e.reserveSlot() {
		e.respond(req, tx, 486)
		slog.Warn("rejecting inbound call, at capacity", "sip_call_id", callID, "max_calls", e.cfg.MaxCalls)
		return
	}

	from := req.From()
	if from == nil || callID == "" {
		e.releaseSlot()
		e.respond(req, tx, 400)
		return
	}
	remoteURI := from.Address.String()

	l := &leg{
		id:        int(e.nextID.Add(1)),
		ep:        e,
		inbound:   true,
		callID:    callID,
		remoteURI: remoteURI,
		localTag:  uuid.NewString(),
		remoteID:  *from.Address.Clone(),
		inviteReq: req,
		inviteTx:  tx,
		cseq:      1,
	}
	if tag, ok := from.Params.Get("tag"); ok {
		l.remoteTag = tag
	}
	if contact := req.Contact(); contact != nil {
		l.remoteTarget = *contact.Address.Clone()
	} else {
		l.remoteTarget = *from.Address.Clone()
	}
	e.addLeg(l)

	slog.Info("incoming call", "sip_call_id", callID, "from", remoteURI)
	handler.OnIncomingCall(l, remoteURI)
}

func (e *Endpoint) onAck(req *sip.Request, _ sip.ServerTransaction) {
	if l := e.legForRequest(req); l != nil {
		slog.Debug("dialog acknowledged", "sip_call_id", l.callID)
	}
}

func (e *Endpoint) onBye(req *sip.Request, tx sip.ServerTransaction) {
	l := e.legForRequest(req)
	if l == nil {
		e.respond(req, tx, 481)
		return
	}
	e.respond(req, tx, 200)
	l.handleRemoteBye()
}

func (e *Endpoint) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	l := e.legForRequest(req)
	if l == nil {
		e.respond(req, tx, 481)
		return
	}
	e.respond(req, tx, 200)
	l.handleCancel()
}

func (e *Endpoint) onNotify(req *sip.Request, tx sip.ServerTransaction) {
	l := e.legForRequest(req)
	if l == nil {
		e.respond(req, tx, 481)
		return
	}
	e.respond(req, tx, 200)
	l.processNotify(req)
}

func (e *Endpoint) onRefer(req *sip.Request, tx sip.ServerTransaction) {
	// The gateway transfers its peers, never the other way around.
	e.respond(req, tx, 403)
}

func (e *Endpoint) onOptions(req *sip.Request, tx sip.ServerTransaction) {
	e.respond(req, tx, 200)
}

func (e *Endpoint) respond(req *sip.Request, tx sip.ServerTransaction, code int) {
	res := sip.NewResponseFromRequest(req, code, statusText(code), nil)
	if err := tx.Respond(res); err != nil {
		slog.Warn("send response", "method", string(req.Method), "status", code, "error", err)
	}
}

// ─── Leg registry ───────────────────────────────────────────────────────────

// addLeg installs a leg, converting its slot reservation into a map entry.
func (e *Endpoint) addLeg(l *leg) {
	e.legsMu.Lock()
	defer e.legsMu.Unlock()
	e.legs[l.callID] = l
	e.reserved.Add(-1)
}

func (e *Endpoint) legByCallID(callID string) *leg {
	e.legsMu.Lock()
	defer e.legsMu.Unlock()
	return e.legs[callID]
}

func (e *Endpoint) legForRequest(req *sip.Request) *leg {
	h := req.CallID()
	if h == nil {
		return nil
	}
	return e.legByCallID(h.Value())
}

// dropLeg removes a finished leg. The id guards against a newer dialog that
// reused the Call-ID.
func (e *Endpoint) dropLeg(callID string, id int) {
	e.legsMu.Lock()
	defer e.legsMu.Unlock()
	if l, ok := e.legs[callID]; ok && l.id == id {
		delete(e.legs, callID)
	}
}

// reserveSlot admits a new leg under the MaxCalls cap. The count includes
// the leg being admitted, so callers must addLeg or releaseSlot promptly;
// the window in between slightly overcounts, which errs on rejecting.
func (e *Endpoint) reserveSlot() bool {
	e.legsMu.Lock()
	defer e.legsMu.Unlock()
	if len(e.legs)+int(e.reserved.Load()) >= e.cfg.MaxCalls {
		return false
	}
	e.reserved.Add(1)
	return true
}

func (e *Endpoint) releaseSlot() {
	e.reserved.Add(-1)
}

// ─── Identity helpers ───────────────────────────────────────────────────────

// contactHeader returns a fresh Contact pointing at our listener.
func (e *Endpoint) contactHeader() *sip.ContactHeader {
	uri := sip.Uri{User: e.cfg.User, Host: e.localIP, Port: e.cfg.Port}
	if e.cfg.UseTCP {
		uri.UriParams = sip.NewParams()
		uri.UriParams.Add("transport", "tcp")
	}
	return &sip.ContactHeader{Address: uri}
}

func (e *Endpoint) proxyRoutes() []string {
	if len(e.cfg.ProxyURIs) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.cfg.ProxyURIs))
	for _, p := range e.cfg.ProxyURIs {
		out = append(out, angleQuote(p))
	}
	return out
}

// localIPFor discovers the local address used to reach the registrar, for
// SDP origins and Contact headers. Falls back to the first non-loopback
// interface address.
func localIPFor(domain string) string {
	host := domain
	if h, _, err := net.SplitHostPort(domain); err == nil {
		host = h
	}
	if conn, err := net.Dial("udp", net.JoinHostPort(host, "5060")); err == nil {
		ip := conn.LocalAddr().(*net.UDPAddr).IP.String()
		conn.Close()
		return ip
	}
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil {
				continue
			}
			return ipNet.IP.String()
		}
	}
	return "127.0.0.1"
}

// buildACKFor2xx creates the ACK for a 2xx INVITE response. Per RFC 3261
// §13.2.2.4 this ACK comes from the UAC core, not the transaction layer:
// the Request-URI is the response's Contact when present, the To carries
// the remote tag, and the CSeq keeps the INVITE's number.
func buildACKFor2xx(invite *sip.Request, res *sip.Response) *sip.Request {
	recipient := &invite.Recipient
	if contact := res.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = invite.SipVersion

	if len(invite.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", invite, ack)
	}
	if h := invite.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := res.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	if h := invite.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(invite.Transport())
	ack.SetSource(invite.Source())
	return ack
}
