package trunk

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/flametree-ai/sipvox/pkg/telephony"
)

// observerGate buffers leg events until the first Bind and serializes the
// replay: emits racing a bind queue behind the lock, so the observer sees
// pre-bind history strictly before live events.
type observerGate struct {
	mu      sync.Mutex
	obs     telephony.LegObserver
	pending []func(telephony.LegObserver)
}

func (g *observerGate) emit(ev func(telephony.LegObserver)) {
	g.mu.Lock()
	if g.obs == nil {
		g.pending = append(g.pending, ev)
		g.mu.Unlock()
		return
	}
	obs := g.obs
	g.mu.Unlock()
	ev(obs)
}

// bind installs obs and replays buffered events in order. Must not be called
// from within an observer callback.
func (g *observerGate) bind(obs telephony.LegObserver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.obs = obs
	pending := g.pending
	g.pending = nil
	for _, ev := range pending {
		ev(obs)
	}
}

// leg is one SIP call leg. Signaling state lives behind mu; events flow to
// the bound observer through the gate.
type leg struct {
	id      int
	ep      *Endpoint
	inbound bool

	gate observerGate

	mu         sync.Mutex
	state      telephony.LegState
	lastStatus int
	callID     string
	remoteURI  string
	cancelled  bool

	// Dialog identity. remoteID is the peer's address-of-record for To
	// headers; remoteTarget the contact where in-dialog requests go.
	localTag     string
	remoteTag    string
	remoteID     sip.Uri
	remoteTarget sip.Uri
	routeSet     []string
	cseq         uint32

	inviteReq *sip.Request
	inviteTx  sip.ServerTransaction
	clientTx  sip.ClientTransaction

	media *mediaSession
}

var _ telephony.Leg = (*leg)(nil)

func (l *leg) ID() int           { return l.id }
func (l *leg) SIPCallID() string { return l.callID }

func (l *leg) RemoteURI() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteURI
}

func (l *leg) State() telephony.LegState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *leg) LastStatusCode() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastStatus
}

func (l *leg) Bind(obs telephony.LegObserver) {
	l.gate.bind(obs)
}

// Answer responds to the pending inbound INVITE. Provisional codes ring the
// leg; 200 negotiates media and confirms the dialog; error codes reject it.
func (l *leg) Answer(statusCode int) error {
	if !l.inbound {
		return fmt.Errorf("trunk: answer on outbound leg")
	}
	l.mu.Lock()
	pending := l.inviteTx != nil && (l.state == telephony.StateCreated || l.state == telephony.StateRinging)
	req, tx, tag := l.inviteReq, l.inviteTx, l.localTag
	l.mu.Unlock()
	if !pending {
		return fmt.Errorf("trunk: no pending invite")
	}

	switch {
	case statusCode < 200:
		res := sip.NewResponseFromRequest(req, statusCode, statusText(statusCode), nil)
		setToTag(res, tag)
		if err := tx.Respond(res); err != nil {
			return fmt.Errorf("trunk: send %d: %w", statusCode, err)
		}
		l.transition(telephony.StateRinging, statusCode)
		return nil
	case statusCode >= 300:
		res := sip.NewResponseFromRequest(req, statusCode, statusText(statusCode), nil)
		if err := tx.Respond(res); err != nil {
			return fmt.Errorf("trunk: send %d: %w", statusCode, err)
		}
		l.finalize(statusCode)
		return nil
	default:
		return l.accept(req, tx, tag)
	}
}

// accept negotiates media against the INVITE's offer and sends the 200.
func (l *leg) accept(req *sip.Request, tx sip.ServerTransaction, tag string) error {
	sel, raddr, err := negotiateFromOffer(req.Body(), l.ep.cfg.CodecPriorities)
	if err != nil {
		return err
	}
	m, err := newMediaSession(l.callID, l.ep.cfg.PipelineRate, l.ep.cfg.FrameTime)
	if err != nil {
		return err
	}
	if err := m.activate(sel, raddr); err != nil {
		m.Close()
		return err
	}
	answer, err := buildAnswer(l.ep.localIP, m.localPort(), sel)
	if err != nil {
		m.Close()
		return err
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", answer)
	setToTag(res, tag)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	res.AppendHeader(l.ep.contactHeader())
	if err := tx.Respond(res); err != nil {
		m.Close()
		return fmt.Errorf("trunk: send 200: %w", err)
	}

	l.mu.Lock()
	l.media = m
	l.mu.Unlock()
	l.transition(telephony.StateConfirmed, 200)
	l.gate.emit(func(o telephony.LegObserver) { o.OnMediaActive(m) })
	return nil
}

// Hangup tears the leg down: BYE on confirmed dialogs, a final response on
// pending inbound INVITEs, CANCEL on pending outbound ones.
func (l *leg) Hangup(statusCode int) error {
	l.mu.Lock()
	state := l.state
	l.mu.Unlock()

	switch state {
	case telephony.StateDisconnected:
		return nil
	case telephony.StateConfirmed:
		bye := l.inDialogRequest(sip.BYE)
		l.sendInDialog(bye, "bye", nil)
		l.finalize(statusCode)
		return nil
	default:
		if l.inbound {
			if statusCode < 300 {
				statusCode = 480
			}
			l.mu.Lock()
			req, tx := l.inviteReq, l.inviteTx
			l.mu.Unlock()
			res := sip.NewResponseFromRequest(req, statusCode, statusText(statusCode), nil)
			if err := tx.Respond(res); err != nil {
				slog.Warn("reject invite", "sip_call_id", l.callID, "status", statusCode, "error", err)
			}
			l.finalize(statusCode)
			return nil
		}
		l.sendCancel()
		return nil
	}
}

// Refer starts a blind transfer of a confirmed leg. Progress NOTIFYs arrive
// through the endpoint and surface as OnTransferStatus events.
func (l *leg) Refer(target string) error {
	l.mu.Lock()
	confirmed := l.state == telephony.StateConfirmed
	l.mu.Unlock()
	if !confirmed {
		return fmt.Errorf("trunk: refer on unconfirmed leg")
	}

	refer := l.inDialogRequest(sip.REFER)
	refer.AppendHeader(sip.NewHeader("Refer-To", angleQuote(target)))
	refer.AppendHeader(sip.NewHeader("Referred-By", angleQuote(l.ep.aor.String())))
	return l.sendInDialog(refer, "refer", func(res *sip.Response) {
		code := int(res.StatusCode)
		if code < 300 {
			slog.Info("transfer accepted by peer", "sip_call_id", l.callID, "status", code)
			return
		}
		reason := res.Reason
		slog.Warn("transfer rejected by peer", "sip_call_id", l.callID, "status", code, "reason", reason)
		l.gate.emit(func(o telephony.LegObserver) { o.OnTransferStatus(code, true, reason) })
	})
}

func (l *leg) SendDTMF(digits string) error {
	l.mu.Lock()
	m := l.media
	confirmed := l.state == telephony.StateConfirmed
	l.mu.Unlock()
	if !confirmed || m == nil {
		return fmt.Errorf("trunk: dtmf on unconfirmed leg")
	}
	return m.sendDTMF(digits)
}

// ─── Outbound dialog ────────────────────────────────────────────────────────

// consumeInvite drives the outbound INVITE transaction to completion.
func (l *leg) consumeInvite(tx sip.ClientTransaction) {
	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				l.finalizeUnanswered()
				return
			}
			code := int(res.StatusCode)
			switch {
			case code < 200:
				if code >= 180 {
					l.transition(telephony.StateRinging, code)
				}
			case code < 300:
				l.confirmOutbound(res, code)
				tx.Terminate()
				return
			default:
				l.finalize(code)
				tx.Terminate()
				return
			}
		case <-tx.Done():
			l.finalizeUnanswered()
			return
		}
	}
}

// finalizeUnanswered closes a pending outbound leg that got no final
// response: 487 after a local cancel, 408 otherwise.
func (l *leg) finalizeUnanswered() {
	l.mu.Lock()
	cancelled := l.cancelled
	l.mu.Unlock()
	if cancelled {
		l.finalize(487)
		return
	}
	l.finalize(408)
}

// confirmOutbound establishes the dialog from a 2xx: record the remote tag,
// target and route set, ACK, then activate media from the SDP answer.
func (l *leg) confirmOutbound(res *sip.Response, code int) {
	l.mu.Lock()
	invite := l.inviteReq
	media := l.media
	if to := res.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			l.remoteTag = tag
		}
	}
	if contact := res.Contact(); contact != nil {
		l.remoteTarget = *contact.Address.Clone()
	}
	l.routeSet = reversedRouteSet(res)
	l.mu.Unlock()

	ack := buildACKFor2xx(invite, res)
	if err := l.ep.client.WriteRequest(ack); err != nil {
		slog.Error("send ack", "sip_call_id", l.callID, "error", err)
	}

	sel, raddr, err := negotiateFromAnswer(res.Body(), l.ep.cfg.CodecPriorities)
	if err == nil {
		err = media.activate(sel, raddr)
	}
	if err != nil {
		slog.Error("peer answer unusable, hanging up", "sip_call_id", l.callID, "error", err)
		bye := l.inDialogRequest(sip.BYE)
		l.sendInDialog(bye, "bye", nil)
		l.finalize(488)
		return
	}

	l.transition(telephony.StateConfirmed, code)
	l.gate.emit(func(o telephony.LegObserver) { o.OnMediaActive(media) })
}

// sendCancel aborts the pending outbound INVITE. The CANCEL reuses the
// INVITE's Via so proxies can match the branch; the 487 that follows lands
// in consumeInvite.
func (l *leg) sendCancel() {
	l.mu.Lock()
	if l.cancelled {
		l.mu.Unlock()
		return
	}
	l.cancelled = true
	invite := l.inviteReq
	tx := l.clientTx
	l.mu.Unlock()
	if invite == nil {
		return
	}

	cancel := sip.NewRequest(sip.CANCEL, *invite.Recipient.Clone())
	cancel.SipVersion = invite.SipVersion
	sip.CopyHeaders("Via", invite, cancel)
	if len(invite.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", invite, cancel)
	}
	if h := invite.From(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.To(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CSeq(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := cancel.CSeq(); cseq != nil {
		cseq.MethodName = sip.CANCEL
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxFwd)
	cancel.SetTransport(invite.Transport())

	if err := l.ep.client.WriteRequest(cancel); err != nil {
		slog.Warn("send cancel", "sip_call_id", l.callID, "error", err)
		if tx != nil {
			tx.Terminate()
		}
	}
}

// ─── Inbound signaling from the endpoint ────────────────────────────────────

// handleRemoteBye processes a BYE from the peer. The endpoint has already
// answered it.
func (l *leg) handleRemoteBye() {
	slog.Info("remote hangup", "sip_call_id", l.callID)
	l.finalize(200)
}

// handleCancel processes a CANCEL of the pending inbound INVITE.
func (l *leg) handleCancel() {
	l.mu.Lock()
	pending := l.inbound && l.state != telephony.StateConfirmed && l.state != telephony.StateDisconnected
	req, tx := l.inviteReq, l.inviteTx
	l.mu.Unlock()
	if !pending {
		return
	}
	res := sip.NewResponseFromRequest(req, 487, statusText(487), nil)
	if err := tx.Respond(res); err != nil {
		slog.Warn("respond 487", "sip_call_id", l.callID, "error", err)
	}
	slog.Info("caller cancelled", "sip_call_id", l.callID)
	l.finalize(487)
}

// processNotify turns a transfer progress NOTIFY into an observer event.
func (l *leg) processNotify(req *sip.Request) {
	if ev := req.GetHeader("Event"); ev != nil && !strings.HasPrefix(strings.ToLower(ev.Value()), "refer") {
		return
	}
	code, reason, err := parseSIPFrag(req.Body())
	if err != nil {
		slog.Debug("ignore notify without sipfrag", "sip_call_id", l.callID, "error", err)
		return
	}
	final := false
	if st := req.GetHeader("Subscription-State"); st != nil {
		final = strings.HasPrefix(strings.ToLower(st.Value()), "terminated")
	}
	slog.Info("transfer progress", "sip_call_id", l.callID, "status", code, "final", final, "reason", reason)
	l.gate.emit(func(o telephony.LegObserver) { o.OnTransferStatus(code, final, reason) })
}

// ─── State plumbing ─────────────────────────────────────────────────────────

// transition moves the leg to a non-terminal state. Repeats only refresh the
// last status code.
func (l *leg) transition(state telephony.LegState, status int) {
	l.mu.Lock()
	if l.state == telephony.StateDisconnected {
		l.mu.Unlock()
		return
	}
	if status != 0 {
		l.lastStatus = status
	}
	if l.state == state {
		l.mu.Unlock()
		return
	}
	l.state = state
	l.mu.Unlock()
	l.gate.emit(func(o telephony.LegObserver) { o.OnStateChanged(state, status) })
}

// finalize is the single terminal path: close media, detach from the
// endpoint and emit the disconnect. Idempotent.
func (l *leg) finalize(status int) {
	l.mu.Lock()
	if l.state == telephony.StateDisconnected {
		l.mu.Unlock()
		return
	}
	l.state = telephony.StateDisconnected
	if status != 0 {
		l.lastStatus = status
	}
	media := l.media
	l.mu.Unlock()

	if media != nil {
		media.Close()
	}
	l.ep.dropLeg(l.callID, l.id)
	l.gate.emit(func(o telephony.LegObserver) { o.OnStateChanged(telephony.StateDisconnected, status) })
}

// ─── In-dialog requests ─────────────────────────────────────────────────────

// inDialogRequest builds a request inside the established dialog: remote
// target URI, stored route set, dialog tags and the next local CSeq.
func (l *leg) inDialogRequest(method sip.RequestMethod) *sip.Request {
	l.mu.Lock()
	defer l.mu.Unlock()

	req := sip.NewRequest(method, *l.remoteTarget.Clone())
	for _, route := range l.routeSet {
		req.AppendHeader(sip.NewHeader("Route", route))
	}
	req.AppendHeader(&sip.FromHeader{
		DisplayName: l.ep.cfg.CallerID,
		Address:     *l.ep.aor.Clone(),
		Params:      tagParams(l.localTag),
	})
	to := &sip.ToHeader{Address: *l.remoteID.Clone()}
	if l.remoteTag != "" {
		to.Params = tagParams(l.remoteTag)
	}
	req.AppendHeader(to)
	cid := sip.CallIDHeader(l.callID)
	req.AppendHeader(&cid)
	l.cseq++
	req.AppendHeader(&sip.CSeqHeader{SeqNo: l.cseq, MethodName: method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(l.ep.contactHeader())
	if l.ep.cfg.UseTCP {
		req.SetTransport("TCP")
	}
	return req
}

// sendInDialog fires the request and consumes its transaction in the
// background. onFinal, when set, sees the final response.
func (l *leg) sendInDialog(req *sip.Request, what string, onFinal func(*sip.Response)) error {
	tx, err := l.ep.client.TransactionRequest(context.Background(), req)
	if err != nil {
		slog.Warn("send in-dialog request", "sip_call_id", l.callID, "method", what, "error", err)
		return fmt.Errorf("trunk: send %s: %w", what, err)
	}
	go func() {
		defer tx.Terminate()
		for {
			select {
			case res, ok := <-tx.Responses():
				if !ok {
					return
				}
				if int(res.StatusCode) < 200 {
					continue
				}
				slog.Debug("in-dialog response", "sip_call_id", l.callID, "method", what, "status", int(res.StatusCode))
				if onFinal != nil {
					onFinal(res)
				}
				return
			case <-tx.Done():
				return
			}
		}
	}()
	return nil
}

// ─── Header helpers ─────────────────────────────────────────────────────────

func tagParams(tag string) sip.HeaderParams {
	p := sip.NewParams()
	p.Add("tag", tag)
	return p
}

func setToTag(res *sip.Response, tag string) {
	to := res.To()
	if to == nil {
		return
	}
	if to.Params == nil {
		to.Params = sip.NewParams()
	}
	to.Params.Add("tag", tag)
}

// reversedRouteSet extracts the dialog route set from a 2xx: Record-Route
// values in reverse order, ready to emit as Route headers.
func reversedRouteSet(res *sip.Response) []string {
	headers := res.GetHeaders("Record-Route")
	if len(headers) == 0 {
		return nil
	}
	out := make([]string, 0, len(headers))
	for i := len(headers) - 1; i >= 0; i-- {
		out = append(out, headers[i].Value())
	}
	return out
}

func angleQuote(uri string) string {
	if strings.HasPrefix(uri, "<") {
		return uri
	}
	return "<" + uri + ">"
}

// parseSIPFrag extracts status code and reason from a message/sipfrag body.
func parseSIPFrag(body []byte) (int, string, error) {
	line, _, _ := strings.Cut(strings.TrimSpace(string(body)), "\n")
	line = strings.TrimSuffix(line, "\r")
	rest, ok := strings.CutPrefix(line, "SIP/2.0 ")
	if !ok {
		return 0, "", fmt.Errorf("trunk: not a sipfrag: %q", line)
	}
	codeStr, reason, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		return 0, "", fmt.Errorf("trunk: bad sipfrag status: %q", line)
	}
	return code, reason, nil
}

// statusText returns the canonical reason phrase for common codes.
func statusText(code int) string {
	switch code {
	case 100:
		return "Trying"
	case 180:
		return "Ringing"
	case 183:
		return "Session Progress"
	case 200:
		return "OK"
	case 202:
		return "Accepted"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 408:
		return "Request Timeout"
	case 480:
		return "Temporarily Unavailable"
	case 481:
		return "Call/Transaction Does Not Exist"
	case 486:
		return "Busy Here"
	case 487:
		return "Request Terminated"
	case 488:
		return "Not Acceptable Here"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 503:
		return "Service Unavailable"
	case 603:
		return "Decline"
	default:
		return "Unspecified"
	}
}
