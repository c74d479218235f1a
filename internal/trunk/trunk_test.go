package trunk_test

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/flametree-ai/sipvox/internal/trunk"
	"github.com/flametree-ai/sipvox/pkg/telephony"
)

// ─── In-process SIP fixtures ────────────────────────────────────────────────

func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("probe free port: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

// sipPeer is a scripted SIP party (registrar, caller or callee) sharing one
// user agent between its server and client halves, like the endpoint does.
type sipPeer struct {
	srv    *sipgo.Server
	client *sipgo.Client
	port   int
}

// newSIPPeer starts a peer on a loopback port. setup installs request
// handlers before the listener accepts traffic.
func newSIPPeer(t *testing.T, setup func(p *sipPeer)) *sipPeer {
	t.Helper()

	port := freePort(t)
	ua, err := sipgo.NewUA()
	if err != nil {
		t.Fatalf("peer user agent: %v", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		t.Fatalf("peer server: %v", err)
	}
	client, err := sipgo.NewClient(ua,
		sipgo.WithClientHostname("127.0.0.1"),
		sipgo.WithClientPort(port),
	)
	if err != nil {
		t.Fatalf("peer client: %v", err)
	}

	p := &sipPeer{srv: srv, client: client, port: port}
	if setup != nil {
		setup(p)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go srv.ListenAndServe(ctx, "udp", fmt.Sprintf("127.0.0.1:%d", port))
	t.Cleanup(func() {
		cancel()
		srv.Close()
		ua.Close()
	})

	// Give the listener a moment to bind before anyone sends to it.
	time.Sleep(100 * time.Millisecond)
	return p
}

func accept200(req *sip.Request, tx sip.ServerTransaction) {
	tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
}

func newRegistrar(t *testing.T) *sipPeer {
	t.Helper()
	return newSIPPeer(t, func(p *sipPeer) { p.srv.OnRegister(accept200) })
}

func newTestEndpoint(t *testing.T, registrar *sipPeer, maxCalls int) (*trunk.Endpoint, *recordingHandler, int) {
	t.Helper()

	port := freePort(t)
	ep, err := trunk.New(trunk.Config{
		User:     "100",
		Domain:   fmt.Sprintf("127.0.0.1:%d", registrar.port),
		Password: "gw-secret",
		CallerID: "Gateway",
		Port:     port,
		MaxCalls: maxCalls,
	})
	if err != nil {
		t.Fatalf("build endpoint: %v", err)
	}
	t.Cleanup(func() { ep.Close() })

	h := newRecordingHandler()
	ep.SetHandler(h)
	return ep, h, port
}

// ─── Recording stubs ────────────────────────────────────────────────────────

type regEvent struct {
	code   int
	reason string
}

type inboundCall struct {
	leg       telephony.Leg
	remoteURI string
}

type recordingHandler struct {
	calls chan inboundCall
	regs  chan regEvent
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		calls: make(chan inboundCall, 8),
		regs:  make(chan regEvent, 8),
	}
}

func (h *recordingHandler) OnIncomingCall(leg telephony.Leg, remoteURI string) {
	h.calls <- inboundCall{leg: leg, remoteURI: remoteURI}
}

func (h *recordingHandler) OnRegistrationState(code int, reason string) {
	h.regs <- regEvent{code: code, reason: reason}
}

func (h *recordingHandler) expectRegistration(t *testing.T, code int) {
	t.Helper()
	select {
	case ev := <-h.regs:
		if ev.code != code {
			t.Fatalf("registration event = %d %q, want %d", ev.code, ev.reason, code)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no registration event, want %d", code)
	}
}

func (h *recordingHandler) expectCall(t *testing.T) inboundCall {
	t.Helper()
	select {
	case c := <-h.calls:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("no incoming call surfaced")
		return inboundCall{}
	}
}

type stateEvent struct {
	state telephony.LegState
	code  int
}

type recordingLegObserver struct {
	states chan stateEvent
	media  chan telephony.Media
	xfers  chan stateEvent
}

func newRecordingLegObserver() *recordingLegObserver {
	return &recordingLegObserver{
		states: make(chan stateEvent, 8),
		media:  make(chan telephony.Media, 2),
		xfers:  make(chan stateEvent, 8),
	}
}

func (o *recordingLegObserver) OnStateChanged(state telephony.LegState, code int) {
	o.states <- stateEvent{state: state, code: code}
}

func (o *recordingLegObserver) OnMediaActive(m telephony.Media) { o.media <- m }

func (o *recordingLegObserver) OnTransferStatus(code int, final bool, reason string) {
	o.xfers <- stateEvent{code: code}
}

func (o *recordingLegObserver) expectState(t *testing.T, state telephony.LegState, code int) {
	t.Helper()
	select {
	case ev := <-o.states:
		if ev.state != state || ev.code != code {
			t.Fatalf("state event = %v/%d, want %v/%d", ev.state, ev.code, state, code)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no state event, want %v/%d", state, code)
	}
}

func (o *recordingLegObserver) expectMedia(t *testing.T) telephony.Media {
	t.Helper()
	select {
	case m := <-o.media:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("media never became active")
		return nil
	}
}

// ─── Message helpers ────────────────────────────────────────────────────────

func withTag(tag string) sip.HeaderParams {
	p := sip.NewParams()
	p.Add("tag", tag)
	return p
}

func expectRequest(t *testing.T, ch chan *sip.Request) *sip.Request {
	t.Helper()
	select {
	case req := <-ch:
		return req
	case <-time.After(5 * time.Second):
		t.Fatal("expected request never arrived")
		return nil
	}
}

// waitResponse drains the transaction until the wanted status arrives,
// ignoring other provisionals.
func waitResponse(t *testing.T, tx sip.ClientTransaction, want int) *sip.Response {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				t.Fatalf("transaction closed waiting for %d", want)
			}
			if int(res.StatusCode) == want {
				return res
			}
			if int(res.StatusCode) >= 200 {
				t.Fatalf("got final %d %s, want %d", int(res.StatusCode), res.Reason, want)
			}
		case <-tx.Done():
			t.Fatalf("transaction terminated waiting for %d", want)
		case <-deadline:
			t.Fatalf("no %d response arrived", want)
		}
	}
}

func peerOfferSDP(mediaPort int) string {
	return strings.Join([]string{
		"v=0",
		"o=- 7423 7423 IN IP4 127.0.0.1",
		"s=-",
		"c=IN IP4 127.0.0.1",
		"t=0 0",
		fmt.Sprintf("m=audio %d RTP/AVP 0 101", mediaPort),
		"a=rtpmap:0 PCMU/8000",
		"a=rtpmap:101 telephone-event/8000",
		"a=fmtp:101 0-16",
		"a=sendrecv",
	}, "\r\n") + "\r\n"
}

func peerAnswerSDP(mediaPort int) string {
	return strings.Join([]string{
		"v=0",
		"o=- 9911 9911 IN IP4 127.0.0.1",
		"s=-",
		"c=IN IP4 127.0.0.1",
		"t=0 0",
		fmt.Sprintf("m=audio %d RTP/AVP 0", mediaPort),
		"a=rtpmap:0 PCMU/8000",
		"a=sendrecv",
	}, "\r\n") + "\r\n"
}

func newPeerInvite(t *testing.T, peer *sipPeer, epPort int, callID string) *sip.Request {
	t.Helper()

	recipient := sip.Uri{User: "100", Host: "127.0.0.1", Port: epPort}
	req := sip.NewRequest(sip.INVITE, recipient)
	req.AppendHeader(&sip.FromHeader{
		DisplayName: "Alice",
		Address:     sip.Uri{User: "alice", Host: "127.0.0.1", Port: peer.port},
		Params:      withTag("peer-tag-1"),
	})
	req.AppendHeader(&sip.ToHeader{Address: recipient})
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{User: "alice", Host: "127.0.0.1", Port: peer.port},
	})
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody([]byte(peerOfferSDP(freePort(t))))
	return req
}

func sendACK(t *testing.T, peer *sipPeer, invite *sip.Request, res *sip.Response) {
	t.Helper()

	recipient := invite.Recipient
	if contact := res.Contact(); contact != nil {
		recipient = contact.Address
	}
	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
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
	if err := peer.client.WriteRequest(ack); err != nil {
		t.Fatalf("send ack: %v", err)
	}
}

// ─── Tests ──────────────────────────────────────────────────────────────────

// TestEndpointRegistersAndUnregisters verifies the registration loop: a
// REGISTER with the configured expiry at startup and an Expires: 0 refresh
// of the same binding on Close.
func TestEndpointRegistersAndUnregisters(t *testing.T) {
	t.Parallel()

	requests := make(chan *sip.Request, 4)
	registrar := newSIPPeer(t, func(p *sipPeer) {
		p.srv.OnRegister(func(req *sip.Request, tx sip.ServerTransaction) {
			requests <- req
			tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
		})
	})

	ep, h, _ := newTestEndpoint(t, registrar, 2)
	h.expectRegistration(t, 200)

	first := expectRequest(t, requests)
	if hdr := first.GetHeader("Expires"); hdr == nil || hdr.Value() != "300" {
		t.Errorf("initial Expires = %v, want 300", hdr)
	}
	if contact := first.Contact(); contact == nil || contact.Address.User != "100" {
		t.Errorf("initial Contact = %v, want user 100", contact)
	}
	if from := first.From(); from == nil || from.Address.User != "100" {
		t.Errorf("initial From = %v, want user 100", from)
	}
	firstCSeq := first.CSeq().SeqNo
	firstCallID := first.CallID().Value()

	if err := ep.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := expectRequest(t, requests)
	if hdr := second.GetHeader("Expires"); hdr == nil || hdr.Value() != "0" {
		t.Errorf("unregister Expires = %v, want 0", hdr)
	}
	if got := second.CallID().Value(); got != firstCallID {
		t.Errorf("unregister Call-ID = %q, want %q (same binding)", got, firstCallID)
	}
	if got := second.CSeq().SeqNo; got <= firstCSeq {
		t.Errorf("unregister CSeq = %d, want above %d", got, firstCSeq)
	}
}

// TestRegisterFollowsDigestChallenge verifies a 401 challenge is answered
// with digest credentials on a retried REGISTER.
func TestRegisterFollowsDigestChallenge(t *testing.T) {
	t.Parallel()

	authed := make(chan *sip.Request, 4)
	registrar := newSIPPeer(t, func(p *sipPeer) {
		p.srv.OnRegister(func(req *sip.Request, tx sip.ServerTransaction) {
			if req.GetHeader("Authorization") == nil {
				res := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
				res.AppendHeader(sip.NewHeader("WWW-Authenticate",
					`Digest realm="sipvox.test", nonce="f00dcafe"`))
				tx.Respond(res)
				return
			}
			authed <- req
			tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
		})
	})

	_, h, _ := newTestEndpoint(t, registrar, 2)
	h.expectRegistration(t, 200)

	req := expectRequest(t, authed)
	cred := req.GetHeader("Authorization").Value()
	for _, part := range []string{`username="100"`, `realm="sipvox.test"`, `nonce="f00dcafe"`, `response="`} {
		if !strings.Contains(cred, part) {
			t.Errorf("Authorization %q is missing %q", cred, part)
		}
	}
}

// TestInboundCallLifecycle walks an inbound dialog end to end: INVITE in,
// ring, answer with a usable SDP, hang up with a BYE, and 481 for the dead
// dialog afterwards.
func TestInboundCallLifecycle(t *testing.T) {
	t.Parallel()

	registrar := newRegistrar(t)
	byes := make(chan struct{}, 2)
	peer := newSIPPeer(t, func(p *sipPeer) {
		p.srv.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
			tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
			byes <- struct{}{}
		})
	})

	_, h, epPort := newTestEndpoint(t, registrar, 2)
	h.expectRegistration(t, 200)

	const callID = "inbound-lifecycle-1"
	invite := newPeerInvite(t, peer, epPort, callID)
	tx, err := peer.client.TransactionRequest(context.Background(), invite)
	if err != nil {
		t.Fatalf("send invite: %v", err)
	}
	defer tx.Terminate()

	call := h.expectCall(t)
	if !strings.Contains(call.remoteURI, "alice") {
		t.Errorf("remote uri = %q, want the caller's", call.remoteURI)
	}
	if got := call.leg.SIPCallID(); got != callID {
		t.Errorf("leg call id = %q, want %q", got, callID)
	}
	if got := call.leg.State(); got != telephony.StateCreated {
		t.Errorf("leg state = %v, want created", got)
	}

	obs := newRecordingLegObserver()
	call.leg.Bind(obs)

	if err := call.leg.Answer(180); err != nil {
		t.Fatalf("Answer(180): %v", err)
	}
	waitResponse(t, tx, 180)
	obs.expectState(t, telephony.StateRinging, 180)

	if err := call.leg.Answer(200); err != nil {
		t.Fatalf("Answer(200): %v", err)
	}
	res := waitResponse(t, tx, 200)
	body := string(res.Body())
	if !strings.Contains(body, "m=audio") || !strings.Contains(body, "PCMU/8000") {
		t.Errorf("answer sdp = %q, want a PCMU audio line", body)
	}
	if to := res.To(); to == nil {
		t.Error("200 has no To header")
	} else if tag, ok := to.Params.Get("tag"); !ok || tag == "" {
		t.Error("200 carries no To tag")
	}
	sendACK(t, peer, invite, res)

	obs.expectState(t, telephony.StateConfirmed, 200)
	media := obs.expectMedia(t)
	if f := media.Format(); f.SampleRate != 16000 || f.Channels != 1 || f.FrameTime != 20*time.Millisecond {
		t.Errorf("media format = %+v, want 16000/1/20ms", f)
	}

	if err := call.leg.Hangup(200); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	select {
	case <-byes:
	case <-time.After(3 * time.Second):
		t.Fatal("peer never received BYE")
	}
	obs.expectState(t, telephony.StateDisconnected, 200)

	// The dialog is gone; in-dialog requests for it must get 481.
	bye := sip.NewRequest(sip.BYE, sip.Uri{User: "100", Host: "127.0.0.1", Port: epPort})
	bye.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{User: "alice", Host: "127.0.0.1", Port: peer.port},
		Params:  withTag("peer-tag-1"),
	})
	bye.AppendHeader(&sip.ToHeader{Address: sip.Uri{User: "100", Host: "127.0.0.1", Port: epPort}})
	cid := sip.CallIDHeader(callID)
	bye.AppendHeader(&cid)
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: 2, MethodName: sip.BYE})
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)
	byeTx, err := peer.client.TransactionRequest(context.Background(), bye)
	if err != nil {
		t.Fatalf("send bye: %v", err)
	}
	defer byeTx.Terminate()
	waitResponse(t, byeTx, 481)
}

// TestInboundCallRejected verifies an unanswered inbound INVITE can be
// refused with a final failure response.
func TestInboundCallRejected(t *testing.T) {
	t.Parallel()

	registrar := newRegistrar(t)
	peer := newSIPPeer(t, nil)

	_, h, epPort := newTestEndpoint(t, registrar, 2)
	h.expectRegistration(t, 200)

	invite := newPeerInvite(t, peer, epPort, "inbound-rejected-1")
	tx, err := peer.client.TransactionRequest(context.Background(), invite)
	if err != nil {
		t.Fatalf("send invite: %v", err)
	}
	defer tx.Terminate()

	call := h.expectCall(t)
	obs := newRecordingLegObserver()
	call.leg.Bind(obs)

	if err := call.leg.Hangup(486); err != nil {
		t.Fatalf("Hangup(486): %v", err)
	}
	waitResponse(t, tx, 486)
	obs.expectState(t, telephony.StateDisconnected, 486)
}

// TestOutboundCallLifecycle walks an outbound dialog end to end against a
// scripted callee: INVITE out, 180, 200 with an SDP answer, ACK from our
// side, then BYE on hangup.
func TestOutboundCallLifecycle(t *testing.T) {
	t.Parallel()

	registrar := newRegistrar(t)

	answerBody := []byte(peerAnswerSDP(freePort(t)))
	acks := make(chan struct{}, 2)
	byes := make(chan struct{}, 2)
	peer := newSIPPeer(t, func(p *sipPeer) {
		port := p.port
		p.srv.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
			tx.Respond(sip.NewResponseFromRequest(req, 180, "Ringing", nil))
			res := sip.NewResponseFromRequest(req, 200, "OK", answerBody)
			if to := res.To(); to != nil {
				to.Params = withTag("peer-tag-out")
			}
			res.AppendHeader(&sip.ContactHeader{
				Address: sip.Uri{User: "bob", Host: "127.0.0.1", Port: port},
			})
			res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
			tx.Respond(res)
		})
		p.srv.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {
			acks <- struct{}{}
		})
		p.srv.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
			tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
			byes <- struct{}{}
		})
	})

	ep, h, _ := newTestEndpoint(t, registrar, 2)
	h.expectRegistration(t, 200)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	leg, err := ep.Dial(ctx, fmt.Sprintf("sip:bob@127.0.0.1:%d", peer.port))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	obs := newRecordingLegObserver()
	leg.Bind(obs)
	obs.expectState(t, telephony.StateRinging, 180)
	obs.expectState(t, telephony.StateConfirmed, 200)

	select {
	case <-acks:
	case <-time.After(3 * time.Second):
		t.Fatal("peer never received ACK")
	}

	media := obs.expectMedia(t)
	if f := media.Format(); f.SampleRate != 16000 || f.Channels != 1 {
		t.Errorf("media format = %+v, want 16000/1", f)
	}
	if got := leg.State(); got != telephony.StateConfirmed {
		t.Errorf("leg state = %v, want confirmed", got)
	}

	if err := leg.Hangup(200); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	select {
	case <-byes:
	case <-time.After(3 * time.Second):
		t.Fatal("peer never received BYE")
	}
	obs.expectState(t, telephony.StateDisconnected, 200)
}

// TestDialRespectsCallLimit verifies the concurrent-call cap applies to
// outbound legs.
func TestDialRespectsCallLimit(t *testing.T) {
	t.Parallel()

	registrar := newRegistrar(t)
	peer := newSIPPeer(t, func(p *sipPeer) {
		p.srv.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
			tx.Respond(sip.NewResponseFromRequest(req, 100, "Trying", nil))
		})
	})

	ep, h, _ := newTestEndpoint(t, registrar, 1)
	h.expectRegistration(t, 200)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	target := fmt.Sprintf("sip:bob@127.0.0.1:%d", peer.port)

	leg, err := ep.Dial(ctx, target)
	if err != nil {
		t.Fatalf("first Dial: %v", err)
	}
	if _, err := ep.Dial(ctx, target); err == nil {
		t.Fatal("second Dial succeeded beyond the call limit")
	} else if !strings.Contains(err.Error(), "call limit") {
		t.Errorf("second Dial error = %v, want a call limit error", err)
	}

	if err := leg.Hangup(487); err != nil {
		t.Fatalf("Hangup pending leg: %v", err)
	}
}
