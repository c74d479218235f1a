package trunk

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/flametree-ai/sipvox/internal/audio"
	"github.com/flametree-ai/sipvox/pkg/telephony"
)

// mediaSession is the RTP half of one call leg. It owns a UDP socket bound
// at leg creation (the SDP advertises its port) and is activated once the
// offer/answer exchange has settled on a codec and a remote address.
//
// The receive path decodes, resamples to the pipeline rate and assembles
// fixed-duration frames for the capture port. The transmit path is driven by
// file playbacks, each pacing itself at one packet per packetTime.
type mediaSession struct {
	callID string
	conn   *net.UDPConn
	format telephony.Format
	port   *audio.FramePort

	mu     sync.Mutex
	sel    codecSelection
	tc     transcoder
	remote *net.UDPAddr
	active bool
	rec    *recorder

	txMu   sync.Mutex
	seq    uint16
	ts     uint32
	ssrc   uint32
	dtmfMu sync.Mutex

	done      chan struct{}
	readerWG  sync.WaitGroup
	closeOnce sync.Once
}

var _ telephony.Media = (*mediaSession)(nil)

var errNotActive = errors.New("trunk: media session not active")

// newMediaSession binds the RTP socket. The session does not process media
// until activate installs the negotiated codec and remote address.
func newMediaSession(callID string, pipelineRate int, frameTime time.Duration) (*mediaSession, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("trunk: bind rtp socket: %w", err)
	}
	format := telephony.Format{SampleRate: pipelineRate, Channels: 1, FrameTime: frameTime}
	return &mediaSession{
		callID: callID,
		conn:   conn,
		format: format,
		port:   audio.NewFramePort(format),
		seq:    uint16(rand.IntN(1 << 16)),
		ts:     rand.Uint32(),
		ssrc:   rand.Uint32(),
		done:   make(chan struct{}),
	}, nil
}

// localPort returns the bound RTP port for SDP construction.
func (s *mediaSession) localPort() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// activate installs the negotiated codec and remote address and starts the
// receive path. Calling it a second time is a no-op.
func (s *mediaSession) activate(sel codecSelection, remote *net.UDPAddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return nil
	}
	tc, err := newTranscoder(sel.codec)
	if err != nil {
		return err
	}
	s.sel = sel
	s.tc = tc
	s.remote = remote
	s.active = true

	s.port.Start()
	s.readerWG.Add(1)
	go s.readLoop(sel, tc)

	slog.Debug("media session active",
		"sip_call_id", s.callID,
		"codec", sel.codec.name,
		"payload_type", sel.codec.payload,
		"remote", remote.String(),
		"rtp_port", s.localPort())
	return nil
}

// ─── telephony.Media ────────────────────────────────────────────────────────

func (s *mediaSession) Format() telephony.Format {
	return s.format
}

func (s *mediaSession) AttachCapture(h telephony.FrameHandler) {
	s.port.SetHandler(h)
}

// PlayFile decodes the WAV file up front, resamples it to the codec rate and
// streams it from a goroutine at one packet per packetTime.
func (s *mediaSession) PlayFile(path string, onEOF func()) (telephony.Playback, error) {
	s.mu.Lock()
	active := s.active
	codec := s.sel.codec
	s.mu.Unlock()
	if !active {
		return nil, errNotActive
	}

	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("trunk: open playback file: %w", err)
	}
	samples, rate, err := audio.DecodeWAV(blob)
	if err != nil {
		return nil, fmt.Errorf("trunk: decode %s: %w", path, err)
	}
	pcm := audio.ResampleMono16(float32sToPCM16(samples), rate, codec.pcmRate)
	chunks := splitChunks(pcm, codec.pcmBytesPerPacket())

	pb := &filePlayback{stop: make(chan struct{})}
	go s.streamChunks(pb, codec, chunks, onEOF)
	return pb, nil
}

// Record starts mixing both call directions into a WAV file at the pipeline
// rate. Only one recording may ever be started per session.
func (s *mediaSession) Record(path string) (io.Closer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec != nil {
		return nil, fmt.Errorf("trunk: session already recording")
	}
	rec, err := newRecorder(path, s.format.SampleRate)
	if err != nil {
		return nil, err
	}
	s.rec = rec
	return rec, nil
}

// Close stops the receive path, abandons playbacks without their end-of-file
// callback and releases the socket. Safe to call more than once.
func (s *mediaSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.port.Stop()
		s.conn.Close()
		s.readerWG.Wait()

		s.mu.Lock()
		rec := s.rec
		s.mu.Unlock()
		if rec != nil {
			if err := rec.Close(); err != nil {
				slog.Warn("close call recording", "sip_call_id", s.callID, "error", err)
			}
		}
	})
	return nil
}

// ─── Receive path ───────────────────────────────────────────────────────────

// readLoop drains the RTP socket until the session closes. Frames of the
// negotiated codec are decoded and assembled into pipeline-rate capture
// frames; telephone events and foreign payload types are dropped.
func (s *mediaSession) readLoop(sel codecSelection, tc transcoder) {
	defer s.readerWG.Done()

	var (
		buf        = make([]byte, 1500)
		assembled  []byte
		frameBytes = s.format.Samples() * 2
		pkt        rtp.Packet
	)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, raddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-s.done:
			default:
				slog.Warn("rtp read failed", "sip_call_id", s.callID, "error", err)
			}
			return
		}
		if n == 0 {
			continue
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			slog.Debug("drop malformed rtp packet", "sip_call_id", s.callID, "error", err)
			continue
		}
		if sel.hasDTMF && pkt.PayloadType == sel.dtmfPT {
			continue
		}
		if pkt.PayloadType != sel.codec.payload || len(pkt.Payload) == 0 {
			continue
		}

		s.latchRemote(raddr)

		pcm, err := tc.decode(pkt.Payload)
		if err != nil {
			slog.Debug("drop undecodable rtp packet", "sip_call_id", s.callID, "error", err)
			continue
		}
		pcm = audio.ResampleMono16(pcm, sel.codec.pcmRate, s.format.SampleRate)
		if rec := s.recorder(); rec != nil {
			rec.pushCaptured(pcm)
		}

		assembled = append(assembled, pcm...)
		for len(assembled) >= frameBytes {
			frame := make([]byte, frameBytes)
			copy(frame, assembled[:frameBytes])
			assembled = assembled[frameBytes:]
			s.port.Ingest(telephony.Frame{
				Data:       frame,
				SampleRate: s.format.SampleRate,
				Channels:   1,
				Timestamp:  time.Now().Add(-s.format.FrameTime),
			})
		}
	}
}

// latchRemote adopts the peer's actual source address the first time media
// arrives. Some trunks send RTP from a different port than their SDP names.
func (s *mediaSession) latchRemote(raddr *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote == nil {
		s.remote = raddr
		slog.Debug("learned remote rtp address", "sip_call_id", s.callID, "remote", raddr.String())
	}
}

func (s *mediaSession) recorder() *recorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec
}

// ─── Transmit path ──────────────────────────────────────────────────────────

// filePlayback is one in-flight file transmission. finish and Stop exclude
// each other, so the end-of-file callback never starts after Stop returns.
type filePlayback struct {
	mu      sync.Mutex
	stopped bool
	done    bool
	stop    chan struct{}
}

var _ telephony.Playback = (*filePlayback)(nil)

func (p *filePlayback) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		p.stopped = true
		close(p.stop)
	}
	return nil
}

func (p *filePlayback) finish(onEOF func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || p.done {
		return
	}
	p.done = true
	if onEOF != nil {
		onEOF()
	}
}

// streamChunks sends one PCM chunk per packetTime until the file ends, the
// playback is stopped or the session closes.
func (s *mediaSession) streamChunks(pb *filePlayback, codec codecDef, chunks [][]byte, onEOF func()) {
	ticker := time.NewTicker(packetTime)
	defer ticker.Stop()
	for _, chunk := range chunks {
		select {
		case <-pb.stop:
			return
		case <-s.done:
			return
		case <-ticker.C:
		}
		if rec := s.recorder(); rec != nil {
			rec.pushPlayed(audio.ResampleMono16(chunk, codec.pcmRate, s.format.SampleRate))
		}
		if err := s.sendAudio(chunk); err != nil {
			slog.Debug("rtp send failed", "sip_call_id", s.callID, "error", err)
		}
	}
	pb.finish(onEOF)
}

// sendAudio encodes one packetTime of PCM and writes it to the peer.
func (s *mediaSession) sendAudio(pcm []byte) error {
	s.mu.Lock()
	tc, codec, remote := s.tc, s.sel.codec, s.remote
	s.mu.Unlock()
	if tc == nil || remote == nil {
		return errNotActive
	}

	payload, err := tc.encode(pcm)
	if err != nil {
		return err
	}

	s.txMu.Lock()
	seq, ts := s.seq, s.ts
	s.seq++
	s.ts += codec.ticksPerPacket()
	ssrc := s.ssrc
	s.txMu.Unlock()

	return s.writePacket(rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    codec.payload,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           ssrc,
		},
		Payload: payload,
	}, remote)
}

func (s *mediaSession) writePacket(pkt rtp.Packet, remote *net.UDPAddr) error {
	raw, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("trunk: marshal rtp packet: %w", err)
	}
	if _, err := s.conn.WriteToUDP(raw, remote); err != nil {
		return fmt.Errorf("trunk: write rtp packet: %w", err)
	}
	return nil
}

// ─── DTMF ───────────────────────────────────────────────────────────────────

// dtmf event codes per RFC 4733 §3.2.
var dtmfEvents = map[rune]byte{
	'0': 0, '1': 1, '2': 2, '3': 3, '4': 4,
	'5': 5, '6': 6, '7': 7, '8': 8, '9': 9,
	'*': 10, '#': 11,
	'A': 12, 'B': 13, 'C': 14, 'D': 15,
	'a': 12, 'b': 13, 'c': 14, 'd': 15,
}

const (
	// dtmfDigitTicks is the total event duration in telephone-event clock
	// ticks (8 kHz): 100 ms per digit.
	dtmfDigitTicks = 800

	// dtmfStepTicks advances the reported duration once per packetTime.
	dtmfStepTicks = 160

	// dtmfVolume is the digit power as -dBm0.
	dtmfVolume = 10
)

// sendDTMF transmits digits as RFC 4733 telephone events. One event per
// digit: update packets every packetTime, then the end packet three times.
func (s *mediaSession) sendDTMF(digits string) error {
	s.mu.Lock()
	sel := s.sel
	remote := s.remote
	active := s.active
	s.mu.Unlock()
	if !active || remote == nil {
		return errNotActive
	}
	if !sel.hasDTMF {
		return fmt.Errorf("trunk: peer did not negotiate telephone-event")
	}

	events := make([]byte, 0, len(digits))
	for _, r := range digits {
		ev, ok := dtmfEvents[r]
		if !ok {
			return fmt.Errorf("trunk: invalid dtmf digit %q", r)
		}
		events = append(events, ev)
	}

	// Serialize whole sequences so overlapping SendDTMF calls cannot
	// interleave their events.
	s.dtmfMu.Lock()
	defer s.dtmfMu.Unlock()
	for i, ev := range events {
		if i > 0 {
			time.Sleep(2 * packetTime)
		}
		if err := s.sendDTMFEvent(sel, remote, ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *mediaSession) sendDTMFEvent(sel codecSelection, remote *net.UDPAddr, event byte) error {
	s.txMu.Lock()
	base := s.ts
	s.txMu.Unlock()

	send := func(duration int, end, marker bool) error {
		flags := byte(dtmfVolume & 0x3f)
		if end {
			flags |= 0x80
		}
		payload := []byte{event, flags, byte(duration >> 8), byte(duration)}

		s.txMu.Lock()
		seq := s.seq
		s.seq++
		ssrc := s.ssrc
		s.txMu.Unlock()

		return s.writePacket(rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         marker,
				PayloadType:    sel.dtmfPT,
				SequenceNumber: seq,
				Timestamp:      base,
				SSRC:           ssrc,
			},
			Payload: payload,
		}, remote)
	}

	for dur := dtmfStepTicks; dur < dtmfDigitTicks; dur += dtmfStepTicks {
		if err := send(dur, false, dur == dtmfStepTicks); err != nil {
			return err
		}
		time.Sleep(packetTime)
	}
	for range 3 {
		if err := send(dtmfDigitTicks, true, false); err != nil {
			return err
		}
	}

	// Keep the audio timeline continuous across the event.
	s.txMu.Lock()
	s.ts += uint32(dtmfDigitTicks * sel.codec.clock / 8000)
	s.txMu.Unlock()
	return nil
}

// ─── Recording ──────────────────────────────────────────────────────────────

// recorder folds captured and played audio into one WAV track. Each side
// feeds a queue; a mix loop drains both every packetTime, summing with
// trailing-silence padding so neither direction stalls the other.
type recorder struct {
	w     *audio.WAVWriter
	chunk int

	mu     sync.Mutex
	in     []byte
	out    []byte
	closed bool

	stop chan struct{}
	wg   sync.WaitGroup
}

func newRecorder(path string, rate int) (*recorder, error) {
	w, err := audio.NewWAVWriter(path, rate)
	if err != nil {
		return nil, err
	}
	r := &recorder{
		w:     w,
		chunk: rate / 50 * 2,
		stop:  make(chan struct{}),
	}
	r.wg.Add(1)
	go r.mixLoop()
	return r, nil
}

func (r *recorder) pushCaptured(pcm []byte) { r.push(&r.in, pcm) }
func (r *recorder) pushPlayed(pcm []byte)   { r.push(&r.out, pcm) }

func (r *recorder) push(dst *[]byte, pcm []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	*dst = append(*dst, pcm...)
}

func (r *recorder) mixLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(packetTime)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.mixOnce(r.chunk)
		}
	}
}

// mixOnce writes up to limit bytes from each queue as one mixed block.
func (r *recorder) mixOnce(limit int) {
	r.mu.Lock()
	a := takeUpTo(&r.in, limit)
	b := takeUpTo(&r.out, limit)
	r.mu.Unlock()
	if len(a) == 0 && len(b) == 0 {
		return
	}
	if err := r.w.WritePCM(audio.MixPCM16(a, b)); err != nil {
		slog.Warn("write call recording", "error", err)
	}
}

// Close drains both queues and finalizes the WAV header. Safe to call more
// than once.
func (r *recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.stop)
	r.wg.Wait()
	for {
		r.mu.Lock()
		remaining := len(r.in) + len(r.out)
		r.mu.Unlock()
		if remaining == 0 {
			break
		}
		r.mixOnce(remaining)
	}
	return r.w.Close()
}

func takeUpTo(buf *[]byte, n int) []byte {
	if len(*buf) < n {
		n = len(*buf)
	}
	out := (*buf)[:n]
	*buf = (*buf)[n:]
	return out
}

// ─── PCM helpers ────────────────────────────────────────────────────────────

// float32sToPCM16 quantizes normalized samples to little-endian int16.
func float32sToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// splitChunks slices pcm into size-byte pieces, zero-padding the tail so
// every chunk encodes a full packet.
func splitChunks(pcm []byte, size int) [][]byte {
	if size <= 0 {
		return nil
	}
	chunks := make([][]byte, 0, len(pcm)/size+1)
	for off := 0; off < len(pcm); off += size {
		end := off + size
		if end > len(pcm) {
			padded := make([]byte, size)
			copy(padded, pcm[off:])
			chunks = append(chunks, padded)
			break
		}
		chunks = append(chunks, pcm[off:end:end])
	}
	return chunks
}
