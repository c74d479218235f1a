package trunk

import (
	"cmp"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	sdp "github.com/pion/sdp/v3"
	"github.com/zaf/g711"
	"layeh.com/gopus"
)

// packetTime is the audio duration carried by one RTP packet. Both G.711 and
// Opus telephony deployments packetize at 20 ms.
const packetTime = 20 * time.Millisecond

// dtmfPayloadType is the payload type we advertise for RFC 4733 telephone
// events. Peers that pick a different number get theirs mirrored back.
const dtmfPayloadType = 101

// opusPCMRate is the PCM rate the Opus transcoder runs at. Opus carries a
// 48 kHz RTP clock regardless of the coded bandwidth, so narrowband encode
// at 16 kHz keeps the pipeline free of a second resample step.
const opusPCMRate = 16000

// codecDef describes one codec the media stack can transcode. key is the
// codecs_priority map form ("NAME/clockrate"), payload the type used in our
// offers; negotiation replaces it with the peer's pick for dynamic codecs.
type codecDef struct {
	name     string
	key      string
	payload  uint8
	clock    int
	pcmRate  int
	channels int
	basePri  int
}

var codecTable = []codecDef{
	{name: "opus", key: "opus/48000", payload: 96, clock: 48000, pcmRate: opusPCMRate, channels: 2, basePri: 130},
	{name: "PCMU", key: "PCMU/8000", payload: 0, clock: 8000, pcmRate: 8000, channels: 1, basePri: 129},
	{name: "PCMA", key: "PCMA/8000", payload: 8, clock: 8000, pcmRate: 8000, channels: 1, basePri: 128},
}

// ticksPerPacket returns the RTP timestamp advance of one packet.
func (c codecDef) ticksPerPacket() uint32 {
	return uint32(c.clock / 50)
}

// pcmBytesPerPacket returns the PCM byte count of one packet at the codec's
// transcoder rate.
func (c codecDef) pcmBytesPerPacket() int {
	return c.pcmRate / 50 * 2
}

// matches reports whether an rtpmap entry denotes this codec.
func (c codecDef) matches(name string, clock int) bool {
	return strings.EqualFold(c.name, name) && c.clock == clock
}

// orderedCodecs resolves the configured priority map against the built-in
// codec table: higher value first, zero disables, absent keys keep their
// built-in rank. Keys naming codecs the stack cannot transcode are dropped.
func orderedCodecs(priorities map[string]int) []codecDef {
	out := make([]codecDef, 0, len(codecTable))
	rank := make(map[string]int, len(codecTable))
	for _, c := range codecTable {
		pri := c.basePri
		if p, ok := priorities[c.key]; ok {
			pri = p
		}
		if pri <= 0 {
			continue
		}
		rank[c.key] = pri
		out = append(out, c)
	}
	slices.SortStableFunc(out, func(a, b codecDef) int {
		return cmp.Compare(rank[b.key], rank[a.key])
	})
	return out
}

// codecSelection is the outcome of an SDP offer/answer exchange: the audio
// codec to run and, when the peer supports it, the telephone-event payload
// type for out-of-band DTMF.
type codecSelection struct {
	codec   codecDef
	dtmfPT  uint8
	hasDTMF bool
}

// ─── SDP construction ───────────────────────────────────────────────────────

// buildSDP renders a session description advertising the given codecs plus a
// telephone-event line. Used for both offers (full codec list) and answers
// (the single selected codec).
func buildSDP(localIP string, rtpPort int, codecs []codecDef, dtmfPT uint8, withDTMF bool) ([]byte, error) {
	now := time.Now().Unix()
	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(now),
			SessionVersion: uint64(now),
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: localIP,
		},
		SessionName: "sipvox",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: localIP},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: rtpPort},
			Protos: []string{"RTP", "AVP"},
		},
		Attributes: []sdp.Attribute{
			{Key: "sendrecv"},
		},
	}

	formats := make([]string, 0, len(codecs)+1)
	for _, c := range codecs {
		formats = append(formats, strconv.Itoa(int(c.payload)))
		media = media.WithCodec(c.payload, c.name, uint32(c.clock), uint16(c.channels), "")
	}
	if withDTMF {
		formats = append(formats, strconv.Itoa(int(dtmfPT)))
		media = media.WithCodec(dtmfPT, "telephone-event", 8000, 1, "0-16")
	}
	media.MediaName.Formats = formats
	sd.MediaDescriptions = []*sdp.MediaDescription{media}

	return sd.Marshal()
}

// buildOffer renders the SDP offer for an outbound call.
func buildOffer(localIP string, rtpPort int, priorities map[string]int) ([]byte, error) {
	codecs := orderedCodecs(priorities)
	if len(codecs) == 0 {
		return nil, fmt.Errorf("trunk: no codecs enabled")
	}
	return buildSDP(localIP, rtpPort, codecs, dtmfPayloadType, true)
}

// buildAnswer renders the SDP answer for an accepted inbound call.
func buildAnswer(localIP string, rtpPort int, sel codecSelection) ([]byte, error) {
	return buildSDP(localIP, rtpPort, []codecDef{sel.codec}, sel.dtmfPT, sel.hasDTMF)
}

// ─── SDP negotiation ────────────────────────────────────────────────────────

// remoteFormat is one payload type the peer listed, resolved to a codec name
// and clock rate where possible.
type remoteFormat struct {
	payload uint8
	name    string
	clock   int
}

// parseRemoteSDP extracts the peer's audio formats and RTP address.
func parseRemoteSDP(raw []byte) ([]remoteFormat, *net.UDPAddr, error) {
	if len(raw) == 0 {
		return nil, nil, fmt.Errorf("trunk: peer sent no session description")
	}
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(raw); err != nil {
		return nil, nil, fmt.Errorf("trunk: parse sdp: %w", err)
	}

	var media *sdp.MediaDescription
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media == "audio" && md.MediaName.Port.Value > 0 {
			media = md
			break
		}
	}
	if media == nil {
		return nil, nil, fmt.Errorf("trunk: no audio media in sdp")
	}

	host := ""
	if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		host = sd.ConnectionInformation.Address.Address
	}
	if media.ConnectionInformation != nil && media.ConnectionInformation.Address != nil {
		host = media.ConnectionInformation.Address.Address
	}
	if host == "" {
		return nil, nil, fmt.Errorf("trunk: no connection address in sdp")
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(media.MediaName.Port.Value)))
	if err != nil {
		return nil, nil, fmt.Errorf("trunk: resolve rtp address: %w", err)
	}

	formats := make([]remoteFormat, 0, len(media.MediaName.Formats))
	for _, f := range media.MediaName.Formats {
		pt, err := strconv.Atoi(f)
		if err != nil || pt < 0 || pt > 127 {
			continue
		}
		rf := remoteFormat{payload: uint8(pt)}
		// Static G.711 payload types are valid without an rtpmap line.
		switch pt {
		case 0:
			rf.name, rf.clock = "PCMU", 8000
		case 8:
			rf.name, rf.clock = "PCMA", 8000
		default:
			codec, err := sd.GetCodecForPayloadType(uint8(pt))
			if err != nil {
				continue
			}
			rf.name, rf.clock = codec.Name, int(codec.ClockRate)
		}
		formats = append(formats, rf)
	}
	return formats, addr, nil
}

// dtmfFormat returns the peer's telephone-event payload type, if any.
func dtmfFormat(formats []remoteFormat) (uint8, bool) {
	for _, f := range formats {
		if strings.EqualFold(f.name, "telephone-event") {
			return f.payload, true
		}
	}
	return 0, false
}

// negotiateFromOffer picks the answer codec for an inbound call: our highest
// configured priority among the codecs the peer offered. The peer's payload
// type numbering is mirrored so both directions use one mapping.
func negotiateFromOffer(offer []byte, priorities map[string]int) (codecSelection, *net.UDPAddr, error) {
	formats, addr, err := parseRemoteSDP(offer)
	if err != nil {
		return codecSelection{}, nil, err
	}
	for _, c := range orderedCodecs(priorities) {
		for _, f := range formats {
			if !c.matches(f.name, f.clock) {
				continue
			}
			sel := codecSelection{codec: c}
			sel.codec.payload = f.payload
			sel.dtmfPT, sel.hasDTMF = dtmfFormat(formats)
			return sel, addr, nil
		}
	}
	return codecSelection{}, nil, fmt.Errorf("trunk: no common codec in offer")
}

// negotiateFromAnswer adopts the peer's codec choice for an outbound call:
// the first format of the answer that the stack can transcode wins.
func negotiateFromAnswer(answer []byte, priorities map[string]int) (codecSelection, *net.UDPAddr, error) {
	formats, addr, err := parseRemoteSDP(answer)
	if err != nil {
		return codecSelection{}, nil, err
	}
	enabled := orderedCodecs(priorities)
	for _, f := range formats {
		for _, c := range enabled {
			if !c.matches(f.name, f.clock) {
				continue
			}
			sel := codecSelection{codec: c}
			sel.codec.payload = f.payload
			sel.dtmfPT, sel.hasDTMF = dtmfFormat(formats)
			return sel, addr, nil
		}
	}
	return codecSelection{}, nil, fmt.Errorf("trunk: no usable codec in answer")
}

// ─── Transcoders ────────────────────────────────────────────────────────────

// transcoder converts between 16-bit LPCM at the codec's PCM rate and the
// codec's RTP payload. Implementations are safe for concurrent use.
type transcoder interface {
	encode(pcm []byte) ([]byte, error)
	decode(payload []byte) ([]byte, error)
}

func newTranscoder(c codecDef) (transcoder, error) {
	switch c.name {
	case "PCMU":
		return g711Codec{mulaw: true}, nil
	case "PCMA":
		return g711Codec{}, nil
	case "opus":
		return newOpusCodec(c.pcmRate)
	}
	return nil, fmt.Errorf("trunk: no transcoder for codec %q", c.name)
}

// g711Codec transcodes G.711 µ-law or A-law. Stateless.
type g711Codec struct {
	mulaw bool
}

func (g g711Codec) encode(pcm []byte) ([]byte, error) {
	if g.mulaw {
		return g711.EncodeUlaw(pcm), nil
	}
	return g711.EncodeAlaw(pcm), nil
}

func (g g711Codec) decode(payload []byte) ([]byte, error) {
	if g.mulaw {
		return g711.DecodeUlaw(payload), nil
	}
	return g711.DecodeAlaw(payload), nil
}

// opusCodec transcodes mono Opus. Encoder and decoder carry state across
// packets, so each direction gets its own lock.
type opusCodec struct {
	encMu sync.Mutex
	enc   *gopus.Encoder
	decMu sync.Mutex
	dec   *gopus.Decoder
	frame int
}

func newOpusCodec(pcmRate int) (*opusCodec, error) {
	enc, err := gopus.NewEncoder(pcmRate, 1, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("trunk: create opus encoder: %w", err)
	}
	dec, err := gopus.NewDecoder(pcmRate, 1)
	if err != nil {
		return nil, fmt.Errorf("trunk: create opus decoder: %w", err)
	}
	return &opusCodec{enc: enc, dec: dec, frame: pcmRate / 50}, nil
}

func (o *opusCodec) encode(pcm []byte) ([]byte, error) {
	o.encMu.Lock()
	defer o.encMu.Unlock()
	out, err := o.enc.Encode(bytesToInt16s(pcm), o.frame, len(pcm))
	if err != nil {
		return nil, fmt.Errorf("trunk: opus encode: %w", err)
	}
	return out, nil
}

func (o *opusCodec) decode(payload []byte) ([]byte, error) {
	o.decMu.Lock()
	defer o.decMu.Unlock()
	pcm, err := o.dec.Decode(payload, o.frame, false)
	if err != nil {
		return nil, fmt.Errorf("trunk: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// int16sToBytes converts PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// bytesToInt16s converts little-endian bytes to PCM samples.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
