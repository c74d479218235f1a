package trunk

import (
	"strings"
	"testing"
)

// sdpLines joins SDP lines with CRLF the way a SIP peer would send them.
func sdpLines(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

// TestOrderedCodecs_PriorityResolution verifies how the configured priority
// map reshapes the built-in codec ranking.
func TestOrderedCodecs_PriorityResolution(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		priorities map[string]int
		want       []string
	}{
		{
			name: "defaults",
			want: []string{"opus", "PCMU", "PCMA"},
		},
		{
			name:       "override reorders",
			priorities: map[string]int{"PCMA/8000": 200},
			want:       []string{"PCMA", "opus", "PCMU"},
		},
		{
			name:       "zero disables",
			priorities: map[string]int{"opus/48000": 0},
			want:       []string{"PCMU", "PCMA"},
		},
		{
			name:       "negative disables",
			priorities: map[string]int{"opus/48000": -1, "PCMU/8000": -1},
			want:       []string{"PCMA"},
		},
		{
			name:       "unsupported keys are dropped",
			priorities: map[string]int{"G722/16000": 250, "opus/48000": 10},
			want:       []string{"opus", "PCMU", "PCMA"},
		},
		{
			name:       "all disabled",
			priorities: map[string]int{"opus/48000": 0, "PCMU/8000": 0, "PCMA/8000": 0},
			want:       nil,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := orderedCodecs(tc.priorities)
			if len(got) != len(tc.want) {
				t.Fatalf("got %d codecs, want %d", len(got), len(tc.want))
			}
			for i, c := range got {
				if c.name != tc.want[i] {
					t.Errorf("codec[%d] = %s, want %s", i, c.name, tc.want[i])
				}
			}
		})
	}
}

// TestCodecGeometry pins the per-packet timestamp and PCM sizes the RTP
// sender relies on.
func TestCodecGeometry(t *testing.T) {
	t.Parallel()

	for _, c := range codecTable {
		switch c.name {
		case "opus":
			if ticks := c.ticksPerPacket(); ticks != 960 {
				t.Errorf("opus ticks per packet = %d, want 960", ticks)
			}
			if n := c.pcmBytesPerPacket(); n != 640 {
				t.Errorf("opus pcm bytes per packet = %d, want 640", n)
			}
		case "PCMU", "PCMA":
			if ticks := c.ticksPerPacket(); ticks != 160 {
				t.Errorf("%s ticks per packet = %d, want 160", c.name, ticks)
			}
			if n := c.pcmBytesPerPacket(); n != 320 {
				t.Errorf("%s pcm bytes per packet = %d, want 320", c.name, n)
			}
		}
	}
}

// TestBuildOffer_NoCodecs verifies that disabling every codec makes the
// offer fail instead of producing an audio-less session.
func TestBuildOffer_NoCodecs(t *testing.T) {
	t.Parallel()

	off := map[string]int{"opus/48000": 0, "PCMU/8000": 0, "PCMA/8000": 0}
	if _, err := buildOffer("10.0.0.1", 4000, off); err == nil {
		t.Fatal("buildOffer succeeded with all codecs disabled")
	}
}

// TestNegotiateFromOffer covers the answer-side codec pick: our priority
// order against the peer's formats, payload type mirroring and the
// telephone-event lookup.
func TestNegotiateFromOffer(t *testing.T) {
	t.Parallel()

	t.Run("static g711 without rtpmap", func(t *testing.T) {
		t.Parallel()
		offer := sdpLines(
			"v=0",
			"o=- 123 123 IN IP4 192.0.2.10",
			"s=-",
			"c=IN IP4 192.0.2.10",
			"t=0 0",
			"m=audio 4000 RTP/AVP 0",
		)
		sel, addr, err := negotiateFromOffer(offer, nil)
		if err != nil {
			t.Fatalf("negotiateFromOffer: %v", err)
		}
		if sel.codec.name != "PCMU" || sel.codec.payload != 0 {
			t.Errorf("selected %s/%d, want PCMU/0", sel.codec.name, sel.codec.payload)
		}
		if sel.hasDTMF {
			t.Error("hasDTMF = true for an offer without telephone-event")
		}
		if got := addr.String(); got != "192.0.2.10:4000" {
			t.Errorf("remote address = %s, want 192.0.2.10:4000", got)
		}
	})

	t.Run("dynamic payload type is mirrored", func(t *testing.T) {
		t.Parallel()
		offer := sdpLines(
			"v=0",
			"o=- 123 123 IN IP4 192.0.2.10",
			"s=-",
			"c=IN IP4 192.0.2.10",
			"t=0 0",
			"m=audio 4000 RTP/AVP 111 0 97",
			"a=rtpmap:111 opus/48000/2",
			"a=rtpmap:97 telephone-event/8000",
			"a=fmtp:97 0-16",
		)
		sel, _, err := negotiateFromOffer(offer, nil)
		if err != nil {
			t.Fatalf("negotiateFromOffer: %v", err)
		}
		if sel.codec.name != "opus" || sel.codec.payload != 111 {
			t.Errorf("selected %s/%d, want opus/111", sel.codec.name, sel.codec.payload)
		}
		if !sel.hasDTMF || sel.dtmfPT != 97 {
			t.Errorf("dtmf = (%v, %d), want (true, 97)", sel.hasDTMF, sel.dtmfPT)
		}
	})

	t.Run("configured priority wins over offer order", func(t *testing.T) {
		t.Parallel()
		offer := sdpLines(
			"v=0",
			"o=- 123 123 IN IP4 192.0.2.10",
			"s=-",
			"c=IN IP4 192.0.2.10",
			"t=0 0",
			"m=audio 4000 RTP/AVP 0 8",
		)
		sel, _, err := negotiateFromOffer(offer, map[string]int{"PCMA/8000": 200})
		if err != nil {
			t.Fatalf("negotiateFromOffer: %v", err)
		}
		if sel.codec.name != "PCMA" || sel.codec.payload != 8 {
			t.Errorf("selected %s/%d, want PCMA/8", sel.codec.name, sel.codec.payload)
		}
	})

	t.Run("media-level connection overrides session-level", func(t *testing.T) {
		t.Parallel()
		offer := sdpLines(
			"v=0",
			"o=- 123 123 IN IP4 192.0.2.10",
			"s=-",
			"c=IN IP4 192.0.2.10",
			"t=0 0",
			"m=audio 4000 RTP/AVP 0",
			"c=IN IP4 198.51.100.7",
		)
		_, addr, err := negotiateFromOffer(offer, nil)
		if err != nil {
			t.Fatalf("negotiateFromOffer: %v", err)
		}
		if got := addr.String(); got != "198.51.100.7:4000" {
			t.Errorf("remote address = %s, want 198.51.100.7:4000", got)
		}
	})

	t.Run("no common codec", func(t *testing.T) {
		t.Parallel()
		offer := sdpLines(
			"v=0",
			"o=- 123 123 IN IP4 192.0.2.10",
			"s=-",
			"c=IN IP4 192.0.2.10",
			"t=0 0",
			"m=audio 4000 RTP/AVP 18",
			"a=rtpmap:18 G729/8000",
		)
		if _, _, err := negotiateFromOffer(offer, nil); err == nil {
			t.Fatal("negotiateFromOffer succeeded with no shared codec")
		}
	})

	t.Run("empty body", func(t *testing.T) {
		t.Parallel()
		if _, _, err := negotiateFromOffer(nil, nil); err == nil {
			t.Fatal("negotiateFromOffer succeeded on empty body")
		}
	})
}

// TestNegotiateFromAnswer verifies the caller side adopts the peer's pick:
// the answer's first supported format wins regardless of local ranking.
func TestNegotiateFromAnswer(t *testing.T) {
	t.Parallel()

	answer := sdpLines(
		"v=0",
		"o=- 55 55 IN IP4 203.0.113.2",
		"s=-",
		"c=IN IP4 203.0.113.2",
		"t=0 0",
		"m=audio 6002 RTP/AVP 8 111",
		"a=rtpmap:111 opus/48000/2",
	)
	sel, addr, err := negotiateFromAnswer(answer, nil)
	if err != nil {
		t.Fatalf("negotiateFromAnswer: %v", err)
	}
	if sel.codec.name != "PCMA" || sel.codec.payload != 8 {
		t.Errorf("selected %s/%d, want PCMA/8", sel.codec.name, sel.codec.payload)
	}
	if got := addr.String(); got != "203.0.113.2:6002" {
		t.Errorf("remote address = %s, want 203.0.113.2:6002", got)
	}
}

// TestOfferAnswersItself verifies a peer running the same stack can answer
// our own offer: top-priority codec selected, telephone-event present.
func TestOfferAnswersItself(t *testing.T) {
	t.Parallel()

	offer, err := buildOffer("10.1.2.3", 5004, nil)
	if err != nil {
		t.Fatalf("buildOffer: %v", err)
	}
	sel, addr, err := negotiateFromOffer(offer, nil)
	if err != nil {
		t.Fatalf("negotiateFromOffer on own offer: %v", err)
	}
	if sel.codec.name != "opus" {
		t.Errorf("selected %s, want opus", sel.codec.name)
	}
	if !sel.hasDTMF || sel.dtmfPT != dtmfPayloadType {
		t.Errorf("dtmf = (%v, %d), want (true, %d)", sel.hasDTMF, sel.dtmfPT, dtmfPayloadType)
	}
	if got := addr.String(); got != "10.1.2.3:5004" {
		t.Errorf("remote address = %s, want 10.1.2.3:5004", got)
	}
}

// TestG711Transcoder verifies byte geometry and sign preservation for both
// µ-law and A-law paths.
func TestG711Transcoder(t *testing.T) {
	t.Parallel()

	pcm := make([]byte, 320)
	for i := 0; i < len(pcm); i += 4 {
		// Alternate +8000 / -8000 samples.
		pcm[i], pcm[i+1] = 0x40, 0x1f
		pcm[i+2], pcm[i+3] = 0xc0, 0xe0
	}

	for _, name := range []string{"PCMU", "PCMA"} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			var def codecDef
			for _, c := range codecTable {
				if c.name == name {
					def = c
				}
			}
			tc, err := newTranscoder(def)
			if err != nil {
				t.Fatalf("newTranscoder: %v", err)
			}
			enc, err := tc.encode(pcm)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if len(enc) != 160 {
				t.Fatalf("encoded length = %d, want 160", len(enc))
			}
			dec, err := tc.decode(enc)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(dec) != 320 {
				t.Fatalf("decoded length = %d, want 320", len(dec))
			}
			samples := bytesToInt16s(dec)
			if samples[0] <= 0 || samples[1] >= 0 {
				t.Errorf("decoded signs = (%d, %d), want (+, -)", samples[0], samples[1])
			}
		})
	}
}

// TestPCMConversionRoundtrip pins the int16/byte helpers against each other.
func TestPCMConversionRoundtrip(t *testing.T) {
	t.Parallel()

	in := []int16{0, 1, -1, 32767, -32768, 12345, -12345}
	out := bytesToInt16s(int16sToBytes(in))
	if len(out) != len(in) {
		t.Fatalf("roundtrip length = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("sample %d = %d, want %d", i, out[i], in[i])
		}
	}
}
