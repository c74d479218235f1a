// Package textutil holds the small text transformations shared by the
// conversation pipeline: transcript normalization for comparing speech
// recognition passes, emoji stripping for text sent to speech synthesis, and
// a similarity check for deciding whether two transcription passes heard the
// same utterance.
package textutil

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// fuzzyThreshold is the minimum Jaro-Winkler score at which two normalized
// transcripts count as the same utterance.
const fuzzyThreshold = 0.85

// Normalize lowercases s, collapses whitespace runs to single spaces and
// trims the ends. Two transcription passes of the same audio are compared on
// their normalized forms.
func Normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Equivalent reports whether two transcripts represent the same utterance.
// With fuzzy disabled this is exact equality of the normalized forms; with
// fuzzy enabled, near-identical transcripts (Jaro-Winkler ≥ 0.85) also
// qualify, absorbing punctuation and small decoding differences between
// recognition passes.
func Equivalent(a, b string, fuzzy bool) bool {
	na, nb := Normalize(a), Normalize(b)
	if na == nb {
		return true
	}
	if !fuzzy || na == "" || nb == "" {
		return false
	}
	return matchr.JaroWinkler(na, nb, false) >= fuzzyThreshold
}

// emojiRanges covers the pictographic blocks stripped before synthesis.
// Speech backends read emoji aloud as codepoint names, which sounds broken
// on a phone call.
var emojiRanges = &unicode.RangeTable{
	R16: []unicode.Range16{
		{Lo: 0x2600, Hi: 0x26FF, Stride: 1}, // miscellaneous symbols
		{Lo: 0x2700, Hi: 0x27BF, Stride: 1}, // dingbats
		{Lo: 0xFE00, Hi: 0xFE0F, Stride: 1}, // variation selectors
	},
	R32: []unicode.Range32{
		{Lo: 0x1F1E6, Hi: 0x1F1FF, Stride: 1}, // regional indicators
		{Lo: 0x1F300, Hi: 0x1F5FF, Stride: 1}, // symbols and pictographs
		{Lo: 0x1F600, Hi: 0x1F64F, Stride: 1}, // emoticons
		{Lo: 0x1F680, Hi: 0x1F6FF, Stride: 1}, // transport and map symbols
		{Lo: 0x1F900, Hi: 0x1F9FF, Stride: 1}, // supplemental symbols
		{Lo: 0x1FA70, Hi: 0x1FAFF, Stride: 1}, // symbols extended-A
	},
}

// RemoveEmojis strips pictographic runes and zero-width joiners from s,
// leaving all other text untouched.
func RemoveEmojis(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == 0x200D || unicode.Is(emojiRanges, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
