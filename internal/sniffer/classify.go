package sniffer

import (
	"strings"

	"github.com/amoylab/keyrelay/internal/common/cnst"
)

type signature struct {
	typ   cnst.ManifestType
	match func(lower string) bool
}

// signatures in priority order
var signatures = []signature{
	{cnst.ManifestDASH, func(s string) bool {
		return strings.Contains(s, "<mpd") && strings.Contains(s, "</mpd>")
	}},
	{cnst.ManifestHLSMaster, func(s string) bool {
		return strings.Contains(s, "#extm3u") && strings.Contains(s, "#ext-x-stream-inf")
	}},
	{cnst.ManifestHLSPlaylist, func(s string) bool {
		return strings.Contains(s, "#extm3u") && !strings.Contains(s, "#ext-x-stream-inf")
	}},
	{cnst.ManifestMSS, func(s string) bool {
		return strings.Contains(s, "<smoothstreamingmedia") && strings.Contains(s, "</smoothstreamingmedia>")
	}},
}

// Matches returns every manifest type whose signature text carries, in
// priority order. Matching is case insensitive.
func Matches(text string) []cnst.ManifestType {
	lower := strings.ToLower(text)
	var out []cnst.ManifestType
	for _, sig := range signatures {
		if sig.match(lower) {
			out = append(out, sig.typ)
		}
	}
	return out
}

// Classify returns the highest priority match: DASH, then HLS, then MSS
func Classify(text string) (cnst.ManifestType, bool) {
	m := Matches(text)
	if len(m) == 0 {
		return "", false
	}
	return m[0], true
}
