// Package classify implements the typed failure-signature table (spec §7,
// design note "ad-hoc regex tables for corrupt/hw-decode detection"): a
// small, explicit list of {signature, kind} pairs evaluated against
// bounded encoder/probe stderr, replacing scattered regex checks with one
// lookup both the encoder supervisor and the integrity checker share.
package classify

import "strings"

// Kind is the classification of a nonzero-exit encoder/probe failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindCorruption
	KindHWDecodeInit
)

// String renders Kind as the label value the metrics package uses for the
// job_failures_total counter's "kind" dimension.
func (k Kind) String() string {
	switch k {
	case KindCorruption:
		return "corruption"
	case KindHWDecodeInit:
		return "hw_decode_init"
	default:
		return "unknown"
	}
}

// Signature pairs a literal substring match against bounded stderr with
// the failure Kind it indicates.
type Signature struct {
	Pattern string
	Kind    Kind
}

// EncodeFailureSignatures is the corruption/hw-decode signature table from
// spec §7: invalid container/stream data, unsupported codecs/formats,
// decoder crashes, and the hardware-decode init failure code.
var EncodeFailureSignatures = []Signature{
	{"Invalid NAL unit size", KindCorruption},
	{"non-existing PPS", KindCorruption},
	{"unspecified pixel format", KindCorruption},
	{"Unknown decoder", KindCorruption},
	{"Unknown encoder", KindCorruption},
	{"too many packets buffered", KindCorruption},
	{"Invalid data found when processing input", KindCorruption},
	{"could not open encoder before EOF", KindCorruption},
	{"probe command failed", KindCorruption},
	{"Floating point exception", KindCorruption}, // SIGFPE
	{"exit status -22", KindCorruption},
	{"251", KindHWDecodeInit},
}

// Classify scans stderr (already bounded to the last N lines) against
// table in order and returns the first matching Kind, or KindUnknown if
// nothing matches.
func Classify(stderr string, table []Signature) Kind {
	for _, sig := range table {
		if strings.Contains(stderr, sig.Pattern) {
			return sig.Kind
		}
	}
	return KindUnknown
}
