package classify

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyMatchesCorruptionSignature(t *testing.T) {
	stderr := "frame=  100\n[h264 @ 0x55] Invalid NAL unit size\n"
	require.Equal(t, KindCorruption, Classify(stderr, EncodeFailureSignatures))
}

func TestClassifyMatchesHWDecodeInitSignature(t *testing.T) {
	stderr := "Error initializing hw decode context: error code 251\n"
	require.Equal(t, KindHWDecodeInit, Classify(stderr, EncodeFailureSignatures))
}

func TestClassifyReturnsUnknownWhenNoSignatureMatches(t *testing.T) {
	stderr := "frame=  100 fps=24 q=-1.0 size= 1024kB time=00:00:04.00 bitrate=2048kbits/s\n"
	require.Equal(t, KindUnknown, Classify(stderr, EncodeFailureSignatures))
}

func TestClassifyReturnsFirstMatchInTableOrder(t *testing.T) {
	table := []Signature{
		{Pattern: "boom", Kind: KindCorruption},
		{Pattern: "boom", Kind: KindHWDecodeInit},
	}
	require.Equal(t, KindCorruption, Classify("boom", table))
}

func TestKindString(t *testing.T) {
	require.Equal(t, "corruption", KindCorruption.String())
	require.Equal(t, "hw_decode_init", KindHWDecodeInit.String())
	require.Equal(t, "unknown", KindUnknown.String())
}
