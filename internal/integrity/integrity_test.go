package integrity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilterExceptionsSubtractsBenignLines(t *testing.T) {
	stderr := "deprecated pixel format used\n" +
		"Unsupported codec_tag some/thing\n" +
		"Invalid NAL unit size\n"
	residual := filterExceptions(stderr, exceptionList)
	require.Equal(t, "Invalid NAL unit size", residual)
}

func TestFilterExceptionsEmptyWhenEverythingBenign(t *testing.T) {
	stderr := "Stream discarded\ndecode_slice_header error\n\n"
	require.Empty(t, filterExceptions(stderr, exceptionList))
}

func TestFilterExceptionsKeepsUnrecognizedLinesVerbatim(t *testing.T) {
	stderr := "\nsome brand new unrecognized failure\n"
	require.Equal(t, "some brand new unrecognized failure", filterExceptions(stderr, exceptionList))
}

func TestMatchesAnyIsSubstringMatch(t *testing.T) {
	require.True(t, matchesAny("prefix Could not find codec parameters suffix", exceptionList))
	require.False(t, matchesAny("totally unrelated text", exceptionList))
}
