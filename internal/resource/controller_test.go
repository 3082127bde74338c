package resource

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSteppedPenalty(t *testing.T) {
	cases := []struct {
		name string
		avg  float64
		want float64
	}{
		{"below both thresholds", 0.5, 0},
		{"above first only", 0.86, 4},
		{"above both", 0.95, 8},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := steppedPenalty(tc.avg, 0.85, 0.90, 8)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestControllerMemoryPenaltySteps(t *testing.T) {
	thr := Thresholds{
		MaxMemoryScore:   8,
		MaxCPUScore:      8,
		MemoryThreshold1: 0.85,
		MemoryThreshold2: 0.90,
		CPURatioThreshold1: 4,
		CPURatioThreshold2: 6,
	}
	value := 0.95
	c := NewControllerWithReaders(testLogger(), thr,
		func() (float64, error) { return value, nil },
		func() (float64, error) { return 0, nil },
	)

	c.sampleMemory()
	require.Equal(t, 8.0, c.MemoryPenalty())

	value = 0.0
	// The two samples (0.95, 0.0) average 0.475, below threshold 1, so the
	// penalty drops from the maximum.
	c.sampleMemory()
	require.Less(t, c.MemoryPenalty(), 8.0)
}

func TestAvailableCompute(t *testing.T) {
	thr := Thresholds{MaxMemoryScore: 8, MaxCPUScore: 6}
	c := NewControllerWithReaders(testLogger(), thr,
		func() (float64, error) { return 0, nil },
		func() (float64, error) { return 0, nil },
	)
	// No samples taken yet: penalties are zero.
	require.Equal(t, 6.0, c.AvailableCompute(0))
	require.Equal(t, 4.0, c.AvailableCompute(2))
}
