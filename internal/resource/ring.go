package resource

import (
	"sync"

	"github.com/tc-mccarthy/transcode-rig/internal/domain"
)

// ring is a fixed-capacity rolling window of samples. It is safe for
// concurrent use: one sampler goroutine appends, the driver loop reads an
// average.
type ring struct {
	mu       sync.RWMutex
	samples  []domain.ResourceSample
	capacity int
}

func newRing(capacity int) *ring {
	return &ring{capacity: capacity, samples: make([]domain.ResourceSample, 0, capacity)}
}

func (r *ring) add(s domain.ResourceSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.samples) >= r.capacity {
		// Drop the oldest sample; shift is acceptable at this capacity (~120).
		r.samples = append(r.samples[1:], s)
		return
	}
	r.samples = append(r.samples, s)
}

func (r *ring) average() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range r.samples {
		sum += s.Value
	}
	return sum / float64(len(r.samples))
}

func (r *ring) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.samples)
}
