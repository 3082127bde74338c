package resource

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/tc-mccarthy/transcode-rig/internal/domain"
)

// atomicFloat is a lock-free float64 box used so the driver loop can read a
// sampler-written penalty without a mutex round trip.
type atomicFloat struct {
	bits atomic.Uint64
}

func (a *atomicFloat) store(v float64) { a.bits.Store(math.Float64bits(v)) }
func (a *atomicFloat) load() float64   { return math.Float64frombits(a.bits.Load()) }

func sampleAt(v float64) domain.ResourceSample {
	return domain.ResourceSample{At: time.Now(), Value: v}
}
