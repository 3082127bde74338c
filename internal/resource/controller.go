// Package resource implements the resource-pressure controller (spec §4.2):
// two independent samplers, each maintaining a rolling window, that derive
// a stepped memory/CPU penalty the scheduler reads as plain scalars.
package resource

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Thresholds configures the stepped penalty schedule. The split
// memory/CPU schedule is authoritative per spec.md §9 open questions; a
// historical combined schedule is not implemented.
type Thresholds struct {
	MaxMemoryScore float64
	MaxCPUScore    float64

	MemoryThreshold1 float64 // avg_used fraction; half penalty above this
	MemoryThreshold2 float64 // additional half penalty above this
	CPURatioThreshold1 float64
	CPURatioThreshold2 float64
}

const (
	sampleWindow    = 120 // ~10 minutes at a 5s interval
	defaultInterval = 5 * time.Second
)

// Controller runs the memory and CPU samplers and exposes their current
// penalties as plain reads. Samplers never block the scheduler: Run drives
// both from one ticker loop, sampling memory then CPU on each tick, and
// MemoryPenalty/CPUPenalty read an atomic snapshot.
type Controller struct {
	logger *slog.Logger
	thr    Thresholds
	memory *ring
	cpu    *ring

	readMemory func() (float64, error)
	readCPU    func() (float64, error)

	memPenalty atomicFloat
	cpuPenalty atomicFloat
}

func NewController(logger *slog.Logger, thr Thresholds) *Controller {
	return &Controller{
		logger:     logger,
		thr:        thr,
		memory:     newRing(sampleWindow),
		cpu:        newRing(sampleWindow),
		readMemory: memoryUsedFraction,
		readCPU:    cpuLoadRatio,
	}
}

// NewControllerWithReaders is used by tests to inject deterministic
// memory/CPU sample sources instead of reading /proc.
func NewControllerWithReaders(logger *slog.Logger, thr Thresholds, readMemory, readCPU func() (float64, error)) *Controller {
	c := NewController(logger, thr)
	c.readMemory = readMemory
	c.readCPU = readCPU
	return c
}

// Run starts both samplers on interval and blocks until ctx is cancelled.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sampleMemory()
			c.sampleCPU()
		}
	}
}

func (c *Controller) sampleMemory() {
	used, err := c.readMemory()
	if err != nil {
		c.logger.Warn("resource: memory sample failed", slog.String("error", err.Error()))
		return
	}
	c.memory.add(sampleAt(used))

	avg := c.memory.average()
	penalty := steppedPenalty(avg, c.thr.MemoryThreshold1, c.thr.MemoryThreshold2, c.thr.MaxMemoryScore)
	c.memPenalty.store(penalty)
}

func (c *Controller) sampleCPU() {
	ratio, err := c.readCPU()
	if err != nil {
		c.logger.Warn("resource: cpu sample failed", slog.String("error", err.Error()))
		return
	}
	c.cpu.add(sampleAt(ratio))

	avg := c.cpu.average()
	penalty := steppedPenalty(avg, c.thr.CPURatioThreshold1, c.thr.CPURatioThreshold2, c.thr.MaxCPUScore)
	c.cpuPenalty.store(penalty)
}

// steppedPenalty applies the schedule: half of max when avg exceeds t1,
// the full max when avg also exceeds t2. Capped at max.
func steppedPenalty(avg, t1, t2, max float64) float64 {
	var penalty float64
	if avg > t1 {
		penalty += max / 2
	}
	if avg > t2 {
		penalty += max / 2
	}
	if penalty > max {
		penalty = max
	}
	return penalty
}

// MemoryPenalty returns the current memory penalty. Safe for concurrent
// reads by the scheduler driver.
func (c *Controller) MemoryPenalty() float64 { return c.memPenalty.load() }

// CPUPenalty returns the current CPU penalty.
func (c *Controller) CPUPenalty() float64 { return c.cpuPenalty.load() }

// AvailableCompute returns min(memory headroom, cpu headroom) given the sum
// of currently-running compute scores.
func (c *Controller) AvailableCompute(runningTotal float64) float64 {
	memHeadroom := c.thr.MaxMemoryScore - c.MemoryPenalty() - runningTotal
	cpuHeadroom := c.thr.MaxCPUScore - c.CPUPenalty() - runningTotal
	if memHeadroom < cpuHeadroom {
		return memHeadroom
	}
	return cpuHeadroom
}

// DiskFreeBytes exposes the platform disk-free helper for callers outside
// this package (disk pressure checks, snapshot flushing).
func DiskFreeBytes(path string) (int64, error) { return diskFreeBytes(path) }

// FileAllocatedBytes exposes the platform file-allocation helper, used to
// compute ReclaimedSpace after a destination file is promoted.
func FileAllocatedBytes(info os.FileInfo) int64 { return fileAllocatedBytes(info) }
