// Package scheduler implements the dual-pool adaptive scheduler (spec §4.1):
// one cooperative admission loop per queue (transcode, integrity) that
// fits running jobs within the resource controller's current headroom
// while honoring priority ordering and guarding against starvation.
//
// Grounded on the teacher's anacrolix engine.go: a mutex-guarded map of
// live sessions read via RLock-protected snapshots, a single background
// loop driven by a ticker (idleReaper), and structured slog logging at
// state transitions. The admission/backoff/starvation logic itself has no
// direct teacher analogue (the teacher's engine manages torrent session
// state, not a bin-packing queue) and is authored from spec.md §4.1's
// numbered algorithm.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tc-mccarthy/transcode-rig/internal/domain"
	"github.com/tc-mccarthy/transcode-rig/internal/metrics"
)

const (
	basePollDelay           = 1 * time.Second
	maxPollDelay            = 15 * time.Second
	pollBackoffFactor       = 1.5
	starvationSkipThreshold = 5
	defaultFetchLimit       = 50
)

// ResourceController is the subset of resource.Controller the scheduler
// needs: a read-only headroom computation given the sum of running scores.
type ResourceController interface {
	AvailableCompute(runningTotal float64) float64
}

// CandidateSource fetches lean, projected job descriptors for one queue,
// already sorted by sort_fields.priority ascending then size/width, and
// excluding the given running IDs (spec §4.6).
type CandidateSource interface {
	FetchCandidates(ctx context.Context, excludeIDs []string, limit int) ([]domain.JobDescriptor, error)
}

// Starter launches an admitted job asynchronously. It owns registering and
// deregistering the job in the Registry; the scheduler only decides what
// to admit, never writes job state itself.
type Starter interface {
	Start(ctx context.Context, job domain.JobDescriptor)
}

// Registry is the shared, mutex-guarded table of in-flight jobs. Only the
// owning supervisor writes its own entry; the scheduler and snapshot
// flusher only ever read a Snapshot. Grounded on the teacher's Engine
// sessions/modes maps guarded by a single RWMutex.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]domain.RunningJob
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]domain.RunningJob)}
}

// Set inserts or replaces the running-job entry for job.ID. Called only by
// the supervisor that owns the job.
func (r *Registry) Set(job domain.RunningJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
}

// Delete removes a job entry, called by its owning supervisor on exit.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, id)
}

// Snapshot returns a copy of all running jobs.
func (r *Registry) Snapshot() []domain.RunningJob {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.RunningJob, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	return out
}

// IDs returns the IDs of all running jobs, used as the candidate
// generator's exclusion set.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.jobs))
	for id := range r.jobs {
		out = append(out, id)
	}
	return out
}

func (r *Registry) sumComputeScore() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total float64
	for _, j := range r.jobs {
		total += j.ComputeScore
	}
	return total
}

// EvictStale removes any running-job entry whose RefreshedAt is older than
// maxAge (spec §5: a stalled entry "is considered stalled and removed from
// the in-memory set"). It returns the evicted IDs so the caller can log
// them; no catalog write happens here, matching the spec's silence on
// reconciling catalog state for an evicted entry.
func (r *Registry) EvictStale(maxAge time.Duration) []string {
	cutoff := time.Now().Add(-maxAge)
	r.mu.Lock()
	defer r.mu.Unlock()
	var evicted []string
	for id, j := range r.jobs {
		if j.RefreshedAt.Before(cutoff) {
			delete(r.jobs, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// anyIOStage reports whether any running job is in a disk-contending
// stage (staging the source copy or finalizing the promoted destination).
func (r *Registry) anyIOStage() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, j := range r.jobs {
		if j.Action == domain.ActionStaging || j.Action == domain.ActionFinalizing {
			return true
		}
	}
	return false
}

// Scheduler runs one admission loop for one queue (transcode or
// integrity). It is not safe to call Start concurrently with itself; Stop
// blocks until the loop has exited.
type Scheduler struct {
	kind       domain.QueueKind
	logger     *slog.Logger
	resource   ResourceController
	candidates CandidateSource
	starter    Starter
	registry   *Registry
	fetchLimit int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// Driver-owned state: touched only from the run goroutine, so no lock
	// is needed once the loop is running.
	pollDelay       time.Duration
	blockedLeader   string
	starvationCount int
}

func New(kind domain.QueueKind, logger *slog.Logger, rc ResourceController, candidates CandidateSource, starter Starter, registry *Registry) *Scheduler {
	return &Scheduler{
		kind:       kind,
		logger:     logger,
		resource:   rc,
		candidates: candidates,
		starter:    starter,
		registry:   registry,
		fetchLimit: defaultFetchLimit,
		pollDelay:  basePollDelay,
	}
}

// Start begins the main loop in a background goroutine; idempotent if
// already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.run(loopCtx, done)
}

// Stop halts admission of new work and waits for the loop to exit.
// In-flight jobs are left to drain by their owning supervisors; Stop does
// not touch the Registry.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
}

// AvailableCompute returns the current headroom: min(memory, cpu)
// remaining after the sum of running compute scores.
func (s *Scheduler) AvailableCompute() float64 {
	return s.resource.AvailableCompute(s.registry.sumComputeScore())
}

// RunningJobs returns a snapshot of the jobs currently in flight for this
// queue.
func (s *Scheduler) RunningJobs() []domain.RunningJob {
	return s.registry.Snapshot()
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if s.tick(ctx) {
			s.pollDelay = basePollDelay
		} else {
			s.pollDelay = growPollDelay(s.pollDelay)
		}
		metrics.SchedulerPollDelaySeconds.WithLabelValues(string(s.kind)).Set(s.pollDelay.Seconds())

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.pollDelay):
		}
	}
}

func growPollDelay(d time.Duration) time.Duration {
	d = time.Duration(float64(d) * pollBackoffFactor)
	if d > maxPollDelay {
		d = maxPollDelay
	}
	return d
}

// tick runs one pass of the main loop (spec §4.1 steps 1-8) and reports
// whether a job was admitted.
func (s *Scheduler) tick(ctx context.Context) bool {
	headroom := s.AvailableCompute()
	if headroom <= 0 {
		return false
	}

	// Step 7: no new admissions while any running job is in an I/O stage.
	if s.registry.anyIOStage() {
		return false
	}

	excludeIDs := s.registry.IDs()
	candidates, err := s.candidates.FetchCandidates(ctx, excludeIDs, s.fetchLimit)
	if err != nil {
		s.logger.Warn("scheduler: candidate fetch failed",
			slog.String("queue", string(s.kind)), slog.String("error", err.Error()))
		return false
	}
	if len(candidates) == 0 {
		return false
	}

	leader := leaderCandidate(candidates, headroom)
	s.updateStarvation(leader)

	selected := s.selectCandidate(candidates, headroom, leader)
	if selected == nil {
		return false
	}

	metrics.JobStartsTotal.WithLabelValues(string(s.kind)).Inc()
	s.starter.Start(ctx, *selected)
	return true
}

// leaderCandidate returns the highest-priority candidate (candidates is
// assumed sorted by priority ascending) whose compute_score exceeds
// headroom, or nil if every candidate already fits.
func leaderCandidate(candidates []domain.JobDescriptor, headroom float64) *domain.JobDescriptor {
	for i := range candidates {
		if candidates[i].ComputeScore > headroom {
			return &candidates[i]
		}
	}
	return nil
}

func (s *Scheduler) updateStarvation(leader *domain.JobDescriptor) {
	if leader == nil {
		s.blockedLeader = ""
		s.starvationCount = 0
		return
	}
	if leader.ID == s.blockedLeader {
		s.starvationCount++
	} else {
		s.blockedLeader = leader.ID
		s.starvationCount = 0
	}
}

// selectCandidate picks the next candidate to admit (spec §4.1 step 6 and
// the §8 testable invariant it must satisfy): it must fit headroom, and a
// candidate with worse priority than the blocked leader is held back
// until either the leader clears or the starvation counter reaches the
// skip threshold — at which point priority ordering is set aside so the
// smaller, worse-priority candidates can finally drain instead of
// deadlocking behind a leader that never fits.
func (s *Scheduler) selectCandidate(candidates []domain.JobDescriptor, headroom float64, leader *domain.JobDescriptor) *domain.JobDescriptor {
	for i := range candidates {
		c := &candidates[i]
		if c.ComputeScore > headroom {
			continue
		}
		if leader != nil && c.SortFields.Priority > leader.SortFields.Priority {
			if s.starvationCount < starvationSkipThreshold {
				continue
			}
			metrics.StarvationSkipsTotal.Inc()
		}
		return c
	}
	return nil
}
