// Package supervisor implements the encoder supervisor (spec §4.3): it
// runs one source-file transcode to completion, streaming progress into
// the scheduler's shared Registry, staging and atomically promoting
// output, and classifying failures.
//
// Grounded on the teacher's hls_encoding.go: the same Start/progress-pipe/
// stderr-capture/cmd.Wait shape, generalized from an on-demand HLS
// transcode owning a single playback session to a batch job owning a
// domain.RunningJob entry in a shared Registry, and from HLS's "keep
// streaming until the viewer stops" lifecycle to "run to completion,
// promote, release the slot."
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/tc-mccarthy/transcode-rig/internal/classify"
	"github.com/tc-mccarthy/transcode-rig/internal/domain"
	"github.com/tc-mccarthy/transcode-rig/internal/metrics"
	"github.com/tc-mccarthy/transcode-rig/internal/planner"
	"github.com/tc-mccarthy/transcode-rig/internal/scheduler"
)

// Catalog is the subset of catalog.Store the supervisor needs.
type Catalog interface {
	FindByID(ctx context.Context, id string) (domain.File, error)
	Upsert(ctx context.Context, f domain.File) error
	UpdateStatus(ctx context.Context, id string, status domain.FileStatus, errInfo *domain.ErrorInfo) error
	MarkIntegrityChecked(ctx context.Context, id string, ok bool) error
	RecordEncodeError(ctx context.Context, rec domain.ErrorRecord) error
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

// Ingest is the subset of ingest.Updater the supervisor needs to refresh
// the catalog for the promoted destination file (spec §4.3 step 9e).
type Ingest interface {
	Update(ctx context.Context, path string, extra map[string]any) error
}

// IntegrityChecker runs the synchronous integrity preflight (spec §4.3
// step 2, delegating to §4.5).
type IntegrityChecker interface {
	CheckSync(ctx context.Context, f domain.File) (ok bool, stderrTail string, err error)
}

// PathResolver maps a source path to a per-mount directory (scratch or
// stage); returning "" means the concern does not apply (e.g. no stage
// directory configured for this source).
type PathResolver func(sourcePath string) string

// Supervisor owns one transcode attempt from admission to catalog update.
type Supervisor struct {
	FFMPEGPath    string
	EncodeVersion string

	Catalog    Catalog
	Ingest     Ingest
	Integrity  IntegrityChecker
	Registry   *scheduler.Registry
	Logger     *slog.Logger

	ScratchDir  PathResolver
	StageDir    PathResolver
	DestDir     PathResolver // defaults to same directory as the source when nil
	TrashFunc   func(path string) error

	StderrRingLines  int
	StageTimeout     time.Duration
	PreflightTimeout time.Duration
}

var _ scheduler.Starter = (*Supervisor)(nil)

// Start launches the job asynchronously; the scheduler never blocks on it.
func (s *Supervisor) Start(ctx context.Context, job domain.JobDescriptor) {
	go s.run(ctx, job)
}

func (s *Supervisor) run(ctx context.Context, job domain.JobDescriptor) {
	defer s.Registry.Delete(job.ID)

	f, err := s.Catalog.FindByID(ctx, job.ID)
	if err != nil {
		s.Logger.Warn("supervisor: load file failed", slog.String("id", job.ID), slog.String("error", err.Error()))
		return
	}

	s.Registry.Set(domain.RunningJob{
		ID: job.ID, Path: f.Path, ComputeScore: job.ComputeScore, SortFields: job.SortFields,
		Action: domain.ActionValidating, RefreshedAt: time.Now().UTC(),
	})

	// Step 1: validate.
	if _, err := os.Stat(f.Path); err != nil {
		s.Logger.Warn("supervisor: source missing, skipping", slog.String("path", f.Path))
		_ = s.Catalog.UpdateStatus(ctx, f.ID, domain.StatusDeleted, nil)
		return
	}
	if f.EncodeVersion == s.EncodeVersion {
		_ = s.Catalog.UpdateStatus(ctx, f.ID, domain.StatusComplete, nil)
		return
	}

	// Step 2: integrity preflight.
	if !f.IntegrityChecked && s.Integrity != nil {
		preflightCtx := ctx
		var cancel context.CancelFunc
		if s.PreflightTimeout > 0 {
			preflightCtx, cancel = context.WithTimeout(ctx, s.PreflightTimeout)
		}
		ok, stderrTail, err := s.Integrity.CheckSync(preflightCtx, f)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			s.recordError(ctx, f, "integrity preflight failed", stderrTail, "")
			return
		}
		if !ok {
			s.handleCorruption(ctx, f)
			return
		}
		f.IntegrityChecked = true
		_ = s.Catalog.MarkIntegrityChecked(ctx, f.ID, true)
	}

	// Step 3: stage (optional).
	input := f.Path
	if s.StageDir != nil {
		if dir := s.StageDir(f.Path); dir != "" {
			stageCtx := ctx
			var cancel context.CancelFunc
			if s.StageTimeout > 0 {
				stageCtx, cancel = context.WithTimeout(ctx, s.StageTimeout)
			}
			staged, err := stageInput(stageCtx, f.Path, dir, func(percent, kbps float64) {
				s.patchProgress(job, domain.ActionStaging, percent, kbps, "", 0, 0)
			})
			if cancel != nil {
				cancel()
			}
			if err != nil {
				s.recordError(ctx, f, "stage copy failed", "", err.Error())
				return
			}
			input = staged
		}
	}

	// Step 4: plan.
	instr, err := planner.Plan(f)
	if err != nil {
		s.Logger.Warn("supervisor: planner rejected file", slog.String("path", f.Path), slog.String("error", err.Error()))
		s.handleCorruption(ctx, f)
		return
	}

	// Step 5/6: build argv and spawn.
	scratchDir := filepath.Dir(f.Path)
	if s.ScratchDir != nil {
		if dir := s.ScratchDir(f.Path); dir != "" {
			scratchDir = dir
		}
	}
	scratchPath := filepath.Join(scratchDir, scratchBasename(f.Path))
	if err := os.MkdirAll(filepath.Dir(scratchPath), 0o755); err != nil {
		s.recordError(ctx, f, "scratch dir unavailable", "", err.Error())
		return
	}

	argv := buildArgv(input, scratchPath, instr, s.EncodeVersion)
	cmd := exec.CommandContext(ctx, s.FFMPEGPath, argv...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.recordError(ctx, f, "ffmpeg stdout pipe failed", "", err.Error())
		return
	}
	stderr := newStderrRing(s.StderrRingLines)
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		s.recordError(ctx, f, "ffmpeg stderr pipe failed", "", err.Error())
		return
	}
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		s.recordError(ctx, f, "ffmpeg failed to start", "", err.Error())
		return
	}

	s.patchState(job, domain.ActionTranscoding, cmd.Process.Pid, strings.Join(argv, " "))

	totalFrames := estimatedTotalFrames(f)
	startedAt := time.Now()
	done := make(chan struct{})
	go func() {
		defer close(done)
		parseProgressStream(stdout, func(p ffmpegProgress) {
			percent, eta, timemark := computeProgress(p, totalFrames, durationSeconds(f), time.Since(startedAt))
			s.patchProgress(job, domain.ActionTranscoding, percent, p.bitrateKbps, timemark, eta, projectedFinalSizeKB(p.totalSizeB, percent))
		})
	}()
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		stderr.consume(stderrPipe)
	}()

	<-done
	<-stderrDone
	waitErr := cmd.Wait()

	if waitErr != nil {
		s.handleFailure(ctx, f, scratchPath, stderr.String(), strings.Join(argv, " "), waitErr)
		return
	}

	metrics.EncodeDuration.Observe(time.Since(startedAt).Seconds())
	s.handleSuccess(ctx, f, scratchPath, job)
}

// handleSuccess implements spec §4.3 step 9.
func (s *Supervisor) handleSuccess(ctx context.Context, f domain.File, scratchPath string, job domain.JobDescriptor) {
	info, err := os.Stat(scratchPath)
	if err != nil || info.Size() == 0 {
		s.recordError(ctx, f, "encoder produced empty or missing output", "", scratchPath)
		return
	}

	destPath := s.destinationFor(f.Path)
	s.patchProgress(job, domain.ActionFinalizing, 0, 0, "", 0, 0)
	if err := promote(ctx, scratchPath, destPath, func(percent, _ float64) {
		s.patchProgress(job, domain.ActionFinalizing, percent, 0, "", 0, 0)
	}); err != nil {
		s.recordError(ctx, f, "promote scratch to destination failed", "", err.Error())
		return
	}

	now := time.Now()
	_ = os.Chtimes(destPath, now, now)

	if destPath != f.Path {
		if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.Logger.Warn("supervisor: failed to remove source after promotion",
				slog.String("path", f.Path), slog.String("error", err.Error()))
		}
	}

	reclaimed := int64(0)
	if srcKB := f.SortFields.Size; srcKB > 0 {
		if destInfo, err := os.Stat(destPath); err == nil {
			reclaimed = srcKB - destInfo.Size()
		}
	}

	if err := s.Ingest.Update(ctx, destPath, map[string]any{"reclaimedSpace": reclaimed}); err != nil {
		s.Logger.Warn("supervisor: post-encode catalog update failed",
			slog.String("path", destPath), slog.String("error", err.Error()))
	}
}

// handleFailure implements spec §4.3 step 10.
func (s *Supervisor) handleFailure(ctx context.Context, f domain.File, scratchPath, stderrTail, cmdline string, waitErr error) {
	defer os.Remove(scratchPath)

	kind := classify.Classify(stderrTail, classify.EncodeFailureSignatures)
	metrics.JobFailuresTotal.WithLabelValues(string(domain.QueueTranscode), kind.String()).Inc()
	switch kind {
	case classify.KindCorruption:
		s.handleCorruption(ctx, f)
		return
	case classify.KindHWDecodeInit:
		f.PermitHWDecode = false
		if err := s.Catalog.Upsert(ctx, f); err != nil {
			s.Logger.Warn("supervisor: failed to persist hw-decode retry flag",
				slog.String("path", f.Path), slog.String("error", err.Error()))
		}
		return
	}

	s.recordError(ctx, f, waitErr.Error(), stderrTail, cmdline)
}

func (s *Supervisor) handleCorruption(ctx context.Context, f domain.File) {
	trash := s.TrashFunc
	if trash == nil {
		trash = func(string) error { return nil }
	}
	if err := trash(f.Path); err != nil {
		s.Logger.Warn("supervisor: trash failed", slog.String("path", f.Path), slog.String("error", err.Error()))
	}
	if _, err := s.Catalog.DeleteByIDs(ctx, []string{f.ID}); err != nil {
		s.Logger.Warn("supervisor: delete corrupt record failed", slog.String("id", f.ID), slog.String("error", err.Error()))
	}
}

func (s *Supervisor) recordError(ctx context.Context, f domain.File, reason, stderrTail, cmdline string) {
	errInfo := &domain.ErrorInfo{Reason: reason, StderrTail: stderrTail, Cmdline: cmdline, OccurredAt: time.Now().UTC()}
	if err := s.Catalog.UpdateStatus(ctx, f.ID, domain.StatusError, errInfo); err != nil {
		s.Logger.Warn("supervisor: failed to record error status", slog.String("id", f.ID), slog.String("error", err.Error()))
	}
	_ = s.Catalog.RecordEncodeError(ctx, domain.ErrorRecord{
		Path: f.Path, Reason: reason, StderrTail: stderrTail, Cmdline: cmdline,
	})
}

func (s *Supervisor) patchState(job domain.JobDescriptor, action domain.JobAction, pid int, cmdline string) {
	s.Registry.Set(domain.RunningJob{
		ID: job.ID, Path: job.Path, ComputeScore: job.ComputeScore, SortFields: job.SortFields,
		Action: action, PID: pid, Cmdline: cmdline, RefreshedAt: time.Now().UTC(),
	})
}

func (s *Supervisor) patchProgress(job domain.JobDescriptor, action domain.JobAction, percent, kbps float64, timemark string, etaSeconds float64, sizeKB int64) {
	s.Registry.Set(domain.RunningJob{
		ID: job.ID, Path: job.Path, ComputeScore: job.ComputeScore, SortFields: job.SortFields,
		Action: action, Percent: percent, CurrentKbps: kbps, Timemark: timemark,
		ETASeconds: etaSeconds, SizeProgressKB: sizeKB, RefreshedAt: time.Now().UTC(),
	})
}

func (s *Supervisor) destinationFor(sourcePath string) string {
	if s.DestDir == nil {
		return sourcePath
	}
	if dir := s.DestDir(sourcePath); dir != "" {
		return filepath.Join(dir, filepath.Base(sourcePath))
	}
	return sourcePath
}

func scratchBasename(sourcePath string) string {
	return slugify(sourcePath) + ".mkv"
}

func estimatedTotalFrames(f domain.File) int64 {
	if f.Probe == nil {
		return 0
	}
	video, ok := f.Probe.VideoTrack()
	if !ok || video.FPS <= 0 {
		return 0
	}
	return int64(video.FPS * f.Probe.DurationSeconds)
}

func durationSeconds(f domain.File) float64 {
	if f.Probe == nil {
		return 0
	}
	return f.Probe.DurationSeconds
}
