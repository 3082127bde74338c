// Package integrity implements the integrity checker (spec §4.5): a
// validate-only encoder run that stream-copies every mapped stream into a
// null muxer (-c copy: packets are demuxed and remuxed, not decoded) and
// discards output, checking stderr against a curated exception list of
// benign messages.
//
// Grounded on the teacher's hls_encoding.go spawn/stderr-capture shape,
// generalized from "encode and stream" to "decode and discard," and on
// disk_pressure.go's lock-guarded ticker loop for the per-file TTL lock
// that keeps two workers from checking the same path at once.
package integrity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/tc-mccarthy/transcode-rig/internal/classify"
	"github.com/tc-mccarthy/transcode-rig/internal/domain"
	"github.com/tc-mccarthy/transcode-rig/internal/metrics"
	"github.com/tc-mccarthy/transcode-rig/internal/scheduler"
)

// Catalog is the subset of catalog.Store the integrity checker needs.
type Catalog interface {
	FindByID(ctx context.Context, id string) (domain.File, error)
	MarkIntegrityChecked(ctx context.Context, id string, ok bool) error
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
	RecordIntegrityError(ctx context.Context, rec domain.ErrorRecord) error
}

// Locker guards a single path so at most one worker integrity-checks it at
// a time (spec §4.5's "locks are used to ensure a given file is
// integrity-checked by at most one worker at a time", backed by kv.Store's
// TTL SET NX).
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

// exceptionList is the curated set of benign ffmpeg decode warnings that do
// not indicate corruption (spec §4.5's "subtracted" exception list).
var exceptionList = []string{
	"deprecated pixel format used",
	"Unsupported codec_tag",
	"Could not find codec parameters",
	"Stream discarded",
	"decode_slice_header error",
	"co located POCs unavailable",
}

// Checker runs the validate-only encoder pass and records the result.
type Checker struct {
	FFMPEGPath string
	Catalog    Catalog
	Locker     Locker
	Registry   *scheduler.Registry
	Logger     *slog.Logger
	TrashFunc  func(path string) error

	LockTTL time.Duration
	Timeout time.Duration
}

var _ scheduler.Starter = (*Checker)(nil)

const lockPrefix = "integrity-lock:"

// Start implements scheduler.Starter: the integrity scheduler's candidate
// queue admits jobs the same way the transcode queue does, but the
// supervisor here is this Checker instead of the encoder supervisor.
func (c *Checker) Start(ctx context.Context, job domain.JobDescriptor) {
	go func() {
		defer c.Registry.Delete(job.ID)
		c.run(ctx, job)
	}()
}

func (c *Checker) run(ctx context.Context, job domain.JobDescriptor) {
	c.Registry.Set(domain.RunningJob{
		ID: job.ID, Path: job.Path, ComputeScore: job.ComputeScore, SortFields: job.SortFields,
		Action: domain.ActionValidating, RefreshedAt: time.Now().UTC(),
	})

	f, err := c.Catalog.FindByID(ctx, job.ID)
	if err != nil {
		c.Logger.Warn("integrity: load file failed", slog.String("id", job.ID), slog.String("error", err.Error()))
		return
	}

	lockKey := lockPrefix + f.Path
	ttl := c.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	acquired, err := c.Locker.AcquireLock(ctx, lockKey, ttl)
	if err != nil {
		c.Logger.Warn("integrity: lock acquisition errored", slog.String("path", f.Path), slog.String("error", err.Error()))
		return
	}
	if !acquired {
		return
	}
	defer func() { _ = c.Locker.ReleaseLock(ctx, lockKey) }()

	ok, stderrTail, err := c.CheckSync(ctx, f)
	if err != nil {
		c.Logger.Warn("integrity: check failed to run", slog.String("path", f.Path), slog.String("error", err.Error()))
		return
	}
	if !ok {
		c.handleCorruption(ctx, f, stderrTail)
		return
	}
	if err := c.Catalog.MarkIntegrityChecked(ctx, f.ID, true); err != nil {
		c.Logger.Warn("integrity: mark checked failed", slog.String("path", f.Path), slog.String("error", err.Error()))
	}
}

// CheckSync runs the validate-only encoder pass against a single file and
// reports whether it is clean. It is exported so the encoder supervisor
// can call it synchronously for its own preflight step (spec §4.3 step 2)
// without going through the scheduler.
func (c *Checker) CheckSync(ctx context.Context, f domain.File) (ok bool, stderrTail string, err error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Hour
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(checkCtx, c.FFMPEGPath,
		"-v", "error",
		"-i", f.Path,
		"-map", "0",
		"-c", "copy",
		"-f", "null",
		"-",
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	residual := filterExceptions(stderr.String(), exceptionList)
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return false, residual, nil
		}
		return false, residual, fmt.Errorf("integrity: ffmpeg invocation failed: %w", runErr)
	}
	if residual != "" {
		return false, residual, nil
	}
	return true, "", nil
}

// filterExceptions removes lines matching any benign pattern and returns
// what's left, joined back into a single string for storage/logging.
func filterExceptions(stderr string, exceptions []string) string {
	lines := strings.Split(stderr, "\n")
	var residual []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if matchesAny(trimmed, exceptions) {
			continue
		}
		residual = append(residual, trimmed)
	}
	return strings.Join(residual, "\n")
}

func matchesAny(line string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(line, p) {
			return true
		}
	}
	return false
}

func (c *Checker) handleCorruption(ctx context.Context, f domain.File, stderrTail string) {
	metrics.JobFailuresTotal.WithLabelValues(string(domain.QueueIntegrity), classify.KindCorruption.String()).Inc()
	trash := c.TrashFunc
	if trash == nil {
		trash = func(string) error { return nil }
	}
	if err := trash(f.Path); err != nil {
		c.Logger.Warn("integrity: trash failed", slog.String("path", f.Path), slog.String("error", err.Error()))
	}
	_ = c.Catalog.RecordIntegrityError(ctx, domain.ErrorRecord{
		Path: f.Path, Reason: "integrity check failed", StderrTail: stderrTail, OccurredAt: time.Now().UTC(),
	})
	if _, err := c.Catalog.DeleteByIDs(ctx, []string{f.ID}); err != nil {
		c.Logger.Warn("integrity: delete corrupt record failed", slog.String("id", f.ID), slog.String("error", err.Error()))
	}
}
