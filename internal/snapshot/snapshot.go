// Package snapshot periodically flushes the orchestrator's external state
// files (spec §6): active jobs, the next pending filelist, catalog status
// counts, and host disk/utilization metrics, each written atomically via
// tmp+rename so a reader never observes a half-written file.
//
// Grounded on the teacher's disk_pressure.go ticker-loop idiom, adapted
// from a single scalar sample to five independent JSON documents flushed
// on the same cadence.
package snapshot

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tc-mccarthy/transcode-rig/internal/domain"
	"github.com/tc-mccarthy/transcode-rig/internal/resource"
)

// Registry is the subset of scheduler.Registry the flusher reads.
type Registry interface {
	Snapshot() []domain.RunningJob
}

// Catalog is the subset of catalog.Store the flusher reads for status.json
// and filelist.json.
type Catalog interface {
	List(ctx context.Context, filter domain.Filter) ([]domain.File, error)
	Count(ctx context.Context, filter domain.Filter) (int64, error)
}

// Flusher owns the periodic write of every snapshot file.
type Flusher struct {
	OutputDir string

	TranscodeRegistry Registry
	IntegrityRegistry Registry
	Catalog           Catalog
	Resource          *resource.Controller

	DiskPaths    []string // source roots to report free space for
	FilelistSize int

	Logger *slog.Logger
}

type activeSnapshot struct {
	Active                  []domain.RunningJob `json:"active"`
	AvailableTranscodeCompute float64           `json:"availableTranscodeCompute"`
	AvailableIntegrityCompute float64           `json:"availableIntegrityCompute"`
	MemoryPenalty           float64             `json:"memoryPenalty"`
	CPUPenalty              float64             `json:"cpuPenalty"`
	RefreshedAt             time.Time           `json:"refreshedAt"`
}

type statusSnapshot struct {
	TotalFiles     int64     `json:"totalFiles"`
	PendingFiles   int64     `json:"pendingFiles"`
	CompleteFiles  int64     `json:"completeFiles"`
	ErrorFiles     int64     `json:"errorFiles"`
	ReclaimedSpace int64     `json:"reclaimedSpace"`
	RefreshedAt    time.Time `json:"refreshedAt"`
}

type diskSnapshot struct {
	Paths       map[string]int64 `json:"freeBytesByPath"`
	RefreshedAt time.Time        `json:"refreshedAt"`
}

type utilizationSnapshot struct {
	MemoryPenalty float64   `json:"memoryPenalty"`
	CPUPenalty    float64   `json:"cpuPenalty"`
	RefreshedAt   time.Time `json:"refreshedAt"`
}

// Run flushes every snapshot file once per interval until ctx is
// cancelled, matching the teacher's ticker-driven sampling loop.
func (f *Flusher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	f.flushAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.flushAll(ctx)
		}
	}
}

func (f *Flusher) flushAll(ctx context.Context) {
	if err := f.flushActive(); err != nil {
		f.Logger.Warn("snapshot: active.json flush failed", slog.String("error", err.Error()))
	}
	if err := f.flushFilelist(ctx); err != nil {
		f.Logger.Warn("snapshot: filelist.json flush failed", slog.String("error", err.Error()))
	}
	if err := f.flushStatus(ctx); err != nil {
		f.Logger.Warn("snapshot: status.json flush failed", slog.String("error", err.Error()))
	}
	if err := f.flushDisk(); err != nil {
		f.Logger.Warn("snapshot: disk.json flush failed", slog.String("error", err.Error()))
	}
	if err := f.flushUtilization(); err != nil {
		f.Logger.Warn("snapshot: utilization.json flush failed", slog.String("error", err.Error()))
	}
}

func (f *Flusher) flushActive() error {
	active := append([]domain.RunningJob{}, f.TranscodeRegistry.Snapshot()...)
	active = append(active, f.IntegrityRegistry.Snapshot()...)

	var transcodeTotal, integrityTotal float64
	for _, j := range f.TranscodeRegistry.Snapshot() {
		transcodeTotal += j.ComputeScore
	}
	for _, j := range f.IntegrityRegistry.Snapshot() {
		integrityTotal += j.ComputeScore
	}

	snap := activeSnapshot{
		Active:                    active,
		AvailableTranscodeCompute: f.Resource.AvailableCompute(transcodeTotal),
		AvailableIntegrityCompute: f.Resource.AvailableCompute(integrityTotal),
		MemoryPenalty:             f.Resource.MemoryPenalty(),
		CPUPenalty:                f.Resource.CPUPenalty(),
		RefreshedAt:               time.Now().UTC(),
	}
	return writeJSONAtomic(filepath.Join(f.OutputDir, "active.json"), snap)
}

func (f *Flusher) flushFilelist(ctx context.Context) error {
	limit := f.FilelistSize
	if limit <= 0 {
		limit = 200
	}
	pending := domain.StatusPending
	files, err := f.Catalog.List(ctx, domain.Filter{Status: &pending, Limit: limit, SortBy: "sortFields.priority"})
	if err != nil {
		return err
	}
	return writeJSONAtomic(filepath.Join(f.OutputDir, "filelist.json"), files)
}

func (f *Flusher) flushStatus(ctx context.Context) error {
	total, err := f.Catalog.Count(ctx, domain.Filter{})
	if err != nil {
		return err
	}
	pendingStatus, completeStatus, errorStatus := domain.StatusPending, domain.StatusComplete, domain.StatusError
	pending, err := f.Catalog.Count(ctx, domain.Filter{Status: &pendingStatus})
	if err != nil {
		return err
	}
	complete, err := f.Catalog.Count(ctx, domain.Filter{Status: &completeStatus})
	if err != nil {
		return err
	}
	errored, err := f.Catalog.Count(ctx, domain.Filter{Status: &errorStatus})
	if err != nil {
		return err
	}

	completeFiles, err := f.Catalog.List(ctx, domain.Filter{Status: &completeStatus, Limit: 0})
	if err != nil {
		return err
	}
	var reclaimed int64
	for _, file := range completeFiles {
		reclaimed += file.ReclaimedSpace
	}

	snap := statusSnapshot{
		TotalFiles: total, PendingFiles: pending, CompleteFiles: complete, ErrorFiles: errored,
		ReclaimedSpace: reclaimed, RefreshedAt: time.Now().UTC(),
	}
	return writeJSONAtomic(filepath.Join(f.OutputDir, "status.json"), snap)
}

func (f *Flusher) flushDisk() error {
	paths := make(map[string]int64, len(f.DiskPaths))
	for _, p := range f.DiskPaths {
		free, err := resource.DiskFreeBytes(p)
		if err != nil {
			continue
		}
		paths[p] = free
	}
	snap := diskSnapshot{Paths: paths, RefreshedAt: time.Now().UTC()}
	return writeJSONAtomic(filepath.Join(f.OutputDir, "disk.json"), snap)
}

func (f *Flusher) flushUtilization() error {
	snap := utilizationSnapshot{
		MemoryPenalty: f.Resource.MemoryPenalty(),
		CPUPenalty:    f.Resource.CPUPenalty(),
		RefreshedAt:   time.Now().UTC(),
	}
	return writeJSONAtomic(filepath.Join(f.OutputDir, "utilization.json"), snap)
}

// writeJSONAtomic marshals v and writes it to path via a tmp file plus
// rename, so a concurrent reader never observes a partial write.
func writeJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
