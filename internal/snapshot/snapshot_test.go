package snapshot

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tc-mccarthy/transcode-rig/internal/domain"
	"github.com/tc-mccarthy/transcode-rig/internal/resource"
)

type fakeRegistry struct {
	jobs []domain.RunningJob
}

func (r fakeRegistry) Snapshot() []domain.RunningJob { return r.jobs }

type fakeCatalog struct {
	files []domain.File
}

func (c fakeCatalog) List(ctx context.Context, filter domain.Filter) ([]domain.File, error) {
	if filter.Status == nil {
		return c.files, nil
	}
	var out []domain.File
	for _, f := range c.files {
		if f.Status == *filter.Status {
			out = append(out, f)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (c fakeCatalog) Count(ctx context.Context, filter domain.Filter) (int64, error) {
	files, err := c.List(ctx, filter)
	if err != nil {
		return 0, err
	}
	return int64(len(files)), nil
}

func newTestFlusher(t *testing.T, outputDir string) *Flusher {
	t.Helper()
	rc := resource.NewControllerWithReaders(slog.Default(), resource.Thresholds{
		MaxMemoryScore: 8, MaxCPUScore: 8,
		MemoryThreshold1: 0.85, MemoryThreshold2: 0.90,
		CPURatioThreshold1: 4, CPURatioThreshold2: 6,
	}, func() (float64, error) { return 0.1, nil }, func() (float64, error) { return 0.5, nil })

	return &Flusher{
		OutputDir:         outputDir,
		TranscodeRegistry: fakeRegistry{jobs: []domain.RunningJob{{ID: "a", Path: "/a.mkv", ComputeScore: 1, RefreshedAt: time.Now()}}},
		IntegrityRegistry: fakeRegistry{},
		Catalog: fakeCatalog{files: []domain.File{
			{ID: "a", Path: "/a.mkv", Status: domain.StatusPending, SortFields: domain.SortFields{Priority: 100}},
			{ID: "b", Path: "/b.mkv", Status: domain.StatusComplete, ReclaimedSpace: 1024},
			{ID: "c", Path: "/c.mkv", Status: domain.StatusError},
		}},
		Resource:     rc,
		DiskPaths:    nil,
		FilelistSize: 10,
		Logger:       slog.Default(),
	}
}

func TestFlusherWritesAllSnapshotFiles(t *testing.T) {
	dir := t.TempDir()
	f := newTestFlusher(t, dir)

	f.flushAll(context.Background())

	for _, name := range []string{"active.json", "filelist.json", "status.json", "disk.json", "utilization.json"} {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		require.NoError(t, err, "expected %s to exist", name)
		require.True(t, json.Valid(data), "%s is not valid JSON", name)
	}
}

func TestFlushStatusCountsAndReclaimedSpace(t *testing.T) {
	dir := t.TempDir()
	f := newTestFlusher(t, dir)

	require.NoError(t, f.flushStatus(context.Background()))

	data, err := os.ReadFile(filepath.Join(dir, "status.json"))
	require.NoError(t, err)

	var got statusSnapshot
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, int64(3), got.TotalFiles)
	require.Equal(t, int64(1), got.PendingFiles)
	require.Equal(t, int64(1), got.CompleteFiles)
	require.Equal(t, int64(1), got.ErrorFiles)
	require.Equal(t, int64(1024), got.ReclaimedSpace)
}

func TestWriteJSONAtomicOverwritesExisting(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "nested", "file.json")

	require.NoError(t, writeJSONAtomic(target, map[string]int{"a": 1}))
	require.NoError(t, writeJSONAtomic(target, map[string]int{"a": 2}))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	var got map[string]int
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, 2, got["a"])

	// No leftover tmp file after a successful rename.
	_, statErr := os.Stat(target + ".tmp")
	require.True(t, os.IsNotExist(statErr))
}
