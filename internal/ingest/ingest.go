// Package ingest implements catalog update (spec §4.7): given a path, it
// probes, fingerprints, merges metadata, scores priority, and upserts the
// File record idempotently. It is the single path both the filesystem
// event consumer (§4.8) and the encoder supervisor's post-encode step
// (§4.3 step 9e) call to keep the catalog current.
//
// Grounded on the teacher's isH264FileWithCache/getVideoResolutionWithCache
// pattern (internal/api/http/hls_encoding.go): probe once, cache the
// result, never reprobe an unchanged file — generalized from an in-memory
// LRU keyed by codec/resolution into a content-fingerprint-keyed skip
// check against the catalog's stored probe.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tc-mccarthy/transcode-rig/internal/domain"
	"github.com/tc-mccarthy/transcode-rig/internal/indexer"
	"github.com/tc-mccarthy/transcode-rig/internal/planner"
)

const (
	giB = 1 << 30

	priorityLarge     = 96
	prioritySmallHEVC = 97
	priorityDefault   = 100
	priorityManualMax = 90 // priorities below this are operator-assigned and always preserved
)

// Catalog is the subset of catalog.Store the updater needs.
type Catalog interface {
	FindByPath(ctx context.Context, path string) (domain.File, error)
	Upsert(ctx context.Context, f domain.File) error
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

// Prober is the subset of probe.Prober the updater needs.
type Prober interface {
	Probe(ctx context.Context, path string) (domain.ProbeResult, error)
}

// Indexer is the subset of indexer.Client the updater needs for the
// optional sidecar-driven metadata lookup (spec §4.7 step 5b).
type Indexer interface {
	Enabled() bool
	Lookup(ctx context.Context, query string) (indexer.Metadata, error)
}

var _ Indexer = (*indexer.Client)(nil)

// languageCodeMap normalizes common two-letter ISO 639-1 codes onto the
// three-letter ISO 639-2 codes the probe and planner use (spec §4.7 step
// 5c). Unlisted codes pass through unchanged.
var languageCodeMap = map[string]string{
	"en": "eng", "fr": "fre", "es": "spa", "de": "ger",
	"it": "ita", "ja": "jpn", "pt": "por", "ru": "rus",
	"zh": "chi", "ko": "kor",
}

// Updater ties the probe, catalog, and indexer together into the §4.7
// algorithm.
type Updater struct {
	Catalog       Catalog
	Prober        Prober
	Indexer       Indexer
	Logger        *slog.Logger
	EncodeVersion string
	// Trash moves a source file aside instead of deleting it outright,
	// used for planner/probe rejections. A missing source is not trashed;
	// its record is only marked deleted.
	// Defaults to moving the file into a ".trash" directory beside it.
	Trash func(path string) error
}

func New(catalogStore Catalog, prober Prober, idx Indexer, logger *slog.Logger, encodeVersion string) *Updater {
	return &Updater{
		Catalog:       catalogStore,
		Prober:        prober,
		Indexer:       idx,
		Logger:        logger,
		EncodeVersion: encodeVersion,
		Trash:         DefaultTrash,
	}
}

// DefaultTrash renames path into a ".trash" sibling directory, preserving
// the basename. Same-filesystem rename keeps this cheap even for
// multi-gigabyte sources.
func DefaultTrash(path string) error {
	dir := filepath.Join(filepath.Dir(path), ".trash")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	dest := filepath.Join(dir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// Update runs the full probe+upsert pipeline for path (spec §4.7).
func (u *Updater) Update(ctx context.Context, path string, extra map[string]any) error {
	path = strings.TrimRight(path, " \t\r\n")
	if path == "" {
		return errors.New("ingest: empty path")
	}

	if _, statErr := os.Stat(path); statErr != nil {
		if errors.Is(statErr, os.ErrNotExist) {
			return u.markMissing(ctx, path)
		}
		return fmt.Errorf("ingest: stat %s: %w", path, statErr)
	}

	existing, err := u.Catalog.FindByPath(ctx, path)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("ingest: lookup %s: %w", path, err)
	}
	hadExisting := err == nil

	hash, err := fingerprint(path)
	if err != nil {
		return fmt.Errorf("ingest: fingerprint %s: %w", path, err)
	}

	f := existing
	f.Path = path
	if f.ID == "" {
		f.ID = path
	}

	var probeResult domain.ProbeResult
	needProbe := true
	if hadExisting && existing.FileHash == hash && existing.Probe != nil {
		probeResult = *existing.Probe
		needProbe = false
	}

	if needProbe {
		probeResult, err = u.Prober.Probe(ctx, path)
		if err != nil {
			return fmt.Errorf("ingest: probe %s: %w", path, err)
		}
		if video, ok := probeResult.VideoTrack(); ok && video.DolbyVision > 0 && video.DolbyVision < 8 {
			u.Logger.Warn("ingest: rejecting unsupported dolby vision profile",
				slog.String("path", path), slog.Int("profile", video.DolbyVision))
			return u.trashAndDelete(ctx, f.ID, path)
		}
		f.LastProbeAt = time.Now().UTC()
	}

	f.FileHash = hash
	f.Probe = &probeResult

	f.AudioLanguage = mergeLanguages(existing.AudioLanguage, probeResult, extra)

	if u.Indexer != nil && u.Indexer.Enabled() {
		if meta, ok := u.lookupSidecar(ctx, path); ok {
			if f.IndexerData == nil {
				f.IndexerData = map[string]any{}
			}
			f.IndexerData["indexer"] = meta
		}
	}

	f.SortFields.Priority = effectivePriority(existing.SortFields.Priority, hadExisting, probeResult)
	f.SortFields.Size = probeResult.SizeKB * 1024
	if video, ok := probeResult.VideoTrack(); ok {
		f.SortFields.Width = video.Width
	}

	f.ComputeScore = planner.ComputeScore(f)
	if f.ComputeScore < minComputeScoreFloor {
		f.ComputeScore = minComputeScoreFloor
	}

	if probeResult.EncodeVersion == u.EncodeVersion {
		f.Status = domain.StatusComplete
		f.EncodeVersion = u.EncodeVersion
	} else {
		f.Status = domain.StatusPending
	}

	return u.Catalog.Upsert(ctx, f)
}

const minComputeScoreFloor = 0.125

func (u *Updater) markMissing(ctx context.Context, path string) error {
	existing, err := u.Catalog.FindByPath(ctx, path)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	existing.Status = domain.StatusDeleted
	return u.Catalog.Upsert(ctx, existing)
}

func (u *Updater) trashAndDelete(ctx context.Context, id, path string) error {
	if u.Trash != nil {
		if err := u.Trash(path); err != nil {
			u.Logger.Warn("ingest: trash failed", slog.String("path", path), slog.String("error", err.Error()))
		}
	}
	if id == "" {
		return nil
	}
	_, err := u.Catalog.DeleteByIDs(ctx, []string{id})
	return err
}

// lookupSidecar looks for a same-basename metadata sidecar file next to
// path and, if present, resolves it through the external indexer.
func (u *Updater) lookupSidecar(ctx context.Context, path string) (indexer.Metadata, bool) {
	base := strings.TrimSuffix(path, filepath.Ext(path))
	sidecar := base + ".nfo"
	if _, err := os.Stat(sidecar); err != nil {
		return indexer.Metadata{}, false
	}
	meta, err := u.Indexer.Lookup(ctx, filepath.Base(base))
	if err != nil {
		u.Logger.Warn("ingest: indexer lookup failed", slog.String("path", path), slog.String("error", err.Error()))
		return indexer.Metadata{}, false
	}
	return meta, true
}

func mergeLanguages(existing []string, probeResult domain.ProbeResult, extra map[string]any) []string {
	set := map[string]bool{}
	for _, l := range existing {
		set[normalizeLanguage(l)] = true
	}
	for _, t := range probeResult.AudioTracks() {
		if t.Language != "" {
			set[normalizeLanguage(t.Language)] = true
		}
	}
	if extra != nil {
		if raw, ok := extra["audioLanguage"].([]string); ok {
			for _, l := range raw {
				set[normalizeLanguage(l)] = true
			}
		}
	}
	out := make([]string, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	return out
}

func normalizeLanguage(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if mapped, ok := languageCodeMap[code]; ok {
		return mapped
	}
	return code
}

// effectivePriority implements spec §4.7 step 6: preserve any existing
// manual priority (below priorityManualMax), else take the size/codec
// default bucket, keeping whichever of the two is more important (lower).
func effectivePriority(existingPriority int, hadExisting bool, probeResult domain.ProbeResult) int {
	def := defaultPriority(probeResult)
	if !hadExisting || existingPriority == 0 {
		return def
	}
	if existingPriority < priorityManualMax {
		// Manual priorities win outright, regardless of the default bucket.
		return existingPriority
	}
	if existingPriority < def {
		return existingPriority
	}
	return def
}

func defaultPriority(probeResult domain.ProbeResult) int {
	sizeBytes := probeResult.SizeKB * 1024
	switch {
	case sizeBytes >= 20*giB:
		return priorityLarge
	case sizeBytes <= giB && isHEVCCodec(probeResult.Codec):
		return prioritySmallHEVC
	default:
		return priorityDefault
	}
}

func isHEVCCodec(codec string) bool {
	return codec == "hevc" || codec == "h265" || codec == "x265"
}

// fingerprint computes a streaming SHA-256 of path's contents.
func fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
