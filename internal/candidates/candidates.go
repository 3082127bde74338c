// Package candidates adapts the catalog's lean projected queries (spec
// §4.6) to the scheduler.CandidateSource contract: one adapter per queue,
// each closing over the currently-active encode version so the scheduler
// itself never needs to know it.
//
// Grounded on the teacher's repository List with field projection; this
// package adds nothing beyond binding catalog.Store's two candidate
// queries to a fixed encode version per queue.
package candidates

import (
	"context"

	"github.com/tc-mccarthy/transcode-rig/internal/domain"
)

// Store is the subset of catalog.Store the candidate generator needs.
type Store interface {
	FindTranscodeCandidates(ctx context.Context, currentEncodeVersion string, excludeIDs []string, limit int) ([]domain.JobDescriptor, error)
	FindIntegrityCandidates(ctx context.Context, currentEncodeVersion string, excludeIDs []string, limit int) ([]domain.JobDescriptor, error)
}

// TranscodeSource projects pending files whose stored encode version does
// not yet match the active target tag.
type TranscodeSource struct {
	Store         Store
	EncodeVersion string
}

func (s TranscodeSource) FetchCandidates(ctx context.Context, excludeIDs []string, limit int) ([]domain.JobDescriptor, error) {
	return s.Store.FindTranscodeCandidates(ctx, s.EncodeVersion, excludeIDs, limit)
}

// IntegritySource projects completed files at the active encode version
// that have not yet passed an integrity check.
type IntegritySource struct {
	Store         Store
	EncodeVersion string
}

func (s IntegritySource) FetchCandidates(ctx context.Context, excludeIDs []string, limit int) ([]domain.JobDescriptor, error) {
	return s.Store.FindIntegrityCandidates(ctx, s.EncodeVersion, excludeIDs, limit)
}
