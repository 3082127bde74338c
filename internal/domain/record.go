package domain

import "time"

// SortFields is the lean slice of a File record the candidate generator
// sorts on. Lower Priority is more important.
type SortFields struct {
	Priority int   `json:"priority" bson:"priority"`
	Size     int64 `json:"size" bson:"size"`
	Width    int   `json:"width" bson:"width"`
}

// ErrorInfo is the structured last-failure snapshot stored on a File record.
type ErrorInfo struct {
	Reason     string    `json:"reason" bson:"reason"`
	StderrTail string    `json:"stderrTail,omitempty" bson:"stderrTail,omitempty"`
	Cmdline    string    `json:"cmdline,omitempty" bson:"cmdline,omitempty"`
	OccurredAt time.Time `json:"occurredAt" bson:"occurredAt"`
}

// File is the canonical catalog entry for one source path.
type File struct {
	ID               string            `json:"id" bson:"_id"`
	Path             string            `json:"path" bson:"path"`
	Status           FileStatus        `json:"status" bson:"status"`
	EncodeVersion    string            `json:"encodeVersion" bson:"encodeVersion"`
	Probe            *ProbeResult      `json:"probe,omitempty" bson:"probe,omitempty"`
	LastProbeAt      time.Time         `json:"lastProbeAt,omitempty" bson:"lastProbeAt,omitempty"`
	FileHash         string            `json:"fileHash,omitempty" bson:"fileHash,omitempty"`
	AudioLanguage    []string          `json:"audioLanguage,omitempty" bson:"audioLanguage,omitempty"`
	IntegrityChecked bool              `json:"integrityChecked" bson:"integrityChecked"`
	ComputeScore     float64           `json:"computeScore" bson:"computeScore"`
	PermitHWDecode   bool              `json:"permitHwDecode" bson:"permitHwDecode"`
	ReclaimedSpace   int64             `json:"reclaimedSpace,omitempty" bson:"reclaimedSpace,omitempty"`
	IndexerData      map[string]any    `json:"indexerData,omitempty" bson:"indexerData,omitempty"`
	SortFields       SortFields        `json:"sortFields" bson:"sortFields"`
	Error            *ErrorInfo        `json:"error,omitempty" bson:"error,omitempty"`
	CreatedAt        time.Time         `json:"createdAt" bson:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt" bson:"updatedAt"`
}

// JobDescriptor is the lean, in-memory projection of a File record handed
// to the scheduler by the candidate generator. No full record fields
// (probe, indexer data, error) are materialized here.
type JobDescriptor struct {
	ID           string     `json:"id"`
	Path         string     `json:"path"`
	ComputeScore float64    `json:"computeScore"`
	SortFields   SortFields `json:"sortFields"`
}

// JobAction is the current stage of a running job.
type JobAction string

const (
	ActionStaging      JobAction = "staging"
	ActionTranscoding  JobAction = "transcoding"
	ActionFinalizing   JobAction = "finalizing"
	ActionValidating   JobAction = "validating" // integrity-check / preflight
)

// RunningJob is the ephemeral, in-memory state of a job currently owned by
// a supervisor. It is mutated only by the supervisor that owns it; readers
// (scheduler, snapshot flusher) see a copy.
type RunningJob struct {
	ID              string     `json:"id"`
	Path            string     `json:"path"`
	ComputeScore    float64    `json:"computeScore"`
	SortFields      SortFields `json:"sortFields"`
	Action          JobAction  `json:"action"`
	PID             int        `json:"pid,omitempty"`
	Percent         float64    `json:"percent"`
	CurrentFPS      float64    `json:"currentFps,omitempty"`
	CurrentKbps     float64    `json:"currentKbps,omitempty"`
	Timemark        string     `json:"timemark,omitempty"`
	ETASeconds      float64    `json:"etaSeconds,omitempty"`
	SizeProgressKB  int64      `json:"sizeProgressKb,omitempty"`
	RefreshedAt     time.Time  `json:"refreshedAt"`
	Cmdline         string     `json:"cmdline,omitempty"`
}

// ErrorRecord is an append-only log entry of a structured failure.
type ErrorRecord struct {
	ID         string    `json:"id" bson:"_id,omitempty"`
	Path       string    `json:"path" bson:"path"`
	Reason     string    `json:"reason" bson:"reason"`
	StderrTail string    `json:"stderrTail,omitempty" bson:"stderrTail,omitempty"`
	Cmdline    string    `json:"cmdline,omitempty" bson:"cmdline,omitempty"`
	Trace      string    `json:"trace,omitempty" bson:"trace,omitempty"`
	OccurredAt time.Time `json:"occurredAt" bson:"occurredAt"`
}

// Filter selects File records for catalog queries.
type Filter struct {
	Status    *FileStatus
	Search    string
	EncodeVer string // match records whose EncodeVersion differs from this (transcode eligibility)
	Exclude   []string
	Limit     int
	SortBy    string
	SortDesc  bool
}
