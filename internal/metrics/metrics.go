package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	TranscodeActiveJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "transcoder",
		Name:      "transcode_active_jobs",
		Help:      "Number of currently running transcode jobs.",
	})

	IntegrityActiveJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "transcoder",
		Name:      "integrity_active_jobs",
		Help:      "Number of currently running integrity checks.",
	})

	JobStartsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transcoder",
		Name:      "job_starts_total",
		Help:      "Total number of jobs admitted by queue.",
	}, []string{"queue"})

	JobFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transcoder",
		Name:      "job_failures_total",
		Help:      "Total number of job failures by queue and classification kind.",
	}, []string{"queue", "kind"})

	EncodeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "transcoder",
		Name:      "encode_duration_seconds",
		Help:      "Duration of completed transcode jobs in seconds.",
		Buckets:   []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800},
	})

	MemoryPenalty = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "transcoder",
		Name:      "memory_penalty",
		Help:      "Current compute-budget penalty applied for memory pressure.",
	})

	CPUPenalty = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "transcoder",
		Name:      "cpu_penalty",
		Help:      "Current compute-budget penalty applied for CPU pressure.",
	})

	AvailableTranscodeCompute = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "transcoder",
		Name:      "available_transcode_compute",
		Help:      "Remaining compute-score headroom for the transcode queue.",
	})

	AvailableIntegrityCompute = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "transcoder",
		Name:      "available_integrity_compute",
		Help:      "Remaining compute-score headroom for the integrity queue.",
	})

	CatalogPendingFiles = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "transcoder",
		Name:      "catalog_pending_files",
		Help:      "Number of catalog records awaiting transcode.",
	})

	CatalogCompleteFiles = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "transcoder",
		Name:      "catalog_complete_files",
		Help:      "Number of catalog records already on the target encode version.",
	})

	CatalogErrorFiles = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "transcoder",
		Name:      "catalog_error_files",
		Help:      "Number of catalog records in an error state.",
	})

	ReclaimedSpaceBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "transcoder",
		Name:      "reclaimed_space_bytes",
		Help:      "Total bytes reclaimed by completed transcodes.",
	})

	StarvationSkipsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "transcoder",
		Name:      "starvation_skips_total",
		Help:      "Total number of times the scheduler admitted a worse-priority candidate past a long-starved blocked leader.",
	})

	SchedulerPollDelaySeconds = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "transcoder",
		Name:      "scheduler_poll_delay_seconds",
		Help:      "Current backed-off poll delay per queue.",
	}, []string{"queue"})

	CompletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "transcoder",
		Name:      "completed_total",
		Help:      "Total number of files observed transitioning to status=complete, via the catalog change stream.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		TranscodeActiveJobs,
		IntegrityActiveJobs,
		JobStartsTotal,
		JobFailuresTotal,
		EncodeDuration,
		MemoryPenalty,
		CPUPenalty,
		AvailableTranscodeCompute,
		AvailableIntegrityCompute,
		CatalogPendingFiles,
		CatalogCompleteFiles,
		CatalogErrorFiles,
		ReclaimedSpaceBytes,
		StarvationSkipsTotal,
		SchedulerPollDelaySeconds,
		CompletedTotal,
	)
}
