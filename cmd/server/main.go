// Command transcode-rig runs the resource-aware transcode orchestrator:
// the two schedulers (transcode, integrity), their resource controller,
// the filesystem watcher and its event consumer, and the periodic
// snapshot flusher, all wired against Mongo (the catalog) and Redis (locks,
// cache, event stream).
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"

	"github.com/tc-mccarthy/transcode-rig/internal/app"
	"github.com/tc-mccarthy/transcode-rig/internal/candidates"
	"github.com/tc-mccarthy/transcode-rig/internal/catalog"
	"github.com/tc-mccarthy/transcode-rig/internal/domain"
	"github.com/tc-mccarthy/transcode-rig/internal/indexer"
	"github.com/tc-mccarthy/transcode-rig/internal/ingest"
	"github.com/tc-mccarthy/transcode-rig/internal/integrity"
	"github.com/tc-mccarthy/transcode-rig/internal/kv"
	"github.com/tc-mccarthy/transcode-rig/internal/metrics"
	"github.com/tc-mccarthy/transcode-rig/internal/notify"
	"github.com/tc-mccarthy/transcode-rig/internal/probe"
	"github.com/tc-mccarthy/transcode-rig/internal/resource"
	"github.com/tc-mccarthy/transcode-rig/internal/scheduler"
	"github.com/tc-mccarthy/transcode-rig/internal/snapshot"
	"github.com/tc-mccarthy/transcode-rig/internal/supervisor"
	"github.com/tc-mccarthy/transcode-rig/internal/telemetry"
	"github.com/tc-mccarthy/transcode-rig/internal/watcher"
)

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "transcode-rig")
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("encodeVersion", cfg.EncodeVersion),
		slog.Int("sources", len(cfg.Sources)),
		slog.Float64("maxMemoryScore", cfg.MaxMemoryScore),
		slog.Float64("maxCpuScore", cfg.MaxCPUScore),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancelConnect := context.WithTimeout(rootCtx, 10*time.Second)
	defer cancelConnect()

	mongoOpts := otelmongo.NewMonitor()
	mongoClient, err := catalog.Connect(connectCtx, cfg.MongoURI, options.Client().SetMonitor(mongoOpts))
	if err != nil {
		logger.Error("mongo connect failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := mongoClient.Ping(connectCtx, readpref.Primary()); err != nil {
		logger.Error("mongo ping failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	store := catalog.NewStore(mongoClient, cfg.MongoDatabase, cfg.FilesCollection)
	if err := store.EnsureIndexes(connectCtx); err != nil {
		logger.Warn("catalog ensure indexes failed", slog.String("error", err.Error()))
	}

	redisClient := kv.NewClient(cfg.RedisAddr, cfg.RedisDB)
	if err := redisClient.Ping(connectCtx).Err(); err != nil {
		logger.Error("redis ping failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	kvStore := kv.New(redisClient, logger)

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		logger.Error("output dir unwritable", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Resource controller thresholds, with an optional Mongo-stored
	// override applied on top of env defaults (spec §4.9's settings
	// override, generalized from the teacher's storage-settings document).
	thresholds := resource.Thresholds{
		MaxMemoryScore:     cfg.MaxMemoryScore,
		MaxCPUScore:        cfg.MaxCPUScore,
		MemoryThreshold1:   cfg.MemoryPressureThreshold1,
		MemoryThreshold2:   cfg.MemoryPressureThreshold2,
		CPURatioThreshold1: cfg.CPULoadRatioThreshold1,
		CPURatioThreshold2: cfg.CPULoadRatioThreshold2,
	}
	if rs, ok, err := store.GetResourceSettings(connectCtx); err != nil {
		logger.Warn("resource settings load failed", slog.String("error", err.Error()))
	} else if ok {
		if rs.MaxMemoryScore > 0 {
			thresholds.MaxMemoryScore = rs.MaxMemoryScore
		}
		if rs.MaxCPUScore > 0 {
			thresholds.MaxCPUScore = rs.MaxCPUScore
		}
		if rs.MemoryThreshold1 > 0 {
			thresholds.MemoryThreshold1 = rs.MemoryThreshold1
		}
		if rs.MemoryThreshold2 > 0 {
			thresholds.MemoryThreshold2 = rs.MemoryThreshold2
		}
		if rs.CPURatioThreshold1 > 0 {
			thresholds.CPURatioThreshold1 = rs.CPURatioThreshold1
		}
		if rs.CPURatioThreshold2 > 0 {
			thresholds.CPURatioThreshold2 = rs.CPURatioThreshold2
		}
	}

	resourceController := resource.NewController(logger, thresholds)
	resourcePollInterval := parseDurationOr(cfg.ResourcePollInterval, 5*time.Second)
	go resourceController.Run(rootCtx, resourcePollInterval)
	go publishResourceGauges(rootCtx, resourceController)

	mediaProbe := probe.New(cfg.FFProbePath)

	idx := indexer.NewClient(indexer.Config{
		BaseURL: cfg.IndexerBaseURL,
		APIKey:  cfg.IndexerAPIKey,
		Cache:   kvStore,
	})

	updater := ingest.New(store, mediaProbe, idx, logger, cfg.EncodeVersion)

	// Filesystem watcher + durable-stream consumer (spec §4.8).
	fsWatcher := &watcher.Watcher{
		Roots:      sourceRoots(cfg.Sources),
		Extensions: extensionsWithoutDot(cfg.FileExt),
		Publisher:  kvStore,
		Logger:     logger,
	}
	if err := fsWatcher.Start(rootCtx); err != nil {
		logger.Warn("watcher start failed", slog.String("error", err.Error()))
	} else {
		defer func() { _ = fsWatcher.Stop() }()
	}

	consumer := &watcher.Consumer{Stream: kvStore, Updater: updater, Logger: logger}
	go consumer.Run(rootCtx)

	completionWatcher := &notify.Watcher{
		Collection: store.FilesCollection(),
		Counter:    metrics.CompletedTotal,
		Logger:     logger,
	}
	go completionWatcher.Run(rootCtx)

	// Registries + schedulers (spec §4.1).
	transcodeRegistry := scheduler.NewRegistry()
	integrityRegistry := scheduler.NewRegistry()

	integrityChecker := &integrity.Checker{
		FFMPEGPath: cfg.FFMPEGPath,
		Catalog:    store,
		Locker:     kvStore,
		Registry:   integrityRegistry,
		Logger:     logger,
		TrashFunc:  ingest.DefaultTrash,
	}

	transcodeSupervisor := &supervisor.Supervisor{
		FFMPEGPath:      cfg.FFMPEGPath,
		EncodeVersion:   cfg.EncodeVersion,
		Catalog:         store,
		Ingest:          updater,
		Integrity:       integrityChecker,
		Registry:        transcodeRegistry,
		Logger:          logger,
		ScratchDir:      scratchResolver(cfg.Sources),
		StageDir:        stageResolver(cfg.Sources),
		TrashFunc:       ingest.DefaultTrash,
		StderrRingLines: cfg.StderrRingLines,
	}

	transcodeScheduler := scheduler.New(
		domain.QueueTranscode, logger, resourceController,
		candidates.TranscodeSource{Store: store, EncodeVersion: cfg.EncodeVersion},
		transcodeSupervisor, transcodeRegistry,
	)
	integrityScheduler := scheduler.New(
		domain.QueueIntegrity, logger, resourceController,
		candidates.IntegritySource{Store: store, EncodeVersion: cfg.EncodeVersion},
		integrityChecker, integrityRegistry,
	)

	transcodeScheduler.Start(rootCtx)
	integrityScheduler.Start(rootCtx)

	go evictStaleJobsLoop(rootCtx, transcodeRegistry, logger)
	go evictStaleJobsLoop(rootCtx, integrityRegistry, logger)
	go publishJobGauges(rootCtx, transcodeRegistry, integrityRegistry)

	flusher := &snapshot.Flusher{
		OutputDir:         cfg.OutputDir,
		TranscodeRegistry: transcodeRegistry,
		IntegrityRegistry: integrityRegistry,
		Catalog:           store,
		Resource:          resourceController,
		DiskPaths:         sourceRoots(cfg.Sources),
		Logger:            logger,
	}
	flushInterval := parseDurationOr(cfg.FlushInterval, 5*time.Second)
	go flusher.Run(rootCtx, flushInterval)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server error", slog.String("error", err.Error()))
		}
	}()

	logger.Info("transcode-rig started", slog.String("metricsAddr", cfg.MetricsAddr))

	<-rootCtx.Done()
	logger.Info("shutdown signal received")

	transcodeScheduler.Stop()
	integrityScheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown error", slog.String("error", err.Error()))
	}
	if err := mongoClient.Disconnect(shutdownCtx); err != nil {
		logger.Warn("mongo disconnect error", slog.String("error", err.Error()))
	}
	if err := redisClient.Close(); err != nil {
		logger.Warn("redis close error", slog.String("error", err.Error()))
	}

	logger.Info("transcode-rig stopped")
}

// evictStaleJobsLoop removes running-job entries whose RefreshedAt has
// gone stale (spec §5: an 8-hour-old entry is considered stalled).
func evictStaleJobsLoop(ctx context.Context, reg *scheduler.Registry, logger *slog.Logger) {
	const staleAfter = 8 * time.Hour
	ticker := time.NewTicker(15 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range reg.EvictStale(staleAfter) {
				logger.Warn("scheduler: evicted stalled job", slog.String("id", id))
			}
		}
	}
}

func publishResourceGauges(ctx context.Context, rc *resource.Controller) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.MemoryPenalty.Set(rc.MemoryPenalty())
			metrics.CPUPenalty.Set(rc.CPUPenalty())
		}
	}
}

func publishJobGauges(ctx context.Context, transcodeRegistry, integrityRegistry *scheduler.Registry) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.TranscodeActiveJobs.Set(float64(len(transcodeRegistry.Snapshot())))
			metrics.IntegrityActiveJobs.Set(float64(len(integrityRegistry.Snapshot())))
		}
	}
}

func sourceRoots(sources []app.Source) []string {
	out := make([]string, 0, len(sources))
	for _, s := range sources {
		out = append(out, s.Path)
	}
	return out
}

func extensionsWithoutDot(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		out = append(out, strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), ".")))
	}
	return out
}

// scratchResolver maps a source path to its configured scratch directory
// (spec §6's sources[].scratch), falling back to "" (same directory as the
// source) when no configured root contains the path.
func scratchResolver(sources []app.Source) supervisor.PathResolver {
	return func(sourcePath string) string {
		for _, s := range sources {
			if strings.HasPrefix(sourcePath, s.Path) {
				return s.Scratch
			}
		}
		return ""
	}
}

// stageResolver maps a source path to its optional stage directory
// (spec §6's sources[].stage_path), returning "" when staging is not
// configured for that source root.
func stageResolver(sources []app.Source) supervisor.PathResolver {
	return func(sourcePath string) string {
		for _, s := range sources {
			if strings.HasPrefix(sourcePath, s.Path) {
				return s.StagePath
			}
		}
		return ""
	}
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
