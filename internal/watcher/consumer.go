package watcher

import (
	"context"
	"log/slog"

	"github.com/tc-mccarthy/transcode-rig/internal/kv"
)

// Updater is the subset of ingest.Updater the consumer needs. Calling
// Update for every event kind (add/change/unlink) is what makes replay
// idempotent: Update itself stats the path and marks the record deleted
// when the file is gone, so a replayed "unlink" after the path has
// already been cleaned up is a harmless no-op.
type Updater interface {
	Update(ctx context.Context, path string, extra map[string]any) error
}

// Consumer reads the durable event stream and drives the catalog-update
// pipeline for every event, starting from the beginning on first run
// (spec §4.8: "a single consumer reads blocking batches... idempotent
// under replay").
type Consumer struct {
	Stream  *kv.Store
	Updater Updater
	Logger  *slog.Logger
}

// Run blocks until ctx is cancelled, consuming events as they arrive.
func (c *Consumer) Run(ctx context.Context) {
	c.Stream.Consume(ctx, "0", func(ctx context.Context, ev kv.WatchEvent) error {
		if err := c.Updater.Update(ctx, ev.Path, nil); err != nil {
			c.Logger.Warn("watcher: catalog update failed for event",
				slog.String("path", ev.Path), slog.String("op", ev.Op), slog.String("error", err.Error()))
			return err
		}
		return nil
	})
}
