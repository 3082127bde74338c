// Package notify watches the catalog's files collection for status=complete
// transitions and drives the Prometheus completed_total counter in-process.
//
// Grounded on torrent-notifier/internal/watcher/watcher.go's Mongo
// change-stream watch-and-retry loop — adapted from a Slack/webhook
// notification hook into a metrics-only observer (no external notification
// transport; that stays out of scope as "dashboard UI").
package notify

import (
	"context"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CompletionCounter is the subset of a prometheus.Counter the watcher needs.
type CompletionCounter interface {
	Inc()
}

// Watcher watches the files collection for status=complete transitions.
type Watcher struct {
	Collection *mongo.Collection
	Counter    CompletionCounter
	Logger     *slog.Logger
}

// Run starts the change stream loop. Blocks until ctx is cancelled,
// reconnecting automatically on transient errors.
func (w *Watcher) Run(ctx context.Context) {
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: "update"},
			{Key: "updateDescription.updatedFields.status", Value: "complete"},
		}}},
	}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)

	for {
		if err := w.watch(ctx, pipeline, opts); err != nil {
			if ctx.Err() != nil {
				return // context cancelled, normal shutdown
			}
			w.Logger.Warn("notify: change stream error, retrying", slog.String("error", err.Error()))
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (w *Watcher) watch(ctx context.Context, pipeline mongo.Pipeline, opts *options.ChangeStreamOptions) error {
	cs, err := w.Collection.Watch(ctx, pipeline, opts)
	if err != nil {
		return err
	}
	defer cs.Close(ctx)

	for cs.Next(ctx) {
		var raw struct {
			OperationType string `bson:"operationType"`
			UpdateDesc    struct {
				UpdatedFields bson.M `bson:"updatedFields"`
			} `bson:"updateDescription"`
		}
		if err := cs.Decode(&raw); err != nil {
			w.Logger.Warn("notify: decode error", slog.String("error", err.Error()))
			continue
		}
		if isCompletionEvent(raw.OperationType, raw.UpdateDesc.UpdatedFields) {
			w.Counter.Inc()
		}
	}
	return cs.Err()
}

// isCompletionEvent reports whether a change event represents a file
// transitioning to status=complete.
func isCompletionEvent(operationType string, updatedFields map[string]interface{}) bool {
	if operationType != "update" {
		return false
	}
	status, ok := updatedFields["status"]
	if !ok {
		return false
	}
	return status == "complete"
}
