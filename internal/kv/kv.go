// Package kv is the Redis-backed key/value store (spec §4.9): TTL-bound
// named locks, a JSON response cache, and a durable append-only event
// stream used by the filesystem watcher's consumer.
//
// Grounded on torrent-search's internal/search/cache_redis.go
// (redis.Client wrapper, JSON marshal/unmarshal, redis.Nil miss handling)
// for the cache half, and torrent-notifier's internal/watcher/watcher.go
// retry-loop idiom for the stream-consumer half, adapted from a Mongo
// change stream onto Redis Streams (XADD/XREAD/XTRIM).
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tc-mccarthy/transcode-rig/internal/domain"
)

const (
	lockPrefix   = "transcode:lock:"
	cachePrefix  = "transcode:cache:"
	eventsStream = "transcode:events"
)

// Store wraps a *redis.Client with the three concerns the orchestrator
// needs: locks, cache, and the durable event stream.
type Store struct {
	client *redis.Client
	logger *slog.Logger
}

func New(client *redis.Client, logger *slog.Logger) *Store {
	return &Store{client: client, logger: logger}
}

func NewClient(addr string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, DB: db})
}

// AcquireLock sets a TTL-bound named lock using SET NX, matching spec
// §4.9's single-worker-per-file guarantee for the integrity checker.
// Returns false, nil if the lock is already held.
func (s *Store) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, lockPrefix+name, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// ReleaseLock deletes a named lock early, used when a worker finishes
// before the TTL expires.
func (s *Store) ReleaseLock(ctx context.Context, name string) error {
	return s.client.Del(ctx, lockPrefix+name).Err()
}

// CacheGet reads and decodes a cached JSON value. The second return is
// false on a cache miss (redis.Nil), matching RedisCacheBackend.Get.
func (s *Store) CacheGet(ctx context.Context, key string, dest any) (bool, error) {
	data, err := s.client.Get(ctx, cachePrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, err
	}
	return true, nil
}

// CacheSet JSON-encodes value and stores it with ttl.
func (s *Store) CacheSet(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, cachePrefix+key, data, ttl).Err()
}

func (s *Store) CacheDelete(ctx context.Context, key string) error {
	return s.client.Del(ctx, cachePrefix+key).Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// WatchEvent is a single filesystem-watcher notification persisted to the
// durable stream, replayed idempotently by the single consumer.
type WatchEvent struct {
	Path      string            `json:"path"`
	Op        string            `json:"op"`
	Source    domain.QueueKind  `json:"source,omitempty"`
	ID        string            `json:"id,omitempty"` // Redis stream entry ID, set on read
	Timestamp time.Time         `json:"timestamp"`
	Extra     map[string]string `json:"extra,omitempty"`
}

const maxStreamLen = 100_000

// PublishEvent appends ev to the durable event stream, capping it with an
// approximate MAXLEN trim so the stream does not grow unbounded (spec §4.8
// durability with bounded retention).
func (s *Store) PublishEvent(ctx context.Context, ev WatchEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: eventsStream,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: map[string]any{"data": data},
	}).Err()
}

// ConsumeFunc handles one replayed event. A non-nil error leaves the event
// to be retried on the next Consume call (at-least-once delivery).
type ConsumeFunc func(ctx context.Context, ev WatchEvent) error

// Consume runs a single-consumer idempotent replay loop starting from
// lastID ("0" to replay from the beginning), blocking on XREAD with a
// short timeout and retrying on transient errors the way the teacher's
// change-stream watcher retries on disconnect.
func (s *Store) Consume(ctx context.Context, lastID string, handle ConsumeFunc) {
	id := lastID
	if id == "" {
		id = "0"
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{eventsStream, id},
			Block:   5 * time.Second,
			Count:   100,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // no new entries within the block window
			}
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("kv: event stream read failed, retrying", slog.String("error", err.Error()))
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				ev, decodeErr := decodeEvent(msg)
				if decodeErr != nil {
					s.logger.Warn("kv: event decode failed, skipping", slog.String("error", decodeErr.Error()))
					id = msg.ID
					continue
				}
				if handleErr := handle(ctx, ev); handleErr != nil {
					s.logger.Warn("kv: event handler failed, skipping until the next Consume call", slog.String("error", handleErr.Error()))
					continue
				}
				id = msg.ID
			}
		}
	}
}

func decodeEvent(msg redis.XMessage) (WatchEvent, error) {
	raw, ok := msg.Values["data"].(string)
	if !ok {
		return WatchEvent{}, errors.New("kv: event missing data field")
	}
	var ev WatchEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return WatchEvent{}, err
	}
	ev.ID = msg.ID
	return ev, nil
}

// TrimStream trims the event stream to approximately maxLen entries,
// exposed for operational/snapshot maintenance tasks.
func (s *Store) TrimStream(ctx context.Context, maxLen int64) error {
	return s.client.XTrimMaxLenApprox(ctx, eventsStream, maxLen, 0).Err()
}
