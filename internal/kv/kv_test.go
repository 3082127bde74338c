package kv

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRedisAddr() string {
	if addr := os.Getenv("REDIS_TEST_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

// setupTestStore connects to Redis and returns a Store using db 15 as a
// scratch database, flushed before and after the test. Skips if Redis is
// unreachable, matching the Mongo integration tests' skip pattern.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	client := NewClient(testRedisAddr(), 15)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available at %s: %v", testRedisAddr(), err)
	}
	require.NoError(t, client.FlushDB(ctx).Err())
	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})

	return New(client, testLogger())
}

func TestAcquireAndReleaseLock(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	ok, err := store.AcquireLock(ctx, "file-1", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// Second acquire fails while the lock is held.
	ok, err = store.AcquireLock(ctx, "file-1", 5*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.ReleaseLock(ctx, "file-1"))

	ok, err = store.AcquireLock(ctx, "file-1", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCacheGetMissThenSet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	var dest map[string]string
	found, err := store.CacheGet(ctx, "indexer:123", &dest)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, store.CacheSet(ctx, "indexer:123", map[string]string{"title": "Example"}, time.Minute))

	found, err = store.CacheGet(ctx, "indexer:123", &dest)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "Example", dest["title"])

	require.NoError(t, store.CacheDelete(ctx, "indexer:123"))
	found, err = store.CacheGet(ctx, "indexer:123", &dest)
	require.NoError(t, err)
	require.False(t, found)
}

func TestPublishAndConsumeEventIdempotentReplay(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	ev := WatchEvent{Path: "/media/new.mkv", Op: "create", Timestamp: time.Now().UTC()}
	require.NoError(t, store.PublishEvent(ctx, ev))

	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var seen []WatchEvent
	store.Consume(cctx, "0", func(_ context.Context, e WatchEvent) error {
		seen = append(seen, e)
		if len(seen) >= 1 {
			cancel()
		}
		return nil
	})

	require.Len(t, seen, 1)
	require.Equal(t, ev.Path, seen[0].Path)
	require.NotEmpty(t, seen[0].ID)
}

func TestDecodeEventMissingDataField(t *testing.T) {
	msg := redis.XMessage{ID: "1-0", Values: map[string]interface{}{"other": "x"}}
	_, err := decodeEvent(msg)
	require.Error(t, err)
}

func TestDecodeEventRoundtrip(t *testing.T) {
	ev := WatchEvent{Path: "/a.mkv", Op: "write", Timestamp: time.Now().UTC()}
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	msg := redis.XMessage{ID: "5-0", Values: map[string]interface{}{"data": string(data)}}
	got, err := decodeEvent(msg)
	require.NoError(t, err)
	require.Equal(t, ev.Path, got.Path)
	require.Equal(t, "5-0", got.ID)
}
