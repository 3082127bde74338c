package indexer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeCache struct {
	store map[string][]byte
}

func newFakeCache() *fakeCache { return &fakeCache{store: map[string][]byte{}} }

func (f *fakeCache) CacheGet(_ context.Context, key string, dest any) (bool, error) {
	data, ok := f.store[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, dest)
}

func (f *fakeCache) CacheSet(_ context.Context, key string, value any, _ time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.store[key] = data
	return nil
}

func TestClientDisabledWithoutAPIKey(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://example.invalid"})
	require.False(t, c.Enabled())

	meta, err := c.Lookup(context.Background(), "anything")
	require.NoError(t, err)
	require.Zero(t, meta)
}

func TestLookupCachesResponse(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Metadata{ID: 42, Title: "Example Movie"})
	}))
	defer server.Close()

	cache := newFakeCache()
	c := NewClient(Config{BaseURL: server.URL, APIKey: "key", Cache: cache, RatePerSecond: 100})
	require.True(t, c.Enabled())

	meta, err := c.Lookup(context.Background(), "Example Movie")
	require.NoError(t, err)
	require.Equal(t, 42, meta.ID)
	require.Equal(t, 1, hits)

	// Second lookup is served from cache, no additional HTTP hit.
	meta2, err := c.Lookup(context.Background(), "Example Movie")
	require.NoError(t, err)
	require.Equal(t, meta, meta2)
	require.Equal(t, 1, hits)
}

func TestLookupPropagatesUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL, APIKey: "key", RatePerSecond: 100})
	_, err := c.Lookup(context.Background(), "anything")
	require.Error(t, err)
	require.Contains(t, err.Error(), "HTTP 500")
}

func TestLookupRespectsContextCancellation(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://example.invalid", APIKey: "key", RatePerSecond: 0.001})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Lookup(ctx, "anything")
	require.Error(t, err)
}
