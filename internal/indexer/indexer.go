// Package indexer is the external HTTP indexer client (spec §4.7 step 5):
// an optional metadata lookup used to enrich catalog entries, cached
// through the Redis KV store and rate-limited against the upstream API.
//
// Grounded on torrent-search's internal/providers/tmdb/client.go (http.Client
// with a sane timeout, url.Values query building, Redis-cached JSON
// response, "disabled when no API key" Enabled() guard) — generalized from
// a search-result lookup into a by-path metadata lookup, and the cache
// moved from a raw *redis.Client into this module's internal/kv.Store so
// the rate limiter and cache share one client.
package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tc-mccarthy/transcode-rig/internal/kv"
)

const defaultCacheTTL = 7 * 24 * time.Hour

// Cache is the subset of kv.Store the indexer client needs, narrowed so
// this package does not depend on the full KV surface.
type Cache interface {
	CacheGet(ctx context.Context, key string, dest any) (bool, error)
	CacheSet(ctx context.Context, key string, value any, ttl time.Duration) error
}

var _ Cache = (*kv.Store)(nil)

// Metadata is the subset of indexer response fields the catalog stores on
// File.IndexerData.
type Metadata struct {
	ID          int     `json:"id"`
	Title       string  `json:"title,omitempty"`
	Overview    string  `json:"overview,omitempty"`
	ReleaseDate string  `json:"releaseDate,omitempty"`
	VoteAverage float64 `json:"voteAverage,omitempty"`
}

type Client struct {
	baseURL  string
	apiKey   string
	http     *http.Client
	cache    Cache
	cacheTTL time.Duration
	limiter  *rate.Limiter
}

type Config struct {
	BaseURL  string
	APIKey   string
	HTTP     *http.Client
	Cache    Cache
	CacheTTL time.Duration
	// RatePerSecond caps outbound requests to the upstream indexer;
	// defaults to 2 req/s with a burst of 2 if unset.
	RatePerSecond float64
}

func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	ratePerSecond := cfg.RatePerSecond
	if ratePerSecond <= 0 {
		ratePerSecond = 2
	}

	return &Client{
		baseURL:  strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:   strings.TrimSpace(cfg.APIKey),
		http:     httpClient,
		cache:    cfg.Cache,
		cacheTTL: cacheTTL,
		limiter:  rate.NewLimiter(rate.Limit(ratePerSecond), 2),
	}
}

// Enabled reports whether the client has both a base URL and API key
// configured; callers should skip indexer lookups entirely when false.
func (c *Client) Enabled() bool {
	return c.baseURL != "" && c.apiKey != ""
}

// Lookup fetches metadata for query, serving from cache when present and
// rate-limiting outbound calls to the upstream indexer otherwise.
func (c *Client) Lookup(ctx context.Context, query string) (Metadata, error) {
	if !c.Enabled() {
		return Metadata{}, nil
	}

	cacheKey := "lookup:" + strings.ToLower(strings.TrimSpace(query))
	if c.cache != nil {
		var cached Metadata
		found, err := c.cache.CacheGet(ctx, cacheKey, &cached)
		if err == nil && found {
			return cached, nil
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return Metadata{}, err
	}

	params := url.Values{"api_key": {c.apiKey}, "query": {strings.TrimSpace(query)}}
	reqURL := c.baseURL + "/search?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Metadata{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Metadata{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Metadata{}, fmt.Errorf("indexer: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return Metadata{}, err
	}

	var meta Metadata
	if err := json.Unmarshal(body, &meta); err != nil {
		return Metadata{}, err
	}

	if c.cache != nil {
		_ = c.cache.CacheSet(ctx, cacheKey, meta, c.cacheTTL)
	}

	return meta, nil
}
