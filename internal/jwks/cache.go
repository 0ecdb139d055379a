// Package jwks fetches and caches the JSON Web Key Set published by
// Crosswind Cloud. The cache is written to disk so the TTL spans CLI
// invocations, which are typically short-lived processes.
package jwks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/MicahParks/keyfunc"
)

// DefaultTTL is used when no TTL override is configured.
const DefaultTTL = time.Hour

// ErrNoKeys indicates the endpoint returned a syntactically valid but empty key set.
var ErrNoKeys = errors.New("key set contains no keys")

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithHTTPClient sets a custom HTTP client for key set fetches.
func WithHTTPClient(client *http.Client) CacheOption {
	return func(c *Cache) {
		c.client = client
	}
}

// Cache serves the remote key set, refreshing it at most once per TTL window.
//
// When a refresh fails but a previously fetched set exists, the stale set is
// served and the cache arms a single retry on the next call. If that retry
// fails as well, the TTL window restarts so failing upstreams are not hammered
// on every invocation.
type Cache struct {
	endpoint string
	path     string
	ttl      time.Duration
	client   *http.Client
	now      func() time.Time
}

// cacheDocument is the on-disk representation of a fetched key set.
type cacheDocument struct {
	JWKS       json.RawMessage `json:"jwks"`
	CachedAt   int64           `json:"cached_at"`
	TTLSeconds int64           `json:"ttl_seconds"`
	// Stale marks a set that was served after a failed refresh. The next
	// call retries the fetch immediately instead of waiting out the TTL.
	Stale bool `json:"stale,omitempty"`
}

// NewCache creates a Cache for the given JWKS endpoint, persisting fetched
// sets at cachePath. A non-positive ttl selects DefaultTTL.
func NewCache(endpoint, cachePath string, ttl time.Duration, opts ...CacheOption) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		endpoint: endpoint,
		path:     cachePath,
		ttl:      ttl,
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Keys returns the verification key set, fetching it from the endpoint when
// the cached copy is missing or older than the TTL.
func (c *Cache) Keys(ctx context.Context) (*keyfunc.JWKS, error) {
	doc, err := c.load()
	if err != nil {
		slog.DebugContext(ctx, "discarding unreadable key set cache", "path", c.path, "error", err)
		doc = nil
	}

	if doc != nil && !c.expired(doc) {
		return parseKeySet(doc.JWKS)
	}

	raw, fetchErr := c.fetch(ctx)
	if fetchErr == nil {
		set, err := parseKeySet(raw)
		if err != nil {
			return nil, err
		}
		if err := c.save(&cacheDocument{JWKS: raw, CachedAt: c.now().Unix(), TTLSeconds: int64(c.ttl.Seconds())}); err != nil {
			slog.WarnContext(ctx, "failed to persist key set cache", "path", c.path, "error", err)
		}
		return set, nil
	}

	if doc == nil {
		return nil, fmt.Errorf("fetching key set: %w", fetchErr)
	}

	// Serve the stale set rather than failing the caller outright.
	set, err := parseKeySet(doc.JWKS)
	if err != nil {
		return nil, fmt.Errorf("fetching key set: %w", fetchErr)
	}
	if !doc.Stale {
		doc.Stale = true
	} else {
		// Second consecutive failure: restart the TTL window.
		doc.Stale = false
		doc.CachedAt = c.now().Unix()
	}
	if err := c.save(doc); err != nil {
		slog.WarnContext(ctx, "failed to persist key set cache", "path", c.path, "error", err)
	}
	slog.WarnContext(ctx, "key set refresh failed, serving cached keys", "error", fetchErr)
	return set, nil
}

func (c *Cache) expired(doc *cacheDocument) bool {
	if doc.Stale {
		return true
	}
	age := c.now().Unix() - doc.CachedAt
	return age > doc.TTLSeconds
}

func (c *Cache) fetch(ctx context.Context) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("key set endpoint returned HTTP %d: %s", resp.StatusCode, string(body))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Cache) load() (*cacheDocument, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var doc cacheDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", c.path, err)
	}
	if len(doc.JWKS) == 0 {
		return nil, fmt.Errorf("cache document %s has no key set", c.path)
	}
	return &doc, nil
}

// save writes the cache document atomically so a concurrent CLI process never
// observes a half-written file.
func (c *Cache) save(doc *cacheDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tempFile, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	defer func() { _ = os.Remove(tempName) }()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tempName, c.path); err != nil {
		return err
	}
	return os.Chmod(c.path, 0600)
}

func parseKeySet(raw json.RawMessage) (*keyfunc.JWKS, error) {
	set, err := keyfunc.NewJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing key set: %w", err)
	}
	if len(set.KIDs()) == 0 {
		return nil, ErrNoKeys
	}
	return set, nil
}
