package keys

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultTTL is how long a fetched key set is served without refetching.
	DefaultTTL = time.Hour
	// DefaultFetchTimeout bounds a single key set or discovery request.
	DefaultFetchTimeout = 5 * time.Second
	// DefaultMinRefreshInterval limits forced refreshes triggered by unknown kids.
	DefaultMinRefreshInterval = time.Minute

	maxKeySetBytes = 1 << 20
)

// URLResolver maps an issuer to its key set URL.
type URLResolver interface {
	Resolve(ctx context.Context, issuer string) (string, error)
}

// Cache serves key sets keyed by key set URL, refetching entries older than
// the TTL. Issuer aliases resolving to the same URL share one entry.
type Cache struct {
	resolver   URLResolver
	client     *http.Client
	logger     *slog.Logger
	ttl        time.Duration
	timeout    time.Duration
	minRefresh time.Duration
	now        func() time.Time

	mu   sync.RWMutex
	sets map[string]*KeySet
}

// Option customises a Cache.
type Option func(*Cache)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithFetchTimeout overrides DefaultFetchTimeout.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient sets the client used for key set requests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Cache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCache constructs an empty cache.
func NewCache(resolver URLResolver, logger *slog.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		resolver:   resolver,
		client:     http.DefaultClient,
		logger:     logger,
		ttl:        DefaultTTL,
		timeout:    DefaultFetchTimeout,
		minRefresh: DefaultMinRefreshInterval,
		now:        time.Now,
		sets:       make(map[string]*KeySet),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch returns the key set for issuer, hitting the network only when the
// cached entry is missing or older than the TTL.
func (c *Cache) Fetch(ctx context.Context, issuer string) (*KeySet, error) {
	url, err := c.resolver.Resolve(ctx, issuer)
	if err != nil {
		return nil, err
	}

	if set := c.lookup(url); set != nil && c.now().Sub(set.FetchedAt) < c.ttl {
		cacheLookups.WithLabelValues("hit").Inc()
		return set, nil
	}
	cacheLookups.WithLabelValues("miss").Inc()
	return c.load(ctx, issuer, url)
}

// Refresh refetches the key set for issuer regardless of TTL, unless the
// cached entry was fetched within the minimum refresh interval. It is used
// when a token names a kid the cached set does not contain.
func (c *Cache) Refresh(ctx context.Context, issuer string) (*KeySet, error) {
	url, err := c.resolver.Resolve(ctx, issuer)
	if err != nil {
		return nil, err
	}
	if set := c.lookup(url); set != nil && c.now().Sub(set.FetchedAt) < c.minRefresh {
		return set, nil
	}
	return c.load(ctx, issuer, url)
}

// Warm fetches the key sets of all issuers concurrently and returns the
// first failure.
func (c *Cache) Warm(ctx context.Context, issuers ...string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, iss := range issuers {
		g.Go(func() error {
			set, err := c.Fetch(gctx, iss)
			if err != nil {
				return fmt.Errorf("warm %s: %w", iss, err)
			}
			c.logger.Debug("key set warmed", "issuer", iss, "url", set.URL, "keys", set.Len())
			return nil
		})
	}
	return g.Wait()
}

func (c *Cache) lookup(url string) *KeySet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sets[url]
}

func (c *Cache) store(set *KeySet) {
	c.mu.Lock()
	c.sets[set.URL] = set
	c.mu.Unlock()
}

func (c *Cache) load(ctx context.Context, issuer, url string) (*KeySet, error) {
	set, err := c.download(ctx, url)
	if err != nil {
		fetchResults.WithLabelValues("error").Inc()
		c.logger.Warn("key set fetch failed", "issuer", issuer, "url", url, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrKeyFetchFailed, err)
	}
	fetchResults.WithLabelValues("ok").Inc()
	c.store(set)
	c.logger.Debug("key set fetched", "issuer", issuer, "url", url, "keys", set.Len())
	return set, nil
}

func (c *Cache) download(ctx context.Context, url string) (*KeySet, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks fetch failed: %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetBytes))
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, errors.New("empty jwks response")
	}
	return ParseKeySet(url, body, c.now())
}
