package credentials

import (
	"context"
	"sync"
	"time"
)

// FetchFunc fetches a secret.
type FetchFunc func(ctx context.Context) (string, error)

// CachedKey fetches a secret once and reuses it until Invalidate is called
// or the TTL expires. It satisfies tts.KeySource.
type CachedKey struct {
	fetch FetchFunc
	ttl   time.Duration
	now   func() time.Time

	mu        sync.Mutex
	key       string
	fetchedAt time.Time
	fetches   int
}

// NewCachedKey caches the result of fetch. A zero ttl caches until
// Invalidate.
func NewCachedKey(fetch FetchFunc, ttl time.Duration) *CachedKey {
	return &CachedKey{fetch: fetch, ttl: ttl, now: time.Now}
}

// Key returns the cached secret, fetching it when absent or expired.
func (c *CachedKey) Key(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.key != "" && (c.ttl <= 0 || c.now().Sub(c.fetchedAt) < c.ttl) {
		return c.key, nil
	}
	key, err := c.fetch(ctx)
	c.fetches++
	if err != nil {
		return "", err
	}
	c.key = key
	c.fetchedAt = c.now()
	return key, nil
}

// Invalidate drops the cached secret.
func (c *CachedKey) Invalidate() {
	c.mu.Lock()
	c.key = ""
	c.mu.Unlock()
}

// Fetches returns how often the secret was fetched.
func (c *CachedKey) Fetches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches
}

// ElevenLabsKey returns a cached ElevenLabs key source backed by r.
func ElevenLabsKey(r Resolver) *CachedKey {
	return NewCachedKey(r.ElevenLabsKey, 0)
}

// HeyGenTokens adapts r to heygen.TokenSource. Tokens are not cached; the
// adapter refreshes them itself.
type HeyGenTokens struct {
	Resolver Resolver
}

// Token implements heygen.TokenSource.
func (t HeyGenTokens) Token(ctx context.Context) (string, error) {
	return t.Resolver.HeyGenToken(ctx)
}
