package embedding

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Cached memoizes embeddings of identical texts in an in-process ristretto
// cache. Errors are never cached.
type Cached struct {
	inner Provider
	c     *ristretto.Cache[string, []float32]
	ttl   time.Duration
}

// NewCached wraps inner. maxEntries bounds the number of cached vectors.
func NewCached(inner Provider, maxEntries int64, ttl time.Duration) (*Cached, error) {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []float32]{
		NumCounters: maxEntries * 10, // ~10x expected items
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cached{inner: inner, c: c, ttl: ttl}, nil
}

func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.inner.Name() + "\x00" + text
	if v, ok := c.c.Get(key); ok {
		return v, nil
	}
	v, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if c.ttl > 0 {
		c.c.SetWithTTL(key, v, 1, c.ttl)
	} else {
		c.c.Set(key, v, 1)
	}
	return v, nil
}

func (c *Cached) Dimension() int { return c.inner.Dimension() }

func (c *Cached) Name() string { return c.inner.Name() }

// Close releases the cache.
func (c *Cached) Close() { c.c.Close() }
