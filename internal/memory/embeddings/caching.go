package embeddings

import (
	"context"
	"time"

	"github.com/evoforge/substrate/internal/infra"
)

// CachingProvider wraps a Provider with a process-local, in-memory TTL
// cache. It sits in front of whatever durable cache the caller also keeps:
// a hit here skips both the provider's network call and a round trip to
// that durable store.
type CachingProvider struct {
	inner Provider
	cache *infra.TTLCache[string, []float32]
}

// NewCachingProvider wraps inner with an in-memory cache of up to maxSize
// vectors, each valid for ttl. A ttl of 0 defaults to five minutes.
func NewCachingProvider(inner Provider, ttl time.Duration, maxSize int) *CachingProvider {
	return &CachingProvider{
		inner: inner,
		cache: infra.NewTTLCache[string, []float32](infra.CacheConfig{
			DefaultTTL: ttl,
			MaxSize:    maxSize,
		}),
	}
}

var _ Provider = (*CachingProvider)(nil)

func (c *CachingProvider) Name() string      { return c.inner.Name() }
func (c *CachingProvider) Dimension() int    { return c.inner.Dimension() }
func (c *CachingProvider) MaxBatchSize() int { return c.inner.MaxBatchSize() }

// Embed returns the cached vector for text if present, otherwise delegates
// to inner and caches the result.
func (c *CachingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		return v, nil
	}
	v, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(text, v)
	return v, nil
}

// EmbedBatch fills cached entries directly and only forwards the misses to
// inner, preserving the caller's input order in the result.
func (c *CachingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int

	for i, t := range texts {
		if v, ok := c.cache.Get(t); ok {
			out[i] = v
			continue
		}
		missTexts = append(missTexts, t)
		missIdx = append(missIdx, i)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	vectors, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for i, v := range vectors {
		out[missIdx[i]] = v
		c.cache.Set(missTexts[i], v)
	}
	return out, nil
}

// Stats returns the in-memory cache's hit/miss statistics.
func (c *CachingProvider) Stats() infra.CacheStats {
	return c.cache.Stats()
}
