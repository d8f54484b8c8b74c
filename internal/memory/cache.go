package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/evoforge/substrate/pkg/models"
)

// embeddingStore is the storage a cache keeps embeddings in: the SQLite
// store's own embedding_cache table by default, or an optional Postgres-
// backed store (pgEmbeddingStore) for deployments that outgrow SQLite.
type embeddingStore interface {
	getEmbedding(ctx context.Context, provider, model, contentHash string) (*models.EmbeddingCacheEntry, error)
	setEmbedding(ctx context.Context, e *models.EmbeddingCacheEntry) error
	evictEmbeddingsOverCapacity(ctx context.Context, maxSize int) error
	clearEmbeddingsForProvider(ctx context.Context, provider, model string) error
	clearExpiredEmbeddings(ctx context.Context, maxAge time.Duration) error
}

// embeddingCache is the content-addressed vector cache in front of an
// embeddingStore, keyed by (provider, model, SHA-256(text)). Reads and
// writes go through the store so the cache survives a restart; eviction is
// by ascending last_accessed_at, making this LRU rather than FIFO once an
// entry has been read back.
type embeddingCache struct {
	store   embeddingStore
	maxSize int
}

func newEmbeddingCache(backend embeddingStore, maxSize int) *embeddingCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &embeddingCache{store: backend, maxSize: maxSize}
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// get returns the cached vector for text, if present, touching its
// last_accessed_at so eviction treats it as recently used.
func (c *embeddingCache) get(ctx context.Context, provider, model, text string) ([]float32, bool, error) {
	entry, err := c.store.getEmbedding(ctx, provider, model, contentHash(text))
	if err != nil {
		return nil, false, fmt.Errorf("memory: embedding cache get: %w", err)
	}
	if entry == nil {
		return nil, false, nil
	}
	return entry.Vector, true, nil
}

// set upserts a vector and evicts down to maxSize by oldest last_accessed_at
// if the cache has grown past it.
func (c *embeddingCache) set(ctx context.Context, provider, model, text string, vector []float32) error {
	now := time.Now()
	entry := &models.EmbeddingCacheEntry{
		Provider: provider, Model: model, ContentHash: contentHash(text),
		Vector: vector, Dims: len(vector),
		CreatedAt: now, LastAccessedAt: now,
	}
	if err := c.store.setEmbedding(ctx, entry); err != nil {
		return fmt.Errorf("memory: embedding cache set: %w", err)
	}
	return c.store.evictEmbeddingsOverCapacity(ctx, c.maxSize)
}

func (c *embeddingCache) has(ctx context.Context, provider, model, text string) (bool, error) {
	_, ok, err := c.get(ctx, provider, model, text)
	return ok, err
}

// clearProvider drops every cached vector for provider (and, if set, model
// within it). Call this when a credential for provider rotates, so a
// revoked key's vectors aren't mistaken for ones computed under a still-
// valid key.
func (c *embeddingCache) clearProvider(ctx context.Context, provider, model string) error {
	return c.store.clearEmbeddingsForProvider(ctx, provider, model)
}

func (c *embeddingCache) cleanExpired(ctx context.Context, maxAge time.Duration) error {
	if maxAge <= 0 {
		return nil
	}
	return c.store.clearExpiredEmbeddings(ctx, maxAge)
}
