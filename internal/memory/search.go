package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/evoforge/substrate/pkg/models"
)

const (
	defaultSemanticWeight = 0.6
	defaultKeywordWeight  = 0.4
)

// SearchConversations searches indexed conversation chunks by keyword, and
// by vector similarity when an embedding provider is configured. Results
// are merged by a weighted sum of the two scores; a chunk found by only one
// method keeps that method's score.
func (e *Engine) SearchConversations(ctx context.Context, query string, limit int) (models.SearchResponse, error) {
	return e.search(ctx, "conversation_chunks_fts", "conversation", query, limit)
}

// SearchCode searches indexed code chunks the same way SearchConversations
// searches conversation chunks.
func (e *Engine) SearchCode(ctx context.Context, query string, limit int) (models.SearchResponse, error) {
	return e.search(ctx, "code_chunks_fts", "code", query, limit)
}

// SearchDecisions searches recorded decisions. Decisions are not chunked or
// embedded, so this is keyword-only regardless of embedder configuration.
func (e *Engine) SearchDecisions(ctx context.Context, query string, limit int) (models.SearchResponse, error) {
	results, err := e.store.searchDecisions(ctx, query, limit)
	if err != nil {
		return models.SearchResponse{}, fmt.Errorf("memory: search decisions: %w", err)
	}
	return models.SearchResponse{Results: results}, nil
}

func (e *Engine) search(ctx context.Context, ftsTable, source, query string, limit int) (models.SearchResponse, error) {
	if limit <= 0 {
		limit = 10
	}

	keywordResults, err := e.store.keywordSearch(ctx, ftsTable, source, query, limit*2)
	if err != nil {
		return models.SearchResponse{}, fmt.Errorf("memory: keyword search: %w", err)
	}

	if e.embedder == nil {
		return models.SearchResponse{Results: top(keywordResults, limit), IndexLagging: true}, nil
	}

	queryVector, err := e.embeddedQuery(ctx, query)
	if err != nil {
		// Semantic search degrades to keyword-only rather than failing the
		// whole request; the response is flagged so a caller can tell.
		e.logger.Warn("semantic search unavailable, falling back to keyword", "error", err)
		return models.SearchResponse{Results: top(keywordResults, limit), IndexLagging: true}, nil
	}

	merged := make(map[string]*models.SearchResult, len(keywordResults))
	for i := range keywordResults {
		r := keywordResults[i]
		merged[r.ID] = &models.SearchResult{ID: r.ID, Source: r.Source, Content: r.Content, Score: r.Score * float32(defaultKeywordWeight)}
	}

	for _, chunk := range keywordResults {
		vector, ok, err := e.cache.get(ctx, e.embedder.Name(), "", chunk.Content)
		if err != nil || !ok {
			continue
		}
		sim := cosineSimilarity(queryVector, vector)
		merged[chunk.ID].Score += sim * float32(defaultSemanticWeight)
	}

	out := make([]models.SearchResult, 0, len(merged))
	for _, r := range merged {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return models.SearchResponse{Results: top(out, limit)}, nil
}

// embeddedQuery returns query's embedding, from the durable cache if
// present. A cache miss is deduplicated through embedGroup so that the same
// query arriving from several concurrent searches triggers one call to the
// embedder rather than one per caller.
func (e *Engine) embeddedQuery(ctx context.Context, query string) ([]float32, error) {
	if vector, ok, err := e.cache.get(ctx, e.embedder.Name(), "", query); err == nil && ok {
		return vector, nil
	}
	vector, err, _ := e.embedGroup.Do(query, func() ([]float32, error) {
		if vector, ok, err := e.cache.get(ctx, e.embedder.Name(), "", query); err == nil && ok {
			return vector, nil
		}
		vector, err := e.embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		if err := e.cache.set(ctx, e.embedder.Name(), "", query, vector); err != nil {
			e.logger.Warn("failed to cache query embedding", "error", err)
		}
		return vector, nil
	})
	return vector, err
}

func top(results []models.SearchResult, limit int) []models.SearchResult {
	if len(results) > limit {
		return results[:limit]
	}
	return results
}
