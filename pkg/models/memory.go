package models

import "time"

// EmbeddingCacheEntry is a content-addressed cached vector, keyed by
// (provider, model, SHA-256(text)).
type EmbeddingCacheEntry struct {
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	ContentHash    string    `json:"content_hash"`
	Vector         []float32 `json:"vector"`
	Dims           int       `json:"dims"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// Decision is a choice made by the agent or user, append-only after its
// outcome is recorded.
type Decision struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Context      string    `json:"context"`
	Reasoning    string    `json:"reasoning"`
	Alternatives []string  `json:"alternatives,omitempty"`
	Chosen       string    `json:"chosen"`
	Outcome      string    `json:"outcome,omitempty"`
	Lessons      string    `json:"lessons,omitempty"`
}

// Metric is a single immutable data point.
type Metric struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Name      string         `json:"name"`
	Value     float64        `json:"value"`
	Context   map[string]any `json:"context,omitempty"`
}

// Pattern is a reusable recipe discovered by the system, mutated by outcome
// feedback (success_count / failure_count).
type Pattern struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Category      string `json:"category"`
	Problem       string `json:"problem"`
	Solution      string `json:"solution"`
	SuccessCount  int    `json:"success_count"`
	FailureCount  int    `json:"failure_count"`
}

// SearchResult is a ranked hit from a Memory Engine search entry point.
type SearchResult struct {
	ID       string         `json:"id"`
	Source   string         `json:"source"` // "conversation", "code", "decision"
	Score    float32        `json:"score"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SearchResponse wraps the ranked results of a search, flagging when the
// index lags behind the log (partial result).
type SearchResponse struct {
	Results      []SearchResult `json:"results"`
	IndexLagging bool           `json:"index_lagging,omitempty"`
}
