package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/evoforge/substrate/pkg/models"
)

// pgEmbeddingStore is the Postgres/pgvector-backed alternative to the
// SQLite store's embedding_cache table, for deployments whose embedding
// volume has outgrown a single SQLite file. It implements embeddingStore,
// so an embeddingCache can't tell the two apart.
type pgEmbeddingStore struct {
	db *sql.DB
}

func newPgEmbeddingStore(ctx context.Context, dsn string) (*pgEmbeddingStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("memory: open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("memory: ping postgres: %w", err)
	}

	p := &pgEmbeddingStore{db: db}
	if err := p.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *pgEmbeddingStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS embedding_cache (
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			vector vector NOT NULL,
			dims INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			last_accessed_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (provider, model, content_hash)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_embedding_cache_lru ON embedding_cache (last_accessed_at)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("memory: migrate postgres embedding store: %w (stmt: %s)", err, stmt)
		}
	}
	return nil
}

func (p *pgEmbeddingStore) Close() error { return p.db.Close() }

func (p *pgEmbeddingStore) getEmbedding(ctx context.Context, provider, model, contentHash string) (*models.EmbeddingCacheEntry, error) {
	var vectorText string
	var dims int
	var createdAt, lastAccessedAt time.Time
	err := p.db.QueryRowContext(ctx, `
		SELECT vector, dims, created_at, last_accessed_at FROM embedding_cache
		WHERE provider = $1 AND model = $2 AND content_hash = $3
	`, provider, model, contentHash).Scan(&vectorText, &dims, &createdAt, &lastAccessedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memory: get embedding (postgres): %w", err)
	}

	now := time.Now()
	if _, err := p.db.ExecContext(ctx, `
		UPDATE embedding_cache SET last_accessed_at = $1 WHERE provider = $2 AND model = $3 AND content_hash = $4
	`, now, provider, model, contentHash); err != nil {
		return nil, fmt.Errorf("memory: touch embedding (postgres): %w", err)
	}

	return &models.EmbeddingCacheEntry{
		Provider: provider, Model: model, ContentHash: contentHash,
		Vector: decodeVectorText(vectorText), Dims: dims,
		CreatedAt: createdAt, LastAccessedAt: now,
	}, nil
}

func (p *pgEmbeddingStore) setEmbedding(ctx context.Context, e *models.EmbeddingCacheEntry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO embedding_cache (provider, model, content_hash, vector, dims, created_at, last_accessed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (provider, model, content_hash) DO UPDATE SET
			vector = EXCLUDED.vector, dims = EXCLUDED.dims, last_accessed_at = EXCLUDED.last_accessed_at
	`, e.Provider, e.Model, e.ContentHash, encodeVectorText(e.Vector), e.Dims, e.CreatedAt, e.LastAccessedAt)
	if err != nil {
		return fmt.Errorf("memory: set embedding (postgres): %w", err)
	}
	return nil
}

func (p *pgEmbeddingStore) evictEmbeddingsOverCapacity(ctx context.Context, maxSize int) error {
	var count int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embedding_cache`).Scan(&count); err != nil {
		return fmt.Errorf("memory: count embeddings (postgres): %w", err)
	}
	if count <= maxSize {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM embedding_cache WHERE (provider, model, content_hash) IN (
			SELECT provider, model, content_hash FROM embedding_cache
			ORDER BY last_accessed_at ASC LIMIT $1
		)
	`, count-maxSize)
	return err
}

func (p *pgEmbeddingStore) clearEmbeddingsForProvider(ctx context.Context, provider, model string) error {
	if model == "" {
		_, err := p.db.ExecContext(ctx, `DELETE FROM embedding_cache WHERE provider = $1`, provider)
		return err
	}
	_, err := p.db.ExecContext(ctx, `DELETE FROM embedding_cache WHERE provider = $1 AND model = $2`, provider, model)
	return err
}

func (p *pgEmbeddingStore) clearExpiredEmbeddings(ctx context.Context, maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge)
	_, err := p.db.ExecContext(ctx, `DELETE FROM embedding_cache WHERE last_accessed_at < $1`, cutoff)
	return err
}

// encodeVectorText and decodeVectorText speak pgvector's "[0.1,0.2,...]"
// text input/output format, the same representation the teacher's pgvector
// backend used for its embedding column.
func encodeVectorText(v []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

func decodeVectorText(s string) []float32 {
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			continue
		}
		out[i] = float32(f)
	}
	return out
}
