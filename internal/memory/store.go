// Package memory implements the durable substrate: a relational store and
// FTS index, an append-only conversation log, a content-addressed embedding
// cache, and a file watcher that reconciles the two.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"github.com/evoforge/substrate/pkg/models"
)

// store wraps the relational database file: conversations, messages,
// chunks, decisions, metrics, patterns, code index, and the embedding
// cache table, plus their FTS mirrors.
type store struct {
	db *sql.DB
}

func openStore(path string) (*store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("memory: open store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	s := &store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			content_hash TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON conversation_messages(conversation_id)`,
		`CREATE TABLE IF NOT EXISTS conversation_chunks (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			text TEXT NOT NULL,
			hash TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_conversation ON conversation_chunks(conversation_id)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS conversation_chunks_fts USING fts5(
			id UNINDEXED, text, content='conversation_chunks', content_rowid='rowid'
		)`,
		`CREATE TABLE IF NOT EXISTS code_files (
			path TEXT PRIMARY KEY,
			repo TEXT,
			hash TEXT NOT NULL,
			language TEXT,
			size INTEGER,
			last_modified INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_code_files_repo ON code_files(repo, path)`,
		`CREATE TABLE IF NOT EXISTS code_chunks (
			id TEXT PRIMARY KEY,
			file_path TEXT NOT NULL,
			start_line INTEGER,
			end_line INTEGER,
			text TEXT NOT NULL,
			hash TEXT NOT NULL,
			symbols TEXT,
			imports TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_code_chunks_file ON code_chunks(file_path)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS code_chunks_fts USING fts5(
			id UNINDEXED, text, content='code_chunks', content_rowid='rowid'
		)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id TEXT PRIMARY KEY,
			timestamp DATETIME NOT NULL,
			context TEXT,
			reasoning TEXT,
			alternatives TEXT,
			chosen TEXT,
			outcome TEXT,
			lessons TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS metrics (
			id TEXT PRIMARY KEY,
			timestamp DATETIME NOT NULL,
			metric_type TEXT NOT NULL,
			metric_name TEXT NOT NULL,
			value REAL NOT NULL,
			context TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_type_ts ON metrics(metric_type, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_name ON metrics(metric_name)`,
		`CREATE TABLE IF NOT EXISTS patterns (
			id TEXT PRIMARY KEY,
			name TEXT,
			category TEXT,
			problem TEXT,
			solution TEXT,
			success_count INTEGER DEFAULT 0,
			failure_count INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS embedding_cache (
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			vector BLOB NOT NULL,
			dims INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			last_accessed_at DATETIME NOT NULL,
			PRIMARY KEY (provider, model, content_hash)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("memory: migrate: %w (stmt: %s)", err, stmt)
		}
	}
	return nil
}

func (s *store) Close() error { return s.db.Close() }

// writeMessage performs the relational half of the write path: upsert the
// conversation row, insert the message, insert its chunk, and mirror the
// chunk into the FTS index, all in one transaction.
func (s *store) writeMessage(ctx context.Context, conv *models.Conversation, msg *models.Message, chunk *models.Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("memory: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := upsertConversation(ctx, tx, conv); err != nil {
		return err
	}
	if err := insertMessage(ctx, tx, msg); err != nil {
		return err
	}
	if err := insertChunk(ctx, tx, "conversation_chunks", "conversation_chunks_fts", chunk); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertConversation(ctx context.Context, tx *sql.Tx, conv *models.Conversation) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, title, created_at, updated_at, content_hash)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at, content_hash = excluded.content_hash
	`, conv.ID, conv.Title, conv.CreatedAt, conv.UpdatedAt, conv.ContentHash)
	if err != nil {
		return fmt.Errorf("memory: upsert conversation: %w", err)
	}
	return nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, msg *models.Message) error {
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("memory: marshal message metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO conversation_messages (id, conversation_id, role, content, timestamp, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, string(msg.Role), msg.Content, msg.Timestamp, string(metadata))
	if err != nil {
		return fmt.Errorf("memory: insert message: %w", err)
	}
	return nil
}

func insertChunk(ctx context.Context, tx *sql.Tx, table, ftsTable string, chunk *models.Chunk) error {
	var err error
	switch table {
	case "conversation_chunks":
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO conversation_chunks (id, conversation_id, ordinal, text, hash)
			VALUES (?, ?, ?, ?, ?)
		`, chunk.ID, chunk.SourceID, chunk.Ordinal, chunk.Text, chunk.ContentHash)
	case "code_chunks":
		symbols, _ := json.Marshal(chunk.Symbols)
		imports, _ := json.Marshal(chunk.Imports)
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO code_chunks (id, file_path, start_line, end_line, text, hash, symbols, imports)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, chunk.ID, chunk.SourceID, chunk.StartLine, chunk.EndLine, chunk.Text, chunk.ContentHash, string(symbols), string(imports))
	default:
		return fmt.Errorf("memory: unknown chunk table %q", table)
	}
	if err != nil {
		return fmt.Errorf("memory: insert chunk into %s: %w", table, err)
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, ftsTable), chunk.ID)
	if err != nil {
		return fmt.Errorf("memory: clear fts row in %s: %w", ftsTable, err)
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (id, text) VALUES (?, ?)`, ftsTable), chunk.ID, chunk.Text)
	if err != nil {
		return fmt.Errorf("memory: insert fts row into %s: %w", ftsTable, err)
	}
	return nil
}

func deleteChunk(ctx context.Context, tx *sql.Tx, table, ftsTable, id string) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id); err != nil {
		return fmt.Errorf("memory: delete chunk from %s: %w", table, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, ftsTable), id); err != nil {
		return fmt.Errorf("memory: delete fts row from %s: %w", ftsTable, err)
	}
	return nil
}

// chunkHashesForConversation returns id -> content_hash for every indexed
// chunk of a conversation, for the watcher's reconciliation diff.
func (s *store) chunkHashesForConversation(ctx context.Context, conversationID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, hash FROM conversation_chunks WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("memory: query chunk hashes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, err
		}
		out[id] = hash
	}
	return out, rows.Err()
}

// chunkHashesForFile returns id -> content_hash for every indexed chunk of
// a source file, for incremental code reindexing.
func (s *store) chunkHashesForFile(ctx context.Context, path string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, hash FROM code_chunks WHERE file_path = ?`, path)
	if err != nil {
		return nil, fmt.Errorf("memory: query code chunk hashes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, err
		}
		out[id] = hash
	}
	return out, rows.Err()
}

func (s *store) codeFileHash(ctx context.Context, path string) (string, bool, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT hash FROM code_files WHERE path = ?`, path).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("memory: query code file hash: %w", err)
	}
	return hash, true, nil
}

func upsertCodeFile(ctx context.Context, tx *sql.Tx, f *models.CodeFile) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO code_files (path, repo, hash, language, size, last_modified)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			repo = excluded.repo, hash = excluded.hash, language = excluded.language,
			size = excluded.size, last_modified = excluded.last_modified
	`, f.Path, f.RepoID, f.Hash, f.Language, f.Size, f.LastModified)
	if err != nil {
		return fmt.Errorf("memory: upsert code file: %w", err)
	}
	return nil
}

func (s *store) conversationContentHash(ctx context.Context, conversationID string) (string, bool, error) {
	var hash sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT content_hash FROM conversations WHERE id = ?`, conversationID).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("memory: query conversation hash: %w", err)
	}
	return hash.String, true, nil
}

func (s *store) setConversationContentHash(ctx context.Context, conversationID, hash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE conversations SET content_hash = ? WHERE id = ?`, hash, conversationID)
	return err
}

// keywordSearch runs an FTS MATCH query against one of the two chunk
// tables and normalizes bm25's negative-is-better rank into a positive
// score where higher is better.
func (s *store) keywordSearch(ctx context.Context, ftsTable, source, query string, limit int) ([]models.SearchResult, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, text, bm25(%s) AS rank FROM %s WHERE %s MATCH ? ORDER BY rank LIMIT ?
	`, ftsTable, ftsTable, ftsTable), query, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: keyword search %s: %w", ftsTable, err)
	}
	defer rows.Close()

	var out []models.SearchResult
	for rows.Next() {
		var id, text string
		var rank float64
		if err := rows.Scan(&id, &text, &rank); err != nil {
			return nil, err
		}
		out = append(out, models.SearchResult{
			ID:      id,
			Source:  source,
			Score:   float32(1 / (1 + math.Max(-rank, 0))),
			Content: text,
		})
	}
	return out, rows.Err()
}

func (s *store) insertDecision(ctx context.Context, d *models.Decision) error {
	alternatives, _ := json.Marshal(d.Alternatives)
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO decisions (id, timestamp, context, reasoning, alternatives, chosen, outcome, lessons)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.Timestamp, d.Context, d.Reasoning, string(alternatives), d.Chosen, d.Outcome, d.Lessons)
	return err
}

func (s *store) searchDecisions(ctx context.Context, query string, limit int) ([]models.SearchResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chosen || ': ' || reasoning AS content FROM decisions
		WHERE context LIKE ? OR reasoning LIKE ? OR chosen LIKE ?
		ORDER BY timestamp DESC LIMIT ?
	`, "%"+query+"%", "%"+query+"%", "%"+query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("memory: search decisions: %w", err)
	}
	defer rows.Close()

	var out []models.SearchResult
	for rows.Next() {
		var id, content string
		if err := rows.Scan(&id, &content); err != nil {
			return nil, err
		}
		out = append(out, models.SearchResult{ID: id, Source: "decision", Score: 1, Content: content})
	}
	return out, rows.Err()
}

func (s *store) insertMetric(ctx context.Context, m *models.Metric) error {
	context, _ := json.Marshal(m.Context)
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO metrics (id, timestamp, metric_type, metric_name, value, context)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.Timestamp, m.Type, m.Name, m.Value, string(context))
	return err
}

func (s *store) metricsInWindow(ctx context.Context, metricType string, since time.Time) ([]models.Metric, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, metric_type, metric_name, value FROM metrics
		WHERE metric_type = ? AND timestamp >= ? ORDER BY timestamp ASC
	`, metricType, since)
	if err != nil {
		return nil, fmt.Errorf("memory: query metrics window: %w", err)
	}
	defer rows.Close()

	var out []models.Metric
	for rows.Next() {
		var m models.Metric
		if err := rows.Scan(&m.ID, &m.Timestamp, &m.Type, &m.Name, &m.Value); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *store) getEmbedding(ctx context.Context, provider, model, contentHash string) (*models.EmbeddingCacheEntry, error) {
	var blob []byte
	var dims int
	var createdAt, lastAccessedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT vector, dims, created_at, last_accessed_at FROM embedding_cache
		WHERE provider = ? AND model = ? AND content_hash = ?
	`, provider, model, contentHash).Scan(&blob, &dims, &createdAt, &lastAccessedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memory: get embedding: %w", err)
	}

	now := time.Now()
	if _, err := s.db.ExecContext(ctx, `
		UPDATE embedding_cache SET last_accessed_at = ? WHERE provider = ? AND model = ? AND content_hash = ?
	`, now, provider, model, contentHash); err != nil {
		return nil, fmt.Errorf("memory: touch embedding: %w", err)
	}

	return &models.EmbeddingCacheEntry{
		Provider: provider, Model: model, ContentHash: contentHash,
		Vector: decodeVector(blob), Dims: dims,
		CreatedAt: createdAt, LastAccessedAt: now,
	}, nil
}

func (s *store) setEmbedding(ctx context.Context, e *models.EmbeddingCacheEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embedding_cache (provider, model, content_hash, vector, dims, created_at, last_accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, model, content_hash) DO UPDATE SET
			vector = excluded.vector, dims = excluded.dims, last_accessed_at = excluded.last_accessed_at
	`, e.Provider, e.Model, e.ContentHash, encodeVector(e.Vector), e.Dims, e.CreatedAt, e.LastAccessedAt)
	return err
}

func (s *store) evictEmbeddingsOverCapacity(ctx context.Context, maxSize int) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embedding_cache`).Scan(&count); err != nil {
		return fmt.Errorf("memory: count embeddings: %w", err)
	}
	if count <= maxSize {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM embedding_cache WHERE rowid IN (
			SELECT rowid FROM embedding_cache ORDER BY last_accessed_at ASC LIMIT ?
		)
	`, count-maxSize)
	return err
}

func (s *store) clearEmbeddingsForProvider(ctx context.Context, provider, model string) error {
	if model == "" {
		_, err := s.db.ExecContext(ctx, `DELETE FROM embedding_cache WHERE provider = ?`, provider)
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM embedding_cache WHERE provider = ? AND model = ?`, provider, model)
	return err
}

func (s *store) clearExpiredEmbeddings(ctx context.Context, maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge)
	_, err := s.db.ExecContext(ctx, `DELETE FROM embedding_cache WHERE last_accessed_at < ?`, cutoff)
	return err
}

// encodeVector and decodeVector store a []float32 as a little-endian byte
// blob, same layout the teacher's vector backend used for its embedding
// column.
func encodeVector(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, f := range v {
		bits := math.Float32bits(f)
		out[i*4] = byte(bits)
		out[i*4+1] = byte(bits >> 8)
		out[i*4+2] = byte(bits >> 16)
		out[i*4+3] = byte(bits >> 24)
	}
	return out
}

func decodeVector(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		bits := uint32(b[i*4]) | uint32(b[i*4+1])<<8 | uint32(b[i*4+2])<<16 | uint32(b[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
