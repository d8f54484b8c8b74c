package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/evoforge/substrate/internal/infra"
	"github.com/evoforge/substrate/internal/memory/embeddings"
	"github.com/evoforge/substrate/pkg/models"
)

// Config configures an Engine.
type Config struct {
	DBPath   string
	LogDir   string
	Debounce time.Duration

	CacheMaxSize int
	CacheMaxAge  time.Duration

	// PostgresDSN, if set, moves the embedding cache onto a Postgres+pgvector
	// store instead of the SQLite store's own embedding_cache table. The
	// relational store and FTS index always stay on SQLite.
	PostgresDSN string

	Embedder embeddings.Provider // optional: nil disables semantic search

	Logger *slog.Logger
}

// DefaultConfig returns the configuration's defaults: a one-second watcher
// debounce and a ten-thousand-entry embedding cache.
func DefaultConfig() Config {
	return Config{Debounce: time.Second, CacheMaxSize: 10000}
}

// Engine is the Memory Engine: the single process-wide instance combining
// the relational store and FTS index, the append-only conversation log,
// the embedding cache, and the file watcher that reconciles the log and
// the index.
type Engine struct {
	store      *store
	log        *conversationLog
	cache      *embeddingCache
	embedder   embeddings.Provider
	embedGroup infra.Group[string, []float32]
	watcher    *watcher
	logger     *slog.Logger

	cancelWatch context.CancelFunc
}

// NewEngine constructs an Engine and starts its file watcher.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LogDir == "" {
		return nil, fmt.Errorf("memory: log dir is required")
	}

	s, err := openStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	logFiles, err := newConversationLog(cfg.LogDir)
	if err != nil {
		s.Close()
		return nil, err
	}

	var embedBackend embeddingStore = s
	if cfg.PostgresDSN != "" {
		pg, err := newPgEmbeddingStore(context.Background(), cfg.PostgresDSN)
		if err != nil {
			s.Close()
			return nil, err
		}
		embedBackend = pg
	}

	e := &Engine{
		store:    s,
		log:      logFiles,
		cache:    newEmbeddingCache(embedBackend, cfg.CacheMaxSize),
		embedder: cfg.Embedder,
		logger:   cfg.Logger.With("component", "memory.engine"),
	}

	w, err := newWatcher(e, cfg.Debounce, cfg.Logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	e.watcher = w

	ctx, cancel := context.WithCancel(context.Background())
	e.cancelWatch = cancel
	go w.run(ctx)

	return e, nil
}

// Close stops the file watcher and closes the store. In-flight reconciles
// are allowed to complete; no new ones are scheduled.
func (e *Engine) Close() error {
	if e.cancelWatch != nil {
		e.cancelWatch()
	}
	return e.store.Close()
}

// Append performs the write path for one message: append to the log
// (flushed before return — its failure fails the call loudly), then
// mirror it into the relational store and FTS index within one
// transaction. A failure in the mirror step is logged and left for the
// watcher to reconcile; the call still reports success, since the log
// already holds the authoritative record.
func (e *Engine) Append(ctx context.Context, conversationID string, role models.Role, content string, metadata map[string]any) (*models.Message, error) {
	now := time.Now()
	rec := models.LogRecord{Role: role, Content: content, Timestamp: now.UnixMilli(), Metadata: metadata}
	if err := e.log.append(conversationID, rec); err != nil {
		return nil, fmt.Errorf("memory: append to log: %w", err)
	}

	msg := &models.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Timestamp:      now,
		Metadata:       metadata,
	}

	records, err := e.log.readAll(conversationID)
	if err != nil {
		e.logger.Error("mirror skipped: failed to reread log", "conversation_id", conversationID, "error", err)
		return msg, nil
	}
	ordinal := len(records) - 1
	chunk := conversationChunk(conversationID, ordinal, role, content)

	conv := &models.Conversation{ID: conversationID, CreatedAt: now, UpdatedAt: now}
	if len(records) > 1 {
		conv.CreatedAt = time.UnixMilli(records[0].Timestamp)
	}

	if err := e.store.writeMessage(ctx, conv, msg, chunk); err != nil {
		e.logger.Error("mirror write failed, deferring to watcher reconciliation", "conversation_id", conversationID, "error", err)
		return msg, nil
	}
	return msg, nil
}

func conversationChunk(conversationID string, ordinal int, role models.Role, content string) *models.Chunk {
	text := fmt.Sprintf("%s: %s", role, content)
	return &models.Chunk{
		ID:          fmt.Sprintf("chunk_%s_%d", conversationID, ordinal),
		SourceID:    conversationID,
		Ordinal:     ordinal,
		Text:        text,
		ContentHash: contentHash(text),
	}
}

// Reconcile brings the index for one conversation back in line with its
// log file: if the file's hash hasn't moved since the last reconcile, it
// is a no-op; otherwise every chunk derived from the current log content
// is diffed by content hash against what's indexed, inserting what's new
// and deleting what the log no longer has.
func (e *Engine) Reconcile(ctx context.Context, conversationID string) error {
	currentHash, err := e.log.hash(conversationID)
	if err != nil {
		return fmt.Errorf("memory: hash log file: %w", err)
	}

	storedHash, _, err := e.store.conversationContentHash(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("memory: read stored hash: %w", err)
	}
	if currentHash != "" && currentHash == storedHash {
		return nil
	}

	records, err := e.log.readAll(conversationID)
	if err != nil {
		return fmt.Errorf("memory: read log: %w", err)
	}

	wantHashes := make(map[string]string, len(records))
	chunksByID := make(map[string]*models.Chunk, len(records))
	for i, rec := range records {
		c := conversationChunk(conversationID, i, rec.Role, rec.Content)
		wantHashes[c.ID] = c.ContentHash
		chunksByID[c.ID] = c
	}

	haveHashes, err := e.store.chunkHashesForConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("memory: read indexed chunk hashes: %w", err)
	}

	tx, err := e.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("memory: begin reconcile tx: %w", err)
	}
	defer tx.Rollback()

	for id, wantHash := range wantHashes {
		if haveHash, ok := haveHashes[id]; ok && haveHash == wantHash {
			continue // equal-hash chunks are left untouched
		}
		if err := insertChunk(ctx, tx, "conversation_chunks", "conversation_chunks_fts", chunksByID[id]); err != nil {
			return err
		}
	}
	for id := range haveHashes {
		if _, stillWanted := wantHashes[id]; !stillWanted {
			if err := deleteChunk(ctx, tx, "conversation_chunks", "conversation_chunks_fts", id); err != nil {
				return err
			}
		}
	}

	now := time.Now()
	conv := &models.Conversation{ID: conversationID, CreatedAt: now, UpdatedAt: now, ContentHash: currentHash}
	if len(records) > 0 {
		conv.CreatedAt = time.UnixMilli(records[0].Timestamp)
	}
	if err := upsertConversation(ctx, tx, conv); err != nil {
		return err
	}

	return tx.Commit()
}

// RecordDecision persists a Decision, append-only in practice since its
// outcome/lessons fields are filled in by a later call with the same ID.
func (e *Engine) RecordDecision(ctx context.Context, d *models.Decision) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}
	return e.store.insertDecision(ctx, d)
}

// RecordMetric persists one immutable metric data point.
func (e *Engine) RecordMetric(ctx context.Context, m *models.Metric) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	return e.store.insertMetric(ctx, m)
}
