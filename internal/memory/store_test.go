package memory

import (
	"context"
	"testing"
	"time"

	"github.com/evoforge/substrate/pkg/models"
)

func newTestStore(t *testing.T) *store {
	t.Helper()
	s, err := openStore(":memory:")
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_WriteMessageAndKeywordSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := &models.Conversation{ID: "c1", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	msg := &models.Message{ID: "m1", ConversationID: "c1", Role: models.RoleUser, Content: "hello world", Timestamp: time.Now()}
	chunk := &models.Chunk{ID: "chunk_c1_0", SourceID: "c1", Ordinal: 0, Text: "user: hello world", ContentHash: contentHash("user: hello world")}

	if err := s.writeMessage(ctx, conv, msg, chunk); err != nil {
		t.Fatalf("writeMessage: %v", err)
	}

	results, err := s.keywordSearch(ctx, "conversation_chunks_fts", "conversation", "hello", 10)
	if err != nil {
		t.Fatalf("keywordSearch: %v", err)
	}
	if len(results) != 1 || results[0].ID != "chunk_c1_0" {
		t.Fatalf("expected one hit for chunk_c1_0, got %+v", results)
	}
	if results[0].Score <= 0 {
		t.Fatalf("expected positive normalized score, got %v", results[0].Score)
	}
}

func TestStore_ChunkHashesForConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := &models.Conversation{ID: "c1", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	msg := &models.Message{ID: "m1", ConversationID: "c1", Role: models.RoleUser, Content: "hi", Timestamp: time.Now()}
	chunk := &models.Chunk{ID: "chunk_c1_0", SourceID: "c1", Ordinal: 0, Text: "user: hi", ContentHash: "abc"}
	if err := s.writeMessage(ctx, conv, msg, chunk); err != nil {
		t.Fatalf("writeMessage: %v", err)
	}

	hashes, err := s.chunkHashesForConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("chunkHashesForConversation: %v", err)
	}
	if hashes["chunk_c1_0"] != "abc" {
		t.Fatalf("expected hash abc, got %q", hashes["chunk_c1_0"])
	}
}

func TestStore_ConversationContentHashRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.conversationContentHash(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected no hash for missing conversation, got ok=%v err=%v", ok, err)
	}

	conv := &models.Conversation{ID: "c1", CreatedAt: time.Now(), UpdatedAt: time.Now(), ContentHash: "h1"}
	if err := upsertConversationForTest(ctx, s, conv); err != nil {
		t.Fatalf("upsert conversation: %v", err)
	}

	hash, ok, err := s.conversationContentHash(ctx, "c1")
	if err != nil || !ok || hash != "h1" {
		t.Fatalf("expected hash h1, got %q ok=%v err=%v", hash, ok, err)
	}

	if err := s.setConversationContentHash(ctx, "c1", "h2"); err != nil {
		t.Fatalf("setConversationContentHash: %v", err)
	}
	hash, _, _ = s.conversationContentHash(ctx, "c1")
	if hash != "h2" {
		t.Fatalf("expected updated hash h2, got %q", hash)
	}
}

// upsertConversationForTest exercises upsertConversation without requiring
// a full writeMessage call.
func upsertConversationForTest(ctx context.Context, s *store, conv *models.Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := upsertConversation(ctx, tx, conv); err != nil {
		return err
	}
	return tx.Commit()
}

func TestStore_EmbeddingCacheIsLRU(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	entries := []*models.EmbeddingCacheEntry{
		{Provider: "p", Model: "m", ContentHash: "a", Vector: []float32{1}, Dims: 1, CreatedAt: now, LastAccessedAt: now.Add(-3 * time.Hour)},
		{Provider: "p", Model: "m", ContentHash: "b", Vector: []float32{2}, Dims: 1, CreatedAt: now, LastAccessedAt: now.Add(-2 * time.Hour)},
		{Provider: "p", Model: "m", ContentHash: "c", Vector: []float32{3}, Dims: 1, CreatedAt: now, LastAccessedAt: now.Add(-1 * time.Hour)},
	}
	for _, e := range entries {
		if err := s.setEmbedding(ctx, e); err != nil {
			t.Fatalf("setEmbedding: %v", err)
		}
	}

	// Touch "a" so it is no longer the least-recently-used entry.
	if _, err := s.getEmbedding(ctx, "p", "m", "a"); err != nil {
		t.Fatalf("getEmbedding: %v", err)
	}

	if err := s.evictEmbeddingsOverCapacity(ctx, 2); err != nil {
		t.Fatalf("evictEmbeddingsOverCapacity: %v", err)
	}

	if e, _ := s.getEmbedding(ctx, "p", "m", "a"); e == nil {
		t.Fatalf("expected recently-touched entry a to survive eviction")
	}
	if e, _ := s.getEmbedding(ctx, "p", "m", "b"); e != nil {
		t.Fatalf("expected least-recently-used entry b to be evicted")
	}
}

func TestStore_CosineSimilarity(t *testing.T) {
	if got := cosineSimilarity([]float32{1, 0}, []float32{1, 0}); got < 0.999 {
		t.Fatalf("expected ~1 for identical vectors, got %v", got)
	}
	if got := cosineSimilarity([]float32{1, 0}, []float32{0, 1}); got > 0.001 || got < -0.001 {
		t.Fatalf("expected ~0 for orthogonal vectors, got %v", got)
	}
	if got := cosineSimilarity([]float32{1}, []float32{1, 2}); got != 0 {
		t.Fatalf("expected 0 for mismatched dims, got %v", got)
	}
}

func TestStore_VectorEncodeDecodeRoundTrip(t *testing.T) {
	v := []float32{1.5, -2.25, 0, 3.125}
	got := decodeVector(encodeVector(v))
	if len(got) != len(v) {
		t.Fatalf("expected %d values, got %d", len(v), len(got))
	}
	for i := range v {
		if got[i] != v[i] {
			t.Fatalf("element %d: expected %v, got %v", i, v[i], got[i])
		}
	}
}
