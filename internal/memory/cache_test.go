package memory

import (
	"context"
	"testing"
)

func TestEmbeddingCache_SetGetHas(t *testing.T) {
	s := newTestStore(t)
	c := newEmbeddingCache(s, 10)
	ctx := context.Background()

	if ok, err := c.has(ctx, "openai", "text-embedding-3-small", "hello"); err != nil || ok {
		t.Fatalf("expected miss before set, got ok=%v err=%v", ok, err)
	}

	vector := []float32{0.1, 0.2, 0.3}
	if err := c.set(ctx, "openai", "text-embedding-3-small", "hello", vector); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, ok, err := c.get(ctx, "openai", "text-embedding-3-small", "hello")
	if err != nil || !ok {
		t.Fatalf("expected hit after set, got ok=%v err=%v", ok, err)
	}
	if len(got) != len(vector) {
		t.Fatalf("expected vector of length %d, got %d", len(vector), len(got))
	}
}

func TestEmbeddingCache_EvictsOverCapacity(t *testing.T) {
	s := newTestStore(t)
	c := newEmbeddingCache(s, 2)
	ctx := context.Background()

	for _, text := range []string{"a", "b", "c"} {
		if err := c.set(ctx, "p", "m", text, []float32{1}); err != nil {
			t.Fatalf("set(%q): %v", text, err)
		}
	}

	if ok, _ := c.has(ctx, "p", "m", "a"); ok {
		t.Fatalf("expected oldest entry 'a' to be evicted once capacity exceeded")
	}
	if ok, _ := c.has(ctx, "p", "m", "c"); !ok {
		t.Fatalf("expected newest entry 'c' to survive eviction")
	}
}

func TestEmbeddingCache_ClearProvider(t *testing.T) {
	s := newTestStore(t)
	c := newEmbeddingCache(s, 10)
	ctx := context.Background()

	if err := c.set(ctx, "openai", "m1", "x", []float32{1}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := c.set(ctx, "ollama", "m2", "x", []float32{1}); err != nil {
		t.Fatalf("set: %v", err)
	}

	if err := c.clearProvider(ctx, "openai", ""); err != nil {
		t.Fatalf("clearProvider: %v", err)
	}

	if ok, _ := c.has(ctx, "openai", "m1", "x"); ok {
		t.Fatalf("expected openai entries cleared")
	}
	if ok, _ := c.has(ctx, "ollama", "m2", "x"); !ok {
		t.Fatalf("expected ollama entries untouched")
	}
}
