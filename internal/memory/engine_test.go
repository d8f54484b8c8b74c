package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/evoforge/substrate/pkg/models"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(Config{
		DBPath:   ":memory:",
		LogDir:   t.TempDir(),
		Debounce: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEngine_AppendWritesLogAndIndex(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	msg, err := e.Append(ctx, "conv1", models.RoleUser, "hello there", nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if msg.ConversationID != "conv1" {
		t.Fatalf("expected message bound to conv1, got %q", msg.ConversationID)
	}

	records, err := e.log.readAll("conv1")
	if err != nil {
		t.Fatalf("readAll: %v", err)
	}
	if len(records) != 1 || records[0].Content != "hello there" {
		t.Fatalf("expected log to contain the appended record, got %+v", records)
	}

	resp, err := e.SearchConversations(ctx, "hello", 10)
	if err != nil {
		t.Fatalf("SearchConversations: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("expected the mirrored chunk to be searchable, got %+v", resp.Results)
	}
}

func TestEngine_ReconcileIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Append(ctx, "conv1", models.RoleUser, "first", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := e.Append(ctx, "conv1", models.RoleAssistant, "second", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := e.Reconcile(ctx, "conv1"); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	before, err := e.store.chunkHashesForConversation(ctx, "conv1")
	if err != nil {
		t.Fatalf("chunkHashesForConversation: %v", err)
	}

	// A second reconcile over an unchanged log must leave every chunk hash
	// untouched: this is the idempotence guarantee the watcher relies on.
	if err := e.Reconcile(ctx, "conv1"); err != nil {
		t.Fatalf("Reconcile (second pass): %v", err)
	}
	after, err := e.store.chunkHashesForConversation(ctx, "conv1")
	if err != nil {
		t.Fatalf("chunkHashesForConversation: %v", err)
	}

	if len(before) != len(after) {
		t.Fatalf("expected chunk count to stay stable across idempotent reconcile: before=%d after=%d", len(before), len(after))
	}
	for id, hash := range before {
		if after[id] != hash {
			t.Fatalf("expected chunk %s hash to be unchanged, before=%q after=%q", id, hash, after[id])
		}
	}
}

func TestEngine_ReconcileRebuildsIndexFromLogAfterExternalWrite(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	// Simulate a log line that arrived without going through Append (e.g. a
	// crash between the log write and the relational mirror).
	if err := e.log.append("conv1", models.LogRecord{Role: models.RoleUser, Content: "orphaned", Timestamp: time.Now().UnixMilli()}); err != nil {
		t.Fatalf("append: %v", err)
	}

	hashes, err := e.store.chunkHashesForConversation(ctx, "conv1")
	if err != nil {
		t.Fatalf("chunkHashesForConversation: %v", err)
	}
	if len(hashes) != 0 {
		t.Fatalf("expected no indexed chunks before reconciliation, got %+v", hashes)
	}

	if err := e.Reconcile(ctx, "conv1"); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	hashes, err = e.store.chunkHashesForConversation(ctx, "conv1")
	if err != nil {
		t.Fatalf("chunkHashesForConversation: %v", err)
	}
	if len(hashes) != 1 {
		t.Fatalf("expected reconcile to index the orphaned log line, got %+v", hashes)
	}
}

func TestEngine_SearchWithNoEmbedderFlagsIndexLagging(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Append(ctx, "conv1", models.RoleUser, "findable text", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}

	resp, err := e.SearchConversations(ctx, "findable", 10)
	if err != nil {
		t.Fatalf("SearchConversations: %v", err)
	}
	if !resp.IndexLagging {
		t.Fatalf("expected keyword-only search (no embedder) to flag IndexLagging")
	}
	if len(resp.Results) != 1 {
		t.Fatalf("expected a keyword hit despite no vector index, got %+v", resp.Results)
	}
}

func TestEngine_RecordDecisionAndSearch(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.RecordDecision(ctx, &models.Decision{
		Context: "choosing a database", Reasoning: "needs embedded FTS", Chosen: "sqlite",
	}); err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}

	resp, err := e.SearchDecisions(ctx, "sqlite", 10)
	if err != nil {
		t.Fatalf("SearchDecisions: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("expected one matching decision, got %+v", resp.Results)
	}
}

func TestConversationLog_Path(t *testing.T) {
	l, err := newConversationLog(t.TempDir())
	if err != nil {
		t.Fatalf("newConversationLog: %v", err)
	}
	got := l.path("conv1")
	if filepath.Base(got) != "conv1.jsonl" {
		t.Fatalf("expected path to end in conv1.jsonl, got %q", got)
	}
}
