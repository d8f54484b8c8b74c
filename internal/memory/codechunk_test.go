package memory

import (
	"context"
	"strings"
	"testing"
)

func TestChunkCode_SlidingWindowWithOverlap(t *testing.T) {
	lines := make([]string, 100)
	for i := range lines {
		lines[i] = "line"
	}
	text := strings.Join(lines, "\n")

	chunks := chunkCode(text, 40, 10)
	if len(chunks) == 0 {
		t.Fatalf("expected at least one chunk")
	}
	if chunks[0].StartLine != 1 || chunks[0].EndLine != 40 {
		t.Fatalf("expected first chunk to span 1-40, got %d-%d", chunks[0].StartLine, chunks[0].EndLine)
	}
	if chunks[1].StartLine != 31 {
		t.Fatalf("expected second chunk to start at line 31 (40-10 overlap), got %d", chunks[1].StartLine)
	}
	last := chunks[len(chunks)-1]
	if last.EndLine != 100 {
		t.Fatalf("expected last chunk to reach end of file, got end line %d", last.EndLine)
	}
}

func TestChunkCode_DefaultsOnInvalidParams(t *testing.T) {
	text := strings.Repeat("x\n", 5)
	chunks := chunkCode(text, 0, 0)
	if len(chunks) == 0 {
		t.Fatalf("expected chunking to fall back to defaults instead of failing")
	}
}

func TestExtractSymbolsAndImports(t *testing.T) {
	src := `package foo

import "fmt"

func DoThing() {}

type Widget struct{}
`
	symbols := extractSymbols(src)
	if !contains(symbols, "DoThing") || !contains(symbols, "Widget") {
		t.Fatalf("expected DoThing and Widget in symbols, got %v", symbols)
	}

	imports := extractImports(src)
	if !contains(imports, "fmt") {
		t.Fatalf("expected fmt in imports, got %v", imports)
	}
}

func contains(items []string, target string) bool {
	for _, s := range items {
		if s == target {
			return true
		}
	}
	return false
}

func TestEngine_IndexCodeFileSkipsUnchangedFile(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	content := "package foo\n\nfunc A() {}\n"
	if err := e.IndexCodeFile(ctx, "repo1", "foo.go", "go", content); err != nil {
		t.Fatalf("IndexCodeFile: %v", err)
	}

	hashes, err := e.store.chunkHashesForFile(ctx, "foo.go")
	if err != nil {
		t.Fatalf("chunkHashesForFile: %v", err)
	}
	if len(hashes) == 0 {
		t.Fatalf("expected at least one indexed chunk")
	}

	// Re-indexing identical content must be a no-op: file hash is unchanged.
	if err := e.IndexCodeFile(ctx, "repo1", "foo.go", "go", content); err != nil {
		t.Fatalf("IndexCodeFile (second pass): %v", err)
	}
	hashesAgain, err := e.store.chunkHashesForFile(ctx, "foo.go")
	if err != nil {
		t.Fatalf("chunkHashesForFile: %v", err)
	}
	if len(hashesAgain) != len(hashes) {
		t.Fatalf("expected chunk set to stay stable across a no-op reindex")
	}
}
