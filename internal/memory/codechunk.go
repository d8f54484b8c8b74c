package memory

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/evoforge/substrate/pkg/models"
)

const (
	defaultWindowLines  = 40
	defaultOverlapLines = 10
)

var (
	symbolPattern = regexp.MustCompile(`(?m)^\s*(?:func|type|class|def|struct|interface)\s+([A-Za-z_][A-Za-z0-9_]*)`)
	importPattern = regexp.MustCompile(`(?m)^\s*(?:import|from|#include|require)\s+["'<]?([A-Za-z0-9_./\\-]+)["'>]?`)
)

// chunkCode splits source text into overlapping line windows. windowLines
// and overlapLines fall back to the 40/10 defaults when non-positive.
func chunkCode(text string, windowLines, overlapLines int) []models.Chunk {
	if windowLines <= 0 {
		windowLines = defaultWindowLines
	}
	if overlapLines <= 0 || overlapLines >= windowLines {
		overlapLines = defaultOverlapLines
	}

	lines := strings.Split(text, "\n")
	stride := windowLines - overlapLines

	var chunks []models.Chunk
	for start := 0; start < len(lines); start += stride {
		end := start + windowLines
		if end > len(lines) {
			end = len(lines)
		}
		body := strings.Join(lines[start:end], "\n")
		chunks = append(chunks, models.Chunk{
			StartLine: start + 1,
			EndLine:   end,
			Text:      body,
		})
		if end == len(lines) {
			break
		}
	}
	return chunks
}

// extractSymbols and extractImports are regex-based top-level scans good
// enough to seed chunk metadata; they are not a real parser and miss
// language constructs the patterns don't cover.
func extractSymbols(text string) []string {
	return uniqueMatches(symbolPattern, text)
}

func extractImports(text string) []string {
	return uniqueMatches(importPattern, text)
}

func uniqueMatches(pattern *regexp.Regexp, text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range pattern.FindAllStringSubmatch(text, -1) {
		if len(m) < 2 || seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		out = append(out, m[1])
	}
	return out
}

// IndexCodeFile (re)indexes one source file: whole-file hash short-circuits
// unchanged files, otherwise the file is re-chunked and only chunks whose
// content hash actually changed are written.
func (e *Engine) IndexCodeFile(ctx context.Context, repo, path, language, content string) error {
	fileHash := contentHash(content)
	if existing, ok, err := e.store.codeFileHash(ctx, path); err != nil {
		return fmt.Errorf("memory: read code file hash: %w", err)
	} else if ok && existing == fileHash {
		return nil
	}

	chunks := chunkCode(content, defaultWindowLines, defaultOverlapLines)
	symbols := extractSymbols(content)
	imports := extractImports(content)

	wantHashes := make(map[string]string, len(chunks))
	byID := make(map[string]*models.Chunk, len(chunks))
	for i := range chunks {
		c := chunks[i]
		c.SourceID = path
		c.ID = fmt.Sprintf("chunk_%s_%d", path, i)
		c.ContentHash = contentHash(c.Text)
		c.Symbols = symbols
		c.Imports = imports
		wantHashes[c.ID] = c.ContentHash
		byID[c.ID] = &c
	}

	haveHashes, err := e.store.chunkHashesForFile(ctx, path)
	if err != nil {
		return fmt.Errorf("memory: read indexed code chunk hashes: %w", err)
	}

	tx, err := e.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("memory: begin code index tx: %w", err)
	}
	defer tx.Rollback()

	for id, wantHash := range wantHashes {
		if haveHash, ok := haveHashes[id]; ok && haveHash == wantHash {
			continue
		}
		if err := insertChunk(ctx, tx, "code_chunks", "code_chunks_fts", byID[id]); err != nil {
			return err
		}
	}
	for id := range haveHashes {
		if _, stillWanted := wantHashes[id]; !stillWanted {
			if err := deleteChunk(ctx, tx, "code_chunks", "code_chunks_fts", id); err != nil {
				return err
			}
		}
	}

	if err := upsertCodeFile(ctx, tx, &models.CodeFile{
		Path: path, RepoID: repo, Language: language,
		Size: int64(len(content)), Hash: fileHash, LastModified: time.Now().UnixMilli(),
	}); err != nil {
		return err
	}

	return tx.Commit()
}
