package memory

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/evoforge/substrate/pkg/models"
)

// conversationLog manages the append-only JSONL files that are the source
// of truth for conversations. One file per conversation, under logDir,
// named "<conversation_id>.jsonl".
type conversationLog struct {
	dir string
	mu  sync.Mutex // serializes appends across conversations; fine at this scale
}

func newConversationLog(dir string) (*conversationLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("memory: create log dir: %w", err)
	}
	return &conversationLog{dir: dir}, nil
}

func (l *conversationLog) path(conversationID string) string {
	return filepath.Join(l.dir, conversationID+".jsonl")
}

// append writes one JSON line and flushes it to disk before returning, per
// the write path's durability requirement: a message is not acknowledged
// until the log line is safely on disk.
func (l *conversationLog) append(conversationID string, rec models.LogRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("memory: marshal log record: %w", err)
	}

	f, err := os.OpenFile(l.path(conversationID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("memory: open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("memory: append log record: %w", err)
	}
	return f.Sync()
}

// readAll returns every record in a conversation's log file in order.
// Unknown fields in a line are ignored by LogRecord's own json tags.
func (l *conversationLog) readAll(conversationID string) ([]models.LogRecord, error) {
	f, err := os.Open(l.path(conversationID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memory: open log file: %w", err)
	}
	defer f.Close()

	var records []models.LogRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec models.LogRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("memory: parse log line: %w", err)
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}

// hash computes the SHA-256 of a conversation's log file as it currently
// stands on disk. A missing file hashes to "".
func (l *conversationLog) hash(conversationID string) (string, error) {
	f, err := os.Open(l.path(conversationID))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("memory: open log file for hashing: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("memory: hash log file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// conversationIDFromPath extracts a conversation id from a log file's base
// name, or ok=false if it isn't a log file this package writes.
func conversationIDFromPath(path string) (id string, ok bool) {
	base := filepath.Base(path)
	const ext = ".jsonl"
	if filepath.Ext(base) != ext {
		return "", false
	}
	return base[:len(base)-len(ext)], true
}
