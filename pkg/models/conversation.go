// Package models defines the core data types shared across the substrate.
package models

import "time"

// Role identifies the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Conversation is a durable chat thread. It is created on the first user
// turn and never automatically deleted.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// ContentHash is the SHA-256 of the conversation's log file, as last
	// observed by the watcher. Used for reconciliation idempotence.
	ContentHash string `json:"content_hash,omitempty"`
}

// Message is one turn in a Conversation. Messages are never mutated after
// write; each is persisted atomically to both the append-only log (source of
// truth) and the indexed store (searchable mirror).
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	Timestamp      time.Time      `json:"timestamp"`
	TokenEstimate  int            `json:"token_estimate,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// LogRecord is the self-describing JSON shape written to a conversation's
// append-only log file, one per line. Unknown fields must be ignored by
// readers; new fields may be added without breaking old logs.
type LogRecord struct {
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Timestamp int64          `json:"timestamp"` // epoch ms
	Metadata  map[string]any `json:"metadata,omitempty"`
}
