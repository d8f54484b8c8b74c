// Package observability provides diagnostic event types and emission.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// DiagnosticEventType identifies the type of diagnostic event.
type DiagnosticEventType string

const (
	EventTypeProviderAttempt DiagnosticEventType = "provider.attempt"
	EventTypeToolCall        DiagnosticEventType = "tool.call"
	EventTypeMemoryWrite     DiagnosticEventType = "memory.write"
	EventTypePromotion       DiagnosticEventType = "evolution.promotion"
)

// DiagnosticEvent is the base event structure.
type DiagnosticEvent struct {
	Type DiagnosticEventType `json:"type"`
	Seq  int64               `json:"seq"`
	Ts   int64               `json:"ts"`
}

// ProviderAttemptEvent tracks one dispatcher attempt at a provider.
type ProviderAttemptEvent struct {
	DiagnosticEvent
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Success    bool   `json:"success"`
	Class      string `json:"class,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// ToolCallEvent tracks one completed pipeline tool call.
type ToolCallEvent struct {
	DiagnosticEvent
	Tool       string `json:"tool"`
	OK         bool   `json:"ok"`
	DurationMs int64  `json:"duration_ms"`
}

// MemoryWriteEvent tracks one append to the conversation log.
type MemoryWriteEvent struct {
	DiagnosticEvent
	Scope     string `json:"scope"`
	EntryType string `json:"entry_type"`
}

// PromotionEvent tracks one evolution loop state transition.
type PromotionEvent struct {
	DiagnosticEvent
	ProposalID string `json:"proposal_id"`
	Status     string `json:"status"`
}

// DiagnosticEventPayload is a union type for all diagnostic events.
type DiagnosticEventPayload interface {
	EventType() DiagnosticEventType
	Sequence() int64
	Timestamp() int64
}

func (e *DiagnosticEvent) EventType() DiagnosticEventType { return e.Type }
func (e *DiagnosticEvent) Sequence() int64                { return e.Seq }
func (e *DiagnosticEvent) Timestamp() int64               { return e.Ts }

// DiagnosticListener receives diagnostic events.
type DiagnosticListener func(event DiagnosticEventPayload)

// DiagnosticEmitter manages diagnostic event emission.
type DiagnosticEmitter struct {
	mu        sync.RWMutex
	seq       int64
	enabled   bool
	listeners []DiagnosticListener
}

var globalEmitter = &DiagnosticEmitter{}

// SetDiagnosticsEnabled enables or disables diagnostic events.
func SetDiagnosticsEnabled(enabled bool) {
	globalEmitter.mu.Lock()
	defer globalEmitter.mu.Unlock()
	globalEmitter.enabled = enabled
}

// IsDiagnosticsEnabled returns whether diagnostics are enabled.
func IsDiagnosticsEnabled() bool {
	globalEmitter.mu.RLock()
	defer globalEmitter.mu.RUnlock()
	return globalEmitter.enabled
}

// OnDiagnosticEvent registers a listener for diagnostic events and returns
// an unsubscribe function.
func OnDiagnosticEvent(listener DiagnosticListener) func() {
	globalEmitter.mu.Lock()
	defer globalEmitter.mu.Unlock()
	id := len(globalEmitter.listeners)
	globalEmitter.listeners = append(globalEmitter.listeners, listener)

	return func() {
		globalEmitter.mu.Lock()
		defer globalEmitter.mu.Unlock()
		if id < len(globalEmitter.listeners) {
			globalEmitter.listeners = append(globalEmitter.listeners[:id], globalEmitter.listeners[id+1:]...)
		}
	}
}

func nextSeq() int64 {
	return atomic.AddInt64(&globalEmitter.seq, 1)
}

func emit(event DiagnosticEventPayload) {
	globalEmitter.mu.RLock()
	if !globalEmitter.enabled {
		globalEmitter.mu.RUnlock()
		return
	}
	listeners := make([]DiagnosticListener, len(globalEmitter.listeners))
	copy(listeners, globalEmitter.listeners)
	globalEmitter.mu.RUnlock()

	for _, listener := range listeners {
		func() {
			defer func() { recover() }()
			listener(event)
		}()
	}
}

// EmitProviderAttempt emits a provider attempt event.
func EmitProviderAttempt(e *ProviderAttemptEvent) {
	e.Type = EventTypeProviderAttempt
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitToolCall emits a tool call event.
func EmitToolCall(e *ToolCallEvent) {
	e.Type = EventTypeToolCall
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitMemoryWrite emits a memory write event.
func EmitMemoryWrite(e *MemoryWriteEvent) {
	e.Type = EventTypeMemoryWrite
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// EmitPromotion emits an evolution promotion event.
func EmitPromotion(e *PromotionEvent) {
	e.Type = EventTypePromotion
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
	emit(e)
}

// ResetDiagnosticsForTest resets diagnostic state for testing.
func ResetDiagnosticsForTest() {
	globalEmitter.mu.Lock()
	defer globalEmitter.mu.Unlock()
	atomic.StoreInt64(&globalEmitter.seq, 0)
	globalEmitter.listeners = nil
}
