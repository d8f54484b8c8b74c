package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/evoforge/substrate/internal/agent"
	"github.com/evoforge/substrate/pkg/models"
)

func TestBuildOllamaMessages_ToolCallsAndResults(t *testing.T) {
	req := &agent.CompletionRequest{
		System: "sys",
		Messages: []agent.CompletionMessage{
			{Role: "user", Content: "hi"},
			{
				Role: "assistant",
				ToolCalls: []models.ToolCall{
					{ID: "call-1", Name: "lookup", Args: json.RawMessage(`{"q":"test"}`)},
				},
			},
			{
				Role: "tool",
				ToolResults: []models.ToolResult{
					{ToolCallID: "call-1", OK: true, Result: "ok"},
				},
			},
		},
	}

	msgs := buildOllamaMessages(req)
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "sys" {
		t.Fatalf("system message mismatch: %+v", msgs[0])
	}
	if msgs[2].Role != "assistant" || len(msgs[2].ToolCalls) != 1 {
		t.Fatalf("assistant tool calls missing: %+v", msgs[2])
	}
	if msgs[2].ToolCalls[0].Function.Name != "lookup" {
		t.Errorf("tool name = %q, want %q", msgs[2].ToolCalls[0].Function.Name, "lookup")
	}
	if string(msgs[2].ToolCalls[0].Function.Arguments) != `{"q":"test"}` {
		t.Errorf("tool args = %s, want %s", string(msgs[2].ToolCalls[0].Function.Arguments), `{"q":"test"}`)
	}
	if msgs[3].Role != "tool" || msgs[3].ToolName != "lookup" || msgs[3].Content != "ok" {
		t.Errorf("tool result message mismatch: %+v", msgs[3])
	}
}

func TestOllamaProvider_Complete_Streams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		lines := []string{
			`{"message":{"role":"assistant","content":"Hel"}}`,
			`{"message":{"role":"assistant","content":"lo"}}`,
			`{"done":true,"prompt_eval_count":5,"eval_count":2}`,
		}
		for _, l := range lines {
			w.Write([]byte(l + "\n"))
		}
	}))
	defer server.Close()

	p := NewOllamaProvider(OllamaConfig{BaseURL: server.URL, DefaultModel: "llama3"})
	chunks, err := p.Complete(context.Background(), &agent.CompletionRequest{Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}}}, "secret")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var text string
	var done bool
	for c := range chunks {
		if c.Error != nil {
			t.Fatalf("unexpected error chunk: %v", c.Error)
		}
		text += c.Text
		if c.Done {
			done = true
			if c.InputTokens != 5 || c.OutputTokens != 2 {
				t.Errorf("token counts = %d/%d, want 5/2", c.InputTokens, c.OutputTokens)
			}
		}
	}
	if text != "Hello" {
		t.Errorf("text = %q, want %q", text, "Hello")
	}
	if !done {
		t.Error("stream never emitted a Done chunk")
	}
}

func TestOllamaProvider_Complete_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("rate limited"))
	}))
	defer server.Close()

	p := NewOllamaProvider(OllamaConfig{BaseURL: server.URL, DefaultModel: "llama3"})
	_, err := p.Complete(context.Background(), &agent.CompletionRequest{Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}}}, "")
	if err == nil {
		t.Fatal("expected error for 429 response")
	}
	if ClassOf(err) != ClassRateLimit {
		t.Errorf("class = %s, want %s", ClassOf(err), ClassRateLimit)
	}
}

func TestOllamaProvider_Complete_MissingModel(t *testing.T) {
	p := NewOllamaProvider(OllamaConfig{})
	_, err := p.Complete(context.Background(), &agent.CompletionRequest{}, "")
	if err == nil {
		t.Fatal("expected error when no model is configured")
	}
}
