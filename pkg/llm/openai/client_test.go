package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/user/tripclaw/pkg/llm"
)

func TestOpenAIClientComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Error("missing or invalid auth header")
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}

		resp := map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"choices": []map[string]any{
				{
					"index": 0,
					"message": map[string]any{
						"role":    "assistant",
						"content": "test response",
					},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]any{
				"prompt_tokens":     10,
				"completion_tokens": 5,
				"total_tokens":      15,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := New(&llm.Config{
		BaseURL: server.URL,
		APIKey:  "test-key",
		Model:   "gpt-4o-mini",
	})

	resp, err := client.Complete(context.Background(), []llm.Message{{Role: "user", Content: "hello"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "test response" {
		t.Errorf("expected 'test response', got %s", resp.Content)
	}
	if resp.Usage.InputTokens != 10 {
		t.Errorf("expected 10 input tokens, got %d", resp.Usage.InputTokens)
	}
}

func sseChunk(w http.ResponseWriter, delta map[string]any, finish any) {
	chunk := map[string]any{
		"id":     "chatcmpl-1",
		"object": "chat.completion.chunk",
		"model":  "gpt-4o-mini",
		"choices": []map[string]any{
			{"index": 0, "delta": delta, "finish_reason": finish},
		},
	}
	data, _ := json.Marshal(chunk)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func TestOpenAIClientStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		sseChunk(w, map[string]any{"role": "assistant", "content": "Let me "}, nil)
		sseChunk(w, map[string]any{"content": "check."}, nil)
		sseChunk(w, map[string]any{"tool_calls": []map[string]any{
			{"index": 0, "id": "call_1", "type": "function", "function": map[string]any{"name": "read_url", "arguments": ""}},
		}}, nil)
		sseChunk(w, map[string]any{"tool_calls": []map[string]any{
			{"index": 0, "function": map[string]any{"arguments": `{"url":"https://example.com"}`}},
		}}, nil)
		sseChunk(w, map[string]any{}, "tool_calls")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := New(&llm.Config{BaseURL: server.URL, APIKey: "test-key", Model: "gpt-4o-mini"})

	stream, err := client.Stream(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatal(err)
	}

	var content string
	var started []string
	var calls []llm.ToolCall
	for d := range stream {
		if d.Err != nil {
			t.Fatal(d.Err)
		}
		content += d.Content
		if d.ToolCallStart != nil {
			started = append(started, d.ToolCallStart.ID)
		}
		calls = append(calls, d.ToolCalls...)
	}

	if content != "Let me check." {
		t.Errorf("unexpected content %q", content)
	}
	if len(started) != 1 || started[0] != "call_1" {
		t.Errorf("expected one tool start for call_1, got %v", started)
	}
	if len(calls) != 1 {
		t.Fatalf("expected 1 completed tool call, got %d", len(calls))
	}
	if string(calls[0].Function.Arguments) != `{"url":"https://example.com"}` {
		t.Errorf("unexpected arguments %s", calls[0].Function.Arguments)
	}
}
