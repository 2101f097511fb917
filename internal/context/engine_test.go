package context

import (
	"strings"
	"testing"

	"github.com/user/tripclaw/internal/types"
	"github.com/user/tripclaw/pkg/llm"
)

func TestNewEngine(t *testing.T) {
	e, err := New("gpt-4", 128000, 4096, 2000)
	if err != nil {
		t.Fatal(err)
	}
	if e == nil {
		t.Fatal("expected non-nil engine")
	}
}

func TestBuildTripContextFits(t *testing.T) {
	e, err := New("gpt-4", 128000, 4096, 2000)
	if err != nil {
		t.Fatal(err)
	}

	trip := &types.Trip{ID: "t1", Name: "Lisbon", Timezone: "Europe/Lisbon"}
	tc := e.BuildTripContext(trip, "# Day 1\n- Arrive LIS 09:10\n")

	if tc.Truncated {
		t.Error("expected small itinerary not to be truncated")
	}
	if !strings.Contains(tc.SystemAppend, "Arrive LIS 09:10") {
		t.Error("expected itinerary to be inlined")
	}
	if !strings.Contains(tc.SystemAppend, "Europe/Lisbon") {
		t.Error("expected trip timezone in context")
	}
}

func TestBuildTripContextTruncates(t *testing.T) {
	e, err := New("gpt-4", 128000, 4096, 50)
	if err != nil {
		t.Fatal(err)
	}

	itinerary := strings.Repeat("- Visit a museum and walk along the river in the afternoon.\n", 100)
	tc := e.BuildTripContext(&types.Trip{ID: "t1", Name: "Paris"}, itinerary)

	if !tc.Truncated {
		t.Fatal("expected large itinerary to be truncated")
	}
	if strings.Count(tc.SystemAppend, "Visit a museum") >= 100 {
		t.Error("expected only part of the itinerary to be inlined")
	}
	if !strings.Contains(tc.SystemAppend, "read_itinerary") {
		t.Error("expected truncation notice")
	}
}

func TestBuildTripContextEmpty(t *testing.T) {
	e, err := New("gpt-4", 128000, 4096, 50)
	if err != nil {
		t.Fatal(err)
	}
	tc := e.BuildTripContext(&types.Trip{ID: "t1", Name: "Oslo"}, "  \n")
	if tc.Truncated {
		t.Error("empty itinerary cannot be truncated")
	}
	if !strings.Contains(tc.SystemAppend, "no itinerary yet") {
		t.Error("expected placeholder for empty itinerary")
	}
}

func TestSystemPromptListsTools(t *testing.T) {
	e, err := New("gpt-4", 128000, 4096, 2000)
	if err != nil {
		t.Fatal(err)
	}
	prompt, err := e.SystemPrompt([]string{"update_itinerary", "web_search"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(prompt, "update_itinerary, web_search") {
		t.Errorf("expected tool list in prompt, got %q", prompt)
	}
}

func TestBuildMessagesOrder(t *testing.T) {
	e, err := New("gpt-4", 128000, 4096, 2000)
	if err != nil {
		t.Fatal(err)
	}

	history := []llm.Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
	}
	messages := e.BuildMessages("system prompt", history, "plan day two")

	if len(messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(messages))
	}
	if messages[0].Role != "system" {
		t.Errorf("expected system message first, got %q", messages[0].Role)
	}
	if messages[1].Content != "hello" {
		t.Errorf("expected history to follow system prompt, got %q", messages[1].Content)
	}
	if messages[3].Role != "user" || messages[3].Content != "plan day two" {
		t.Errorf("expected new prompt last, got %+v", messages[3])
	}
}

func TestBuildMessagesBudgetKeepsNewest(t *testing.T) {
	// Tiny budget: only 500 tokens total, 100 reserve
	e, err := New("gpt-4", 500, 100, 50)
	if err != nil {
		t.Fatal(err)
	}

	history := make([]llm.Message, 50)
	for i := range history {
		history[i] = llm.Message{Role: "user", Content: "This is a message that takes up tokens in the context window budget."}
	}
	history[49].Content = "newest"

	messages := e.BuildMessages("sys", history, "now")
	if len(messages) >= 52 {
		t.Errorf("expected truncation, got %d messages for 50 history entries", len(messages))
	}
	if messages[len(messages)-2].Content != "newest" {
		t.Errorf("expected newest history entry to be kept, got %q", messages[len(messages)-2].Content)
	}
}

func TestBuildMessagesDropsOrphanToolResult(t *testing.T) {
	e, err := New("gpt-4", 500, 100, 50)
	if err != nil {
		t.Fatal(err)
	}

	long := strings.Repeat("filler text for the budget ", 120)
	history := []llm.Message{
		{Role: "assistant", Content: long, ToolCalls: []llm.ToolCall{{ID: "c1", Function: llm.FunctionCall{Name: "web_search"}}}},
		{Role: "tool", Content: "result", ToolCallID: "c1"},
		{Role: "assistant", Content: "done"},
	}
	messages := e.BuildMessages("sys", history, "next")
	for _, m := range messages {
		if m.Role == "tool" {
			t.Fatal("tool result kept without its assistant message")
		}
	}
}
