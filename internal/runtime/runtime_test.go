package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/user/tripclaw/internal/agent"
	ctxengine "github.com/user/tripclaw/internal/context"
	"github.com/user/tripclaw/internal/state"
	"github.com/user/tripclaw/pkg/llm"
)

// mockProvider streams pre-configured rounds, one per Stream call.
type mockProvider struct {
	mu        sync.Mutex
	rounds    [][]llm.Delta
	callCount int
	tools     [][]llm.Tool
	messages  [][]llm.Message
}

func (m *mockProvider) Complete(_ context.Context, _ []llm.Message, _ []llm.Tool) (*llm.Response, error) {
	return &llm.Response{Content: "fallback"}, nil
}

func (m *mockProvider) Stream(ctx context.Context, messages []llm.Message, tools []llm.Tool) (<-chan llm.Delta, error) {
	m.mu.Lock()
	idx := m.callCount
	m.callCount++
	m.tools = append(m.tools, tools)
	m.messages = append(m.messages, messages)
	m.mu.Unlock()

	var deltas []llm.Delta
	if idx < len(m.rounds) {
		deltas = m.rounds[idx]
	} else {
		deltas = []llm.Delta{{Content: "fallback"}}
	}

	ch := make(chan llm.Delta, len(deltas))
	for _, d := range deltas {
		ch <- d
	}
	close(ch)
	return ch, nil
}

func newTestRuntime(t *testing.T, provider llm.Provider, maxRounds int, tools ...Tool) (*Runtime, *state.HistoryStore) {
	t.Helper()
	engine, err := ctxengine.New("gpt-4", 128000, 4096, 2000)
	if err != nil {
		t.Fatal(err)
	}
	history := state.NewHistoryStore(t.TempDir())
	reg := NewRegistry()
	for _, tool := range tools {
		reg.Register(tool)
	}
	return New(provider, engine, history, reg, maxRounds), history
}

func collect(t *testing.T, ch <-chan agent.Event) []agent.Event {
	t.Helper()
	var out []agent.Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestInvokeSimpleResponse(t *testing.T) {
	provider := &mockProvider{rounds: [][]llm.Delta{
		{{Content: "Hello! "}, {Content: "How can I help?"}},
	}}
	rt, history := newTestRuntime(t, provider, 5)

	ch, err := rt.Invoke(context.Background(), "hi", agent.Options{})
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch)

	init, ok := events[0].(agent.Init)
	if !ok || init.ResumeHandle == "" {
		t.Fatalf("expected Init with a handle first, got %#v", events[0])
	}

	var text string
	var message string
	for _, ev := range events {
		switch e := ev.(type) {
		case agent.TextDelta:
			text += e.Text
		case agent.AssistantMessage:
			message = e.Text
		}
	}
	if text != "Hello! How can I help?" || message != text {
		t.Errorf("unexpected text %q / message %q", text, message)
	}

	term, ok := events[len(events)-1].(agent.Terminal)
	if !ok || term.Err != nil {
		t.Fatalf("expected successful Terminal last, got %#v", events[len(events)-1])
	}

	msgs, err := history.Load(init.ResumeHandle)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("unexpected history %+v", msgs)
	}
}

func TestInvokeResumesHistory(t *testing.T) {
	provider := &mockProvider{rounds: [][]llm.Delta{
		{{Content: "first"}},
		{{Content: "second"}},
	}}
	rt, _ := newTestRuntime(t, provider, 5)

	ch, err := rt.Invoke(context.Background(), "one", agent.Options{})
	if err != nil {
		t.Fatal(err)
	}
	handle := collect(t, ch)[0].(agent.Init).ResumeHandle

	ch, err = rt.Invoke(context.Background(), "two", agent.Options{ResumeHandle: handle})
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch)
	if got := events[0].(agent.Init).ResumeHandle; got != handle {
		t.Errorf("expected resumed handle %q, got %q", handle, got)
	}

	// system + user one + assistant first + user two
	if n := len(provider.messages[1]); n != 4 {
		t.Errorf("expected 4 messages on resumed call, got %d", n)
	}
}

type itineraryTool struct {
	calls int
}

func (i *itineraryTool) Name() string        { return "update_itinerary" }
func (i *itineraryTool) Description() string { return "update" }
func (i *itineraryTool) Parameters() json.RawMessage {
	return json.RawMessage(`{"type":"object"}`)
}
func (i *itineraryTool) Execute(_ context.Context, _ json.RawMessage) (string, error) {
	i.calls++
	return "itinerary updated", nil
}

func TestInvokeToolRound(t *testing.T) {
	call := llm.ToolCall{ID: "call_1", Type: "function", Function: llm.FunctionCall{Name: "update_itinerary", Arguments: json.RawMessage(`{"content":"# Day 1"}`)}}
	provider := &mockProvider{rounds: [][]llm.Delta{
		{{ToolCallStart: &llm.ToolCall{ID: "call_1", Function: llm.FunctionCall{Name: "update_itinerary"}}}, {ToolCalls: []llm.ToolCall{call}}},
		{{Content: "Done."}},
	}}
	tool := &itineraryTool{}
	rt, _ := newTestRuntime(t, provider, 5, tool)

	ch, err := rt.Invoke(context.Background(), "add day 1", agent.Options{AllowedTools: []string{"update_itinerary"}})
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch)

	var kinds []string
	for _, ev := range events {
		switch e := ev.(type) {
		case agent.ToolStart:
			kinds = append(kinds, "start:"+e.ID)
		case agent.ToolInputReady:
			kinds = append(kinds, "input:"+e.ID)
		case agent.ToolResult:
			if e.IsError {
				t.Errorf("unexpected tool error %q", e.Output)
			}
			kinds = append(kinds, "result:"+e.ID)
		}
	}
	want := []string{"start:call_1", "input:call_1", "result:call_1"}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], kinds[i])
		}
	}
	if tool.calls != 1 {
		t.Errorf("expected tool executed once, got %d", tool.calls)
	}
	if len(provider.tools[0]) != 1 || provider.tools[0][0].Function.Name != "update_itinerary" {
		t.Errorf("expected only the allowed tool to be offered, got %+v", provider.tools[0])
	}
}

func TestInvokeDisallowedToolIsRefused(t *testing.T) {
	call := llm.ToolCall{ID: "call_1", Function: llm.FunctionCall{Name: "update_itinerary", Arguments: json.RawMessage(`{}`)}}
	provider := &mockProvider{rounds: [][]llm.Delta{
		{{ToolCalls: []llm.ToolCall{call}}},
		{{Content: "ok"}},
	}}
	tool := &itineraryTool{}
	rt, _ := newTestRuntime(t, provider, 5, tool)

	ch, err := rt.Invoke(context.Background(), "hi", agent.Options{AllowedTools: []string{"web_search"}})
	if err != nil {
		t.Fatal(err)
	}
	var refused bool
	for _, ev := range collect(t, ch) {
		if r, ok := ev.(agent.ToolResult); ok && r.IsError {
			refused = true
		}
	}
	if !refused {
		t.Error("expected error result for a tool outside the allow-list")
	}
	if tool.calls != 0 {
		t.Error("disallowed tool must not execute")
	}
}

func TestInvokeMaxRoundsExceeded(t *testing.T) {
	call := llm.ToolCall{ID: "c", Function: llm.FunctionCall{Name: "update_itinerary", Arguments: json.RawMessage(`{}`)}}
	round := []llm.Delta{{ToolCalls: []llm.ToolCall{call}}}
	provider := &mockProvider{rounds: [][]llm.Delta{round, round, round}}
	rt, _ := newTestRuntime(t, provider, 2, &itineraryTool{})

	ch, err := rt.Invoke(context.Background(), "loop", agent.Options{AllowedTools: []string{"update_itinerary"}})
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch)
	term := events[len(events)-1].(agent.Terminal)
	if term.Err == nil {
		t.Fatal("expected terminal error after max rounds")
	}
}

func TestInvokeStreamError(t *testing.T) {
	provider := &mockProvider{rounds: [][]llm.Delta{
		{{Content: "partial"}, {Err: errors.New("connection reset")}},
	}}
	rt, _ := newTestRuntime(t, provider, 5)

	ch, err := rt.Invoke(context.Background(), "hi", agent.Options{})
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch)
	term := events[len(events)-1].(agent.Terminal)
	if term.Err == nil || errors.Is(term.Err, agent.ErrCancelled) {
		t.Fatalf("expected genuine failure, got %v", term.Err)
	}
}

func TestInvokeCancelled(t *testing.T) {
	provider := &mockProvider{rounds: [][]llm.Delta{{{Content: "never"}}}}
	rt, _ := newTestRuntime(t, provider, 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch, err := rt.Invoke(ctx, "hi", agent.Options{})
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch)
	term, ok := events[len(events)-1].(agent.Terminal)
	if !ok {
		t.Fatalf("expected Terminal last, got %#v", events[len(events)-1])
	}
	if !errors.Is(term.Err, agent.ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", term.Err)
	}
}
