package session

import (
	"context"
	"testing"

	"github.com/user/tripclaw/internal/types"
	"github.com/user/tripclaw/pkg/llm"
)

type completeProvider struct {
	content  string
	messages []llm.Message
}

func (p *completeProvider) Complete(_ context.Context, messages []llm.Message, _ []llm.Tool) (*llm.Response, error) {
	p.messages = messages
	return &llm.Response{Content: p.content}, nil
}

func (p *completeProvider) Stream(context.Context, []llm.Message, []llm.Tool) (<-chan llm.Delta, error) {
	return nil, nil
}

func TestLLMTitleGenerator(t *testing.T) {
	provider := &completeProvider{content: "\"Lisbon Long Weekend.\"\nextra"}
	gen := NewLLMTitleGenerator(provider)

	title, err := gen.GenerateTitle(context.Background(), []*types.TranscriptEntry{
		{Role: types.RoleUser, Text: "Plan 3 days in Lisbon"},
		{Role: types.RoleSystem, Text: "Reminder: pack adapters"},
		{Role: types.RoleAssistant, Text: "Here is a plan."},
	})
	if err != nil {
		t.Fatal(err)
	}
	if title != "Lisbon Long Weekend" {
		t.Errorf("unexpected title %q", title)
	}
	if len(provider.messages) != 2 {
		t.Fatalf("expected system + user message, got %d", len(provider.messages))
	}
	if got := provider.messages[1].Content; got != "user: Plan 3 days in Lisbon\nassistant: Here is a plan.\n" {
		t.Errorf("unexpected transcript prompt %q", got)
	}
}

func TestLLMTitleGeneratorEmpty(t *testing.T) {
	gen := NewLLMTitleGenerator(&completeProvider{content: "x"})
	if _, err := gen.GenerateTitle(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty transcript")
	}
}

func TestCleanTitleTruncates(t *testing.T) {
	long := "A very long title that goes on and on about every single stop of the journey"
	if got := cleanTitle(long); len([]rune(got)) != maxTitleLen {
		t.Errorf("expected %d runes, got %d", maxTitleLen, len([]rune(got)))
	}
}
