package state

import (
	"testing"

	"github.com/user/tripclaw/pkg/llm"
)

func TestHistoryAppendLoad(t *testing.T) {
	store := NewHistoryStore(t.TempDir())

	msgs, err := store.Load("h1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty history, got %d", len(msgs))
	}

	if err := store.Append("h1",
		llm.Message{Role: "user", Content: "hi"},
		llm.Message{Role: "assistant", Content: "hello"},
	); err != nil {
		t.Fatal(err)
	}
	if err := store.Append("h1", llm.Message{Role: "user", Content: "again"}); err != nil {
		t.Fatal(err)
	}

	msgs, err = store.Load("h1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 || msgs[2].Content != "again" {
		t.Errorf("unexpected history: %+v", msgs)
	}
}
