package state

import (
	"context"
	"errors"
	"testing"

	"github.com/user/tripclaw/internal/types"
)

func TestConversationResolveOrCreate(t *testing.T) {
	store := NewConversationStore(t.TempDir())
	ctx := context.Background()

	first, err := store.ResolveOrCreate(ctx, "trip1", "conv1")
	if err != nil {
		t.Fatal(err)
	}
	first.ResumeHandle = "handle-1"
	if err := store.Update(ctx, first); err != nil {
		t.Fatal(err)
	}

	second, err := store.ResolveOrCreate(ctx, "trip1", "conv1")
	if err != nil {
		t.Fatal(err)
	}
	if second.ResumeHandle != "handle-1" {
		t.Errorf("expected existing conversation, got resume handle %q", second.ResumeHandle)
	}
}

func TestConversationGetMissing(t *testing.T) {
	store := NewConversationStore(t.TempDir())
	_, err := store.Get(context.Background(), "trip1", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConversationList(t *testing.T) {
	store := NewConversationStore(t.TempDir())
	ctx := context.Background()

	for _, id := range []types.ConversationID{"a", "b"} {
		if _, err := store.ResolveOrCreate(ctx, "trip1", id); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := store.ResolveOrCreate(ctx, "trip2", "c"); err != nil {
		t.Fatal(err)
	}

	convs, err := store.List(ctx, "trip1")
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Errorf("expected 2 conversations for trip1, got %d", len(convs))
	}
}

func TestTranscriptAppendSequence(t *testing.T) {
	store := NewConversationStore(t.TempDir())
	ctx := context.Background()

	for i, text := range []string{"hi", "hello", "plan day 2"} {
		entry := &types.TranscriptEntry{Role: types.RoleUser, Text: text}
		if err := store.AppendEntry(ctx, "trip1", "conv1", entry); err != nil {
			t.Fatal(err)
		}
		if entry.Seq != int64(i+1) {
			t.Errorf("expected seq %d, got %d", i+1, entry.Seq)
		}
	}

	entries, err := store.Transcript(ctx, "trip1", "conv1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}

	tail, err := store.Transcript(ctx, "trip1", "conv1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 || tail[0].Text != "hello" || tail[1].Seq != 3 {
		t.Errorf("unexpected tail: %+v", tail)
	}
}

func TestTranscriptToolActivityRoundTrip(t *testing.T) {
	store := NewConversationStore(t.TempDir())
	ctx := context.Background()

	entry := &types.TranscriptEntry{
		Role: types.RoleAssistant,
		Text: "Done.",
		Tools: []types.ToolActivity{
			{ID: "tu_1", Name: "update_itinerary", Status: types.ToolComplete},
		},
	}
	if err := store.AppendEntry(ctx, "trip1", "conv1", entry); err != nil {
		t.Fatal(err)
	}

	entries, err := store.Transcript(ctx, "trip1", "conv1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries[0].Tools) != 1 || entries[0].Tools[0].Name != "update_itinerary" {
		t.Errorf("tool activity not persisted: %+v", entries[0])
	}
}
