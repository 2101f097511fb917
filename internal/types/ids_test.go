package types

import (
	"testing"
)

func TestNewIDsAreUUIDs(t *testing.T) {
	ids := []string{
		string(NewTripID()),
		string(NewConversationID()),
		string(NewTaskID()),
		string(NewRunID()),
	}
	seen := make(map[string]bool)
	for _, id := range ids {
		if len(id) != 36 {
			t.Errorf("expected UUID format, got %q", id)
		}
		if seen[id] {
			t.Errorf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestSessionKeys(t *testing.T) {
	tests := []struct {
		got  SessionKey
		want SessionKey
	}{
		{NewSessionKey("telegram", "123"), "telegram:123"},
		{ConversationKey("paris", "c1"), "trip:paris:conv:c1"},
		{ConversationKey("paris", "c2"), "trip:paris:conv:c2"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("expected %s, got %s", tt.want, tt.got)
		}
	}
}
