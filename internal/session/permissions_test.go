package session

import (
	"slices"
	"testing"
)

func TestAllowedTools(t *testing.T) {
	tests := []struct {
		text      string
		truncated bool
		wantRead  bool
	}{
		{"Add a dinner reservation on Friday", false, false},
		{"Can you show me the itinerary?", false, true},
		{"Please summarize the plan for day 3", false, true},
		{"review my trip", false, true},
		{"What's on the schedule tomorrow?", false, true},
		{"Book a museum", true, true},
		{"Show me hotels near the station", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			allowed := AllowedTools(tt.text, tt.truncated)
			for _, base := range baseTools {
				if !slices.Contains(allowed, base) {
					t.Errorf("base tool %s missing", base)
				}
			}
			if got := slices.Contains(allowed, "read_itinerary"); got != tt.wantRead {
				t.Errorf("read_itinerary allowed = %v, want %v", got, tt.wantRead)
			}
		})
	}
}

func TestAllowedToolsDoesNotAliasBase(t *testing.T) {
	a := AllowedTools("show the itinerary", false)
	a[0] = "mutated"
	if baseTools[0] == "mutated" {
		t.Fatal("AllowedTools must not share storage with the base list")
	}
}
