package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/user/tripclaw/internal/agent"
	"github.com/user/tripclaw/internal/types"
)

const (
	ReadItineraryName   = "read_itinerary"
	UpdateItineraryName = "update_itinerary"
)

func scopedTrip(ctx context.Context) (types.TripID, error) {
	scope, ok := agent.ScopeFromContext(ctx)
	if !ok {
		return "", fmt.Errorf("no trip in scope")
	}
	return scope.TripID, nil
}

// ReadItinerary returns the full itinerary of the trip in scope.
type ReadItinerary struct {
	trips types.TripStore
}

func NewReadItinerary(trips types.TripStore) *ReadItinerary {
	return &ReadItinerary{trips: trips}
}

func (r *ReadItinerary) Name() string { return ReadItineraryName }
func (r *ReadItinerary) Description() string {
	return "Read the complete itinerary markdown of the current trip"
}
func (r *ReadItinerary) Parameters() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (r *ReadItinerary) Execute(ctx context.Context, _ json.RawMessage) (string, error) {
	tripID, err := scopedTrip(ctx)
	if err != nil {
		return "", err
	}
	content, err := r.trips.ReadItinerary(ctx, tripID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(content) == "" {
		return "The itinerary is empty.", nil
	}
	return content, nil
}

// UpdateItinerary replaces the itinerary of the trip in scope.
type UpdateItinerary struct {
	trips types.TripStore
}

func NewUpdateItinerary(trips types.TripStore) *UpdateItinerary {
	return &UpdateItinerary{trips: trips}
}

func (u *UpdateItinerary) Name() string { return UpdateItineraryName }
func (u *UpdateItinerary) Description() string {
	return "Replace the itinerary of the current trip with a complete new markdown document"
}
func (u *UpdateItinerary) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"content": {"type": "string", "description": "The complete itinerary as markdown"}
		},
		"required": ["content"]
	}`)
}

func (u *UpdateItinerary) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if strings.TrimSpace(params.Content) == "" {
		return "", fmt.Errorf("content is required")
	}

	tripID, err := scopedTrip(ctx)
	if err != nil {
		return "", err
	}
	if err := u.trips.WriteItinerary(ctx, tripID, params.Content); err != nil {
		return "", err
	}
	return fmt.Sprintf("Itinerary updated (%d lines).", strings.Count(params.Content, "\n")+1), nil
}
