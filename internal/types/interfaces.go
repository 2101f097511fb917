package types

import (
	"context"
	"time"
)

type TripStore interface {
	Create(ctx context.Context, trip *Trip) error
	Get(ctx context.Context, id TripID) (*Trip, error)
	List(ctx context.Context) ([]*Trip, error)
	ReadItinerary(ctx context.Context, id TripID) (string, error)
	WriteItinerary(ctx context.Context, id TripID, content string) error
	// ItineraryModTime is the last-mutated-at marker of the itinerary.
	// The zero time means the itinerary does not exist yet.
	ItineraryModTime(ctx context.Context, id TripID) (time.Time, error)
}

type ConversationStore interface {
	ResolveOrCreate(ctx context.Context, tripID TripID, id ConversationID) (*Conversation, error)
	Get(ctx context.Context, tripID TripID, id ConversationID) (*Conversation, error)
	List(ctx context.Context, tripID TripID) ([]*Conversation, error)
	Update(ctx context.Context, conv *Conversation) error
	AppendEntry(ctx context.Context, tripID TripID, id ConversationID, entry *TranscriptEntry) error
	Transcript(ctx context.Context, tripID TripID, id ConversationID, limit int) ([]*TranscriptEntry, error)
}

type TaskStore interface {
	List(ctx context.Context) ([]*Task, error)
	Get(ctx context.Context, id TaskID) (*Task, error)
	Create(ctx context.Context, task *Task) error
	Update(ctx context.Context, task *Task) error
	Delete(ctx context.Context, id TaskID) error
}
