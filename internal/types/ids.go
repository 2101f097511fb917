package types

import (
	"strings"

	"github.com/google/uuid"
)

type TripID string
type ConversationID string
type TaskID string
type RunID string
type SessionKey string

func NewTripID() TripID {
	return TripID(uuid.New().String())
}

func NewConversationID() ConversationID {
	return ConversationID(uuid.New().String())
}

func NewTaskID() TaskID {
	return TaskID(uuid.New().String())
}

func NewRunID() RunID {
	return RunID(uuid.New().String())
}

func NewSessionKey(parts ...string) SessionKey {
	return SessionKey(strings.Join(parts, ":"))
}

// ConversationKey is the registry key for one (trip, conversation) pair.
func ConversationKey(tripID TripID, convID ConversationID) SessionKey {
	return NewSessionKey("trip", string(tripID), "conv", string(convID))
}
