package gateway

import (
	"context"
	"time"

	"github.com/user/tripclaw/internal/session"
	"github.com/user/tripclaw/internal/types"
)

// RunStatus represents the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run is one chat message waiting for its conversation's actor.
type Run struct {
	ID        types.RunID
	Key       types.SessionKey
	Actor     *session.Actor
	Text      string
	Initiator session.Subscriber
	Status    RunStatus
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
	Error     error
	Ctx       context.Context
}

// NewRun creates a Run in the Queued state for the actor's conversation.
func NewRun(actor *session.Actor, text string, initiator session.Subscriber) *Run {
	return &Run{
		ID:        types.NewRunID(),
		Key:       types.ConversationKey(actor.TripID(), actor.ConversationID()),
		Actor:     actor,
		Text:      text,
		Initiator: initiator,
		Status:    RunStatusQueued,
		CreatedAt: time.Now(),
	}
}
