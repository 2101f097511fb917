package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/user/tripclaw/internal/types"
)

// Registry maps conversation keys to their actors. Actors are created on
// first use and live as long as the process.
type Registry struct {
	base context.Context
	deps *Deps

	mu     sync.Mutex
	actors map[types.SessionKey]*Actor
}

// NewRegistry creates a registry. Runtime calls of every actor are derived
// from base, so cancelling it aborts all of them.
func NewRegistry(base context.Context, deps Deps) *Registry {
	return &Registry{
		base:   base,
		deps:   &deps,
		actors: make(map[types.SessionKey]*Actor),
	}
}

// Get returns the actor of a conversation, creating the conversation and
// the actor when needed. The trip must exist.
func (r *Registry) Get(ctx context.Context, tripID types.TripID, convID types.ConversationID) (*Actor, error) {
	key := types.ConversationKey(tripID, convID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.actors[key]; ok {
		return a, nil
	}

	if _, err := r.deps.Trips.Get(ctx, tripID); err != nil {
		return nil, err
	}
	conv, err := r.deps.Conversations.ResolveOrCreate(ctx, tripID, convID)
	if err != nil {
		return nil, fmt.Errorf("resolve conversation: %w", err)
	}

	a := newActor(r.base, r.deps, conv)
	r.actors[key] = a
	return a, nil
}

// Lookup returns an existing actor without creating one.
func (r *Registry) Lookup(tripID types.TripID, convID types.ConversationID) (*Actor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actors[types.ConversationKey(tripID, convID)]
	return a, ok
}

// Len returns the number of live actors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// Actors returns a snapshot of all live actors.
func (r *Registry) Actors() []*Actor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		out = append(out, a)
	}
	return out
}

// CancelAll cancels the active call of every actor.
func (r *Registry) CancelAll() int {
	n := 0
	for _, a := range r.Actors() {
		if a.CancelActiveQuery() {
			n++
		}
	}
	return n
}

// Notify posts text into a conversation as a system entry, creating the
// actor when needed.
func (r *Registry) Notify(ctx context.Context, tripID types.TripID, convID types.ConversationID, text string) error {
	a, err := r.Get(ctx, tripID, convID)
	if err != nil {
		return err
	}
	return a.Notify(ctx, text)
}
