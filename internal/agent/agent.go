// Package agent defines the boundary between a session and the agent
// runtime that turns a prompt into a stream of typed events.
package agent

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/user/tripclaw/internal/types"
)

// ErrCancelled is reported by a terminal event when the call was aborted
// through its context.
var ErrCancelled = errors.New("agent call cancelled")

// Options configure one runtime call.
type Options struct {
	// ResumeHandle continues a prior logical agent session. Empty starts a new one.
	ResumeHandle string
	// AllowedTools is the complete list of tool names the runtime may invoke.
	AllowedTools []string
	// SystemPromptAppend is appended to the runtime's own system prompt.
	SystemPromptAppend string
	// Model overrides the runtime's default model when set.
	Model string
}

// Client invokes the agent runtime. The returned channel yields events in
// emission order and is closed when the call is over. Cancelling ctx asks
// the runtime to abort; the runtime is expected to honor it promptly.
type Client interface {
	Invoke(ctx context.Context, prompt string, opts Options) (<-chan Event, error)
}

// Event is one item of a runtime stream. The set of variants is closed.
type Event interface {
	isEvent()
}

// Init announces the resume handle of the call's logical session.
type Init struct {
	ResumeHandle string
}

// TextDelta is a fragment of assistant text as it is generated.
type TextDelta struct {
	Text string
}

// ToolStart announces a tool invocation before its input is complete.
type ToolStart struct {
	ID   string
	Name string
}

// ToolInputReady carries the full input of a started invocation.
type ToolInputReady struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult is the outcome of a tool invocation. The same ID may be
// reported more than once.
type ToolResult struct {
	ID      string
	Name    string
	Output  string
	IsError bool
}

// AssistantMessage is the complete assistant text for one turn of the call.
type AssistantMessage struct {
	Text string
}

// Terminal ends a call. Err is nil on success.
type Terminal struct {
	Err error
}

func (Init) isEvent()             {}
func (TextDelta) isEvent()        {}
func (ToolStart) isEvent()        {}
func (ToolInputReady) isEvent()   {}
func (ToolResult) isEvent()       {}
func (AssistantMessage) isEvent() {}
func (Terminal) isEvent()         {}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, prompt string, opts Options) (<-chan Event, error)

func (f ClientFunc) Invoke(ctx context.Context, prompt string, opts Options) (<-chan Event, error) {
	return f(ctx, prompt, opts)
}

// Scope names the trip and conversation a call belongs to so scoped tools
// know which itinerary and transcript they act on.
type Scope struct {
	TripID         types.TripID
	ConversationID types.ConversationID
}

type scopeKey struct{}

// WithScope attaches scope to ctx.
func WithScope(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// ScopeFromContext returns the scope of a call. ok is false when no trip is set.
func ScopeFromContext(ctx context.Context) (Scope, bool) {
	scope, ok := ctx.Value(scopeKey{}).(Scope)
	return scope, ok && scope.TripID != ""
}
