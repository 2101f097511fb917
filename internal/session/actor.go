// Package session serializes conversation turns into the agent runtime and
// fans the resulting stream out to every connected viewer.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/tripclaw/internal/agent"
	ctxengine "github.com/user/tripclaw/internal/context"
	"github.com/user/tripclaw/internal/runtime/tools"
	"github.com/user/tripclaw/internal/types"
)

// DefaultTitleDebounce is the quiet period before a title is generated.
const DefaultTitleDebounce = 15 * time.Second

// maxBroadcastOutput caps tool output copied into tool_result messages.
const maxBroadcastOutput = 4000

// PromptBuilder renders the per-call trip context.
type PromptBuilder interface {
	BuildTripContext(trip *types.Trip, itinerary string) ctxengine.TripContext
}

// Deps are the collaborators shared by every actor of a registry.
type Deps struct {
	Trips         types.TripStore
	Conversations types.ConversationStore
	Agent         agent.Client
	Prompts       PromptBuilder
	// Titles may be nil to disable title generation.
	Titles        TitleGenerator
	TitleDebounce time.Duration
	// Model overrides the runtime's default model when set.
	Model string
}

// Actor owns one conversation. It runs at most one runtime call at a time
// and broadcasts everything the call produces to its subscribers.
type Actor struct {
	tripID types.TripID
	convID types.ConversationID
	deps   *Deps
	base   context.Context
	log    *slog.Logger

	// gate is held for the whole lifetime of a runtime call.
	gate *semaphore.Weighted

	mu           sync.Mutex
	subscribers  map[Subscriber]struct{}
	resumeHandle string
	title        string
	call         *activeCall
	titleTimer   *time.Timer
	titleGen     uint64
	// titleCancel aborts a title request in flight.
	titleCancel  context.CancelFunc
}

// activeCall is the bookkeeping of one runtime call.
type activeCall struct {
	ctx             context.Context
	cancel          context.CancelFunc
	cancelRequested bool
	terminalSent    bool
	initiator       Subscriber
	allowed         map[string]bool

	pending   map[string]*types.ToolActivity
	order     []string
	handled   map[string]bool
	// flushed holds tools already written to the transcript by an
	// assistant message.
	flushed   map[string]*types.ToolActivity
	telemetry map[string]*toolTiming

	partial          strings.Builder
	itineraryMarker  time.Time
	itineraryUpdated bool
}

type toolTiming struct {
	started    time.Time
	inputReady time.Time
	inputSize  int
}

func newActor(base context.Context, deps *Deps, conv *types.Conversation) *Actor {
	return &Actor{
		tripID:       conv.TripID,
		convID:       conv.ID,
		deps:         deps,
		base:         base,
		log:          slog.With("trip_id", conv.TripID, "conversation_id", conv.ID),
		gate:         semaphore.NewWeighted(1),
		subscribers:  make(map[Subscriber]struct{}),
		resumeHandle: conv.ResumeHandle,
		title:        conv.Title,
	}
}

// TripID returns the trip of the actor's conversation.
func (a *Actor) TripID() types.TripID { return a.tripID }

// ConversationID returns the actor's conversation.
func (a *Actor) ConversationID() types.ConversationID { return a.convID }

// Active reports whether a call is running and has not produced its
// terminal result yet.
func (a *Actor) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeLocked()
}

func (a *Actor) activeLocked() bool {
	return a.call != nil && !a.call.terminalSent
}

// ResumeHandle returns the handle the next call continues from.
func (a *Actor) ResumeHandle() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resumeHandle
}

func (a *Actor) message(t MessageType) *Message {
	return &Message{Type: t, TripID: a.tripID, ConversationID: a.convID}
}

func (a *Actor) infoLocked() *Message {
	active := a.activeLocked()
	msg := a.message(TypeSessionInfo)
	msg.Active = &active
	msg.Title = a.title
	return msg
}

// Subscribe adds sub and sends it the current activity snapshot.
// Subscribing twice has no further effect.
func (a *Actor) Subscribe(sub Subscriber) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.subscribers[sub]; ok {
		return
	}
	if err := sub.Send(a.infoLocked()); err != nil {
		a.log.Debug("subscriber send failed", "error", err)
		return
	}
	a.subscribers[sub] = struct{}{}
}

// Unsubscribe removes sub. Unknown subscribers are ignored.
func (a *Actor) Unsubscribe(sub Subscriber) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.subscribers, sub)
}

// Subscribers returns the number of current subscribers.
func (a *Actor) Subscribers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.subscribers)
}

// broadcastLocked sends msg to every subscriber, dropping those that fail,
// and returns the set that received it.
func (a *Actor) broadcastLocked(msg *Message) map[Subscriber]bool {
	delivered := make(map[Subscriber]bool, len(a.subscribers))
	for sub := range a.subscribers {
		if err := sub.Send(msg); err != nil {
			a.log.Debug("dropping subscriber", "type", msg.Type, "error", err)
			delete(a.subscribers, sub)
			continue
		}
		delivered[sub] = true
	}
	return delivered
}

// AddUserMessage runs one turn. It waits for any call already in progress,
// persists the user text, invokes the runtime and dispatches its events
// until the stream ends. The terminal result is delivered to the
// subscribers and to initiator, which may be nil. An error is returned only
// when ctx ends before the turn could start; every other turn ends in
// exactly one result message.
func (a *Actor) AddUserMessage(ctx context.Context, text string, initiator Subscriber) error {
	if err := a.gate.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("wait for active call: %w", err)
	}
	defer a.gate.Release(1)

	a.mu.Lock()
	a.stopTitleTimerLocked()
	a.mu.Unlock()

	if err := a.deps.Conversations.AppendEntry(ctx, a.tripID, a.convID, &types.TranscriptEntry{
		Role: types.RoleUser,
		Text: text,
		At:   time.Now(),
	}); err != nil {
		a.mu.Lock()
		a.failTurnLocked(initiator, fmt.Errorf("persist user message: %w", err))
		a.mu.Unlock()
		return nil
	}

	trip, itinerary, marker, err := a.loadTrip(ctx)
	if err != nil {
		a.mu.Lock()
		a.failTurnLocked(initiator, err)
		a.mu.Unlock()
		return nil
	}

	tc := a.deps.Prompts.BuildTripContext(trip, itinerary)
	allowedList := AllowedTools(text, tc.Truncated)
	allowed := make(map[string]bool, len(allowedList))
	for _, name := range allowedList {
		allowed[name] = true
	}

	callCtx, cancel := context.WithCancel(agent.WithScope(a.base, agent.Scope{TripID: a.tripID, ConversationID: a.convID}))
	defer cancel()

	call := &activeCall{
		ctx:             callCtx,
		cancel:          cancel,
		initiator:       initiator,
		allowed:         allowed,
		pending:         make(map[string]*types.ToolActivity),
		handled:         make(map[string]bool),
		flushed:         make(map[string]*types.ToolActivity),
		telemetry:       make(map[string]*toolTiming),
		itineraryMarker: marker,
	}

	a.mu.Lock()
	a.call = call
	opts := agent.Options{
		ResumeHandle:       a.resumeHandle,
		AllowedTools:       allowedList,
		SystemPromptAppend: tc.SystemAppend,
		Model:              a.deps.Model,
	}
	a.broadcastLocked(a.infoLocked())
	a.mu.Unlock()

	a.log.Info("runtime call started", "resume", opts.ResumeHandle != "", "allowed_tools", allowedList, "itinerary_truncated", tc.Truncated)

	events, err := a.deps.Agent.Invoke(callCtx, text, opts)
	if err != nil {
		a.mu.Lock()
		a.finishLocked(call, err)
		a.endCallLocked(call)
		a.mu.Unlock()
		return nil
	}

	for ev := range events {
		a.dispatch(call, ev)
	}

	a.mu.Lock()
	// The stream ended without a terminal event.
	a.finishLocked(call, nil)
	a.endCallLocked(call)
	a.mu.Unlock()
	return nil
}

func (a *Actor) loadTrip(ctx context.Context) (*types.Trip, string, time.Time, error) {
	trip, err := a.deps.Trips.Get(ctx, a.tripID)
	if err != nil {
		return nil, "", time.Time{}, fmt.Errorf("load trip: %w", err)
	}
	itinerary, err := a.deps.Trips.ReadItinerary(ctx, a.tripID)
	if err != nil {
		return nil, "", time.Time{}, fmt.Errorf("load itinerary: %w", err)
	}
	marker, err := a.deps.Trips.ItineraryModTime(ctx, a.tripID)
	if err != nil {
		return nil, "", time.Time{}, fmt.Errorf("read itinerary marker: %w", err)
	}
	return trip, itinerary, marker, nil
}

// failTurnLocked reports a turn that failed before the runtime was invoked.
func (a *Actor) failTurnLocked(initiator Subscriber, err error) {
	a.log.Error("prepare runtime call", "error", err)
	msg := a.message(TypeResult)
	msg.Subtype = ResultError
	msg.IsError = true
	msg.Text = err.Error()
	delivered := a.broadcastLocked(msg)
	if initiator != nil && !delivered[initiator] {
		initiator.Send(msg)
	}
}

func (a *Actor) endCallLocked(call *activeCall) {
	if a.call == call {
		a.call = nil
	}
	a.broadcastLocked(a.infoLocked())
}

// CancelActiveQuery aborts the running call. It is a no-op when idle or once
// the call's terminal result was produced. Otherwise a cancelled result is
// delivered immediately, and whatever the runtime still emits for the call
// is ignored.
func (a *Actor) CancelActiveQuery() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	call := a.call
	if call == nil || call.terminalSent {
		return false
	}
	call.cancelRequested = true
	call.cancel()
	a.finishLocked(call, agent.ErrCancelled)
	a.log.Info("runtime call cancelled")
	return true
}

func (a *Actor) dispatch(call *activeCall, ev agent.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if call.cancelRequested || call.terminalSent {
		return
	}

	switch e := ev.(type) {
	case agent.TextDelta:
		a.onTextDelta(call, e)
	case agent.Init:
		a.onInit(e)
	case agent.ToolStart:
		a.onToolStart(call, e)
	case agent.ToolInputReady:
		a.onToolInputReady(call, e)
	case agent.ToolResult:
		a.onToolResult(call, e)
	case agent.AssistantMessage:
		a.onAssistantMessage(call, e)
	case agent.Terminal:
		a.finishLocked(call, e.Err)
	default:
		a.log.Warn("unknown runtime event", "event", fmt.Sprintf("%T", ev))
	}
}

func (a *Actor) onTextDelta(call *activeCall, e agent.TextDelta) {
	call.partial.WriteString(e.Text)
	clean := Sanitize(call.partial.String())
	if clean == "" {
		return
	}
	msg := a.message(TypeAssistantPartial)
	msg.Text = clean
	a.broadcastLocked(msg)
}

func (a *Actor) onInit(e agent.Init) {
	if e.ResumeHandle != "" && e.ResumeHandle != a.resumeHandle {
		a.resumeHandle = e.ResumeHandle
		if err := a.persistResumeHandle(e.ResumeHandle); err != nil {
			a.log.Error("persist resume handle", "error", err)
		}
	}
	active := true
	msg := a.message(TypeSessionInfo)
	msg.Active = &active
	msg.ResumeHandle = a.resumeHandle
	msg.Title = a.title
	a.broadcastLocked(msg)
}

func (a *Actor) persistResumeHandle(handle string) error {
	ctx := context.WithoutCancel(a.base)
	conv, err := a.deps.Conversations.Get(ctx, a.tripID, a.convID)
	if err != nil {
		return err
	}
	conv.ResumeHandle = handle
	return a.deps.Conversations.Update(ctx, conv)
}

func (a *Actor) onToolStart(call *activeCall, e agent.ToolStart) {
	if !call.allowed[e.Name] {
		a.log.Debug("suppressing disallowed tool", "tool", e.Name, "call_id", e.ID)
		return
	}
	if _, ok := call.pending[e.ID]; ok || call.handled[e.ID] || call.flushed[e.ID] != nil {
		return
	}
	act := a.recordToolLocked(call, e.ID, e.Name)
	msg := a.message(TypeToolUseStart)
	msg.Tool = copyActivity(act)
	a.broadcastLocked(msg)
}

func (a *Actor) recordToolLocked(call *activeCall, id, name string) *types.ToolActivity {
	now := time.Now()
	act := &types.ToolActivity{
		ID:        id,
		Name:      name,
		Status:    types.ToolRunning,
		StartedAt: now,
	}
	call.pending[id] = act
	call.order = append(call.order, id)
	call.telemetry[id] = &toolTiming{started: now}
	return act
}

func (a *Actor) onToolInputReady(call *activeCall, e agent.ToolInputReady) {
	if !call.allowed[e.Name] {
		return
	}
	if call.handled[e.ID] {
		return
	}
	act, ok := call.pending[e.ID]
	if !ok {
		if call.flushed[e.ID] != nil {
			return
		}
		act = a.recordToolLocked(call, e.ID, e.Name)
	}
	act.Input = e.Input

	timing := call.telemetry[e.ID]
	timing.inputReady = time.Now()
	timing.inputSize = len(e.Input)
	a.log.Debug("tool input ready",
		"tool", e.Name,
		"call_id", e.ID,
		"generation_ms", timing.inputReady.Sub(timing.started).Milliseconds(),
		"input_bytes", timing.inputSize,
	)

	msg := a.message(TypeToolUse)
	msg.Tool = copyActivity(act)
	a.broadcastLocked(msg)
}

func (a *Actor) onToolResult(call *activeCall, e agent.ToolResult) {
	if !call.allowed[e.Name] {
		return
	}
	if call.handled[e.ID] {
		return
	}
	call.handled[e.ID] = true

	act, ok := call.pending[e.ID]
	if !ok {
		// A result for a tool already in the transcript completes the
		// broadcast copy only.
		if prev := call.flushed[e.ID]; prev != nil {
			act = copyActivity(prev)
		} else {
			act = a.recordToolLocked(call, e.ID, e.Name)
		}
	}
	now := time.Now()
	act.Status = types.ToolComplete
	act.IsError = e.IsError
	act.CompletedAt = &now

	if timing := call.telemetry[e.ID]; timing != nil {
		from := timing.inputReady
		if from.IsZero() {
			from = timing.started
		}
		a.log.Debug("tool finished",
			"tool", e.Name,
			"call_id", e.ID,
			"execution_ms", now.Sub(from).Milliseconds(),
			"total_ms", now.Sub(timing.started).Milliseconds(),
			"input_bytes", timing.inputSize,
			"is_error", e.IsError,
		)
	}

	if e.Name == tools.UpdateItineraryName && !e.IsError {
		call.itineraryUpdated = true
		updated := a.message(TypeEntityUpdated)
		updated.Entity = EntityItinerary
		a.broadcastLocked(updated)
	}

	msg := a.message(TypeToolResult)
	msg.Tool = copyActivity(act)
	msg.Output = truncate(e.Output, maxBroadcastOutput)
	msg.IsError = e.IsError
	a.broadcastLocked(msg)
}

func (a *Actor) onAssistantMessage(call *activeCall, e agent.AssistantMessage) {
	text := Sanitize(e.Text)
	call.partial.Reset()
	if text == "" {
		return
	}

	entry := &types.TranscriptEntry{
		Role:  types.RoleAssistant,
		Text:  text,
		Tools: a.flushToolsLocked(call),
		At:    time.Now(),
	}
	if err := a.deps.Conversations.AppendEntry(context.WithoutCancel(a.base), a.tripID, a.convID, entry); err != nil {
		a.log.Error("persist assistant message", "error", err)
	}

	msg := a.message(TypeAssistantMessage)
	msg.Entry = entry
	a.broadcastLocked(msg)

	a.armTitleTimerLocked()
}

func (a *Actor) flushToolsLocked(call *activeCall) []types.ToolActivity {
	if len(call.order) == 0 {
		return nil
	}
	out := make([]types.ToolActivity, 0, len(call.order))
	for _, id := range call.order {
		if act, ok := call.pending[id]; ok {
			out = append(out, *act)
			call.flushed[id] = copyActivity(act)
		}
	}
	call.pending = make(map[string]*types.ToolActivity)
	call.order = nil
	return out
}

// finishLocked produces the call's single terminal result. Later calls for
// the same call are ignored.
func (a *Actor) finishLocked(call *activeCall, err error) {
	if call.terminalSent {
		return
	}
	call.terminalSent = true

	msg := a.message(TypeResult)
	switch {
	case err == nil && call.ctx.Err() == nil:
		msg.Subtype = ResultSuccess
	case call.cancelRequested || errors.Is(err, agent.ErrCancelled) || call.ctx.Err() != nil:
		msg.Subtype = ResultCancelled
		msg.IsError = true
	default:
		a.log.Error("runtime call failed", "error", err)
		msg.Subtype = ResultError
		msg.IsError = true
		msg.Text = err.Error()
	}

	// Tool work the runtime never followed with text is still recorded.
	if len(call.order) > 0 && !call.cancelRequested {
		entry := &types.TranscriptEntry{
			Role:  types.RoleAssistant,
			Tools: a.flushToolsLocked(call),
			At:    time.Now(),
		}
		if err := a.deps.Conversations.AppendEntry(context.WithoutCancel(a.base), a.tripID, a.convID, entry); err != nil {
			a.log.Error("persist tool activity", "error", err)
		}
	}

	delivered := a.broadcastLocked(msg)
	if call.initiator != nil && !delivered[call.initiator] {
		if err := call.initiator.Send(msg); err != nil {
			a.log.Debug("initiator send failed", "error", err)
		}
	}

	if !call.itineraryUpdated {
		marker, err := a.deps.Trips.ItineraryModTime(context.WithoutCancel(a.base), a.tripID)
		if err != nil {
			a.log.Warn("read itinerary marker", "error", err)
		} else if !marker.Equal(call.itineraryMarker) {
			updated := a.message(TypeEntityUpdated)
			updated.Entity = EntityItinerary
			updated.Deferred = true
			a.broadcastLocked(updated)
		}
	}

	call.pending = make(map[string]*types.ToolActivity)
	call.order = nil
	call.handled = make(map[string]bool)
	call.flushed = make(map[string]*types.ToolActivity)
	call.telemetry = make(map[string]*toolTiming)
	call.partial.Reset()

	a.log.Info("runtime call finished", "result", msg.Subtype)
}

// Reset forgets the resume handle so the next call starts a new logical
// agent session. It waits for any active call to finish.
func (a *Actor) Reset(ctx context.Context) error {
	if err := a.gate.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("wait for active call: %w", err)
	}
	defer a.gate.Release(1)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.stopTitleTimerLocked()
	a.resumeHandle = ""
	conv, err := a.deps.Conversations.Get(ctx, a.tripID, a.convID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	conv.ResumeHandle = ""
	if err := a.deps.Conversations.Update(ctx, conv); err != nil {
		return fmt.Errorf("reset conversation: %w", err)
	}
	a.log.Info("conversation reset")
	return nil
}

// Notify appends a system entry to the transcript and broadcasts it.
func (a *Actor) Notify(ctx context.Context, text string) error {
	entry := &types.TranscriptEntry{
		Role: types.RoleSystem,
		Text: text,
		At:   time.Now(),
	}
	if err := a.deps.Conversations.AppendEntry(ctx, a.tripID, a.convID, entry); err != nil {
		return fmt.Errorf("persist notification: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	msg := a.message(TypeAssistantMessage)
	msg.Entry = entry
	a.broadcastLocked(msg)
	return nil
}

func (a *Actor) titleDebounce() time.Duration {
	if a.deps.TitleDebounce > 0 {
		return a.deps.TitleDebounce
	}
	return DefaultTitleDebounce
}

// stopTitleTimerLocked drops a pending title timer and aborts a title
// request already running.
func (a *Actor) stopTitleTimerLocked() {
	if a.titleTimer != nil {
		a.titleTimer.Stop()
		a.titleTimer = nil
	}
	if a.titleCancel != nil {
		a.titleCancel()
		a.titleCancel = nil
	}
}

// armTitleTimerLocked (re)schedules title generation after the quiet period.
func (a *Actor) armTitleTimerLocked() {
	if a.deps.Titles == nil || a.title != "" {
		return
	}
	a.stopTitleTimerLocked()
	a.titleGen++
	gen := a.titleGen
	a.titleTimer = time.AfterFunc(a.titleDebounce(), func() { a.generateTitle(gen) })
}

// generateTitle runs on the debounce timer. It gives up when a call is in
// flight, and a new turn aborts it through titleCancel.
func (a *Actor) generateTitle(gen uint64) {
	ctx, cancel := context.WithTimeout(a.base, 30*time.Second)
	defer cancel()

	a.mu.Lock()
	if a.titleGen != gen || a.titleTimer == nil {
		a.mu.Unlock()
		return
	}
	a.titleTimer = nil
	if a.activeLocked() {
		a.mu.Unlock()
		a.log.Debug("skipping title generation during active call")
		return
	}
	if a.title != "" {
		a.mu.Unlock()
		return
	}
	a.titleCancel = cancel
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		if a.titleGen == gen {
			a.titleCancel = nil
		}
		a.mu.Unlock()
	}()

	entries, err := a.deps.Conversations.Transcript(ctx, a.tripID, a.convID, 0)
	if err != nil {
		a.log.Warn("load transcript for title", "error", err)
		return
	}
	if len(entries) > 6 {
		entries = entries[:6]
	}
	title, err := a.deps.Titles.GenerateTitle(ctx, entries)
	if ctx.Err() != nil {
		a.log.Debug("title generation aborted", "error", ctx.Err())
		return
	}
	if err != nil || title == "" {
		a.log.Warn("title generation failed", "error", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if ctx.Err() != nil || a.title != "" {
		return
	}
	store := context.WithoutCancel(a.base)
	conv, err := a.deps.Conversations.Get(store, a.tripID, a.convID)
	if err != nil {
		a.log.Warn("load conversation for title", "error", err)
		return
	}
	if conv.Title == "" {
		conv.Title = title
		if err := a.deps.Conversations.Update(store, conv); err != nil {
			a.log.Error("persist title", "error", err)
			return
		}
	}
	a.title = conv.Title
	a.broadcastLocked(a.infoLocked())
	a.log.Info("conversation titled", "title", a.title)
}

func copyActivity(act *types.ToolActivity) *types.ToolActivity {
	c := *act
	return &c
}
