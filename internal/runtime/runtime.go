// Package runtime is the local agent runtime: an LLM tool-calling loop that
// streams its progress as agent events.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/user/tripclaw/internal/agent"
	ctxengine "github.com/user/tripclaw/internal/context"
	"github.com/user/tripclaw/pkg/llm"
)

// History persists the message log of one logical agent session.
type History interface {
	Load(handle string) ([]llm.Message, error)
	Append(handle string, msgs ...llm.Message) error
}

// Runtime implements the agentic turn loop.
type Runtime struct {
	provider  llm.Provider
	engine    *ctxengine.Engine
	history   History
	registry  *Registry
	maxRounds int
}

// New creates a Runtime with the given dependencies.
func New(
	provider llm.Provider,
	engine *ctxengine.Engine,
	history History,
	registry *Registry,
	maxRounds int,
) *Runtime {
	return &Runtime{
		provider:  provider,
		engine:    engine,
		history:   history,
		registry:  registry,
		maxRounds: maxRounds,
	}
}

var _ agent.Client = (*Runtime)(nil)

// Invoke starts one call. The resume handle is announced with an Init event
// first, and the stream always ends with exactly one Terminal event.
func (rt *Runtime) Invoke(ctx context.Context, prompt string, opts agent.Options) (<-chan agent.Event, error) {
	handle := opts.ResumeHandle
	if handle == "" {
		handle = uuid.New().String()
	}

	history, err := rt.history.Load(handle)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	allowed := rt.registry.Subset(opts.AllowedTools)
	toolNames := make([]string, 0, len(allowed))
	for _, t := range allowed {
		toolNames = append(toolNames, t.Name())
	}

	system, err := rt.engine.SystemPrompt(toolNames)
	if err != nil {
		return nil, err
	}
	if opts.SystemPromptAppend != "" {
		system += "\n" + opts.SystemPromptAppend
	}

	messages := rt.engine.BuildMessages(system, history, prompt)
	if err := rt.history.Append(handle, llm.Message{Role: "user", Content: prompt}); err != nil {
		return nil, fmt.Errorf("record user message: %w", err)
	}

	out := make(chan agent.Event, 32)
	go func() {
		defer close(out)
		emit := func(ev agent.Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit(agent.Init{ResumeHandle: handle}) {
			rt.terminate(ctx, out, ctx.Err())
			return
		}
		err := rt.loop(ctx, handle, messages, allowed, emit)
		rt.terminate(ctx, out, err)
	}()
	return out, nil
}

// terminate delivers the terminal event even when ctx is already done so
// consumers still observe the end of the call.
func (rt *Runtime) terminate(ctx context.Context, out chan<- agent.Event, err error) {
	if err != nil && ctx.Err() != nil {
		err = agent.ErrCancelled
	}
	out <- agent.Terminal{Err: err}
}

func (rt *Runtime) loop(ctx context.Context, handle string, messages []llm.Message, tools []Tool, emit func(agent.Event) bool) error {
	llmTools := asLLMTools(tools)

	for round := 0; round < rt.maxRounds; round++ {
		stream, err := rt.provider.Stream(ctx, messages, llmTools)
		if err != nil {
			return fmt.Errorf("LLM call: %w", err)
		}

		var content strings.Builder
		var calls []llm.ToolCall
		for d := range stream {
			if d.Err != nil {
				return fmt.Errorf("LLM stream: %w", d.Err)
			}
			if d.Content != "" {
				content.WriteString(d.Content)
				if !emit(agent.TextDelta{Text: d.Content}) {
					return ctx.Err()
				}
			}
			if d.ToolCallStart != nil {
				if !emit(agent.ToolStart{ID: d.ToolCallStart.ID, Name: d.ToolCallStart.Function.Name}) {
					return ctx.Err()
				}
			}
			calls = append(calls, d.ToolCalls...)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		assistant := llm.Message{Role: "assistant", Content: content.String(), ToolCalls: calls}
		messages = append(messages, assistant)
		record := []llm.Message{assistant}

		if len(calls) == 0 {
			if assistant.Content != "" && !emit(agent.AssistantMessage{Text: assistant.Content}) {
				return ctx.Err()
			}
			return rt.history.Append(handle, record...)
		}

		for _, tc := range calls {
			if !emit(agent.ToolInputReady{ID: tc.ID, Name: tc.Function.Name, Input: tc.Function.Arguments}) {
				return ctx.Err()
			}

			result, isError := rt.execute(ctx, tools, tc)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !emit(agent.ToolResult{ID: tc.ID, Name: tc.Function.Name, Output: result, IsError: isError}) {
				return ctx.Err()
			}

			toolMsg := llm.Message{Role: "tool", Content: result, ToolCallID: tc.ID}
			messages = append(messages, toolMsg)
			record = append(record, toolMsg)
		}

		if err := rt.history.Append(handle, record...); err != nil {
			return fmt.Errorf("record round: %w", err)
		}

		// Text of a tool round is reported once its tools have finished so
		// it is persisted together with their results.
		if assistant.Content != "" && !emit(agent.AssistantMessage{Text: assistant.Content}) {
			return ctx.Err()
		}
	}

	return fmt.Errorf("max tool rounds (%d) exceeded", rt.maxRounds)
}

func (rt *Runtime) execute(ctx context.Context, allowed []Tool, tc llm.ToolCall) (string, bool) {
	var tool Tool
	for _, t := range allowed {
		if t.Name() == tc.Function.Name {
			tool = t
			break
		}
	}
	if tool == nil {
		return fmt.Sprintf("error: tool %q is not available", tc.Function.Name), true
	}

	args := tc.Function.Arguments
	if len(args) == 0 || !json.Valid(args) {
		args = json.RawMessage("{}")
	}
	result, err := tool.Execute(ctx, args)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Warn("tool failed", "tool", tc.Function.Name, "call_id", tc.ID, "error", err)
		}
		return fmt.Sprintf("error: %v", err), true
	}
	return result, false
}
