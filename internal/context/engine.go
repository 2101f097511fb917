// Package context assembles token-budgeted prompts for the agent runtime.
package context

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/tripclaw/internal/types"
	"github.com/user/tripclaw/pkg/llm"
)

// Engine assembles token-budgeted prompts for the LLM.
type Engine struct {
	tokenizer       *tiktoken.Tiktoken
	maxTokens       int
	reserve         int
	itineraryBudget int
	system          *template.Template
}

// New creates a context engine with the specified token budget.
// model is used to select the appropriate tokenizer (e.g. "gpt-4").
// maxTokens is the model's context window size.
// reserve is the number of tokens to reserve for the model's response.
// itineraryBudget caps how much of an itinerary is inlined into a prompt.
func New(model string, maxTokens, reserve, itineraryBudget int) (*Engine, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	tmpl, err := template.New("system").Parse(DefaultPrompt)
	if err != nil {
		return nil, fmt.Errorf("parse system prompt: %w", err)
	}
	return &Engine{
		tokenizer:       enc,
		maxTokens:       maxTokens,
		reserve:         reserve,
		itineraryBudget: itineraryBudget,
		system:          tmpl,
	}, nil
}

// countTokens returns the token count for a string.
func (e *Engine) countTokens(text string) int {
	return len(e.tokenizer.Encode(text, nil, nil))
}

// TripContext is the per-call prompt addition describing a trip.
type TripContext struct {
	SystemAppend string
	// Truncated is set when the itinerary did not fit the budget and only
	// its head was inlined.
	Truncated bool
}

// BuildTripContext renders the trip header and as much of the itinerary as
// the itinerary budget allows.
func (e *Engine) BuildTripContext(trip *types.Trip, itinerary string) TripContext {
	var b strings.Builder
	b.WriteString("## Trip\n\n")
	fmt.Fprintf(&b, "- Name: %s\n", trip.Name)
	fmt.Fprintf(&b, "- Trip ID: %s\n", trip.ID)
	if trip.Timezone != "" {
		fmt.Fprintf(&b, "- Timezone: %s\n", trip.Timezone)
	}
	b.WriteString("\n## Itinerary\n\n")

	if strings.TrimSpace(itinerary) == "" {
		b.WriteString("(no itinerary yet)\n")
		return TripContext{SystemAppend: b.String()}
	}

	tokens := e.tokenizer.Encode(itinerary, nil, nil)
	if e.itineraryBudget <= 0 || len(tokens) <= e.itineraryBudget {
		b.WriteString(itinerary)
		return TripContext{SystemAppend: b.String()}
	}

	b.WriteString(e.tokenizer.Decode(tokens[:e.itineraryBudget]))
	b.WriteString("\n\n[Itinerary truncated. Use read_itinerary for the full document.]\n")
	return TripContext{SystemAppend: b.String(), Truncated: true}
}

// PromptData feeds the system prompt template.
type PromptData struct {
	Time  string
	Tools string
}

// SystemPrompt renders the base system prompt for the given tool names.
func (e *Engine) SystemPrompt(toolNames []string) (string, error) {
	var buf bytes.Buffer
	data := PromptData{
		Time:  time.Now().Format(time.RFC3339),
		Tools: strings.Join(toolNames, ", "),
	}
	if err := e.system.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return buf.String(), nil
}

// BuildMessages assembles system prompt, the newest history that fits the
// budget, and the new user prompt. A tool result is never kept without the
// assistant message that requested it.
func (e *Engine) BuildMessages(system string, history []llm.Message, prompt string) []llm.Message {
	inputBudget := e.maxTokens - e.reserve
	remaining := inputBudget - e.countTokens(system) - e.countTokens(prompt)

	start := len(history)
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		n := e.messageTokens(history[i])
		if used+n > remaining {
			break
		}
		used += n
		start = i
	}
	for start < len(history) && history[start].Role == "tool" {
		start++
	}

	messages := make([]llm.Message, 0, len(history)-start+2)
	messages = append(messages, llm.Message{Role: "system", Content: system})
	messages = append(messages, history[start:]...)
	messages = append(messages, llm.Message{Role: "user", Content: prompt})
	return messages
}

func (e *Engine) messageTokens(msg llm.Message) int {
	n := e.countTokens(msg.Content)
	for _, tc := range msg.ToolCalls {
		n += e.countTokens(tc.Function.Name)
		n += e.countTokens(string(tc.Function.Arguments))
	}
	return n
}
