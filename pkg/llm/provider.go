package llm

import (
	"context"
	"errors"
	"strings"
)

// Provider is a chat-completion backend.
type Provider interface {
	// Complete returns the full response in one piece.
	Complete(ctx context.Context, messages []Message, tools []Tool) (*Response, error)

	// Stream returns incremental deltas. The channel is closed when the
	// response is complete.
	Stream(ctx context.Context, messages []Message, tools []Tool) (<-chan Delta, error)
}

// Config holds common configuration for LLM providers.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
}

// ErrEmptyResponse is returned by Ask when the model answers with nothing.
var ErrEmptyResponse = errors.New("empty model response")

// Ask sends a single system+user exchange without tools and returns the
// trimmed reply text.
func Ask(ctx context.Context, p Provider, system, prompt string) (string, error) {
	messages := make([]Message, 0, 2)
	if system != "" {
		messages = append(messages, Message{Role: "system", Content: system})
	}
	messages = append(messages, Message{Role: "user", Content: prompt})

	resp, err := p.Complete(ctx, messages, nil)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
