package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"github.com/user/tripclaw/pkg/llm"
)

// Client implements the llm.Provider interface for OpenAI-compatible APIs.
type Client struct {
	config *llm.Config
	client *openai.Client
}

// New creates a new OpenAI-compatible client with the given configuration.
func New(config *llm.Config) *Client {
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	return &Client{
		config: config,
		client: openai.NewClientWithConfig(clientConfig),
	}
}

func (c *Client) request(messages []llm.Message, tools []llm.Tool) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    c.config.Model,
		Messages: convertMessages(messages),
	}
	if len(tools) > 0 {
		req.Tools = convertTools(tools)
	}
	if c.config.MaxTokens > 0 {
		req.MaxTokens = c.config.MaxTokens
	}
	if c.config.Temperature != 0 {
		req.Temperature = c.config.Temperature
	}
	return req
}

// Complete sends a chat completion request and returns the full response.
func (c *Client) Complete(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.Response, error) {
	resp, err := c.client.CreateChatCompletion(ctx, c.request(messages, tools))
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	msg := resp.Choices[0].Message
	return &llm.Response{
		Content:   msg.Content,
		ToolCalls: convertToolCalls(msg.ToolCalls),
		Usage: llm.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}, nil
}

// Stream sends a streaming chat completion request. Content arrives as it is
// generated; tool calls are announced once their ID and name are known and
// delivered whole when the model finishes them.
func (c *Client) Stream(ctx context.Context, messages []llm.Message, tools []llm.Tool) (<-chan llm.Delta, error) {
	req := c.request(messages, tools)
	req.Stream = true

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat completion stream: %w", err)
	}

	ch := make(chan llm.Delta, 16)
	go c.processStream(ctx, stream, ch)
	return ch, nil
}

type pendingCall struct {
	id        string
	name      string
	args      string
	announced bool
}

func (c *Client) processStream(ctx context.Context, stream *openai.ChatCompletionStream, ch chan<- llm.Delta) {
	defer close(ch)
	defer stream.Close()

	send := func(d llm.Delta) bool {
		select {
		case ch <- d:
			return true
		case <-ctx.Done():
			return false
		}
	}

	calls := make(map[int]*pendingCall)
	flush := func() bool {
		if len(calls) == 0 {
			return true
		}
		indexes := make([]int, 0, len(calls))
		for i := range calls {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)

		out := make([]llm.ToolCall, 0, len(calls))
		for _, i := range indexes {
			pc := calls[i]
			if pc.id == "" || pc.name == "" {
				continue
			}
			args := pc.args
			if args == "" {
				args = "{}"
			}
			out = append(out, llm.ToolCall{
				ID:       pc.id,
				Type:     "function",
				Function: llm.FunctionCall{Name: pc.name, Arguments: json.RawMessage(args)},
			})
		}
		calls = make(map[int]*pendingCall)
		if len(out) == 0 {
			return true
		}
		return send(llm.Delta{ToolCalls: out})
	}

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flush()
				return
			}
			send(llm.Delta{Err: fmt.Errorf("receive stream: %w", err)})
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		if choice.Delta.Content != "" {
			if !send(llm.Delta{Content: choice.Delta.Content}) {
				return
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			pc, ok := calls[index]
			if !ok {
				pc = &pendingCall{}
				calls[index] = pc
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args += tc.Function.Arguments

			if !pc.announced && pc.id != "" && pc.name != "" {
				pc.announced = true
				start := &llm.ToolCall{ID: pc.id, Type: "function", Function: llm.FunctionCall{Name: pc.name}}
				if !send(llm.Delta{ToolCallStart: start}) {
					return
				}
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			if !flush() {
				return
			}
		}
	}
}

func convertMessages(messages []llm.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		om := openai.ChatCompletionMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: string(tc.Function.Arguments),
				},
			})
		}
		out[i] = om
	}
	return out
}

func convertTools(tools []llm.Tool) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		}
	}
	return out
}

func convertToolCalls(calls []openai.ToolCall) []llm.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]llm.ToolCall, len(calls))
	for i, tc := range calls {
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		out[i] = llm.ToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: llm.FunctionCall{Name: tc.Function.Name, Arguments: json.RawMessage(args)},
		}
	}
	return out
}
