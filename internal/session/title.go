package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/user/tripclaw/internal/types"
	"github.com/user/tripclaw/pkg/llm"
)

const maxTitleLen = 60

const titlePrompt = "Write a title of at most six words for this travel planning conversation. Reply with the title only, no quotes."

// TitleGenerator names a conversation from its opening turns.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, entries []*types.TranscriptEntry) (string, error)
}

// LLMTitleGenerator asks the model for a short title.
type LLMTitleGenerator struct {
	provider llm.Provider
}

func NewLLMTitleGenerator(provider llm.Provider) *LLMTitleGenerator {
	return &LLMTitleGenerator{provider: provider}
}

func (g *LLMTitleGenerator) GenerateTitle(ctx context.Context, entries []*types.TranscriptEntry) (string, error) {
	var b strings.Builder
	for _, e := range entries {
		if e.Role == types.RoleSystem || e.Text == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", e.Role, truncate(e.Text, 500))
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("nothing to title")
	}

	reply, err := llm.Ask(ctx, g.provider, titlePrompt, b.String())
	if err != nil {
		return "", fmt.Errorf("generate title: %w", err)
	}
	return cleanTitle(reply), nil
}

func cleanTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, "\"'` #*")
	s = strings.TrimSuffix(s, ".")
	return truncate(s, maxTitleLen)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
