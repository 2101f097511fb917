package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/user/tripclaw/pkg/llm"
)

// Tool is something the model can call during a turn.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry holds the tools available to the runtime. Each call only sees
// the subset its allow-list names.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds t, replacing any tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name()]; ok {
		slog.Warn("tool registered twice, replacing", "tool", t.Name())
	}
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// All returns every registered tool ordered by name.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sortTools(out)
	return out
}

// Names returns the registered tool names in order.
func (r *Registry) Names() []string {
	all := r.All()
	names := make([]string, len(all))
	for i, t := range all {
		names[i] = t.Name()
	}
	return names
}

// Subset returns the registered tools named in allowed, ordered by name.
// Unknown and repeated names are ignored.
func (r *Registry) Subset(allowed []string) []Tool {
	r.mu.RLock()
	out := make([]Tool, 0, len(allowed))
	seen := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		if seen[name] {
			continue
		}
		seen[name] = true
		if t, ok := r.tools[name]; ok {
			out = append(out, t)
		}
	}
	r.mu.RUnlock()
	sortTools(out)
	return out
}

func sortTools(tools []Tool) {
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
}

// asLLMTools describes tools in the provider's function-calling format.
func asLLMTools(tools []Tool) []llm.Tool {
	out := make([]llm.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, llm.Tool{
			Type: "function",
			Function: llm.Function{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return out
}
