// Package delivery sends notifications to external channels and provides
// the scheduler's task handlers.
package delivery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Handler delivers message to target, the part of a delivery address after
// its prefix (a chat id, an email address).
type Handler func(ctx context.Context, target, message string) error

// Registry routes messages to the appropriate delivery handler based on
// address prefix (e.g. "telegram:", "email:").
type Registry struct {
	retry *RetryPolicy

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty delivery registry. Transient handler errors
// are retried with policy; a nil policy disables retries.
func NewRegistry(policy *RetryPolicy) *Registry {
	if policy == nil {
		policy = &RetryPolicy{MaxAttempts: 1, Multiplier: 1}
	}
	return &Registry{
		retry:    policy,
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for addresses starting with prefix.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

// Prefixes returns the registered prefixes in sorted order.
func (r *Registry) Prefixes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for p := range r.handlers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Deliver finds the handler with the longest prefix matching address and
// calls it with the remainder of the address.
func (r *Registry) Deliver(ctx context.Context, address, message string) error {
	handler, target, ok := r.lookup(address)
	if !ok {
		return fmt.Errorf("no delivery handler for address: %s", address)
	}
	if target == "" {
		return fmt.Errorf("invalid delivery address: %s", address)
	}
	return r.retry.Execute(ctx, func() error {
		return handler(ctx, target, message)
	})
}

func (r *Registry) lookup(address string) (Handler, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	best := ""
	for prefix := range r.handlers {
		if strings.HasPrefix(address, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return nil, "", false
	}
	return r.handlers[best], strings.TrimPrefix(address, best), true
}
