// Package registry maps agent types to executable handlers and holds the
// template catalogue (cron presets, retry presets, per-agent defaults).
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Handler executes one agent run. Config is the schedule's JSON config block;
// the returned payload is stored on the execution row.
type Handler interface {
	Run(ctx context.Context, config json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, config json.RawMessage) (json.RawMessage, error)

func (f HandlerFunc) Run(ctx context.Context, config json.RawMessage) (json.RawMessage, error) {
	return f(ctx, config)
}

// Registry is the process-local map of agent type to handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler for an agent type. Duplicate registration is an
// error so wiring mistakes surface at startup.
func (r *Registry) Register(agentType string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[agentType]; exists {
		return fmt.Errorf("agent %q already registered", agentType)
	}
	r.handlers[agentType] = h
	return nil
}

func (r *Registry) Exists(agentType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.handlers[agentType]
	return exists
}

func (r *Registry) Lookup(agentType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, exists := r.handlers[agentType]
	return h, exists
}

// Types returns the registered agent types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
