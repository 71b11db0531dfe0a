// ABOUTME: Pure model-to-adapter routing plus the per-conversation in-flight gate
// ABOUTME: Route never performs I/O; busy conversations fail fast instead of queuing

package provider

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// modelPrefixes maps well-known model name prefixes to provider families,
// used when a model is not present in the explicit table.
var modelPrefixes = []struct {
	prefix   string
	provider string
}{
	{"gpt-", "openai"},
	{"o1-", "openai"},
	{"text-", "openai"},
	{"claude-", "anthropic"},
}

// Router selects an adapter for a model identifier and enforces the
// one-in-flight-completion-per-conversation rule.
type Router struct {
	adapters map[string]Adapter // provider name -> adapter
	models   map[string]string  // explicit model -> provider name
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{} // conversation IDs with an active completion
}

// NewRouter creates a Router over the given adapters, keyed by Name().
func NewRouter(adapters []Adapter, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		byName[a.Name()] = a
	}
	return &Router{
		adapters: byName,
		models:   make(map[string]string),
		logger:   logger.With("component", "router"),
		inflight: make(map[string]struct{}),
	}
}

// RegisterModel pins a model identifier to a provider family, taking
// precedence over prefix inference.
func (r *Router) RegisterModel(model, providerName string) {
	r.models[model] = providerName
}

// Route returns the adapter for the given model identifier. It is a pure
// lookup: no I/O, no state. Fails with ErrUnknownProvider when neither the
// explicit table nor prefix inference recognizes the model, or when the
// matching provider has no configured adapter (e.g. missing credentials).
func (r *Router) Route(model string) (Adapter, error) {
	name, ok := r.models[model]
	if !ok {
		for _, p := range modelPrefixes {
			if strings.HasPrefix(model, p.prefix) {
				name = p.provider
				ok = true
				break
			}
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, model)
	}

	adapter, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: provider %q not configured", ErrUnknownProvider, name)
	}
	return adapter, nil
}

// TryAcquire claims the single completion slot for a conversation. A second
// caller gets ErrConversationBusy rather than queuing silently; queuing is
// the session manager's decision to make, not the router's.
func (r *Router) TryAcquire(conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.inflight[conversationID]; busy {
		return ErrConversationBusy
	}
	r.inflight[conversationID] = struct{}{}
	return nil
}

// Release frees a conversation's completion slot. Safe to call for a
// conversation that holds no slot.
func (r *Router) Release(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, conversationID)
}

// InFlight reports whether a completion is active for the conversation.
func (r *Router) InFlight(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, busy := r.inflight[conversationID]
	return busy
}
