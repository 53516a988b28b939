// Package adapters holds the per-platform integration adapters. An adapter is
// stateless: all persistence and queue hand-off happens through the context
// objects the orchestrator passes in, so the same adapter code serves every
// tenant and every worker.
package adapters

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Adapter is the contract every integration platform implements.
type Adapter interface {
	// Platform returns the platform key this adapter serves (e.g. "github")
	Platform() string

	// GenerateStreams enumerates the root units of fetchable work for a run
	// and publishes each as a stream. It must not fetch page data itself.
	GenerateStreams(ctx context.Context, gctx *GenerateContext) error

	// ProcessStream fetches one page of the stream's resource, publishes the
	// normalized records as data, and may request a single continuation page.
	ProcessStream(ctx context.Context, sctx *StreamContext) error

	// SupportsWebhook reports whether the adapter understands a webhook type
	SupportsWebhook(webhookType string) bool

	// ProcessWebhook normalizes a verified webhook payload into data records
	ProcessWebhook(ctx context.Context, wctx *WebhookContext) error
}

// Registry maps platform keys to adapters
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Registering the same platform twice panics: it is
// a wiring bug, not a runtime condition.
func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	platform := adapter.Platform()
	if _, exists := r.adapters[platform]; exists {
		panic(fmt.Sprintf("adapter already registered for platform %q", platform))
	}
	r.adapters[platform] = adapter
}

// Get returns the adapter for a platform
func (r *Registry) Get(platform string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, ok := r.adapters[platform]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for platform %q", platform)
	}
	return adapter, nil
}

// Platforms returns the registered platform keys, sorted
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	platforms := make([]string, 0, len(r.adapters))
	for platform := range r.adapters {
		platforms = append(platforms, platform)
	}
	sort.Strings(platforms)
	return platforms
}
