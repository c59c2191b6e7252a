// Package agent maps configured tool names to CLI backend adapters.
package agent

import (
	"fmt"
	"sort"
	"sync"

	"github.com/basket/mindmesh/internal/backend"
	"github.com/basket/mindmesh/internal/config"
	"github.com/basket/mindmesh/internal/shared"
)

// Registry holds the backend adapter for each configured tool. Adapters are
// stateless, so the registry builds them once and hands out shared instances.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]backend.Agent
}

// NewRegistry builds one adapter per configured tool. A tool-level model
// overrides the backend's model; everything else comes from the backend block.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	agents := make(map[string]backend.Agent, len(cfg.Tools))
	for tool, tc := range cfg.Tools {
		bc, ok := cfg.Backends[tc.Backend]
		if !ok {
			return nil, fmt.Errorf("tool %s: unknown backend %q", tool, tc.Backend)
		}
		opts := backend.Options{
			Binary:  bc.Binary,
			Model:   bc.Model,
			Args:    bc.Args,
			Env:     bc.Env,
			WorkDir: bc.WorkDir,
		}
		if tc.Model != "" {
			opts.Model = tc.Model
		}

		var a backend.Agent
		switch tc.Backend {
		case config.BackendClaude:
			a = backend.NewClaude(opts)
		case config.BackendCodex:
			a = backend.NewCodex(opts)
		case config.BackendGemini:
			a = backend.NewGemini(opts)
		default:
			return nil, fmt.Errorf("tool %s: no adapter for backend %q", tool, tc.Backend)
		}
		agents[tool] = a
	}
	return &Registry{agents: agents}, nil
}

// Register installs or replaces the adapter for a tool name. Intended for
// tests that need a scripted backend.
func (r *Registry) Register(toolName string, a backend.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[toolName] = a
}

// Resolve returns the adapter for a tool, classified not_found when the tool
// is not configured.
func (r *Registry) Resolve(toolName string) (backend.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[toolName]
	if !ok {
		return nil, shared.Errorf(shared.ErrNotFound, "unknown tool %q", toolName)
	}
	return a, nil
}

// ToolNames returns the registered tool names, sorted.
func (r *Registry) ToolNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
