package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/agentengine/internal/agent"
	"github.com/MrWong99/agentengine/internal/agent/sqlquery"
	"github.com/MrWong99/agentengine/internal/crawl"
	"github.com/MrWong99/agentengine/internal/workflow"
	"github.com/MrWong99/agentengine/pkg/inference"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: factory not registered")

// Resources is what a [WorkflowFactory] builds its workflow from. The
// application implements it over the loaded [Config].
type Resources interface {
	// Agent constructs the agent runtime configured under name. The caller
	// owns the result and must Close it.
	Agent(ctx context.Context, name string) (agent.Generator, error)

	// Source returns the encyclopedia source with the given name ("baike",
	// "wiki").
	Source(name string) (crawl.Source, error)

	// Database returns the query executor and the described schema.
	Database(ctx context.Context) (sqlquery.Querier, sqlquery.Schema, error)

	// Env returns the ambient logger and metrics.
	Env() workflow.Env
}

// WorkflowFactory builds the workflow for cfg.Workflow.
type WorkflowFactory func(ctx context.Context, cfg *Config, res Resources) (workflow.Workflow, error)

// EngineFactory builds the accelerated batch engine factory for a server.
type EngineFactory func(server InferenceServer) inference.BatchFactory

// Registry maps workflow types and inference server names to their
// constructors. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	workflows map[WorkflowType]WorkflowFactory
	engines   map[string]EngineFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		workflows: make(map[WorkflowType]WorkflowFactory),
		engines:   make(map[string]EngineFactory),
	}
}

// RegisterWorkflow registers a workflow factory under typ.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterWorkflow(typ WorkflowType, factory WorkflowFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[typ] = factory
}

// RegisterEngine registers a batch engine factory under a server provider
// name.
func (r *Registry) RegisterEngine(provider string, factory EngineFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[provider] = factory
}

// CreateWorkflow builds the workflow selected by cfg.Workflow.Type.
// Returns [ErrNotRegistered] if no factory has been registered for it.
func (r *Registry) CreateWorkflow(ctx context.Context, cfg *Config, res Resources) (workflow.Workflow, error) {
	r.mu.RLock()
	factory, ok := r.workflows[cfg.Workflow.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: workflow/%q", ErrNotRegistered, cfg.Workflow.Type)
	}
	return factory(ctx, cfg, res)
}

// EngineFor returns the batch engine factory for server.Provider.
func (r *Registry) EngineFor(server InferenceServer) (inference.BatchFactory, error) {
	r.mu.RLock()
	factory, ok := r.engines[server.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: engine/%q", ErrNotRegistered, server.Provider)
	}
	return factory(server), nil
}

// Workflows lists the registered workflow types in sorted order.
func (r *Registry) Workflows() []WorkflowType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]WorkflowType, 0, len(r.workflows))
	for t := range r.workflows {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}
