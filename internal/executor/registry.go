package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/storyorchestrator/core/internal/storyerr"
)

// Registry holds the configured executors and resolves the one to use
// for a wave, grounded on the teacher's agent.Registry named-map pattern
// (internal/agent/registry.go), repointed from "running chat agents" to
// "available step executors". Each candidate's IsAvailable probe is
// wrapped in a sony/gobreaker circuit breaker so a flapping external CLI
// doesn't get re-probed on every wave once it has started failing.
type Registry struct {
	mu           sync.RWMutex
	executors    map[string]Executor
	priorityList []string
	breakers     map[string]*gobreaker.CircuitBreaker[bool]
}

func NewRegistry(priorityList []string) *Registry {
	return &Registry{
		executors:    map[string]Executor{},
		priorityList: priorityList,
		breakers:     map[string]*gobreaker.CircuitBreaker[bool]{},
	}
}

func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.ID()] = e
	r.breakers[e.ID()] = gobreaker.NewCircuitBreaker[bool](gobreaker.Settings{
		Name:        "executor:" + e.ID(),
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
}

func (r *Registry) Get(id string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[id]
	return e, ok
}

// Resolve implements spec.md §4.4's resolution order: preferredExecutor
// if available, else the first available executor from the configured
// priority list. Callers resolve once per wave (on the wave's first
// step), not per step.
func (r *Registry) Resolve(ctx context.Context, preferredExecutor string) (Executor, error) {
	if preferredExecutor != "" {
		if e, ok := r.Get(preferredExecutor); ok && r.probe(ctx, e) {
			return e, nil
		}
	}

	r.mu.RLock()
	priority := append([]string(nil), r.priorityList...)
	r.mu.RUnlock()

	for _, id := range priority {
		e, ok := r.Get(id)
		if !ok {
			continue
		}
		if r.probe(ctx, e) {
			return e, nil
		}
	}

	return nil, fmt.Errorf("no configured executor is available: %w", storyerr.ExecutorUnavailable)
}

func (r *Registry) probe(ctx context.Context, e Executor) bool {
	r.mu.RLock()
	cb := r.breakers[e.ID()]
	r.mu.RUnlock()
	if cb == nil {
		return e.IsAvailable(ctx)
	}
	available, err := cb.Execute(func() (bool, error) {
		if !e.IsAvailable(ctx) {
			return false, fmt.Errorf("executor %q unavailable", e.ID())
		}
		return true, nil
	})
	return err == nil && available
}
