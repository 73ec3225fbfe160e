package orchestrator

import (
	"log/slog"
	"sync"
)

// Registry tracks the live orchestrators by client ID. A client that
// reconnects while its old call is still registered evicts the zombie: the
// carrier will never resume the old socket, and a leaked orchestrator keeps
// provider sessions open.
type Registry struct {
	logger *slog.Logger

	mu    sync.Mutex
	calls map[string]*Orchestrator
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger, calls: make(map[string]*Orchestrator)}
}

// Add registers o under clientID, stopping any previous orchestrator held
// under the same ID.
func (r *Registry) Add(clientID string, o *Orchestrator) {
	r.mu.Lock()
	old := r.calls[clientID]
	r.calls[clientID] = o
	n := len(r.calls)
	r.mu.Unlock()

	if old != nil {
		r.logger.Warn("evicting zombie call", "client_id", clientID)
		old.Stop("replaced")
	}
	r.logger.Debug("call registered", "client_id", clientID, "active", n)
}

// Get returns the orchestrator for clientID, or nil.
func (r *Registry) Get(clientID string) *Orchestrator {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[clientID]
}

// Remove drops clientID from the registry if it still maps to o. The guard
// keeps a slow teardown from removing the replacement that evicted it.
func (r *Registry) Remove(clientID string, o *Orchestrator) {
	r.mu.Lock()
	if r.calls[clientID] == o {
		delete(r.calls, clientID)
	}
	r.mu.Unlock()
}

// Len reports the number of live calls.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// StopAll tears down every live call, used on shutdown. Blocks until each
// orchestrator has stopped.
func (r *Registry) StopAll(reason string) {
	r.mu.Lock()
	calls := make([]*Orchestrator, 0, len(r.calls))
	for _, o := range r.calls {
		calls = append(calls, o)
	}
	r.calls = make(map[string]*Orchestrator)
	r.mu.Unlock()

	for _, o := range calls {
		o.Stop(reason)
		<-o.Done()
	}
}
