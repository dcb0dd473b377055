// Package operations implements the Operations Registry from spec.md §4.12:
// tracks in-flight Agent Executor invocations so a stop-request event can
// cancel a specific LLM call by conversation+agent or by operation id, and
// so the Status Publisher / CLI can snapshot what's running.
package operations

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Operation is one in-flight Agent Executor invocation.
type Operation struct {
	ID             string
	AgentSlug      string
	ConversationID string
	cancel         context.CancelFunc
}

// Registry holds every live Operation for a project.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]*Operation
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{ops: make(map[string]*Operation)}
}

// Register starts tracking a new operation derived from parent, returning
// a child context the caller should use for its LLM call and a deregister
// function the caller must call when the operation finishes (success,
// error, or cancellation).
func (r *Registry) Register(parent context.Context, agentSlug, conversationID string) (context.Context, string, func()) {
	ctx, cancel := context.WithCancel(parent)
	op := &Operation{
		ID:             uuid.NewString(),
		AgentSlug:      agentSlug,
		ConversationID: conversationID,
		cancel:         cancel,
	}

	r.mu.Lock()
	r.ops[op.ID] = op
	r.mu.Unlock()

	deregister := func() {
		r.mu.Lock()
		delete(r.ops, op.ID)
		r.mu.Unlock()
		cancel()
	}
	return ctx, op.ID, deregister
}

// CancelByID cancels the operation's token. Returns false if no such
// operation is registered (it may have already finished).
func (r *Registry) CancelByID(operationID string) bool {
	r.mu.RLock()
	op, ok := r.ops[operationID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	op.cancel()
	return true
}

// CancelByConversationAgent cancels every operation matching
// (conversationID, agentSlug) — a stop-request addresses an agent within a
// conversation, and in principle more than one operation could be in
// flight for the pair (e.g. a supervisor-validation retry overlapping a
// slow cancellation), so all matches are cancelled.
func (r *Registry) CancelByConversationAgent(conversationID, agentSlug string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, op := range r.ops {
		if op.ConversationID == conversationID && op.AgentSlug == agentSlug {
			op.cancel()
			n++
		}
	}
	return n
}

// Snapshot returns a point-in-time copy of every live operation, for
// observability (status endpoints, CLI inspection).
func (r *Registry) Snapshot() []Operation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Operation, 0, len(r.ops))
	for _, op := range r.ops {
		out = append(out, Operation{ID: op.ID, AgentSlug: op.AgentSlug, ConversationID: op.ConversationID})
	}
	return out
}
