// Package delegation implements the Delegation Registry from spec.md §4.3:
// fan-out/fan-in bookkeeping for a delegator agent's delegate() tool call,
// matching delegation-response events back to the batch and signaling the
// waiting delegator exactly once when every recipient has answered.
//
// Grounded on the teacher's agent.TaskAwaiter (a map of id → waiter,
// signaled exactly once, with explicit cancel/timeout paths) generalized
// from a single input-channel wait to an N-recipient completion count.
package delegation

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/tenex-run/tenex/internal/errs"
)

// BatchState is the lifecycle state of a Delegation Batch.
type BatchState string

const (
	StateOpen      BatchState = "OPEN"
	StateComplete  BatchState = "COMPLETE"
	StateCancelled BatchState = "CANCELLED"
)

// Batch tracks one delegate() invocation by Delegator addressing Recipients.
type Batch struct {
	BatchID        string            `json:"batch_id"`
	Delegator      string            `json:"delegator"` // agent pubkey
	ConversationID string            `json:"conversation_id"`
	TaskIDs        map[string]string `json:"task_ids"` // recipient pubkey -> task event id
	Responses      map[string]string `json:"responses"` // recipient pubkey -> response event id
	State          BatchState        `json:"state"`

	// duplicateResponses records responder pubkeys that replied more than
	// once; the second+ reply is appended to conversation history by the
	// caller but never re-triggers completion (spec.md §4.3 edge case).
	duplicateResponses map[string]int
}

// Registry is the project-scoped Delegation Registry. One mutex guards all
// batches for a project, matching the teacher's single-lock TaskAwaiter —
// contention is bounded by the number of concurrently open delegations per
// project, which is small.
type Registry struct {
	mu           sync.Mutex
	byBatchID    map[string]*Batch
	byTaskID     map[string]string // task event id -> batch id
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byBatchID: make(map[string]*Batch),
		byTaskID:  make(map[string]string),
	}
}

// Register records a new Delegation Batch. taskIDs maps each recipient
// pubkey to the delegation-task event id published to it. Returns
// errs.DelegationSelfTarget if delegator appears among its own recipients.
func (r *Registry) Register(delegator, conversationID string, taskIDs map[string]string) (*Batch, error) {
	if _, self := taskIDs[delegator]; self {
		return nil, errs.Of(errs.DelegationSelfTarget)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b := &Batch{
		BatchID:            uuid.NewString(),
		Delegator:          delegator,
		ConversationID:     conversationID,
		TaskIDs:            taskIDs,
		Responses:          make(map[string]string),
		State:              StateOpen,
		duplicateResponses: make(map[string]int),
	}
	r.byBatchID[b.BatchID] = b
	for _, taskID := range taskIDs {
		r.byTaskID[taskID] = b.BatchID
	}
	return b, nil
}

// ResponseOutcome describes what happened when a delegation-response event
// was recorded, telling the caller whether to re-activate the delegator.
type ResponseOutcome int

const (
	// OutcomeRecorded means the response was stored but the batch is still
	// open (other recipients haven't answered yet).
	OutcomeRecorded ResponseOutcome = iota
	// OutcomeCompleted means this response was the last one needed; the
	// batch transitioned to COMPLETE and the delegator should be
	// re-activated exactly once with every response synthesized.
	OutcomeCompleted
	// OutcomeDuplicate means this responder already answered; the event
	// should still be appended to history but nothing else happens.
	OutcomeDuplicate
	// OutcomeLateAfterTerminal means the batch was already
	// COMPLETE/CANCELLED; append to history, do not re-activate.
	OutcomeLateAfterTerminal
)

// RecordResponse matches a delegation-response event (by the task event id
// it e-tags and the responder's pubkey) to its Batch and records the
// outcome. Returns the Batch (for synthesizing the delegator's next
// prompt on OutcomeCompleted) and the ResponseOutcome.
func (r *Registry) RecordResponse(taskEventID, responderPubkey, responseEventID string) (*Batch, ResponseOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	batchID, ok := r.byTaskID[taskEventID]
	if !ok {
		return nil, 0, fmt.Errorf("no delegation batch tracks task event %s", taskEventID)
	}
	b := r.byBatchID[batchID]

	expectedTask, addressed := b.TaskIDs[responderPubkey]
	if !addressed || expectedTask != taskEventID {
		return nil, 0, fmt.Errorf("responder %s is not the addressee of task %s", responderPubkey, taskEventID)
	}

	if b.State != StateOpen {
		return b, OutcomeLateAfterTerminal, nil
	}

	if _, already := b.Responses[responderPubkey]; already {
		b.duplicateResponses[responderPubkey]++
		return b, OutcomeDuplicate, nil
	}

	b.Responses[responderPubkey] = responseEventID
	if len(b.Responses) == len(b.TaskIDs) {
		b.State = StateComplete
		return b, OutcomeCompleted, nil
	}
	return b, OutcomeRecorded, nil
}

// Cancel marks a batch CANCELLED, e.g. on conversation-level stop-request.
// Responses that arrive afterward are reported as OutcomeLateAfterTerminal.
func (r *Registry) Cancel(batchID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.byBatchID[batchID]
	if !ok {
		return fmt.Errorf("unknown delegation batch %s", batchID)
	}
	if b.State == StateOpen {
		b.State = StateCancelled
	}
	return nil
}

// Get returns the batch by id, for audit / observability.
func (r *Registry) Get(batchID string) (*Batch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byBatchID[batchID]
	return b, ok
}

// BatchIDForTask returns the batch id tracking taskEventID, used by the
// Message Builder to group absorbed delegation-response events into one
// synthesized block per batch rather than per response (spec.md §4.8).
func (r *Registry) BatchIDForTask(taskEventID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byTaskID[taskEventID]
	return id, ok
}

// OpenBatchesFor returns every OPEN batch whose delegator is the given
// agent pubkey, used when resolving whether an agent has a pending
// delegation for a conversation.
func (r *Registry) OpenBatchesFor(delegatorPubkey string) []*Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Batch
	for _, b := range r.byBatchID {
		if b.Delegator == delegatorPubkey && b.State == StateOpen {
			out = append(out, b)
		}
	}
	return out
}
