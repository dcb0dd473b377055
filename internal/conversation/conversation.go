// Package conversation implements the Conversation Store from spec.md §4.2:
// the canonical per-project conversation set and the ordered event history
// used to build LLM messages. Grounded on the teacher's session.Service
// idiom (an append-only event log per session, looked up by id, persisted
// as JSON) collapsed to a single in-process type since the daemon has no
// notion of multi-tenant App/User scoping — one Store per project.
package conversation

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/tenex-run/tenex/internal/errs"
	"github.com/tenex-run/tenex/internal/store"
)

// Phase is one of the finite conversation phases from spec.md §3.
type Phase string

const (
	PhaseChat         Phase = "CHAT"
	PhaseBrainstorm   Phase = "BRAINSTORM"
	PhasePlan         Phase = "PLAN"
	PhaseExecute      Phase = "EXECUTE"
	PhaseVerification Phase = "VERIFICATION"
	PhaseChores       Phase = "CHORES"
	PhaseReflection   Phase = "REFLECTION"
)

// PhaseTransition records one phase change and the event that caused it.
type PhaseTransition struct {
	From    Phase  `json:"from"`
	To      Phase  `json:"to"`
	Reason  string `json:"reason"`
	By      string `json:"by"` // agent slug or "system"
	At      string `json:"at"` // event id that caused the transition
}

// AgentState is the per-(agent, conversation) scratchpad from spec.md §3.
type AgentState struct {
	PendingDelegation *string `json:"pending_delegation,omitempty"` // batch id
	ToolSessionID     string  `json:"tool_session_id,omitempty"`
	LastSeenEventID   string  `json:"last_seen_event_id,omitempty"`
}

// Conversation is the unit of coherent multi-turn state.
type Conversation struct {
	ID               string                 `json:"id"`
	RootEventID      string                 `json:"root_event_id"`
	Phase            Phase                  `json:"phase"`
	History          []*nostr.Event         `json:"history"`
	AgentStates      map[string]*AgentState `json:"agent_states"`
	Metadata         map[string]string      `json:"metadata"`
	PhaseTransitions []PhaseTransition      `json:"phase_transitions"`

	historyIDs map[string]struct{} // dedup index, not persisted
}

func newConversation(root *nostr.Event) *Conversation {
	return &Conversation{
		ID:          root.ID,
		RootEventID: root.ID,
		Phase:       PhaseChat,
		History:     []*nostr.Event{root},
		AgentStates: make(map[string]*AgentState),
		Metadata:    make(map[string]string),
		historyIDs:  map[string]struct{}{root.ID: {}},
	}
}

func (c *Conversation) rebuildIndex() {
	c.historyIDs = make(map[string]struct{}, len(c.History))
	for _, e := range c.History {
		c.historyIDs[e.ID] = struct{}{}
	}
}

// Store owns every Conversation for one project: the in-memory index plus
// a per-conversation id→root-or-member lookup, and on-disk persistence
// under <dataDir>/conversations/<id>.json.
type Store struct {
	dataDir string

	mu          sync.RWMutex
	byID        map[string]*Conversation
	eventToConv map[string]string // any history event id -> conversation id
}

// New creates an empty Store rooted at dataDir. Call LoadAll to populate it
// from disk on project startup.
func New(dataDir string) *Store {
	return &Store{
		dataDir:     dataDir,
		byID:        make(map[string]*Conversation),
		eventToConv: make(map[string]string),
	}
}

// LoadAll loads every persisted conversation file under
// <dataDir>/conversations/. A missing directory is treated as empty.
func (s *Store) LoadAll() error {
	dir := filepath.Join(s.dataDir, "conversations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read conversations dir %s: %w", dir, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var c Conversation
		path := filepath.Join(dir, e.Name())
		if err := store.ReadJSON(path, &c); err != nil {
			return fmt.Errorf("load conversation %s: %w", path, err)
		}
		c.rebuildIndex()
		s.byID[c.ID] = &c
		for id := range c.historyIDs {
			s.eventToConv[id] = c.ID
		}
	}
	return nil
}

// GetByAnyEventID returns the conversation whose root or any historical
// event has this id.
func (s *Store) GetByAnyEventID(id string) (*Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	convID, ok := s.eventToConv[id]
	if !ok {
		return nil, false
	}
	c, ok := s.byID[convID]
	return c, ok
}

// Create initializes a new conversation with phase CHAT rooted at root.
func (s *Store) Create(root *nostr.Event) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[root.ID]; exists {
		return nil, errs.New(errs.StateInvariant, fmt.Sprintf("conversation %s already exists", root.ID), nil)
	}
	c := newConversation(root)
	s.byID[c.ID] = c
	s.eventToConv[root.ID] = c.ID
	return c, nil
}

// AppendEvent inserts event into the conversation preserving the
// (created_at, id) ordering invariant. No-op if the event id is already
// present.
func (s *Store) AppendEvent(conversationID string, event *nostr.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[conversationID]
	if !ok {
		return errs.Of(errs.ConversationNotFound)
	}
	if _, dup := c.historyIDs[event.ID]; dup {
		return nil
	}

	idx := sort.Search(len(c.History), func(i int) bool {
		h := c.History[i]
		if h.CreatedAt != event.CreatedAt {
			return h.CreatedAt > event.CreatedAt
		}
		return h.ID > event.ID
	})
	c.History = append(c.History, nil)
	copy(c.History[idx+1:], c.History[idx:])
	c.History[idx] = event
	c.historyIDs[event.ID] = struct{}{}
	s.eventToConv[event.ID] = conversationID
	return nil
}

// UpdatePhase records a transition, rejecting it if the conversation's
// current phase does not equal from.
func (s *Store) UpdatePhase(conversationID string, from, to Phase, reason, by, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[conversationID]
	if !ok {
		return errs.Of(errs.ConversationNotFound)
	}
	if c.Phase != from {
		return errs.New(errs.StateInvariant, fmt.Sprintf("phase transition expects from=%s but conversation is in %s", from, c.Phase), nil)
	}
	c.Phase = to
	c.PhaseTransitions = append(c.PhaseTransitions, PhaseTransition{From: from, To: to, Reason: reason, By: by, At: eventID})
	return nil
}

// SetAgentState replaces the agent's scratchpad for this conversation.
func (s *Store) SetAgentState(conversationID, slug string, state *AgentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[conversationID]
	if !ok {
		return errs.Of(errs.ConversationNotFound)
	}
	c.AgentStates[slug] = state
	return nil
}

// SetMetadata sets a metadata key on the conversation, used both to
// annotate orphaned imports (spec.md §4.5a) and to record a title update
// from a metadata-reply event (spec.md §4.5 step 6).
func (s *Store) SetMetadata(conversationID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[conversationID]
	if !ok {
		return errs.Of(errs.ConversationNotFound)
	}
	c.Metadata[key] = value
	return nil
}

// GetAgentState returns the agent's scratchpad for this conversation, if any.
func (s *Store) GetAgentState(conversationID, slug string) (*AgentState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[conversationID]
	if !ok {
		return nil, false
	}
	st, ok := c.AgentStates[slug]
	return st, ok
}

// Persist writes the conversation to <dataDir>/conversations/<id>.json
// atomically. Persistence failures are logged by the caller and are
// non-fatal: the in-memory state remains authoritative for the session.
func (s *Store) Persist(conversationID string) error {
	s.mu.RLock()
	c, ok := s.byID[conversationID]
	s.mu.RUnlock()
	if !ok {
		return errs.Of(errs.ConversationNotFound)
	}

	path := filepath.Join(s.dataDir, "conversations", conversationID+".json")
	if err := store.WriteJSONAtomic(path, c); err != nil {
		return errs.New(errs.PersistenceFailure, "write conversation file", err)
	}
	return nil
}
