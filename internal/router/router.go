// Package router implements the Event Handler and Agent Resolver from
// spec.md §4.5/§4.5a/§4.6: the per-event decision pipeline that turns one
// incoming relay event into either a duplicate/ignore no-op, a delegation
// handoff, a conversation-metadata/operations side effect, or a set of
// agent pubkeys to dispatch to the Agent Executor.
//
// Grounded on the teacher's pkg/agent/agent_router.go for the
// resolver-that-only-routes shape (a router holds no agent state of its
// own, it looks targets up in a registry and dispatches), generalized from
// A2A request routing by agent name to Nostr event routing by mentioned
// pubkey and conversation membership.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/tenex-run/tenex/internal/conversation"
	"github.com/tenex-run/tenex/internal/delegation"
	"github.com/tenex-run/tenex/internal/eventstore"
	"github.com/tenex-run/tenex/internal/nostrx"
	"github.com/tenex-run/tenex/internal/obs"
	"github.com/tenex-run/tenex/internal/toolkit"
)

// maxAncestorDepth and ancestorFetchTimeout bound the orphan ancestor-thread
// fetch from spec.md §4.5a: an event e-tagging an unknown "root"-marked
// ancestor triggers at most this many hops, or this much wall time, of
// relay round-trips before the event is imported as its own orphaned root.
const (
	maxAncestorDepth     = 100
	ancestorFetchTimeout = 10 * time.Second
)

// ignoredKinds are discarded before dedup or conversation resolution even
// run (spec.md §4.5 step 1). These are NIP-01 housekeeping kinds (profile
// metadata, contact lists) and this daemon's own ephemeral status/streaming
// frames — none carry conversational content the Agent Resolver should act
// on.
var ignoredKinds = map[int]struct{}{
	0:                         {}, // NIP-01 profile metadata
	3:                         {}, // NIP-01 contact list
	nostrx.StatusEphemeral:    {},
	nostrx.OpsStatusEphemeral: {},
	nostrx.StreamingEphemeral: {},
}

// Kind classifies the outcome of Handle.
type Kind int

const (
	// Ignored means the event's kind is never routed (spec.md §4.5 step 1).
	Ignored Kind = iota
	// Duplicate means the event was already processed for this project.
	Duplicate
	// Dispatch means the Agent Executor should run for every pubkey in
	// Targets against the conversation at ConversationID.
	Dispatch
	// DelegationHandled means the event was a delegation-response absorbed
	// into an open batch that is not yet complete; no agent runs.
	DelegationHandled
	// ProjectUpdate means a project-definition event arrived and the
	// caller should reload the project and diff its agent/config set.
	ProjectUpdate
	// AgentConfigUpdate means a stored agent definition changed.
	AgentConfigUpdate
	// MetadataUpdate means the conversation's title metadata was updated.
	MetadataUpdate
	// StopRequested means the caller should signal the Operations Registry
	// to cancel whatever is running against this conversation.
	StopRequested
)

// Decision is the outcome of routing one event.
type Decision struct {
	Kind           Kind
	ConversationID string
	Targets        []string // agent pubkeys to dispatch, only set for Dispatch
	Event          *nostr.Event
}

// ProjectAgents is the caller's view of one project's agent roster, used to
// resolve mention targeting and the self-reply exception (spec.md §4.6).
type ProjectAgents interface {
	// Pubkeys returns the set of every agent pubkey active on the project.
	Pubkeys() map[string]struct{}
	// PMPubkey returns the project manager's pubkey, the default target
	// for an unmentioned thread-root or unrouted event.
	PMPubkey() string
	// HasTool reports whether the agent identified by pubkey has toolName
	// in its allow-list.
	HasTool(pubkey, toolName string) bool
}

// Router is the per-project Event Handler.
type Router struct {
	events      *eventstore.Router
	convs       *conversation.Store
	delegations *delegation.Registry
	transport   nostrx.Transport
}

// New creates a Router. transport may be nil, in which case an orphan
// ancestor-thread fetch always falls back to importing the event as its
// own root (acceptable for tests and for relay-less operation).
func New(events *eventstore.Router, convs *conversation.Store, delegations *delegation.Registry, transport nostrx.Transport) *Router {
	return &Router{events: events, convs: convs, delegations: delegations, transport: transport}
}

// Handle runs the Event Handler pipeline for evt and returns the resulting
// Decision.
func (rt *Router) Handle(ctx context.Context, evt *nostr.Event, agents ProjectAgents) (Decision, error) {
	if _, ignore := ignoredKinds[evt.Kind]; ignore {
		return Decision{Kind: Ignored, Event: evt}, nil
	}

	if rt.events.Seen(evt.ID) {
		return Decision{Kind: Duplicate, Event: evt}, nil
	}
	rt.events.MarkProcessed(evt.ID)

	if evt.Kind == nostrx.DelegationResp {
		return rt.handleDelegationResponse(evt)
	}

	conv, err := rt.resolveConversation(ctx, evt)
	if err != nil {
		return Decision{}, fmt.Errorf("resolve conversation for event %s: %w", evt.ID, err)
	}
	if evt.Kind != nostrx.ThreadRoot {
		if err := rt.convs.AppendEvent(conv.ID, evt); err != nil {
			return Decision{}, fmt.Errorf("append event %s to conversation %s: %w", evt.ID, conv.ID, err)
		}
	}

	switch evt.Kind {
	case nostrx.ProjectDef:
		return Decision{Kind: ProjectUpdate, ConversationID: conv.ID, Event: evt}, nil
	case nostrx.AgentConfigUpd:
		return Decision{Kind: AgentConfigUpdate, ConversationID: conv.ID, Event: evt}, nil
	case nostrx.MetadataReply:
		if evt.Content != "" {
			if err := rt.convs.SetMetadata(conv.ID, "title", evt.Content); err != nil {
				return Decision{}, fmt.Errorf("update conversation title: %w", err)
			}
		}
		return Decision{Kind: MetadataUpdate, ConversationID: conv.ID, Event: evt}, nil
	case nostrx.StopRequest:
		return Decision{Kind: StopRequested, ConversationID: conv.ID, Event: evt}, nil
	default:
		// thread-root, generic-reply, spec-reply, and brainstorm-root (a
		// thread-root carrying a "BRAINSTORM" t-tag, not a distinct kind)
		// all resolve targets the same way (spec.md §4.6).
		return Decision{Kind: Dispatch, ConversationID: conv.ID, Targets: rt.resolveTargets(evt, agents), Event: evt}, nil
	}
}

// handleDelegationResponse implements spec.md §4.5 step 3: a
// delegation-response is matched to its batch and never reaches the Agent
// Resolver directly. Completing the batch re-activates the delegator by
// naming it as the sole dispatch target.
func (rt *Router) handleDelegationResponse(evt *nostr.Event) (Decision, error) {
	taskID := eTagAny(evt)
	if taskID == "" {
		obs.Logger().Warn("dropping delegation-response with no e-tag", "event", evt.ID)
		return Decision{Kind: Ignored, Event: evt}, nil
	}

	batch, outcome, err := rt.delegations.RecordResponse(taskID, evt.PubKey, evt.ID)
	if err != nil {
		obs.Logger().Warn("dropping unmatched delegation-response", "error", err, "event", evt.ID, "task", taskID)
		return Decision{Kind: Ignored, Event: evt}, nil
	}

	conv, ok := rt.convs.GetByAnyEventID(batch.ConversationID)
	if !ok {
		return Decision{}, fmt.Errorf("delegation batch %s references unknown conversation %s", batch.BatchID, batch.ConversationID)
	}
	if err := rt.convs.AppendEvent(conv.ID, evt); err != nil {
		return Decision{}, fmt.Errorf("append delegation response %s: %w", evt.ID, err)
	}

	if outcome == delegation.OutcomeCompleted {
		return Decision{Kind: Dispatch, ConversationID: conv.ID, Targets: []string{batch.Delegator}, Event: evt}, nil
	}
	return Decision{Kind: DelegationHandled, ConversationID: conv.ID, Event: evt}, nil
}

// resolveConversation implements spec.md §4.5a.
func (rt *Router) resolveConversation(ctx context.Context, evt *nostr.Event) (*conversation.Conversation, error) {
	if evt.Kind == nostrx.ThreadRoot {
		if c, ok := rt.convs.GetByAnyEventID(evt.ID); ok {
			return c, nil
		}
		return rt.convs.Create(evt)
	}

	if rootID := eTagMarked(evt, "root"); rootID != "" {
		if c, ok := rt.convs.GetByAnyEventID(rootID); ok {
			return c, nil
		}
		root, err := rt.fetchAncestorRoot(ctx, rootID)
		if err != nil {
			obs.Logger().Warn("ancestor thread fetch failed, importing as orphan", "error", err, "event", evt.ID, "root", rootID)
			return rt.createOrphan(evt)
		}
		if c, ok := rt.convs.GetByAnyEventID(root.ID); ok {
			return c, nil
		}
		return rt.convs.Create(root)
	}

	if aVal := aTagValue(evt); aVal != "" {
		if c, ok := rt.convs.GetByAnyEventID(aVal); ok {
			return c, nil
		}
		// The spec-article addressable event itself isn't necessarily in
		// hand; seed a conversation rooted at its a-tag id so later events
		// referencing the same article land in the same conversation.
		synthetic := &nostr.Event{ID: aVal, Kind: nostrx.SpecReply, CreatedAt: evt.CreatedAt}
		return rt.convs.Create(synthetic)
	}

	return rt.createOrphan(evt)
}

func (rt *Router) createOrphan(evt *nostr.Event) (*conversation.Conversation, error) {
	c, err := rt.convs.Create(evt)
	if err != nil {
		return nil, err
	}
	_ = rt.convs.SetMetadata(c.ID, "orphaned_import", "true")
	return c, nil
}

// fetchAncestorRoot walks the "root"-marked e-tag chain upward, bounded by
// maxAncestorDepth hops and ancestorFetchTimeout wall time, returning the
// first thread-root event found or the furthest ancestor reachable before
// the chain runs out.
func (rt *Router) fetchAncestorRoot(ctx context.Context, eventID string) (*nostr.Event, error) {
	if rt.transport == nil {
		return nil, fmt.Errorf("no transport configured for ancestor fetch")
	}

	ctx, cancel := context.WithTimeout(ctx, ancestorFetchTimeout)
	defer cancel()

	current := eventID
	for depth := 0; depth < maxAncestorDepth; depth++ {
		evt, err := rt.fetchOne(ctx, current)
		if err != nil {
			return nil, err
		}
		if evt.Kind == nostrx.ThreadRoot {
			return evt, nil
		}
		parent := eTagMarked(evt, "root")
		if parent == "" {
			return evt, nil
		}
		current = parent
	}
	return nil, fmt.Errorf("ancestor thread for %s exceeds max depth %d", eventID, maxAncestorDepth)
}

func (rt *Router) fetchOne(ctx context.Context, eventID string) (*nostr.Event, error) {
	ch, err := rt.transport.Subscribe(ctx, nostrx.Filter{IDs: []string{eventID}})
	if err != nil {
		return nil, err
	}
	select {
	case re, ok := <-ch:
		if !ok || re.Event == nil {
			return nil, fmt.Errorf("event %s not found on any relay", eventID)
		}
		return re.Event, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolveTargets implements the Agent Resolver (spec.md §4.6).
func (rt *Router) resolveTargets(evt *nostr.Event, agents ProjectAgents) []string {
	projectAgents := agents.Pubkeys()

	var targets []string
	for _, m := range pTagValues(evt) {
		if _, inProject := projectAgents[m]; inProject {
			targets = append(targets, m)
		}
	}
	if len(targets) == 0 {
		targets = []string{agents.PMPubkey()}
	}

	filtered := make([]string, 0, len(targets))
	for _, t := range targets {
		if t == evt.PubKey && !agents.HasTool(t, toolkit.NameDelegate) {
			continue
		}
		filtered = append(filtered, t)
	}
	return filtered
}

func pTagValues(evt *nostr.Event) []string {
	var out []string
	for _, t := range evt.Tags {
		if len(t) >= 2 && t[0] == "p" {
			out = append(out, t[1])
		}
	}
	return out
}

func eTagMarked(evt *nostr.Event, marker string) string {
	for _, t := range evt.Tags {
		if len(t) >= 4 && t[0] == "e" && t[3] == marker {
			return t[1]
		}
	}
	return ""
}

func eTagAny(evt *nostr.Event) string {
	for _, t := range evt.Tags {
		if len(t) >= 2 && t[0] == "e" {
			return t[1]
		}
	}
	return ""
}

func aTagValue(evt *nostr.Event) string {
	for _, t := range evt.Tags {
		if len(t) >= 2 && t[0] == "a" {
			return t[1]
		}
	}
	return ""
}
