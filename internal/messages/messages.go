// Package messages implements the Message Builder from spec.md §4.8: given
// a conversation and a target agent, produce the ordered list of LLM
// messages the Agent Executor sends to the provider.
//
// Grounded on the teacher's pkg/agent/context_builder.go for the general
// shape of a per-request message assembly step, and on
// pkg/agent/token_aware_history.go / summarization.go / history_selector.go
// for the sliding-window + token-threshold compression strategy
// (SPEC_FULL.md §3, resolving spec.md §9's Open Question 1). Unlike the
// teacher's summarizer, compression here is extractive rather than
// LLM-generated: the Message Builder has no provider handle of its own
// (spec.md §4.8 keeps it a pure function of conversation state), so older
// messages are condensed into a single truncated digest instead of an
// LLM-written summary.
package messages

import (
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"github.com/tenex-run/tenex/internal/agentstore"
	"github.com/tenex-run/tenex/internal/conversation"
	"github.com/tenex-run/tenex/internal/llm"
	"github.com/tenex-run/tenex/internal/nostrx"
	"github.com/tenex-run/tenex/internal/tokencount"
)

// AgentLookup resolves a pubkey to the agent it belongs to, used to decide
// between assistant / attributed-user / plain-user role attribution.
type AgentLookup interface {
	ByPubkey(pubkey string) (*agentstore.Agent, bool)
}

// BatchResolver maps a delegation-task event id to the Delegation Batch
// tracking it, used to group absorbed delegation-response events into one
// synthesized block per batch instead of one per response.
type BatchResolver interface {
	BatchIDForTask(taskEventID string) (string, bool)
}

// ignoredKinds never become an LLM message: ephemeral status/streaming
// frames and stop-request control events carry no conversational content
// (spec.md §4.8 rule 4, rule 5 for streaming frames specifically).
var ignoredKinds = map[int]struct{}{
	nostrx.StatusEphemeral:    {},
	nostrx.OpsStatusEphemeral: {},
	nostrx.StreamingEphemeral: {},
	nostrx.StopRequest:        {},
}

// Compression configures the sliding-window token-threshold strategy from
// SPEC_FULL.md §3.
type Compression struct {
	Enabled           bool
	TokenThreshold    int
	SlidingWindowSize int
	Model             string
}

// Builder produces the ordered LLM message list for one (conversation,
// target agent) pair.
type Builder struct {
	agents      AgentLookup
	batches     BatchResolver
	compression Compression
}

// New creates a Builder. batches may be nil, in which case absorbed
// delegation-response events are grouped by referenced task event instead
// of by batch id.
func New(agents AgentLookup, batches BatchResolver, compression Compression) *Builder {
	return &Builder{agents: agents, batches: batches, compression: compression}
}

type msgEntry struct {
	eventID string
	msg     *llm.Message
	pinned  bool
}

type responseEntry struct {
	responder string
	content   string
}

// Build returns the ordered message list for target reacting within conv.
// systemPrompt is the already-compiled system message text (fragment
// composition is out of scope per spec.md §4.8 rule 1).
func (b *Builder) Build(conv *conversation.Conversation, targetSlug, targetPubkey, systemPrompt string) []llm.Message {
	pinned := b.pinnedEventIDs(conv)

	var entries []msgEntry
	var batchOrder []string
	batchResponses := make(map[string][]responseEntry)
	batchPos := make(map[string]int)

	for _, evt := range conv.History {
		if _, ignored := ignoredKinds[evt.Kind]; ignored {
			continue
		}

		if evt.Kind == nostrx.DelegationResp && hasPTag(evt, targetPubkey) {
			batchID := b.batchKeyFor(evt)
			if _, seen := batchResponses[batchID]; !seen {
				batchOrder = append(batchOrder, batchID)
				entries = append(entries, msgEntry{eventID: evt.ID})
				batchPos[batchID] = len(entries) - 1
			}
			responder := evt.PubKey
			if slug, ok := b.slugFor(evt.PubKey); ok {
				responder = slug
			}
			batchResponses[batchID] = append(batchResponses[batchID], responseEntry{responder: responder, content: evt.Content})
			continue
		}

		msg := b.convert(evt, targetPubkey)
		_, isPinned := pinned[evt.ID]
		entries = append(entries, msgEntry{eventID: evt.ID, msg: msg, pinned: isPinned})
	}

	for _, batchID := range batchOrder {
		idx := batchPos[batchID]
		var sb strings.Builder
		sb.WriteString("Responses to your delegation:\n")
		for _, r := range batchResponses[batchID] {
			fmt.Fprintf(&sb, "- %s: %s\n", r.responder, r.content)
		}
		entries[idx].msg = &llm.Message{Role: "user", Content: strings.TrimSpace(sb.String())}
		entries[idx].pinned = true
	}

	entries = b.compress(entries)

	out := make([]llm.Message, 0, len(entries)+2)
	out = append(out, llm.Message{Role: "system", Content: systemPrompt})
	if away := b.whileYouWereAway(conv, targetSlug); away != "" {
		out = append(out, llm.Message{Role: "user", Content: away})
	}
	for _, e := range entries {
		if e.msg == nil {
			continue
		}
		out = append(out, *e.msg)
	}
	return out
}

// convert maps one history event to its LLM message per spec.md §4.8 rule 2.
func (b *Builder) convert(evt *nostr.Event, targetPubkey string) *llm.Message {
	if evt.Kind == nostrx.DelegationTask && hasPTag(evt, targetPubkey) {
		delegator := evt.PubKey
		if slug, ok := b.slugFor(delegator); ok {
			delegator = slug
		}
		return &llm.Message{Role: "user", Content: fmt.Sprintf("task from %s: %s", delegator, evt.Content)}
	}

	if evt.PubKey == targetPubkey {
		return &llm.Message{Role: "assistant", Content: evt.Content}
	}

	if slug, isAgent := b.slugFor(evt.PubKey); isAgent {
		return &llm.Message{Role: "user", Content: fmt.Sprintf("[%s]: %s", slug, evt.Content)}
	}
	return &llm.Message{Role: "user", Content: evt.Content}
}

// whileYouWereAway synthesizes a single catch-up message for events between
// the target's recorded lastSeenEventId and the present whose kind is
// ignored by the per-event rules (spec.md §4.8 rule 3). Every other kind
// already surfaces as its own message via convert, so summarizing them here
// too would duplicate history; only the kinds rule 4/5 silently drop are
// "never surfaced to this agent" in a way worth catching up on.
func (b *Builder) whileYouWereAway(conv *conversation.Conversation, targetSlug string) string {
	state, ok := conv.AgentStates[targetSlug]
	if !ok || state.LastSeenEventID == "" {
		return ""
	}

	startIdx := -1
	for i, e := range conv.History {
		if e.ID == state.LastSeenEventID {
			startIdx = i
			break
		}
	}
	if startIdx < 0 {
		return ""
	}

	var lines []string
	for _, e := range conv.History[startIdx+1:] {
		if _, ignored := ignoredKinds[e.Kind]; !ignored {
			continue
		}
		who := e.PubKey
		if slug, isAgent := b.slugFor(e.PubKey); isAgent {
			who = slug
		}
		lines = append(lines, fmt.Sprintf("%s: %s", who, truncate(e.Content, 160)))
	}
	if len(lines) == 0 {
		return ""
	}
	return "While you were away:\n" + strings.Join(lines, "\n")
}

// compress applies the sliding-window token-threshold strategy: once the
// estimated token count of entries exceeds TokenThreshold, every non-pinned
// entry older than the last SlidingWindowSize is condensed into one
// synthetic digest message. Pinned entries (the conversation root, any
// phase-transition triggering event) are always kept verbatim.
func (b *Builder) compress(entries []msgEntry) []msgEntry {
	if !b.compression.Enabled || len(entries) <= b.compression.SlidingWindowSize {
		return entries
	}

	counter, err := tokencount.New(b.compression.Model)
	if err != nil {
		return entries
	}

	total := 0
	for _, e := range entries {
		if e.msg != nil {
			total += counter.Count(e.msg.Content)
		}
	}
	if total <= b.compression.TokenThreshold {
		return entries
	}

	window := b.compression.SlidingWindowSize
	if window <= 0 {
		return entries
	}
	cutoff := len(entries) - window
	if cutoff <= 0 {
		return entries
	}

	var kept, summarized []msgEntry
	for i, e := range entries {
		if i < cutoff && !e.pinned {
			summarized = append(summarized, e)
			continue
		}
		kept = append(kept, e)
	}
	if len(summarized) == 0 {
		return entries
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Earlier in this conversation (%d messages condensed):\n", len(summarized))
	for _, e := range summarized {
		if e.msg == nil {
			continue
		}
		sb.WriteString("- ")
		sb.WriteString(truncate(e.msg.Content, 120))
		sb.WriteString("\n")
	}

	digest := msgEntry{msg: &llm.Message{Role: "user", Content: strings.TrimSpace(sb.String())}}
	result := make([]msgEntry, 0, len(kept)+1)
	result = append(result, digest)
	result = append(result, kept...)
	return result
}

func (b *Builder) pinnedEventIDs(conv *conversation.Conversation) map[string]struct{} {
	out := map[string]struct{}{conv.RootEventID: {}}
	for _, t := range conv.PhaseTransitions {
		if t.At != "" {
			out[t.At] = struct{}{}
		}
	}
	return out
}

func (b *Builder) slugFor(pubkey string) (string, bool) {
	if b.agents == nil {
		return "", false
	}
	a, ok := b.agents.ByPubkey(pubkey)
	if !ok {
		return "", false
	}
	return a.Slug, true
}

func (b *Builder) batchKeyFor(evt *nostr.Event) string {
	taskID := eTagValue(evt)
	if b.batches != nil && taskID != "" {
		if batchID, ok := b.batches.BatchIDForTask(taskID); ok {
			return batchID
		}
	}
	if taskID != "" {
		return "task:" + taskID
	}
	return "event:" + evt.ID
}

func hasPTag(evt *nostr.Event, pubkey string) bool {
	for _, t := range evt.Tags {
		if len(t) >= 2 && t[0] == "p" && t[1] == pubkey {
			return true
		}
	}
	return false
}

func eTagValue(evt *nostr.Event) string {
	for _, t := range evt.Tags {
		if len(t) >= 2 && t[0] == "e" {
			return t[1]
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
