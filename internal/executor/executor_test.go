package executor

import (
	"context"
	"sync"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenex-run/tenex/internal/agentstore"
	"github.com/tenex-run/tenex/internal/conversation"
	"github.com/tenex-run/tenex/internal/delegation"
	"github.com/tenex-run/tenex/internal/llm"
	"github.com/tenex-run/tenex/internal/messages"
	"github.com/tenex-run/tenex/internal/nostrx"
	"github.com/tenex-run/tenex/internal/operations"
	"github.com/tenex-run/tenex/internal/publisher"
	"github.com/tenex-run/tenex/internal/toolkit"
)

type fakeTransport struct {
	mu        sync.Mutex
	published []*nostr.Event
}

func (f *fakeTransport) Subscribe(ctx context.Context, filter nostrx.Filter) (<-chan nostrx.RelayEvent, error) {
	panic("not used")
}

func (f *fakeTransport) Publish(ctx context.Context, evt *nostr.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, evt)
	return nil
}

func (f *fakeTransport) Close() {}

func (f *fakeTransport) events() []*nostr.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*nostr.Event, len(f.published))
	copy(out, f.published)
	return out
}

func eventsByKind(events []*nostr.Event, kind int) []*nostr.Event {
	var out []*nostr.Event
	for _, e := range events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type fakeProvider struct {
	mu      sync.Mutex
	queue   [][]llm.StreamChunk
	idx     int
	callCnt int
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
	p.mu.Lock()
	p.callCnt++
	var chunks []llm.StreamChunk
	if p.idx < len(p.queue) {
		chunks = p.queue[p.idx]
		p.idx++
	} else if len(p.queue) > 0 {
		chunks = p.queue[len(p.queue)-1]
	}
	p.mu.Unlock()

	ch := make(chan llm.StreamChunk, len(chunks)+1)
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callCnt
}

type fakePublishers struct {
	byPubkey map[string]*publisher.Publisher
}

func (f fakePublishers) Publisher(pubkey string) (*publisher.Publisher, bool) {
	p, ok := f.byPubkey[pubkey]
	return p, ok
}

type harness struct {
	executor    *Executor
	transport   *fakeTransport
	provider    *fakeProvider
	agents      *agentstore.Store
	convs       *conversation.Store
	delegations *delegation.Registry
	pm          *agentstore.Agent
}

func newHarness(t *testing.T, queue [][]llm.StreamChunk, cfg Config) *harness {
	t.Helper()

	agentsStore, err := agentstore.Open(t.TempDir())
	require.NoError(t, err)
	pm, err := agentsStore.Create("pm", "PM", "coordinate", []string{toolkit.NameDelegate, toolkit.NameComplete, toolkit.NameSwitchPhase}, "default", true)
	require.NoError(t, err)

	skHex, err := pm.PrivateKeyHex()
	require.NoError(t, err)
	signer, err := nostrx.NewSigner(skHex)
	require.NoError(t, err)

	transport := &fakeTransport{}
	pub := publisher.New(signer, transport)
	publishers := fakePublishers{byPubkey: map[string]*publisher.Publisher{pm.Pubkey: pub}}

	convs := conversation.New(t.TempDir())
	delegations := delegation.New()
	builder := messages.New(agentsStore, delegations, messages.Compression{})

	toolsReg := toolkit.New()
	toolkit.MustRegister(toolsReg, toolkit.DelegateTool{})
	toolkit.MustRegister(toolsReg, toolkit.CompleteTool{})
	toolkit.MustRegister(toolsReg, toolkit.SwitchPhaseTool{})

	prov := &fakeProvider{queue: queue}
	llmReg := llm.NewRegistry()
	require.NoError(t, llmReg.Register("default", prov))

	ops := operations.New()
	ex := New(ops, convs, builder, llmReg, toolsReg, delegations, publishers, agentsStore, cfg)

	return &harness{executor: ex, transport: transport, provider: prov, agents: agentsStore, convs: convs, delegations: delegations, pm: pm}
}

func TestExecuteNoToolCallsPublishesGenericReply(t *testing.T) {
	h := newHarness(t, [][]llm.StreamChunk{
		{{Type: llm.ChunkText, Text: "hello there"}, {Type: llm.ChunkDone}},
	}, Config{})

	root := &nostr.Event{ID: "root1", Kind: nostrx.ThreadRoot, PubKey: "human1", CreatedAt: 1}
	conv, err := h.convs.Create(root)
	require.NoError(t, err)

	err = h.executor.Execute(context.Background(), Input{Agent: h.pm, ConversationID: conv.ID, TriggeringEvent: root, SystemPrompt: "sys"})
	require.NoError(t, err)

	// The streamed text chunk also publishes one streaming-ephemeral frame
	// ahead of the final generic reply (spec.md §4.9).
	events := h.transport.events()
	require.Len(t, events, 2)
	reply := eventsByKind(events, nostrx.GenericReply)
	require.Len(t, reply, 1)
	assert.Equal(t, "hello there", reply[0].Content)
}

func TestExecuteCompleteToolPublishesReply(t *testing.T) {
	h := newHarness(t, [][]llm.StreamChunk{
		{{Type: llm.ChunkToolCall, ToolCall: &llm.ToolCall{ID: "c1", Name: toolkit.NameComplete, Arguments: map[string]any{"content": "done"}}}, {Type: llm.ChunkDone}},
	}, Config{})

	root := &nostr.Event{ID: "root1", Kind: nostrx.ThreadRoot, PubKey: "human1", CreatedAt: 1}
	conv, err := h.convs.Create(root)
	require.NoError(t, err)

	err = h.executor.Execute(context.Background(), Input{Agent: h.pm, ConversationID: conv.ID, TriggeringEvent: root, SystemPrompt: "sys"})
	require.NoError(t, err)

	events := h.transport.events()
	require.Len(t, events, 1)
	assert.Equal(t, nostrx.GenericReply, events[0].Kind)
	assert.Equal(t, "done", events[0].Content)
}

func TestExecuteCompleteToolOnDelegationTaskPublishesDelegationResponse(t *testing.T) {
	h := newHarness(t, [][]llm.StreamChunk{
		{{Type: llm.ChunkToolCall, ToolCall: &llm.ToolCall{ID: "c1", Name: toolkit.NameComplete, Arguments: map[string]any{"content": "part done"}}}, {Type: llm.ChunkDone}},
	}, Config{})

	root := &nostr.Event{ID: "root1", Kind: nostrx.ThreadRoot, PubKey: "delegatorpub", CreatedAt: 1}
	conv, err := h.convs.Create(root)
	require.NoError(t, err)

	task := &nostr.Event{
		ID: "task1", Kind: nostrx.DelegationTask, PubKey: "delegatorpub", CreatedAt: 2,
		Tags: nostr.Tags{nostrx.ETag("root1", "", "root"), nostrx.PTag(h.pm.Pubkey)},
	}
	require.NoError(t, h.convs.AppendEvent(conv.ID, task))

	err = h.executor.Execute(context.Background(), Input{Agent: h.pm, ConversationID: conv.ID, TriggeringEvent: task, SystemPrompt: "sys"})
	require.NoError(t, err)

	events := h.transport.events()
	require.Len(t, events, 1)
	assert.Equal(t, nostrx.DelegationResp, events[0].Kind)
	assert.Equal(t, "part done", events[0].Content)
}

func TestExecuteDelegateToolRegistersBatchAndStaysDormant(t *testing.T) {
	h := newHarness(t, [][]llm.StreamChunk{
		{{Type: llm.ChunkToolCall, ToolCall: &llm.ToolCall{ID: "c1", Name: toolkit.NameDelegate, Arguments: map[string]any{"recipients": []any{"dev1"}, "content": "build it"}}}, {Type: llm.ChunkDone}},
	}, Config{})

	_, err := h.agents.Create("dev1", "developer", "build things", nil, "default", false)
	require.NoError(t, err)

	root := &nostr.Event{ID: "root1", Kind: nostrx.ThreadRoot, PubKey: "human1", CreatedAt: 1}
	conv, err := h.convs.Create(root)
	require.NoError(t, err)

	err = h.executor.Execute(context.Background(), Input{Agent: h.pm, ConversationID: conv.ID, TriggeringEvent: root, SystemPrompt: "sys"})
	require.NoError(t, err)

	events := h.transport.events()
	require.Len(t, events, 1)
	assert.Equal(t, nostrx.DelegationTask, events[0].Kind)

	state, ok := h.convs.GetAgentState(conv.ID, "pm")
	require.True(t, ok)
	require.NotNil(t, state.PendingDelegation)

	_, ok = h.delegations.Get(*state.PendingDelegation)
	assert.True(t, ok)
}

func TestExecuteRecentReplyGuardSkipsDuplicate(t *testing.T) {
	h := newHarness(t, [][]llm.StreamChunk{
		{{Type: llm.ChunkText, Text: "hi"}, {Type: llm.ChunkDone}},
	}, Config{})

	root := &nostr.Event{ID: "root1", Kind: nostrx.ThreadRoot, PubKey: "human1", CreatedAt: 1}
	conv, err := h.convs.Create(root)
	require.NoError(t, err)

	in := Input{Agent: h.pm, ConversationID: conv.ID, TriggeringEvent: root, SystemPrompt: "sys"}
	require.NoError(t, h.executor.Execute(context.Background(), in))
	require.NoError(t, h.executor.Execute(context.Background(), in))

	assert.Equal(t, 1, h.provider.calls())
	assert.Len(t, h.transport.events(), 2) // one streaming frame, one generic reply; none from the second call
}

func TestExecuteSwitchPhaseUpdatesConversationPhase(t *testing.T) {
	h := newHarness(t, [][]llm.StreamChunk{
		{{Type: llm.ChunkToolCall, ToolCall: &llm.ToolCall{ID: "c1", Name: toolkit.NameSwitchPhase, Arguments: map[string]any{"to": "PLAN", "reason": "ready to plan"}}}, {Type: llm.ChunkDone}},
	}, Config{})

	root := &nostr.Event{ID: "root1", Kind: nostrx.ThreadRoot, PubKey: "human1", CreatedAt: 1}
	conv, err := h.convs.Create(root)
	require.NoError(t, err)
	require.Equal(t, conversation.PhaseChat, conv.Phase)

	err = h.executor.Execute(context.Background(), Input{Agent: h.pm, ConversationID: conv.ID, TriggeringEvent: root, SystemPrompt: "sys"})
	require.NoError(t, err)

	assert.Equal(t, conversation.PhasePlan, conv.Phase)
	events := h.transport.events()
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Content, "PLAN")
}

func TestExecuteExhaustedLoopEmitsNoResponseAfterRetries(t *testing.T) {
	h := newHarness(t, [][]llm.StreamChunk{
		{{Type: llm.ChunkDone}},
	}, Config{MaxIterations: 1, MaxContinuationAttempts: 1})

	root := &nostr.Event{ID: "root1", Kind: nostrx.ThreadRoot, PubKey: "human1", CreatedAt: 1}
	conv, err := h.convs.Create(root)
	require.NoError(t, err)

	err = h.executor.Execute(context.Background(), Input{Agent: h.pm, ConversationID: conv.ID, TriggeringEvent: root, SystemPrompt: "sys"})
	require.NoError(t, err)

	events := h.transport.events()
	require.Len(t, events, 1)
	assert.Equal(t, "no response", events[0].Content)
	assert.Equal(t, 2, h.provider.calls()) // initial + 1 continuation attempt
}
