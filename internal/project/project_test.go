package project

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenex-run/tenex/internal/agentstore"
	"github.com/tenex-run/tenex/internal/config"
	"github.com/tenex-run/tenex/internal/llm"
	"github.com/tenex-run/tenex/internal/nostrx"
	"github.com/tenex-run/tenex/internal/router"
	"github.com/tenex-run/tenex/internal/status"
	"github.com/tenex-run/tenex/internal/subscription"
	"github.com/tenex-run/tenex/internal/toolkit"
)

type fakeTransport struct {
	mu        sync.Mutex
	published []*nostr.Event
}

func (f *fakeTransport) Subscribe(ctx context.Context, filter nostrx.Filter) (<-chan nostrx.RelayEvent, error) {
	ch := make(chan nostrx.RelayEvent)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
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

// fakeProvider replies once with plain text, ending the Reason-Act loop
// without any tool calls.
type fakeProvider struct{}

func (fakeProvider) Name() string { return "fake" }

func (fakeProvider) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk, 2)
	ch <- llm.StreamChunk{Type: llm.ChunkText, Text: "ack"}
	ch <- llm.StreamChunk{Type: llm.ChunkDone}
	close(ch)
	return ch, nil
}

func testDeps(t *testing.T, agents *agentstore.Store, transport *fakeTransport) Deps {
	t.Helper()
	providers := llm.NewRegistry()
	require.NoError(t, providers.Register("default", fakeProvider{}))

	cfg := config.Config{ProjectsDataDir: t.TempDir()}
	cfg.SetDefaults()

	return Deps{
		Agents:         agents,
		Providers:      providers,
		Tools:          toolkit.New(),
		Transport:      transport,
		Subscriptions:  subscription.New(transport, subscription.Config{}),
		Metrics:        status.NewMetrics(),
		Config:         cfg,
		StatusInterval: 5 * time.Millisecond,
	}
}

func newProjectDefEvent(t *testing.T, ownerSK, dTag, pmPubkey string, agentPubkeys []string) *nostr.Event {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"title":  "test project",
		"agents": agentPubkeys,
		"pm":     pmPubkey,
	})
	require.NoError(t, err)

	evt := &nostr.Event{
		Kind:      nostrx.ProjectDef,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Tags:      nostr.Tags{{"d", dTag}},
		Content:   string(body),
	}
	require.NoError(t, evt.Sign(ownerSK))
	return evt
}

func TestParseDefinition(t *testing.T) {
	ownerSK := nostr.GeneratePrivateKey()
	ownerPK, err := nostr.GetPublicKey(ownerSK)
	require.NoError(t, err)

	t.Run("valid", func(t *testing.T) {
		evt := newProjectDefEvent(t, ownerSK, "proj1", "pmpub", []string{"pmpub", "devpub"})
		def, err := ParseDefinition(evt)
		require.NoError(t, err)
		assert.Equal(t, "proj1", def.DTag)
		assert.Equal(t, ownerPK, def.OwnerPubkey)
		assert.Equal(t, "pmpub", def.PMPubkey)
		assert.ElementsMatch(t, []string{"pmpub", "devpub"}, def.AgentPubkeys)
		assert.Equal(t, "31100:"+ownerPK+":proj1", def.ID)
	})

	t.Run("wrong kind", func(t *testing.T) {
		evt := &nostr.Event{Kind: nostrx.ThreadRoot, Tags: nostr.Tags{{"d", "x"}}, Content: "{}"}
		_, err := ParseDefinition(evt)
		assert.Error(t, err)
	})

	t.Run("missing d-tag", func(t *testing.T) {
		evt := &nostr.Event{Kind: nostrx.ProjectDef, Content: `{"pm":"pmpub"}`}
		_, err := ParseDefinition(evt)
		assert.Error(t, err)
	})

	t.Run("missing pm", func(t *testing.T) {
		evt := &nostr.Event{Kind: nostrx.ProjectDef, Tags: nostr.Tags{{"d", "proj1"}}, Content: `{}`}
		_, err := ParseDefinition(evt)
		assert.Error(t, err)
	})
}

func TestBuildRosterDropsAgentWithNoLocalSigningKey(t *testing.T) {
	dir := t.TempDir()
	agents, err := agentstore.Open(dir)
	require.NoError(t, err)

	pm, err := agents.Create("pm", "project manager", "be helpful", nil, "default", true)
	require.NoError(t, err)

	def := Definition{
		ID:           "proj1",
		PMPubkey:     pm.Pubkey,
		AgentPubkeys: []string{pm.Pubkey, "unknown-pubkey"},
	}

	ros := buildRoster(def, agents)
	assert.Len(t, ros.byPubkey, 1)
	assert.Contains(t, ros.byPubkey, pm.Pubkey)
	assert.NotContains(t, ros.byPubkey, "unknown-pubkey")
	assert.Equal(t, pm.Pubkey, ros.PMPubkey())
}

func newTestRuntime(t *testing.T) (*Runtime, *agentstore.Store, *agentstore.Agent, *fakeTransport) {
	t.Helper()
	dir := t.TempDir()
	agents, err := agentstore.Open(dir)
	require.NoError(t, err)

	pm, err := agents.Create("pm", "project manager", "be helpful", nil, "default", true)
	require.NoError(t, err)

	transport := &fakeTransport{}
	deps := testDeps(t, agents, transport)

	ownerSK := nostr.GeneratePrivateKey()
	ownerPK, err := nostr.GetPublicKey(ownerSK)
	require.NoError(t, err)

	def := Definition{
		ID:           "31100:" + ownerPK + ":proj1",
		DTag:         "proj1",
		OwnerPubkey:  ownerPK,
		PMPubkey:     pm.Pubkey,
		AgentPubkeys: []string{pm.Pubkey},
	}

	rt, err := New(def, deps)
	require.NoError(t, err)
	return rt, agents, pm, transport
}

func TestRuntimeStartRegistersWithSubscriptionManagerAndHeartbeats(t *testing.T) {
	rt, _, _, transport := newTestRuntime(t)

	require.NoError(t, rt.Start(context.Background()))

	require.Eventually(t, func() bool {
		for _, evt := range transport.events() {
			if evt.Kind == nostrx.StatusEphemeral {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, rt.Stop(context.Background()))
}

func TestRuntimeDispatchesThreadRootToPM(t *testing.T) {
	rt, _, pm, transport := newTestRuntime(t)
	require.NoError(t, rt.Start(context.Background()))
	defer rt.Stop(context.Background())

	authorSK := nostr.GeneratePrivateKey()
	evt := &nostr.Event{
		Kind:      nostrx.ThreadRoot,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Content:   "hello",
		Tags:      nostr.Tags{{"p", pm.Pubkey}},
	}
	require.NoError(t, evt.Sign(authorSK))

	rt.handleEvent(context.Background(), evt)

	require.Eventually(t, func() bool {
		for _, e := range transport.events() {
			if e.PubKey == pm.Pubkey && e.ID != evt.ID {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestHandleStopRequestTargetsNamedAgentsOnly(t *testing.T) {
	rt, agents, pm, _ := newTestRuntime(t)
	dev, err := agents.Create("dev", "developer", "be helpful", nil, "default", false)
	require.NoError(t, err)
	rt.roster.byPubkey[dev.Pubkey] = dev
	rt.roster.bySlug[dev.Slug] = dev

	pmCtx, _, cancelPM := rt.operations.Register(context.Background(), pm.Slug, "conv1")
	defer cancelPM()
	devCtx, _, cancelDev := rt.operations.Register(context.Background(), dev.Slug, "conv1")
	defer cancelDev()

	decision := router.Decision{
		ConversationID: "conv1",
		Event:          &nostr.Event{Tags: nostr.Tags{{"p", dev.Pubkey}}},
	}
	rt.handleStopRequest(decision)

	require.Error(t, devCtx.Err())
	assert.NoError(t, pmCtx.Err())
}

func TestHandleAgentConfigUpdateMutatesRosterAgent(t *testing.T) {
	rt, _, pm, _ := newTestRuntime(t)

	body, err := json.Marshal(map[string]any{"role": "new role", "tools": []string{"web_search"}})
	require.NoError(t, err)
	ownerSK := nostr.GeneratePrivateKey()
	evt := &nostr.Event{
		Kind:      nostrx.AgentConfigUpd,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Tags:      nostr.Tags{{"d", pm.Slug}},
		Content:   string(body),
	}
	require.NoError(t, evt.Sign(ownerSK))

	rt.handleAgentConfigUpdate(evt)

	updated := rt.roster.byPubkey[pm.Pubkey]
	require.NotNil(t, updated)
	assert.Equal(t, "new role", updated.Role)
	assert.Equal(t, []string{"web_search"}, updated.Tools)
}
