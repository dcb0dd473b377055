package status

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenex-run/tenex/internal/nostrx"
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

func newTestPublisher(t *testing.T) (*publisher.Publisher, *fakeTransport) {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	signer, err := nostrx.NewSigner(sk)
	require.NoError(t, err)
	transport := &fakeTransport{}
	return publisher.New(signer, transport), transport
}

func tagsByName(tags nostr.Tags, name string) []nostr.Tag {
	var out []nostr.Tag
	for _, t := range tags {
		if len(t) > 0 && t[0] == name {
			out = append(out, t)
		}
	}
	return out
}

func TestBuildTagsGroupsModelsAndToolsExcludingSystemTools(t *testing.T) {
	agents := []AgentInfo{
		{Slug: "alice", Pubkey: "pmpub", IsPM: true, LLMConfigRef: "default", Tools: []string{toolkit.NameDelegate, toolkit.NameComplete}},
		{Slug: "dev1", Pubkey: "dev1pub", LLMConfigRef: "default", Tools: []string{"web_search"}},
		{Slug: "dev2", Pubkey: "dev2pub", LLMConfigRef: "fast", Tools: []string{"web_search", toolkit.NameSwitchPhase}},
	}

	tags := buildTags("31100:ownerpub:proj", "ownerpub", agents)

	aTags := tagsByName(tags, "a")
	require.Len(t, aTags, 1)
	assert.Equal(t, "31100:ownerpub:proj", aTags[0][1])

	pTags := tagsByName(tags, "p")
	require.Len(t, pTags, 1)
	assert.Equal(t, "ownerpub", pTags[0][1])

	agentTags := tagsByName(tags, "agent")
	require.Len(t, agentTags, 3)
	found := false
	for _, at := range agentTags {
		if at[2] == "alice" {
			found = true
			assert.Equal(t, "pm", at[3])
		}
	}
	assert.True(t, found, "pm agent tag should carry the pm marker")

	modelTags := tagsByName(tags, "model")
	require.Len(t, modelTags, 2)
	for _, mt := range modelTags {
		switch mt[1] {
		case "default":
			assert.ElementsMatch(t, []string{"alice", "dev1"}, mt[2:])
		case "fast":
			assert.ElementsMatch(t, []string{"dev2"}, mt[2:])
		default:
			t.Fatalf("unexpected model config ref %q", mt[1])
		}
	}

	toolTags := tagsByName(tags, "tool")
	require.Len(t, toolTags, 1) // web_search only; delegate/complete/switch_phase are system tools
	assert.Equal(t, "web_search", toolTags[0][1])
	assert.ElementsMatch(t, []string{"dev1", "dev2"}, toolTags[0][2:])
}

func TestPublisherBeatPublishesStatusEphemeral(t *testing.T) {
	pub, transport := newTestPublisher(t)
	agents := []AgentInfo{{Slug: "pm", Pubkey: "pmpub", IsPM: true, LLMConfigRef: "default"}}

	p := New(pub, func() []AgentInfo { return agents }, NewMetrics(), Config{ProjectID: "proj1", OwnerPubkey: "ownerpub"})
	p.beat(context.Background())

	events := transport.events()
	require.Len(t, events, 1)
	assert.Equal(t, nostrx.StatusEphemeral, events[0].Kind)
	assert.Empty(t, events[0].Content)
}

func TestPublishOperationsSnapshotListsEachOperation(t *testing.T) {
	pub, transport := newTestPublisher(t)
	p := New(pub, func() []AgentInfo { return nil }, NewMetrics(), Config{ProjectID: "proj1", OwnerPubkey: "ownerpub"})

	err := p.PublishOperationsSnapshot(context.Background(), []OperationInfo{
		{ID: "op1", AgentSlug: "dev1", ConversationID: "conv1"},
	})
	require.NoError(t, err)

	events := transport.events()
	require.Len(t, events, 1)
	assert.Equal(t, nostrx.OpsStatusEphemeral, events[0].Kind)
	opTags := tagsByName(events[0].Tags, "operation")
	require.Len(t, opTags, 1)
	assert.Equal(t, nostr.Tag{"operation", "op1", "dev1", "conv1"}, opTags[0])
}

func TestPublisherStartStopsOnStop(t *testing.T) {
	pub, transport := newTestPublisher(t)
	agents := []AgentInfo{{Slug: "pm", Pubkey: "pmpub", IsPM: true, LLMConfigRef: "default"}}

	p := New(pub, func() []AgentInfo { return agents }, NewMetrics(), Config{ProjectID: "proj1", OwnerPubkey: "ownerpub", Interval: 5 * time.Millisecond})

	done := make(chan struct{})
	go func() {
		p.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(transport.events()) > 0
	}, time.Second, 5*time.Millisecond)

	p.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
