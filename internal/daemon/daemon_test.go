package daemon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenex-run/tenex/internal/config"
	"github.com/tenex-run/tenex/internal/nostrx"
	"github.com/tenex-run/tenex/internal/project"
	"github.com/tenex-run/tenex/internal/subscription"
)

type fakeTransport struct {
	mu        sync.Mutex
	published []*nostr.Event
	subs      []nostrx.Filter
}

func (f *fakeTransport) Subscribe(ctx context.Context, filter nostrx.Filter) (<-chan nostrx.RelayEvent, error) {
	f.mu.Lock()
	f.subs = append(f.subs, filter)
	f.mu.Unlock()

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

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Config{
		GlobalDataDir:      t.TempDir(),
		WhitelistedPubkeys: []string{"owner-pubkey"},
	}
	cfg.SetDefaults()
	return cfg
}

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	d, err := New(testConfig(t))
	require.NoError(t, err)
	d.subs.Stop()
	d.transport = &fakeTransport{}
	d.subs = subscription.New(d.transport, subscription.Config{InboxCapacity: d.cfg.InboxCapacity})
	return d
}

func TestNewBuildsEverySubsystem(t *testing.T) {
	d, err := New(testConfig(t))
	require.NoError(t, err)
	assert.NotNil(t, d.Agents())
	assert.NotNil(t, d.providers)
	assert.NotNil(t, d.tools)
	assert.NotNil(t, d.transport)
	assert.NotNil(t, d.subs)
	assert.NotNil(t, d.metrics)
	assert.Empty(t, d.projects)
}

func testDefinition(ownerPK, dTag string) project.Definition {
	return project.Definition{
		ID:          "31100:" + ownerPK + ":" + dTag,
		DTag:        dTag,
		OwnerPubkey: ownerPK,
		Title:       "test project",
		PMPubkey:    "pm-pubkey-does-not-need-a-local-agent-for-this-test",
	}
}

func TestCacheDefinitionRoundTrips(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg)
	require.NoError(t, err)

	def := testDefinition("owner1", "proj1")
	require.NoError(t, d.cacheDefinition(def))

	defs, err := d.loadCachedDefinitions()
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, def, defs[0])
}

func TestLoadCachedDefinitionsEmptyDirIsNotAnError(t *testing.T) {
	d, err := New(testConfig(t))
	require.NoError(t, err)

	defs, err := d.loadCachedDefinitions()
	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestHandleDiscoveredProjectDefSkipsAlreadyTrackedProject(t *testing.T) {
	d := newTestDaemon(t)

	ownerSK := nostr.GeneratePrivateKey()
	ownerPK, err := nostr.GetPublicKey(ownerSK)
	require.NoError(t, err)

	evt := &nostr.Event{
		Kind:      nostrx.ProjectDef,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Tags:      nostr.Tags{{"d", "proj1"}},
		Content:   `{"title":"t","pm":"pm-pubkey"}`,
	}
	require.NoError(t, evt.Sign(ownerSK))

	def, err := project.ParseDefinition(evt)
	require.NoError(t, err)

	d.mu.Lock()
	d.projects[def.ID] = nil // mark as already tracked without a real runtime
	d.mu.Unlock()

	// Should no-op rather than panic on the nil runtime by never calling
	// loadProject for an already-known project id.
	d.handleDiscoveredProjectDef(evt)

	d.mu.Lock()
	n := len(d.projects)
	d.mu.Unlock()
	assert.Equal(t, 1, n)
}

func TestHandleDiscoveredProjectDefDropsMalformedEvent(t *testing.T) {
	d := newTestDaemon(t)

	evt := &nostr.Event{
		Kind:    nostrx.ProjectDef,
		Content: "not json",
	}
	// Unsigned/malformed events must not panic; ParseDefinition fails and
	// handleDiscoveredProjectDef returns without touching d.projects.
	d.handleDiscoveredProjectDef(evt)

	d.mu.Lock()
	n := len(d.projects)
	d.mu.Unlock()
	assert.Zero(t, n)
}

func TestShutdownWithNoProjectsReturnsNil(t *testing.T) {
	d := newTestDaemon(t)
	assert.NoError(t, d.shutdown())
}

func TestRunSingleProjectStartsAndShutsDownOnCancel(t *testing.T) {
	d := newTestDaemon(t)

	pm, err := d.Agents().Create("pm", "project manager", "be helpful", nil, "default", true)
	require.NoError(t, err)

	def := testDefinition("owner1", "proj1")
	def.PMPubkey = pm.Pubkey
	def.AgentPubkeys = []string{pm.Pubkey}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- d.RunSingleProject(ctx, def)
	}()

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.projects) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RunSingleProject did not return after ctx cancellation")
	}
}
