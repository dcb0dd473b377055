package publisher

import (
	"context"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenex-run/tenex/internal/nostrx"
)

type fakeTransport struct {
	published []*nostr.Event
	failFor   map[string]bool // recipient pubkey -> force failure (checked via p-tag)
}

func (f *fakeTransport) Subscribe(ctx context.Context, filter nostrx.Filter) (<-chan nostrx.RelayEvent, error) {
	panic("not used")
}

func (f *fakeTransport) Publish(ctx context.Context, evt *nostr.Event) error {
	for _, t := range evt.Tags {
		if len(t) >= 2 && t[0] == "p" && f.failFor[t[1]] {
			return assert.AnError
		}
	}
	f.published = append(f.published, evt)
	return nil
}

func (f *fakeTransport) Close() {}

func newPublisher(t *testing.T) (*Publisher, *fakeTransport) {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	signer, err := nostrx.NewSigner(sk)
	require.NoError(t, err)
	transport := &fakeTransport{}
	return New(signer, transport), transport
}

func TestReplyTagsRootAndMentions(t *testing.T) {
	p, transport := newPublisher(t)
	evt, err := p.Reply(context.Background(), "root1", "parent1", []string{"mention1"}, "hello")
	require.NoError(t, err)
	require.Len(t, transport.published, 1)
	assert.Equal(t, nostrx.GenericReply, evt.Kind)
	assert.True(t, evt.CheckSignature())
	assertHasTag(t, evt.Tags, "e", "root1")
	assertHasTag(t, evt.Tags, "e", "parent1")
	assertHasTag(t, evt.Tags, "p", "mention1")
}

func TestDelegatePublishesOnePerRecipient(t *testing.T) {
	p, transport := newPublisher(t)
	results, err := p.Delegate(context.Background(), "root1", "EXECUTE", []string{"dev1pub", "dev2pub"}, "do the thing")
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Len(t, transport.published, 2)
	assert.Equal(t, "dev1pub", results[0].RecipientPubkey)
	assert.Equal(t, "dev2pub", results[1].RecipientPubkey)
}

func TestDelegatePartialFailureReturnsFirstErrorAndSucceededResults(t *testing.T) {
	p, transport := newPublisher(t)
	transport.failFor = map[string]bool{"dev2pub": true}

	results, err := p.Delegate(context.Background(), "root1", "", []string{"dev1pub", "dev2pub"}, "do the thing")
	require.Error(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "dev1pub", results[0].RecipientPubkey)
}

func TestCompleteDelegationTagsTaskAndDelegator(t *testing.T) {
	p, _ := newPublisher(t)
	evt, err := p.CompleteDelegation(context.Background(), "task1", "delegatorpub", "all done")
	require.NoError(t, err)
	assert.Equal(t, nostrx.DelegationResp, evt.Kind)
	assertHasTag(t, evt.Tags, "e", "task1")
	assertHasTag(t, evt.Tags, "p", "delegatorpub")
}

func TestStreamFrameUsesStreamingKind(t *testing.T) {
	p, transport := newPublisher(t)
	err := p.StreamFrame(context.Background(), "root1", "partial tok")
	require.NoError(t, err)
	require.Len(t, transport.published, 1)
	assert.Equal(t, nostrx.StreamingEphemeral, transport.published[0].Kind)
}

func assertHasTag(t *testing.T, tags nostr.Tags, name, value string) {
	t.Helper()
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name && tag[1] == value {
			return
		}
	}
	t.Fatalf("expected tag %s=%s not found in %v", name, value, tags)
}
