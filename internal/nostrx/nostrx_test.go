package nostrx

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignerSignsAndStampsPubkey(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	signer, err := NewSigner(sk)
	require.NoError(t, err)

	evt := &Event{
		Kind:    GenericReply,
		Content: "hello",
		Tags:    nostr.Tags{ETag("root-id", "", "root")},
	}
	require.NoError(t, signer.Sign(evt))

	assert.Equal(t, signer.Pubkey(), evt.PubKey)
	assert.NotEmpty(t, evt.ID)
	assert.NotEmpty(t, evt.Sig)

	ok, err := evt.CheckSignature()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTagHelpers(t *testing.T) {
	assert.Equal(t, nostr.Tag{"e", "abc", "", "root"}, ETag("abc", "", "root"))
	assert.Equal(t, nostr.Tag{"p", "pub1"}, PTag("pub1"))
	assert.Equal(t, nostr.Tag{"K", "1111"}, KTag(GenericReply))
	assert.Equal(t, nostr.Tag{"a", "31100:pub1:proj"}, ATag(ProjectDef, "pub1", "proj"))
}
