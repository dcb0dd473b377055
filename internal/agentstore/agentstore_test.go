package agentstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)

	a, err := s.Create("planner", "Plans work", "Break tasks into steps.", []string{"delegate", "complete"}, "anthropic-default", true)
	require.NoError(t, err)
	assert.NotEmpty(t, a.Pubkey)
	assert.NotEmpty(t, a.Nsec)

	_, err = a.PrivateKeyHex()
	require.NoError(t, err)

	reopened, err := Open(dir)
	require.NoError(t, err)
	got, ok := reopened.Get("planner")
	require.True(t, ok)
	assert.Equal(t, a.Pubkey, got.Pubkey)

	byPub, ok := reopened.ByPubkey(a.Pubkey)
	require.True(t, ok)
	assert.Equal(t, "planner", byPub.Slug)
}

func TestCreateDuplicateSlugFails(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = s.Create("planner", "", "", nil, "", false)
	require.NoError(t, err)

	_, err = s.Create("planner", "", "", nil, "", false)
	assert.Error(t, err)
}

func TestUpdateAndRemove(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = s.Create("coder", "", "", nil, "", false)
	require.NoError(t, err)

	updated, err := s.Update("coder", func(a *Agent) { a.Role = "Writes code" })
	require.NoError(t, err)
	assert.Equal(t, "Writes code", updated.Role)

	require.NoError(t, s.Remove("coder"))
	_, ok := s.Get("coder")
	assert.False(t, ok)
}

func TestListIsSortedBySlug(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	for _, slug := range []string{"zeta", "alpha", "mu"} {
		_, err := s.Create(slug, "", "", nil, "", false)
		require.NoError(t, err)
	}
	list := s.List()
	require.Len(t, list, 3)
	assert.Equal(t, []string{"alpha", "mu", "zeta"}, []string{list[0].Slug, list[1].Slug, list[2].Slug})
}
