package eventstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeenAndMarkProcessed(t *testing.T) {
	r, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.False(t, r.Seen("e1"))
	r.MarkProcessed("e1")
	assert.True(t, r.Seen("e1"))
}

func TestFlushPersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	r, err := Load(dir)
	require.NoError(t, err)

	r.MarkProcessed("e1")
	r.MarkProcessed("e2")
	require.NoError(t, r.Flush())

	path := filepath.Join(dir, "processed-events.json")
	_, err = os.Stat(path)
	require.NoError(t, err)

	reloaded, err := Load(dir)
	require.NoError(t, err)
	assert.True(t, reloaded.Seen("e1"))
	assert.True(t, reloaded.Seen("e2"))
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	r, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.False(t, r.Seen("anything"))
}

func TestBoundedEvictsOldest(t *testing.T) {
	r, err := Load(t.TempDir())
	require.NoError(t, err)

	for i := 0; i < MaxIDs+10; i++ {
		r.MarkProcessed(string(rune(i)))
	}
	assert.LessOrEqual(t, len(r.order), MaxIDs)
	assert.False(t, r.Seen(string(rune(0))))
}
