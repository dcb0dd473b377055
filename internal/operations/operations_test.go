package operations

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancelByIDCancelsContext(t *testing.T) {
	r := New()
	ctx, id, deregister := r.Register(context.Background(), "pm", "conv1")
	defer deregister()

	require.True(t, r.CancelByID(id))
	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected context to be cancelled")
	}
}

func TestCancelByConversationAgentMatchesAll(t *testing.T) {
	r := New()
	_, _, d1 := r.Register(context.Background(), "pm", "conv1")
	defer d1()
	_, _, d2 := r.Register(context.Background(), "dev", "conv1")
	defer d2()

	n := r.CancelByConversationAgent("conv1", "pm")
	assert.Equal(t, 1, n)
}

func TestDeregisterRemovesFromSnapshot(t *testing.T) {
	r := New()
	_, id, deregister := r.Register(context.Background(), "pm", "conv1")
	assert.Len(t, r.Snapshot(), 1)
	deregister()
	assert.Empty(t, r.Snapshot())
	assert.False(t, r.CancelByID(id))
}
