package delegation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenex-run/tenex/internal/errs"
)

func TestRegisterRejectsSelfDelegation(t *testing.T) {
	r := New()
	_, err := r.Register("A1", "conv1", map[string]string{"A1": "task1"})
	assert.ErrorIs(t, err, errs.Of(errs.DelegationSelfTarget))
}

func TestFanOutFanInCompletesOnLastResponse(t *testing.T) {
	r := New()
	b, err := r.Register("A1", "conv1", map[string]string{
		"A2": "task-a2",
		"A3": "task-a3",
	})
	require.NoError(t, err)

	_, outcome, err := r.RecordResponse("task-a2", "A2", "resp-a2")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecorded, outcome)

	got, outcome, err := r.RecordResponse("task-a3", "A3", "resp-a3")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, StateComplete, got.State)
	assert.Equal(t, b.BatchID, got.BatchID)
}

func TestDuplicateResponseDoesNotReSignal(t *testing.T) {
	r := New()
	_, err := r.Register("A1", "conv1", map[string]string{"A2": "task-a2", "A3": "task-a3"})
	require.NoError(t, err)

	_, outcome, err := r.RecordResponse("task-a2", "A2", "resp-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecorded, outcome)

	_, outcome, err = r.RecordResponse("task-a2", "A2", "resp-2")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
}

func TestLateResponseAfterCancelDoesNotReactivate(t *testing.T) {
	r := New()
	b, err := r.Register("A1", "conv1", map[string]string{"A2": "task-a2"})
	require.NoError(t, err)
	require.NoError(t, r.Cancel(b.BatchID))

	_, outcome, err := r.RecordResponse("task-a2", "A2", "resp-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeLateAfterTerminal, outcome)
}

func TestOpenBatchesForFiltersByDelegatorAndState(t *testing.T) {
	r := New()
	b1, err := r.Register("A1", "conv1", map[string]string{"A2": "t1"})
	require.NoError(t, err)
	_, err = r.Register("A1", "conv2", map[string]string{"A3": "t2"})
	require.NoError(t, err)
	require.NoError(t, r.Cancel(b1.BatchID))

	open := r.OpenBatchesFor("A1")
	require.Len(t, open, 1)
	assert.Equal(t, "conv2", open[0].ConversationID)
}
