package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionStatusTransitions(t *testing.T) {
	assert.True(t, ExecutionPending.CanTransitionTo(ExecutionRunning))
	assert.True(t, ExecutionRunning.CanTransitionTo(ExecutionFailing))
	assert.True(t, ExecutionFailing.CanTransitionTo(ExecutionRunning))
	assert.True(t, ExecutionFailing.CanTransitionTo(ExecutionFailed))
	assert.False(t, ExecutionCompleted.CanTransitionTo(ExecutionRunning))
	assert.False(t, ExecutionFailed.CanTransitionTo(ExecutionFailing))
	assert.False(t, ExecutionPending.CanTransitionTo(ExecutionFailing))

	assert.True(t, ExecutionFailed.IsTerminal())
	assert.False(t, ExecutionFailing.IsTerminal())
}

func TestSliceState(t *testing.T) {
	assert.False(t, SliceStart.IsTerminal())
	assert.True(t, SliceCompleted.IsTerminal())
	assert.True(t, SliceError.IsTerminal())
}

func TestEnvelopePayload(t *testing.T) {
	env, err := NewEnvelope("w1", Controller, MsgWorkerSliceComplete, &SliceCompletion{
		Slice:    &Slice{SliceID: "s1", SlicerOrder: 2, Request: SliceRequest{"start": 0}},
		WorkerID: "w1",
		Retry:    true,
	})
	require.NoError(t, err)
	assert.False(t, env.ExpectsResponse())

	completion := &SliceCompletion{}
	require.NoError(t, env.Decode(completion))
	assert.Equal(t, "s1", completion.Slice.SliceID)
	assert.Equal(t, 2, completion.Slice.SlicerOrder)
	assert.True(t, completion.Retry)

	start, err := completion.Slice.Request.Int("start")
	assert.NoError(t, err)
	assert.Equal(t, 0, start)

	empty := &Envelope{Type: MsgWorkerReady}
	assert.Error(t, empty.Decode(&WorkerReady{}))
}

func TestPreferredWorker(t *testing.T) {
	assert.Equal(t, "", SliceRequest(nil).PreferredWorker())
	assert.Equal(t, "w2", SliceRequest{WorkerAffinityKey: "w2"}.PreferredWorker())
	assert.Equal(t, "", SliceRequest{WorkerAffinityKey: 3}.PreferredWorker())
}
