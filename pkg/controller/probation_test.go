package controller

import (
	"context"
	"testing"
	"time"

	"github.com/srand/slicer/pkg/job"
	"github.com/srand/slicer/pkg/log"
	"github.com/srand/slicer/pkg/protocol"
	"github.com/srand/slicer/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProbation(t *testing.T, lifecycle job.Lifecycle) (*probation, *store.MemoryStore, *ExecutionAnalytics) {
	executions := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, executions.SetStatus(ctx, "ex1", protocol.ExecutionRunning, nil))

	cfg := job.NewConfig()
	cfg.Lifecycle = lifecycle
	cfg.ProbationWindow = 20 * time.Millisecond

	a := NewExecutionAnalytics("ex1", nil, time.Minute, nil)
	return newProbation("ex1", cfg, executions, a, log.Default()), executions, a
}

func status(t *testing.T, executions store.ExecutionStore) protocol.ExecutionStatus {
	record, err := executions.Get(context.Background(), "ex1")
	require.NoError(t, err)
	return record.Status
}

func TestProbationRecovers(t *testing.T) {
	p, executions, a := newTestProbation(t, job.Persistent)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.Increment(StatFailed, 1)
	a.Increment(StatProcessed, 1)
	p.onFailure(ctx)
	assert.Equal(t, protocol.ExecutionFailing, status(t, executions))

	// Progress without new failures.
	a.Increment(StatProcessed, 5)
	require.Eventually(t, func() bool {
		return status(t, executions) == protocol.ExecutionRunning
	}, time.Second, 5*time.Millisecond)

	p.wait()
}

func TestProbationKeepsFailingWithoutProgress(t *testing.T) {
	p, executions, a := newTestProbation(t, job.Persistent)
	ctx, cancel := context.WithCancel(context.Background())

	a.Increment(StatFailed, 1)
	p.onFailure(ctx)

	// New failures keep the execution on probation.
	for i := 0; i < 5; i++ {
		time.Sleep(10 * time.Millisecond)
		a.Increment(StatFailed, 1)
		a.Increment(StatProcessed, 1)
	}
	assert.Equal(t, protocol.ExecutionFailing, status(t, executions))

	cancel()
	p.wait()
	assert.Equal(t, protocol.ExecutionFailing, status(t, executions))
}

func TestProbationOnceLifecycle(t *testing.T) {
	p, executions, a := newTestProbation(t, job.Once)

	a.Increment(StatFailed, 1)
	p.onFailure(context.Background())
	a.Increment(StatProcessed, 10)

	time.Sleep(60 * time.Millisecond)
	p.wait()
	assert.Equal(t, protocol.ExecutionFailing, status(t, executions))
}

func TestProbationDoesNotOverrideTerminalStatus(t *testing.T) {
	p, executions, a := newTestProbation(t, job.Persistent)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.onFailure(ctx)
	require.NoError(t, executions.SetStatus(ctx, "ex1", protocol.ExecutionFailed, nil))

	a.Increment(StatProcessed, 3)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, protocol.ExecutionFailed, status(t, executions))

	// Further failures leave a terminal status alone.
	p.onFailure(ctx)
	assert.Equal(t, protocol.ExecutionFailed, status(t, executions))
}
