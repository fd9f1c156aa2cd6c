package controller

import (
	"testing"
	"time"

	"github.com/srand/slicer/pkg/events"
	"github.com/srand/slicer/pkg/job"
	"github.com/srand/slicer/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completionEvent(t *testing.T, workerID string, completion *protocol.SliceCompletion) events.Event {
	env, err := protocol.NewEnvelope(workerID, protocol.Controller, protocol.MsgWorkerSliceComplete, completion)
	require.NoError(t, err)
	return events.Event{Topic: protocol.MsgWorkerSliceComplete, Source: workerID, Payload: env}
}

func failures(ctrl *Controller) <-chan *protocol.SliceCompletion {
	ch := make(chan *protocol.SliceCompletion, 10)
	ctrl.Bus().On(protocol.EventSliceFailure, func(e events.Event) {
		ch <- e.Payload.(*protocol.SliceCompletion)
	})
	return ch
}

func TestDuplicateCompletionCountedOnce(t *testing.T) {
	env := newTestEnv(t)
	ctrl, _ := env.newController(t, newTestConfig(job.Once), WithSlicers(sequence()))

	slice := testSlice("s1")
	ctrl.dispatcher.inflight.add(slice, "w1")

	event := completionEvent(t, "w1", &protocol.SliceCompletion{Slice: slice})
	ctrl.onSliceComplete(event)
	ctrl.onSliceComplete(event)

	assert.Equal(t, int64(1), ctrl.Analytics().Get(StatProcessed))
	assert.Equal(t, 0, ctrl.Dispatcher().InflightCount())
}

func TestCompletionFromOtherWorkerIgnored(t *testing.T) {
	env := newTestEnv(t)
	ctrl, _ := env.newController(t, newTestConfig(job.Once), WithSlicers(sequence()))

	slice := testSlice("s1")
	ctrl.dispatcher.inflight.add(slice, "w1")

	ctrl.onSliceComplete(completionEvent(t, "w2", &protocol.SliceCompletion{Slice: slice}))
	assert.Equal(t, int64(0), ctrl.Analytics().Get(StatProcessed))
	assert.True(t, ctrl.Dispatcher().Holds("s1", "w1"))
}

func TestLateCompletionAfterTimeoutCountedOnRedispatch(t *testing.T) {
	env := newTestEnv(t)
	ctrl, _ := env.newController(t, newTestConfig(job.Once), WithSlicers(sequence()))

	// The dispatch timed out and the slice went back to the queue, but the
	// worker had accepted it and reports it late.
	slice := testSlice("s1")
	ctrl.onSliceComplete(completionEvent(t, "w1", &protocol.SliceCompletion{Slice: slice}))
	assert.Equal(t, int64(0), ctrl.Analytics().Get(StatProcessed))
	assert.False(t, ctrl.dedup.Has(dedupKey("s1", "w1")))

	// Redispatched to the same worker, which reports it as already processed.
	ctrl.dispatcher.inflight.add(slice, "w1")
	ctrl.onSliceComplete(completionEvent(t, "w1", &protocol.SliceCompletion{Slice: slice}))

	assert.Equal(t, int64(1), ctrl.Analytics().Get(StatProcessed))
	assert.Equal(t, int64(0), ctrl.Analytics().Get(StatFailed))
	assert.Equal(t, 0, ctrl.Dispatcher().InflightCount())
}

func TestRetriedCompletionCountsReconnectOnce(t *testing.T) {
	env := newTestEnv(t)
	ctrl, _ := env.newController(t, newTestConfig(job.Once), WithSlicers(sequence()))

	slice := testSlice("s1")
	ctrl.dispatcher.inflight.add(slice, "w1")

	retry := completionEvent(t, "w1", &protocol.SliceCompletion{Slice: slice, Retry: true})
	ctrl.onSliceComplete(retry)
	ctrl.onSliceComplete(retry)

	assert.Equal(t, int64(1), ctrl.Analytics().Get(StatWorkersReconnected))
	assert.Equal(t, int64(1), ctrl.Analytics().Get(StatProcessed))
	assert.True(t, ctrl.dedup.Has(retryKey("s1", "w1")))

	// Disconnecting flushes the retry entries of that worker only.
	ctrl.dedup.Set(retryKey("s2", "w2"), struct{}{}, 0)
	ctrl.onWorkerOffline(events.Event{Topic: protocol.EventWorkerOffline, Source: "w1"})
	assert.False(t, ctrl.dedup.Has(retryKey("s1", "w1")))
	assert.True(t, ctrl.dedup.Has(dedupKey("s1", "w1")))
	assert.True(t, ctrl.dedup.Has(retryKey("s2", "w2")))
}

func TestFailedCompletion(t *testing.T) {
	env := newTestEnv(t)
	ctrl, _ := env.newController(t, newTestConfig(job.Once), WithSlicers(sequence()))
	failed := failures(ctrl)

	slice := testSlice("s1")
	ctrl.dispatcher.inflight.add(slice, "w1")
	ctrl.onSliceComplete(completionEvent(t, "w1", &protocol.SliceCompletion{Slice: slice, Error: "bad record"}))

	completion := <-failed
	assert.Equal(t, "bad record", completion.Error)
	assert.Equal(t, "w1", completion.WorkerID)
	assert.Equal(t, int64(1), ctrl.Analytics().Get(StatFailed))
	assert.Equal(t, int64(1), ctrl.Analytics().Get(StatProcessed))
}

func TestDisconnectedWorkerSliceReleased(t *testing.T) {
	env := newTestEnv(t)
	cfg := newTestConfig(job.Once)
	cfg.WorkerDisconnectTimeout = 20 * time.Millisecond
	ctrl, _ := env.newController(t, cfg, WithSlicers(sequence()))
	failed := failures(ctrl)

	slice := testSlice("s1")
	ctrl.dispatcher.inflight.add(slice, "w1")
	ctrl.onWorkerOffline(events.Event{Topic: protocol.EventWorkerOffline, Source: "w1"})

	// Still held until the timeout expires.
	assert.True(t, ctrl.Dispatcher().Holds("s1", "w1"))

	select {
	case completion := <-failed:
		assert.Equal(t, errWorkerDisconnected, completion.Error)
		assert.Equal(t, "s1", completion.Slice.SliceID)
	case <-time.After(2 * time.Second):
		t.Fatal("slice was not released")
	}
	assert.Equal(t, 0, ctrl.Dispatcher().InflightCount())
	assert.Equal(t, int64(1), ctrl.Analytics().Get(StatWorkersDisconnected))
}

func TestReconnectKeepsSlice(t *testing.T) {
	env := newTestEnv(t)
	cfg := newTestConfig(job.Once)
	cfg.WorkerDisconnectTimeout = 20 * time.Millisecond
	ctrl, _ := env.newController(t, cfg, WithSlicers(sequence()))

	slice := testSlice("s1")
	ctrl.dispatcher.inflight.add(slice, "w1")
	ctrl.onWorkerOffline(events.Event{Topic: protocol.EventWorkerOffline, Source: "w1"})
	ctrl.onWorkerReconnect(events.Event{Topic: protocol.EventWorkerReconnect, Source: "w1"})

	time.Sleep(60 * time.Millisecond)
	assert.True(t, ctrl.Dispatcher().Holds("s1", "w1"))
	assert.Equal(t, int64(0), ctrl.Analytics().Get(StatFailed))
}

func TestReadyWorkerLosesHeldSlice(t *testing.T) {
	env := newTestEnv(t)
	ctrl, _ := env.newController(t, newTestConfig(job.Once), WithSlicers(sequence()))
	failed := failures(ctrl)

	worker := env.newWorker(t, "w1")
	env.waitConnected(t, "w1")
	require.Eventually(t, func() bool { return ctrl.Registry().AvailableCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	id, ok := ctrl.Registry().Dequeue("")
	require.True(t, ok)
	ctrl.dispatcher.inflight.add(testSlice("s1"), id)

	worker.ready()

	select {
	case completion := <-failed:
		assert.Equal(t, errWorkerLostSlice, completion.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("slice was not released")
	}
	require.Eventually(t, func() bool { return ctrl.Registry().AvailableCount() == 1 }, 2*time.Second, 5*time.Millisecond)
}
