package controller

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/srand/slicer/pkg/events"
	"github.com/srand/slicer/pkg/messaging"
	"github.com/srand/slicer/pkg/protocol"
)

// Error reported for slices lost with their worker.
const (
	errWorkerDisconnected = "worker disconnected"
	errWorkerLostSlice    = "worker reported ready while holding the slice"
)

func dedupKey(sliceID, workerID string) string {
	return sliceID + ":" + workerID
}

func retryKey(sliceID, workerID string) string {
	return sliceID + ":" + workerID + ":retry"
}

func newDedupCache(ttl time.Duration) *ttlcache.Cache[string, struct{}] {
	return ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](ttl),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
}

// Subscribe to worker messages and presence events.
func (c *Controller) subscribeWorkers() {
	c.unsub = append(c.unsub,
		c.transport.On(protocol.EventWorkerOnline, c.onWorkerOnline),
		c.transport.On(protocol.EventWorkerReconnect, c.onWorkerReconnect),
		c.transport.On(protocol.EventWorkerOffline, c.onWorkerOffline),
		c.transport.On(protocol.MsgWorkerReady, c.onWorkerReady),
		c.transport.On(protocol.MsgWorkerSliceComplete, c.onSliceComplete),
		c.bus.On(EventWorkerEnqueued, func(events.Event) { c.updateWorkerStats() }),
		c.bus.On(EventWorkerDequeued, func(events.Event) { c.updateWorkerStats() }),
		c.bus.On(protocol.EventSliceDispatched, func(events.Event) {
			c.analytics.Set(StatQueued, int64(c.queue.Len()))
		}),
	)
}

func (c *Controller) updateWorkerStats() {
	c.analytics.Set(StatWorkersAvailable, int64(c.registry.AvailableCount()))
	c.analytics.Set(StatWorkersActive, int64(c.registry.ActiveCount()))
}

func (c *Controller) trackConnected() {
	if !c.job.DynamicQueueLength {
		return
	}
	c.engine.SetQueueLength(c.transport.ConnectedCount())
}

func (c *Controller) onWorkerOnline(e events.Event) {
	c.log.Infof("new - worker - id: %s", e.Source)
	c.analytics.Increment(StatWorkersJoined, 1)
	c.trackConnected()
	c.updateWorkerStats()
}

func (c *Controller) onWorkerReconnect(e events.Event) {
	c.log.Infof("new - worker - id: %s (reconnected)", e.Source)
	c.stopDisconnectTimer(e.Source)
	c.trackConnected()
	c.updateWorkerStats()
}

func (c *Controller) onWorkerOffline(e events.Event) {
	id := e.Source
	c.log.Infof("del - worker - id: %s", id)

	c.analytics.Increment(StatWorkersDisconnected, 1)
	c.registry.Remove(id)

	// A reconnecting worker re-sends its completions flagged as retries.
	suffix := ":" + id + ":retry"
	for _, key := range c.dedup.Keys() {
		if strings.HasSuffix(key, suffix) {
			c.dedup.Delete(key)
		}
	}

	if held := c.dispatcher.HeldBy(id); len(held) > 0 {
		c.log.Warnf("Worker %s disconnected while holding %d slices, waiting %v for it to reconnect", id, len(held), c.cfg.WorkerDisconnectTimeout)
		c.startDisconnectTimer(id)
	}
}

func (c *Controller) startDisconnectTimer(id string) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()

	if timer, ok := c.timers[id]; ok {
		timer.Stop()
	}
	c.timers[id] = time.AfterFunc(c.cfg.WorkerDisconnectTimeout, func() {
		c.timersMu.Lock()
		delete(c.timers, id)
		c.timersMu.Unlock()

		if c.transport.IsConnected(id) {
			return
		}
		c.releaseSlices(id, errWorkerDisconnected)
	})
}

func (c *Controller) stopDisconnectTimer(id string) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()

	if timer, ok := c.timers[id]; ok {
		timer.Stop()
		delete(c.timers, id)
	}
}

func (c *Controller) stopDisconnectTimers() {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()

	for id, timer := range c.timers {
		timer.Stop()
		delete(c.timers, id)
	}
}

// Fail the slices held by a worker that will not report them.
func (c *Controller) releaseSlices(id, reason string) {
	for _, a := range c.dispatcher.HeldBy(id) {
		if _, ok := c.dispatcher.Complete(a.Slice.SliceID, id); !ok {
			continue
		}

		c.log.Errorf("err - slice - id: %s, worker: %s, error: %s", a.Slice.SliceID, id, reason)
		c.sliceFailed(&protocol.SliceCompletion{
			Slice:    a.Slice,
			WorkerID: id,
			Error:    reason,
		})
	}
}

func (c *Controller) onWorkerReady(e events.Event) {
	id := e.Source
	env := messaging.EnvelopeOf(e)

	ready := &protocol.WorkerReady{}
	if env != nil && len(env.Payload) > 0 {
		if err := env.Decode(ready); err != nil {
			c.log.Warnf("Invalid ready message from worker %s: %v", id, err)
		}
	}

	if !c.transport.IsConnected(id) {
		c.log.Debugf("Ignoring ready message from disconnected worker %s", id)
		return
	}

	// Completions arrive before the ready message on the same stream.
	c.releaseSlices(id, errWorkerLostSlice)

	if c.registry.Enqueue(id) {
		c.log.Debugf("Worker %s is ready (host: %s, pid: %d)", id, ready.Hostname, ready.Pid)
	}
}

func (c *Controller) onSliceComplete(e events.Event) {
	workerID := e.Source
	env := messaging.EnvelopeOf(e)
	if env == nil {
		return
	}

	completion := &protocol.SliceCompletion{}
	if err := env.Decode(completion); err != nil || completion.Slice == nil {
		c.log.Warnf("Invalid slice completion from worker %s: %v", workerID, err)
		return
	}
	completion.WorkerID = workerID
	sliceID := completion.Slice.SliceID

	if completion.Retry {
		if _, found := c.dedup.GetOrSet(retryKey(sliceID, workerID), struct{}{}); !found {
			c.analytics.Increment(StatWorkersReconnected, 1)
		}
	}

	// A late completion of a dispatch that timed out must not mark the key,
	// the slice is reported again when it is redispatched.
	if !c.dispatcher.Holds(sliceID, workerID) {
		c.log.Debugf("Ignoring completion of slice %s, not held by worker %s", sliceID, workerID)
		return
	}

	if _, found := c.dedup.GetOrSet(dedupKey(sliceID, workerID), struct{}{}); found {
		c.log.Debugf("Ignoring duplicate completion of slice %s from worker %s", sliceID, workerID)
		return
	}

	assignment, ok := c.dispatcher.Complete(sliceID, workerID)
	if !ok {
		c.log.Debugf("Ignoring completion of slice %s, released from worker %s", sliceID, workerID)
		return
	}
	completion.Slice = assignment.Slice

	c.metrics.observeCompletion(completion, time.Since(assignment.DispatchedAt))

	if completion.Error != "" {
		c.log.Errorf("err - slice - id: %s, worker: %s, error: %s", sliceID, workerID, completion.Error)
		c.sliceFailed(completion)
		return
	}

	c.log.Infof("end - slice - id: %s, worker: %s", sliceID, workerID)
	c.bus.Emit(protocol.EventSliceSuccess, workerID, completion)
	c.notifyProgress()
}

func (c *Controller) sliceFailed(completion *protocol.SliceCompletion) {
	c.bus.Emit(protocol.EventSliceFailure, completion.WorkerID, completion)
	c.probation.onFailure(c.runContext())
	c.notifyProgress()
}

func (c *Controller) notifyProgress() {
	select {
	case c.progress <- struct{}{}:
	default:
	}
}

func (c *Controller) runContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runCtx == nil {
		return context.Background()
	}
	return c.runCtx
}

// Human readable summary of unfinished slices.
func unfinishedMessage(count int) string {
	return fmt.Sprintf("execution has %d slices in state start or error", count)
}
