package controller

import (
	"context"
	"sync"
	"time"

	"github.com/srand/slicer/pkg/events"
	"github.com/srand/slicer/pkg/log"
	"github.com/srand/slicer/pkg/messaging"
	"github.com/srand/slicer/pkg/protocol"
)

// Transport is the controller side of the messenger.
type Transport interface {
	messaging.Messenger

	// Ids of the connected workers.
	Connected() []string
	ConnectedCount() int
	IsConnected(id string) bool
}

// Dispatcher hands queued slices to idle workers, one slice per worker.
type Dispatcher struct {
	// Held while a slice moves between the queue and the in-flight set
	// so that Pending never observes it in neither.
	mu sync.Mutex

	queue         *SliceQueue
	registry      *WorkerRegistry
	inflight      *inflight
	transport     Transport
	bus           *events.Bus
	actionTimeout time.Duration
	idleTimeout   time.Duration
	log           log.Logger
	wg            sync.WaitGroup
}

type DispatcherOptions struct {
	ActionTimeout time.Duration
	IdleTimeout   time.Duration
	Bus           *events.Bus
	Logger        log.Logger
}

func NewDispatcher(queue *SliceQueue, registry *WorkerRegistry, transport Transport, opts DispatcherOptions) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = time.Second
	}

	return &Dispatcher{
		queue:         queue,
		registry:      registry,
		inflight:      newInflight(),
		transport:     transport,
		bus:           opts.Bus,
		actionTimeout: opts.ActionTimeout,
		idleTimeout:   opts.IdleTimeout,
		log:           opts.Logger,
	}
}

// Dispatch slices until the context is cancelled.
// Outstanding dispatch requests are waited for before returning.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.wg.Wait()

	timer := time.NewTimer(d.idleTimeout)
	defer timer.Stop()

	wait := func(signal <-chan struct{}) bool {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d.idleTimeout)

		select {
		case <-signal:
		case <-timer.C:
		case <-ctx.Done():
			return false
		}
		return true
	}

	for ctx.Err() == nil {
		if d.queue.Len() == 0 {
			if !wait(d.queue.Signal()) {
				break
			}
			continue
		}

		if d.registry.AvailableCount() == 0 {
			if !wait(d.registry.Signal()) {
				break
			}
			continue
		}

		d.dispatchNext(ctx)
	}

	return nil
}

func (d *Dispatcher) dispatchNext(ctx context.Context) {
	d.mu.Lock()
	slice, ok := d.queue.Dequeue()
	if !ok {
		d.mu.Unlock()
		return
	}

	workerID, ok := d.registry.Dequeue(slice.Request.PreferredWorker())
	if !ok {
		d.queue.RequeueFront(slice)
		d.mu.Unlock()
		return
	}

	d.inflight.add(slice, workerID)
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.dispatch(ctx, slice, workerID)
	}()
}

func (d *Dispatcher) dispatch(ctx context.Context, slice *protocol.Slice, workerID string) {
	reply, err := d.transport.SendWithResponse(ctx, workerID, protocol.MsgSliceNew, &protocol.NewSlice{Slice: slice}, d.actionTimeout)
	if err == nil {
		accepted := &protocol.DispatchReply{}
		if err = reply.Decode(accepted); err == nil && accepted.WillProcess {
			d.log.Infof("run - slice - id: %s, worker: %s", slice.SliceID, workerID)
			d.bus.Emit(protocol.EventSliceDispatched, workerID, slice)
			return
		}
	}

	if err != nil {
		d.log.Debugf("Worker %s did not accept slice %s: %v", workerID, slice.SliceID, err)
	} else {
		d.log.Debugf("Worker %s declined slice %s", workerID, slice.SliceID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// The assignment may already be gone if the worker disconnected.
	if _, ok := d.inflight.remove(slice.SliceID, workerID); ok {
		d.queue.RequeueFront(slice)
	}
}

// Release a slice held by a worker. Returns false if the worker does not hold it.
func (d *Dispatcher) Complete(sliceID, workerID string) (*Assignment, bool) {
	return d.inflight.remove(sliceID, workerID)
}

// Returns true if the worker holds the slice.
func (d *Dispatcher) Holds(sliceID, workerID string) bool {
	a, ok := d.inflight.get(sliceID)
	return ok && a.WorkerID == workerID
}

// Slices held by a worker.
func (d *Dispatcher) HeldBy(workerID string) []*Assignment {
	return d.inflight.byWorker(workerID)
}

// Slices dispatched and not yet reported back.
func (d *Dispatcher) Inflight() []*Assignment {
	return d.inflight.list()
}

func (d *Dispatcher) InflightCount() int {
	return d.inflight.len()
}

// Number of queued and in-flight slices.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Len() + d.inflight.len()
}
