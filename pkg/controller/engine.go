package controller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/srand/slicer/pkg/events"
	"github.com/srand/slicer/pkg/job"
	"github.com/srand/slicer/pkg/log"
	"github.com/srand/slicer/pkg/protocol"
	"github.com/srand/slicer/pkg/store"
	"github.com/srand/slicer/pkg/utils"
)

type slicerState struct {
	id         int
	fn         job.Slicer
	recovery   bool
	order      int
	completed  bool
	processing atomic.Bool
}

// Engine invokes the slicers and turns their requests into queued slices.
type Engine struct {
	exID         string
	lifecycle    job.Lifecycle
	queue        *SliceQueue
	store        store.SliceStore
	analytics    *ExecutionAnalytics
	bus          *events.Bus
	log          log.Logger
	pollInterval time.Duration
	onFailure    func(error)

	mu          sync.Mutex
	slicers     []*slicerState
	recovery    []*slicerState
	queueLength atomic.Int64
	wakeup      chan struct{}
	done        chan struct{}
	doneOnce    sync.Once
	failOnce    sync.Once
	wg          sync.WaitGroup
}

type EngineOptions struct {
	ExID         string
	Lifecycle    job.Lifecycle
	QueueLength  int
	PollInterval time.Duration
	Store        store.SliceStore
	Analytics    *ExecutionAnalytics
	Bus          *events.Bus
	Logger       log.Logger

	// Called once when a slicer fails.
	OnFailure func(error)
}

func NewEngine(queue *SliceQueue, opts EngineOptions) *Engine {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.OnFailure == nil {
		opts.OnFailure = func(error) {}
	}

	e := &Engine{
		exID:         opts.ExID,
		lifecycle:    opts.Lifecycle,
		queue:        queue,
		store:        opts.Store,
		analytics:    opts.Analytics,
		bus:          opts.Bus,
		log:          opts.Logger,
		pollInterval: opts.PollInterval,
		onFailure:    opts.OnFailure,
		wakeup:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	e.queueLength.Store(int64(opts.QueueLength))
	return e
}

// Register slicer functions. Recovery slicers run to completion before
// any regular slicer is invoked, whatever the lifecycle.
func (e *Engine) RegisterSlicers(fns []job.Slicer, recovery bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, fn := range fns {
		if recovery {
			e.recovery = append(e.recovery, &slicerState{id: len(e.recovery), fn: fn, recovery: true})
		} else {
			e.slicers = append(e.slicers, &slicerState{id: len(e.slicers), fn: fn})
		}
	}

	if e.analytics != nil {
		e.analytics.Set(StatSlicers, int64(len(e.slicers)))
	}
	e.log.Debugf("Registered %d slicers (recovery: %v)", len(fns), recovery)
}

// Closed when every slicer has completed.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

func (e *Engine) QueueLength() int {
	return int(e.queueLength.Load())
}

// Raise the queue length. The queue length never shrinks.
func (e *Engine) SetQueueLength(length int) {
	for {
		current := e.queueLength.Load()
		if int64(length) <= current {
			return
		}
		if e.queueLength.CompareAndSwap(current, int64(length)) {
			e.log.Debugf("Queue length raised to %d", length)
			e.Wakeup()
			return
		}
	}
}

// Schedule slicer invocations without waiting for the next tick.
func (e *Engine) Wakeup() {
	select {
	case e.wakeup <- struct{}{}:
	default:
	}
}

// Invoke slicers until they are all completed or the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	defer e.wg.Wait()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		if !e.schedule(ctx) {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-e.done:
			return nil
		case <-e.wakeup:
		case <-ticker.C:
		}
	}
}

// Start invocations of idle slicers while the queue has room.
// Returns false once all slicers have completed.
func (e *Engine) schedule(ctx context.Context) bool {
	e.mu.Lock()
	active := e.pendingSlicers(e.recovery)
	if len(active) == 0 {
		active = e.pendingSlicers(e.slicers)
	}
	e.mu.Unlock()

	if len(active) == 0 {
		e.finish()
		return false
	}

	for _, s := range active {
		if ctx.Err() != nil || e.queue.Len() >= e.QueueLength() {
			break
		}
		if !s.processing.CompareAndSwap(false, true) {
			continue
		}

		e.wg.Add(1)
		go func(s *slicerState) {
			defer e.wg.Done()
			defer e.Wakeup()
			defer s.processing.Store(false)
			e.invoke(ctx, s)
		}(s)
	}
	return true
}

func (e *Engine) pendingSlicers(slicers []*slicerState) []*slicerState {
	var pending []*slicerState
	for _, s := range slicers {
		if !s.completed {
			pending = append(pending, s)
		}
	}
	return pending
}

func (e *Engine) finish() {
	e.doneOnce.Do(func() {
		e.log.Info("All slicers have completed")
		close(e.done)
		e.bus.Emit(protocol.EventSlicersFinished, "", e.exID)
	})
}

func (e *Engine) invoke(ctx context.Context, s *slicerState) {
	result, err := s.fn(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.fail(utils.Wrap(err, "slicer %d failed", s.id))
		return
	}

	if result.Empty() {
		if s.recovery || e.lifecycle == job.Once {
			e.mu.Lock()
			s.completed = true
			e.mu.Unlock()
			e.log.Infof("Slicer %d has completed", s.id)
		}
		return
	}

	if result.Multiple {
		e.log.Debugf("Slicer %d is subslicing into %d slices", s.id, len(result.Requests))
		e.bus.Emit(protocol.EventSlicerSubslice, "", &Subslice{SlicerID: s.id, Count: len(result.Requests)})
	}

	if result.RangeExpanded {
		e.bus.Emit(protocol.EventSlicerRangeExpanded, "", s.id)
	}

	for _, request := range result.Requests {
		if err := e.createSlice(ctx, s, request); err != nil {
			if ctx.Err() != nil {
				return
			}
			e.fail(err)
			return
		}
	}
}

func (e *Engine) createSlice(ctx context.Context, s *slicerState, request protocol.SliceRequest) error {
	s.order++
	slice := &protocol.Slice{
		SliceID:     uuid.NewString(),
		SlicerID:    s.id,
		SlicerOrder: s.order,
		Request:     request,
		CreatedAt:   time.Now(),
	}

	if e.store != nil {
		if err := e.store.CreateState(ctx, e.exID, slice, protocol.SliceStart); err != nil {
			return utils.Wrap(err, "failed to record slice %s", slice.SliceID)
		}
	}

	e.queue.Enqueue(slice)
	if e.analytics != nil {
		e.analytics.Set(StatQueued, int64(e.queue.Len()))
	}

	e.log.Tracef("new - slice - id: %s, slicer: %d, order: %d", slice.SliceID, s.id, s.order)
	return nil
}

func (e *Engine) fail(err error) {
	e.failOnce.Do(func() {
		e.log.Errorf("err - slicer - %v", err)
		e.onFailure(err)
	})
}
