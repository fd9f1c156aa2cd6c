// Package controller implements the execution controller: it drives the
// slicers, hands slices to workers and decides the outcome of the execution.
package controller

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/srand/slicer/pkg/analytics"
	"github.com/srand/slicer/pkg/events"
	"github.com/srand/slicer/pkg/job"
	"github.com/srand/slicer/pkg/log"
	"github.com/srand/slicer/pkg/ops"
	"github.com/srand/slicer/pkg/protocol"
	"github.com/srand/slicer/pkg/store"
	"github.com/srand/slicer/pkg/utils"
	"golang.org/x/sync/errgroup"
)

type Controller struct {
	cfg       *Config
	job       *job.Config
	transport Transport
	bus       *events.Bus
	log       log.Logger

	slices         store.SliceStore
	executions     store.ExecutionStore
	sliceAnalytics store.AnalyticsStore
	reporter       analytics.Reporter
	operations     *ops.Registry
	slicers        []job.Slicer
	recovery       []job.Slicer
	queueLength    int

	queue      *SliceQueue
	registry   *WorkerRegistry
	dispatcher *Dispatcher
	engine     *Engine
	analytics  *ExecutionAnalytics
	probation  *probation
	metrics    *Metrics
	dedup      *ttlcache.Cache[string, struct{}]
	progress   chan struct{}
	unsub      []func()

	timersMu sync.Mutex
	timers   map[string]*time.Timer

	initMu       sync.Mutex
	mu           sync.Mutex
	initialized  bool
	shuttingDown bool
	runCtx       context.Context
	cancel       context.CancelFunc
	runDone      chan struct{}
	terminal     error
}

type Option func(*Controller)

// Use the given stores instead of opening the configured ones.
func WithStores(slices store.SliceStore, executions store.ExecutionStore, sliceAnalytics store.AnalyticsStore) Option {
	return func(c *Controller) {
		c.slices = slices
		c.executions = executions
		c.sliceAnalytics = sliceAnalytics
	}
}

// Use the given slicers instead of the ones of the job operations.
func WithSlicers(slicers ...job.Slicer) Option {
	return func(c *Controller) {
		c.slicers = slicers
	}
}

// Slicers run to completion before the regular ones.
func WithRecoverySlicers(slicers ...job.Slicer) Option {
	return func(c *Controller) {
		c.recovery = slicers
	}
}

func WithOperations(registry *ops.Registry) Option {
	return func(c *Controller) {
		c.operations = registry
	}
}

func WithReporter(reporter analytics.Reporter) Option {
	return func(c *Controller) {
		c.reporter = reporter
	}
}

// Domain event bus. A private bus is used if not set.
func WithBus(bus *events.Bus) Option {
	return func(c *Controller) {
		c.bus = bus
	}
}

func WithLogger(logger log.Logger) Option {
	return func(c *Controller) {
		c.log = logger
	}
}

func New(cfg *Config, transport Transport, opts ...Option) (*Controller, error) {
	cfg.Job.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:       cfg,
		job:       &cfg.Job,
		transport: transport,
		progress:  make(chan struct{}, 1),
		timers:    map[string]*time.Timer{},
		runDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.bus == nil {
		c.bus = events.NewBus()
	}
	if c.log == nil {
		c.log = log.With("ex_id", c.job.ExID)
	}
	if c.operations == nil {
		c.operations = ops.NewRegistry()
	}

	return c, nil
}

// Open the stores, subscribe to worker events and register the slicers.
func (c *Controller) Initialize(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	if c.isInitialized() {
		return nil
	}

	if err := c.openStores(); err != nil {
		return err
	}

	if c.reporter == nil {
		reporter, err := analytics.NewReporter(c.cfg.Reporter)
		if err != nil {
			return err
		}
		c.reporter = reporter
	}

	if err := c.loadSlicers(); err != nil {
		return err
	}

	exID := c.job.ExID
	if err := c.executions.SetStatus(ctx, exID, protocol.ExecutionPending, nil); err != nil {
		return utils.Wrap(err, "failed to initialize execution %s", exID)
	}

	c.analytics = NewExecutionAnalytics(exID, c.reporter, c.cfg.AnalyticsRate, c.log)
	c.analytics.Subscribe(c.bus)
	c.metrics = NewMetrics(exID, c.analytics)
	c.probation = newProbation(exID, c.job, c.executions, c.analytics, c.log)

	c.queue = NewSliceQueue()
	c.registry = NewWorkerRegistry(c.bus, c.transport.ConnectedCount, c.log)
	c.dispatcher = NewDispatcher(c.queue, c.registry, c.transport, DispatcherOptions{
		ActionTimeout: c.cfg.ActionTimeout,
		IdleTimeout:   c.cfg.DispatchIdleTimeout,
		Bus:           c.bus,
		Logger:        c.log,
	})

	queueLength := c.queueLength
	if c.job.DynamicQueueLength {
		queueLength = 0
	}
	c.engine = NewEngine(c.queue, EngineOptions{
		ExID:         exID,
		Lifecycle:    c.job.Lifecycle,
		QueueLength:  queueLength,
		PollInterval: c.cfg.SlicerPollInterval,
		Store:        c.slices,
		Analytics:    c.analytics,
		Bus:          c.bus,
		Logger:       c.log,
		OnFailure:    c.slicerFailure,
	})
	if len(c.recovery) > 0 {
		c.engine.RegisterSlicers(c.recovery, true)
	}
	c.engine.RegisterSlicers(c.slicers, false)

	c.dedup = newDedupCache(c.cfg.DedupTTL)
	go c.dedup.Start()

	// Buffered worker messages are replayed here.
	c.subscribeWorkers()
	c.trackConnected()

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()

	c.log.Infof("Execution %s initialized with %d slicers", exID, len(c.slicers))
	return nil
}

func (c *Controller) isInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

func (c *Controller) openStores() error {
	if c.slices == nil {
		slices, sliceAnalytics, err := store.OpenSliceStore(c.cfg.StateStore)
		if err != nil {
			return utils.Wrap(err, "failed to open state store")
		}
		c.slices = slices
		if c.sliceAnalytics == nil {
			c.sliceAnalytics = sliceAnalytics
		}
	}

	if c.executions == nil {
		executions, err := store.OpenExecutionStore(c.cfg.ExecutionStore)
		if err != nil {
			return utils.Wrap(err, "failed to open execution store")
		}
		c.executions = executions
	}
	return nil
}

func (c *Controller) loadSlicers() error {
	c.queueLength = c.job.QueueLength

	if c.slicers == nil {
		slicers, queueLength, err := c.operations.Slicers(c.job, false)
		if err != nil {
			return err
		}
		c.slicers = slicers
		if queueLength > 0 {
			c.queueLength = queueLength
		}
	}

	if c.recovery == nil && c.job.RecoveredExecution != "" {
		recovery, _, err := c.operations.Slicers(c.job, true)
		if err != nil {
			return err
		}
		c.recovery = recovery
	}
	return nil
}

// Run the execution. Under once lifecycle Run returns when all slices have
// been processed, under persistent lifecycle when the context is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return utils.Wrap(utils.ErrBadRequest, "execution is not initialized")
	}
	if c.runCtx != nil || c.shuttingDown {
		c.mu.Unlock()
		return utils.Wrap(utils.ErrBadRequest, "execution is already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.runCtx = runCtx
	c.cancel = cancel
	c.mu.Unlock()

	defer close(c.runDone)
	defer cancel()

	exID := c.job.ExID
	ok, err := c.executions.CompareAndSetStatus(ctx, exID, protocol.ExecutionPending, protocol.ExecutionRunning, nil)
	if err != nil {
		return utils.Wrap(err, "failed to start execution %s", exID)
	}
	if !ok {
		return utils.Wrap(utils.ErrBadRequest, "execution %s is not pending", exID)
	}
	c.bus.Emit(protocol.EventExecutionStatus, "", protocol.ExecutionRunning)
	c.log.Infof("Execution %s is running", exID)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return c.analytics.Run(gctx) })
	g.Go(func() error { return c.dispatcher.Run(gctx) })
	g.Go(func() error { return c.engine.Run(gctx) })
	g.Go(func() error {
		if !c.waitDrained(gctx) {
			return nil
		}
		err := c.checkExecutionState(ctx)
		cancel()
		return err
	})

	err = g.Wait()
	c.probation.wait()

	if terminal := c.terminalError(); terminal != nil {
		return terminal
	}
	return err
}

// Wait until all slicers have completed and no slice is queued or in flight.
func (c *Controller) waitDrained(ctx context.Context) bool {
	select {
	case <-c.engine.Done():
	case <-ctx.Done():
		return false
	}

	for c.dispatcher.Pending() > 0 {
		select {
		case <-c.progress:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// Decide the final status once the execution is drained.
func (c *Controller) checkExecutionState(ctx context.Context) error {
	exID := c.job.ExID

	unfinished, err := c.slices.Count(ctx, store.UnfinishedQuery(exID))
	if err != nil {
		return utils.Wrap(err, "failed to count unfinished slices")
	}

	status := protocol.ExecutionCompleted
	message := ""
	if unfinished > 0 {
		status = protocol.ExecutionFailed
		message = unfinishedMessage(unfinished)
	}

	meta := store.ExecutionMetaData(c.analytics.Snapshot(), message)
	if err := c.executions.SetStatus(ctx, exID, status, meta); err != nil {
		if errors.Is(err, utils.ErrTerminalExecution) {
			c.log.Debugf("Execution %s already terminal: %v", exID, err)
			return nil
		}
		return utils.Wrap(err, "failed to set execution status")
	}

	if status == protocol.ExecutionFailed {
		c.log.Errorf("Execution %s failed: %s", exID, message)
	} else {
		c.log.Infof("Execution %s completed", exID)
	}
	c.bus.Emit(protocol.EventExecutionStatus, "", status)

	if err := c.transport.Send(ctx, protocol.Broadcast, protocol.MsgExecutionFinished, &protocol.ExecutionNotice{ExID: exID}); err != nil {
		c.log.Warnf("Failed to notify workers: %v", err)
	}
	return nil
}

// Abort the execution after a slicer failure.
func (c *Controller) slicerFailure(cause error) {
	c.mu.Lock()
	if c.terminal != nil {
		c.mu.Unlock()
		return
	}
	c.terminal = utils.Wrap(cause, "execution %s aborted", c.job.ExID)
	cancel := c.cancel
	c.mu.Unlock()

	ctx := context.Background()
	exID := c.job.ExID

	meta := store.ExecutionMetaData(c.analytics.Snapshot(), utils.ErrorSummary(cause))
	if err := c.executions.SetStatus(ctx, exID, protocol.ExecutionFailed, meta); err != nil {
		c.log.Errorf("Failed to set execution status: %v", err)
	}
	c.bus.Emit(protocol.EventExecutionStatus, "", protocol.ExecutionFailed)

	notice := &protocol.ExecutionNotice{ExID: exID, Error: cause.Error()}
	if err := c.transport.Send(ctx, protocol.Broadcast, protocol.MsgExecutionTerminal, notice); err != nil {
		c.log.Warnf("Failed to notify workers: %v", err)
	}

	if cancel != nil {
		cancel()
	}
}

func (c *Controller) terminalError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal
}

// Stop the execution and release all resources.
// Under once lifecycle outstanding work is drained first, bounded by ctx.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if !c.initialized || c.shuttingDown {
		c.mu.Unlock()
		return nil
	}
	c.shuttingDown = true
	running := c.runCtx != nil
	cancel := c.cancel
	c.mu.Unlock()

	if running {
		if c.job.Lifecycle != job.Once {
			cancel()
		}

		select {
		case <-c.runDone:
		case <-ctx.Done():
			c.log.Warn("Timed out waiting for the execution to drain")
			cancel()
			<-c.runDone
		}
	}

	c.stopDisconnectTimers()
	c.dedup.Stop()
	for _, unsub := range c.unsub {
		unsub()
	}

	var errs []error
	if err := c.analytics.Shutdown(ctx); err != nil {
		errs = append(errs, utils.Wrap(err, "analytics"))
	}

	closers := []struct {
		name   string
		closer io.Closer
	}{
		{"reporter", c.reporter},
		{"messenger", c.transport},
		{"state store", c.slices},
		{"analytics store", c.sliceAnalytics},
		{"execution store", c.executions},
	}

	closed := map[io.Closer]bool{}
	for _, entry := range closers {
		if entry.closer == nil || closed[entry.closer] {
			continue
		}
		closed[entry.closer] = true
		if err := entry.closer.Close(); err != nil {
			errs = append(errs, utils.Wrap(err, "%s", entry.name))
		}
	}

	c.log.Info("Execution controller shut down")
	return utils.Wrap(errors.Join(errs...), "shutdown failed")
}

// Current execution record.
func (c *Controller) Status(ctx context.Context) (*store.ExecutionRecord, error) {
	return c.executions.Get(ctx, c.job.ExID)
}

func (c *Controller) Analytics() *ExecutionAnalytics {
	return c.analytics
}

func (c *Controller) Metrics() *Metrics {
	return c.metrics
}

func (c *Controller) Bus() *events.Bus {
	return c.bus
}

func (c *Controller) Queue() *SliceQueue {
	return c.queue
}

func (c *Controller) Registry() *WorkerRegistry {
	return c.registry
}

func (c *Controller) Dispatcher() *Dispatcher {
	return c.dispatcher
}

func (c *Controller) Engine() *Engine {
	return c.engine
}

func (c *Controller) ExID() string {
	return c.job.ExID
}
