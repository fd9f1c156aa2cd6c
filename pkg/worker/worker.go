package worker

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/denisbrodbeck/machineid"
	"github.com/srand/slicer/pkg/events"
	"github.com/srand/slicer/pkg/log"
	"github.com/srand/slicer/pkg/messaging"
	"github.com/srand/slicer/pkg/protocol"
	"github.com/srand/slicer/pkg/utils"
)

// Transport is the worker side of the messenger.
type Transport interface {
	messaging.Messenger

	// Maintain the connection to the controller until ctx is cancelled.
	Run(ctx context.Context) error

	Connected() bool
}

// Worker pulls slices from the controller one at a time and runs them
// through the pipeline.
type Worker struct {
	id        string
	exID      string
	transport Transport
	pipeline  *Pipeline
	log       log.Logger
	announce  protocol.WorkerReady

	mu sync.Mutex
	// Slice being processed, if any.
	current *protocol.Slice
	// The connection dropped while the current slice was processed.
	interrupted bool
	// Completion that could not be delivered, resent after reconnecting.
	unsent   *protocol.SliceCompletion
	stopping bool

	wg       sync.WaitGroup
	done     chan struct{}
	doneOnce sync.Once
	unsub    []func()
}

func NewWorker(id, exID string, transport Transport, pipeline *Pipeline, logger log.Logger) *Worker {
	if logger == nil {
		logger = log.With("worker_id", id)
	}

	announce := protocol.WorkerReady{WorkerID: id, Pid: os.Getpid()}
	if hostname, err := os.Hostname(); err == nil {
		announce.Hostname = hostname
	}
	if nodeID, err := machineid.ProtectedID("slicer-worker"); err == nil {
		announce.NodeID = nodeID
	}

	return &Worker{
		id:        id,
		exID:      exID,
		transport: transport,
		pipeline:  pipeline,
		log:       logger,
		announce:  announce,
		done:      make(chan struct{}),
	}
}

func (w *Worker) ID() string {
	return w.id
}

// Closed when the controller announces the end of the execution.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Process slices until the execution ends or ctx is cancelled.
// A slice being processed is allowed to finish and is reported before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("Starting")

	w.unsub = append(w.unsub,
		w.transport.On(messaging.EventConnected, w.onConnected),
		w.transport.On(messaging.EventDisconnected, w.onDisconnected),
		w.transport.On(protocol.MsgSliceNew, w.onNewSlice),
		w.transport.On(protocol.MsgExecutionFinished, w.onExecutionEnd),
		w.transport.On(protocol.MsgExecutionTerminal, w.onExecutionEnd),
	)
	defer func() {
		for _, unsub := range w.unsub {
			unsub()
		}
	}()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transportDone := make(chan error, 1)
	go func() {
		transportDone <- w.transport.Run(runCtx)
	}()

	select {
	case <-ctx.Done():
	case <-w.done:
	case err := <-transportDone:
		w.stop()
		w.wg.Wait()
		return err
	}

	w.stop()
	w.wg.Wait()

	cancel()
	err := <-transportDone
	w.log.Info("Terminating")
	return errors.Join(err, w.transport.Close())
}

func (w *Worker) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopping = true
}

func (w *Worker) ready() {
	if err := w.transport.Send(context.Background(), protocol.Controller, protocol.MsgWorkerReady, &w.announce); err != nil {
		w.log.Debug("Failed to announce readiness:", err)
	}
}

func (w *Worker) onConnected(events.Event) {
	w.mu.Lock()
	unsent := w.unsent
	w.unsent = nil
	idle := w.current == nil && !w.stopping
	w.mu.Unlock()

	if unsent != nil {
		retry := *unsent
		retry.Retry = true
		w.log.Infof("Resending completion of slice %s", retry.Slice.SliceID)
		if !w.send(&retry) {
			return
		}
		idle = true
	}

	if idle {
		w.ready()
	}
}

func (w *Worker) onDisconnected(events.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current != nil {
		w.interrupted = true
	}
}

func (w *Worker) onNewSlice(e events.Event) {
	request := messaging.EnvelopeOf(e)
	if request == nil {
		return
	}

	newSlice := &protocol.NewSlice{}
	if err := request.Decode(newSlice); err != nil || newSlice.Slice == nil {
		w.log.Warn("Invalid slice request:", err)
		w.transport.Respond(context.Background(), request, nil, utils.Wrap(utils.ErrBadRequest, "invalid slice"))
		return
	}
	slice := newSlice.Slice

	w.mu.Lock()
	accept := w.current == nil && w.unsent == nil && !w.stopping
	if accept {
		w.current = slice
		w.interrupted = false
		w.wg.Add(1)
	}
	w.mu.Unlock()

	if err := w.transport.Respond(context.Background(), request, &protocol.DispatchReply{WillProcess: accept}, nil); err != nil {
		w.log.Debug("Failed to reply to slice request:", err)
	}

	if !accept {
		w.log.Debugf("Declined slice %s, busy", slice.SliceID)
		return
	}

	go func() {
		defer w.wg.Done()
		w.process(slice)
	}()
}

func (w *Worker) process(slice *protocol.Slice) {
	w.log.Infof("run - slice - id: %s", slice.SliceID)

	_, stats, err := w.pipeline.Run(context.Background(), slice)

	completion := &protocol.SliceCompletion{
		Slice:     slice,
		WorkerID:  w.id,
		Analytics: stats,
	}

	switch {
	case errors.Is(err, utils.ErrAlreadyProcessed):
		// Ran to completion by an earlier dispatch, nothing to add.
		w.log.Warnf("Slice %s was already processed", slice.SliceID)
	case err != nil:
		w.log.Errorf("err - slice - id: %s, error: %v", slice.SliceID, err)
		completion.Error = utils.ErrorSummary(err)
	default:
		w.log.Infof("end - slice - id: %s", slice.SliceID)
	}

	w.mu.Lock()
	completion.Retry = w.interrupted
	w.current = nil
	w.interrupted = false
	stopping := w.stopping
	w.mu.Unlock()

	if w.send(completion) && !stopping {
		w.ready()
	}
}

// Deliver a completion. It is kept until delivered and resent after
// reconnecting if the connection is down.
func (w *Worker) send(completion *protocol.SliceCompletion) bool {
	w.mu.Lock()
	w.unsent = completion
	w.mu.Unlock()

	err := w.transport.Send(context.Background(), protocol.Controller, protocol.MsgWorkerSliceComplete, completion)
	if err != nil {
		w.log.Warnf("Failed to report slice %s, will retry after reconnecting: %v", completion.Slice.SliceID, err)
		return false
	}

	w.mu.Lock()
	if w.unsent == completion {
		w.unsent = nil
	}
	w.mu.Unlock()
	return true
}

func (w *Worker) onExecutionEnd(e events.Event) {
	notice := &protocol.ExecutionNotice{}
	if env := messaging.EnvelopeOf(e); env != nil {
		env.Decode(notice)
	}

	if notice.ExID != "" && notice.ExID != w.exID {
		return
	}

	if e.Topic == protocol.MsgExecutionTerminal {
		w.log.Errorf("Execution %s aborted: %s", notice.ExID, notice.Error)
	} else {
		w.log.Infof("Execution %s finished", notice.ExID)
	}

	w.doneOnce.Do(func() {
		close(w.done)
	})
}
