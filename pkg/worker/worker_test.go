package worker

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/srand/slicer/pkg/events"
	"github.com/srand/slicer/pkg/messaging"
	"github.com/srand/slicer/pkg/ops"
	"github.com/srand/slicer/pkg/protocol"
	"github.com/srand/slicer/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

// Controller side of a bufconn connection.
type controllerEnv struct {
	listener    *bufconn.Listener
	server      *messaging.Server
	ready       chan string
	completions chan *protocol.SliceCompletion
}

func newControllerEnv(t *testing.T) *controllerEnv {
	listener := bufconn.Listen(1024 * 1024)
	g := grpc.NewServer()

	server := messaging.NewServer(messaging.Options{NetworkLatencyBuffer: 50 * time.Millisecond})
	server.Register(g)
	go g.Serve(listener)

	env := &controllerEnv{
		listener:    listener,
		server:      server,
		ready:       make(chan string, 10),
		completions: make(chan *protocol.SliceCompletion, 10),
	}

	server.On(protocol.MsgWorkerReady, func(e events.Event) {
		ready := &protocol.WorkerReady{}
		assert.NoError(t, messaging.EnvelopeOf(e).Decode(ready))
		assert.Equal(t, e.Source, ready.WorkerID)
		env.ready <- e.Source
	})
	server.On(protocol.MsgWorkerSliceComplete, func(e events.Event) {
		completion := &protocol.SliceCompletion{}
		assert.NoError(t, messaging.EnvelopeOf(e).Decode(completion))
		env.completions <- completion
	})

	t.Cleanup(func() {
		server.Close()
		g.Stop()
	})
	return env
}

func (e *controllerEnv) client(t *testing.T, id string) *messaging.Client {
	conn, err := grpc.NewClient("passthrough://bufconn",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return e.listener.Dial()
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return messaging.NewClient(conn, messaging.ClientOptions{
		Options:           messaging.Options{ID: id, NetworkLatencyBuffer: 50 * time.Millisecond},
		ReconnectInterval: 20 * time.Millisecond,
	})
}

func (e *controllerEnv) dispatch(t *testing.T, workerID string, slice *protocol.Slice) bool {
	reply, err := e.server.SendWithResponse(context.Background(), workerID, protocol.MsgSliceNew, &protocol.NewSlice{Slice: slice}, time.Second)
	require.NoError(t, err)
	dispatch := &protocol.DispatchReply{}
	require.NoError(t, reply.Decode(dispatch))
	return dispatch.WillProcess
}

func (e *controllerEnv) nextReady(t *testing.T) string {
	select {
	case id := <-e.ready:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ready")
		return ""
	}
}

func (e *controllerEnv) nextCompletion(t *testing.T) *protocol.SliceCompletion {
	select {
	case completion := <-e.completions:
		return completion
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
		return nil
	}
}

type runningWorker struct {
	done chan struct{}
	err  error
}

func startWorker(t *testing.T, w *Worker) *runningWorker {
	ctx, cancel := context.WithCancel(context.Background())
	r := &runningWorker{done: make(chan struct{})}
	go func() {
		r.err = w.Run(ctx)
		close(r.done)
	}()
	t.Cleanup(func() {
		cancel()
		<-r.done
	})
	return r
}

func TestWorkerProcessesSlices(t *testing.T) {
	env := newControllerEnv(t)
	s := store.NewMemoryStore()
	pipeline := NewPipeline(PipelineOptions{Job: testJob(1), Operations: []ops.Operation{double}, Store: s})

	w := NewWorker("w1", "ex1", env.client(t, "w1"), pipeline, nil)
	startWorker(t, w)

	assert.Equal(t, "w1", env.nextReady(t))
	assert.True(t, env.dispatch(t, "w1", testSlice("s1")))

	completion := env.nextCompletion(t)
	assert.Equal(t, "s1", completion.Slice.SliceID)
	assert.Equal(t, "w1", completion.WorkerID)
	assert.Empty(t, completion.Error)
	assert.False(t, completion.Retry)

	// Ready again once the slice is reported.
	assert.Equal(t, "w1", env.nextReady(t))

	record, err := s.GetState(context.Background(), "ex1", "s1")
	require.NoError(t, err)
	assert.Equal(t, protocol.SliceCompleted, record.State)
}

func TestWorkerReportsFailure(t *testing.T) {
	env := newControllerEnv(t)
	op, _ := flaky(10)
	pipeline := NewPipeline(PipelineOptions{Job: testJob(1), Operations: []ops.Operation{op}, Store: store.NewMemoryStore()})

	w := NewWorker("w1", "ex1", env.client(t, "w1"), pipeline, nil)
	startWorker(t, w)

	env.nextReady(t)
	require.True(t, env.dispatch(t, "w1", testSlice("s1")))

	completion := env.nextCompletion(t)
	assert.Contains(t, completion.Error, "flaky")
}

func TestWorkerDeclinesWhileBusy(t *testing.T) {
	env := newControllerEnv(t)
	release := make(chan struct{})
	blocking := func(ctx context.Context, op *ops.Context, input interface{}) (interface{}, error) {
		<-release
		return input, nil
	}
	pipeline := NewPipeline(PipelineOptions{Job: testJob(1), Operations: []ops.Operation{blocking}, Store: store.NewMemoryStore()})

	w := NewWorker("w1", "ex1", env.client(t, "w1"), pipeline, nil)
	startWorker(t, w)

	env.nextReady(t)
	assert.True(t, env.dispatch(t, "w1", testSlice("s1")))
	assert.False(t, env.dispatch(t, "w1", testSlice("s2")))

	close(release)
	assert.Equal(t, "s1", env.nextCompletion(t).Slice.SliceID)
}

func TestWorkerReportsProcessedSliceWithoutError(t *testing.T) {
	env := newControllerEnv(t)
	s := store.NewMemoryStore()
	slice := testSlice("s1")
	require.NoError(t, s.UpdateState(context.Background(), "ex1", slice, protocol.SliceCompleted, ""))

	op, calls := flaky(0)
	pipeline := NewPipeline(PipelineOptions{Job: testJob(1), Operations: []ops.Operation{op}, Store: s})

	w := NewWorker("w1", "ex1", env.client(t, "w1"), pipeline, nil)
	startWorker(t, w)

	env.nextReady(t)
	require.True(t, env.dispatch(t, "w1", slice))
	assert.Empty(t, env.nextCompletion(t).Error)
	assert.Equal(t, 0, calls())
}

func TestWorkerStopsWhenExecutionFinishes(t *testing.T) {
	env := newControllerEnv(t)
	pipeline := NewPipeline(PipelineOptions{Job: testJob(1), Operations: []ops.Operation{double}, Store: store.NewMemoryStore()})

	w := NewWorker("w1", "ex1", env.client(t, "w1"), pipeline, nil)
	running := startWorker(t, w)
	env.nextReady(t)

	// Notices of other executions are ignored.
	require.NoError(t, env.server.Send(context.Background(), protocol.Broadcast, protocol.MsgExecutionFinished, &protocol.ExecutionNotice{ExID: "other"}))
	require.NoError(t, env.server.Send(context.Background(), protocol.Broadcast, protocol.MsgExecutionTerminal, &protocol.ExecutionNotice{ExID: "ex1", Error: "boom"}))

	select {
	case <-running.done:
		assert.NoError(t, running.err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	select {
	case <-w.Done():
	default:
		t.Fatal("done not closed")
	}
}

// Transport whose connection is toggled by the test.
type fakeTransport struct {
	bus *events.Bus

	mu      sync.Mutex
	up      bool
	failed  int
	sent    []*protocol.Envelope
	replies []*protocol.DispatchReply
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{bus: events.NewBus(events.WithReplay(messaging.DefaultReplay))}
}

func (f *fakeTransport) On(topic string, handler events.Handler) func() {
	return f.bus.On(topic, handler)
}

func (f *fakeTransport) Send(ctx context.Context, target, msgType string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.up {
		f.failed++
		return messaging.ErrDisconnected
	}
	env, err := protocol.NewEnvelope("w1", target, msgType, payload)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) SendWithResponse(ctx context.Context, target, msgType string, payload interface{}, timeout time.Duration) (*protocol.Envelope, error) {
	return nil, errors.New("not supported")
}

func (f *fakeTransport) Respond(ctx context.Context, request *protocol.Envelope, payload interface{}, err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, payload.(*protocol.DispatchReply))
	return nil
}

func (f *fakeTransport) Run(ctx context.Context) error {
	f.setUp(true)
	<-ctx.Done()
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.up
}

func (f *fakeTransport) Close() error {
	return nil
}

func (f *fakeTransport) setUp(up bool) {
	f.mu.Lock()
	f.up = up
	f.mu.Unlock()

	if up {
		f.bus.Emit(messaging.EventConnected, "w1", nil)
	} else {
		f.bus.Emit(messaging.EventDisconnected, "w1", nil)
	}
}

func (f *fakeTransport) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := []string{}
	for _, env := range f.sent {
		types = append(types, env.Type)
	}
	return types
}

func (f *fakeTransport) completions(t *testing.T) []*protocol.SliceCompletion {
	f.mu.Lock()
	defer f.mu.Unlock()
	completions := []*protocol.SliceCompletion{}
	for _, env := range f.sent {
		if env.Type == protocol.MsgWorkerSliceComplete {
			completion := &protocol.SliceCompletion{}
			require.NoError(t, env.Decode(completion))
			completions = append(completions, completion)
		}
	}
	return completions
}

func (f *fakeTransport) deliver(t *testing.T, slice *protocol.Slice) {
	env, err := protocol.NewEnvelope(protocol.Controller, "w1", protocol.MsgSliceNew, &protocol.NewSlice{Slice: slice})
	require.NoError(t, err)
	env.MsgID = slice.SliceID
	env.IsResponse = true
	f.bus.Emit(protocol.MsgSliceNew, protocol.Controller, env)
}

func TestWorkerResendsCompletionAfterReconnect(t *testing.T) {
	transport := newFakeTransport()
	release := make(chan struct{})
	blocking := func(ctx context.Context, op *ops.Context, input interface{}) (interface{}, error) {
		<-release
		return input, nil
	}
	pipeline := NewPipeline(PipelineOptions{Job: testJob(1), Operations: []ops.Operation{blocking}, Store: store.NewMemoryStore()})

	w := NewWorker("w1", "ex1", transport, pipeline, nil)
	startWorker(t, w)
	require.Eventually(t, func() bool { return len(transport.types()) == 1 }, time.Second, time.Millisecond)

	transport.deliver(t, testSlice("s1"))
	transport.mu.Lock()
	require.Len(t, transport.replies, 1)
	assert.True(t, transport.replies[0].WillProcess)
	transport.mu.Unlock()

	transport.setUp(false)
	close(release)

	// The report fails while disconnected and is kept.
	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return transport.failed == 1
	}, time.Second, time.Millisecond)

	transport.setUp(true)

	assert.Equal(t, []string{protocol.MsgWorkerReady, protocol.MsgWorkerSliceComplete, protocol.MsgWorkerReady}, transport.types())
	completions := transport.completions(t)
	require.Len(t, completions, 1)
	assert.True(t, completions[0].Retry)
	assert.Equal(t, "s1", completions[0].Slice.SliceID)
}

func TestWorkerFlagsCompletionAfterInterruptedSlice(t *testing.T) {
	transport := newFakeTransport()
	release := make(chan struct{})
	blocking := func(ctx context.Context, op *ops.Context, input interface{}) (interface{}, error) {
		<-release
		return input, nil
	}
	pipeline := NewPipeline(PipelineOptions{Job: testJob(1), Operations: []ops.Operation{blocking}, Store: store.NewMemoryStore()})

	w := NewWorker("w1", "ex1", transport, pipeline, nil)
	startWorker(t, w)
	require.Eventually(t, func() bool { return len(transport.types()) == 1 }, time.Second, time.Millisecond)

	transport.deliver(t, testSlice("s1"))
	transport.setUp(false)
	transport.setUp(true)

	// Reconnecting while busy does not announce readiness.
	assert.Len(t, transport.types(), 1)

	close(release)
	require.Eventually(t, func() bool { return len(transport.types()) == 3 }, time.Second, time.Millisecond)

	completions := transport.completions(t)
	require.Len(t, completions, 1)
	assert.True(t, completions[0].Retry)
}
