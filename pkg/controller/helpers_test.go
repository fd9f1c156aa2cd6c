package controller

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/srand/slicer/pkg/analytics"
	"github.com/srand/slicer/pkg/events"
	"github.com/srand/slicer/pkg/job"
	"github.com/srand/slicer/pkg/messaging"
	"github.com/srand/slicer/pkg/protocol"
	"github.com/srand/slicer/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

type testEnv struct {
	listener *bufconn.Listener
	server   *messaging.Server
	store    *store.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	listener := bufconn.Listen(bufSize)
	g := grpc.NewServer()

	server := messaging.NewServer(messaging.Options{NetworkLatencyBuffer: 50 * time.Millisecond})
	server.Register(g)

	go g.Serve(listener)

	t.Cleanup(func() {
		server.Close()
		g.Stop()
	})

	return &testEnv{listener: listener, server: server, store: store.NewMemoryStore()}
}

func newTestConfig(lifecycle job.Lifecycle) *Config {
	cfg := NewConfig()
	cfg.ActionTimeout = time.Second
	cfg.NetworkLatencyBuffer = 100 * time.Millisecond
	cfg.WorkerDisconnectTimeout = 5 * time.Second
	cfg.AnalyticsRate = 50 * time.Millisecond
	cfg.SlicerPollInterval = 10 * time.Millisecond
	cfg.DispatchIdleTimeout = 20 * time.Millisecond
	cfg.Job.ExID = "ex1"
	cfg.Job.Lifecycle = lifecycle
	cfg.Job.RetryInterval = 10 * time.Millisecond
	cfg.Job.ProbationWindow = 50 * time.Millisecond
	cfg.Job.Operations = []job.OperationConfig{{Op: "noop"}}
	return cfg
}

func (e *testEnv) newController(t *testing.T, cfg *Config, opts ...Option) (*Controller, *recordingReporter) {
	reporter := &recordingReporter{}
	opts = append([]Option{
		WithStores(e.store, e.store, e.store),
		WithReporter(reporter),
	}, opts...)

	ctrl, err := New(cfg, e.server, opts...)
	require.NoError(t, err)
	require.NoError(t, ctrl.Initialize(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ctrl.Shutdown(ctx)
	})
	return ctrl, reporter
}

func (e *testEnv) count(t *testing.T, query string) int {
	q, err := store.ParseQuery(query)
	require.NoError(t, err)
	n, err := e.store.Count(context.Background(), q)
	require.NoError(t, err)
	return n
}

func (e *testEnv) waitConnected(t *testing.T, id string) {
	require.Eventually(t, func() bool { return e.server.IsConnected(id) }, 2*time.Second, 5*time.Millisecond)
}

// Reporter remembering every pushed delta.
type recordingReporter struct {
	mu     sync.Mutex
	deltas []analytics.Delta
	closed bool
}

func (r *recordingReporter) Push(ctx context.Context, exID string, delta analytics.Delta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas = append(r.deltas, delta)
	return nil
}

func (r *recordingReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Sum of all pushed increments of a field.
func (r *recordingReporter) total(field string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for _, delta := range r.deltas {
		total += delta[field]
	}
	return total
}

// Slicer returning the given results in order, then nothing.
// An error result is returned as the slicer error.
func sequence(results ...interface{}) job.Slicer {
	var mu sync.Mutex
	next := 0
	return func(ctx context.Context) (job.SlicerResult, error) {
		mu.Lock()
		defer mu.Unlock()

		if next >= len(results) {
			return job.SlicerResult{}, nil
		}
		result := results[next]
		next++

		switch r := result.(type) {
		case error:
			return job.SlicerResult{}, r
		case job.SlicerResult:
			return r, nil
		case protocol.SliceRequest:
			return job.Single(r), nil
		}
		panic("unexpected slicer result")
	}
}

// Worker speaking the controller protocol, persisting slice state the
// way a real worker does.
type testWorker struct {
	t     *testing.T
	env   *testEnv
	id    string
	exID  string
	fail  func(*protocol.Slice) string
	hold  bool
	slots chan *protocol.Slice

	mu      sync.Mutex
	client  *messaging.Client
	stop    func()
	busy    bool
	notices []string
}

func (e *testEnv) newWorker(t *testing.T, id string, opts ...func(*testWorker)) *testWorker {
	w := &testWorker{
		t:     t,
		env:   e,
		id:    id,
		exID:  "ex1",
		slots: make(chan *protocol.Slice, 100),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.connect()
	t.Cleanup(w.disconnect)
	return w
}

func (w *testWorker) connect() {
	conn, err := grpc.NewClient("passthrough://bufconn",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return w.env.listener.Dial()
		}),
	)
	require.NoError(w.t, err)

	client := messaging.NewClient(conn, messaging.ClientOptions{
		Options: messaging.Options{
			ID:                   w.id,
			NetworkLatencyBuffer: 50 * time.Millisecond,
			Bus:                  events.NewBus(events.WithReplay(messaging.DefaultReplay)),
		},
		ReconnectInterval: 20 * time.Millisecond,
	})

	client.On(messaging.EventConnected, func(events.Event) {
		w.mu.Lock()
		busy := w.busy
		w.mu.Unlock()
		if !busy {
			w.ready()
		}
	})
	client.On(protocol.MsgSliceNew, w.onSlice)
	for _, topic := range []string{protocol.MsgExecutionFinished, protocol.MsgExecutionTerminal} {
		client.On(topic, func(e events.Event) {
			w.mu.Lock()
			defer w.mu.Unlock()
			w.notices = append(w.notices, e.Topic)
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	w.mu.Lock()
	w.client = client
	w.stop = func() {
		cancel()
		client.Close()
		<-done
		conn.Close()
	}
	w.mu.Unlock()

	go func() {
		client.Run(ctx)
		close(done)
	}()
}

func (w *testWorker) disconnect() {
	w.mu.Lock()
	stop := w.stop
	w.stop = nil
	w.mu.Unlock()

	if stop != nil {
		stop()
	}
}

func (w *testWorker) current() *messaging.Client {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.client
}

func (w *testWorker) connected() bool {
	return w.current().Connected()
}

func (w *testWorker) ready() {
	err := w.current().Send(context.Background(), protocol.Controller, protocol.MsgWorkerReady, &protocol.WorkerReady{WorkerID: w.id})
	assert.NoError(w.t, err)
}

func (w *testWorker) received() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string{}, w.notices...)
}

func (w *testWorker) onSlice(e events.Event) {
	request := messaging.EnvelopeOf(e)
	newSlice := &protocol.NewSlice{}
	if !assert.NoError(w.t, request.Decode(newSlice)) {
		return
	}

	w.mu.Lock()
	w.busy = true
	hold := w.hold
	w.mu.Unlock()

	assert.NoError(w.t, w.current().Respond(context.Background(), request, &protocol.DispatchReply{WillProcess: true}, nil))
	w.slots <- newSlice.Slice

	if !hold {
		go w.complete(newSlice.Slice, false)
	}
}

// Process a slice and report it.
func (w *testWorker) complete(slice *protocol.Slice, retry bool) {
	ctx := context.Background()

	errMsg := ""
	if w.fail != nil {
		errMsg = w.fail(slice)
	}

	state := protocol.SliceCompleted
	if errMsg != "" {
		state = protocol.SliceError
	}
	w.env.store.UpdateState(ctx, w.exID, slice, state, errMsg)

	w.report(slice, errMsg, retry)
}

func (w *testWorker) report(slice *protocol.Slice, errMsg string, retry bool) {
	w.sendCompletion(slice, errMsg, retry)

	w.mu.Lock()
	w.busy = false
	w.mu.Unlock()

	w.ready()
}

func (w *testWorker) sendCompletion(slice *protocol.Slice, errMsg string, retry bool) {
	completion := &protocol.SliceCompletion{Slice: slice, WorkerID: w.id, Error: errMsg, Retry: retry}
	assert.NoError(w.t, w.current().Send(context.Background(), protocol.Controller, protocol.MsgWorkerSliceComplete, completion))
}

func (w *testWorker) nextSlice() *protocol.Slice {
	select {
	case slice := <-w.slots:
		return slice
	case <-time.After(5 * time.Second):
		w.t.Fatal("timed out waiting for a slice")
		return nil
	}
}
