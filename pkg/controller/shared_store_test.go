package controller

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/srand/slicer/pkg/job"
	"github.com/srand/slicer/pkg/messaging"
	"github.com/srand/slicer/pkg/ops"
	"github.com/srand/slicer/pkg/protocol"
	"github.com/srand/slicer/pkg/store"
	"github.com/srand/slicer/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Starts a worker process equivalent: its own connection to the state
// store, a pipeline built from the job operations and a messaging client.
func (e *testEnv) startPipelineWorker(t *testing.T, id, dsn string, cfg *job.Config) *worker.Worker {
	slices, sliceAnalytics, err := store.OpenSliceStore(dsn)
	require.NoError(t, err)

	operations, err := ops.NewRegistry().Operations(cfg)
	require.NoError(t, err)

	conn, err := grpc.NewClient("passthrough://bufconn",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return e.listener.Dial()
		}),
	)
	require.NoError(t, err)

	client := messaging.NewClient(conn, messaging.ClientOptions{
		Options:           messaging.Options{ID: id, NetworkLatencyBuffer: 50 * time.Millisecond},
		ReconnectInterval: 20 * time.Millisecond,
	})

	pipeline := worker.NewPipeline(worker.PipelineOptions{
		Job:        cfg,
		Operations: operations,
		Store:      slices,
		Analytics:  sliceAnalytics,
	})
	w := worker.NewWorker(id, cfg.ExID, client, pipeline, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
		conn.Close()
		slices.Close()
	})
	return w
}

func TestPipelineWorkerCompletesOnSharedStore(t *testing.T) {
	env := newTestEnv(t)
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "state.db")

	cfg := newTestConfig(job.Once)
	cfg.StateStore = dsn

	w := env.startPipelineWorker(t, "w1", dsn, &cfg.Job)
	env.waitConnected(t, "w1")

	ctrl, err := New(cfg, env.server,
		WithReporter(&recordingReporter{}),
		WithSlicers(sequence(
			protocol.SliceRequest{"a": 1},
			protocol.SliceRequest{"a": 2},
			protocol.SliceRequest{"a": 3},
		)))
	require.NoError(t, err)
	require.NoError(t, ctrl.Initialize(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ctrl.Shutdown(ctx)
	})

	require.NoError(t, waitRun(t, runController(t, ctrl)))

	record, err := ctrl.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.ExecutionCompleted, record.Status)
	assert.Equal(t, int64(3), ctrl.Analytics().Get(StatProcessed))
	assert.Equal(t, int64(0), ctrl.Analytics().Get(StatFailed))

	// The controller reads the states the worker wrote.
	q, err := store.ParseQuery("ex_id:ex1 AND state:completed")
	require.NoError(t, err)
	n, err := ctrl.slices.Count(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not see the end of the execution")
	}
}
