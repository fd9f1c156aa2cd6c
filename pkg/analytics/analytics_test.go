package analytics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/srand/slicer/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeltaFields(t *testing.T) {
	d := Delta{"processed": 3, "failed": 0, "queued": -1}
	assert.Equal(t, []string{"processed", "queued"}, d.Fields())
	assert.False(t, d.IsZero())
	assert.True(t, Delta{"failed": 0}.IsZero())
}

func TestNewReporter(t *testing.T) {
	r, err := NewReporter("")
	require.NoError(t, err)
	assert.IsType(t, &logReporter{}, r)

	r, err = NewReporter("redis://localhost:6379/2")
	require.NoError(t, err)
	assert.IsType(t, &redisReporter{}, r)
	r.Close()

	r, err = NewReporter("http://dashboard")
	require.NoError(t, err)
	assert.IsType(t, &httpReporter{}, r)
	r.Close()

	_, err = NewReporter("kafka://broker")
	assert.ErrorIs(t, err, utils.ErrInvalidConfig)
}

func TestLogReporter(t *testing.T) {
	r := NewLogReporter()
	assert.NoError(t, r.Push(context.Background(), "ex1", Delta{"processed": 1}))
	assert.NoError(t, r.Close())
}

func TestRedisKeys(t *testing.T) {
	assert.Equal(t, "slicer:analytics:ex1", RedisExecutionKey("ex1"))
}

func TestRedisReporterPush(t *testing.T) {
	mr := miniredis.RunT(t)
	r := NewRedisReporterWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer r.Close()

	ctx := context.Background()
	require.NoError(t, r.Push(ctx, "ex1", Delta{"processed": 2, "queued": -2}))
	require.NoError(t, r.Push(ctx, "ex1", Delta{"processed": 1, "failed": 1}))
	require.NoError(t, r.Push(ctx, "ex2", Delta{"processed": 5}))

	// Zero deltas are not sent.
	require.NoError(t, r.Push(ctx, "ex3", Delta{"failed": 0}))
	assert.False(t, mr.Exists(RedisExecutionKey("ex3")))

	assert.Equal(t, "3", mr.HGet(RedisExecutionKey("ex1"), "processed"))
	assert.Equal(t, "1", mr.HGet(RedisExecutionKey("ex1"), "failed"))
	assert.Equal(t, "-2", mr.HGet(RedisExecutionKey("ex1"), "queued"))
	assert.Equal(t, "5", mr.HGet(RedisExecutionKey("ex2"), "processed"))

	assert.Equal(t, "slicer:analytics:total", RedisTotalKey)
	assert.Equal(t, "8", mr.HGet(RedisTotalKey, "processed"))
	assert.Equal(t, "1", mr.HGet(RedisTotalKey, "failed"))
	assert.Equal(t, "-2", mr.HGet(RedisTotalKey, "queued"))
}

func TestRedisReporterPushUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	r := NewRedisReporterWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}))
	defer r.Close()

	mr.SetError("LOADING")
	assert.Error(t, r.Push(context.Background(), "ex1", Delta{"processed": 1}))
}

func TestHttpReporter(t *testing.T) {
	events := make(chan *analyticsEvent, 2)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/analytics", r.URL.Path)
		event := &analyticsEvent{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(event))
		events <- event
	}))
	defer ts.Close()

	r := NewHttpReporter(ts.URL + "/")
	require.NoError(t, r.Push(context.Background(), "ex1", Delta{"processed": 2, "failed": 1}))

	// Empty deltas are not posted.
	require.NoError(t, r.Push(context.Background(), "ex1", Delta{"processed": 0}))
	require.NoError(t, r.Close())

	event := <-events
	assert.Equal(t, "ex1", event.ExID)
	assert.Equal(t, int64(2), event.Delta["processed"])
	assert.Equal(t, int64(1), event.Delta["failed"])
	assert.Len(t, events, 0)
}
