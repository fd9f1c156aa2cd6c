package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitWithoutReplayDrops(t *testing.T) {
	bus := NewBus()
	bus.Emit("worker:online", "w1", nil)

	var got []Event
	bus.On("worker:online", func(e Event) { got = append(got, e) })
	assert.Empty(t, got)

	bus.Emit("worker:online", "w2", nil)
	assert.Len(t, got, 1)
	assert.Equal(t, "w2", got[0].Source)
}

func TestReplayInArrivalOrder(t *testing.T) {
	bus := NewBus(WithReplay(10))
	bus.Emit("worker:ready", "w1", 1)
	bus.Emit("worker:ready", "w2", 2)
	bus.Emit("worker:ready", "w3", 3)
	assert.Equal(t, 3, bus.Buffered("worker:ready"))

	var got []interface{}
	bus.On("worker:ready", func(e Event) { got = append(got, e.Payload) })
	assert.Equal(t, []interface{}{1, 2, 3}, got)
	assert.Equal(t, 0, bus.Buffered("worker:ready"))

	// Subscribed topics are no longer buffered.
	bus.Emit("worker:ready", "w4", 4)
	assert.Equal(t, []interface{}{1, 2, 3, 4}, got)
	assert.Equal(t, 0, bus.Buffered("worker:ready"))
}

func TestReplayBounded(t *testing.T) {
	bus := NewBus(WithReplay(2))
	for i := 0; i < 5; i++ {
		bus.Emit("t", "", i)
	}

	var got []interface{}
	bus.On("t", func(e Event) { got = append(got, e.Payload) })
	assert.Equal(t, []interface{}{3, 4}, got)
}

func TestEmitDuringReplayKeepsOrder(t *testing.T) {
	bus := NewBus(WithReplay(10))
	bus.Emit("t", "", 1)
	bus.Emit("t", "", 2)

	var got []interface{}
	bus.On("t", func(e Event) {
		got = append(got, e.Payload)
		if e.Payload == 1 {
			bus.Emit("t", "", 3)
		}
	})
	assert.Equal(t, []interface{}{1, 2, 3}, got)

	bus.Emit("t", "", 4)
	assert.Equal(t, []interface{}{1, 2, 3, 4}, got)
}

func TestOff(t *testing.T) {
	bus := NewBus()
	count := 0
	off := bus.On("t", func(Event) { count++ })
	bus.Emit("t", "", nil)
	off()
	bus.Emit("t", "", nil)
	assert.Equal(t, 1, count)
	assert.False(t, bus.HasSubscriber("t"))
}

func TestOnAny(t *testing.T) {
	bus := NewBus(WithReplay(5))

	var topics []string
	off := bus.OnAny(func(e Event) { topics = append(topics, e.Topic) })
	bus.Emit("a", "", nil)
	bus.Emit("b", "", nil)
	assert.Equal(t, []string{"a", "b"}, topics)

	// Catch-all handlers do not prevent buffering.
	assert.Equal(t, 1, bus.Buffered("a"))

	off()
	bus.Emit("c", "", nil)
	assert.Len(t, topics, 2)
}

func TestFlush(t *testing.T) {
	bus := NewBus(WithReplay(10))
	bus.Emit("worker:slice:complete", "w1", 1)
	bus.Emit("worker:slice:complete", "w2", 2)
	bus.Emit("worker:ready", "w1", 3)

	removed := bus.Flush(func(e Event) bool { return e.Source == "w1" })
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, bus.Buffered("worker:slice:complete"))
	assert.Equal(t, 0, bus.Buffered("worker:ready"))
}

func TestConcurrentEmit(t *testing.T) {
	bus := NewBus(WithReplay(1000))

	var mu sync.Mutex
	count := 0
	bus.On("t", func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Emit("t", "", j)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000, count)
}
