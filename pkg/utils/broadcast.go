package utils

import (
	"sync"

	"github.com/google/uuid"
	"github.com/srand/slicer/pkg/log"
)

// A subscriber of a Broadcast. Values are received on Chan until the
// consumer or the broadcast is closed.
type BroadcastConsumer[E any] struct {
	Chan      chan E
	ID        string
	Broadcast *Broadcast[E]
	dropped   int
}

// Broadcast fans values out to any number of consumers.
// A consumer that falls behind loses values instead of stalling the sender.
type Broadcast[E any] struct {
	mu        sync.RWMutex
	consumers map[string]*BroadcastConsumer[E]
	capacity  int
	closed    bool
}

func NewBroadcast[E any](capacity int) *Broadcast[E] {
	if capacity <= 0 {
		capacity = 100
	}
	return &Broadcast[E]{
		consumers: map[string]*BroadcastConsumer[E]{},
		capacity:  capacity,
	}
}

func (bc *Broadcast[E]) NewConsumer() *BroadcastConsumer[E] {
	consumer := &BroadcastConsumer[E]{
		Chan:      make(chan E, bc.capacity),
		ID:        uuid.NewString(),
		Broadcast: bc,
	}

	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.closed {
		close(consumer.Chan)
		return consumer
	}
	bc.consumers[consumer.ID] = consumer
	return consumer
}

func (bc *Broadcast[E]) HasConsumer() bool {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return len(bc.consumers) > 0
}

func (bc *Broadcast[E]) Len() int {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return len(bc.consumers)
}

// Close all consumers.
func (bc *Broadcast[E]) Close() {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if bc.closed {
		return
	}
	bc.closed = true
	for _, consumer := range bc.consumers {
		close(consumer.Chan)
	}
	bc.consumers = nil
}

func (bc *Broadcast[E]) Remove(bcc *BroadcastConsumer[E]) bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	_, ok := bc.consumers[bcc.ID]
	delete(bc.consumers, bcc.ID)
	return ok
}

func (bcc *BroadcastConsumer[E]) Close() {
	bcc.Broadcast.mu.Lock()
	defer bcc.Broadcast.mu.Unlock()

	if _, ok := bcc.Broadcast.consumers[bcc.ID]; ok {
		delete(bcc.Broadcast.consumers, bcc.ID)
		close(bcc.Chan)
	}
}

func (bc *Broadcast[E]) Send(data E) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	for _, c := range bc.consumers {
		select {
		case c.Chan <- data:
		default:
			c.dropped++
			if c.dropped == 1 || c.dropped%100 == 0 {
				log.Debugf("Consumer %s is falling behind, %d values dropped", c.ID, c.dropped)
			}
		}
	}
}
