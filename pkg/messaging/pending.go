package messaging

import (
	"sync"

	"github.com/srand/slicer/pkg/protocol"
)

// Outstanding requests waiting for a correlated response, keyed by message id.
type pending struct {
	mu      sync.Mutex
	waiters map[string]chan *protocol.Envelope
}

func newPending() *pending {
	return &pending{
		waiters: map[string]chan *protocol.Envelope{},
	}
}

func (p *pending) add(msgID string) <-chan *protocol.Envelope {
	ch := make(chan *protocol.Envelope, 1)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waiters[msgID] = ch
	return ch
}

func (p *pending) remove(msgID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.waiters, msgID)
}

// Hand a response to its waiter. Returns false if nobody is waiting,
// e.g. because the request already timed out.
func (p *pending) resolve(env *protocol.Envelope) bool {
	p.mu.Lock()
	ch, ok := p.waiters[env.MsgID]
	delete(p.waiters, env.MsgID)
	p.mu.Unlock()

	if !ok {
		return false
	}
	ch <- env
	return true
}

// Wake up all waiters with a nil response.
func (p *pending) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.waiters {
		close(ch)
		delete(p.waiters, id)
	}
}

func (p *pending) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
