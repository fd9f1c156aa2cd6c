// Package messaging implements addressed request/response messaging between
// the execution controller and its workers on top of a bidirectional gRPC stream.
package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/srand/slicer/pkg/events"
	"github.com/srand/slicer/pkg/log"
	"github.com/srand/slicer/pkg/protocol"
	"github.com/srand/slicer/pkg/utils"
)

// Local events emitted by a client when its stream goes up or down.
const (
	EventConnected    = "messaging:connected"
	EventDisconnected = "messaging:disconnected"
)

// Returned when sending on a client without an active stream.
var ErrDisconnected = errors.New("Not connected")

// Messenger is the transport shared by the controller and its workers.
//
// Received messages are delivered as events whose topic is the message type,
// whose source is the sending peer and whose payload is the *protocol.Envelope.
type Messenger interface {
	// Fire-and-forget delivery to a peer, or to all peers with protocol.Broadcast.
	Send(ctx context.Context, target, msgType string, payload interface{}) error

	// Send a request and wait for the correlated response.
	// The network latency buffer is added to the timeout.
	SendWithResponse(ctx context.Context, target, msgType string, payload interface{}, timeout time.Duration) (*protocol.Envelope, error)

	// Reply to a received request. A non-nil err is reported to the requester.
	Respond(ctx context.Context, request *protocol.Envelope, payload interface{}, err error) error

	// Subscribe to a message type or local event.
	On(topic string, handler events.Handler) func()

	Close() error
}

type Options struct {
	// Identity used as the source of outgoing envelopes.
	ID string

	// Margin added to every request timeout.
	NetworkLatencyBuffer time.Duration

	// Bus on which received messages and presence events are emitted.
	// A bus with a small replay buffer is created if nil.
	Bus *events.Bus

	Logger log.Logger
}

// Default size of the per-topic replay buffer.
const DefaultReplay = 64

func (o *Options) defaults() {
	if o.Bus == nil {
		o.Bus = events.NewBus(events.WithReplay(DefaultReplay))
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
}

// Returns the envelope carried by a message event, or nil.
func EnvelopeOf(e events.Event) *protocol.Envelope {
	env, _ := e.Payload.(*protocol.Envelope)
	return env
}

type deliverFunc func(ctx context.Context, target string, env *protocol.Envelope) error

// Request/response bookkeeping shared by server and client.
type endpoint struct {
	id      string
	latency time.Duration
	bus     *events.Bus
	pending *pending
	log     log.Logger
	deliver deliverFunc
}

func newEndpoint(opts Options, deliver deliverFunc) endpoint {
	opts.defaults()
	return endpoint{
		id:      opts.ID,
		latency: opts.NetworkLatencyBuffer,
		bus:     opts.Bus,
		pending: newPending(),
		log:     opts.Logger,
		deliver: deliver,
	}
}

func (e *endpoint) On(topic string, handler events.Handler) func() {
	return e.bus.On(topic, handler)
}

func (e *endpoint) Send(ctx context.Context, target, msgType string, payload interface{}) error {
	env, err := protocol.NewEnvelope(e.id, target, msgType, payload)
	if err != nil {
		return err
	}
	return e.deliver(ctx, target, env)
}

func (e *endpoint) SendWithResponse(ctx context.Context, target, msgType string, payload interface{}, timeout time.Duration) (*protocol.Envelope, error) {
	env, err := protocol.NewEnvelope(e.id, target, msgType, payload)
	if err != nil {
		return nil, err
	}
	env.MsgID = uuid.NewString()
	env.IsResponse = true

	response := e.pending.add(env.MsgID)
	defer e.pending.remove(env.MsgID)

	if err := e.deliver(ctx, target, env); err != nil {
		return nil, err
	}

	deadline := timeout + e.latency
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case reply, ok := <-response:
		if !ok || reply == nil {
			return nil, utils.ErrShutdown
		}
		if reply.Error != "" {
			return reply, &utils.RemoteError{Source: reply.Source, Message: reply.Error}
		}
		return reply, nil

	case <-timer.C:
		return nil, &utils.TimeoutError{MsgID: env.MsgID, Type: msgType, Timeout: deadline}

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *endpoint) Respond(ctx context.Context, request *protocol.Envelope, payload interface{}, err error) error {
	if !request.ExpectsResponse() {
		return utils.Wrap(utils.ErrBadRequest, "%s message does not expect a response", request.Type)
	}

	env, encErr := protocol.NewEnvelope(e.id, request.Source, protocol.MsgResponse, payload)
	if encErr != nil {
		return encErr
	}
	env.MsgID = request.MsgID
	if err != nil {
		env.Error = err.Error()
	}

	return e.deliver(ctx, request.Source, env)
}

// Route a received envelope to its waiter or onto the bus.
func (e *endpoint) dispatch(env *protocol.Envelope) {
	if env.Type == protocol.MsgResponse {
		if !e.pending.resolve(env) {
			e.log.Debugf("Dropping late response %s from %s", env.MsgID, env.Source)
		}
		return
	}

	e.bus.Emit(env.Type, env.Source, env)
}
