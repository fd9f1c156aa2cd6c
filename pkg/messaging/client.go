package messaging

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/srand/slicer/pkg/protocol"
	"github.com/srand/slicer/pkg/utils"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

type ClientOptions struct {
	Options

	// Message compressor, "" or Zstd.
	Compression string

	// Delay between reconnection attempts.
	ReconnectInterval time.Duration
}

// Client is the worker side of the messenger. It keeps one Connect stream
// open to the controller and reconnects when it breaks.
type Client struct {
	endpoint

	conn      grpc.ClientConnInterface
	callOpts  []grpc.CallOption
	reconnect time.Duration

	mu     sync.Mutex
	stream grpc.ClientStream
	sendMu sync.Mutex
	closed chan struct{}
	once   sync.Once
}

func NewClient(conn grpc.ClientConnInterface, opts ClientOptions) *Client {
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = time.Second
	}

	callOpts := []grpc.CallOption{}
	if opts.Compression != "" {
		callOpts = append(callOpts, grpc.UseCompressor(opts.Compression))
	}

	c := &Client{
		conn:      conn,
		callOpts:  callOpts,
		reconnect: opts.ReconnectInterval,
		closed:    make(chan struct{}),
	}
	c.endpoint = newEndpoint(opts.Options, c.deliverTo)
	return c
}

// Maintain the stream to the controller until the context is cancelled
// or the client is closed.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.run(ctx)
		if err != nil {
			c.log.Debug("Connection to controller lost:", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-c.closed:
			return nil
		case <-time.After(c.reconnect):
		}
	}
}

func (c *Client) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	ctx = metadata.AppendToOutgoingContext(ctx, WorkerIDHeader, c.id)
	stream, err := c.conn.NewStream(ctx, &messengerServiceDesc.Streams[0], connectMethod, c.callOpts...)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.stream = stream
	c.mu.Unlock()

	c.log.Info("Connected to controller")
	c.bus.Emit(EventConnected, c.id, nil)

	defer func() {
		c.mu.Lock()
		c.stream = nil
		c.mu.Unlock()
		c.bus.Emit(EventDisconnected, c.id, nil)
	}()

	for {
		env, err := recvEnvelope(stream)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		c.dispatch(env)
	}
}

// True while a stream to the controller is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil
}

func (c *Client) deliverTo(ctx context.Context, target string, env *protocol.Envelope) error {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()

	if stream == nil {
		return ErrDisconnected
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := sendEnvelope(stream, env); err != nil {
		return utils.Wrap(err, "failed to send %s", env.Type)
	}
	return nil
}

func (c *Client) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.mu.Lock()
		stream := c.stream
		c.mu.Unlock()
		if stream != nil {
			c.sendMu.Lock()
			stream.CloseSend()
			c.sendMu.Unlock()
		}
		c.pending.closeAll()
	})
	return nil
}
