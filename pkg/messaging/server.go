package messaging

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"

	"github.com/srand/slicer/pkg/events"
	"github.com/srand/slicer/pkg/protocol"
	"github.com/srand/slicer/pkg/utils"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// Stream metadata carrying the identity of the connecting worker.
const WorkerIDHeader = "x-worker-id"

const (
	serviceName   = "slicer.Messenger"
	connectMethod = "/" + serviceName + "/Connect"
)

type messengerServer interface {
	Connect(stream grpc.ServerStream) error
}

func connectHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(messengerServer).Connect(stream)
}

var messengerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*messengerServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "slicer/messenger",
}

type serverConn struct {
	id     string
	stream grpc.ServerStream
	sendMu sync.Mutex
	done   chan struct{}
	once   sync.Once
}

func (c *serverConn) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *serverConn) send(env *protocol.Envelope) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return sendEnvelope(c.stream, env)
}

// Server is the controller side of the messenger.
// Every connected worker holds one Connect stream.
type Server struct {
	endpoint

	mu          sync.Mutex
	conns       map[string]*serverConn
	seen        map[string]bool
	closed      bool
	compression string
}

func NewServer(opts Options) *Server {
	if opts.ID == "" {
		opts.ID = protocol.Controller
	}

	s := &Server{
		conns: map[string]*serverConn{},
		seen:  map[string]bool{},
	}
	s.endpoint = newEndpoint(opts, s.deliverTo)
	return s
}

// Compress messages sent to workers with the named compressor, "" or Zstd.
// Only affects streams opened afterwards.
func (s *Server) UseCompressor(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compression = name
}

// Register the messenger service with a gRPC server.
func (s *Server) Register(g grpc.ServiceRegistrar) {
	g.RegisterService(&messengerServiceDesc, s)
}

// Bus on which received messages and presence events are emitted.
func (s *Server) Bus() *events.Bus {
	return s.bus
}

// Ids of the currently connected workers, sorted.
func (s *Server) Connected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Server) ConnectedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) IsConnected(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conns[id]
	return ok
}

func (s *Server) Connect(stream grpc.ServerStream) error {
	id := workerID(stream.Context())
	if id == "" {
		return utils.GrpcError(utils.Wrap(utils.ErrBadRequest, "missing %s metadata", WorkerIDHeader))
	}

	conn := &serverConn{id: id, stream: stream, done: make(chan struct{})}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return utils.GrpcError(utils.ErrShutdown)
	}
	if old, ok := s.conns[id]; ok {
		s.log.Debugf("Worker %s replaced its stream", id)
		old.close()
	}
	reconnect := s.seen[id]
	s.seen[id] = true
	s.conns[id] = conn
	compression := s.compression
	s.mu.Unlock()

	if compression != "" {
		if err := grpc.SetSendCompressor(stream.Context(), compression); err != nil {
			s.log.Warnf("Worker %s does not accept %s compression: %v", id, compression, err)
		}
	}

	if reconnect {
		s.log.Infof("new - connection - worker: %s (reconnect)", id)
		s.bus.Emit(protocol.EventWorkerReconnect, id, id)
	} else {
		s.log.Infof("new - connection - worker: %s", id)
		s.bus.Emit(protocol.EventWorkerOnline, id, id)
	}

	defer s.disconnect(conn)

	envelopes := make(chan *protocol.Envelope)
	errs := make(chan error, 1)
	go func() {
		for {
			env, err := recvEnvelope(stream)
			if err != nil {
				errs <- err
				return
			}

			select {
			case envelopes <- env:
			case <-conn.done:
				return
			case <-stream.Context().Done():
				return
			}
		}
	}()

	for {
		select {
		case env := <-envelopes:
			// The stream identity is authoritative.
			env.Source = id
			s.dispatch(env)

		case err := <-errs:
			if err == io.EOF {
				return nil
			}
			s.log.Trace("Worker read error:", err)
			return nil

		case <-conn.done:
			return nil

		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *Server) disconnect(conn *serverConn) {
	conn.close()

	s.mu.Lock()
	current := s.conns[conn.id] == conn
	if current {
		delete(s.conns, conn.id)
	}
	s.mu.Unlock()

	if !current {
		return
	}

	if n := s.bus.Flush(func(e events.Event) bool { return e.Source == conn.id }); n > 0 {
		s.log.Debugf("Dropped %d buffered messages from worker %s", n, conn.id)
	}

	s.log.Infof("del - connection - worker: %s", conn.id)
	s.bus.Emit(protocol.EventWorkerOffline, conn.id, conn.id)
}

func (s *Server) deliverTo(ctx context.Context, target string, env *protocol.Envelope) error {
	if target == protocol.Broadcast {
		s.mu.Lock()
		conns := make([]*serverConn, 0, len(s.conns))
		for _, conn := range s.conns {
			conns = append(conns, conn)
		}
		s.mu.Unlock()

		var errs []error
		for _, conn := range conns {
			if err := conn.send(env); err != nil {
				errs = append(errs, utils.Wrap(err, "failed to send %s to %s", env.Type, conn.id))
			}
		}
		return errors.Join(errs...)
	}

	s.mu.Lock()
	conn, ok := s.conns[target]
	s.mu.Unlock()

	if !ok {
		return utils.Wrap(utils.ErrNoWorker, "worker %s is not connected", target)
	}

	if err := conn.send(env); err != nil {
		return utils.Wrap(err, "failed to send %s to %s", env.Type, target)
	}
	return nil
}

// Close all worker streams and fail outstanding requests.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*serverConn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.close()
	}
	s.pending.closeAll()
	return nil
}

func workerID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	ids := md.Get(WorkerIDHeader)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}
