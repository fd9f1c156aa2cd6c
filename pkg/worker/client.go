package worker

import (
	"errors"

	"github.com/google/uuid"
	"github.com/srand/slicer/pkg/log"
	"github.com/srand/slicer/pkg/messaging"
	"github.com/srand/slicer/pkg/utils"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Messenger client owning its gRPC connection.
type grpcClient struct {
	*messaging.Client
	conn *grpc.ClientConn
}

func (c *grpcClient) Close() error {
	return errors.Join(c.Client.Close(), c.conn.Close())
}

// Dial the controller and return a messenger client for it.
// A worker id is generated if the configuration has none.
func NewClient(cfg *Config) (Transport, error) {
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}

	grpcUri, err := utils.ParseGrpcUrl(cfg.ControllerGrpcUri)
	if err != nil {
		return nil, err
	}

	dialOptions := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, cfg.Grpc.ToDialOptions()...)

	conn, err := grpc.NewClient(grpcUri, dialOptions...)
	if err != nil {
		return nil, err
	}

	client := messaging.NewClient(conn, messaging.ClientOptions{
		Options: messaging.Options{
			ID:                   cfg.WorkerID,
			NetworkLatencyBuffer: cfg.NetworkLatencyBuffer,
			Logger:               log.With("worker_id", cfg.WorkerID),
		},
		Compression:       cfg.Compression,
		ReconnectInterval: cfg.ReconnectInterval,
	})
	return &grpcClient{Client: client, conn: conn}, nil
}
