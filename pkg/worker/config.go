package worker

import (
	"errors"
	"time"

	"github.com/srand/slicer/pkg/job"
	"github.com/srand/slicer/pkg/log"
	"github.com/srand/slicer/pkg/messaging"
	"github.com/srand/slicer/pkg/utils"
)

type Config struct {
	Grpc utils.GRPCOptions `mapstructure:"grpc"`

	// gRPC URI of the execution controller.
	ControllerGrpcUri string `mapstructure:"controller_grpc_uri"`

	// Identity of the worker. Generated if empty.
	WorkerID string `mapstructure:"worker_id"`

	// Message compression, "" or "zstd".
	Compression string `mapstructure:"compression"`

	// Slice state store shared with the controller, e.g. sqlite:///var/lib/slicer/state.db
	StateStore string `mapstructure:"state_store"`

	// Time the controller has to reply to a request.
	ActionTimeout time.Duration `mapstructure:"action_timeout"`

	// Margin added to every request timeout.
	NetworkLatencyBuffer time.Duration `mapstructure:"network_latency_buffer"`

	// Delay between reconnection attempts.
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`

	Job job.Config `mapstructure:"job"`
}

// Returns a configuration with defaults applied.
func NewConfig() *Config {
	return &Config{
		ControllerGrpcUri:    "tcp://controller:9090",
		ActionTimeout:        30 * time.Second,
		NetworkLatencyBuffer: 15 * time.Second,
		ReconnectInterval:    time.Second,
		Job:                  *job.NewConfig(),
	}
}

// Checks if the worker configuration is valid.
func (c *Config) Validate() error {
	if c.ControllerGrpcUri == "" {
		return utils.Wrap(utils.ErrInvalidConfig, "a controller URI is required")
	}

	if _, err := utils.ParseGrpcUrl(c.ControllerGrpcUri); err != nil {
		return utils.Wrap(utils.ErrInvalidConfig, "the controller URI is not valid: %v", err)
	}

	switch c.Compression {
	case "", messaging.Zstd:
	default:
		return utils.Wrap(utils.ErrInvalidConfig, "unsupported compression %q", c.Compression)
	}

	if c.ActionTimeout <= 0 {
		return utils.Wrap(utils.ErrInvalidConfig, "action_timeout must be positive")
	}

	if c.Job.ExID == "" {
		return utils.Wrap(utils.ErrInvalidConfig, "job.ex_id is required")
	}

	if c.ReconnectInterval <= 0 {
		return utils.Wrap(utils.ErrInvalidConfig, "reconnect_interval must be positive")
	}

	if err := c.Job.Validate(); err != nil {
		return errors.Join(utils.Wrap(utils.ErrInvalidConfig, "job"), err)
	}

	return nil
}

func (c *Config) Log() {
	log.Info("Worker configuration:")
	log.Infof("  controller_grpc_uri = %s", c.ControllerGrpcUri)
	log.Infof("  worker_id = %s", c.WorkerID)
	log.Infof("  compression = %s", c.Compression)
	log.Infof("  state_store = %s", c.StateStore)
	log.Infof("  action_timeout = %v", c.ActionTimeout)
	log.Infof("  network_latency_buffer = %v", c.NetworkLatencyBuffer)
	log.Infof("  reconnect_interval = %v", c.ReconnectInterval)
	c.Grpc.Log()
	c.Job.Log()
}
