package controller

import (
	"errors"
	"strings"
	"time"

	"github.com/srand/slicer/pkg/job"
	"github.com/srand/slicer/pkg/log"
	"github.com/srand/slicer/pkg/messaging"
	"github.com/srand/slicer/pkg/utils"
)

type Config struct {
	// gRPC listen addresses, e.g. tcp://:9090
	ListenGrpc []string `mapstructure:"listen_grpc"`

	// HTTP listen addresses, e.g. tcp://:8080
	ListenHttp []string `mapstructure:"listen_http"`

	Grpc utils.GRPCOptions `mapstructure:"grpc"`

	// Message compression, "" or "zstd".
	Compression string `mapstructure:"compression"`

	// Time a worker has to reply to a request.
	ActionTimeout time.Duration `mapstructure:"action_timeout"`

	// Margin added to every request timeout.
	NetworkLatencyBuffer time.Duration `mapstructure:"network_latency_buffer"`

	// Time a disconnected worker has to come back before its slice is failed.
	WorkerDisconnectTimeout time.Duration `mapstructure:"worker_disconnect_timeout"`

	// Lifetime of completion deduplication entries.
	DedupTTL time.Duration `mapstructure:"dedup_ttl"`

	// Interval between analytics pushes.
	AnalyticsRate time.Duration `mapstructure:"analytics_rate"`

	// Interval between slicer invocations when the slicers are idle.
	SlicerPollInterval time.Duration `mapstructure:"slicer_poll_interval"`

	// Maximum time the dispatcher waits for an idle worker before checking again.
	DispatchIdleTimeout time.Duration `mapstructure:"dispatch_idle_timeout"`

	// Slice state store, e.g. sqlite:///var/lib/slicer/state.db
	StateStore string `mapstructure:"state_store"`

	// Execution status store, e.g. file:///var/lib/slicer
	ExecutionStore string `mapstructure:"execution_store"`

	// Analytics reporter: log, redis://... or http(s)://...
	Reporter string `mapstructure:"reporter"`

	Job job.Config `mapstructure:"job"`
}

// Returns a configuration with defaults applied.
func NewConfig() *Config {
	return &Config{
		ListenGrpc:              []string{"tcp://:9090"},
		ListenHttp:              []string{"tcp://:8080"},
		ActionTimeout:           30 * time.Second,
		NetworkLatencyBuffer:    15 * time.Second,
		WorkerDisconnectTimeout: 5 * time.Minute,
		DedupTTL:                10 * time.Minute,
		AnalyticsRate:           time.Minute,
		SlicerPollInterval:      100 * time.Millisecond,
		DispatchIdleTimeout:     time.Second,
		Reporter:                "log",
		Job:                     *job.NewConfig(),
	}
}

// Checks if the controller configuration is valid.
func (c *Config) Validate() error {
	for _, uri := range c.ListenGrpc {
		if strings.HasPrefix(uri, "unix://") {
			continue
		}
		if _, err := utils.ParseGrpcUrl(uri); err != nil {
			return utils.Wrap(utils.ErrInvalidConfig, "invalid gRPC listen address %q: %v", uri, err)
		}
	}

	for _, uri := range c.ListenHttp {
		if _, err := utils.ParseHttpUrl(uri); err != nil {
			return utils.Wrap(utils.ErrInvalidConfig, "invalid HTTP listen address %q: %v", uri, err)
		}
	}

	switch c.Compression {
	case "", messaging.Zstd:
	default:
		return utils.Wrap(utils.ErrInvalidConfig, "unsupported compression %q", c.Compression)
	}

	if c.ActionTimeout <= 0 {
		return utils.Wrap(utils.ErrInvalidConfig, "action_timeout must be positive")
	}

	if c.NetworkLatencyBuffer < 0 {
		return utils.Wrap(utils.ErrInvalidConfig, "network_latency_buffer must not be negative")
	}

	if c.DedupTTL <= 0 || c.AnalyticsRate <= 0 || c.SlicerPollInterval <= 0 || c.DispatchIdleTimeout <= 0 {
		return utils.Wrap(utils.ErrInvalidConfig, "dedup_ttl, analytics_rate, slicer_poll_interval and dispatch_idle_timeout must be positive")
	}

	if err := c.Job.Validate(); err != nil {
		return errors.Join(utils.Wrap(utils.ErrInvalidConfig, "job"), err)
	}

	return nil
}

func (c *Config) Log() {
	log.Info("Controller configuration:")
	log.Infof("  listen_grpc = %v", c.ListenGrpc)
	log.Infof("  listen_http = %v", c.ListenHttp)
	log.Infof("  compression = %s", c.Compression)
	log.Infof("  action_timeout = %v", c.ActionTimeout)
	log.Infof("  network_latency_buffer = %v", c.NetworkLatencyBuffer)
	log.Infof("  worker_disconnect_timeout = %v", c.WorkerDisconnectTimeout)
	log.Infof("  dedup_ttl = %v", c.DedupTTL)
	log.Infof("  analytics_rate = %v", c.AnalyticsRate)
	log.Infof("  slicer_poll_interval = %v", c.SlicerPollInterval)
	log.Infof("  dispatch_idle_timeout = %v", c.DispatchIdleTimeout)
	log.Infof("  state_store = %s", c.StateStore)
	log.Infof("  execution_store = %s", c.ExecutionStore)
	log.Infof("  reporter = %s", c.Reporter)
	c.Grpc.Log()
	c.Job.Log()
}
