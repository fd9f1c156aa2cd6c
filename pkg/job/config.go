package job

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/srand/slicer/pkg/log"
	"github.com/srand/slicer/pkg/utils"
)

type Lifecycle string

const (
	// Slicers run until each of them reports that it has no more work.
	Once Lifecycle = "once"

	// Slicers never finish, the execution runs until stopped.
	Persistent Lifecycle = "persistent"
)

type OperationConfig struct {
	// Registered name of the operation.
	Op string `mapstructure:"op"`

	// Operation specific parameters.
	Params map[string]interface{} `mapstructure:",remain"`
}

type Config struct {
	// Execution identifier. Generated if empty.
	ExID string `mapstructure:"ex_id"`

	Name string `mapstructure:"name"`

	Lifecycle Lifecycle `mapstructure:"lifecycle"`

	// Number of parallel slicers.
	Slicers int `mapstructure:"slicers"`

	// Attempts per slice, -1 for unlimited.
	MaxRetries int `mapstructure:"max_retries"`

	// Delay between two attempts of the same slice.
	RetryInterval time.Duration `mapstructure:"retry_interval"`

	// Interval of the probation check under persistent lifecycle.
	ProbationWindow time.Duration `mapstructure:"probation_window"`

	// Collect per-operation analytics for every slice.
	Analytics bool `mapstructure:"analytics"`

	// Number of queued slices the slicers try to keep ahead of the workers.
	QueueLength int `mapstructure:"queue_length"`

	// Raise the queue length to the number of connected workers.
	DynamicQueueLength bool `mapstructure:"dynamic_queue_length"`

	// Id of a previous execution being recovered.
	RecoveredExecution string `mapstructure:"recovered_execution"`

	// Reader first, then processors.
	Operations []OperationConfig `mapstructure:"operations"`
}

// Returns a configuration with defaults applied.
func NewConfig() *Config {
	return &Config{
		Lifecycle:       Once,
		Slicers:         1,
		MaxRetries:      3,
		RetryInterval:   time.Second,
		ProbationWindow: 5 * time.Minute,
		QueueLength:     10000,
	}
}

// Fill in defaults for zero values.
func (c *Config) ApplyDefaults() {
	defaults := NewConfig()
	if c.ExID == "" {
		c.ExID = uuid.NewString()
	}
	if c.Lifecycle == "" {
		c.Lifecycle = defaults.Lifecycle
	}
	if c.Slicers == 0 {
		c.Slicers = defaults.Slicers
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = defaults.RetryInterval
	}
	if c.ProbationWindow == 0 {
		c.ProbationWindow = defaults.ProbationWindow
	}
	if c.QueueLength == 0 {
		c.QueueLength = defaults.QueueLength
	}
}

func invalid(format string, args ...interface{}) error {
	return utils.Wrap(utils.ErrInvalidConfig, format, args...)
}

// Checks if the job configuration is valid.
func (c *Config) Validate() error {
	switch c.Lifecycle {
	case Once, Persistent:
	default:
		return invalid("lifecycle must be %q or %q, got %q", Once, Persistent, c.Lifecycle)
	}

	if c.Slicers <= 0 {
		return invalid("the slicer count must be greater than zero")
	}

	if c.MaxRetries < -1 {
		return invalid("max_retries must be -1 (unlimited) or greater")
	}

	if c.RetryInterval < 0 {
		return invalid("retry_interval must not be negative")
	}

	if c.Lifecycle == Persistent && c.ProbationWindow <= 0 {
		return invalid("probation_window must be positive for persistent jobs")
	}

	if c.QueueLength <= 0 {
		return invalid("queue_length must be greater than zero")
	}

	if len(c.Operations) < 1 {
		return invalid("at least one operation (the reader) is required")
	}

	for i, op := range c.Operations {
		if op.Op == "" {
			return invalid("operation %d has no name", i)
		}
	}

	return nil
}

// Returns the maximum number of attempts for a slice, 0 meaning unlimited.
func (c *Config) Attempts() int {
	if c.MaxRetries < 0 {
		return 0
	}
	if c.MaxRetries == 0 {
		return 1
	}
	return c.MaxRetries
}

func (c *Config) Log() {
	log.Info("Job configuration:")
	log.Infof("  ex_id = %s", c.ExID)
	if c.Name != "" {
		log.Infof("  name = %s", c.Name)
	}
	log.Infof("  lifecycle = %s", c.Lifecycle)
	log.Infof("  slicers = %d", c.Slicers)
	log.Infof("  max_retries = %d", c.MaxRetries)
	log.Infof("  retry_interval = %v", c.RetryInterval)
	log.Infof("  probation_window = %v", c.ProbationWindow)
	log.Infof("  analytics = %v", c.Analytics)
	log.Infof("  queue_length = %d", c.QueueLength)
	log.Infof("  dynamic_queue_length = %v", c.DynamicQueueLength)
	if c.RecoveredExecution != "" {
		log.Infof("  recovered_execution = %s", c.RecoveredExecution)
	}
	for i, op := range c.Operations {
		log.Infof("  operations[%d] = %s %s", i, op.Op, fmt.Sprint(op.Params))
	}
}
