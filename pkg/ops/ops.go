// Package ops resolves operation names to readers, processors and slicers.
package ops

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"github.com/srand/slicer/pkg/job"
	"github.com/srand/slicer/pkg/log"
	"github.com/srand/slicer/pkg/protocol"
	"github.com/srand/slicer/pkg/utils"
)

// Side-channel handed to every operation of a slice.
type Context struct {
	ExID    string
	SliceID string
	Logger  log.Logger

	// The request of the slice being processed.
	Request protocol.SliceRequest
}

// One stage of the slice pipeline. The reader receives the slice request,
// every following stage the output of the previous one.
type Operation func(ctx context.Context, op *Context, input interface{}) (interface{}, error)

// Operation parameters as found in the job configuration.
type Params map[string]interface{}

// Decode params into a struct with mapstructure tags.
func (p Params) Decode(v interface{}) error {
	if p == nil {
		p = Params{}
	}
	return utils.DecodeConfig(p, v)
}

// Identity of a slicer being created.
type SlicerInfo struct {
	ExID      string
	SlicerID  int
	Slicers   int
	Lifecycle job.Lifecycle

	// The slicer belongs to the recovery phase of a recovered execution.
	Recovery bool
}

type Module struct {
	NewReader    func(params Params) (Operation, error)
	NewProcessor func(params Params) (Operation, error)

	// Only readers may provide slicers.
	NewSlicer func(params Params, info SlicerInfo) (job.Slicer, error)

	// Queue length requested by the slicer, 0 for no preference.
	SlicerQueueLength func(params Params) int
}

type Registry struct {
	mu      sync.RWMutex
	modules map[string]*Module
}

// Returns a registry with the built-in operations.
func NewRegistry() *Registry {
	r := &Registry{modules: map[string]*Module{}}
	r.Register("range", rangeModule)
	r.Register("noop", noopModule)
	r.Register("sum", sumModule)
	r.Register("fail", failModule)
	r.Register("delay", delayModule)
	return r
}

func (r *Registry) Register(name string, module *Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[name] = module
}

// Registered operation names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Load(name string) (*Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	module, ok := r.modules[name]
	if !ok {
		return nil, utils.Wrap(utils.ErrInvalidConfig, "unknown operation %q", name)
	}
	return module, nil
}

// Instantiate the operation chain of a job, reader first.
func (r *Registry) Operations(cfg *job.Config) ([]Operation, error) {
	if len(cfg.Operations) == 0 {
		return nil, utils.Wrap(utils.ErrInvalidConfig, "no operations configured")
	}

	operations := make([]Operation, 0, len(cfg.Operations))
	for i, opConfig := range cfg.Operations {
		module, err := r.Load(opConfig.Op)
		if err != nil {
			return nil, err
		}

		var op Operation
		if i == 0 {
			if module.NewReader == nil {
				return nil, utils.Wrap(utils.ErrInvalidConfig, "operation %q cannot be used as reader", opConfig.Op)
			}
			op, err = module.NewReader(opConfig.Params)
		} else {
			if module.NewProcessor == nil {
				return nil, utils.Wrap(utils.ErrInvalidConfig, "operation %q cannot be used as processor", opConfig.Op)
			}
			op, err = module.NewProcessor(opConfig.Params)
		}
		if err != nil {
			return nil, utils.Wrap(utils.ErrInvalidConfig, "operation %q: %v", opConfig.Op, err)
		}

		operations = append(operations, op)
	}

	return operations, nil
}

// Instantiate the slicers of a job from its reader.
// Also returns the queue length requested by the reader, or 0.
func (r *Registry) Slicers(cfg *job.Config, recovery bool) ([]job.Slicer, int, error) {
	if len(cfg.Operations) == 0 {
		return nil, 0, utils.Wrap(utils.ErrInvalidConfig, "no operations configured")
	}

	reader := cfg.Operations[0]
	module, err := r.Load(reader.Op)
	if err != nil {
		return nil, 0, err
	}
	if module.NewSlicer == nil {
		return nil, 0, utils.Wrap(utils.ErrInvalidConfig, "operation %q does not provide a slicer", reader.Op)
	}

	slicers := make([]job.Slicer, 0, cfg.Slicers)
	for i := 0; i < cfg.Slicers; i++ {
		slicer, err := module.NewSlicer(reader.Params, SlicerInfo{
			ExID:      cfg.ExID,
			SlicerID:  i,
			Slicers:   cfg.Slicers,
			Lifecycle: cfg.Lifecycle,
			Recovery:  recovery,
		})
		if err != nil {
			return nil, 0, utils.Wrap(utils.ErrInvalidConfig, "operation %q slicer: %v", reader.Op, err)
		}
		slicers = append(slicers, slicer)
	}

	queueLength := 0
	if module.SlicerQueueLength != nil {
		queueLength = module.SlicerQueueLength(reader.Params)
	}

	return slicers, queueLength, nil
}

// Size of an operation result as recorded in slice analytics:
// the length of slices, maps and strings, 0 for nil and 1 otherwise.
func SizeOf(v interface{}) int {
	if v == nil {
		return 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.String, reflect.Chan:
		return rv.Len()
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return 0
		}
	}
	return 1
}
