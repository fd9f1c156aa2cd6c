// Package analytics pushes execution counter deltas to an upstream aggregator.
package analytics

import (
	"context"
	"sort"
	"strings"

	"github.com/srand/slicer/pkg/utils"
)

// Counter increments since the previous push, by field name.
type Delta map[string]int64

// Fields with a non-zero increment, sorted.
func (d Delta) Fields() []string {
	fields := make([]string, 0, len(d))
	for field, value := range d {
		if value != 0 {
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)
	return fields
}

func (d Delta) IsZero() bool {
	return len(d.Fields()) == 0
}

// Reporter sends deltas upstream. Since only increments are sent, an
// aggregator can sum the contributions of many executions.
type Reporter interface {
	Push(ctx context.Context, exID string, delta Delta) error
	Close() error
}

// Create a reporter from a URI: "log" (or ""), "redis://..." or "http(s)://...".
func NewReporter(uri string) (Reporter, error) {
	switch {
	case uri == "" || uri == "log":
		return NewLogReporter(), nil
	case strings.HasPrefix(uri, "redis://"), strings.HasPrefix(uri, "rediss://"):
		return NewRedisReporter(uri)
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		return NewHttpReporter(uri), nil
	default:
		return nil, utils.Wrap(utils.ErrInvalidConfig, "unsupported analytics reporter %q", uri)
	}
}
