package analytics

import (
	"context"
	"fmt"
	"strings"

	"github.com/srand/slicer/pkg/log"
)

type logReporter struct{}

// Reporter writing deltas to the log at debug level.
func NewLogReporter() Reporter {
	return &logReporter{}
}

func (r *logReporter) Push(ctx context.Context, exID string, delta Delta) error {
	fields := delta.Fields()
	if len(fields) == 0 {
		return nil
	}

	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, fmt.Sprintf("%s=%+d", field, delta[field]))
	}
	log.Debugf("ana - execution - id: %s, %s", exID, strings.Join(parts, " "))
	return nil
}

func (r *logReporter) Close() error {
	return nil
}
