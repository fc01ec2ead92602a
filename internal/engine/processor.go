package engine

import (
	"context"
	"errors"

	"github.com/basket/apiforge/internal/persistence"
)

// ErrNoProcessor is returned for a task with no registered handler when the
// pool has no default processor.
var ErrNoProcessor = errors.New("no processor for task")

// Processor runs one unit of work. The returned result is stored on the task.
// Errors should be wrapped with Transient or Permanent so the pool can decide
// whether to retry.
type Processor interface {
	Process(ctx context.Context, task persistence.Task) (string, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, task persistence.Task) (string, error)

func (f ProcessorFunc) Process(ctx context.Context, task persistence.Task) (string, error) {
	return f(ctx, task)
}
