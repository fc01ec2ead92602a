package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/basket/apiforge/internal/persistence"
)

var (
	ErrDuplicateDefinition = errors.New("task definition already registered")
	ErrUnknownDefinition   = errors.New("unknown task definition")
)

// RetryPolicy overrides the store defaults for tasks of one definition.
// Zero values keep the defaults; a negative MaxRetries disables retries.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// TaskDefinition binds a task name to its handler and queueing defaults.
type TaskDefinition struct {
	Name     string
	Handler  Processor
	Priority persistence.Priority
	Retry    RetryPolicy
}

// Enqueuer is the part of the store the registry needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, nt persistence.NewTask) (*persistence.Task, error)
}

// Registry maps task names to definitions. Workers look up the handler by
// the task's name; unnamed tasks go to the pool's default processor.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]TaskDefinition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]TaskDefinition)}
}

func (r *Registry) Register(def TaskDefinition) error {
	if def.Name == "" {
		return errors.New("task definition name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("task definition %q has no handler", def.Name)
	}
	if def.Priority != 0 && !def.Priority.Valid() {
		return fmt.Errorf("task definition %q: invalid priority %d", def.Name, int(def.Priority))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateDefinition, def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// MustRegister panics on error. Intended for package-level wiring.
func (r *Registry) MustRegister(def TaskDefinition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(name string) (TaskDefinition, bool) {
	if r == nil {
		return TaskDefinition{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Names returns registered definition names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for name := range r.defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// NewTask builds a NewTask carrying the definition's priority and retry policy.
func (r *Registry) NewTask(name, sessionID, payload string) (persistence.NewTask, error) {
	def, ok := r.Lookup(name)
	if !ok {
		return persistence.NewTask{}, fmt.Errorf("%w: %s", ErrUnknownDefinition, name)
	}
	return persistence.NewTask{
		SessionID:      sessionID,
		Name:           def.Name,
		Priority:       def.Priority,
		Payload:        payload,
		MaxRetries:     def.Retry.MaxRetries,
		RetryBaseDelay: def.Retry.BaseDelay,
	}, nil
}

// Enqueue creates a task for the named definition.
func (r *Registry) Enqueue(ctx context.Context, store Enqueuer, name, sessionID, payload string) (*persistence.Task, error) {
	nt, err := r.NewTask(name, sessionID, payload)
	if err != nil {
		return nil, err
	}
	return store.Enqueue(ctx, nt)
}
