// Package processors holds the built-in units of work a pool can run per
// task. Kinds are registered at compile time; there is no plugin loading.
package processors

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/apiforge/internal/engine"
)

type Kind string

const (
	KindNoop      Kind = "noop"
	KindSimulated Kind = "simulated"
	KindHTTP      Kind = "http"
)

// Options configure a processor. Each kind reads the fields it needs.
type Options struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
	Client  *http.Client
	Tracer  trace.Tracer
	Logger  *slog.Logger

	Latency     time.Duration
	FailureRate float64
	// Seed makes simulated failures reproducible. Zero picks a random seed.
	Seed uint64
}

type constructor func(Options) (engine.Processor, error)

var kinds = map[Kind]constructor{
	KindNoop:      func(Options) (engine.Processor, error) { return Noop{}, nil },
	KindSimulated: func(o Options) (engine.Processor, error) { return NewSimulated(o), nil },
	KindHTTP:      func(o Options) (engine.Processor, error) { return NewHTTP(o) },
}

// New builds the processor registered under kind.
func New(kind Kind, opts Options) (engine.Processor, error) {
	ctor, ok := kinds[kind]
	if !ok {
		return nil, fmt.Errorf("unknown processor kind %q (have %v)", kind, Kinds())
	}
	return ctor(opts)
}

// Register builds the processor for kind and registers it with reg under
// name, so workers route tasks carrying that name to it.
func Register(reg *engine.Registry, name string, kind Kind, opts Options, retry engine.RetryPolicy) (engine.Processor, error) {
	proc, err := New(kind, opts)
	if err != nil {
		return nil, err
	}
	if err := reg.Register(engine.TaskDefinition{Name: name, Handler: proc, Retry: retry}); err != nil {
		return nil, err
	}
	return proc, nil
}

// Kinds lists the registered kinds in sorted order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
