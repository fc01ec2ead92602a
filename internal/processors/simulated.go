package processors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/basket/apiforge/internal/engine"
	"github.com/basket/apiforge/internal/persistence"
	"github.com/basket/apiforge/internal/workload"
)

var errSimulated = errors.New("simulated upstream failure")

// Noop completes every task immediately.
type Noop struct{}

func (Noop) Process(context.Context, persistence.Task) (string, error) {
	return `{"status":"skipped"}`, nil
}

// Simulated stands in for the generation service: it waits Latency per task
// (scaled by the endpoint's parameter count) and fails a FailureRate share
// of attempts with a transient error.
type Simulated struct {
	latency     time.Duration
	failureRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

type simulatedResult struct {
	Endpoint  string `json:"endpoint"`
	TestCases int    `json:"test_cases"`
	Attempt   int    `json:"attempt"`
}

func NewSimulated(o Options) *Simulated {
	seed := o.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Simulated{
		latency:     o.Latency,
		failureRate: o.FailureRate,
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (s *Simulated) Process(ctx context.Context, task persistence.Task) (string, error) {
	key := task.ID
	params := 0
	if p, err := workload.DecodePayload(task.Payload); err == nil {
		key = p.Endpoint.Key()
		params = len(p.Endpoint.PathParams) + len(p.Endpoint.QueryParams)
	}

	if s.latency > 0 {
		wait := s.latency + time.Duration(params)*s.latency/10
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", engine.Transient(ctx.Err(), 0)
		case <-timer.C:
		}
	}

	s.mu.Lock()
	roll := s.rng.Float64()
	s.mu.Unlock()
	if roll < s.failureRate {
		return "", engine.Transient(fmt.Errorf("%w for %s", errSimulated, key), 0)
	}

	out, err := json.Marshal(simulatedResult{Endpoint: key, TestCases: 3 + 2*params, Attempt: task.RetryCount + 1})
	if err != nil {
		return "", engine.Permanent(err)
	}
	return string(out), nil
}
