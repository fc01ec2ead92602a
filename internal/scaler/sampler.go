package scaler

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// ResourceSample is one reading of host-wide resources.
type ResourceSample struct {
	CPUPercent        float64   `json:"cpu_percent"`
	AvailableMemoryMB float64   `json:"available_memory_mb"`
	UsedMemoryMB      float64   `json:"used_memory_mb"`
	Goroutines        int       `json:"goroutines"`
	At                time.Time `json:"timestamp"`
}

type ResourceSampler interface {
	Sample(ctx context.Context) (ResourceSample, error)
}

// SamplerFunc adapts a function to ResourceSampler.
type SamplerFunc func(ctx context.Context) (ResourceSample, error)

func (f SamplerFunc) Sample(ctx context.Context) (ResourceSample, error) { return f(ctx) }

// HostSampler reads CPU and memory for the whole host. CPU usage is the
// busy share since the previous call, so the first sample covers the time
// since boot.
type HostSampler struct {
	now func() time.Time
}

func NewHostSampler() *HostSampler {
	return &HostSampler{now: time.Now}
}

func (h *HostSampler) Sample(ctx context.Context) (ResourceSample, error) {
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return ResourceSample{}, fmt.Errorf("read cpu: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return ResourceSample{}, fmt.Errorf("read memory: %w", err)
	}
	s := ResourceSample{
		AvailableMemoryMB: float64(vm.Available) / (1 << 20),
		UsedMemoryMB:      float64(vm.Used) / (1 << 20),
		Goroutines:        runtime.NumGoroutine(),
		At:                h.now(),
	}
	if len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	return s, nil
}
