// Package doctor runs environment checks before a run: config, database,
// home directory, processor reachability and host resources.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/apiforge/internal/config"
	"github.com/basket/apiforge/internal/persistence"
	"github.com/basket/apiforge/internal/scaler"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	CPUs    int    `json:"cpus"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// hostSampler is swapped in tests.
var hostSampler scaler.ResourceSampler = scaler.NewHostSampler()

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			CPUs:    runtime.NumCPU(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkPermissions,
		checkProcessor,
		checkResources,
		checkTelemetry,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if err := cfg.Validate(); err != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: err.Error()}
	}
	if cfg.Missing {
		return CheckResult{
			Name:    "Config",
			Status:  StatusWarn,
			Message: "No config.yaml, using defaults",
			Detail:  config.ConfigPath(cfg.HomeDir),
		}
	}
	return CheckResult{
		Name:    "Config",
		Status:  StatusPass,
		Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir)),
		Detail:  cfg.Fingerprint(),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.DBPath == "" {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Schema check failed: %v", err)}
	}
	depth, err := store.QueueDepth(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: fmt.Sprintf("Schema v%d, %d queued tasks", version, depth),
		Detail:  cfg.DBPath,
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

// checkProcessor dials the generation service for the http processor. The
// simulated and noop processors need no network.
func checkProcessor(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Processor", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.Processor.Kind != "http" {
		return CheckResult{Name: "Processor", Status: StatusPass, Message: fmt.Sprintf("%s processor needs no network", cfg.Processor.Kind)}
	}

	u, err := url.Parse(cfg.Processor.URL)
	if err != nil || u.Host == "" {
		return CheckResult{Name: "Processor", Status: StatusFail, Message: fmt.Sprintf("Invalid processor url %q", cfg.Processor.URL)}
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Processor",
			Status:  StatusFail,
			Message: fmt.Sprintf("Cannot reach %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	_ = conn.Close()
	return CheckResult{
		Name:    "Processor",
		Status:  StatusPass,
		Message: fmt.Sprintf("Reached %s (%dms)", host, latency.Milliseconds()),
	}
}

// checkResources samples the host and warns when it is already past the
// scaler's resource guards, which would block every scale-up.
func checkResources(ctx context.Context, cfg *config.Config) CheckResult {
	sample, err := hostSampler.Sample(ctx)
	if err != nil {
		return CheckResult{Name: "Resources", Status: StatusWarn, Message: fmt.Sprintf("Host sample failed: %v", err)}
	}
	ceiling := scaler.DefaultCPUCeiling
	floor := scaler.DefaultMemoryFloorMB
	if cfg != nil {
		if cfg.Scheduler.CPUCeilingPercent > 0 {
			ceiling = cfg.Scheduler.CPUCeilingPercent
		}
		if cfg.Scheduler.MemoryFloorMB > 0 {
			floor = cfg.Scheduler.MemoryFloorMB
		}
	}
	detail := fmt.Sprintf("cpu=%.1f%% available=%.0fMB used=%.0fMB", sample.CPUPercent, sample.AvailableMemoryMB, sample.UsedMemoryMB)
	switch {
	case sample.CPUPercent > ceiling:
		return CheckResult{Name: "Resources", Status: StatusWarn, Message: fmt.Sprintf("CPU at %.0f%%, scale-up will be held (ceiling %.0f%%)", sample.CPUPercent, ceiling), Detail: detail}
	case sample.AvailableMemoryMB > 0 && sample.AvailableMemoryMB < floor:
		return CheckResult{Name: "Resources", Status: StatusWarn, Message: fmt.Sprintf("%.0fMB available, scale-up will be held (floor %.0fMB)", sample.AvailableMemoryMB, floor), Detail: detail}
	}
	return CheckResult{Name: "Resources", Status: StatusPass, Message: "Host has headroom", Detail: detail}
}

func checkTelemetry(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Telemetry.Enabled {
		return CheckResult{Name: "Telemetry", Status: StatusSkip, Message: "Tracing disabled"}
	}
	exporter := cfg.Telemetry.Exporter
	if exporter == "" {
		exporter = "otlp-http"
	}
	switch exporter {
	case "otlp-http":
		if cfg.Telemetry.Endpoint == "" {
			return CheckResult{Name: "Telemetry", Status: StatusWarn, Message: "otlp-http exporter without endpoint, spans go to localhost:4318"}
		}
	case "stdout", "none":
	default:
		return CheckResult{Name: "Telemetry", Status: StatusFail, Message: fmt.Sprintf("Unknown exporter %q", exporter)}
	}
	return CheckResult{Name: "Telemetry", Status: StatusPass, Message: fmt.Sprintf("%s exporter configured", exporter)}
}
