package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	otelPkg "github.com/basket/apiforge/internal/otel"
	"github.com/basket/apiforge/internal/shared"
)

// SchedulerConfig is the worker and threshold surface of a run. Zero values
// defer to the strategy derived from the workload's API pattern.
type SchedulerConfig struct {
	Mode                      string  `yaml:"execution_mode"`
	MinWorkers                int     `yaml:"min_workers"`
	MaxWorkers                int     `yaml:"max_workers"`
	InitialWorkers            int     `yaml:"initial_workers"`
	ScaleUpThreshold          float64 `yaml:"scale_up_threshold"`
	ScaleDownThreshold        float64 `yaml:"scale_down_threshold"`
	MonitoringIntervalSeconds int     `yaml:"monitoring_interval_seconds"`
	CooldownSeconds           int     `yaml:"cooldown_seconds"`
	CPUCeilingPercent         float64 `yaml:"cpu_ceiling_percent"`
	MemoryFloorMB             float64 `yaml:"memory_floor_mb"`
}

// RetryConfig is the default retry policy for enqueued tasks.
type RetryConfig struct {
	MaxRetries       int `yaml:"max_retries"`
	BaseDelaySeconds int `yaml:"base_delay_seconds"`
}

// ProcessorConfig selects the unit of work run for each task.
type ProcessorConfig struct {
	Kind           string            `yaml:"kind"`
	URL            string            `yaml:"url"`
	Headers        map[string]string `yaml:"headers,omitempty"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	// SimulatedLatencyMS and SimulatedFailureRate drive the simulated kind.
	SimulatedLatencyMS   int     `yaml:"simulated_latency_ms"`
	SimulatedFailureRate float64 `yaml:"simulated_failure_rate"`
}

// RateLimitConfig bounds requests per API key (or remote address) on the
// gateway.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// MaintenanceConfig holds the cron expressions of the background jobs.
type MaintenanceConfig struct {
	PurgeSchedule   string `yaml:"purge_schedule"`
	RecoverSchedule string `yaml:"recover_schedule"`
	RetentionDays   int    `yaml:"retention_days"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel     string   `yaml:"log_level"`
	DBPath       string   `yaml:"db_path"`
	BindAddr     string   `yaml:"bind_addr"`
	AuthToken    string   `yaml:"auth_token"`
	AllowOrigins []string `yaml:"allow_origins"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	TaskTimeoutSeconds    int `yaml:"task_timeout_seconds"`
	DrainTimeoutSeconds   int `yaml:"drain_timeout_seconds"`
	DequeueTimeoutSeconds int `yaml:"dequeue_timeout_seconds"`

	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Retry       RetryConfig       `yaml:"retry"`
	Processor   ProcessorConfig   `yaml:"processor"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Telemetry   otelPkg.Config    `yaml:"telemetry"`

	// Missing is true when no config.yaml existed at load time.
	Missing bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// MonitoringInterval converts the configured interval; zero means unset.
func (c Config) MonitoringInterval() time.Duration {
	return time.Duration(c.Scheduler.MonitoringIntervalSeconds) * time.Second
}

// Cooldown returns the configured cooldown. A negative value disables it.
func (c Config) Cooldown() time.Duration {
	if c.Scheduler.CooldownSeconds < 0 {
		return -1
	}
	return time.Duration(c.Scheduler.CooldownSeconds) * time.Second
}

func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

func (c Config) DequeueTimeout() time.Duration {
	return time.Duration(c.DequeueTimeoutSeconds) * time.Second
}

func (c Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Retry.BaseDelaySeconds) * time.Second
}

// TaskMaxRetries is the retry budget in the store's encoding, where zero
// means "use the default" and a negative value means no retries. An explicit
// max_retries of 0 therefore maps to -1.
func (c Config) TaskMaxRetries() int {
	if c.Retry.MaxRetries == 0 {
		return -1
	}
	return c.Retry.MaxRetries
}

func (c Config) Retention() time.Duration {
	return time.Duration(c.Maintenance.RetentionDays) * 24 * time.Hour
}

// Fingerprint returns a stable hash of the settings that change scheduling.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	s := c.Scheduler
	fmt.Fprintf(h, "mode=%s|workers=%d/%d/%d|thresholds=%.3f/%.3f|interval=%d|cooldown=%d|retries=%d/%d|timeout=%d|processor=%s",
		s.Mode, s.MinWorkers, s.InitialWorkers, s.MaxWorkers, s.ScaleUpThreshold, s.ScaleDownThreshold,
		s.MonitoringIntervalSeconds, s.CooldownSeconds, c.Retry.MaxRetries, c.Retry.BaseDelaySeconds,
		c.TaskTimeoutSeconds, c.Processor.Kind)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// Validate rejects settings no scheduler could run with.
func (c Config) Validate() error {
	s := c.Scheduler
	switch s.Mode {
	case "", "auto", "fast", "smart":
	default:
		return shared.NewConfigError("execution_mode", "unknown mode %q", s.Mode)
	}
	if s.MinWorkers < 0 || s.MaxWorkers < 0 || s.InitialWorkers < 0 {
		return shared.NewConfigError("workers", "worker counts must not be negative")
	}
	if s.MinWorkers > 0 && s.MaxWorkers > 0 && s.MinWorkers > s.MaxWorkers {
		return shared.NewConfigError("min_workers", "min %d exceeds max %d", s.MinWorkers, s.MaxWorkers)
	}
	if s.ScaleUpThreshold < 0 || s.ScaleUpThreshold > 1 {
		return shared.NewConfigError("scale_up_threshold", "%.2f outside [0, 1]", s.ScaleUpThreshold)
	}
	if s.ScaleDownThreshold < 0 || s.ScaleDownThreshold > 1 {
		return shared.NewConfigError("scale_down_threshold", "%.2f outside [0, 1]", s.ScaleDownThreshold)
	}
	if s.ScaleUpThreshold > 0 && s.ScaleDownThreshold > 0 && s.ScaleDownThreshold >= s.ScaleUpThreshold {
		return shared.NewConfigError("scale_down_threshold", "%.2f must be below scale_up_threshold %.2f",
			s.ScaleDownThreshold, s.ScaleUpThreshold)
	}
	if c.Retry.MaxRetries < 0 {
		return shared.NewConfigError("max_retries", "must not be negative")
	}
	if c.Retry.BaseDelaySeconds < 0 {
		return shared.NewConfigError("base_delay_seconds", "must not be negative")
	}
	switch c.Processor.Kind {
	case "http":
		if strings.TrimSpace(c.Processor.URL) == "" {
			return shared.NewConfigError("processor.url", "required for the http processor")
		}
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.BurstSize < 0 {
		return shared.NewConfigError("rate_limit", "limits must not be negative")
	}
	if r := c.Processor.SimulatedFailureRate; r < 0 || r > 1 {
		return shared.NewConfigError("processor.simulated_failure_rate", "%.2f outside [0, 1]", r)
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		LogLevel:              "info",
		BindAddr:              "127.0.0.1:18790",
		TaskTimeoutSeconds:    int((5 * time.Minute).Seconds()),
		DrainTimeoutSeconds:   30,
		DequeueTimeoutSeconds: 1,
		Scheduler: SchedulerConfig{
			Mode: "auto",
		},
		Retry: RetryConfig{
			MaxRetries:       3,
			BaseDelaySeconds: 2,
		},
		Processor: ProcessorConfig{
			Kind:                 "simulated",
			TimeoutSeconds:       30,
			SimulatedLatencyMS:   200,
			SimulatedFailureRate: 0,
		},
		Maintenance: MaintenanceConfig{
			PurgeSchedule:   "0 3 * * *",
			RecoverSchedule: "*/10 * * * *",
			RetentionDays:   30,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("APIFORGE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".apiforge")
}

// Load reads config.yaml from HomeDir, layering defaults, the file and
// APIFORGE_* environment overrides, then validates the result.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create apiforge home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.Missing = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "apiforge.db")
	}
	if cfg.TaskTimeoutSeconds <= 0 {
		cfg.TaskTimeoutSeconds = int((5 * time.Minute).Seconds())
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 30
	}
	if cfg.DequeueTimeoutSeconds <= 0 {
		cfg.DequeueTimeoutSeconds = 1
	}
	cfg.Scheduler.Mode = strings.ToLower(strings.TrimSpace(cfg.Scheduler.Mode))
	if cfg.Scheduler.Mode == "" {
		cfg.Scheduler.Mode = "auto"
	}
	cfg.Processor.Kind = strings.ToLower(strings.TrimSpace(cfg.Processor.Kind))
	if cfg.Processor.Kind == "" {
		cfg.Processor.Kind = "simulated"
	}
	if cfg.Processor.TimeoutSeconds <= 0 {
		cfg.Processor.TimeoutSeconds = 30
	}
	if cfg.Maintenance.RetentionDays <= 0 {
		cfg.Maintenance.RetentionDays = 30
	}
}

func applyEnvOverrides(cfg *Config) {
	envInt := func(name string, dst *int) {
		if raw := os.Getenv(name); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil {
				*dst = v
			}
		}
	}
	envFloat := func(name string, dst *float64) {
		if raw := os.Getenv(name); raw != "" {
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				*dst = v
			}
		}
	}
	envString := func(name string, dst *string) {
		if raw := os.Getenv(name); raw != "" {
			*dst = raw
		}
	}

	envString("APIFORGE_LOG_LEVEL", &cfg.LogLevel)
	envString("APIFORGE_DB_PATH", &cfg.DBPath)
	envString("APIFORGE_BIND_ADDR", &cfg.BindAddr)
	envString("APIFORGE_AUTH_TOKEN", &cfg.AuthToken)
	envInt("APIFORGE_TASK_TIMEOUT_SECONDS", &cfg.TaskTimeoutSeconds)
	envInt("APIFORGE_DRAIN_TIMEOUT_SECONDS", &cfg.DrainTimeoutSeconds)

	envString("APIFORGE_EXECUTION_MODE", &cfg.Scheduler.Mode)
	envInt("APIFORGE_MIN_WORKERS", &cfg.Scheduler.MinWorkers)
	envInt("APIFORGE_MAX_WORKERS", &cfg.Scheduler.MaxWorkers)
	envInt("APIFORGE_INITIAL_WORKERS", &cfg.Scheduler.InitialWorkers)
	envFloat("APIFORGE_SCALE_UP_THRESHOLD", &cfg.Scheduler.ScaleUpThreshold)
	envFloat("APIFORGE_SCALE_DOWN_THRESHOLD", &cfg.Scheduler.ScaleDownThreshold)
	envInt("APIFORGE_MONITORING_INTERVAL_SECONDS", &cfg.Scheduler.MonitoringIntervalSeconds)
	envInt("APIFORGE_COOLDOWN_SECONDS", &cfg.Scheduler.CooldownSeconds)

	envInt("APIFORGE_MAX_RETRIES", &cfg.Retry.MaxRetries)
	envInt("APIFORGE_RETRY_BASE_DELAY_SECONDS", &cfg.Retry.BaseDelaySeconds)

	envString("APIFORGE_PROCESSOR", &cfg.Processor.Kind)
	envString("APIFORGE_PROCESSOR_URL", &cfg.Processor.URL)
}

// SetValue updates one dotted key (for example "scheduler.max_workers") in
// config.yaml, preserving every other setting.
func SetValue(homeDir, key string, value any) error {
	path := ConfigPath(homeDir)
	raw, err := loadRawConfig(path)
	if err != nil {
		return err
	}
	parts := strings.Split(key, ".")
	node := raw
	for _, p := range parts[:len(parts)-1] {
		child, _ := node[p].(map[string]any)
		if child == nil {
			child = make(map[string]any)
			node[p] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = value
	return saveRawConfig(path, raw)
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]any, error) {
	raw := make(map[string]any)
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

func saveRawConfig(path string, raw map[string]any) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}
