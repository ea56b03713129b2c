// ============================================================================
// Sale-Sniper Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Load the YAML configuration file, apply defaults and environment
//          overrides, and validate the result before any component starts.
//
// Resolution order for the config path:
//   1. explicit path (CLI --config / -c)
//   2. SNIPER_CONFIG
//   3. CONFIG_PATH
//   4. configs/default.yaml
//
// Every component receives its own section by value; nothing reads a
// process-wide singleton.
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when neither a flag nor an environment variable names a file.
const DefaultPath = "configs/default.yaml"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config represents the complete system configuration structure.
type Config struct {
	Environment string `yaml:"environment"`
	Platform    string `yaml:"platform"`

	Clock    ClockConfig    `yaml:"clock"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Target   TargetConfig   `yaml:"target"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	HTTP     HTTPConfig     `yaml:"http"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Storage  StorageConfig  `yaml:"storage"`
	Notify   NotifyConfig   `yaml:"notify"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ClockConfig controls offset synchronization.
type ClockConfig struct {
	SyncInterval         time.Duration     `yaml:"sync_interval"`
	Retries              int               `yaml:"retries"`
	RetryPause           time.Duration     `yaml:"retry_pause"`
	ReportUTCOffsetHours int               `yaml:"report_utc_offset_hours"`
	Endpoints            map[string]string `yaml:"endpoints"`
}

// MonitorConfig controls the snapshot refresh loop.
type MonitorConfig struct {
	RetryCount      int           `yaml:"retry_count"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	SkipFetchWindow time.Duration `yaml:"skip_fetch_window"`
	ForceSyncWindow time.Duration `yaml:"force_sync_window"`
	AbortOnFailure  bool          `yaml:"abort_on_failure"`
}

// TargetConfig describes the item being sniped.
type TargetConfig struct {
	URL               string `yaml:"url"`
	SnapshotURL       string `yaml:"snapshot_url"`
	Title             string `yaml:"title"`
	DefaultTargetTime string `yaml:"default_target_time"`
	Cookie            string `yaml:"cookie"`
}

// DispatchConfig controls the fan-out.
type DispatchConfig struct {
	WorkerCount   int               `yaml:"worker_count"`
	SubmitTimeout time.Duration     `yaml:"submit_timeout"`
	Advance       time.Duration     `yaml:"advance"`
	SpinWindow    time.Duration     `yaml:"spin_window"`
	PollInterval  time.Duration     `yaml:"poll_interval"`
	SuccessMarker string            `yaml:"success_marker"`
	Quantity      int               `yaml:"quantity"`
	SubmitURL     string            `yaml:"submit_url"`
	Headers       map[string]string `yaml:"headers"`
	Form          map[string]string `yaml:"form"`
}

// HTTPConfig configures the shared tls-client transport.
type HTTPConfig struct {
	Profile        string   `yaml:"profile"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	UserAgent      string   `yaml:"user_agent"`
	Proxies        []string `yaml:"proxies"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// StorageConfig names the on-disk artifacts of a run.
type StorageConfig struct {
	ReportPath  string `yaml:"report_path"`
	JournalPath string `yaml:"journal_path"`
	SyncOnWrite bool   `yaml:"sync_on_write"`
}

// NotifyConfig configures result broadcasting.
type NotifyConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig configures the Redis publisher.
type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Channel   string        `yaml:"channel"`
	ResultTTL time.Duration `yaml:"result_ttl"`
}

// LoggingConfig configures zerolog.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every tunable set.
func Default() Config {
	return Config{
		Environment: "production",
		Platform:    "taobao",
		Clock: ClockConfig{
			SyncInterval:         300 * time.Second,
			Retries:              3,
			RetryPause:           time.Second,
			ReportUTCOffsetHours: 8,
			Endpoints: map[string]string{
				"taobao": "https://www.taobao.com",
				"jd":     "https://www.jd.com",
			},
		},
		Monitor: MonitorConfig{
			RetryCount:      3,
			RetryInterval:   5 * time.Second,
			SkipFetchWindow: 10 * time.Second,
			ForceSyncWindow: 600 * time.Second,
		},
		Dispatch: DispatchConfig{
			WorkerCount:   80,
			SubmitTimeout: 5 * time.Second,
			Advance:       200 * time.Millisecond,
			SpinWindow:    time.Second,
			PollInterval:  10 * time.Millisecond,
			SuccessMarker: "安全链接",
			Quantity:      1,
		},
		HTTP: HTTPConfig{
			Profile:        "chrome_120",
			TimeoutSeconds: 10,
		},
		Metrics: MetricsConfig{Port: 9090},
		Storage: StorageConfig{
			ReportPath:  "data/last_run.json",
			JournalPath: "data/journal.log",
		},
		Notify: NotifyConfig{Redis: RedisConfig{
			Addr:      "localhost:6379",
			Channel:   "sniper:results",
			ResultTTL: 24 * time.Hour,
		}},
		Logging: LoggingConfig{Level: "info", Format: "console"},
	}
}

// ResolvePath picks the config file path.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return getEnvAny([]string{"SNIPER_CONFIG", "CONFIG_PATH"}, DefaultPath)
}

// Load reads the YAML file over the defaults, applies env overrides and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes over the defaults, applies env overrides and validates.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Target.Cookie = getEnvAny([]string{"SNIPER_COOKIE"}, c.Target.Cookie)
	c.Logging.Level = getEnvAny([]string{"SNIPER_LOG_LEVEL"}, c.Logging.Level)
	c.Notify.Redis.Addr = getEnvAny([]string{"SNIPER_REDIS_ADDR"}, c.Notify.Redis.Addr)
	c.Notify.Redis.Password = getEnvAny([]string{"SNIPER_REDIS_PASSWORD"}, c.Notify.Redis.Password)
}

// Validate rejects configurations no component could run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Platform == "" {
		problems = append(problems, "platform is required")
	} else if _, ok := c.Clock.Endpoints[strings.ToLower(c.Platform)]; !ok {
		problems = append(problems, fmt.Sprintf("no clock endpoint for platform %q", c.Platform))
	}
	if c.Clock.SyncInterval <= 0 {
		problems = append(problems, "clock.sync_interval must be positive")
	}
	if c.Clock.Retries < 1 {
		problems = append(problems, "clock.retries must be at least 1")
	}
	if c.Clock.ReportUTCOffsetHours < -12 || c.Clock.ReportUTCOffsetHours > 14 {
		problems = append(problems, "clock.report_utc_offset_hours out of range")
	}
	if c.Monitor.RetryCount < 1 {
		problems = append(problems, "monitor.retry_count must be at least 1")
	}
	if c.Monitor.RetryInterval < 0 {
		problems = append(problems, "monitor.retry_interval must not be negative")
	}
	if c.Dispatch.WorkerCount < 1 {
		problems = append(problems, "dispatch.worker_count must be at least 1")
	}
	if c.Dispatch.SubmitTimeout <= 0 {
		problems = append(problems, "dispatch.submit_timeout must be positive")
	}
	if c.Dispatch.PollInterval <= 0 {
		problems = append(problems, "dispatch.poll_interval must be positive")
	}
	if c.Dispatch.Quantity < 1 {
		problems = append(problems, "dispatch.quantity must be at least 1")
	}
	if c.Dispatch.SuccessMarker == "" {
		problems = append(problems, "dispatch.success_marker is required")
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		problems = append(problems, "metrics.port out of range")
	}
	if c.Notify.Redis.Enabled && c.Notify.Redis.Addr == "" {
		problems = append(problems, "notify.redis.addr is required when redis is enabled")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// ReportZone is the fixed zone target times are written in and logs are shown in.
func (c ClockConfig) ReportZone() *time.Location {
	return time.FixedZone(fmt.Sprintf("UTC%+d", c.ReportUTCOffsetHours), c.ReportUTCOffsetHours*3600)
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}
