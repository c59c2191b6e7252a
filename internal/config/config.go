package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names understood by the adapter registry.
const (
	BackendClaude = "claude"
	BackendCodex  = "codex"
	BackendGemini = "gemini"
)

// Default tool names exposed by the orchestrator.
const (
	ToolCallCC     = "call_cc"
	ToolCallCodex  = "call_codex"
	ToolCallGemini = "call_gemini"
)

// BackendConfig holds the invocation settings for one CLI backend.
type BackendConfig struct {
	// Binary is the executable name or absolute path. Defaults to the
	// backend name ("claude", "codex", "gemini").
	Binary string `yaml:"binary"`

	// Args are extra arguments appended after the adapter's built-in flags.
	Args []string `yaml:"args"`

	// Model selects the model passed to the CLI. Empty uses the CLI's own
	// default.
	Model string `yaml:"model"`

	// Env holds additional environment variables for the subprocess.
	Env map[string]string `yaml:"env"`

	// WorkDir is the default working directory for invocations that do not
	// specify one.
	WorkDir string `yaml:"workdir"`
}

// ToolConfig maps a tool name to a backend and optional per-tool overrides.
type ToolConfig struct {
	Backend string `yaml:"backend"`
	Model   string `yaml:"model"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	// DBPath is the SQLite database path. Empty resolves to
	// <home>/mindmesh.db.
	DBPath string `yaml:"db_path"`

	WorkerCount    int `yaml:"worker_count"`
	PollIntervalMS int `yaml:"poll_interval_ms"`

	// MaxQueueDepth bounds pending async jobs. 0 = unlimited.
	MaxQueueDepth int `yaml:"max_queue_depth"`

	// DefaultDeadlineSeconds applies when a submission carries no deadline.
	// MaxDeadlineSeconds is the ceiling; requested deadlines are clamped.
	DefaultDeadlineSeconds int `yaml:"default_deadline_seconds"`
	MaxDeadlineSeconds     int `yaml:"max_deadline_seconds"`

	// MaxResponseChars caps stored response text; longer responses are
	// truncated with a marker before persistence.
	MaxResponseChars int `yaml:"max_response_chars"`

	// RetentionJobEventsDays controls the audit-trail sweep. 0 = keep forever.
	RetentionJobEventsDays int `yaml:"retention_job_events_days"`

	// MaintenanceCron is a standard 5-field cron expression for the
	// retention sweep.
	MaintenanceCron string `yaml:"maintenance_cron"`

	Backends map[string]BackendConfig `yaml:"backends"`
	Tools    map[string]ToolConfig    `yaml:"tools"`

	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// TelemetryConfig controls the OpenTelemetry exporters. Disabled by default;
// everything degrades to no-ops.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http, stdout, none
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func HomeDir() string {
	if override := os.Getenv("MINDMESH_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".mindmesh")
}

func defaultConfig() Config {
	return Config{
		LogLevel:               "info",
		WorkerCount:            4,
		PollIntervalMS:         250,
		MaxQueueDepth:          100,
		DefaultDeadlineSeconds: 60,
		MaxDeadlineSeconds:     int((30 * time.Minute).Seconds()),
		MaxResponseChars:       100_000,
		RetentionJobEventsDays: 90,
		MaintenanceCron:        "0 3 * * *",
		Backends: map[string]BackendConfig{
			BackendClaude: {Binary: "claude"},
			BackendCodex:  {Binary: "codex"},
			BackendGemini: {Binary: "gemini"},
		},
		Tools: map[string]ToolConfig{
			ToolCallCC:     {Backend: BackendClaude},
			ToolCallCodex:  {Backend: BackendCodex},
			ToolCallGemini: {Backend: BackendGemini},
		},
	}
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from the given home directory, applying defaults,
// env overrides and normalization. A missing config.yaml is not an error.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create mindmesh home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "mindmesh.db")
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.PollIntervalMS <= 0 {
		cfg.PollIntervalMS = 250
	}
	if cfg.MaxQueueDepth < 0 {
		cfg.MaxQueueDepth = 0
	}
	if cfg.DefaultDeadlineSeconds <= 0 {
		cfg.DefaultDeadlineSeconds = 60
	}
	if cfg.MaxDeadlineSeconds <= 0 {
		cfg.MaxDeadlineSeconds = int((30 * time.Minute).Seconds())
	}
	if cfg.DefaultDeadlineSeconds > cfg.MaxDeadlineSeconds {
		cfg.DefaultDeadlineSeconds = cfg.MaxDeadlineSeconds
	}
	if cfg.MaxResponseChars <= 0 {
		cfg.MaxResponseChars = 100_000
	}
	if cfg.RetentionJobEventsDays < 0 {
		cfg.RetentionJobEventsDays = 0
	}
	if strings.TrimSpace(cfg.MaintenanceCron) == "" {
		cfg.MaintenanceCron = "0 3 * * *"
	}

	defaults := defaultConfig()
	if cfg.Backends == nil {
		cfg.Backends = defaults.Backends
	}
	for name, def := range defaults.Backends {
		bc, ok := cfg.Backends[name]
		if !ok {
			cfg.Backends[name] = def
			continue
		}
		if bc.Binary == "" {
			bc.Binary = def.Binary
		}
		cfg.Backends[name] = bc
	}
	if cfg.Tools == nil {
		cfg.Tools = defaults.Tools
	}
	for name, def := range defaults.Tools {
		if _, ok := cfg.Tools[name]; !ok {
			cfg.Tools[name] = def
		}
	}
}

func validate(cfg *Config) error {
	for tool, tc := range cfg.Tools {
		if tc.Backend == "" {
			return fmt.Errorf("tool %s: backend is required", tool)
		}
		if _, ok := cfg.Backends[tc.Backend]; !ok {
			return fmt.Errorf("tool %s: unknown backend %q", tool, tc.Backend)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("MINDMESH_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("MINDMESH_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("MINDMESH_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.WorkerCount = v
		}
	}
	if raw := os.Getenv("MINDMESH_MAX_QUEUE_DEPTH"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxQueueDepth = v
		}
	}
	if raw := os.Getenv("MINDMESH_DEFAULT_DEADLINE_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DefaultDeadlineSeconds = v
		}
	}
	if raw := os.Getenv("MINDMESH_MAX_DEADLINE_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxDeadlineSeconds = v
		}
	}
	if raw := os.Getenv("ANTHROPIC_MODEL"); raw != "" {
		setBackendModel(cfg, BackendClaude, raw)
	}
	if raw := os.Getenv("CODEX_MODEL"); raw != "" {
		setBackendModel(cfg, BackendCodex, raw)
	}
	if raw := os.Getenv("GEMINI_MODEL"); raw != "" {
		setBackendModel(cfg, BackendGemini, raw)
	}
}

func setBackendModel(cfg *Config, backend, model string) {
	if cfg.Backends == nil {
		cfg.Backends = make(map[string]BackendConfig)
	}
	bc := cfg.Backends[backend]
	bc.Model = model
	cfg.Backends[backend] = bc
}

// ClampDeadline resolves a requested deadline against the configured default
// and ceiling. Zero or negative uses the default.
func (c Config) ClampDeadline(requested time.Duration) time.Duration {
	max := time.Duration(c.MaxDeadlineSeconds) * time.Second
	if requested <= 0 {
		d := time.Duration(c.DefaultDeadlineSeconds) * time.Second
		if d > max {
			return max
		}
		return d
	}
	if requested > max {
		return max
	}
	return requested
}

// PollInterval returns the worker poll interval as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// ToolNames returns the configured tool names, sorted.
func (c Config) ToolNames() []string {
	names := make([]string, 0, len(c.Tools))
	for name := range c.Tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Fingerprint returns a stable hash of the settings that affect the running
// engine, used to detect meaningful reloads.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workers=%d|poll=%d|queue=%d|deadline=%d/%d|log=%s|db=%s",
		c.WorkerCount, c.PollIntervalMS, c.MaxQueueDepth,
		c.DefaultDeadlineSeconds, c.MaxDeadlineSeconds, c.LogLevel, c.DBPath)
	for _, name := range c.ToolNames() {
		tc := c.Tools[name]
		fmt.Fprintf(h, "|%s=%s:%s", name, tc.Backend, tc.Model)
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
