// Package config handles configuration loading and management for orchestra.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/orchestra/pkg/models"
)

// Dispatch modes.
const (
	// ModeLocal runs tasks on the in-process worker pool.
	ModeLocal = "local"
	// ModeRemote only publishes dispatch messages and waits for worker reports.
	ModeRemote = "remote"
)

// Store drivers.
const (
	DriverMemory  = "memory"
	DriverSQLite  = "sqlite"
	DriverSQLite3 = "sqlite3"
)

// Config holds all configuration for orchestra.
type Config struct {
	Templates TemplatesConfig `mapstructure:"templates"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Steps     StepsConfig     `mapstructure:"steps"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Beat      BeatConfig      `mapstructure:"beat"`
	TUI       TUIConfig       `mapstructure:"tui"`
}

// TemplatesConfig holds template registry settings.
type TemplatesConfig struct {
	Dir string `mapstructure:"dir"`
	// Watch reloads the registry when files in Dir change.
	Watch    bool          `mapstructure:"watch"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// WorkersConfig holds worker pool settings.
type WorkersConfig struct {
	PoolSize int `mapstructure:"pool_size"`
}

// DispatchConfig holds dispatcher settings.
type DispatchConfig struct {
	Mode string `mapstructure:"mode"`
	// RetryBackoff is how long the dispatcher pauses after a transport failure.
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// SchedulerConfig holds dependency scheduler settings.
type SchedulerConfig struct {
	// CascadeFailures cancels queued dependents of failed or cancelled tasks.
	CascadeFailures bool `mapstructure:"cascade_failures"`
}

// StoreConfig selects the task store backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// RedisConfig holds the Redis transport settings.
type RedisConfig struct {
	URL           string        `mapstructure:"url"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
	DispatchQueue string        `mapstructure:"dispatch_queue"`
	ReportsQueue  string        `mapstructure:"reports_queue"`
	TaskTTL       time.Duration `mapstructure:"task_ttl"`
}

// ProvidersConfig holds generative model client settings.
type ProvidersConfig struct {
	Default   string          `mapstructure:"default"`
	Ollama    OllamaConfig    `mapstructure:"ollama"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
}

// OllamaConfig holds Ollama API settings.
type OllamaConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
}

// StepsConfig holds step executor settings.
type StepsConfig struct {
	// MaxDepth bounds sub-template nesting.
	MaxDepth     int           `mapstructure:"max_depth"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout"`
	ShellEnabled bool          `mapstructure:"shell_enabled"`
	ShellTimeout time.Duration `mapstructure:"shell_timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Path   string `mapstructure:"path"`
}

// BeatConfig holds periodic submissions.
type BeatConfig struct {
	Schedules []ScheduleConfig `mapstructure:"schedules"`
}

// ScheduleConfig creates a task from Template every time Spec fires.
type ScheduleConfig struct {
	Name       string         `mapstructure:"name"`
	Spec       string         `mapstructure:"spec"`
	Template   string         `mapstructure:"template"`
	Parameters map[string]any `mapstructure:"parameters"`
	Priority   int            `mapstructure:"priority"`
}

// TUIConfig holds TUI display settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ORCHESTRA_*, plus TEMPLATES_DIR, REDIS_URL, ...)
// 2. Project config (.orchestra.yaml in current directory or parent)
// 3. User config (~/.config/orchestra/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		pv := viper.New()
		pv.SetConfigFile(projectConfig)
		if err := pv.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(pv.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return finish(v)
}

// LoadFromPath loads configuration from a specific file, still honoring
// environment overrides.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return finish(v)
}

func finish(v *viper.Viper) (*Config, error) {
	bindEnv(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Providers.Anthropic.APIKey = os.ExpandEnv(cfg.Providers.Anthropic.APIKey)
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Store.Driver, cfg.Store.Path = parseDatabaseURL(dbURL)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("ORCHESTRA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Names used by earlier deployments.
	_ = v.BindEnv("templates.dir", "ORCHESTRA_TEMPLATES_DIR", "TEMPLATES_DIR")
	_ = v.BindEnv("redis.url", "ORCHESTRA_REDIS_URL", "REDIS_URL")
	_ = v.BindEnv("providers.ollama.base_url", "ORCHESTRA_PROVIDERS_OLLAMA_BASE_URL", "OLLAMA_API_BASE_URL")
	_ = v.BindEnv("providers.anthropic.api_key", "ORCHESTRA_PROVIDERS_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("logging.level", "ORCHESTRA_LOGGING_LEVEL", "LOG_LEVEL")
}

// parseDatabaseURL accepts sqlite:///path, sqlite3:///path and memory://.
func parseDatabaseURL(raw string) (driver, path string) {
	switch {
	case strings.HasPrefix(raw, "memory:"):
		return DriverMemory, ""
	case strings.HasPrefix(raw, "sqlite3://"):
		return DriverSQLite3, strings.TrimPrefix(strings.TrimPrefix(raw, "sqlite3://"), "/")
	case strings.HasPrefix(raw, "sqlite://"):
		return DriverSQLite, strings.TrimPrefix(strings.TrimPrefix(raw, "sqlite://"), "/")
	default:
		return DriverSQLite, raw
	}
}

// Validate rejects configurations the runtime cannot start with.
func (c *Config) Validate() error {
	if c.Workers.PoolSize < 1 {
		return fmt.Errorf("workers.pool_size must be at least 1, got %d", c.Workers.PoolSize)
	}
	switch c.Dispatch.Mode {
	case ModeLocal:
	case ModeRemote:
		if c.Redis.URL == "" {
			return fmt.Errorf("dispatch.mode %q requires redis.url", ModeRemote)
		}
	default:
		return fmt.Errorf("unknown dispatch.mode %q", c.Dispatch.Mode)
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverSQLite3:
		if c.Store.Path == "" {
			return fmt.Errorf("store.driver %q requires store.path", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	switch c.Providers.Default {
	case "ollama", "anthropic":
	default:
		return fmt.Errorf("unknown providers.default %q", c.Providers.Default)
	}
	if c.Steps.MaxDepth < 1 {
		return fmt.Errorf("steps.max_depth must be at least 1")
	}
	for i, s := range c.Beat.Schedules {
		if s.Spec == "" || s.Template == "" {
			return fmt.Errorf("beat.schedules[%d]: spec and template are required", i)
		}
		if s.Priority != 0 && !models.ValidPriority(s.Priority) {
			return fmt.Errorf("beat.schedules[%d]: priority %d out of range", i, s.Priority)
		}
	}
	return nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("templates.dir", d.Templates.Dir)
	v.SetDefault("templates.watch", d.Templates.Watch)
	v.SetDefault("templates.debounce", d.Templates.Debounce.String())

	v.SetDefault("workers.pool_size", d.Workers.PoolSize)

	v.SetDefault("dispatch.mode", d.Dispatch.Mode)
	v.SetDefault("dispatch.retry_backoff", d.Dispatch.RetryBackoff.String())

	v.SetDefault("scheduler.cascade_failures", d.Scheduler.CascadeFailures)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.path", d.Store.Path)

	v.SetDefault("redis.url", d.Redis.URL)
	v.SetDefault("redis.key_prefix", d.Redis.KeyPrefix)
	v.SetDefault("redis.dispatch_queue", d.Redis.DispatchQueue)
	v.SetDefault("redis.reports_queue", d.Redis.ReportsQueue)
	v.SetDefault("redis.task_ttl", d.Redis.TaskTTL.String())

	v.SetDefault("providers.default", d.Providers.Default)
	v.SetDefault("providers.ollama.base_url", d.Providers.Ollama.BaseURL)
	v.SetDefault("providers.ollama.model", d.Providers.Ollama.Model)
	v.SetDefault("providers.ollama.timeout", d.Providers.Ollama.Timeout.String())
	v.SetDefault("providers.anthropic.api_key", "")
	v.SetDefault("providers.anthropic.model", d.Providers.Anthropic.Model)
	v.SetDefault("providers.anthropic.use_bedrock", false)
	v.SetDefault("providers.anthropic.aws_region", "")
	v.SetDefault("providers.anthropic.aws_profile", "")

	v.SetDefault("steps.max_depth", d.Steps.MaxDepth)
	v.SetDefault("steps.http_timeout", d.Steps.HTTPTimeout.String())
	v.SetDefault("steps.shell_enabled", d.Steps.ShellEnabled)
	v.SetDefault("steps.shell_timeout", d.Steps.ShellTimeout.String())

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.path", d.Logging.Path)

	v.SetDefault("tui.refresh_rate", d.TUI.RefreshRate.String())
}

// getUserConfigDir returns the XDG config directory for orchestra.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "orchestra")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "orchestra")
	}
	return filepath.Join(home, ".config", "orchestra")
}

// findProjectConfig searches for .orchestra.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		configPath := filepath.Join(cwd, ".orchestra.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return ""
		}
		cwd = parent
	}
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Templates: TemplatesConfig{
			Dir:      "templates",
			Watch:    true,
			Debounce: 250 * time.Millisecond,
		},
		Workers:   WorkersConfig{PoolSize: 4},
		Dispatch:  DispatchConfig{Mode: ModeLocal, RetryBackoff: time.Second},
		Scheduler: SchedulerConfig{CascadeFailures: true},
		Store:     StoreConfig{Driver: DriverMemory},
		Redis: RedisConfig{
			URL:           "",
			KeyPrefix:     "orchestra",
			DispatchQueue: "orchestra:dispatch",
			ReportsQueue:  "orchestra:reports",
			TaskTTL:       time.Hour,
		},
		Providers: ProvidersConfig{
			Default: "ollama",
			Ollama: OllamaConfig{
				BaseURL: "http://localhost:11434",
				Model:   "llama3",
				Timeout: 60 * time.Second,
			},
			Anthropic: AnthropicConfig{Model: "claude-sonnet-4-20250514"},
		},
		Steps: StepsConfig{
			MaxDepth:     8,
			HTTPTimeout:  30 * time.Second,
			ShellEnabled: true,
			ShellTimeout: 5 * time.Minute,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		TUI:     TUIConfig{RefreshRate: 250 * time.Millisecond},
	}
}
