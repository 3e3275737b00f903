package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/orchestra/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Display configuration after merging defaults, the user config, the
project config and environment variables.

Configuration is stored at ~/.config/orchestra/config.yaml
Project-specific overrides can be placed in .orchestra.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		displayAllConfig(cfg)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file locations",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("user:    %s\n", config.GetUserConfigPath())
		project := config.GetProjectConfigPath()
		if project == "" {
			project = "(none)"
		}
		fmt.Printf("project: %s\n", project)
	},
}

func init() {
	configCmd.AddCommand(configPathCmd)
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	apiKey := "(not set)"
	if key, err := config.AnthropicAPIKey(cfg); err == nil {
		apiKey = config.MaskKey(key)
	}

	fmt.Printf("templates.dir: %s\n", cfg.Templates.Dir)
	fmt.Printf("templates.watch: %t\n", cfg.Templates.Watch)
	fmt.Printf("templates.debounce: %s\n", cfg.Templates.Debounce)
	fmt.Printf("workers.pool_size: %d\n", cfg.Workers.PoolSize)
	fmt.Printf("dispatch.mode: %s\n", cfg.Dispatch.Mode)
	fmt.Printf("dispatch.retry_backoff: %s\n", cfg.Dispatch.RetryBackoff)
	fmt.Printf("scheduler.cascade_failures: %t\n", cfg.Scheduler.CascadeFailures)
	fmt.Printf("store.driver: %s\n", cfg.Store.Driver)
	fmt.Printf("store.path: %s\n", cfg.Store.Path)
	fmt.Printf("redis.url: %s\n", cfg.Redis.URL)
	fmt.Printf("redis.key_prefix: %s\n", cfg.Redis.KeyPrefix)
	fmt.Printf("providers.default: %s\n", cfg.Providers.Default)
	fmt.Printf("providers.ollama.base_url: %s\n", cfg.Providers.Ollama.BaseURL)
	fmt.Printf("providers.ollama.model: %s\n", cfg.Providers.Ollama.Model)
	fmt.Printf("providers.anthropic.api_key: %s\n", apiKey)
	fmt.Printf("providers.anthropic.model: %s\n", cfg.Providers.Anthropic.Model)
	fmt.Printf("providers.anthropic.use_bedrock: %t\n", cfg.Providers.Anthropic.UseBedrock)
	fmt.Printf("steps.max_depth: %d\n", cfg.Steps.MaxDepth)
	fmt.Printf("steps.http_timeout: %s\n", cfg.Steps.HTTPTimeout)
	fmt.Printf("steps.shell_enabled: %t\n", cfg.Steps.ShellEnabled)
	fmt.Printf("steps.shell_timeout: %s\n", cfg.Steps.ShellTimeout)
	fmt.Printf("logging.level: %s\n", cfg.Logging.Level)
	fmt.Printf("logging.format: %s\n", cfg.Logging.Format)
	fmt.Printf("logging.path: %s\n", cfg.Logging.Path)
	fmt.Printf("tui.refresh_rate: %s\n", cfg.TUI.RefreshRate)
	for _, s := range cfg.Beat.Schedules {
		fmt.Printf("beat.schedule: %s %q -> %s\n", s.Name, s.Spec, s.Template)
	}
}
