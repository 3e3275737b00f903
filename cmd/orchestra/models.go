package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/orchestra/internal/llm"
)

var modelsPull string

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List or pull Ollama models",
	Long: `List the models available on the configured Ollama server.

With --pull, download the model first if the server does not have it.
Pulls can take several minutes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := setupLogging(cfg, false)
		if err != nil {
			return err
		}
		oc := cfg.Providers.Ollama
		client := llm.NewOllama(llm.OllamaConfig{
			BaseURL: oc.BaseURL,
			Model:   oc.Model,
			Timeout: 30 * time.Minute,
		}, logger.WithComponent("ollama"))

		ctx, cancel := signalContext()
		defer cancel()

		if modelsPull != "" {
			fmt.Printf("Ensuring %s is available...\n", modelsPull)
			if err := client.EnsureModel(ctx, modelsPull); err != nil {
				return fmt.Errorf("pull %s: %w", modelsPull, err)
			}
			color.Green("✓ %s ready", modelsPull)
		}
		return listModels(ctx, client, oc.Model)
	},
}

func init() {
	modelsCmd.Flags().StringVar(&modelsPull, "pull", "", "Model to pull if missing")
}

func listModels(ctx context.Context, client *llm.Ollama, defaultModel string) error {
	models, err := client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	if len(models) == 0 {
		fmt.Println("No models installed.")
		return nil
	}
	for _, m := range models {
		marker := " "
		if m.Name == defaultModel {
			marker = color.GreenString("*")
		}
		fmt.Printf("%s %-32s %8s  %s\n", marker, m.Name, formatSize(m.Size), m.ModifiedAt)
	}
	return nil
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(n)/float64(div), "KMGTPE"[exp])
}
