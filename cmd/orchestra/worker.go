package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/orchestra/internal/orchestra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Execute tasks dispatched over Redis",
	Long: `Run a worker process for a scheduler in remote dispatch mode.

The worker pops dispatch messages from redis.dispatch_queue, runs them on
its own pool of workers.pool_size goroutines and pushes each outcome to
redis.reports_queue. It must see the same template directory as the
scheduler.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := setupLogging(cfg, false)
		if err != nil {
			return err
		}
		w, err := orchestra.NewWorker(cfg, orchestra.WithWorkerOptions(orchestra.WithLogger(logger)))
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}
