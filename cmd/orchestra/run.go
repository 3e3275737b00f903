package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/orchestra/internal/orchestra"
	"github.com/ShayCichocki/orchestra/internal/store"
	"github.com/ShayCichocki/orchestra/internal/tui"
	"github.com/ShayCichocki/orchestra/pkg/models"
)

var (
	runFile     string
	runPriority int
	runAfter    []string
	runWatch    bool
	runServe    bool
)

var runCmd = &cobra.Command{
	Use:   "run [template] [key=value...]",
	Short: "Submit tasks and run them to completion",
	Long: `Submit one task from the command line, or a batch from a YAML file, and
run the scheduler until every submitted task has finished.

Parameters are key=value pairs; values are parsed as YAML scalars, so
count=3 is an integer and flag=true a boolean.

Examples:
  orchestra run summarize url=https://example.com
  orchestra run greet name=Ada --priority 9
  orchestra run -f batch.yaml --watch
  orchestra run --serve`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "Batch file with a list of tasks")
	runCmd.Flags().IntVar(&runPriority, "priority", 0, "Task priority 1-10 (default 5)")
	runCmd.Flags().StringSliceVar(&runAfter, "after", nil, "Task IDs the task depends on")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "Show the interactive task view")
	runCmd.Flags().BoolVar(&runServe, "serve", false, "Keep running after submitted tasks finish (beat schedules, remote reports)")
}

func runRun(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && runFile == "" && !runServe && !runWatch {
		return errors.New("nothing to run: give a template name, -f, --watch or --serve")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := setupLogging(cfg, runWatch)
	if err != nil {
		return err
	}

	var batch []batchTask
	if runFile != "" {
		if batch, err = loadBatch(runFile); err != nil {
			return err
		}
	}
	if len(args) > 0 {
		params, err := parseParams(args[1:])
		if err != nil {
			return err
		}
		batch = append(batch, batchTask{
			Template:   args[0],
			Parameters: params,
			Priority:   runPriority,
			DependsOn:  runAfter,
		})
	}

	opts := []orchestra.Option{orchestra.WithLogger(logger)}
	var events chan store.Event
	if runWatch {
		events = make(chan store.Event, 256)
		opts = append(opts, orchestra.WithEventHandler(tui.Forward(events)))
	}
	orch, err := orchestra.New(cfg, opts...)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	if err := orch.Start(ctx); err != nil {
		orch.Stop()
		return err
	}
	defer func() {
		if err := orch.Stop(); err != nil && !errors.Is(err, orchestra.ErrStopped) {
			logger.Warnf("stop: %v", err)
		}
	}()

	created, err := submitBatch(ctx, orch, batch)
	for _, t := range created {
		fmt.Printf("%s %s %s (priority %d)\n", color.CyanString("queued"), t.ID, t.TemplateName, t.Priority)
	}
	if err != nil {
		return err
	}

	switch {
	case runWatch:
		p, _ := tui.NewProgram(orch, events, cfg.TUI.RefreshRate)
		go func() {
			<-ctx.Done()
			p.Quit()
		}()
		_, err := p.Run()
		return err
	case runServe:
		fmt.Println("Serving. Press Ctrl+C to stop.")
		<-ctx.Done()
		return nil
	}
	return waitAll(ctx, orch, created)
}

// waitAll blocks until every task is terminal and prints its outcome.
func waitAll(ctx context.Context, orch *orchestra.Orchestra, tasks []*models.Task) error {
	failed := 0
	for _, t := range tasks {
		done, err := orch.WaitTask(ctx, t.ID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return errors.New("interrupted")
			}
			return err
		}
		printOutcome(done)
		if done.Status != models.TaskStatusCompleted {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tasks did not complete", failed, len(tasks))
	}
	return nil
}

func printOutcome(t *models.Task) {
	var elapsed string
	if t.StartedAt != nil && t.CompletedAt != nil {
		elapsed = " in " + t.CompletedAt.Sub(*t.StartedAt).Round(time.Millisecond).String()
	}
	switch t.Status {
	case models.TaskStatusCompleted:
		color.Green("completed %s %s%s", t.ID, t.TemplateName, elapsed)
		if out, ok := t.Result["output"]; ok {
			fmt.Println(indent(fmt.Sprint(out)))
		}
	case models.TaskStatusCancelled:
		color.Yellow("cancelled %s %s: %s", t.ID, t.TemplateName, t.Error)
	default:
		color.Red("%s %s %s%s: %s", t.Status, t.ID, t.TemplateName, elapsed, t.Error)
	}
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(strings.TrimRight(s, "\n"), "\n", "\n  ")
}
