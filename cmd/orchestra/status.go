package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/orchestra/internal/config"
	"github.com/ShayCichocki/orchestra/internal/state"
	"github.com/ShayCichocki/orchestra/pkg/models"
)

var (
	statusFilter string
	statusLimit  int
)

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show persisted task state",
	Long: `Display tasks from the SQLite store configured by store.path.

Without arguments, shows per-status counts and the most recent tasks.
With a task ID, shows that task in full.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Requeue tasks left running by a crashed process",
	Long: `Repair the SQLite store after an unclean shutdown without starting the
scheduler. Running tasks with a pending cancel are marked cancelled; the
rest are put back in the queue.

Starting orchestra against the same store does this automatically.`,
	RunE: runRecover,
}

func init() {
	statusCmd.Flags().StringVar(&statusFilter, "filter", "", "Only show tasks with this status")
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 20, "Number of recent tasks to show")
}

// openStore opens the configured SQLite store. A nil DB with nil error
// means there is nothing on disk to show.
func openStore() (*state.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Store.Driver == config.DriverMemory {
		return nil, errors.New("store.driver is memory; nothing is persisted")
	}
	if _, err := os.Stat(cfg.Store.Path); os.IsNotExist(err) {
		return nil, nil
	}
	db, err := state.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	if db == nil {
		fmt.Println("No tasks yet. Run 'orchestra run <template>' to start.")
		return nil
	}
	defer db.Close()

	if len(args) == 1 {
		t, err := db.GetTask(args[0])
		if err != nil {
			return err
		}
		displayTask(t)
		return nil
	}

	counts, err := db.CountByStatus()
	if err != nil {
		return fmt.Errorf("count tasks: %w", err)
	}
	displayCounts(counts)

	f := state.TaskFilter{Status: models.TaskStatus(statusFilter), Limit: statusLimit}
	if f.Status != "" && !f.Status.Valid() {
		return fmt.Errorf("unknown status %q", statusFilter)
	}
	tasks, err := db.ListTasks(f)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil
	}
	fmt.Println()
	fmt.Println("Recent tasks:")
	for _, t := range tasks {
		fmt.Printf("  %s  %-20s %s  p%-2d %s\n",
			t.ID, t.TemplateName, statusColor(t.Status).Sprintf("%-9s", t.Status), t.Priority,
			formatAgo(t.CreatedAt))
	}
	return nil
}

func runRecover(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	if db == nil {
		fmt.Println("No store found; nothing to recover.")
		return nil
	}
	defer db.Close()

	rm := state.NewRecoveryManager(db)
	run, err := rm.CheckForInterrupted()
	if err != nil {
		return err
	}
	if run == nil {
		color.Green("No interrupted tasks.")
		return nil
	}
	fmt.Printf("Found %d interrupted task(s), last activity %s\n", len(run.TaskIDs), formatAgo(run.LastActivity))
	requeued, cancelled, err := rm.RequeueInterrupted()
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	color.Green("Requeued %d, cancelled %d", requeued, cancelled)
	return nil
}

func displayCounts(counts map[models.TaskStatus]int) {
	total := 0
	parts := make([]string, 0, 5)
	for _, st := range []models.TaskStatus{
		models.TaskStatusQueued,
		models.TaskStatusRunning,
		models.TaskStatusCompleted,
		models.TaskStatusFailed,
		models.TaskStatusCancelled,
	} {
		total += counts[st]
		parts = append(parts, statusColor(st).Sprintf("%s %d", st, counts[st]))
	}
	fmt.Printf("Tasks: %d (%s)\n", total, strings.Join(parts, ", "))
}

func displayTask(t *models.Task) {
	bold := color.New(color.Bold)
	bold.Printf("Task %s\n", t.ID)
	fmt.Printf("  Template:  %s\n", t.TemplateName)
	fmt.Printf("  Status:    %s\n", statusColor(t.Status).Sprint(t.Status))
	fmt.Printf("  Priority:  %d\n", t.Priority)
	fmt.Printf("  Created:   %s\n", t.CreatedAt.Format(time.RFC3339))
	if t.StartedAt != nil {
		fmt.Printf("  Started:   %s\n", t.StartedAt.Format(time.RFC3339))
	}
	if t.CompletedAt != nil {
		fmt.Printf("  Completed: %s\n", t.CompletedAt.Format(time.RFC3339))
	}
	if len(t.DependsOn) > 0 {
		fmt.Printf("  Depends:   %s\n", strings.Join(t.DependsOn, ", "))
	}
	if t.CancelRequested {
		fmt.Println("  Cancel requested")
	}
	if len(t.Parameters) > 0 {
		fmt.Println("  Parameters:")
		for k, v := range t.Parameters {
			fmt.Printf("    %s: %v\n", k, v)
		}
	}
	if t.Error != "" {
		color.Red("  Error: %s", t.Error)
	}
	if out, ok := t.Result["output"]; ok {
		fmt.Println("  Output:")
		fmt.Println(indent(indent(fmt.Sprint(out))))
	}
}

func statusColor(st models.TaskStatus) *color.Color {
	switch st {
	case models.TaskStatusRunning:
		return color.New(color.FgCyan)
	case models.TaskStatusCompleted:
		return color.New(color.FgGreen)
	case models.TaskStatusFailed:
		return color.New(color.FgRed)
	case models.TaskStatusCancelled:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgWhite)
	}
}

func formatAgo(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("2006-01-02 15:04")
	}
}
