package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/orchestra/internal/store"
	"github.com/ShayCichocki/orchestra/pkg/models"
)

// batchFile is the document accepted by run -f:
//
//	tasks:
//	  - ref: fetch
//	    template: http-fetch
//	    parameters: {url: https://example.com}
//	  - template: summarize
//	    priority: 8
//	    depends_on: [fetch]
//
// depends_on entries name an earlier ref in the same file or the ID of an
// existing task.
type batchFile struct {
	Tasks []batchTask `yaml:"tasks"`
}

type batchTask struct {
	Ref        string         `yaml:"ref"`
	Template   string         `yaml:"template"`
	Parameters map[string]any `yaml:"parameters"`
	Priority   int            `yaml:"priority"`
	DependsOn  []string       `yaml:"depends_on"`
}

// Creator submits tasks.
type Creator interface {
	CreateTask(ctx context.Context, req store.CreateRequest) (*models.Task, error)
}

func loadBatch(path string) ([]batchTask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return parseBatch(data)
}

func parseBatch(data []byte) ([]batchTask, error) {
	var f batchFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse batch: %w", err)
	}
	seen := make(map[string]bool)
	for i, t := range f.Tasks {
		if t.Template == "" {
			return nil, fmt.Errorf("tasks[%d]: template is required", i)
		}
		for _, dep := range t.DependsOn {
			if dep == t.Ref && dep != "" {
				return nil, fmt.Errorf("tasks[%d]: %q depends on itself", i, t.Ref)
			}
		}
		if t.Ref == "" {
			continue
		}
		if seen[t.Ref] {
			return nil, fmt.Errorf("tasks[%d]: duplicate ref %q", i, t.Ref)
		}
		seen[t.Ref] = true
	}
	return f.Tasks, nil
}

// submitBatch creates tasks in file order, resolving refs to the IDs of
// tasks created earlier in the batch. It stops at the first rejection and
// returns the tasks created so far.
func submitBatch(ctx context.Context, c Creator, batch []batchTask) ([]*models.Task, error) {
	ids := make(map[string]string, len(batch))
	created := make([]*models.Task, 0, len(batch))
	for i, t := range batch {
		deps := make([]string, 0, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			if id, ok := ids[dep]; ok {
				dep = id
			}
			deps = append(deps, dep)
		}
		task, err := c.CreateTask(ctx, store.CreateRequest{
			Template:   t.Template,
			Parameters: t.Parameters,
			Priority:   t.Priority,
			DependsOn:  deps,
		})
		if err != nil {
			label := t.Ref
			if label == "" {
				label = fmt.Sprintf("tasks[%d]", i)
			}
			return created, fmt.Errorf("%s (%s): %w", label, t.Template, err)
		}
		if t.Ref != "" {
			ids[t.Ref] = task.ID
		}
		created = append(created, task)
	}
	return created, nil
}

// parseParams turns key=value arguments into parameters. Values are read
// as YAML scalars, so numbers and booleans keep their type; quote a value
// to force a string.
func parseParams(args []string) (map[string]any, error) {
	params := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, want key=value", arg)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		switch v.(type) {
		case nil, map[string]any, []any:
			v = raw
		}
		params[key] = v
	}
	return params, nil
}
