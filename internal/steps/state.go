package steps

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

// State is the context accumulated while a task runs. Templated step fields
// see it as {{ .params.<name> }} and {{ .steps.<step>.<field> }}.
type State struct {
	Params map[string]any
	Steps  map[string]any
	// Last is the output of the most recent step.
	Last  any
	depth int
}

// NewState creates the state for a top-level run.
func NewState(params map[string]any) *State {
	if params == nil {
		params = map[string]any{}
	}
	return &State{Params: params, Steps: map[string]any{}}
}

// Depth returns the sub-template nesting level, zero at top level.
func (s *State) Depth() int { return s.depth }

func (s *State) record(step string, out any) {
	s.Steps[step] = out
	s.Last = out
}

func (s *State) data() map[string]any {
	return map[string]any{
		"params": s.Params,
		"steps":  s.Steps,
		"last":   s.Last,
	}
}

var funcs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"trim":  strings.TrimSpace,
	"join": func(sep string, v any) string {
		switch items := v.(type) {
		case []string:
			return strings.Join(items, sep)
		case []any:
			parts := make([]string, len(items))
			for i, it := range items {
				parts[i] = fmt.Sprint(it)
			}
			return strings.Join(parts, sep)
		}
		return fmt.Sprint(v)
	},
	"default": func(def, v any) any {
		if v == nil || v == "" {
			return def
		}
		return v
	},
}

// Render expands text against the state. Referencing an unknown key is an
// error.
func (s *State) Render(text string) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	tpl, err := template.New("step").Funcs(funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, s.data()); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}

// renderValue renders every string inside v, walking maps and slices.
func (s *State) renderValue(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return s.Render(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := s.renderValue(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := s.renderValue(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func (s *State) renderMap(m map[string]string) (map[string]string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		r, err := s.Render(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = r
	}
	return out, nil
}
