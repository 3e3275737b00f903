package models

import (
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Template is a named, reusable definition of a unit of work.
type Template struct {
	Name        string          `yaml:"name" json:"name"`
	Description string          `yaml:"description" json:"description"`
	Parameters  []ParameterSpec `yaml:"parameters" json:"parameters"`
	Steps       []StepSpec      `yaml:"steps" json:"steps"`

	// Source is the file the template was loaded from.
	Source string `yaml:"-" json:"source,omitempty"`
}

// Parameter returns the spec for name, if declared.
func (t *Template) Parameter(name string) (ParameterSpec, bool) {
	for _, p := range t.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return ParameterSpec{}, false
}

// SubTemplates returns the names of templates referenced by sub-template steps.
func (t *Template) SubTemplates() []string {
	var names []string
	for _, s := range t.Steps {
		if sub, ok := s.Config.(*SubTemplateStep); ok {
			names = append(names, sub.Template)
		}
	}
	return names
}

// Validate checks the structural rules every loaded template must satisfy and
// fills in default step names.
func (t *Template) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("template name is required")
	}
	seen := make(map[string]bool, len(t.Parameters))
	for _, p := range t.Parameters {
		if p.Name == "" {
			return fmt.Errorf("parameter name is required")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate parameter %q", p.Name)
		}
		seen[p.Name] = true
		if !p.Type.Valid() {
			return fmt.Errorf("parameter %q: unknown type %q", p.Name, p.Type)
		}
	}
	if len(t.Steps) == 0 {
		return fmt.Errorf("template %q has no steps", t.Name)
	}
	steps := make(map[string]bool, len(t.Steps))
	for i := range t.Steps {
		s := &t.Steps[i]
		if s.Name == "" {
			s.Name = fmt.Sprintf("step_%d", i+1)
		}
		if steps[s.Name] {
			return fmt.Errorf("duplicate step name %q", s.Name)
		}
		steps[s.Name] = true
		if s.Config == nil {
			return fmt.Errorf("step %q has no configuration", s.Name)
		}
		if err := s.Config.Validate(); err != nil {
			return fmt.Errorf("step %q: %w", s.Name, err)
		}
	}
	return nil
}

// ParamType is the declared type tag of a template parameter.
type ParamType string

const (
	ParamAny     ParamType = "any"
	ParamString  ParamType = "string"
	ParamInteger ParamType = "integer"
	ParamNumber  ParamType = "number"
	ParamBoolean ParamType = "boolean"
	ParamArray   ParamType = "array"
	ParamObject  ParamType = "object"
)

// Valid returns true for known type tags. The empty tag means any.
func (p ParamType) Valid() bool {
	switch p {
	case "", ParamAny, ParamString, ParamInteger, ParamNumber, ParamBoolean, ParamArray, ParamObject:
		return true
	default:
		return false
	}
}

// Accepts reports whether v is an acceptable value for the type tag.
func (p ParamType) Accepts(v any) bool {
	switch p {
	case "", ParamAny:
		return true
	case ParamString:
		_, ok := v.(string)
		return ok
	case ParamBoolean:
		_, ok := v.(bool)
		return ok
	case ParamInteger:
		switch n := v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		case float32:
			return float64(n) == math.Trunc(float64(n))
		case float64:
			return n == math.Trunc(n)
		}
		return false
	case ParamNumber:
		switch v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
			return true
		}
		return false
	case ParamArray:
		switch v.(type) {
		case []any, []string:
			return true
		}
		return false
	case ParamObject:
		_, ok := v.(map[string]any)
		return ok
	}
	return false
}

// ParameterSpec declares one parameter a template accepts.
type ParameterSpec struct {
	Name        string    `yaml:"name" json:"name"`
	Type        ParamType `yaml:"type" json:"type"`
	Required    bool      `yaml:"required" json:"required"`
	Description string    `yaml:"description" json:"description,omitempty"`
}

// StepKind names a step variant.
type StepKind string

const (
	StepGenerateText StepKind = "generate-text"
	StepHTTPCall     StepKind = "http-call"
	StepShell        StepKind = "shell"
	StepSubTemplate  StepKind = "sub-template"
	StepRender       StepKind = "render"
)

// StepKinds lists every supported step kind.
func StepKinds() []StepKind {
	return []StepKind{StepGenerateText, StepHTTPCall, StepShell, StepSubTemplate, StepRender}
}

// Valid reports whether k is a supported kind.
func (k StepKind) Valid() bool {
	for _, known := range StepKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// StepConfig is the kind-specific body of a step. The set of implementations
// is closed to this package.
type StepConfig interface {
	Kind() StepKind
	Validate() error
	sealed()
}

// StepSpec is one ordered step of a template.
type StepSpec struct {
	Name   string
	Config StepConfig
}

// Kind returns the step's kind, or "" when unconfigured.
func (s StepSpec) Kind() StepKind {
	if s.Config == nil {
		return ""
	}
	return s.Config.Kind()
}

// UnmarshalYAML reads the kind discriminator from "type" (or "kind") and
// decodes the rest of the mapping into the matching config.
func (s *StepSpec) UnmarshalYAML(node *yaml.Node) error {
	var head struct {
		Name string `yaml:"name"`
		Type string `yaml:"type"`
		Kind string `yaml:"kind"`
	}
	if err := node.Decode(&head); err != nil {
		return err
	}
	kind := StepKind(head.Type)
	if kind == "" {
		kind = StepKind(head.Kind)
	}

	var cfg StepConfig
	switch kind {
	case StepGenerateText:
		cfg = &GenerateTextStep{}
	case StepHTTPCall:
		cfg = &HTTPCallStep{}
	case StepShell:
		cfg = &ShellStep{}
	case StepSubTemplate:
		cfg = &SubTemplateStep{}
	case StepRender:
		cfg = &RenderStep{}
	case "":
		return fmt.Errorf("line %d: step is missing a type", node.Line)
	default:
		return fmt.Errorf("line %d: unknown step type %q", node.Line, kind)
	}
	if err := node.Decode(cfg); err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	s.Name = head.Name
	s.Config = cfg
	return nil
}

// MarshalYAML writes the step back in document form.
func (s StepSpec) MarshalYAML() (any, error) {
	var body yaml.Node
	if err := body.Encode(s.Config); err != nil {
		return nil, err
	}
	head := []*yaml.Node{
		{Kind: yaml.ScalarNode, Value: "name"}, {Kind: yaml.ScalarNode, Value: s.Name},
		{Kind: yaml.ScalarNode, Value: "type"}, {Kind: yaml.ScalarNode, Value: string(s.Kind())},
	}
	body.Content = append(head, body.Content...)
	return &body, nil
}

// GenerateTextStep asks a generative model for text.
type GenerateTextStep struct {
	// Provider selects the model client ("ollama", "anthropic"); empty uses the default.
	Provider  string `yaml:"provider,omitempty"`
	Model     string `yaml:"model,omitempty"`
	Prompt    string `yaml:"prompt"`
	System    string `yaml:"system,omitempty"`
	MaxTokens int    `yaml:"max_tokens,omitempty"`
}

func (*GenerateTextStep) Kind() StepKind { return StepGenerateText }
func (*GenerateTextStep) sealed()        {}

func (g *GenerateTextStep) Validate() error {
	if strings.TrimSpace(g.Prompt) == "" {
		return fmt.Errorf("prompt is required")
	}
	if g.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must not be negative")
	}
	return nil
}

// HTTPCallStep performs an HTTP request.
type HTTPCallStep struct {
	Method  string            `yaml:"method,omitempty"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Body    string            `yaml:"body,omitempty"`
	// ExpectStatus lists accepted status codes; empty accepts any 2xx.
	ExpectStatus []int         `yaml:"expect_status,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
}

func (*HTTPCallStep) Kind() StepKind { return StepHTTPCall }
func (*HTTPCallStep) sealed()        {}

func (h *HTTPCallStep) Validate() error {
	if strings.TrimSpace(h.URL) == "" {
		return fmt.Errorf("url is required")
	}
	switch strings.ToUpper(h.Method) {
	case "", http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead:
	default:
		return fmt.Errorf("unsupported method %q", h.Method)
	}
	return nil
}

// ShellStep runs a command through the shell.
type ShellStep struct {
	Command      string            `yaml:"command"`
	WorkDir      string            `yaml:"workdir,omitempty"`
	Env          map[string]string `yaml:"env,omitempty"`
	Timeout      time.Duration     `yaml:"timeout,omitempty"`
	AllowFailure bool              `yaml:"allow_failure,omitempty"`
}

func (*ShellStep) Kind() StepKind { return StepShell }
func (*ShellStep) sealed()        {}

func (s *ShellStep) Validate() error {
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("command is required")
	}
	return nil
}

// SubTemplateStep runs another template's steps inline.
type SubTemplateStep struct {
	Template   string         `yaml:"template"`
	Parameters map[string]any `yaml:"parameters,omitempty"`
}

func (*SubTemplateStep) Kind() StepKind { return StepSubTemplate }
func (*SubTemplateStep) sealed()        {}

func (s *SubTemplateStep) Validate() error {
	if strings.TrimSpace(s.Template) == "" {
		return fmt.Errorf("template is required")
	}
	return nil
}

// RenderStep renders a text template against the accumulated context.
type RenderStep struct {
	Text string `yaml:"text"`
}

func (*RenderStep) Kind() StepKind { return StepRender }
func (*RenderStep) sealed()        {}

func (r *RenderStep) Validate() error {
	if r.Text == "" {
		return fmt.Errorf("text is required")
	}
	return nil
}
