package models

import (
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

const summarizeDoc = `
name: summarize
description: Fetch a page and summarize it
parameters:
  - name: url
    type: string
    required: true
  - name: words
    type: integer
steps:
  - name: fetch
    type: http-call
    url: "{{ .params.url }}"
    timeout: 10s
  - type: generate-text
    model: llama3
    prompt: "Summarize in {{ .params.words }} words: {{ .steps.fetch.body }}"
`

func TestTemplate_UnmarshalAndValidate(t *testing.T) {
	var tpl Template
	if err := yaml.Unmarshal([]byte(summarizeDoc), &tpl); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := tpl.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if len(tpl.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(tpl.Steps))
	}
	call, ok := tpl.Steps[0].Config.(*HTTPCallStep)
	if !ok {
		t.Fatalf("step 0 config is %T, want *HTTPCallStep", tpl.Steps[0].Config)
	}
	if call.Timeout != 10*time.Second {
		t.Errorf("timeout = %v, want 10s", call.Timeout)
	}
	if tpl.Steps[1].Name != "step_2" {
		t.Errorf("default step name = %q, want step_2", tpl.Steps[1].Name)
	}
	if tpl.Steps[1].Kind() != StepGenerateText {
		t.Errorf("kind = %q", tpl.Steps[1].Kind())
	}
}

func TestStepSpec_KindDiscriminator(t *testing.T) {
	var s StepSpec
	if err := yaml.Unmarshal([]byte("kind: render\ntext: hello\n"), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s.Kind() != StepRender {
		t.Errorf("kind = %q, want render", s.Kind())
	}
}

func TestStepSpec_UnknownKind(t *testing.T) {
	var s StepSpec
	err := yaml.Unmarshal([]byte("type: teleport\n"), &s)
	if err == nil || !strings.Contains(err.Error(), "unknown step type") {
		t.Fatalf("expected unknown step type error, got %v", err)
	}
}

func TestTemplate_ValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"no name", "steps: [{type: render, text: x}]", "name is required"},
		{"no steps", "name: a", "no steps"},
		{"duplicate parameter", "name: a\nparameters: [{name: x}, {name: x}]\nsteps: [{type: render, text: x}]", "duplicate parameter"},
		{"bad type tag", "name: a\nparameters: [{name: x, type: blob}]\nsteps: [{type: render, text: x}]", "unknown type"},
		{"empty prompt", "name: a\nsteps: [{type: generate-text}]", "prompt is required"},
		{"duplicate step", "name: a\nsteps: [{name: s, type: render, text: x}, {name: s, type: render, text: y}]", "duplicate step"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var tpl Template
			if err := yaml.Unmarshal([]byte(tt.doc), &tpl); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			err := tpl.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestParamType_Accepts(t *testing.T) {
	tests := []struct {
		typ  ParamType
		v    any
		want bool
	}{
		{ParamString, "x", true},
		{ParamString, 1, false},
		{ParamInteger, 3, true},
		{ParamInteger, float64(3), true},
		{ParamInteger, 3.5, false},
		{ParamNumber, 3.5, true},
		{ParamBoolean, true, true},
		{ParamArray, []any{1}, true},
		{ParamObject, map[string]any{}, true},
		{ParamObject, "x", false},
		{"", struct{}{}, true},
	}

	for _, tt := range tests {
		if got := tt.typ.Accepts(tt.v); got != tt.want {
			t.Errorf("%q.Accepts(%#v) = %v, want %v", tt.typ, tt.v, got, tt.want)
		}
	}
}
