package steps

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ShayCichocki/orchestra/internal/exec"
	"github.com/ShayCichocki/orchestra/internal/llm"
	"github.com/ShayCichocki/orchestra/pkg/models"
)

type fakeGenerator struct {
	name    string
	prompts []string
}

func (f *fakeGenerator) Name() string { return f.name }

func (f *fakeGenerator) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	f.prompts = append(f.prompts, req.Prompt)
	return &llm.Response{Text: strings.ToUpper(req.Prompt), Model: "fake", InputTokens: 1, OutputTokens: 1}, nil
}

type fakeRunner struct {
	scripts []string
	result  *exec.Result
	err     error
}

func (f *fakeRunner) Run(ctx context.Context, c exec.Command, name string, args ...string) (*exec.Result, error) {
	return f.RunShell(ctx, c, name)
}

func (f *fakeRunner) RunShell(_ context.Context, _ exec.Command, script string) (*exec.Result, error) {
	f.scripts = append(f.scripts, script)
	if f.result == nil {
		return &exec.Result{Stdout: script}, f.err
	}
	return f.result, f.err
}

type templateMap map[string]*models.Template

func (m templateMap) Get(name string) (*models.Template, error) {
	if t, ok := m[name]; ok {
		return t, nil
	}
	return nil, models.Errorf(models.ErrNotFound, "template %q", name)
}

func tpl(name string, params []models.ParameterSpec, steps ...models.StepSpec) *models.Template {
	t := &models.Template{Name: name, Parameters: params, Steps: steps}
	if err := t.Validate(); err != nil {
		panic(err)
	}
	return t
}

func render(name, text string) models.StepSpec {
	return models.StepSpec{Name: name, Config: &models.RenderStep{Text: text}}
}

func setupExecutor(t *testing.T, tpls templateMap, opts ...Option) *Executor {
	t.Helper()
	return New(DefaultConfig(), tpls, opts...)
}

func TestRun_AccumulatesState(t *testing.T) {
	gen := &fakeGenerator{name: "fake"}
	providers := llm.NewProviders("fake")
	providers.Register(gen)
	e := setupExecutor(t, nil, WithProviders(providers))

	task := tpl("greet", []models.ParameterSpec{{Name: "who", Type: models.ParamString}},
		render("hello", "hello {{ .params.who }}"),
		models.StepSpec{Name: "shout", Config: &models.GenerateTextStep{Prompt: "{{ .steps.hello }}"}},
		render("final", "{{ .steps.shout.text }}!"),
	)

	result, err := e.Run(context.Background(), task, map[string]any{"who": "world"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result["output"] != "HELLO WORLD!" {
		t.Errorf("output = %v", result["output"])
	}
	steps := result["steps"].(map[string]any)
	if steps["hello"] != "hello world" {
		t.Errorf("steps.hello = %v", steps["hello"])
	}
	if len(gen.prompts) != 1 || gen.prompts[0] != "hello world" {
		t.Errorf("prompts = %v", gen.prompts)
	}
}

func TestRun_StopsAtFirstFailure(t *testing.T) {
	runner := &fakeRunner{}
	e := setupExecutor(t, nil, WithRunner(runner))

	task := tpl("broken", nil,
		render("ok", "fine"),
		render("bad", "{{ .params.missing }}"),
		models.StepSpec{Name: "never", Config: &models.ShellStep{Command: "echo never"}},
	)

	_, err := e.Run(context.Background(), task, nil, nil)
	var se *models.StepError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StepError, got %v", err)
	}
	if se.Step != "bad" || se.Kind != models.StepRender {
		t.Errorf("StepError = %+v", se)
	}
	if !errors.Is(err, models.ErrStepExecution) {
		t.Error("StepError should match ErrStepExecution")
	}
	if len(runner.scripts) != 0 {
		t.Errorf("later steps ran: %v", runner.scripts)
	}
}

func TestRun_Checkpoint(t *testing.T) {
	e := setupExecutor(t, nil)
	task := tpl("two", nil, render("a", "a"), render("b", "b"))

	calls := 0
	_, err := e.Run(context.Background(), task, nil, func() error {
		calls++
		if calls == 2 {
			return ErrCancelled
		}
		return nil
	})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}

	// Before each step and once after the last.
	calls = 0
	if _, err := e.Run(context.Background(), task, nil, func() error { calls++; return nil }); err != nil {
		t.Fatal(err)
	}
	if calls != 3 {
		t.Errorf("checkpoint calls = %d, want 3", calls)
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	e := setupExecutor(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Run(ctx, tpl("x", nil, render("a", "a")), nil, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
}

func TestHTTPCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch r.URL.Path {
		case "/echo":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"method":%q,"body":%q,"auth":%q}`, r.Method, body, r.Header.Get("Authorization"))
		case "/created":
			w.WriteHeader(http.StatusCreated)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tests := []struct {
		name    string
		step    *models.HTTPCallStep
		wantErr bool
		check   func(t *testing.T, out map[string]any)
	}{
		{
			name: "post with rendered body",
			step: &models.HTTPCallStep{
				Method:  "post",
				URL:     srv.URL + "/echo",
				Headers: map[string]string{"Authorization": "Bearer {{ .params.token }}"},
				Body:    `{"id": "{{ .params.id }}"}`,
			},
			check: func(t *testing.T, out map[string]any) {
				decoded := out["json"].(map[string]any)
				if decoded["method"] != "POST" || decoded["auth"] != "Bearer secret" {
					t.Errorf("json = %v", decoded)
				}
				if decoded["body"] != `{"id": "42"}` {
					t.Errorf("body = %v", decoded["body"])
				}
			},
		},
		{
			name:    "non-2xx fails",
			step:    &models.HTTPCallStep{URL: srv.URL + "/missing"},
			wantErr: true,
		},
		{
			name: "expected status",
			step: &models.HTTPCallStep{URL: srv.URL + "/missing", ExpectStatus: []int{404}},
			check: func(t *testing.T, out map[string]any) {
				if out["status"] != 404 {
					t.Errorf("status = %v", out["status"])
				}
			},
		},
		{
			name:    "status not in expected list",
			step:    &models.HTTPCallStep{URL: srv.URL + "/created", ExpectStatus: []int{200}},
			wantErr: true,
		},
	}

	e := setupExecutor(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := NewState(map[string]any{"token": "secret", "id": 42})
			out, err := e.Execute(context.Background(), models.StepSpec{Name: "call", Config: tt.step}, st)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			tt.check(t, out.(map[string]any))
		})
	}
}

func TestShell(t *testing.T) {
	t.Run("renders command", func(t *testing.T) {
		runner := &fakeRunner{}
		e := setupExecutor(t, nil, WithRunner(runner))
		st := NewState(map[string]any{"file": "a.txt"})
		if _, err := e.Execute(context.Background(), models.StepSpec{Name: "s", Config: &models.ShellStep{Command: "cat {{ .params.file }}"}}, st); err != nil {
			t.Fatal(err)
		}
		if runner.scripts[0] != "cat a.txt" {
			t.Errorf("script = %q", runner.scripts[0])
		}
	})

	t.Run("non-zero exit", func(t *testing.T) {
		runner := &fakeRunner{result: &exec.Result{ExitCode: 3, Stderr: "boom"}, err: errors.New("exit status 3")}
		e := setupExecutor(t, nil, WithRunner(runner))

		_, err := e.Execute(context.Background(), models.StepSpec{Name: "s", Config: &models.ShellStep{Command: "false"}}, NewState(nil))
		if err == nil || !strings.Contains(err.Error(), "boom") {
			t.Errorf("err = %v", err)
		}

		out, err := e.Execute(context.Background(), models.StepSpec{Name: "s", Config: &models.ShellStep{Command: "false", AllowFailure: true}}, NewState(nil))
		if err != nil {
			t.Fatalf("allow_failure: %v", err)
		}
		if out.(map[string]any)["exit_code"] != 3 {
			t.Errorf("out = %v", out)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.ShellEnabled = false
		e := New(cfg, nil, WithRunner(&fakeRunner{}))
		if _, err := e.Execute(context.Background(), models.StepSpec{Name: "s", Config: &models.ShellStep{Command: "ls"}}, NewState(nil)); err == nil {
			t.Error("expected error when shell is disabled")
		}
	})
}

func TestSubTemplate(t *testing.T) {
	inner := tpl("inner", []models.ParameterSpec{{Name: "name", Type: models.ParamString, Required: true}},
		render("greet", "hi {{ .params.name }}"),
	)
	outer := tpl("outer", []models.ParameterSpec{{Name: "user", Type: models.ParamString}},
		models.StepSpec{Name: "call", Config: &models.SubTemplateStep{
			Template:   "inner",
			Parameters: map[string]any{"name": "{{ .params.user }}"},
		}},
		render("done", "{{ .steps.call.output }}."),
	)
	e := setupExecutor(t, templateMap{"inner": inner, "outer": outer})

	result, err := e.Run(context.Background(), outer, map[string]any{"user": "ada"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result["output"] != "hi ada." {
		t.Errorf("output = %v", result["output"])
	}
}

func TestSubTemplate_Errors(t *testing.T) {
	inner := tpl("inner", []models.ParameterSpec{{Name: "name", Required: true}}, render("a", "{{ .params.name }}"))
	failing := tpl("failing", nil, render("explode", "{{ .params.nope }}"))
	self := tpl("self", nil, models.StepSpec{Name: "again", Config: &models.SubTemplateStep{Template: "self"}})
	e := setupExecutor(t, templateMap{"inner": inner, "failing": failing, "self": self})

	tests := []struct {
		name     string
		step     *models.SubTemplateStep
		wantStep string
		wantIs   error
	}{
		{"unknown template", &models.SubTemplateStep{Template: "ghost"}, "sub", models.ErrNotFound},
		{"invalid parameters", &models.SubTemplateStep{Template: "inner"}, "sub", models.ErrInvalidParameters},
		{"inner failure", &models.SubTemplateStep{Template: "failing"}, "sub.explode", models.ErrStepExecution},
		{"depth limit", &models.SubTemplateStep{Template: "self"}, "", models.ErrStepExecution},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Execute(context.Background(), models.StepSpec{Name: "sub", Config: tt.step}, NewState(nil))
			if !errors.Is(err, tt.wantIs) {
				t.Fatalf("err = %v, want %v", err, tt.wantIs)
			}
			var se *models.StepError
			if !errors.As(err, &se) {
				t.Fatalf("expected *StepError, got %T", err)
			}
			if tt.wantStep != "" && se.Step != tt.wantStep {
				t.Errorf("step = %q, want %q", se.Step, tt.wantStep)
			}
		})
	}
}

func TestRender_Funcs(t *testing.T) {
	st := NewState(map[string]any{"tags": []any{"a", "b"}, "name": " Ada "})
	tests := []struct {
		text string
		want string
	}{
		{"plain text", "plain text"},
		{`{{ join "," .params.tags }}`, "a,b"},
		{`{{ .params.name | trim | upper }}`, "ADA"},
		{`{{ json .params.tags }}`, `["a","b"]`},
		{`{{ default "x" .last }}`, "x"},
	}
	for _, tt := range tests {
		got, err := st.Render(tt.text)
		if err != nil {
			t.Errorf("Render(%q): %v", tt.text, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Render(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}
