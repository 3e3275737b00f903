package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/ShayCichocki/orchestra/internal/exec"
	"github.com/ShayCichocki/orchestra/internal/llm"
	"github.com/ShayCichocki/orchestra/internal/templates"
	"github.com/ShayCichocki/orchestra/pkg/models"
)

const maxHTTPBody = 1 << 20

// renderStep outputs the rendered text. It has no side effects.
func renderStep(_ context.Context, _ *Executor, step models.StepSpec, st *State) (any, error) {
	cfg := step.Config.(*models.RenderStep)
	return st.Render(cfg.Text)
}

// generateTextStep asks a model provider for text. Repeating it is safe but
// may produce different text.
func generateTextStep(ctx context.Context, e *Executor, step models.StepSpec, st *State) (any, error) {
	cfg := step.Config.(*models.GenerateTextStep)
	if e.providers == nil {
		return nil, fmt.Errorf("no model providers configured")
	}
	gen, err := e.providers.Get(cfg.Provider)
	if err != nil {
		return nil, err
	}
	prompt, err := st.Render(cfg.Prompt)
	if err != nil {
		return nil, fmt.Errorf("prompt: %w", err)
	}
	system, err := st.Render(cfg.System)
	if err != nil {
		return nil, fmt.Errorf("system: %w", err)
	}

	resp, err := gen.Generate(ctx, llm.Request{
		Model:     cfg.Model,
		Prompt:    prompt,
		System:    system,
		MaxTokens: cfg.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"text":          resp.Text,
		"model":         resp.Model,
		"provider":      gen.Name(),
		"input_tokens":  resp.InputTokens,
		"output_tokens": resp.OutputTokens,
	}, nil
}

// httpCallStep performs one request. Only GET and HEAD are safe to repeat.
func httpCallStep(ctx context.Context, e *Executor, step models.StepSpec, st *State) (any, error) {
	cfg := step.Config.(*models.HTTPCallStep)
	url, err := st.Render(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("url: %w", err)
	}
	body, err := st.Render(cfg.Body)
	if err != nil {
		return nil, fmt.Errorf("body: %w", err)
	}
	headers, err := st.renderMap(cfg.Headers)
	if err != nil {
		return nil, fmt.Errorf("headers: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = e.cfg.HTTPTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}
	var reqBody io.Reader
	if body != "" {
		reqBody = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != "" && req.Header.Get("Content-Type") == "" && json.Valid([]byte(body)) {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if !statusAccepted(resp.StatusCode, cfg.ExpectStatus) {
		return nil, fmt.Errorf("%s %s: unexpected status %d", method, url, resp.StatusCode)
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}
	out := map[string]any{
		"status":  resp.StatusCode,
		"headers": respHeaders,
		"body":    string(data),
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt == "application/json" {
		var decoded any
		if err := json.Unmarshal(data, &decoded); err == nil {
			out["json"] = decoded
		}
	}
	return out, nil
}

func statusAccepted(code int, expect []int) bool {
	if len(expect) == 0 {
		return code >= 200 && code < 300
	}
	for _, c := range expect {
		if c == code {
			return true
		}
	}
	return false
}

// shellStep runs a command through the shell. It is not assumed to be
// idempotent.
func shellStep(ctx context.Context, e *Executor, step models.StepSpec, st *State) (any, error) {
	cfg := step.Config.(*models.ShellStep)
	if !e.cfg.ShellEnabled {
		return nil, fmt.Errorf("shell steps are disabled")
	}
	script, err := st.Render(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("command: %w", err)
	}
	dir, err := st.Render(cfg.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("workdir: %w", err)
	}
	env, err := st.renderMap(cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("env: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = e.cfg.ShellTimeout
	}

	res, runErr := e.runner.RunShell(ctx, exec.Command{Dir: dir, Env: env, Timeout: timeout}, script)
	if res == nil {
		return nil, runErr
	}
	out := map[string]any{
		"stdout":    res.Stdout,
		"stderr":    res.Stderr,
		"exit_code": res.ExitCode,
	}
	if runErr != nil && !(cfg.AllowFailure && res.ExitCode > 0) {
		if stderr := strings.TrimSpace(res.Stderr); stderr != "" {
			return nil, fmt.Errorf("%w: %s", runErr, stderr)
		}
		return nil, runErr
	}
	return out, nil
}

// subTemplateStep runs another template with rendered parameters in a fresh
// state. It is as idempotent as the steps it runs.
func subTemplateStep(ctx context.Context, e *Executor, step models.StepSpec, st *State) (any, error) {
	cfg := step.Config.(*models.SubTemplateStep)
	if st.depth+1 > e.cfg.MaxDepth {
		return nil, fmt.Errorf("sub-template nesting exceeds %d levels", e.cfg.MaxDepth)
	}
	if e.templates == nil {
		return nil, fmt.Errorf("no template source configured")
	}
	tpl, err := e.templates.Get(cfg.Template)
	if err != nil {
		return nil, err
	}

	rendered, err := st.renderValue(cfg.Parameters)
	if err != nil {
		return nil, fmt.Errorf("parameters: %w", err)
	}
	params, _ := rendered.(map[string]any)
	if params == nil {
		params = map[string]any{}
	}
	if err := templates.Validate(tpl, params).Err(tpl.Name); err != nil {
		return nil, err
	}

	child := NewState(params)
	child.depth = st.depth + 1
	// Cancellation is only observed between top-level steps.
	return e.run(ctx, tpl, child, nil)
}
