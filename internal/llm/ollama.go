package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ShayCichocki/orchestra/internal/logging"
)

// OllamaName is the provider name of the Ollama client.
const OllamaName = "ollama"

// OllamaConfig configures the Ollama client.
type OllamaConfig struct {
	BaseURL string
	// Model is used when a request does not name one.
	Model   string
	Timeout time.Duration
}

// Ollama talks to a local Ollama server.
type Ollama struct {
	baseURL string
	model   string
	http    *http.Client
	tracker *TokenTracker
	logger  *logging.Logger
}

// ModelInfo describes a model known to the Ollama server.
type ModelInfo struct {
	Name       string         `json:"name"`
	ModifiedAt string         `json:"modified_at"`
	Size       int64          `json:"size"`
	Digest     string         `json:"digest"`
	Details    map[string]any `json:"details,omitempty"`
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Options map[string]any `json:"options,omitempty"`
	Stream  bool           `json:"stream"`
}

type ollamaGenerateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int64  `json:"prompt_eval_count"`
	EvalCount       int64  `json:"eval_count"`
}

// NewOllama creates an Ollama client.
func NewOllama(cfg OllamaConfig, logger *logging.Logger) *Ollama {
	if logger == nil {
		logger = logging.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "http://localhost:11434"
	}
	return &Ollama{
		baseURL: base,
		model:   cfg.Model,
		http:    &http.Client{Timeout: timeout},
		tracker: NewTokenTracker(),
		logger:  logger,
	}
}

// Name returns "ollama".
func (o *Ollama) Name() string { return OllamaName }

// Tracker returns the token tracker for this client.
func (o *Ollama) Tracker() *TokenTracker { return o.tracker }

// Generate calls /api/generate without streaming.
func (o *Ollama) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = o.model
	}
	if model == "" {
		return nil, fmt.Errorf("ollama: no model specified")
	}

	body := ollamaGenerateRequest{Model: model, Prompt: req.Prompt, System: req.System}
	if req.MaxTokens > 0 {
		body.Options = map[string]any{"num_predict": req.MaxTokens}
	}
	o.logger.DebugCtx("ollama generate", map[string]any{"model": model})

	var out ollamaGenerateResponse
	if err := o.do(ctx, http.MethodPost, "/api/generate", body, &out); err != nil {
		return nil, err
	}
	o.tracker.Add(out.PromptEvalCount, out.EvalCount)
	return &Response{
		Text:         out.Response,
		Model:        out.Model,
		InputTokens:  out.PromptEvalCount,
		OutputTokens: out.EvalCount,
	}, nil
}

// ListModels returns the models available on the server.
func (o *Ollama) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var out struct {
		Models []ModelInfo `json:"models"`
	}
	if err := o.do(ctx, http.MethodGet, "/api/tags", nil, &out); err != nil {
		return nil, err
	}
	return out.Models, nil
}

// GetModel returns the named model, or nil if the server does not have it.
func (o *Ollama) GetModel(ctx context.Context, name string) (*ModelInfo, error) {
	list, err := o.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].Name == name {
			return &list[i], nil
		}
	}
	return nil, nil
}

// PullModel downloads a model and waits for the pull to finish.
func (o *Ollama) PullModel(ctx context.Context, name string) error {
	var out struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := o.do(ctx, http.MethodPost, "/api/pull", map[string]any{"name": name, "stream": false}, &out); err != nil {
		return err
	}
	if out.Error != "" {
		return fmt.Errorf("ollama pull %s: %s", name, out.Error)
	}
	return nil
}

// EnsureModel pulls name unless the server already has it.
func (o *Ollama) EnsureModel(ctx context.Context, name string) error {
	m, err := o.GetModel(ctx, name)
	if err != nil {
		return err
	}
	if m != nil {
		return nil
	}
	o.logger.InfoCtx("pulling ollama model", map[string]any{"model": name})
	if err := o.PullModel(ctx, name); err != nil {
		return err
	}
	m, err = o.GetModel(ctx, name)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("ollama: model %s still missing after pull", name)
	}
	return nil
}

func (o *Ollama) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, o.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := o.http.Do(req)
	if err != nil {
		return fmt.Errorf("ollama %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("ollama %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ollama %s: decode response: %w", path, err)
	}
	return nil
}

var _ Generator = (*Ollama)(nil)
