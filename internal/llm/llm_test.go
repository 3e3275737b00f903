package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/ShayCichocki/orchestra/pkg/models"
)

// fakeOllama serves the subset of the Ollama API the client uses.
func fakeOllama(t *testing.T, installed ...string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var pulls atomic.Int32
	models := append([]string(nil), installed...)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		var req ollamaGenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Stream {
			http.Error(w, "streaming not expected", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(ollamaGenerateResponse{
			Model:           req.Model,
			Response:        "echo: " + req.Prompt,
			Done:            true,
			PromptEvalCount: 4,
			EvalCount:       2,
		})
	})
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		list := []ModelInfo{}
		for _, m := range models {
			list = append(list, ModelInfo{Name: m})
		}
		json.NewEncoder(w).Encode(map[string]any{"models": list})
	})
	mux.HandleFunc("/api/pull", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name string `json:"name"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		pulls.Add(1)
		models = append(models, req.Name)
		json.NewEncoder(w).Encode(map[string]string{"status": "success"})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &pulls
}

func TestOllama_Generate(t *testing.T) {
	srv, _ := fakeOllama(t)
	o := NewOllama(OllamaConfig{BaseURL: srv.URL + "/", Model: "llama3"}, nil)

	resp, err := o.Generate(context.Background(), Request{Prompt: "hi", MaxTokens: 10})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "echo: hi" || resp.Model != "llama3" {
		t.Errorf("response = %+v", resp)
	}
	if in, out := o.Tracker().Total(); in != 4 || out != 2 {
		t.Errorf("tracked tokens = %d/%d, want 4/2", in, out)
	}

	if _, err := o.Generate(context.Background(), Request{}); err == nil {
		t.Error("expected error for empty prompt")
	}
}

func TestOllama_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	o := NewOllama(OllamaConfig{BaseURL: srv.URL, Model: "missing"}, nil)
	if _, err := o.Generate(context.Background(), Request{Prompt: "hi"}); err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestOllama_EnsureModel(t *testing.T) {
	srv, pulls := fakeOllama(t, "llama3")
	o := NewOllama(OllamaConfig{BaseURL: srv.URL}, nil)
	ctx := context.Background()

	if err := o.EnsureModel(ctx, "llama3"); err != nil {
		t.Fatalf("EnsureModel(installed): %v", err)
	}
	if pulls.Load() != 0 {
		t.Errorf("installed model should not be pulled")
	}

	if err := o.EnsureModel(ctx, "mistral"); err != nil {
		t.Fatalf("EnsureModel(missing): %v", err)
	}
	if pulls.Load() != 1 {
		t.Errorf("pulls = %d, want 1", pulls.Load())
	}
	m, err := o.GetModel(ctx, "mistral")
	if err != nil || m == nil {
		t.Errorf("GetModel after pull = %v, %v", m, err)
	}
}

func TestAnthropic_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "test-key" {
			http.Error(w, "bad key", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-sonnet-4-20250514",
			"content": [{"type": "text", "text": "hello "}, {"type": "text", "text": "world"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 5, "output_tokens": 2}
		}`))
	}))
	defer srv.Close()

	a, err := NewAnthropic(AnthropicConfig{APIKey: "test-key", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewAnthropic: %v", err)
	}
	resp, err := a.Generate(context.Background(), Request{Prompt: "hi", System: "be brief"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "hello world" {
		t.Errorf("text = %q", resp.Text)
	}
	if a.Tracker().Calls() != 1 {
		t.Errorf("calls = %d, want 1", a.Tracker().Calls())
	}
}

func TestNewAnthropic_NoAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	if _, err := NewAnthropic(AnthropicConfig{}); err == nil {
		t.Error("expected error without an API key")
	}
}

func TestTranslateModelForBedrock(t *testing.T) {
	tests := []struct {
		in   anthropic.Model
		want anthropic.Model
	}{
		{anthropic.ModelClaudeSonnet4_20250514, "us.anthropic.claude-sonnet-4-20250514-v1:0"},
		{"custom-model", "custom-model"},
	}
	for _, tt := range tests {
		if got := translateModelForBedrock(tt.in); got != tt.want {
			t.Errorf("translateModelForBedrock(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

type stubGenerator struct{ name string }

func (s stubGenerator) Name() string { return s.name }
func (s stubGenerator) Generate(context.Context, Request) (*Response, error) {
	return &Response{Text: s.name}, nil
}

func TestProviders(t *testing.T) {
	p := NewProviders("ollama")
	p.Register(stubGenerator{"ollama"})
	p.Register(stubGenerator{"anthropic"})

	g, err := p.Get("")
	if err != nil || g.Name() != "ollama" {
		t.Errorf("Get(\"\") = %v, %v; want default ollama", g, err)
	}
	if g, _ := p.Get("anthropic"); g.Name() != "anthropic" {
		t.Errorf("Get(anthropic) = %s", g.Name())
	}
	if _, err := p.Get("openai"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("unknown provider should be NotFound, got %v", err)
	}
	if names := p.Names(); len(names) != 2 || names[0] != "anthropic" {
		t.Errorf("Names() = %v", names)
	}
}
