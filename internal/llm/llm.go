// Package llm provides the generative model clients used by the
// generate-text step.
package llm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ShayCichocki/orchestra/pkg/models"
)

// Request is a single text generation request.
type Request struct {
	// Model overrides the client's default model when set.
	Model     string
	Prompt    string
	System    string
	MaxTokens int
}

// Response is the generated text plus usage.
type Response struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Generator produces text from a prompt.
type Generator interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Providers maps provider names to generators and tracks which one is the
// default.
type Providers struct {
	mu       sync.RWMutex
	byName   map[string]Generator
	fallback string
}

// NewProviders creates an empty provider set whose default is name.
func NewProviders(defaultName string) *Providers {
	return &Providers{byName: make(map[string]Generator), fallback: defaultName}
}

// Register adds g under g.Name(), replacing any previous entry.
func (p *Providers) Register(g Generator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byName[g.Name()] = g
}

// Get returns the named generator, or the default when name is empty.
func (p *Providers) Get(name string) (Generator, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if name == "" {
		name = p.fallback
	}
	g, ok := p.byName[name]
	if !ok {
		return nil, models.Errorf(models.ErrNotFound, "model provider %q is not configured", name)
	}
	return g, nil
}

// Names returns the registered provider names in order.
func (p *Providers) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.byName))
	for n := range p.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Default returns the default provider name.
func (p *Providers) Default() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.fallback
}

func (r Request) validate() error {
	if r.Prompt == "" {
		return fmt.Errorf("prompt is empty")
	}
	return nil
}
