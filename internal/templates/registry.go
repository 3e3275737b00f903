// Package templates loads template documents from a directory and serves
// them by name. The registry is read-mostly: every load builds a fresh
// snapshot and swaps it in atomically, so readers never observe a
// half-loaded set.
package templates

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/orchestra/internal/graph"
	"github.com/ShayCichocki/orchestra/internal/logging"
	"github.com/ShayCichocki/orchestra/pkg/models"
)

// LoadError records why a single template file was skipped.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string { return fmt.Sprintf("%s: %v", e.Path, e.Err) }
func (e *LoadError) Unwrap() error { return e.Err }

// ValidationResult describes how a parameter set fits a template.
type ValidationResult struct {
	Valid      bool     `json:"valid"`
	Missing    []string `json:"missing_parameters,omitempty"`
	Unexpected []string `json:"unexpected_parameters,omitempty"`
	Mismatched []string `json:"mismatched_parameters,omitempty"`
}

// Err converts an invalid result into a *models.ParameterError.
func (v ValidationResult) Err(template string) error {
	if v.Valid {
		return nil
	}
	return &models.ParameterError{
		Template:   template,
		Missing:    v.Missing,
		Unexpected: v.Unexpected,
		Mismatched: v.Mismatched,
	}
}

type snapshot struct {
	byName   map[string]*models.Template
	names    []string
	errs     []*LoadError
	loadedAt time.Time
}

// Registry serves templates by name.
type Registry struct {
	dirMu   sync.RWMutex
	dir     string
	current atomic.Pointer[snapshot]
	// reloadMu serializes writers; readers only touch current.
	reloadMu sync.Mutex
	logger   *logging.Logger
}

// New creates an empty registry bound to dir.
func New(dir string, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Nop()
	}
	r := &Registry{dir: dir, logger: logger}
	r.current.Store(&snapshot{byName: map[string]*models.Template{}})
	return r
}

// Dir returns the directory the registry loads from.
func (r *Registry) Dir() string {
	r.dirMu.RLock()
	defer r.dirMu.RUnlock()
	return r.dir
}

// Load scans dir for *.yaml and *.yml files and replaces the registry with
// every template that parsed and validated. Bad files are logged and
// skipped; only an unreadable directory is an error. Returns the number of
// templates loaded.
func (r *Registry) Load(dir string) (int, error) {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	paths, err := templateFiles(dir)
	if err != nil {
		return 0, err
	}
	r.dirMu.Lock()
	r.dir = dir
	r.dirMu.Unlock()

	var tpls []*models.Template
	var errs []*LoadError
	for _, path := range paths {
		tpl, err := parseFile(path)
		if err != nil {
			errs = append(errs, &LoadError{Path: path, Err: err})
			continue
		}
		tpls = append(tpls, tpl)
	}

	snap, installErrs := build(tpls)
	snap.errs = append(errs, installErrs...)
	for _, le := range snap.errs {
		r.logger.WarnCtx("template skipped", map[string]any{"path": le.Path, "error": le.Err.Error()})
	}
	r.current.Store(snap)
	r.logger.InfoCtx("templates loaded", map[string]any{"dir": dir, "count": len(snap.names), "errors": len(snap.errs)})
	return len(snap.names), nil
}

// Reload re-reads the directory the registry was last loaded from.
func (r *Registry) Reload() (int, error) {
	return r.Load(r.Dir())
}

// Install replaces the registry with tpls. Templates that fail validation are
// skipped and reported the same way Load reports bad files.
func (r *Registry) Install(tpls ...*models.Template) []*LoadError {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	var valid []*models.Template
	var errs []*LoadError
	for _, t := range tpls {
		if err := t.Validate(); err != nil {
			errs = append(errs, &LoadError{Path: t.Source, Err: err})
			continue
		}
		valid = append(valid, t)
	}
	snap, installErrs := build(valid)
	snap.errs = append(errs, installErrs...)
	r.current.Store(snap)
	return snap.errs
}

// Get returns the template called name. The returned template is shared and
// must not be modified.
func (r *Registry) Get(name string) (*models.Template, error) {
	t, ok := r.current.Load().byName[name]
	if !ok {
		return nil, models.Errorf(models.ErrNotFound, "template %q", name)
	}
	return t, nil
}

// List returns every template ordered by name.
func (r *Registry) List() []*models.Template {
	snap := r.current.Load()
	out := make([]*models.Template, 0, len(snap.names))
	for _, name := range snap.names {
		out = append(out, snap.byName[name])
	}
	return out
}

// LoadErrors returns the per-file errors from the most recent load.
func (r *Registry) LoadErrors() []*LoadError {
	return append([]*LoadError(nil), r.current.Load().errs...)
}

// LoadedAt returns when the current snapshot was built.
func (r *Registry) LoadedAt() time.Time {
	return r.current.Load().loadedAt
}

// ValidateParameters checks given against the template's parameter specs.
// Missing lists required parameters that are absent, Unexpected lists keys
// the template does not declare and Mismatched lists declared keys whose
// value does not match the type tag.
func (r *Registry) ValidateParameters(name string, given map[string]any) (ValidationResult, error) {
	tpl, err := r.Get(name)
	if err != nil {
		return ValidationResult{}, err
	}
	return Validate(tpl, given), nil
}

// Validate checks given against tpl's parameter specs.
func Validate(tpl *models.Template, given map[string]any) ValidationResult {
	var res ValidationResult
	for _, p := range tpl.Parameters {
		v, ok := given[p.Name]
		switch {
		case !ok && p.Required:
			res.Missing = append(res.Missing, p.Name)
		case ok && !p.Type.Accepts(v):
			res.Mismatched = append(res.Mismatched, p.Name)
		}
	}
	for key := range given {
		if _, declared := tpl.Parameter(key); !declared {
			res.Unexpected = append(res.Unexpected, key)
		}
	}
	sort.Strings(res.Missing)
	sort.Strings(res.Unexpected)
	sort.Strings(res.Mismatched)
	res.Valid = len(res.Missing) == 0 && len(res.Unexpected) == 0 && len(res.Mismatched) == 0
	return res
}

// build assembles a snapshot. Duplicate names keep the first occurrence and
// templates on a sub-template cycle are dropped.
func build(tpls []*models.Template) (*snapshot, []*LoadError) {
	snap := &snapshot{byName: make(map[string]*models.Template, len(tpls)), loadedAt: time.Now()}
	var errs []*LoadError

	for _, t := range tpls {
		if prev, dup := snap.byName[t.Name]; dup {
			errs = append(errs, &LoadError{Path: t.Source, Err: fmt.Errorf("duplicate template name %q (already defined in %s)", t.Name, prev.Source)})
			continue
		}
		snap.byName[t.Name] = t
	}

	for {
		refs := make(map[string][]string, len(snap.byName))
		for name, t := range snap.byName {
			for _, sub := range t.SubTemplates() {
				if _, ok := snap.byName[sub]; ok {
					refs[name] = append(refs[name], sub)
				}
			}
			if _, ok := refs[name]; !ok {
				refs[name] = nil
			}
		}
		g := graph.New()
		err := g.Build(refs)
		if err == nil {
			break
		}
		if !errors.Is(err, graph.ErrCycleDetected) {
			break
		}
		cycle := g.FindCycle()
		for _, name := range cycle[:len(cycle)-1] {
			if t, ok := snap.byName[name]; ok {
				errs = append(errs, &LoadError{Path: t.Source, Err: fmt.Errorf("template %q is part of a sub-template cycle %v", name, cycle)})
				delete(snap.byName, name)
			}
		}
	}

	for name := range snap.byName {
		snap.names = append(snap.names, name)
	}
	sort.Strings(snap.names)
	return snap, errs
}

func templateFiles(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("read template dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("read template dir: %s is not a directory", dir)
	}
	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", pattern, err)
		}
		paths = append(paths, matches...)
	}
	sort.Strings(paths)
	return paths, nil
}

func parseFile(path string) (*models.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	tpl := &models.Template{}
	if err := yaml.Unmarshal(data, tpl); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	tpl.Source = path
	if err := tpl.Validate(); err != nil {
		return nil, err
	}
	return tpl, nil
}
