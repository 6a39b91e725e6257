// Package template holds the static catalogue of job templates: a typed
// parameter schema plus a handler per template id.
package template

import (
	"context"
	"sort"
	"sync"
)

// ParamType enumerates the declared types a template parameter can take.
type ParamType string

const (
	TypeText    ParamType = "text"
	TypeNumber  ParamType = "number"
	TypeEnum    ParamType = "enum"
	TypeBoolean ParamType = "boolean"
)

// ParamSpec declares one template parameter.
type ParamSpec struct {
	Name        string
	Type        ParamType
	Label       string
	Description string
	Default     any
	Min         *float64 // number only
	Max         *float64 // number only
	Options     []string // enum only
	Required    bool
}

// Result is what a handler reports back to the execution engine.
type Result struct {
	Success         bool
	RecordsAffected int64
	Output          string
}

// Handler runs one tick of a templated job.
type Handler func(ctx context.Context, params Params) (Result, error)

// Template binds an id to its parameter schema and handler.
type Template struct {
	ID          string
	Name        string
	Description string
	Category    string
	Params      []ParamSpec
	Handler     Handler
}

// Registry is the id-keyed template catalogue. Registration happens during
// wiring; lookups are hot-path and lock-cheap.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]Template
}

func NewRegistry() *Registry {
	return &Registry{templates: make(map[string]Template)}
}

// Register adds or replaces a template. Empty ids are ignored.
func (r *Registry) Register(tpl Template) {
	if tpl.ID == "" {
		return
	}
	r.mu.Lock()
	r.templates[tpl.ID] = tpl
	r.mu.Unlock()
}

// Get returns the template for id. Unknown ids report ok=false, never an
// error; callers decide whether that is a problem.
func (r *Registry) Get(id string) (Template, bool) {
	r.mu.RLock()
	tpl, ok := r.templates[id]
	r.mu.RUnlock()
	return tpl, ok
}

// List returns all templates sorted by id.
func (r *Registry) List() []Template {
	r.mu.RLock()
	out := make([]Template, 0, len(r.templates))
	for _, tpl := range r.templates {
		out = append(out, tpl)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListByCategory returns templates in the given category, sorted by id.
func (r *Registry) ListByCategory(category string) []Template {
	var out []Template
	for _, tpl := range r.List() {
		if tpl.Category == category {
			out = append(out, tpl)
		}
	}
	return out
}
