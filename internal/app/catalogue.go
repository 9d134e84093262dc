package app

import (
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/vocaform/pkg/tool"
)

// Catalogue holds the tool definitions clients may start sessions for. It is
// safe for concurrent use.
type Catalogue struct {
	mu    sync.RWMutex
	tools map[string]*tool.Definition
}

// NewCatalogue validates defs and indexes them by ID. Duplicate IDs are an
// error.
func NewCatalogue(defs ...*tool.Definition) (*Catalogue, error) {
	c := &Catalogue{tools: make(map[string]*tool.Definition, len(defs))}
	for _, d := range defs {
		if err := c.Add(d); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// LoadCatalogue loads every file in paths with [tool.Load].
func LoadCatalogue(paths []string) (*Catalogue, error) {
	defs := make([]*tool.Definition, 0, len(paths))
	for _, p := range paths {
		d, err := tool.Load(p)
		if err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	return NewCatalogue(defs...)
}

// Add validates def and registers it.
func (c *Catalogue) Add(def *tool.Definition) error {
	if err := tool.Validate(def); err != nil {
		return fmt.Errorf("app: catalogue: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tools[def.ID]; ok {
		return fmt.Errorf("app: catalogue: duplicate tool id %q", def.ID)
	}
	c.tools[def.ID] = def.Clone()
	return nil
}

// Get returns a copy of the definition with the given ID.
func (c *Catalogue) Get(id string) (*tool.Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.tools[id]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// ToolSummary is the public listing of a tool.
type ToolSummary struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Fields     []string `json:"fields"`
	HasHandoff bool     `json:"hasHandoff"`
}

// List returns summaries of all tools ordered by ID.
func (c *Catalogue) List() []ToolSummary {
	c.mu.RLock()
	out := make([]ToolSummary, 0, len(c.tools))
	for _, d := range c.tools {
		s := ToolSummary{ID: d.ID, Name: d.Name, HasHandoff: d.Handoff != nil}
		for _, f := range d.Fields {
			s.Fields = append(s.Fields, f.Name)
		}
		out = append(out, s)
	}
	c.mu.RUnlock()
	slices.SortFunc(out, func(a, b ToolSummary) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}
