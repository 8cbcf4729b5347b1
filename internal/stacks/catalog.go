package stacks

import (
	"fmt"
	"sort"
	"sync"

	"dockhand/internal/core"
)

// Catalog is the registry of deployable stack definitions. It is built once
// at startup and read-only afterwards.
type Catalog struct {
	mu   sync.RWMutex
	defs map[string]core.StackDefinition
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{defs: make(map[string]core.StackDefinition)}
}

// Register adds a definition. Duplicate names are a fatal startup error and
// are reported to the caller.
func (c *Catalog) Register(def core.StackDefinition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := def.Info().Name
	if name == "" {
		return fmt.Errorf("stack definition has empty name")
	}
	if _, exists := c.defs[name]; exists {
		return fmt.Errorf("stack %q already registered", name)
	}
	c.defs[name] = def
	return nil
}

// Get returns the definition for a stack name.
func (c *Catalog) Get(name string) (core.StackDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	def, ok := c.defs[name]
	if !ok {
		return nil, fmt.Errorf("stack %s: %w", name, core.ErrNotFound)
	}
	return def, nil
}

// List returns all definitions ordered by name.
func (c *Catalog) List() []core.StackDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.defs))
	for name := range c.defs {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]core.StackDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, c.defs[name])
	}
	return defs
}

// Names returns all registered stack names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.defs))
	for name := range c.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default builds the catalog with every known stack. The definition set is a
// static table; a duplicate name here is a programming error.
func Default() *Catalog {
	c := NewCatalog()
	for _, def := range []core.StackDefinition{
		Grafana{},
		N8N{},
		Vaultwarden{},
		InfluxDB{},
		Mosquitto{},
		Hemmelig{},
		Paperless{},
	} {
		if err := c.Register(def); err != nil {
			panic(err)
		}
	}
	return c
}
