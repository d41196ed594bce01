package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Factory creates a new Engine.
type Factory func() (Engine, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// DefaultName is the binding used when New is called with an empty name.
const DefaultName = "goja"

// Register registers an engine factory. It panics if name is taken.
func Register(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("engine %s already registered", name))
	}
	factories[name] = factory
}

// New creates an Engine by name.
func New(name string) (Engine, error) {
	if name == "" {
		name = DefaultName
	}

	factoriesMu.RLock()
	factory, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown engine type: %s: %w", name, ErrEngineNotFound)
	}
	return factory()
}

// List returns all registered engine names, sorted.
func List() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
