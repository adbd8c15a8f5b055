package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds the adapter of a builtin plugin from its descriptor.
type Factory func(desc Descriptor) (any, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterFactory makes a builtin adapter available to descriptors with
// runtime "builtin" and a matching entry. It panics on duplicate names.
func RegisterFactory(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if f == nil {
		panic("plugin: RegisterFactory factory is nil")
	}
	if _, dup := factories[name]; dup {
		panic("plugin: RegisterFactory called twice for " + name)
	}
	factories[name] = f
}

// LookupFactory returns the named factory.
func LookupFactory(name string) (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// Factories returns the sorted names of registered factories.
func Factories() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func buildBuiltin(desc Descriptor) (any, error) {
	f, ok := LookupFactory(desc.Entry)
	if !ok {
		return nil, fmt.Errorf("no builtin factory named %q", desc.Entry)
	}
	return f(desc)
}
