package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"

	xerrors "TestEngine-Core/internal/errors"
)

// Resolver turns request arguments into a bound instance for one category.
// The returned module is the serializer that produced the instance, if any.
type Resolver interface {
	Resolve(ctx context.Context, reg *Registry, args map[string]any) (any, *Module, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, reg *Registry, args map[string]any) (any, *Module, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, reg *Registry, args map[string]any) (any, *Module, error) {
	return f(ctx, reg, args)
}

type entry struct {
	name   string
	module *Module
	seq    uint64
}

// Registry maps each category to an ordered set of named plugin modules.
type Registry struct {
	mu        sync.RWMutex
	entries   map[Category][]entry
	seq       uint64
	resolvers map[Category]Resolver
}

// Option customises a Registry.
type Option func(*Registry)

// WithResolver installs the resolver used by GetInstance for category.
func WithResolver(category Category, r Resolver) Option {
	return func(reg *Registry) {
		reg.resolvers[category] = r
	}
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...Option) *Registry {
	reg := &Registry{
		entries:   make(map[Category][]entry),
		resolvers: make(map[Category]Resolver),
	}
	for _, opt := range opts {
		opt(reg)
	}
	return reg
}

// SetResolver installs or replaces a resolver after construction.
func (r *Registry) SetResolver(category Category, res Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers[category] = res
}

// Clone returns an independent registry holding the same modules and resolvers.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := &Registry{
		entries:   make(map[Category][]entry, len(r.entries)),
		seq:       r.seq,
		resolvers: make(map[Category]Resolver, len(r.resolvers)),
	}
	for c, list := range r.entries {
		cp.entries[c] = append([]entry(nil), list...)
	}
	for c, res := range r.resolvers {
		cp.resolvers[c] = res
	}
	return cp
}

// Register adds or replaces the module stored under (category, name).
func (r *Registry) Register(category Category, name string, m *Module) error {
	if err := validateEntry(category, name, m); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putLocked(category, name, m)
	r.sortLocked(category)
	return nil
}

// Install is Register for install-only paths: an existing entry is an error.
func (r *Registry) Install(category Category, name string, m *Module) error {
	if err := validateEntry(category, name, m); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexLocked(category, name) >= 0 {
		return xerrors.New(CodeAlreadyInstalled, fmt.Sprintf("%s plugin %s already installed", category, name))
	}
	r.putLocked(category, name, m)
	r.sortLocked(category)
	return nil
}

// RegisterBatch registers every module under its descriptor name in one critical section.
// Either all modules are registered or none are.
func (r *Registry) RegisterBatch(mods []*Module) error {
	for _, m := range mods {
		if m == nil {
			return xerrors.New(xerrors.CodeInvalidArgument, "nil module in batch")
		}
		if err := validateEntry(m.Descriptor.Category, m.Descriptor.Name, m); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	touched := map[Category]struct{}{}
	for _, m := range mods {
		r.putLocked(m.Descriptor.Category, m.Descriptor.Name, m)
		touched[m.Descriptor.Category] = struct{}{}
	}
	for category := range touched {
		r.sortLocked(category)
	}
	return nil
}

// Remove deletes (category, name).
func (r *Registry) Remove(category Category, name string) error {
	if !category.Valid() {
		return unknownCategory(category)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.indexLocked(category, name)
	if idx < 0 {
		return notFound(category, name)
	}
	list := r.entries[category]
	r.entries[category] = append(list[:idx:idx], list[idx+1:]...)
	return nil
}

// Exists reports whether (category, name) is registered.
func (r *Registry) Exists(category Category, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.indexLocked(category, name) >= 0
}

// Get returns a priority-ordered snapshot of the category. The slice is owned by the caller.
func (r *Registry) Get(category Category) ([]*Module, error) {
	if !category.Valid() {
		return nil, unknownCategory(category)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.entries[category]
	out := make([]*Module, len(list))
	for i, e := range list {
		out[i] = e.module
	}
	return out, nil
}

// Names returns the registered names of a category in priority order.
func (r *Registry) Names(category Category) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.entries[category]
	out := make([]string, len(list))
	for i, e := range list {
		out[i] = e.name
	}
	return out
}

// Lookup returns the module stored under (category, name).
func (r *Registry) Lookup(category Category, name string) (*Module, error) {
	if !category.Valid() {
		return nil, unknownCategory(category)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx := r.indexLocked(category, name)
	if idx < 0 {
		return nil, notFound(category, name)
	}
	return r.entries[category][idx].module, nil
}

// Len returns the number of modules registered in the category.
func (r *Registry) Len(category Category) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries[category])
}

// GetInstance dispatches to the resolver installed for category.
func (r *Registry) GetInstance(ctx context.Context, category Category, args map[string]any) (any, *Module, error) {
	if !category.Valid() {
		return nil, nil, unknownCategory(category)
	}
	r.mu.RLock()
	res, ok := r.resolvers[category]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, xerrors.New(CodeNoResolver, fmt.Sprintf("no resolver installed for %s", category))
	}
	return res.Resolve(ctx, r, args)
}

// Locked runs fn while holding the registry write lock. fn must not call back into the registry.
func (r *Registry) Locked(fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn()
}

func (r *Registry) putLocked(category Category, name string, m *Module) {
	if idx := r.indexLocked(category, name); idx >= 0 {
		r.entries[category][idx].module = m
		return
	}
	r.seq++
	r.entries[category] = append(r.entries[category], entry{name: name, module: m, seq: r.seq})
}

func (r *Registry) indexLocked(category Category, name string) int {
	for i, e := range r.entries[category] {
		if e.name == name {
			return i
		}
	}
	return -1
}

func (r *Registry) sortLocked(category Category) {
	list := r.entries[category]
	if category == CategoryAlgorithm {
		sort.SliceStable(list, func(i, j int) bool { return list[i].seq < list[j].seq })
		return
	}
	sort.SliceStable(list, func(i, j int) bool {
		ri := rank(category, list[i].module.Descriptor.Priority)
		rj := rank(category, list[j].module.Descriptor.Priority)
		if ri != rj {
			return ri < rj
		}
		return list[i].seq < list[j].seq
	})
}

func validateEntry(category Category, name string, m *Module) error {
	if !category.Valid() {
		return unknownCategory(category)
	}
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "plugin name cannot be empty")
	}
	if m == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "plugin module cannot be nil")
	}
	if m.Descriptor.Category != "" && m.Descriptor.Category != category {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("plugin %s declares category %s, not %s", name, m.Descriptor.Category, category))
	}
	return nil
}

func unknownCategory(category Category) error {
	return xerrors.New(CodeUnknownCategory, fmt.Sprintf("unknown plugin category %q", category))
}

func notFound(category Category, name string) error {
	return xerrors.New(CodePluginNotFound, fmt.Sprintf("%s plugin %s not found", category, name),
		xerrors.WithMetadata("category", string(category)), xerrors.WithMetadata("name", name))
}
