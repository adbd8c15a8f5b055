package catalog

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Catalog.
type MemoryStore struct {
	mu         sync.RWMutex
	plugins    map[string]Plugin
	components map[string][]Component
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{plugins: make(map[string]Plugin), components: make(map[string][]Component)}
}

func (m *MemoryStore) Put(_ context.Context, p Plugin, components []Component) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plugins[p.GID] = clonePlugin(p)
	comps := make([]Component, len(components))
	for i, c := range components {
		c.GID = p.GID
		comps[i] = cloneComponent(c)
	}
	m.components[p.GID] = comps
	return nil
}

func (m *MemoryStore) DeletePlugin(_ context.Context, gid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plugins[gid]; !ok {
		return notFound("plugin " + gid)
	}
	delete(m.plugins, gid)
	delete(m.components, gid)
	return nil
}

func (m *MemoryStore) DeleteAll(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plugins = make(map[string]Plugin)
	m.components = make(map[string][]Component)
	return nil
}

func (m *MemoryStore) GetPlugin(_ context.Context, gid string) (*Plugin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plugins[gid]
	if !ok {
		return nil, notFound("plugin " + gid)
	}
	p = clonePlugin(p)
	return &p, nil
}

func (m *MemoryStore) ListPlugins(context.Context) ([]Plugin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Plugin, 0, len(m.plugins))
	for _, p := range m.plugins {
		out = append(out, clonePlugin(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GID < out[j].GID })
	return out, nil
}

func (m *MemoryStore) ListComponents(_ context.Context, gid string, kind Kind) ([]Component, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Component
	for g, comps := range m.components {
		if gid != "" && g != gid {
			continue
		}
		for _, c := range comps {
			if kind == "" || c.Kind == kind {
				out = append(out, cloneComponent(c))
			}
		}
	}
	sortComponents(out)
	return out, nil
}

func (m *MemoryStore) GetComponent(_ context.Context, gid string, kind Kind, cid string) (*Component, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.components[gid] {
		if c.Kind == kind && c.CID == cid {
			c = cloneComponent(c)
			return &c, nil
		}
	}
	return nil, notFound(string(kind) + " " + gid + ":" + cid)
}

func (m *MemoryStore) Close() error { return nil }

func clonePlugin(p Plugin) Plugin {
	p.Tags = append([]string(nil), p.Tags...)
	if p.Components != nil {
		counts := make(map[Kind]int, len(p.Components))
		for k, v := range p.Components {
			counts[k] = v
		}
		p.Components = counts
	}
	return p
}

func cloneComponent(c Component) Component {
	c.Tags = append([]string(nil), c.Tags...)
	c.ModelTypes = append([]string(nil), c.ModelTypes...)
	c.Meta = append([]byte(nil), c.Meta...)
	return c
}

func sortComponents(cs []Component) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].GID != cs[j].GID {
			return cs[i].GID < cs[j].GID
		}
		if cs[i].Kind != cs[j].Kind {
			return cs[i].Kind < cs[j].Kind
		}
		return cs[i].CID < cs[j].CID
	})
}
