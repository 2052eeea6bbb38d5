package host

// Module is an instantiated factory.
type Module struct {
	ID      string
	Loaded  bool
	Exports any
}

// ModuleCache is the loader's "c" property. Entries are never removed once
// loaded; hidden entries stay reachable through Get but are skipped by Each.
type ModuleCache struct {
	order   []string
	entries map[string]*Module
	hidden  map[string]bool
}

// NewModuleCache creates an empty cache.
func NewModuleCache() *ModuleCache {
	return &ModuleCache{
		entries: make(map[string]*Module),
		hidden:  make(map[string]bool),
	}
}

// Get returns the module for id, hidden or not.
func (c *ModuleCache) Get(id string) (*Module, bool) {
	m, ok := c.entries[id]
	return m, ok
}

// Put inserts m. An existing entry for the same id is kept.
func (c *ModuleCache) Put(m *Module) {
	if _, ok := c.entries[m.ID]; ok {
		return
	}
	c.order = append(c.order, m.ID)
	c.entries[m.ID] = m
}

// remove drops an entry whose factory failed before completing.
func (c *ModuleCache) remove(id string) {
	if _, ok := c.entries[id]; !ok {
		return
	}
	delete(c.entries, id)
	delete(c.hidden, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i:i], c.order[i+1:]...)
			break
		}
	}
}

// Hide removes id from enumeration.
func (c *ModuleCache) Hide(id string) {
	c.hidden[id] = true
}

// Hidden reports whether id was hidden.
func (c *ModuleCache) Hidden(id string) bool {
	return c.hidden[id]
}

// Each calls fn for every visible module in insertion order until fn returns
// false. The set of ids is snapshotted first, so fn may load more modules.
func (c *ModuleCache) Each(fn func(m *Module) bool) {
	ids := make([]string, len(c.order))
	copy(ids, c.order)
	for _, id := range ids {
		if c.hidden[id] {
			continue
		}
		m, ok := c.entries[id]
		if !ok {
			continue
		}
		if !fn(m) {
			return
		}
	}
}

// Len returns the number of visible modules.
func (c *ModuleCache) Len() int {
	n := 0
	for _, id := range c.order {
		if !c.hidden[id] {
			n++
		}
	}
	return n
}
