package host

import "sort"

// FactoryFunc is the executable shape of every module body.
type FactoryFunc func(module map[string]any, exports map[string]any, require func(string) any)

// Factory is an uninstantiated module.
type Factory struct {
	ID     string
	Source string
	Fn     FactoryFunc

	// Set once the factory has passed through the patcher.
	Original      *Factory
	PatchedSource string
	PatchedBy     []string
}

// IsPatched reports whether at least one patch modified the factory.
func (f *Factory) IsPatched() bool {
	return len(f.PatchedBy) > 0
}

// Wrapped reports whether the factory has already been processed.
func (f *Factory) Wrapped() bool {
	return f.Original != nil
}

// OriginalSource returns the source before any patching.
func (f *Factory) OriginalSource() string {
	if f.Original != nil {
		return f.Original.Source
	}
	return f.Source
}

// Sourcer is implemented by exported functions whose code is inspectable.
type Sourcer interface {
	Source() string
}

// Func pairs a callable with its source text.
type Func struct {
	Fn  any
	Src string
}

// Source returns the function's source text.
func (f Func) Source() string {
	return f.Src
}

// FactoryTable is the loader's "m" property: id -> factory.
type FactoryTable struct {
	order   []string
	entries map[string]*Factory
	hook    func(id string, f *Factory) *Factory
}

// NewFactoryTable creates an empty table.
func NewFactoryTable() *FactoryTable {
	return &FactoryTable{entries: make(map[string]*Factory)}
}

// SetHook installs fn, which may substitute every factory stored through Set.
func (t *FactoryTable) SetHook(fn func(id string, f *Factory) *Factory) {
	t.hook = fn
}

// Set stores f under id after passing it through the hook.
func (t *FactoryTable) Set(id string, f *Factory) {
	if t.hook != nil {
		f = t.hook(id, f)
	}
	t.Replace(id, f)
}

// Replace stores f under id without running the hook.
func (t *FactoryTable) Replace(id string, f *Factory) {
	if _, ok := t.entries[id]; !ok {
		t.order = append(t.order, id)
	}
	t.entries[id] = f
}

// Get returns the factory for id.
func (t *FactoryTable) Get(id string) (*Factory, bool) {
	f, ok := t.entries[id]
	return f, ok
}

// IDs returns ids in insertion order.
func (t *FactoryTable) IDs() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// SortedIDs returns ids in lexical order.
func (t *FactoryTable) SortedIDs() []string {
	out := t.IDs()
	sort.Strings(out)
	return out
}

// Len returns the number of factories.
func (t *FactoryTable) Len() int {
	return len(t.order)
}
