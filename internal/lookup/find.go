package lookup

import (
	"fmt"

	"livepatch/internal/host"
)

// ParseFunc maps a found export to the stand-in's value.
type ParseFunc func(v any) any

func identity(v any) any { return v }

func orIdentity(parse ParseFunc) ParseFunc {
	if parse == nil {
		return identity
	}
	return parse
}

func noModule(f *Filter) func() string {
	return func() string {
		return fmt.Sprintf("find matched no module. Filter: %s", f.Description)
	}
}

// find subscribes f and resolves the returned stand-in with parse(match).
func (r *Resolver) find(f *Filter, parse ParseFunc) *Deferred[any] {
	parse = orIdentity(parse)
	d := trackedDeferred[any](r, noModule(f))
	r.waitFor(f, func(exports any, _ Match) {
		d.Resolve(parse(exports))
	})
	return d
}

// Find returns a stand-in for the first export matching f, passed through
// parse when given. It is already resolved if a loaded module matches.
func (r *Resolver) Find(f *Filter, parse ParseFunc) (*Deferred[any], error) {
	if f == nil {
		return nil, ErrInvalidFilter
	}
	d := r.find(f, parse)
	r.record("find", d, f.Description)
	return d, nil
}

// FindByProps finds the first export carrying every prop.
func (r *Resolver) FindByProps(props ...string) *Deferred[any] {
	d := r.find(ByProps(props...), nil)
	r.record("findByProps", d, quoteAll(props)...)
	return d
}

// FindProp finds the first export carrying every prop and resolves to the
// value of the first one.
func (r *Resolver) FindProp(props ...string) *Deferred[any] {
	f := ByProps(props...)
	d := r.find(f, func(v any) any {
		got, _ := prop(v, props[0])
		return got
	})
	r.record("findProp", d, quoteAll(props)...)
	return d
}

// FindByCode finds the first exported function whose code contains every
// literal.
func (r *Resolver) FindByCode(code ...string) *Deferred[any] {
	d := r.find(ByCode(code...), nil)
	r.record("findByCode", d, quoteAll(code)...)
	return d
}

// FindStore finds a store by name.
func (r *Resolver) FindStore(name string) *Deferred[any] {
	d := r.find(ByStoreName(name), nil)
	r.record("findStore", d, fmt.Sprintf("%q", name))
	return d
}

// FindByFactoryCode finds the exports of the first module whose factory
// contains every literal.
func (r *Resolver) FindByFactoryCode(code ...string) *Deferred[any] {
	d := r.find(ByFactoryCode(code...), nil)
	r.record("findByFactoryCode", d, quoteAll(code)...)
	return d
}

func (r *Resolver) findComponent(f *Filter, parse ParseFunc) *Component {
	parse = orIdentity(parse)
	c := newComponent(noModule(f), r.miss)
	r.waitFor(f, func(exports any, _ Match) {
		c.resolve(exports, parse(exports))
	})
	return c
}

// FindComponent returns an invokable stand-in for the first export matching f.
func (r *Resolver) FindComponent(f *Filter, parse ParseFunc) (*Component, error) {
	if f == nil {
		return nil, ErrInvalidFilter
	}
	c := r.findComponent(f, parse)
	r.record("findComponent", c, f.Description)
	return c, nil
}

// FindExportedComponent finds the component exported under the first prop of
// an export carrying every prop.
func (r *Resolver) FindExportedComponent(props ...string) *Component {
	f := ByProps(props...)
	c := newComponent(noModule(f), r.miss)
	r.waitFor(f, func(exports any, _ Match) {
		inner, _ := prop(exports, props[0])
		c.resolve(inner, inner)
	})
	r.record("findExportedComponent", c, quoteAll(props)...)
	return c
}

// FindComponentByCode finds the first component whose code contains every
// literal.
func (r *Resolver) FindComponentByCode(code ...string) *Component {
	c := r.findComponent(ComponentByCode(code...), nil)
	r.record("findComponentByCode", c, quoteAll(code)...)
	return c
}

// FindComponentByFields finds the first class component whose prototype has
// every field.
func (r *Resolver) FindComponentByFields(fields ...string) *Component {
	c := r.findComponent(ComponentByFields(fields...), nil)
	r.record("findComponentByFields", c, quoteAll(fields)...)
	return c
}

func (r *Resolver) findModuleFactory(code []string) *Deferred[*host.Factory] {
	f := ByFactoryCode(code...)
	d := trackedDeferred[*host.Factory](r, func() string {
		return fmt.Sprintf("module factory find matched no module. Filter: %s", f.Description)
	})
	r.waitFor(f, func(_ any, m Match) {
		d.Resolve(m.Factory)
	})
	return d
}

// FindModuleFactory finds the factory of the first module whose original
// source contains every literal.
func (r *Resolver) FindModuleFactory(code ...string) *Deferred[*host.Factory] {
	d := r.findModuleFactory(code)
	r.record("findModuleFactory", d, quoteAll(code)...)
	return d
}

// Mapping holds the named stand-ins of MapMangledModule.
type Mapping struct {
	Values     map[string]*Deferred[any]
	Components map[string]*Component
}

// Get returns the resolved value for name.
func (m *Mapping) Get(name string) (any, error) {
	if d, ok := m.Values[name]; ok {
		return d.Get()
	}
	if c, ok := m.Components[name]; ok {
		if !c.Resolved() {
			return nil, &UnresolvedError{Description: c.Description()}
		}
		return c, nil
	}
	return nil, fmt.Errorf("mapping has no entry %q", name)
}

// Resolved reports whether every entry resolved.
func (m *Mapping) Resolved() bool {
	for _, d := range m.Values {
		if !d.Resolved() {
			return false
		}
	}
	for _, c := range m.Components {
		if !c.Resolved() {
			return false
		}
	}
	return true
}

// MapMangledModule locates the module whose factory contains every literal in
// code, then resolves each named mapper against that module's exports.
// Component mappers produce Component stand-ins.
func (r *Resolver) MapMangledModule(code []string, mappers map[string]*Filter) *Mapping {
	factoryFilter := ByFactoryCode(code...)
	mapping := &Mapping{
		Values:     make(map[string]*Deferred[any]),
		Components: make(map[string]*Component),
	}

	var located bool
	for name, mf := range mappers {
		if mf == nil {
			continue
		}
		describe := func() string {
			if located {
				return fmt.Sprintf("mapMangledModule mapper filter matched no module. Filter: %s", mf.Description)
			}
			return fmt.Sprintf("mapMangledModule factory filter matched no module. Filter: %s", factoryFilter.Description)
		}
		if mf.Component {
			mapping.Components[name] = newComponent(describe, r.miss)
		} else {
			mapping.Values[name] = trackedDeferred[any](r, describe)
		}
	}

	r.waitFor(factoryFilter, func(exports any, _ Match) {
		located = true
		obj, ok := exports.(map[string]any)
		if !ok {
			return
		}
		for _, key := range sortedKeys(obj) {
			v := obj[key]
			if v == nil {
				continue
			}
			for name, mf := range mappers {
				if mf == nil || !mf.Test(v) {
					continue
				}
				if c, ok := mapping.Components[name]; ok {
					c.resolve(v, v)
				} else {
					mapping.Values[name].Resolve(v)
				}
			}
		}
	})

	r.record("mapMangledModule", mapping, quoteAll(code)...)
	return mapping
}
