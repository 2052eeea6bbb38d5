package host

import (
	"context"
	"errors"
	"fmt"
)

// Loader property names.
const (
	PropFactories = "m"
	PropCache     = "c"
	PropBasePath  = "p"
	PropEnsure    = "e"
)

// ErrNoChunkLoader is returned by EnsureChunk when no "e" function was assigned.
var ErrNoChunkLoader = errors.New("loader has no chunk loader")

// MissingModuleError is raised by Require for an id with no factory.
type MissingModuleError struct {
	ID string
}

func (e *MissingModuleError) Error() string {
	return fmt.Sprintf("cannot find module %q", e.ID)
}

// ChunkLoaderFunc loads a chunk by id and registers it with the host.
type ChunkLoaderFunc func(ctx context.Context, chunkID string) error

// Loader is the host's require function object. Its properties are assigned
// through Object so prototype and own traps observe them.
type Loader struct {
	obj *Object
}

// NewLoader creates a loader whose object uses proto.
func NewLoader(proto *Prototype) *Loader {
	l := &Loader{}
	l.obj = NewObject(proto, l)
	return l
}

// Object returns the loader's property bag.
func (l *Loader) Object() *Object {
	return l.obj
}

// Factories returns the "m" table, or nil if unassigned.
func (l *Loader) Factories() *FactoryTable {
	v, _ := l.obj.Get(PropFactories)
	t, _ := v.(*FactoryTable)
	return t
}

// Cache returns the "c" cache, or nil if unassigned.
func (l *Loader) Cache() *ModuleCache {
	v, _ := l.obj.Get(PropCache)
	c, _ := v.(*ModuleCache)
	return c
}

// BasePath returns the "p" property.
func (l *Loader) BasePath() string {
	v, _ := l.obj.Get(PropBasePath)
	s, _ := v.(string)
	return s
}

// Require instantiates id at most once and returns its exports. The module is
// cached before its factory runs, so cycles observe partial exports. A
// panicking factory is evicted from the cache and the panic propagates.
func (l *Loader) Require(id string) any {
	cache := l.Cache()
	if m, ok := cache.Get(id); ok {
		return m.Exports
	}
	f, ok := l.Factories().Get(id)
	if !ok || f.Fn == nil {
		panic(&MissingModuleError{ID: id})
	}

	exports := map[string]any{}
	module := map[string]any{"id": id, "exports": exports, "loaded": false}
	m := &Module{ID: id, Exports: exports}
	cache.Put(m)

	func() {
		defer func() {
			if r := recover(); r != nil {
				cache.remove(id)
				panic(r)
			}
		}()
		f.Fn(module, exports, l.Require)
	}()

	m.Exports = module["exports"]
	m.Loaded = true
	module["loaded"] = true
	return m.Exports
}

// TryRequire is Require with panics converted to errors.
func (l *Loader) TryRequire(id string) (exports any, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("require %s: %w", id, e)
				return
			}
			err = fmt.Errorf("require %s: %v", id, r)
		}
	}()
	return l.Require(id), nil
}

// EnsureChunk asks the host to load chunkID.
func (l *Loader) EnsureChunk(ctx context.Context, chunkID string) error {
	v, _ := l.obj.Get(PropEnsure)
	fn, ok := v.(ChunkLoaderFunc)
	if !ok || fn == nil {
		return ErrNoChunkLoader
	}
	return fn(ctx, chunkID)
}
