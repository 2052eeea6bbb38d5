// Package lookup resolves "the first export matching a filter", immediately
// when such a module is already loaded and otherwise exactly once when it
// loads. Lookups return stand-ins (Deferred, Component) that become the real
// value on resolution.
package lookup

import (
	"sync"

	"github.com/google/uuid"

	"livepatch/internal/host"
	"livepatch/internal/logging"
	"livepatch/internal/trace"
)

// Source exposes the captured loader state. Every method may return nil
// before the loader is found.
type Source interface {
	Loader() *host.Loader
	Cache() *host.ModuleCache
	Factories() *host.FactoryTable
}

// Callback receives a match.
type Callback func(exports any, m Match)

// ModuleListener sees every module that produced exports.
type ModuleListener func(id string, exports any)

// Subscription is a pending one-shot lookup.
type Subscription struct {
	ID     string
	Filter *Filter

	cb   Callback
	done bool
}

// Options tunes diagnostics.
type Options struct {
	Dev bool
	// Reporter records every lookup so unresolved ones can be listed.
	Reporter bool
}

// Resolver owns the pending subscriptions and module listeners of one runtime.
type Resolver struct {
	opts   Options
	log    *logging.Logger
	chunks *logging.Logger
	tracer *trace.Tracer
	src    Source

	mu        sync.Mutex
	subs      []*Subscription
	listeners map[string]ModuleListener
	order     []string
	history   []Entry

	cacheFind         func(*Filter) Match
	cacheFindModuleID func(codeSet) string
}

// New creates a resolver. It resolves nothing until Bind gives it a source,
// but subscriptions registered before that are kept.
func New(opts Options, logs *logging.Set, tracer *trace.Tracer) *Resolver {
	if tracer == nil {
		tracer = trace.Nop
	}
	r := &Resolver{
		opts:      opts,
		log:       logs.Get(logging.CategoryLookup),
		chunks:    logs.Get(logging.CategoryChunks),
		tracer:    tracer,
		listeners: make(map[string]ModuleListener),
	}
	r.cacheFind = trace.Func(tracer, trace.Static[*Filter]("cacheFind"), r.cacheFindRaw)
	r.cacheFindModuleID = trace.Func(tracer, trace.Static[codeSet]("cacheFindModuleId"), r.cacheFindModuleIDRaw)
	return r
}

// Bind connects the resolver to loader state.
func (r *Resolver) Bind(src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.src = src
}

func (r *Resolver) cache() *host.ModuleCache {
	r.mu.Lock()
	src := r.src
	r.mu.Unlock()
	if src == nil {
		return nil
	}
	return src.Cache()
}

func (r *Resolver) factories() *host.FactoryTable {
	r.mu.Lock()
	src := r.src
	r.mu.Unlock()
	if src == nil {
		return nil
	}
	return src.Factories()
}

func (r *Resolver) loader() *host.Loader {
	r.mu.Lock()
	src := r.src
	r.mu.Unlock()
	if src == nil {
		return nil
	}
	return src.Loader()
}

// factory returns the factory for id, if the table is known.
func (r *Resolver) factory(id string) *host.Factory {
	t := r.factories()
	if t == nil {
		return nil
	}
	f, _ := t.Get(id)
	return f
}

// miss reports an unresolved stand-in access. Development builds log it as an
// error, production stays quiet.
func (r *Resolver) miss(err error) {
	if r.opts.Dev {
		r.log.Error("%v", err)
		return
	}
	r.log.Debug("%v", err)
}

func (r *Resolver) callbackPanic(err error) {
	r.log.Error("%v", err)
}

// WaitFor calls cb with the first export matching f: immediately if a loaded
// module already matches, otherwise when one loads. The returned subscription
// is nil when cb already ran.
func (r *Resolver) WaitFor(f *Filter, cb Callback) (*Subscription, error) {
	if f == nil || cb == nil {
		return nil, ErrInvalidFilter
	}
	if r.opts.Reporter {
		called := &callState{}
		inner := cb
		cb = func(exports any, m Match) {
			called.set()
			inner(exports, m)
		}
		r.record("waitFor", called, f.Description)
	}
	return r.waitFor(f, cb), nil
}

func (r *Resolver) waitFor(f *Filter, cb Callback) *Subscription {
	if r.cache() != nil {
		if m := r.cacheFind(f); m.ID != "" {
			r.invoke(cb, m)
			return nil
		}
	}
	sub := &Subscription{ID: uuid.NewString(), Filter: f, cb: cb}
	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()
	return sub
}

// Cancel removes a pending subscription. Reports false if it already fired.
func (r *Resolver) Cancel(sub *Subscription) bool {
	if sub == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s == sub {
			s.done = true
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			return true
		}
	}
	return false
}

// CancelFilter removes every pending subscription registered with f.
func (r *Resolver) CancelFilter(f *Filter) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.subs[:0:0]
	n := 0
	for _, s := range r.subs {
		if s.Filter == f {
			s.done = true
			n++
			continue
		}
		kept = append(kept, s)
	}
	r.subs = kept
	return n
}

// Pending returns the number of pending subscriptions.
func (r *Resolver) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Clear drops every pending subscription and module listener.
func (r *Resolver) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		s.done = true
	}
	r.subs = nil
	r.listeners = make(map[string]ModuleListener)
	r.order = nil
}

// AddModuleListener registers fn for every loaded module. The returned
// function removes it.
func (r *Resolver) AddModuleListener(fn ModuleListener) func() {
	id := uuid.NewString()
	r.mu.Lock()
	r.listeners[id] = fn
	r.order = append(r.order, id)
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
		for i, v := range r.order {
			if v == id {
				r.order = append(r.order[:i:i], r.order[i+1:]...)
				break
			}
		}
	}
}

// OnModuleLoaded offers freshly produced exports to module listeners and then
// to every pending subscription. Subscriptions registered while this runs are
// not tested against this module.
func (r *Resolver) OnModuleLoaded(id string, exports any, f *host.Factory) {
	r.mu.Lock()
	listeners := make([]ModuleListener, 0, len(r.order))
	for _, lid := range r.order {
		listeners = append(listeners, r.listeners[lid])
	}
	subs := make([]*Subscription, len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Error("Error in module listener for module %s: %v", id, rec)
				}
			}()
			fn(id, exports)
		}()
	}

	for _, sub := range subs {
		m, ok := scan(sub.Filter, id, exports, f)
		if !ok {
			continue
		}
		if !r.take(sub) {
			continue
		}
		r.invoke(sub.cb, m)
	}
}

// take removes sub from the pending set. Reports false if another path
// already fired or cancelled it.
func (r *Resolver) take(sub *Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub.done {
		return false
	}
	sub.done = true
	for i, s := range r.subs {
		if s == sub {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			break
		}
	}
	return true
}

func (r *Resolver) invoke(cb Callback, m Match) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("Error in lookup callback for module %s: %v", m.ID, rec)
		}
	}()
	cb(m.Result, m)
}
