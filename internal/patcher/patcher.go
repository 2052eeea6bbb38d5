// Package patcher rewrites module factories before their first execution.
//
// Every factory is folded to a single line (Canonicalize), tested against the
// owner-ordered patch list, rewritten replacement by replacement and
// recompiled after each effective change. No-op replacements inside a group
// and replacement errors roll back, so a bad patch never leaves a module half
// rewritten. The result is wrapped so a patched factory that fails at run time
// falls back to the original.
package patcher

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"livepatch/internal/compile"
	"livepatch/internal/diff"
	"livepatch/internal/host"
	"livepatch/internal/logging"
	"livepatch/internal/trace"
)

// Compiler turns source into an executable factory.
type Compiler interface {
	Compile(id, src, header string) (host.FactoryFunc, error)
}

// Env is the loader state the execution wrapper depends on.
type Env interface {
	Initialized() bool
	Cache() *host.ModuleCache
}

// ModuleHook is notified after a wrapped factory has produced exports.
type ModuleHook interface {
	OnModuleLoaded(id string, exports any, f *host.Factory)
}

// Options tunes diagnostics and execution.
type Options struct {
	Dev                 bool
	RetainPatchedSource bool
	ContextChars        int
	// HideExports marks exports that must not be offered to lookups.
	HideExports func(exports any) bool
}

// HideGlobal hides modules whose exports are the host global object.
func HideGlobal(exports any) bool {
	_, ok := exports.(*host.Global)
	return ok
}

// Patcher applies the patch list to factories.
type Patcher struct {
	list     *PatchList
	compiler Compiler
	diff     *diff.Engine
	tracer   *trace.Tracer
	log      *logging.Logger
	opts     Options

	env  Env
	hook ModuleHook

	mu        sync.Mutex
	listeners []func(*host.Factory)
	report    *Report

	warnedUninitialized bool
}

// New creates a patcher over list.
func New(list *PatchList, compiler Compiler, opts Options, logs *logging.Set, tracer *trace.Tracer) *Patcher {
	if opts.ContextChars <= 0 {
		opts.ContextChars = 200
	}
	if tracer == nil {
		tracer = trace.Nop
	}
	return &Patcher{
		list:     list,
		compiler: compiler,
		diff:     diff.NewEngine(),
		tracer:   tracer,
		log:      logs.Get(logging.CategoryPatcher),
		opts:     opts,
		report:   newReport(),
	}
}

// Bind connects the patcher to loader state and the post-execution hook.
func (p *Patcher) Bind(env Env, hook ModuleHook) {
	p.env = env
	p.hook = hook
}

// List returns the patch list.
func (p *Patcher) List() *PatchList {
	return p.list
}

// Report returns the per-module outcome record.
func (p *Patcher) Report() *Report {
	return p.report
}

// AddFactoryListener registers fn to see every factory before it is patched.
func (p *Patcher) AddFactoryListener(fn func(*host.Factory)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

func (p *Patcher) notifyFactoryListeners(f *host.Factory) {
	p.mu.Lock()
	listeners := make([]func(*host.Factory), len(p.listeners))
	copy(listeners, p.listeners)
	p.mu.Unlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.log.Error("Error in factory listener for module %s: %v", f.ID, r)
				}
			}()
			fn(f)
		}()
	}
}

// Patch rewrites f and returns the wrapped result. Factories that were already
// processed are returned unchanged.
func (p *Patcher) Patch(id string, f *host.Factory) *host.Factory {
	if f == nil || f.Wrapped() {
		return f
	}
	if err := p.tracer.Begin("patch:"+id, id); err == nil {
		defer p.tracer.End("patch:" + id)
	}

	p.notifyFactoryListeners(f)

	code := Canonicalize(f.Source)
	fn := f.Fn
	var patchedBy []string

	for _, pt := range p.list.Snapshot() {
		def := pt.Def
		if !safePredicate(def.Predicate) {
			continue
		}
		matched, err := def.Find.Test(code)
		if err != nil {
			p.log.Warn("Find %s of patch by %s failed on module %s: %v", def.Find, def.Owner, id, err)
			continue
		}
		if !matched {
			continue
		}

		previousCode, previousFn := code, fn
		mark := len(patchedBy)
		if !containsOwner(patchedBy, def.Owner) {
			patchedBy = append(patchedBy, def.Owner)
		}

		for i := range def.Replacements {
			r := &def.Replacements[i]
			if !safePredicate(r.Predicate) {
				continue
			}
			lastCode, lastFn := code, fn

			newCode, err := r.apply(code)
			if err == nil && newCode == code {
				p.report.record(id, Event{Owner: def.Owner, Kind: EventNoOp, Replacement: i})
				if !def.NoWarn {
					p.log.Warn("Patch by %s had no effect (Module id is %s): %s", def.Owner, id, r.Match)
				}
				if def.Group {
					p.log.Warn("Undoing patch group %s by %s because replacement %s had no effect", def.Find, def.Owner, r.Match)
					code, fn = previousCode, previousFn
					patchedBy = patchedBy[:mark]
					p.report.record(id, Event{Owner: def.Owner, Kind: EventGroupRolledBack, Replacement: i})
					break
				}
				continue
			}

			if err == nil {
				compiled, cerr := p.compiler.Compile(id, newCode, compile.Header(id, patchedBy))
				if cerr == nil {
					code, fn = newCode, compiled
					p.report.record(id, Event{Owner: def.Owner, Kind: EventApplied, Replacement: i})
					continue
				}
				err = cerr
			} else {
				newCode = ""
			}

			rerr := p.replacementError(id, def.Owner, i, r.Match, lastCode, newCode, err)
			p.report.record(id, Event{Owner: def.Owner, Kind: EventError, Replacement: i, Err: rerr})
			p.logReplacementError(rerr)

			if def.Group {
				p.log.Warn("Undoing patch group %s by %s because replacement %s errored", def.Find, def.Owner, r.Match)
				code, fn = previousCode, previousFn
				patchedBy = patchedBy[:mark]
				p.report.record(id, Event{Owner: def.Owner, Kind: EventGroupRolledBack, Replacement: i})
				break
			}
			code, fn = lastCode, lastFn
		}

		if code == previousCode {
			patchedBy = patchedBy[:mark]
			continue
		}
		if !def.Repeatable {
			p.list.consume(pt)
		}
	}

	wrapped := &host.Factory{
		ID:        id,
		Source:    f.Source,
		Original:  f,
		PatchedBy: patchedBy,
	}
	if len(patchedBy) > 0 && (p.opts.Dev || p.opts.RetainPatchedSource) {
		wrapped.PatchedSource = code
	}
	wrapped.Fn = p.wrap(id, wrapped, fn)

	if len(patchedBy) > 0 {
		p.report.setPatchedBy(id, patchedBy)
		p.log.Debug("Module %s patched by %v", id, patchedBy)
	}
	return wrapped
}

// PatchTable runs every factory currently in t through the patcher.
func (p *Patcher) PatchTable(t *host.FactoryTable) {
	for _, id := range t.IDs() {
		f, _ := t.Get(id)
		t.Replace(id, p.Patch(id, f))
	}
}

// PatchChunk patches a chunk's factories in place.
func (p *Patcher) PatchChunk(c *host.Chunk) {
	for i, f := range c.Factories {
		if f == nil {
			continue
		}
		c.Factories[i] = p.Patch(f.ID, f)
	}
}

func containsOwner(owners []string, owner string) bool {
	for _, o := range owners {
		if o == owner {
			return true
		}
	}
	return false
}

// =============================================================================
// DIAGNOSTICS
// =============================================================================

func (p *Patcher) replacementError(id, owner string, index int, match Matcher, lastCode, newCode string, err error) *ReplacementError {
	rerr := &ReplacementError{
		Owner:    owner,
		ModuleID: id,
		Index:    index,
		Match:    match.String(),
		Err:      err,
	}
	if !p.opts.Dev {
		return rerr
	}

	n := p.opts.ContextChars
	at, length := match.locate(lastCode)
	if at < 0 {
		at, length = 0, 0
	}
	rerr.Before = window(lastCode, at-n, at+length+n)
	if newCode != "" {
		change := utf8.RuneCountInString(newCode) - utf8.RuneCountInString(lastCode)
		rerr.After = window(newCode, at-n, at+length+n+change)
		rerr.Diff = p.diff.Words(rerr.Before, rerr.After)
	}
	return rerr
}

func (p *Patcher) logReplacementError(rerr *ReplacementError) {
	p.log.Error("Patch by %s errored (Module id is %s): %s: %v", rerr.Owner, rerr.ModuleID, rerr.Match, rerr.Err)
	if !p.opts.Dev {
		return
	}
	p.log.Error("Before: %s", rerr.Before)
	if rerr.After != "" {
		p.log.Error("After: %s", rerr.After)
		p.log.Error("Diff: %s", diff.Format(rerr.Diff))
	}
}

// window slices the runes of s to [from, to) clamped to its bounds.
func window(s string, from, to int) string {
	rs := []rune(s)
	if from < 0 {
		from = 0
	}
	if to > len(rs) {
		to = len(rs)
	}
	if from >= to {
		return ""
	}
	return string(rs[from:to])
}

func (p *Patcher) String() string {
	return fmt.Sprintf("Patcher(%d patches)", p.list.Len())
}
