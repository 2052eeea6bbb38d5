// Package intercept finds the host's loader as it boots and routes every
// module factory through the patcher before the host can run it.
//
// Two traps do the work. A trap for "m" on the shared prototype sees the
// loader's factory table being assigned, confirms from the call stack that
// the assignment comes from the host's bootstrap, patches every factory
// already in the table and hooks the table so later factories are patched on
// arrival. A trap for "p" on that loader then marks it initialized once the
// expected base path is assigned. The global chunk queue's push is wrapped so
// factories in pushed chunks are patched before the host installs them.
package intercept

import (
	"errors"
	"runtime"
	"strings"
	"sync"

	"livepatch/internal/host"
	"livepatch/internal/logging"
)

// ErrLoaderNotFound is returned by CheckFound when no loader was captured.
var ErrLoaderNotFound = errors.New("module loader was not found")

// ErrInstalled is returned by Install when the traps are already in place.
var ErrInstalled = errors.New("interceptor already installed")

// Patcher rewrites factories.
type Patcher interface {
	Patch(id string, f *host.Factory) *host.Factory
	PatchTable(t *host.FactoryTable)
	PatchChunk(c *host.Chunk)
}

// Options identifies the host to attach to.
type Options struct {
	ChunkSlot string
	// BasePath is the value of "p" that marks the loader initialized. Empty
	// accepts any value.
	BasePath string
	// StackMarkers are function names, one of which must be on the stack when
	// "m" is assigned. Empty accepts any caller.
	StackMarkers []string
}

// Interceptor owns the traps of one runtime.
type Interceptor struct {
	global  *host.Global
	proto   *host.Prototype
	patcher Patcher
	opts    Options
	log     *logging.Logger

	mu          sync.Mutex
	installed   bool
	loader      *host.Loader
	initialized bool
	beforeInit  []func(*host.Loader)
	onInit      []func(*host.Loader)

	queue     *host.ChunkQueue
	innerPush host.PushFunc
	slotTrap  bool

	warnedNotFound bool
}

// New creates an interceptor for global. Nothing is trapped until Install.
func New(global *host.Global, proto *host.Prototype, p Patcher, opts Options, logs *logging.Set) *Interceptor {
	return &Interceptor{
		global:  global,
		proto:   proto,
		patcher: p,
		opts:    opts,
		log:     logs.Get(logging.CategoryInterceptor),
	}
}

// Install places the factory table trap on the prototype and wraps the chunk
// queue, or traps its slot if the host has not created it yet.
func (i *Interceptor) Install() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.installed {
		return ErrInstalled
	}
	i.installed = true

	i.proto.DefineTrap(host.PropFactories, i.factoriesTrap)

	obj := i.global.Object()
	if v, ok := obj.Get(i.opts.ChunkSlot); ok {
		if q, ok := v.(*host.ChunkQueue); ok {
			i.trapQueue(q)
			return nil
		}
	}
	i.slotTrap = true
	obj.DefineOwnTrap(i.opts.ChunkSlot, i.slotTrapFunc)
	return nil
}

// Uninstall removes every trap and hook placed by the interceptor.
func (i *Interceptor) Uninstall() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.installed {
		return
	}
	i.installed = false

	i.proto.RemoveTrap(host.PropFactories)
	if i.slotTrap {
		i.global.Object().RemoveOwnTrap(i.opts.ChunkSlot)
		i.slotTrap = false
	}
	if i.queue != nil {
		i.queue.UntrapPush(i.innerPush)
		i.queue = nil
	}
	if i.loader != nil {
		i.loader.Object().RemoveOwnTrap(host.PropBasePath)
		if t := i.loader.Factories(); t != nil {
			t.SetHook(nil)
		}
	}
}

func (i *Interceptor) slotTrapFunc(target *host.Object, value any) {
	target.DefineOwn(i.opts.ChunkSlot, value)
	q, ok := value.(*host.ChunkQueue)
	if !ok {
		return
	}
	target.RemoveOwnTrap(i.opts.ChunkSlot)

	i.mu.Lock()
	defer i.mu.Unlock()
	i.slotTrap = false
	i.trapQueue(q)
}

// trapQueue wraps q's push, and every later replacement of it, so each pushed
// chunk is patched first.
func (i *Interceptor) trapQueue(q *host.ChunkQueue) {
	i.queue = q
	q.TrapPush(func(inner host.PushFunc) host.PushFunc {
		i.innerPush = inner
		return func(c *host.Chunk) {
			// The host may still hold this wrapper after Uninstall.
			if i.Installed() {
				i.patchChunk(c)
			}
			inner(c)
		}
	})
	i.log.Debug("Chunk queue %s trapped", i.opts.ChunkSlot)
}

func (i *Interceptor) patchChunk(c *host.Chunk) {
	defer func() {
		if r := recover(); r != nil {
			i.log.Error("Error while patching pushed chunk %v: %v", c.IDs, r)
		}
	}()
	i.patcher.PatchChunk(c)
}

// factoriesTrap runs when "m" is assigned on any object sharing the
// prototype. Only the host's own loader is captured; everything else gets a
// plain property.
func (i *Interceptor) factoriesTrap(target *host.Object, value any) {
	table, ok := value.(*host.FactoryTable)
	if !ok {
		target.DefineOwn(host.PropFactories, value)
		return
	}
	frame, ok := i.callerMatches()
	if !ok {
		i.log.Debug("Ignoring factory table assigned outside the host bootstrap")
		target.DefineOwn(host.PropFactories, value)
		return
	}
	loader, ok := target.Self().(*host.Loader)
	if !ok {
		target.DefineOwn(host.PropFactories, value)
		return
	}

	i.log.Info("Found module factory table (%s)", frame)
	i.proto.RemoveTrap(host.PropFactories)

	func() {
		defer func() {
			if r := recover(); r != nil {
				i.log.Error("Error while patching pre-populated factories: %v", r)
			}
		}()
		i.patcher.PatchTable(table)
	}()
	table.SetHook(i.patcher.Patch)
	target.DefineOwn(host.PropFactories, table)

	i.mu.Lock()
	i.loader = loader
	i.mu.Unlock()

	target.DefineOwnTrap(host.PropBasePath, i.basePathTrap)
}

// callerMatches looks for a configured marker among the current call frames.
func (i *Interceptor) callerMatches() (string, bool) {
	if len(i.opts.StackMarkers) == 0 {
		return "any caller", true
	}
	pcs := make([]uintptr, 64)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		for _, marker := range i.opts.StackMarkers {
			if strings.Contains(frame.Function, marker) {
				return frame.Function, true
			}
		}
		if !more {
			return "", false
		}
	}
}

func (i *Interceptor) basePathTrap(target *host.Object, value any) {
	target.DefineOwn(host.PropBasePath, value)
	if s, _ := value.(string); i.opts.BasePath != "" && s != i.opts.BasePath {
		return
	}
	target.RemoveOwnTrap(host.PropBasePath)

	i.mu.Lock()
	if i.initialized {
		i.mu.Unlock()
		return
	}
	i.initialized = true
	loader := i.loader
	beforeInit, onInit := i.beforeInit, i.onInit
	i.beforeInit = nil
	i.mu.Unlock()

	i.log.Info("Loader initialized, running %d before-init listeners", len(beforeInit))
	for _, fn := range beforeInit {
		i.runListener("before-init", fn, loader)
	}
	for _, fn := range onInit {
		i.runListener("init", fn, loader)
	}
}

func (i *Interceptor) runListener(kind string, fn func(*host.Loader), l *host.Loader) {
	defer func() {
		if r := recover(); r != nil {
			i.log.Error("Error in %s listener: %v", kind, r)
		}
	}()
	fn(l)
}

// AddBeforeInitListener registers fn to run once when the loader initializes,
// before any chunk entry executes. After initialization fn runs immediately.
func (i *Interceptor) AddBeforeInitListener(fn func(*host.Loader)) {
	i.mu.Lock()
	if !i.initialized {
		i.beforeInit = append(i.beforeInit, fn)
		i.mu.Unlock()
		return
	}
	l := i.loader
	i.mu.Unlock()
	i.runListener("before-init", fn, l)
}

// OnInit registers fn to run after the before-init listeners.
func (i *Interceptor) OnInit(fn func(*host.Loader)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.onInit = append(i.onInit, fn)
}

// Installed reports whether the traps are in place.
func (i *Interceptor) Installed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.installed
}

// Initialized reports whether the loader's base path was assigned.
func (i *Interceptor) Initialized() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.initialized
}

// Loader returns the captured loader once initialized.
func (i *Interceptor) Loader() *host.Loader {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.initialized {
		return nil
	}
	return i.loader
}

// Cache returns the loader's module cache once initialized.
func (i *Interceptor) Cache() *host.ModuleCache {
	if l := i.Loader(); l != nil {
		return l.Cache()
	}
	return nil
}

// Factories returns the loader's factory table once initialized.
func (i *Interceptor) Factories() *host.FactoryTable {
	if l := i.Loader(); l != nil {
		return l.Factories()
	}
	return nil
}

// CheckFound returns ErrLoaderNotFound, logging it once, if no loader was
// captured. Lookups keep returning unresolved stand-ins in that case.
func (i *Interceptor) CheckFound() error {
	i.mu.Lock()
	found := i.loader != nil
	warn := !found && !i.warnedNotFound
	if warn {
		i.warnedNotFound = true
	}
	i.mu.Unlock()

	if found {
		return nil
	}
	if warn {
		i.log.Warn("Module loader was not found; lookups will stay unresolved")
	}
	return ErrLoaderNotFound
}
