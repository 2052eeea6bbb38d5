// Package runtime wires one self-contained livepatch context: logging,
// tracing, the compiler, the patch list, the patcher, the resolver and the
// interceptor. Nothing is global; every caller (and every test) builds its
// own Runtime and closes it when done.
package runtime

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"livepatch/internal/compile"
	"livepatch/internal/config"
	"livepatch/internal/host"
	"livepatch/internal/intercept"
	"livepatch/internal/logging"
	"livepatch/internal/lookup"
	"livepatch/internal/patcher"
	"livepatch/internal/trace"
)

// DefaultCompileCache bounds the compiler's memo of compiled sources.
const DefaultCompileCache = 512

// ErrAttached is returned by Attach on a runtime that is already attached.
var ErrAttached = errors.New("runtime already attached")

// ErrClosed is returned by Attach after Close.
var ErrClosed = errors.New("runtime closed")

// Option configures a Runtime.
type Option func(*Runtime) error

// WithLogs uses logs instead of building a Set from the logging config.
func WithLogs(logs *logging.Set) Option {
	return func(r *Runtime) error {
		r.logs = logs
		return nil
	}
}

// WithPatches registers defs before any factory is seen.
func WithPatches(defs ...patcher.PatchDefinition) Option {
	return func(r *Runtime) error {
		return r.list.AddAll(defs)
	}
}

// WithCompileCache sets the compiler memo size.
func WithCompileCache(n int) Option {
	return func(r *Runtime) error {
		if n <= 0 {
			return fmt.Errorf("compile cache size must be positive, got %d", n)
		}
		r.compileCache = n
		return nil
	}
}

// Runtime is one livepatch context.
type Runtime struct {
	id  string
	cfg *config.Config

	logs         *logging.Set
	log          *logging.Logger
	tracer       *trace.Tracer
	compileCache int
	compiler     *compile.Compiler
	list         *patcher.PatchList
	patcher      *patcher.Patcher
	resolver     *lookup.Resolver

	mu          sync.Mutex
	interceptor *intercept.Interceptor
	closed      bool
}

// New builds a runtime from cfg. A nil cfg uses config.DefaultConfig.
func New(cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	r := &Runtime{
		id:           uuid.NewString(),
		cfg:          cfg,
		list:         patcher.NewPatchList(),
		compileCache: DefaultCompileCache,
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, fmt.Errorf("failed to apply runtime option: %w", err)
		}
	}

	if r.logs == nil {
		logs, err := logging.New(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
		r.logs = logs
	}
	r.log = r.logs.Get(logging.CategoryBoot).With("runtime", r.id)

	r.tracer = trace.New(cfg.Trace.Enabled, r.logs)
	r.compiler = compile.New(r.compileCache)

	popts := patcher.Options{
		Dev:                 cfg.IsDev(),
		RetainPatchedSource: cfg.RetainPatchedSource(),
		ContextChars:        cfg.Patches.ContextChars,
	}
	if cfg.Patches.HideGlobalExports {
		popts.HideExports = patcher.HideGlobal
	}
	r.patcher = patcher.New(r.list, r.compiler, popts, r.logs, r.tracer)
	r.resolver = lookup.New(lookup.Options{Dev: cfg.IsDev(), Reporter: cfg.Reporter}, r.logs, r.tracer)

	r.log.Info("Runtime created (mode %s, %d patches)", cfg.Mode, r.list.Len())
	return r, nil
}

// Attach installs the interceptor on a host global. Factories the host
// registers afterwards are patched and their exports offered to lookups.
func (r *Runtime) Attach(global *host.Global, proto *host.Prototype) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.interceptor != nil {
		return ErrAttached
	}

	icpt := intercept.New(global, proto, r.patcher, intercept.Options{
		ChunkSlot:    r.cfg.Host.ChunkSlot,
		BasePath:     r.cfg.Host.BasePath,
		StackMarkers: r.cfg.Host.StackMarkers,
	}, r.logs)
	r.patcher.Bind(icpt, r.resolver)
	r.resolver.Bind(icpt)
	if err := icpt.Install(); err != nil {
		return fmt.Errorf("failed to install interceptor: %w", err)
	}
	r.interceptor = icpt
	r.log.Debug("Attached to chunk slot %s", r.cfg.Host.ChunkSlot)
	return nil
}

// Close uninstalls the interceptor and drops pending lookups.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.interceptor != nil {
		r.interceptor.Uninstall()
	}
	r.resolver.Clear()
	r.log.Debug("Runtime closed")
	r.logs.Sync()
	return nil
}

// ID identifies the runtime in logs.
func (r *Runtime) ID() string { return r.id }

// Config returns the runtime's configuration.
func (r *Runtime) Config() *config.Config { return r.cfg }

// Logs returns the logger set.
func (r *Runtime) Logs() *logging.Set { return r.logs }

// Tracer returns the tracer.
func (r *Runtime) Tracer() *trace.Tracer { return r.tracer }

// Compiler returns the factory compiler.
func (r *Runtime) Compiler() *compile.Compiler { return r.compiler }

// Patches returns the live patch list.
func (r *Runtime) Patches() *patcher.PatchList { return r.list }

// Patcher returns the patcher.
func (r *Runtime) Patcher() *patcher.Patcher { return r.patcher }

// Resolver returns the lookup resolver.
func (r *Runtime) Resolver() *lookup.Resolver { return r.resolver }

// Interceptor returns the interceptor, or nil before Attach.
func (r *Runtime) Interceptor() *intercept.Interceptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interceptor
}
