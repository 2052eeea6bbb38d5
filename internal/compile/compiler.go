// Package compile turns factory source text into executable factories using
// the Yaegi Go interpreter. Original and patched factories go through the same
// path, so a patched factory is compiled exactly like the code it replaces.
package compile

import (
	"fmt"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"

	"livepatch/internal/host"
)

// =============================================================================
// YAEGI FACTORY COMPILER
// =============================================================================
// Factory source is a Go function literal of the shape
//
//	func(module map[string]any, exports map[string]any, require func(string) any) { ... }
//
// It is wrapped in a package main function named Factory, evaluated in a fresh
// interpreter, and the resulting value is asserted to host.FactoryFunc.
// Only builtins are available to factory code; everything else comes through
// require.

// CompileError describes source that failed to evaluate.
type CompileError struct {
	ID     string
	Source string
	Err    error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile module %s: %v", e.ID, e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// Compiler evaluates factory source.
type Compiler struct {
	mu       sync.Mutex
	cache    map[string]host.FactoryFunc
	maxCache int
}

// New creates a compiler that memoizes up to maxCache distinct sources.
// maxCache <= 0 disables memoization.
func New(maxCache int) *Compiler {
	return &Compiler{
		cache:    make(map[string]host.FactoryFunc),
		maxCache: maxCache,
	}
}

// Compile evaluates src. header, when not empty, is emitted as a comment above
// the generated function so interpreter stack traces name the module and
// its patch owners.
func (c *Compiler) Compile(id, src, header string) (fn host.FactoryFunc, err error) {
	if strings.TrimSpace(src) == "" {
		return nil, &CompileError{ID: id, Source: src, Err: fmt.Errorf("empty source")}
	}

	if c.maxCache > 0 {
		c.mu.Lock()
		cached, ok := c.cache[src]
		c.mu.Unlock()
		if ok {
			return cached, nil
		}
	}

	defer func() {
		if r := recover(); r != nil {
			fn = nil
			err = &CompileError{ID: id, Source: src, Err: fmt.Errorf("interpreter panic: %v", r)}
		}
	}()

	// Create interpreter
	i := interp.New(interp.Options{})

	if _, err := i.Eval(wrapCode(src, header)); err != nil {
		return nil, &CompileError{ID: id, Source: src, Err: err}
	}

	v, err := i.Eval("main.Factory")
	if err != nil {
		return nil, &CompileError{ID: id, Source: src, Err: fmt.Errorf("factory function not found: %w", err)}
	}

	raw, ok := v.Interface().(func(map[string]any, map[string]any, func(string) any))
	if !ok {
		return nil, &CompileError{ID: id, Source: src, Err: fmt.Errorf("factory has incorrect signature %s", v.Type())}
	}
	fn = host.FactoryFunc(raw)

	if c.maxCache > 0 {
		c.mu.Lock()
		if len(c.cache) >= c.maxCache {
			// Drop everything rather than track recency
			c.cache = make(map[string]host.FactoryFunc)
		}
		c.cache[src] = fn
		c.mu.Unlock()
	}
	return fn, nil
}

// Factory compiles src into a new unpatched factory.
func (c *Compiler) Factory(id, src string) (*host.Factory, error) {
	fn, err := c.Compile(id, src, "Module "+id)
	if err != nil {
		return nil, err
	}
	return &host.Factory{ID: id, Source: src, Fn: fn}, nil
}

// Header builds the comment emitted above a patched factory.
func Header(id string, owners []string) string {
	if len(owners) == 0 {
		return "Module " + id
	}
	return fmt.Sprintf("Module %s - Patched by %s", id, strings.Join(owners, ", "))
}

// wrapCode wraps the factory literal in a main package.
func wrapCode(src, header string) string {
	var sb strings.Builder
	sb.WriteString("package main\n\n")
	if header != "" {
		sb.WriteString("// ")
		sb.WriteString(strings.NewReplacer("\n", " ", "\r", " ").Replace(header))
		sb.WriteString("\n")
	}
	// The literal is bound in a statement so a trailing newline or line
	// comment in src cannot split the call.
	sb.WriteString("func Factory(module map[string]any, exports map[string]any, require func(string) any) {\n\tfactory := ")
	sb.WriteString(src)
	sb.WriteString("\n\tfactory(module, exports, require)\n}\n")
	return sb.String()
}
