// Package trace provides named begin/end timing for the patching and lookup paths.
// A disabled tracer records nothing and every End returns 0.
package trace

import (
	"fmt"
	"sync"
	"time"

	"livepatch/internal/logging"
)

// OverlapError is returned by Begin when a trace with the same name is still open.
type OverlapError struct {
	Name string
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("trace %q is already open", e.Name)
}

type openTrace struct {
	start time.Time
	args  []any
}

// Tracer records keyed start timestamps and logs elapsed time on End.
type Tracer struct {
	enabled bool
	log     *logging.Logger

	mu   sync.Mutex
	open map[string]openTrace
}

// Nop is a disabled tracer.
var Nop = &Tracer{}

// New creates a tracer. When enabled is false the tracer behaves like Nop.
func New(enabled bool, logs *logging.Set) *Tracer {
	return &Tracer{
		enabled: enabled,
		log:     logs.Get(logging.CategoryTrace),
		open:    make(map[string]openTrace),
	}
}

// Enabled reports whether the tracer records anything.
func (t *Tracer) Enabled() bool {
	return t != nil && t.enabled
}

// Begin records the start of name.
func (t *Tracer) Begin(name string, args ...any) error {
	if !t.Enabled() {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.open[name]; ok {
		return &OverlapError{Name: name}
	}
	t.open[name] = openTrace{start: time.Now(), args: args}
	return nil
}

// End closes name, logs it and returns the elapsed time.
// Ending a name that was never begun returns 0.
func (t *Tracer) End(name string) time.Duration {
	if !t.Enabled() {
		return 0
	}
	t.mu.Lock()
	ot, ok := t.open[name]
	delete(t.open, name)
	t.mu.Unlock()

	if !ok {
		return 0
	}
	elapsed := time.Since(ot.start)
	if len(ot.args) > 0 {
		t.log.Debug("[trace] %s %v took %v", name, ot.args, elapsed)
	} else {
		t.log.Debug("[trace] %s took %v", name, elapsed)
	}
	return elapsed
}

// Open returns the number of traces currently open.
func (t *Tracer) Open() int {
	if !t.Enabled() {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}

// =============================================================================
// WRAPPERS
// =============================================================================

// Static returns a namer that ignores its argument.
func Static[A any](name string) func(A) string {
	return func(A) string { return name }
}

// Func instruments fn. The trace name is computed per call, so argument-derived
// names are possible. The trace is closed even if fn panics. A call whose name
// is already open runs untraced and leaves the open trace alone.
func Func[A, R any](t *Tracer, name func(A) string, fn func(A) R) func(A) R {
	return func(arg A) R {
		n := name(arg)
		if err := t.Begin(n, arg); err != nil {
			t.log.Warn("%v", err)
			return fn(arg)
		}
		defer t.End(n)
		return fn(arg)
	}
}

// FuncWithDuration is Func but also returns the measured duration.
func FuncWithDuration[A, R any](t *Tracer, name func(A) string, fn func(A) R) func(A) (R, time.Duration) {
	return func(arg A) (result R, elapsed time.Duration) {
		n := name(arg)
		if err := t.Begin(n, arg); err != nil {
			t.log.Warn("%v", err)
			return fn(arg), 0
		}
		defer func() {
			elapsed = t.End(n)
		}()
		result = fn(arg)
		return result, elapsed
	}
}
