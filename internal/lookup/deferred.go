package lookup

import (
	"fmt"
	"reflect"
	"sync"
)

// Deferred is a stand-in for a value that may not exist yet. It is either
// pending or settled; settling happens at most once.
type Deferred[T any] struct {
	describe func() string
	// onMiss is called the first time a pending value is read.
	onMiss func(err error)
	// onPanic receives panics recovered from callbacks.
	onPanic func(err error)

	mu       sync.Mutex
	settled  bool
	value    T
	err      error
	missed   bool
	onValue  []func(T)
	onSettle []func(T, error)
}

func newDeferred[T any](describe func() string, onMiss func(error)) *Deferred[T] {
	return &Deferred[T]{describe: describe, onMiss: onMiss}
}

// trackedDeferred creates a stand-in that reports misses and callback panics
// to r.
func trackedDeferred[T any](r *Resolver, describe func() string) *Deferred[T] {
	d := newDeferred[T](describe, r.miss)
	d.onPanic = r.callbackPanic
	return d
}

// child creates a stand-in sharing d's hooks.
func child[T, P any](d *Deferred[P], describe func() string) *Deferred[T] {
	c := newDeferred[T](describe, d.onMiss)
	c.onPanic = d.onPanic
	return c
}

// call runs fn, recovering a panic so one failing callback does not stop the
// rest.
func (d *Deferred[T]) call(fn func()) {
	defer func() {
		if rec := recover(); rec != nil && d.onPanic != nil {
			d.onPanic(fmt.Errorf("callback for %s panicked: %v", d.Description(), rec))
		}
	}()
	fn()
}

// Resolve settles d with v. Reports false if d had already settled.
func (d *Deferred[T]) Resolve(v T) bool {
	return d.settle(v, nil)
}

func (d *Deferred[T]) fail(err error) bool {
	var zero T
	return d.settle(zero, err)
}

func (d *Deferred[T]) settle(v T, err error) bool {
	d.mu.Lock()
	if d.settled {
		d.mu.Unlock()
		return false
	}
	d.settled = true
	d.value = v
	d.err = err
	onValue, onSettle := d.onValue, d.onSettle
	d.onValue, d.onSettle = nil, nil
	d.mu.Unlock()

	for _, fn := range onSettle {
		d.call(func() { fn(v, err) })
	}
	if err == nil {
		for _, fn := range onValue {
			d.call(func() { fn(v) })
		}
	}
	return true
}

// Description names the lookup behind d.
func (d *Deferred[T]) Description() string {
	if d.describe == nil {
		return "unresolved lookup"
	}
	return d.describe()
}

// Get returns the resolved value, or an *UnresolvedError while pending.
func (d *Deferred[T]) Get() (T, error) {
	d.mu.Lock()
	if d.settled {
		v, err := d.value, d.err
		d.mu.Unlock()
		return v, err
	}
	first := !d.missed
	d.missed = true
	d.mu.Unlock()

	err := &UnresolvedError{Description: d.Description()}
	if first && d.onMiss != nil {
		d.onMiss(err)
	}
	var zero T
	return zero, err
}

// Value returns the resolved value and whether it is available.
func (d *Deferred[T]) Value() (T, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.settled || d.err != nil {
		var zero T
		return zero, false
	}
	return d.value, true
}

// OrZero returns the resolved value or the zero value.
func (d *Deferred[T]) OrZero() T {
	v, _ := d.Value()
	return v
}

// Resolved reports whether d holds a value.
func (d *Deferred[T]) Resolved() bool {
	_, ok := d.Value()
	return ok
}

// OnResolve runs fn with the value once d resolves, or immediately if it
// already has. fn never runs for a failed stand-in.
func (d *Deferred[T]) OnResolve(fn func(T)) {
	d.mu.Lock()
	if !d.settled {
		d.onValue = append(d.onValue, fn)
		d.mu.Unlock()
		return
	}
	v, err := d.value, d.err
	d.mu.Unlock()
	if err == nil {
		d.call(func() { fn(v) })
	}
}

func (d *Deferred[T]) whenSettled(fn func(T, error)) {
	d.mu.Lock()
	if !d.settled {
		d.onSettle = append(d.onSettle, fn)
		d.mu.Unlock()
		return
	}
	v, err := d.value, d.err
	d.mu.Unlock()
	d.call(func() { fn(v, err) })
}

// Prop returns a stand-in for property key of the eventual value. It fails with
// a *PrimitiveValueError if the value turns out not to be object-shaped.
func (d *Deferred[T]) Prop(key string) *Deferred[any] {
	out := child[any](d, func() string {
		return fmt.Sprintf("%s (property %q)", d.Description(), key)
	})
	d.whenSettled(func(v T, err error) {
		if err != nil {
			out.fail(err)
			return
		}
		val := any(v)
		if !isObject(val) {
			out.fail(&PrimitiveValueError{Description: d.Description(), Key: key, Value: val})
			return
		}
		got, _ := prop(val, key)
		out.Resolve(got)
	})
	return out
}

// As adapts d to a typed stand-in. A value of another type fails the result
// with a *TypeMismatchError.
func As[T any](d *Deferred[any]) *Deferred[T] {
	out := child[T](d, d.describe)
	d.whenSettled(func(v any, err error) {
		if err != nil {
			out.fail(err)
			return
		}
		typed, ok := v.(T)
		if !ok {
			out.fail(&TypeMismatchError{Want: reflect.TypeOf((*T)(nil)).Elem().String(), Got: v})
			return
		}
		out.Resolve(typed)
	})
	return out
}
