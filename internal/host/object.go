// Package host models the module-loading machinery livepatch attaches to: a
// generic shared prototype with assignment traps, the loader object, its
// factory table and module cache, and the global chunk queue.
package host

// TrapFunc intercepts an assignment of value to a property of target. The trap
// decides whether the property is actually defined (via DefineOwn).
type TrapFunc func(target *Object, value any)

// Prototype is shared by every Object created against it. A trap placed on
// the prototype fires for assignments to objects that have no own property of
// that name yet.
type Prototype struct {
	traps map[string]TrapFunc
}

// NewPrototype creates an empty prototype.
func NewPrototype() *Prototype {
	return &Prototype{traps: make(map[string]TrapFunc)}
}

// DefineTrap installs fn for prop, replacing any existing trap.
func (p *Prototype) DefineTrap(prop string, fn TrapFunc) {
	p.traps[prop] = fn
}

// RemoveTrap deletes the trap for prop.
func (p *Prototype) RemoveTrap(prop string) {
	delete(p.traps, prop)
}

// HasTrap reports whether prop is trapped.
func (p *Prototype) HasTrap(prop string) bool {
	_, ok := p.traps[prop]
	return ok
}

// Object is a property bag bound to a prototype.
type Object struct {
	proto    *Prototype
	props    map[string]any
	ownTraps map[string]TrapFunc
	self     any
}

// NewObject creates an object. self is the Go value the object belongs to and
// is returned by Self, so traps can recover the typed owner.
func NewObject(proto *Prototype, self any) *Object {
	return &Object{
		proto:    proto,
		props:    make(map[string]any),
		ownTraps: make(map[string]TrapFunc),
		self:     self,
	}
}

// Self returns the owner passed to NewObject.
func (o *Object) Self() any {
	return o.self
}

// Set assigns prop. Own traps take precedence; prototype traps fire only while
// the object has no own value for prop.
func (o *Object) Set(prop string, value any) {
	if trap, ok := o.ownTraps[prop]; ok {
		trap(o, value)
		return
	}
	if _, own := o.props[prop]; !own && o.proto != nil {
		if trap, ok := o.proto.traps[prop]; ok {
			trap(o, value)
			return
		}
	}
	o.props[prop] = value
}

// Get returns the own value of prop.
func (o *Object) Get(prop string) (any, bool) {
	v, ok := o.props[prop]
	return v, ok
}

// DefineOwn sets prop directly, bypassing every trap.
func (o *Object) DefineOwn(prop string, value any) {
	o.props[prop] = value
}

// Delete removes the own value of prop.
func (o *Object) Delete(prop string) {
	delete(o.props, prop)
}

// DefineOwnTrap installs a trap that fires on every assignment to prop on
// this object only.
func (o *Object) DefineOwnTrap(prop string, fn TrapFunc) {
	o.ownTraps[prop] = fn
}

// RemoveOwnTrap deletes the own trap for prop.
func (o *Object) RemoveOwnTrap(prop string) {
	delete(o.ownTraps, prop)
}

// HasOwnTrap reports whether prop has an own trap.
func (o *Object) HasOwnTrap(prop string) bool {
	_, ok := o.ownTraps[prop]
	return ok
}
