package lookup

import (
	"sync"

	"livepatch/internal/host"
)

// RenderFunc renders a component for props.
type RenderFunc func(props map[string]any) any

// Renderer is implemented by values that can render themselves.
type Renderer interface {
	Render(props map[string]any) any
}

// Component is an invokable stand-in for a component that may not be loaded
// yet. Until it resolves, Render logs once and produces nothing.
type Component struct {
	describe func() string
	onMiss   func(err error)

	mu     sync.Mutex
	raw    any
	render RenderFunc
	attrs  map[string]any
	set    bool
	missed bool
}

func newComponent(describe func() string, onMiss func(error)) *Component {
	return &Component{describe: describe, onMiss: onMiss}
}

// resolve binds the stand-in. raw's own properties are copied onto the
// stand-in; parsed is what Render delegates to.
func (c *Component) resolve(raw, parsed any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set {
		return false
	}
	c.set = true
	c.raw = parsed
	c.render = renderFuncOf(parsed)
	if m, ok := raw.(map[string]any); ok {
		c.attrs = make(map[string]any, len(m))
		for k, v := range m {
			c.attrs[k] = v
		}
	}
	return true
}

// Render delegates to the resolved component.
func (c *Component) Render(props map[string]any) any {
	c.mu.Lock()
	render, set := c.render, c.set
	first := !set && !c.missed
	if !set {
		c.missed = true
	}
	c.mu.Unlock()

	if !set {
		if first && c.onMiss != nil {
			c.onMiss(&UnresolvedError{Description: c.Description()})
		}
		return nil
	}
	if render == nil {
		return nil
	}
	return render(props)
}

// Resolved reports whether a component was bound.
func (c *Component) Resolved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.set
}

// Inner returns the resolved component, or nil.
func (c *Component) Inner() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raw
}

// Attrs returns a copy of the properties copied from the resolved component.
func (c *Component) Attrs() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.attrs))
	for k, v := range c.attrs {
		out[k] = v
	}
	return out
}

// Description names the lookup behind c.
func (c *Component) Description() string {
	if c.describe == nil {
		return "unresolved component"
	}
	return c.describe()
}

// renderFuncOf adapts the shapes a component can take: plain render
// functions, Renderers and memo/forward-ref style wrappers.
func renderFuncOf(v any) RenderFunc {
	switch fn := v.(type) {
	case nil:
		return nil
	case RenderFunc:
		return fn
	case func(map[string]any) any:
		return fn
	case Renderer:
		return fn.Render
	case host.Func:
		return renderFuncOf(fn.Fn)
	case map[string]any:
		if t, ok := prop(fn, "type"); ok {
			return renderFuncOf(t)
		}
		if r, ok := prop(fn, "render"); ok {
			return renderFuncOf(r)
		}
	}
	return nil
}
