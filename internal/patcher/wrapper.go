package patcher

import (
	"livepatch/internal/host"
)

// wrap builds the function stored on the final factory. fn is the patched
// unit, or the original when nothing applied.
func (p *Patcher) wrap(id string, self *host.Factory, fn host.FactoryFunc) host.FactoryFunc {
	original := self.Original
	patched := self.IsPatched()

	return func(module map[string]any, exports map[string]any, require func(string) any) {
		if p.env == nil || !p.env.Initialized() {
			if p.opts.Dev {
				if !p.warnedUninitialized {
					p.warnedUninitialized = true
					p.log.Error("Loader was not initialized, running modules without patches instead (first: %s)", id)
				}
				runFactory(original.Fn, module, exports, require)
				return
			}
		}

		if !patched {
			runFactory(fn, module, exports, require)
		} else if err := p.runGuarded(fn, module, exports, require); err != nil {
			p.log.Error("Error in patched module factory %s, falling back to original: %v", id, err)
			p.report.record(id, Event{Kind: EventFallback, Err: err})

			fresh := map[string]any{}
			module["exports"] = fresh
			runFactory(original.Fn, module, fresh, require)
			return
		}

		p.announce(id, module["exports"], self)
	}
}

func runFactory(fn host.FactoryFunc, module map[string]any, exports map[string]any, require func(string) any) {
	if fn == nil {
		return
	}
	fn(module, exports, require)
}

// runGuarded converts a panic from fn into an error.
func (p *Patcher) runGuarded(fn host.FactoryFunc, module map[string]any, exports map[string]any, require func(string) any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = &panicError{value: r}
		}
	}()
	runFactory(fn, module, exports, require)
	return nil
}

// announce offers exports to the module hook unless they are nil or hidden.
func (p *Patcher) announce(id string, exports any, f *host.Factory) {
	if exports == nil {
		return
	}
	if p.opts.HideExports != nil && p.opts.HideExports(exports) {
		if p.env != nil {
			if cache := p.env.Cache(); cache != nil {
				cache.Hide(id)
			}
		}
		return
	}
	if p.hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Error while notifying listeners for module %s: %v", id, r)
		}
	}()
	p.hook.OnModuleLoaded(id, exports, f)
}
