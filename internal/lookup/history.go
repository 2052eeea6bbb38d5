package lookup

import (
	"strings"
	"sync"
)

// Resolvable is implemented by every stand-in kind.
type Resolvable interface {
	Resolved() bool
}

// Entry is one recorded lookup.
type Entry struct {
	Kind   string
	Args   []string
	Target Resolvable
}

func (e Entry) String() string {
	return e.Kind + "(" + strings.Join(e.Args, ", ") + ")"
}

// callState tracks whether a raw WaitFor callback ran.
type callState struct {
	mu     sync.Mutex
	called bool
}

func (c *callState) set() {
	c.mu.Lock()
	c.called = true
	c.mu.Unlock()
}

func (c *callState) Resolved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.called
}

func (r *Resolver) record(kind string, target Resolvable, args ...string) {
	if !r.opts.Reporter {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, Entry{Kind: kind, Args: args, Target: target})
}

// History returns every lookup recorded in reporter mode.
func (r *Resolver) History() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.history))
	copy(out, r.history)
	return out
}

// Unresolved returns the recorded lookups that never resolved.
func (r *Resolver) Unresolved() []Entry {
	var out []Entry
	for _, e := range r.History() {
		if e.Target == nil || !e.Target.Resolved() {
			out = append(out, e)
		}
	}
	return out
}
