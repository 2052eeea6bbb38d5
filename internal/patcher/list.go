package patcher

import (
	"sort"
	"sync"
)

// Patch is a registered definition.
type Patch struct {
	Def PatchDefinition
	seq int
}

// PatchList is the global ordered patch list. Patches are kept sorted by owner;
// within one owner, registration order is preserved.
type PatchList struct {
	mu      sync.Mutex
	patches []*Patch
	seq     int
}

// NewPatchList creates an empty list.
func NewPatchList() *PatchList {
	return &PatchList{}
}

// Add validates def and inserts it.
func (l *PatchList) Add(def PatchDefinition) error {
	if err := def.validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	l.patches = append(l.patches, &Patch{Def: def, seq: l.seq})
	sort.SliceStable(l.patches, func(i, j int) bool {
		return l.patches[i].Def.Owner < l.patches[j].Def.Owner
	})
	return nil
}

// AddAll adds every definition, stopping at the first invalid one.
func (l *PatchList) AddAll(defs []PatchDefinition) error {
	for _, def := range defs {
		if err := l.Add(def); err != nil {
			return err
		}
	}
	return nil
}

// Remove drops every patch owned by owner and returns how many were removed.
func (l *PatchList) Remove(owner string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.patches[:0]
	removed := 0
	for _, p := range l.patches {
		if p.Def.Owner == owner {
			removed++
			continue
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(l.patches); i++ {
		l.patches[i] = nil
	}
	l.patches = kept
	return removed
}

// Snapshot returns the current patches. Later additions and removals do not
// affect the returned slice.
func (l *PatchList) Snapshot() []*Patch {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Patch, len(l.patches))
	copy(out, l.patches)
	return out
}

// Pending returns non-repeatable patches that have not applied to any module.
func (l *PatchList) Pending() []*Patch {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Patch
	for _, p := range l.patches {
		if !p.Def.Repeatable {
			out = append(out, p)
		}
	}
	return out
}

// Owners returns the distinct owners in list order.
func (l *PatchList) Owners() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	seen := make(map[string]bool)
	for _, p := range l.patches {
		if !seen[p.Def.Owner] {
			seen[p.Def.Owner] = true
			out = append(out, p.Def.Owner)
		}
	}
	return out
}

// Len returns the number of patches.
func (l *PatchList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.patches)
}

// consume removes p. It reports false if p was already gone.
func (l *PatchList) consume(p *Patch) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, q := range l.patches {
		if q == p {
			l.patches = append(l.patches[:i], l.patches[i+1:]...)
			return true
		}
	}
	return false
}

// Replace swaps every patch owned by owner for defs, atomically.
func (l *PatchList) Replace(owner string, defs []PatchDefinition) error {
	valid := make([]PatchDefinition, len(defs))
	for i, def := range defs {
		def.Owner = owner
		if err := def.validate(); err != nil {
			return err
		}
		valid[i] = def
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := make([]*Patch, 0, len(l.patches)+len(defs))
	for _, p := range l.patches {
		if p.Def.Owner != owner {
			kept = append(kept, p)
		}
	}
	for _, def := range valid {
		l.seq++
		kept = append(kept, &Patch{Def: def, seq: l.seq})
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Def.Owner < kept[j].Def.Owner
	})
	l.patches = kept
	return nil
}
