package patcher

import (
	"sort"
	"sync"
)

// EventKind classifies what happened when a patch met a module.
type EventKind int

const (
	EventApplied         EventKind = iota // Replacement changed the source
	EventNoOp                             // Replacement left the source identical
	EventError                            // Replacement threw or failed to compile
	EventGroupRolledBack                  // Group undone
	EventFallback                         // Patched factory failed at run time, original ran
)

func (k EventKind) String() string {
	switch k {
	case EventApplied:
		return "applied"
	case EventNoOp:
		return "no-op"
	case EventError:
		return "error"
	case EventGroupRolledBack:
		return "group rolled back"
	case EventFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Event records one replacement outcome.
type Event struct {
	Owner       string
	Kind        EventKind
	Replacement int
	Err         error
}

// ModuleReport collects everything that happened to one module.
type ModuleReport struct {
	ID        string
	PatchedBy []string
	Events    []Event
}

// Report is the per-module record of patch outcomes.
type Report struct {
	mu      sync.Mutex
	modules map[string]*ModuleReport
}

func newReport() *Report {
	return &Report{modules: make(map[string]*ModuleReport)}
}

func (r *Report) record(id string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.module(id)
	m.Events = append(m.Events, ev)
}

func (r *Report) setPatchedBy(id string, owners []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.module(id)
	m.PatchedBy = append([]string(nil), owners...)
}

func (r *Report) module(id string) *ModuleReport {
	m, ok := r.modules[id]
	if !ok {
		m = &ModuleReport{ID: id}
		r.modules[id] = m
	}
	return m
}

// Module returns a copy of the report for id.
func (r *Report) Module(id string) (ModuleReport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[id]
	if !ok {
		return ModuleReport{}, false
	}
	return copyReport(m), true
}

// Modules returns copies of every module report sorted by id.
func (r *Report) Modules() []ModuleReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ModuleReport, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, copyReport(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns how many events of kind were recorded.
func (r *Report) Count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.modules {
		for _, ev := range m.Events {
			if ev.Kind == kind {
				n++
			}
		}
	}
	return n
}

func copyReport(m *ModuleReport) ModuleReport {
	return ModuleReport{
		ID:        m.ID,
		PatchedBy: append([]string(nil), m.PatchedBy...),
		Events:    append([]Event(nil), m.Events...),
	}
}
