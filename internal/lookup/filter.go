package lookup

import (
	"fmt"
	"strings"

	"livepatch/internal/host"
	"livepatch/internal/patcher"
)

// Kind selects what a filter is tested against.
type Kind int

const (
	// ExportLevel filters test module exports and their sub-exports.
	ExportLevel Kind = iota
	// FactoryLevel filters test the module's factory.
	FactoryLevel
)

func (k Kind) String() string {
	if k == FactoryLevel {
		return "factory"
	}
	return "export"
}

// Filter identifies a wanted export among loaded modules.
type Filter struct {
	Description string
	Kind        Kind
	// Component marks filters whose match is a renderable component.
	Component bool

	match func(v any) bool
}

// Test reports whether v matches. A panicking predicate does not match.
func (f *Filter) Test(v any) (ok bool) {
	if f == nil || f.match == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return f.match(v)
}

func (f *Filter) String() string {
	if f == nil {
		return "<nil>"
	}
	return f.Description
}

// propGetter is implemented by host objects.
type propGetter interface {
	Get(prop string) (any, bool)
}

// prop reads key from a map or host object. Missing and nil values report false.
func prop(v any, key string) (any, bool) {
	switch o := v.(type) {
	case map[string]any:
		val, ok := o[key]
		return val, ok && val != nil
	case propGetter:
		val, ok := o.Get(key)
		return val, ok && val != nil
	}
	return nil, false
}

// isObject reports whether v can carry properties.
func isObject(v any) bool {
	switch v.(type) {
	case map[string]any, propGetter:
		return true
	}
	return false
}

func describe(name string, args []string) string {
	return name + "(" + strings.Join(args, ", ") + ")"
}

func quoteAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = fmt.Sprintf("%q", s)
	}
	return out
}

// Func wraps an arbitrary export-level predicate.
func Func(description string, fn func(v any) bool) *Filter {
	return &Filter{Description: description, match: fn}
}

// FactoryFunc wraps an arbitrary factory-level predicate.
func FactoryFunc(description string, fn func(f *host.Factory) bool) *Filter {
	return &Filter{
		Description: description,
		Kind:        FactoryLevel,
		match: func(v any) bool {
			f, ok := v.(*host.Factory)
			return ok && fn(f)
		},
	}
}

// ByProps matches objects carrying every prop with a non-nil value.
func ByProps(props ...string) *Filter {
	return &Filter{
		Description: describe("byProps", quoteAll(props)),
		match: func(v any) bool {
			if len(props) == 0 {
				return false
			}
			for _, p := range props {
				if _, ok := prop(v, p); !ok {
					return false
				}
			}
			return true
		},
	}
}

// ByCode matches exported functions whose source contains every literal.
func ByCode(code ...string) *Filter {
	return ByCodeMatch(literals(code)...)
}

// ByCodeMatch is ByCode with literal or pattern matchers.
func ByCodeMatch(code ...patcher.Matcher) *Filter {
	ms := prepare(code)
	return &Filter{
		Description: describe("byCode", matcherArgs(code)),
		match: func(v any) bool {
			s, ok := v.(host.Sourcer)
			if !ok {
				return false
			}
			return stringMatches(patcher.Canonicalize(s.Source()), ms)
		},
	}
}

// displayNamer is implemented by stores.
type displayNamer interface {
	DisplayName() string
}

// ByStoreName matches a store by display name or persist key.
func ByStoreName(name string) *Filter {
	return &Filter{
		Description: describe("byStoreName", quoteAll([]string{name})),
		match: func(v any) bool {
			if s, ok := v.(displayNamer); ok {
				return s.DisplayName() == name
			}
			for _, key := range []string{"displayName", "persistKey"} {
				if got, ok := prop(v, key); ok && got == name {
					return true
				}
			}
			return false
		},
	}
}

// ByFactoryCode matches modules whose original factory source contains every
// literal.
func ByFactoryCode(code ...string) *Filter {
	return ByFactoryCodeMatch(literals(code)...)
}

// ByFactoryCodeMatch is ByFactoryCode with literal or pattern matchers.
func ByFactoryCodeMatch(code ...patcher.Matcher) *Filter {
	ms := prepare(code)
	return &Filter{
		Description: describe("byFactoryCode", matcherArgs(code)),
		Kind:        FactoryLevel,
		match: func(v any) bool {
			f, ok := v.(*host.Factory)
			if !ok || f == nil {
				return false
			}
			return stringMatches(patcher.Canonicalize(f.OriginalSource()), ms)
		},
	}
}

// ComponentByFilter marks f as a component filter.
func ComponentByFilter(f *Filter) *Filter {
	c := *f
	c.Component = true
	return &c
}

// ComponentByCode matches components whose code contains every literal,
// looking through memo ("type") and forward-ref ("render") wrappers.
func ComponentByCode(code ...string) *Filter {
	byCode := ByCode(code...)
	return &Filter{
		Description: describe("componentByCode", quoteAll(code)),
		Component:   true,
		match: func(v any) bool {
			inner := v
			for inner != nil {
				if byCode.Test(inner) {
					return true
				}
				if _, ok := prop(inner, "$$typeof"); !ok {
					return false
				}
				if t, ok := prop(inner, "type"); ok {
					inner = t
				} else if r, ok := prop(inner, "render"); ok {
					inner = r
				} else {
					return false
				}
			}
			return false
		},
	}
}

// ComponentByFields matches class components whose prototype has a render
// method and every field.
func ComponentByFields(fields ...string) *Filter {
	byProps := ByProps(fields...)
	return &Filter{
		Description: describe("componentByFields", quoteAll(fields)),
		Component:   true,
		match: func(v any) bool {
			proto, ok := prop(v, "prototype")
			if !ok {
				return false
			}
			if _, ok := prop(proto, "render"); !ok {
				return false
			}
			return byProps.Test(proto)
		},
	}
}

func literals(code []string) []patcher.Matcher {
	out := make([]patcher.Matcher, len(code))
	for i, c := range code {
		out[i] = patcher.Literal(c)
	}
	return out
}

func prepare(code []patcher.Matcher) []patcher.Matcher {
	out := make([]patcher.Matcher, 0, len(code))
	for _, m := range code {
		if p, err := m.Prepare(); err == nil {
			m = p
		}
		out = append(out, m)
	}
	return out
}

func matcherArgs(code []patcher.Matcher) []string {
	out := make([]string, len(code))
	for i, m := range code {
		out[i] = m.String()
	}
	return out
}

// stringMatches reports whether s satisfies every matcher. An empty set never
// matches.
func stringMatches(s string, code []patcher.Matcher) bool {
	if len(code) == 0 {
		return false
	}
	for _, m := range code {
		ok, err := m.Test(s)
		if err != nil || !ok {
			return false
		}
	}
	return true
}
