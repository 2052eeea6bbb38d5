package patcher

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

// IdentifierPattern is what \i expands to inside patch patterns.
const IdentifierPattern = `(?:[A-Za-z_$][\w$]*)`

// DefaultMatchTimeout bounds a single pattern evaluation.
const DefaultMatchTimeout = time.Second

// Matcher is a literal string or a regular expression with JavaScript-style
// semantics (lookbehind, $1, $&, ${name} in templates).
type Matcher struct {
	literal string
	expr    string
	re      *regexp2.Regexp
}

// Literal returns a matcher for the exact text s.
func Literal(s string) Matcher {
	return Matcher{literal: s}
}

// Pattern returns a matcher for expr. Compilation is deferred to validation,
// so an invalid expression surfaces as an InvalidPatchError on registration.
func Pattern(expr string) Matcher {
	return Matcher{expr: expr}
}

// IsZero reports whether the matcher was never set.
func (m Matcher) IsZero() bool {
	return m.literal == "" && m.expr == "" && m.re == nil
}

// IsPattern reports whether m is a regular expression.
func (m Matcher) IsPattern() bool {
	return m.expr != ""
}

// String returns the literal text or /expr/.
func (m Matcher) String() string {
	if m.IsPattern() {
		return "/" + m.expr + "/"
	}
	return fmt.Sprintf("%q", m.literal)
}

// compile prepares the matcher. Literals become escaped patterns so every
// replacement goes through the same engine.
func (m *Matcher) compile() error {
	if m.re != nil {
		return nil
	}
	var expr string
	switch {
	case m.expr != "":
		expr = expandIdentifiers(m.expr)
	case m.literal != "":
		expr = regexp2.Escape(m.literal)
	default:
		return errors.New("empty matcher")
	}
	re, err := regexp2.Compile(expr, regexp2.None)
	if err != nil {
		return err
	}
	re.MatchTimeout = DefaultMatchTimeout
	m.re = re
	return nil
}

// Test reports whether code contains a match. Literals use a plain substring
// search.
func (m Matcher) Test(code string) (bool, error) {
	if !m.IsPattern() {
		return strings.Contains(code, m.literal), nil
	}
	if m.re == nil {
		if err := m.compile(); err != nil {
			return false, err
		}
	}
	return m.re.MatchString(code)
}

// Prepare returns a copy of m with its pattern compiled, so repeated Test
// calls do not recompile.
func (m Matcher) Prepare() (Matcher, error) {
	if !m.IsPattern() {
		return m, nil
	}
	err := m.compile()
	return m, err
}

// Submatches returns the whole match followed by every group of the first
// match in code, or nil when nothing matches. Literals yield only the match.
func (m Matcher) Submatches(code string) ([]string, error) {
	if !m.IsPattern() {
		if m.literal == "" || !strings.Contains(code, m.literal) {
			return nil, nil
		}
		return []string{m.literal}, nil
	}
	if m.re == nil {
		if err := m.compile(); err != nil {
			return nil, err
		}
	}
	match, err := m.re.FindStringMatch(code)
	if err != nil || match == nil {
		return nil, err
	}
	groups := match.Groups()
	out := make([]string, len(groups))
	for i, g := range groups {
		out[i] = g.String()
	}
	return out, nil
}

// locate returns the rune index and rune length of the first match, or -1.
func (m Matcher) locate(code string) (int, int) {
	if m.re == nil {
		if err := m.compile(); err != nil {
			return -1, 0
		}
	}
	match, err := m.re.FindStringMatch(code)
	if err != nil || match == nil {
		return -1, 0
	}
	return match.Index, match.Length
}

// expandIdentifiers replaces every unescaped \i with IdentifierPattern.
func expandIdentifiers(expr string) string {
	if !strings.Contains(expr, `\i`) {
		return expr
	}
	var sb strings.Builder
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		if c != '\\' || i+1 >= len(expr) {
			sb.WriteByte(c)
			continue
		}
		next := expr[i+1]
		if next == 'i' {
			sb.WriteString(IdentifierPattern)
		} else {
			sb.WriteByte(c)
			sb.WriteByte(next)
		}
		i++
	}
	return sb.String()
}

// ReplaceFunc computes replacement text from the whole match and its groups.
// groups[0] is the whole match.
type ReplaceFunc func(match string, groups []string) string

// Replacement rewrites the first (or every, when Global) match of Match.
type Replacement struct {
	Match Matcher

	// Replace is a template; $1, ${name}, $& and $$ are expanded.
	Replace string
	// ReplaceFunc, when set, takes precedence over Replace.
	ReplaceFunc ReplaceFunc

	Global    bool
	Predicate func() bool
}

// apply runs the replacement. Panics raised by ReplaceFunc become errors.
func (r *Replacement) apply(code string) (out string, err error) {
	if err := r.Match.compile(); err != nil {
		return code, err
	}
	count := 1
	if r.Global {
		count = -1
	}

	if r.ReplaceFunc == nil {
		return r.Match.re.Replace(code, r.Replace, -1, count)
	}

	defer func() {
		if rec := recover(); rec != nil {
			out = code
			err = fmt.Errorf("replacement function panicked: %v", rec)
		}
	}()
	return r.Match.re.ReplaceFunc(code, func(m regexp2.Match) string {
		groups := m.Groups()
		strs := make([]string, len(groups))
		for i, g := range groups {
			strs[i] = g.String()
		}
		return r.ReplaceFunc(m.String(), strs)
	}, -1, count)
}

// PatchDefinition is a named, ordered set of replacements applied to every
// factory whose source satisfies Find.
type PatchDefinition struct {
	Owner        string
	Find         Matcher
	Replacements []Replacement

	// Group rolls back every replacement if any of them is a no-op or errors.
	Group bool
	// Repeatable patches stay eligible after applying to a module.
	Repeatable bool
	// NoWarn suppresses the no-op warning.
	NoWarn bool

	Predicate func() bool
}

// validate compiles every pattern and rejects definitions that can never apply.
func (d *PatchDefinition) validate() error {
	if strings.TrimSpace(d.Owner) == "" {
		return &InvalidPatchError{Reason: "owner is required"}
	}
	if d.Find.IsZero() {
		return &InvalidPatchError{Owner: d.Owner, Reason: "find is required"}
	}
	if err := d.Find.compile(); err != nil {
		return &InvalidPatchError{Owner: d.Owner, Reason: "find " + d.Find.String() + " does not compile", Err: err}
	}
	if len(d.Replacements) == 0 {
		return &InvalidPatchError{Owner: d.Owner, Reason: "at least one replacement is required"}
	}

	// Copy so callers keep their own slice untouched
	reps := make([]Replacement, len(d.Replacements))
	copy(reps, d.Replacements)
	for i := range reps {
		if reps[i].Match.IsZero() {
			return &InvalidPatchError{Owner: d.Owner, Reason: fmt.Sprintf("replacement %d has no match", i)}
		}
		if err := reps[i].Match.compile(); err != nil {
			return &InvalidPatchError{
				Owner:  d.Owner,
				Reason: fmt.Sprintf("replacement %d match %s does not compile", i, reps[i].Match),
				Err:    err,
			}
		}
	}
	d.Replacements = reps
	return nil
}

func safePredicate(fn func() bool) (ok bool) {
	if fn == nil {
		return true
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return fn()
}
