package lookup

import (
	"errors"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/token"
	"sort"
	"strings"

	"livepatch/internal/host"
	"livepatch/internal/patcher"
)

// codeSet is a list of matchers that must all match.
type codeSet []patcher.Matcher

// Code returns the searchable text of f: the patched source when retained,
// otherwise the canonical original.
func Code(f *host.Factory) string {
	if f == nil {
		return ""
	}
	if f.PatchedSource != "" {
		return f.PatchedSource
	}
	return patcher.Canonicalize(f.OriginalSource())
}

// eachLoaded calls fn for every visible, loaded module with non-nil exports.
func (r *Resolver) eachLoaded(fn func(m *host.Module, f *host.Factory) bool) {
	cache := r.cache()
	if cache == nil {
		return
	}
	cache.Each(func(m *host.Module) bool {
		if !m.Loaded || m.Exports == nil {
			return true
		}
		return fn(m, r.factory(m.ID))
	})
}

func (r *Resolver) cacheFindRaw(f *Filter) Match {
	var found Match
	r.eachLoaded(func(m *host.Module, fac *host.Factory) bool {
		if hit, ok := scan(f, m.ID, m.Exports, fac); ok {
			found = hit
			return false
		}
		return true
	})
	return found
}

// CacheFind returns the first loaded export matching f, or nil.
func (r *Resolver) CacheFind(f *Filter) (any, error) {
	if f == nil {
		return nil, ErrInvalidFilter
	}
	m := r.cacheFind(f)
	if m.ID == "" {
		return nil, nil
	}
	return m.Result, nil
}

// CacheFindMatch is CacheFind with the match location.
func (r *Resolver) CacheFindMatch(f *Filter) (Match, bool, error) {
	if f == nil {
		return Match{}, false, ErrInvalidFilter
	}
	m := r.cacheFind(f)
	return m, m.ID != "", nil
}

// CacheFindAll returns every loaded export matching f. Each module
// contributes its whole exports, its default export and at most one short-key
// export.
func (r *Resolver) CacheFindAll(f *Filter) ([]any, error) {
	if f == nil {
		return nil, ErrInvalidFilter
	}
	var out []any
	r.eachLoaded(func(m *host.Module, fac *host.Factory) bool {
		if f.Kind == FactoryLevel {
			if fac != nil && f.Test(fac) {
				out = append(out, m.Exports)
			}
			return true
		}
		if f.Test(m.Exports) {
			out = append(out, m.Exports)
		}
		obj, ok := m.Exports.(map[string]any)
		if !ok {
			return true
		}
		if d := obj["default"]; d != nil && f.Test(d) {
			out = append(out, d)
		}
		for _, key := range shortKeys(obj) {
			if v := obj[key]; v != nil && f.Test(v) {
				out = append(out, v)
				break
			}
		}
		return true
	})
	return out, nil
}

// CacheFindBulk finds one export per filter in a single pass over the cache.
// Results keep the order of filters. Missing results are an error in
// development and a warning in production.
func (r *Resolver) CacheFindBulk(filters ...*Filter) ([]any, error) {
	if err := r.tracer.Begin("cacheFindBulk", len(filters)); err == nil {
		defer r.tracer.End("cacheFindBulk")
	}
	switch len(filters) {
	case 0:
		return nil, errors.New("cacheFindBulk: expected at least two filters")
	case 1:
		if r.opts.Dev {
			return nil, errors.New("cacheFindBulk called with only one filter, use CacheFind")
		}
		v, err := r.CacheFind(filters[0])
		return []any{v}, err
	}
	for _, f := range filters {
		if f == nil {
			return nil, ErrInvalidFilter
		}
	}

	results := make([]any, len(filters))
	remaining := make([]*Filter, len(filters))
	copy(remaining, filters)
	found := 0

	r.eachLoaded(func(m *host.Module, fac *host.Factory) bool {
		for i, f := range remaining {
			if f == nil {
				continue
			}
			if hit, ok := scan(f, m.ID, m.Exports, fac); ok {
				results[i] = hit.Result
				remaining[i] = nil
				found++
			}
		}
		return found < len(filters)
	})

	if found == len(filters) {
		return results, nil
	}
	var missing []string
	for _, f := range remaining {
		if f != nil {
			missing = append(missing, f.Description)
		}
	}
	err := fmt.Errorf("cacheFindBulk: %w for %s", ErrNoModule, strings.Join(missing, ", "))
	if r.opts.Dev {
		return results, err
	}
	r.log.Warn("%v", err)
	return results, nil
}

func (r *Resolver) cacheFindModuleIDRaw(code codeSet) string {
	t := r.factories()
	if t == nil {
		return ""
	}
	for _, id := range t.IDs() {
		f, _ := t.Get(id)
		if stringMatches(Code(f), code) {
			return id
		}
	}
	return ""
}

// CacheFindModuleID returns the id of the first factory whose code satisfies
// every matcher.
func (r *Resolver) CacheFindModuleID(code ...patcher.Matcher) (string, bool) {
	id := r.cacheFindModuleID(prepare(code))
	return id, id != ""
}

// Search returns every factory whose code satisfies every matcher.
func (r *Resolver) Search(code ...patcher.Matcher) map[string]*host.Factory {
	out := make(map[string]*host.Factory)
	t := r.factories()
	if t == nil {
		return out
	}
	ms := prepare(code)
	for _, id := range t.IDs() {
		f, _ := t.Get(id)
		if stringMatches(Code(f), ms) {
			out[id] = f
		}
	}
	return out
}

// Extract returns the code of module id laid out for reading. The text is a
// copy; nothing executes it.
func (r *Resolver) Extract(id string) (string, error) {
	f := r.factory(id)
	if f == nil {
		return "", fmt.Errorf("extract %s: %w", id, ErrNoModule)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "// [EXTRACTED] Module %s\n", id)
	sb.WriteString("// This module was extracted to be more easily readable.\n")
	sb.WriteString("// It is NOT used by the host; editing it has no effect.\n\n")
	sb.WriteString(pretty(Code(f)))
	sb.WriteString("\n")
	return sb.String(), nil
}

// pretty lays out single-line factory code with gofmt. Every block gets one
// statement per line first, since gofmt keeps short bodies on a single line.
// Code that does not parse is returned unchanged.
func pretty(code string) string {
	const prefix = "package extracted\n\nvar _ = "
	out, err := format.Source(reflow(prefix + code))
	if err != nil {
		return code
	}
	return strings.TrimSpace(strings.TrimPrefix(string(out), prefix))
}

// reflow inserts a newline after every block's opening brace, between its
// statements and before its closing brace.
func reflow(src string) []byte {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "", src, parser.ParseComments)
	if err != nil {
		return []byte(src)
	}
	tf := fset.File(file.Pos())

	breaks := make(map[int]bool)
	between := func(stmts []ast.Stmt) {
		for _, st := range stmts {
			if _, empty := st.(*ast.EmptyStmt); empty {
				continue
			}
			breaks[tf.Offset(st.Pos())] = true
		}
	}
	ast.Inspect(file, func(n ast.Node) bool {
		switch n := n.(type) {
		case *ast.BlockStmt:
			if len(n.List) == 0 {
				break
			}
			between(n.List)
			breaks[tf.Offset(n.Rbrace)] = true
		case *ast.CaseClause:
			between(n.Body)
		case *ast.CommClause:
			between(n.Body)
		}
		return true
	})

	offsets := make([]int, 0, len(breaks))
	for off := range breaks {
		offsets = append(offsets, off)
	}
	sort.Ints(offsets)

	var sb strings.Builder
	sb.Grow(len(src) + len(offsets))
	last := 0
	for _, off := range offsets {
		sb.WriteString(src[last:off])
		sb.WriteByte('\n')
		last = off
	}
	sb.WriteString(src[last:])
	return []byte(sb.String())
}
