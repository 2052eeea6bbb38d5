package lookup

import (
	"sort"

	"livepatch/internal/host"
)

// maxShortKey is the longest export key treated as a minified named export.
const maxShortKey = 3

// Match describes where a filter matched.
type Match struct {
	Result any
	ID     string
	// ExportKey is empty when Result is the whole exports value.
	ExportKey string
	Factory   *host.Factory
}

// scan tests one module's exports against f: the whole exports first, then
// "default", then short keys in sorted order. Factory-level filters only test
// the factory and yield the whole exports.
func scan(f *Filter, id string, exports any, factory *host.Factory) (Match, bool) {
	if f.Kind == FactoryLevel {
		if factory != nil && f.Test(factory) {
			return Match{Result: exports, ID: id, Factory: factory}, true
		}
		return Match{}, false
	}

	if f.Test(exports) {
		return Match{Result: exports, ID: id, Factory: factory}, true
	}

	m, ok := exports.(map[string]any)
	if !ok {
		return Match{}, false
	}
	if d := m["default"]; d != nil && f.Test(d) {
		return Match{Result: d, ID: id, ExportKey: "default", Factory: factory}, true
	}
	for _, key := range shortKeys(m) {
		v := m[key]
		if v != nil && f.Test(v) {
			return Match{Result: v, ID: id, ExportKey: key, Factory: factory}, true
		}
	}
	return Match{}, false
}

func shortKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		if len(k) <= maxShortKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
