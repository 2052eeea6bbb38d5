package patcher

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func def(owner, find string) PatchDefinition {
	return PatchDefinition{
		Owner:        owner,
		Find:         Literal(find),
		Replacements: []Replacement{{Match: Literal(find), Replace: find}},
	}
}

func owners(patches []*Patch) []string {
	out := make([]string, len(patches))
	for i, p := range patches {
		out[i] = p.Def.Owner + ":" + p.Def.Find.literal
	}
	return out
}

func TestPatchList_OwnerOrderedAndStable(t *testing.T) {
	l := NewPatchList()
	require.NoError(t, l.Add(def("zeta", "1")))
	require.NoError(t, l.Add(def("alpha", "2")))
	require.NoError(t, l.Add(def("zeta", "3")))
	require.NoError(t, l.Add(def("alpha", "4")))

	assert.Equal(t, []string{"alpha:2", "alpha:4", "zeta:1", "zeta:3"}, owners(l.Snapshot()))
	assert.Equal(t, []string{"alpha", "zeta"}, l.Owners())
}

func TestPatchList_Validation(t *testing.T) {
	tests := []struct {
		name   string
		def    PatchDefinition
		reason string
	}{
		{"missing owner", PatchDefinition{Find: Literal("x"), Replacements: []Replacement{{Match: Literal("x")}}}, "owner is required"},
		{"missing find", PatchDefinition{Owner: "o", Replacements: []Replacement{{Match: Literal("x")}}}, "find is required"},
		{"bad find pattern", PatchDefinition{Owner: "o", Find: Pattern("("), Replacements: []Replacement{{Match: Literal("x")}}}, "does not compile"},
		{"no replacements", PatchDefinition{Owner: "o", Find: Literal("x")}, "at least one replacement"},
		{"empty match", PatchDefinition{Owner: "o", Find: Literal("x"), Replacements: []Replacement{{Replace: "y"}}}, "has no match"},
		{"bad match pattern", PatchDefinition{Owner: "o", Find: Literal("x"), Replacements: []Replacement{{Match: Pattern("[")}}}, "does not compile"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewPatchList().Add(tt.def)
			var invalid *InvalidPatchError
			require.True(t, errors.As(err, &invalid))
			assert.Contains(t, invalid.Reason, tt.reason)
		})
	}
}

func TestPatchList_RemoveAndReplace(t *testing.T) {
	l := NewPatchList()
	require.NoError(t, l.AddAll([]PatchDefinition{def("a", "1"), def("b", "2"), def("a", "3")}))

	assert.Equal(t, 2, l.Remove("a"))
	assert.Equal(t, []string{"b:2"}, owners(l.Snapshot()))
	assert.Equal(t, 0, l.Remove("a"))

	require.NoError(t, l.Replace("b", []PatchDefinition{def("ignored", "4"), def("", "5")}))
	assert.Equal(t, []string{"b:4", "b:5"}, owners(l.Snapshot()))

	err := l.Replace("b", []PatchDefinition{{Find: Literal("x")}})
	require.Error(t, err)
	assert.Equal(t, 2, l.Len(), "failed replace leaves the list untouched")
}

func TestPatchList_SnapshotIsolation(t *testing.T) {
	l := NewPatchList()
	require.NoError(t, l.Add(def("a", "1")))
	snap := l.Snapshot()
	require.NoError(t, l.Add(def("b", "2")))
	assert.Len(t, snap, 1)

	assert.True(t, l.consume(snap[0]))
	assert.False(t, l.consume(snap[0]))
	assert.Equal(t, 1, l.Len())
}

func TestPatchList_Pending(t *testing.T) {
	l := NewPatchList()
	repeat := def("r", "1")
	repeat.Repeatable = true
	require.NoError(t, l.AddAll([]PatchDefinition{repeat, def("o", "2")}))
	assert.Equal(t, []string{"o:2"}, owners(l.Pending()))
}

func TestExpandIdentifiers(t *testing.T) {
	assert.Equal(t, `(?:[A-Za-z_$][\w$]*)\.x`, expandIdentifiers(`\i\.x`))
	assert.Equal(t, `\\i`, expandIdentifiers(`\\i`))
	assert.Equal(t, `plain`, expandIdentifiers(`plain`))
}

func TestMatcher_Test(t *testing.T) {
	ok, err := Literal("a.b").Test("xa.by")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Literal("a.b").Test("xaXby")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = Pattern(`(?<=foo)bar`).Test("foobar")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, `"a.b"`, Literal("a.b").String())
	assert.Equal(t, `/x+/`, Pattern("x+").String())
}

func TestReplacement_LiteralIsEscaped(t *testing.T) {
	r := Replacement{Match: Literal("a.b"), Replace: "[$&]"}
	out, err := r.apply("a.b axb a.b")
	require.NoError(t, err)
	assert.Equal(t, "[a.b] axb a.b", out)

	r.Global = true
	out, err = r.apply("a.b axb a.b")
	require.NoError(t, err)
	assert.Equal(t, "[a.b] axb [a.b]", out)
}

func TestReplacement_NamedGroupsAndFunc(t *testing.T) {
	r := Replacement{Match: Pattern(`(?<name>\w+)=(?<num>\d+)`), Replace: "${name}:${num}"}
	out, err := r.apply("x=1")
	require.NoError(t, err)
	assert.Equal(t, "x:1", out)

	r = Replacement{Match: Pattern(`(\w+)=(\d+)`), ReplaceFunc: func(match string, groups []string) string {
		return groups[2] + "=" + groups[1] + "/" + match
	}}
	out, err = r.apply("x=1")
	require.NoError(t, err)
	assert.Equal(t, "1=x/x=1", out)
}
