package patchfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livepatch/internal/patcher"
)

const greeterYAML = `owner: Greeter
patches:
  - find: '"TARGET"'
    group: true
    replacements:
      - match_regex: '(\i)\.greet\('
        replace: '$1.wave('
      - match: '"hello"'
        replace: '"hi"'
        global: true
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestParse(t *testing.T) {
	f, err := Parse("greeter.yaml", []byte(greeterYAML))
	require.NoError(t, err)
	assert.Equal(t, "Greeter", f.Owner)
	require.Len(t, f.Defs, 1)

	def := f.Defs[0]
	assert.Equal(t, "Greeter", def.Owner)
	assert.True(t, def.Group)
	assert.False(t, def.Find.IsPattern())
	assert.Equal(t, `"\"TARGET\""`, def.Find.String())
	require.Len(t, def.Replacements, 2)
	assert.True(t, def.Replacements[0].Match.IsPattern())
	assert.Equal(t, "$1.wave(", def.Replacements[0].Replace)
	assert.True(t, def.Replacements[1].Global)

	list := patcher.NewPatchList()
	require.NoError(t, list.AddAll(f.Defs))
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad yaml", "owner: [unclosed"},
		{"both find forms", "patches:\n  - find: a\n    find_regex: b\n    replacements: [{match: a, replace: b}]"},
		{"both match forms", "patches:\n  - find: a\n    replacements: [{match: a, match_regex: b, replace: c}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("x.yaml", []byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestParse_OwnerDefaultsToFileName(t *testing.T) {
	f, err := Parse("/tmp/patches/NoTrack.yml", []byte("patches: []"))
	require.NoError(t, err)
	assert.Equal(t, "NoTrack", f.Owner)
	assert.Empty(t, f.Defs)
}

func TestReadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.yaml", "owner: B\npatches:\n  - find: x\n    replacements: [{match: x, replace: y}]\n")
	writeFile(t, dir, "a.yml", "owner: A\npatches:\n  - find: x\n    replacements: [{match: x, replace: z}]\n")
	writeFile(t, dir, "notes.txt", "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.yaml"), 0755))

	files, err := ReadDir(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "A", files[0].Owner)
	assert.Equal(t, "B", files[1].Owner)

	list := patcher.NewPatchList()
	require.NoError(t, Apply(list, files))
	assert.Equal(t, []string{"A", "B"}, list.Owners())

	missing, err := ReadDir(context.Background(), filepath.Join(dir, "absent"))
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestReadFiles_FailsOnBadFile(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "good.yaml", greeterYAML)
	bad := writeFile(t, dir, "bad.yaml", "patches: {")

	_, err := ReadFiles(context.Background(), []string{good, bad})
	assert.ErrorContains(t, err, "bad.yaml")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ReadFiles(ctx, []string{good})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestApply_MergesOwnerAndRejectsInvalid(t *testing.T) {
	one, err := Parse("one.yaml", []byte("owner: Same\npatches:\n  - find: a\n    replacements: [{match: a, replace: b}]\n"))
	require.NoError(t, err)
	two, err := Parse("two.yaml", []byte("owner: Same\npatches:\n  - find: c\n    replacements: [{match: c, replace: d}]\n"))
	require.NoError(t, err)

	list := patcher.NewPatchList()
	require.NoError(t, Apply(list, []*File{one, two}))
	assert.Equal(t, 2, list.Len())

	invalid, err := Parse("bad.yaml", []byte("owner: Bad\npatches:\n  - find: a\n    replacements: []\n"))
	require.NoError(t, err)
	var perr *patcher.InvalidPatchError
	assert.ErrorAs(t, Apply(list, []*File{invalid}), &perr)
}

func TestIsPatchFile(t *testing.T) {
	assert.True(t, IsPatchFile("a.yaml"))
	assert.True(t, IsPatchFile("A.YML"))
	assert.False(t, IsPatchFile("a.json"))
	assert.False(t, IsPatchFile("yaml"))
}
