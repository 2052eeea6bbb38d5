package patcher

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"livepatch/internal/compile"
	"livepatch/internal/config"
	"livepatch/internal/host"
	"livepatch/internal/logging"
)

const targetSource = `func(module map[string]any, exports map[string]any, require func(string) any) {
	exports["TARGET"] = "original"
	exports["count"] = 1
}`

type fakeEnv struct {
	initialized bool
	cache       *host.ModuleCache
}

func (e *fakeEnv) Initialized() bool         { return e.initialized }
func (e *fakeEnv) Cache() *host.ModuleCache { return e.cache }

type recordingHook struct {
	ids     []string
	exports []any
}

func (h *recordingHook) OnModuleLoaded(id string, exports any, _ *host.Factory) {
	h.ids = append(h.ids, id)
	h.exports = append(h.exports, exports)
}

type fixture struct {
	list     *PatchList
	patcher  *Patcher
	compiler *compile.Compiler
	env      *fakeEnv
	hook     *recordingHook
	logs     *observer.ObservedLogs
}

func newFixture(t *testing.T, dev bool) *fixture {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	set := logging.NewFromZap(zap.New(core), config.LoggingConfig{})

	f := &fixture{
		list:     NewPatchList(),
		compiler: compile.New(64),
		env:      &fakeEnv{initialized: true, cache: host.NewModuleCache()},
		hook:     &recordingHook{},
		logs:     logs,
	}
	f.patcher = New(f.list, f.compiler, Options{Dev: dev, HideExports: HideGlobal}, set, nil)
	f.patcher.Bind(f.env, f.hook)
	return f
}

func (f *fixture) factory(t *testing.T, id, src string) *host.Factory {
	t.Helper()
	fac, err := f.compiler.Factory(id, src)
	require.NoError(t, err)
	return fac
}

func (f *fixture) add(t *testing.T, def PatchDefinition) {
	t.Helper()
	require.NoError(t, f.list.Add(def))
}

func execute(fac *host.Factory) map[string]any {
	exports := map[string]any{}
	module := map[string]any{"exports": exports}
	fac.Fn(module, exports, func(string) any { return nil })
	out, _ := module["exports"].(map[string]any)
	return out
}

func TestPatch_AppliesReplacement(t *testing.T) {
	f := newFixture(t, true)
	f.add(t, PatchDefinition{
		Owner: "renamer",
		Find:  Literal(`"TARGET"`),
		Replacements: []Replacement{
			{Match: Literal(`"original"`), Replace: `"patched"`},
		},
	})

	out := f.patcher.Patch("1", f.factory(t, "1", targetSource))

	assert.Equal(t, []string{"renamer"}, out.PatchedBy)
	assert.True(t, out.IsPatched())
	assert.Contains(t, out.PatchedSource, `"patched"`)
	assert.Equal(t, targetSource, out.Source)
	assert.Equal(t, map[string]any{"TARGET": "patched", "count": 1}, execute(out))
	assert.Equal(t, []string{"1"}, f.hook.ids)

	// non-repeatable patch was consumed
	assert.Equal(t, 0, f.list.Len())
}

func TestPatch_PatternWithCapturesAndIdentifierClass(t *testing.T) {
	f := newFixture(t, false)
	f.add(t, PatchDefinition{
		Owner: "counter",
		Find:  Pattern(`exports\["count"\]`),
		Replacements: []Replacement{
			{Match: Pattern(`(\i)\["count"\] = (\d+)`), Replace: `$1["count"] = $2 + 41`},
		},
	})

	out := f.patcher.Patch("1", f.factory(t, "1", targetSource))
	assert.Equal(t, 42, execute(out)["count"])
	assert.Empty(t, out.PatchedSource, "production builds do not retain patched source")
}

func TestPatch_NoOpTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t, true)
	f.add(t, PatchDefinition{
		Owner:      "noop",
		Find:       Literal("TARGET"),
		Repeatable: true,
		Replacements: []Replacement{
			{Match: Literal("does-not-occur"), Replace: "x"},
		},
	})

	first := f.patcher.Patch("1", f.factory(t, "1", targetSource))
	second := f.patcher.Patch("2", f.factory(t, "2", targetSource))

	assert.Empty(t, first.PatchedBy)
	assert.Empty(t, second.PatchedBy)
	assert.Equal(t, execute(first), execute(second))
	assert.Equal(t, 2, f.logs.FilterMessageSnippet("had no effect").Len())
	assert.Equal(t, 2, f.patcher.Report().Count(EventNoOp))
}

func TestPatch_NoWarnSuppressesWarning(t *testing.T) {
	f := newFixture(t, true)
	f.add(t, PatchDefinition{
		Owner:        "quiet",
		Find:         Literal("TARGET"),
		NoWarn:       true,
		Replacements: []Replacement{{Match: Literal("absent"), Replace: "x"}},
	})

	f.patcher.Patch("1", f.factory(t, "1", targetSource))
	assert.Equal(t, 0, f.logs.FilterMessageSnippet("had no effect").Len())
}

func TestPatch_GroupWithErroringReplacementRollsBack(t *testing.T) {
	f := newFixture(t, true)
	f.add(t, PatchDefinition{
		Owner: "grouped",
		Find:  Literal("TARGET"),
		Group: true,
		Replacements: []Replacement{
			{Match: Literal(`"original"`), Replace: `"step1"`},
			{Match: Literal(`"count"`), ReplaceFunc: func(string, []string) string { panic("replacement blew up") }},
			{Match: Literal(`= 1`), Replace: `= 3`},
		},
	})

	out := f.patcher.Patch("1", f.factory(t, "1", targetSource))

	assert.NotContains(t, out.PatchedBy, "grouped")
	assert.Empty(t, out.PatchedSource)
	assert.Equal(t, map[string]any{"TARGET": "original", "count": 1}, execute(out))

	report, ok := f.patcher.Report().Module("1")
	require.True(t, ok)
	var kinds []EventKind
	for _, ev := range report.Events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{EventApplied, EventError, EventGroupRolledBack}, kinds)

	// a rolled back non-repeatable patch stays eligible
	assert.Equal(t, 1, f.list.Len())
}

func TestPatch_GroupWithNoOpRollsBack(t *testing.T) {
	f := newFixture(t, false)
	f.add(t, PatchDefinition{
		Owner: "grouped",
		Find:  Literal("TARGET"),
		Group: true,
		Replacements: []Replacement{
			{Match: Literal("TARGET"), Replace: "RENAMED"},
			{Match: Pattern(`NOT_IN_SOURCE`), Replace: "x"},
		},
	})

	out := f.patcher.Patch("1", f.factory(t, "1", targetSource))

	assert.Empty(t, out.PatchedBy)
	assert.False(t, out.IsPatched())
	assert.Equal(t, map[string]any{"TARGET": "original", "count": 1}, execute(out))
	assert.Equal(t, 1, f.patcher.Report().Count(EventGroupRolledBack))
}

func TestPatch_NonGroupErrorKeepsEarlierReplacements(t *testing.T) {
	f := newFixture(t, true)
	f.add(t, PatchDefinition{
		Owner: "partial",
		Find:  Literal("TARGET"),
		Replacements: []Replacement{
			{Match: Literal(`"original"`), Replace: `"kept"`},
			// produces code that does not compile
			{Match: Literal(`= 1`), Replace: `= = 1`},
		},
	})

	out := f.patcher.Patch("1", f.factory(t, "1", targetSource))

	assert.Equal(t, []string{"partial"}, out.PatchedBy)
	assert.Equal(t, map[string]any{"TARGET": "kept", "count": 1}, execute(out))

	report, _ := f.patcher.Report().Module("1")
	require.Len(t, report.Events, 2)
	var rerr *ReplacementError
	require.True(t, errors.As(report.Events[1].Err, &rerr))
	var cerr *compile.CompileError
	assert.True(t, errors.As(rerr, &cerr))
	assert.Contains(t, rerr.Before, "= 1")
	assert.Contains(t, rerr.After, "= = 1")
	assert.NotEmpty(t, rerr.Diff)
	assert.GreaterOrEqual(t, f.logs.FilterMessageSnippet("Diff:").Len(), 1)
}

func TestPatch_NonRepeatableAppliesOnce(t *testing.T) {
	f := newFixture(t, false)
	f.add(t, PatchDefinition{
		Owner:        "once",
		Find:         Literal("TARGET"),
		Replacements: []Replacement{{Match: Literal(`"original"`), Replace: `"first"`}},
	})

	a := f.patcher.Patch("a", f.factory(t, "a", targetSource))
	b := f.patcher.Patch("b", f.factory(t, "b", targetSource))

	assert.Equal(t, []string{"once"}, a.PatchedBy)
	assert.Empty(t, b.PatchedBy)
	assert.Empty(t, f.list.Pending())
}

func TestPatch_RepeatableAppliesEverywhere(t *testing.T) {
	f := newFixture(t, false)
	f.add(t, PatchDefinition{
		Owner:        "always",
		Find:         Literal("TARGET"),
		Repeatable:   true,
		Replacements: []Replacement{{Match: Literal(`"original"`), Replace: `"every"`}},
	})

	for _, id := range []string{"a", "b"} {
		out := f.patcher.Patch(id, f.factory(t, id, targetSource))
		assert.Equal(t, "every", execute(out)["TARGET"])
	}
	assert.Equal(t, 1, f.list.Len())
}

func TestPatch_AlreadyWrappedIsReturnedAsIs(t *testing.T) {
	f := newFixture(t, false)
	f.add(t, PatchDefinition{
		Owner:        "r",
		Find:         Literal("TARGET"),
		Repeatable:   true,
		Replacements: []Replacement{{Match: Literal(`"original"`), Replace: `"x"`}},
	})

	once := f.patcher.Patch("1", f.factory(t, "1", targetSource))
	twice := f.patcher.Patch("1", once)
	assert.Same(t, once, twice)
	assert.Equal(t, []string{"r"}, twice.PatchedBy)
}

func TestPatch_PredicatesGateApplication(t *testing.T) {
	f := newFixture(t, false)
	f.add(t, PatchDefinition{
		Owner:        "disabled",
		Find:         Literal("TARGET"),
		Predicate:    func() bool { return false },
		Replacements: []Replacement{{Match: Literal(`"original"`), Replace: `"x"`}},
	})
	f.add(t, PatchDefinition{
		Owner: "enabled",
		Find:  Literal("TARGET"),
		Replacements: []Replacement{
			{Match: Literal(`"original"`), Replace: `"y"`, Predicate: func() bool { panic("bad predicate") }},
			{Match: Literal(`= 1`), Replace: `= 2`},
		},
	})

	out := f.patcher.Patch("1", f.factory(t, "1", targetSource))
	assert.Equal(t, []string{"enabled"}, out.PatchedBy)
	assert.Equal(t, map[string]any{"TARGET": "original", "count": 2}, execute(out))
}

func TestPatch_UnmatchedFactoryBehavesLikeOriginal(t *testing.T) {
	f := newFixture(t, false)
	f.add(t, PatchDefinition{
		Owner:        "elsewhere",
		Find:         Literal("SOMETHING_ELSE"),
		Replacements: []Replacement{{Match: Literal("x"), Replace: "y"}},
	})

	orig := f.factory(t, "1", targetSource)
	out := f.patcher.Patch("1", orig)

	assert.Same(t, orig, out.Original)
	assert.Empty(t, out.PatchedBy)
	assert.Equal(t, execute(orig), execute(out))
}

func TestWrapper_FallsBackToOriginalWithFreshExports(t *testing.T) {
	f := newFixture(t, true)
	f.add(t, PatchDefinition{
		Owner: "crasher",
		Find:  Literal("TARGET"),
		Replacements: []Replacement{
			{Match: Literal(`exports["count"] = 1`), Replace: `exports["half"] = true; panic("bad patch")`},
		},
	})

	out := f.patcher.Patch("1", f.factory(t, "1", targetSource))
	require.True(t, out.IsPatched())

	var got map[string]any
	require.NotPanics(t, func() { got = execute(out) })
	assert.Equal(t, map[string]any{"TARGET": "original", "count": 1}, got)
	assert.Empty(t, f.hook.ids, "fallback executions are not announced")
	assert.Equal(t, 1, f.patcher.Report().Count(EventFallback))
}

func TestWrapper_UnpatchedPanicPropagates(t *testing.T) {
	f := newFixture(t, false)
	orig := &host.Factory{ID: "bad", Fn: func(map[string]any, map[string]any, func(string) any) {
		panic("host bug")
	}}
	out := f.patcher.Patch("bad", orig)
	assert.PanicsWithValue(t, "host bug", func() { execute(out) })
}

func TestWrapper_HidesGlobalExports(t *testing.T) {
	f := newFixture(t, false)
	global := host.NewGlobal(host.NewPrototype())
	f.env.cache.Put(&host.Module{ID: "g"})

	orig := &host.Factory{ID: "g", Fn: func(module map[string]any, _ map[string]any, _ func(string) any) {
		module["exports"] = global
	}}
	out := f.patcher.Patch("g", orig)
	execute(out)

	assert.True(t, f.env.cache.Hidden("g"))
	assert.Empty(t, f.hook.ids)
}

func TestWrapper_NilExportsAreNotAnnounced(t *testing.T) {
	f := newFixture(t, false)
	orig := &host.Factory{ID: "n", Fn: func(module map[string]any, _ map[string]any, _ func(string) any) {
		module["exports"] = nil
	}}
	execute(f.patcher.Patch("n", orig))
	assert.Empty(t, f.hook.ids)
}

func TestWrapper_UninitializedRunsOriginalInDev(t *testing.T) {
	f := newFixture(t, true)
	f.env.initialized = false
	f.add(t, PatchDefinition{
		Owner:        "r",
		Find:         Literal("TARGET"),
		Repeatable:   true,
		Replacements: []Replacement{{Match: Literal(`"original"`), Replace: `"patched"`}},
	})

	a := f.patcher.Patch("a", f.factory(t, "a", targetSource))
	b := f.patcher.Patch("b", f.factory(t, "b", targetSource))

	assert.Equal(t, "original", execute(a)["TARGET"])
	assert.Equal(t, "original", execute(b)["TARGET"])
	assert.Equal(t, 1, f.logs.FilterMessageSnippet("not initialized").Len())
	assert.Empty(t, f.hook.ids)
}

func TestFactoryListenersAreGuarded(t *testing.T) {
	f := newFixture(t, false)
	var seen []string
	f.patcher.AddFactoryListener(func(*host.Factory) { panic("listener bug") })
	f.patcher.AddFactoryListener(func(fac *host.Factory) { seen = append(seen, fac.ID) })

	f.patcher.Patch("1", f.factory(t, "1", targetSource))
	assert.Equal(t, []string{"1"}, seen)
	assert.Equal(t, 1, f.logs.FilterMessageSnippet("factory listener").Len())
}

func TestPatchChunkAndTable(t *testing.T) {
	f := newFixture(t, false)
	f.add(t, PatchDefinition{
		Owner:        "r",
		Find:         Literal("TARGET"),
		Repeatable:   true,
		Replacements: []Replacement{{Match: Literal(`"original"`), Replace: `"patched"`}},
	})

	chunk := &host.Chunk{Factories: []*host.Factory{f.factory(t, "1", targetSource)}}
	f.patcher.PatchChunk(chunk)
	assert.True(t, chunk.Factories[0].IsPatched())

	tbl := host.NewFactoryTable()
	tbl.Set("2", f.factory(t, "2", targetSource))
	f.patcher.PatchTable(tbl)
	got, _ := tbl.Get("2")
	assert.True(t, got.IsPatched())
}

func TestReplacementErrorContextIsBounded(t *testing.T) {
	f := newFixture(t, true)
	long := strings.Repeat("a", 500) + "NEEDLE" + strings.Repeat("b", 500)
	rerr := f.patcher.replacementError("m", "o", 0, Literal("NEEDLE"), long, "", errors.New("boom"))
	assert.Len(t, rerr.Before, 200+len("NEEDLE")+200)
	assert.Empty(t, rerr.After)
}

func TestReplacementErrorContextCountsRunes(t *testing.T) {
	f := newFixture(t, true)
	long := strings.Repeat("é", 400) + "NEEDLE" + strings.Repeat("ü", 400)
	rerr := f.patcher.replacementError("m", "o", 0, Literal("NEEDLE"), long, "", errors.New("boom"))
	assert.Contains(t, rerr.Before, "NEEDLE")
	assert.Equal(t, 200+len("NEEDLE")+200, utf8.RuneCountInString(rerr.Before))
	assert.True(t, utf8.ValidString(rerr.Before))
}
