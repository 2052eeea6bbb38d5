package intercept

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"livepatch/internal/config"
	"livepatch/internal/host"
	"livepatch/internal/logging"
)

const slot = "webpackChunkapp"

var bootMarker = []string{"livepatch/internal/host.Boot"}

// markingPatcher wraps every factory once and remembers the ids it saw.
type markingPatcher struct {
	seen []string
}

func (p *markingPatcher) Patch(id string, f *host.Factory) *host.Factory {
	if f == nil || f.Wrapped() {
		return f
	}
	p.seen = append(p.seen, id)
	return &host.Factory{ID: id, Source: f.Source, Fn: f.Fn, Original: f}
}

func (p *markingPatcher) PatchTable(t *host.FactoryTable) {
	for _, id := range t.IDs() {
		f, _ := t.Get(id)
		t.Replace(id, p.Patch(id, f))
	}
}

func (p *markingPatcher) PatchChunk(c *host.Chunk) {
	for i, f := range c.Factories {
		c.Factories[i] = p.Patch(f.ID, f)
	}
}

func factory(id string, exports map[string]any) *host.Factory {
	return &host.Factory{
		ID:     id,
		Source: "func(){}",
		Fn: func(module map[string]any, _ map[string]any, _ func(string) any) {
			module["exports"] = exports
		},
	}
}

type fixture struct {
	proto   *host.Prototype
	global  *host.Global
	patcher *markingPatcher
	icpt    *Interceptor
	logs    *observer.ObservedLogs
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	set := logging.NewFromZap(zap.New(core), config.LoggingConfig{})

	proto := host.NewPrototype()
	f := &fixture{
		proto:   proto,
		global:  host.NewGlobal(proto),
		patcher: &markingPatcher{},
		logs:    logs,
	}
	if opts.ChunkSlot == "" {
		opts.ChunkSlot = slot
	}
	f.icpt = New(f.global, proto, f.patcher, opts, set)
	return f
}

func (f *fixture) boot() *host.Loader {
	return host.Boot(f.global, f.proto, host.BootOptions{ChunkSlot: slot, BasePath: "/assets/"})
}

func TestInterceptor_CapturesHostLoader(t *testing.T) {
	f := newFixture(t, Options{BasePath: "/assets/", StackMarkers: bootMarker})
	require.NoError(t, f.icpt.Install())
	assert.ErrorIs(t, f.icpt.Install(), ErrInstalled)

	var order []string
	f.icpt.AddBeforeInitListener(func(l *host.Loader) {
		require.NotNil(t, l)
		order = append(order, "before-init")
	})
	f.icpt.OnInit(func(*host.Loader) { order = append(order, "init") })

	q := f.global.Queue(slot)
	q.Push(&host.Chunk{
		IDs:       []string{"main"},
		Factories: []*host.Factory{factory("1", map[string]any{"a": 1})},
		Entry: func(l *host.Loader) {
			order = append(order, "entry")
			l.Require("1")
		},
	})

	l := f.boot()
	assert.Equal(t, []string{"before-init", "init", "entry"}, order)
	assert.True(t, f.icpt.Initialized())
	assert.Same(t, l, f.icpt.Loader())
	assert.Same(t, l.Cache(), f.icpt.Cache())
	assert.Same(t, l.Factories(), f.icpt.Factories())
	assert.False(t, f.proto.HasTrap(host.PropFactories), "trap removes itself")

	fac, ok := l.Factories().Get("1")
	require.True(t, ok)
	assert.True(t, fac.Wrapped())

	q.Push(&host.Chunk{IDs: []string{"late"}, Factories: []*host.Factory{factory("2", nil)}})
	late, ok := l.Factories().Get("2")
	require.True(t, ok)
	assert.True(t, late.Wrapped())
	assert.Equal(t, []string{"1", "2"}, f.patcher.seen, "every factory is patched exactly once")

	require.NoError(t, f.icpt.CheckFound())
}

func TestInterceptor_TableSetHookPatchesLateFactories(t *testing.T) {
	f := newFixture(t, Options{StackMarkers: bootMarker})
	require.NoError(t, f.icpt.Install())
	l := f.boot()

	l.Factories().Set("9", factory("9", nil))
	got, _ := l.Factories().Get("9")
	assert.True(t, got.Wrapped())

	l.Factories().Set("9", got)
	assert.Equal(t, []string{"9"}, f.patcher.seen)
}

func TestInterceptor_IgnoresForeignLoaders(t *testing.T) {
	f := newFixture(t, Options{StackMarkers: []string{"no/such/package.Boot"}})
	require.NoError(t, f.icpt.Install())

	l := f.boot()
	assert.Nil(t, f.icpt.Loader())
	assert.NotNil(t, l.Factories(), "the host still gets its table")
	assert.True(t, f.proto.HasTrap(host.PropFactories), "trap stays for the real loader")

	assert.ErrorIs(t, f.icpt.CheckFound(), ErrLoaderNotFound)
	assert.ErrorIs(t, f.icpt.CheckFound(), ErrLoaderNotFound)
	assert.Equal(t, 1, f.logs.FilterMessageSnippet("was not found").Len())
}

func TestInterceptor_RejectsNonTableValues(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.icpt.Install())

	obj := host.NewObject(f.proto, nil)
	obj.Set(host.PropFactories, []any{"not", "a", "table"})
	v, ok := obj.Get(host.PropFactories)
	require.True(t, ok)
	assert.Equal(t, []any{"not", "a", "table"}, v)
	assert.True(t, f.proto.HasTrap(host.PropFactories))
}

func TestInterceptor_BasePathMustMatch(t *testing.T) {
	f := newFixture(t, Options{BasePath: "/other/", StackMarkers: bootMarker})
	require.NoError(t, f.icpt.Install())
	l := f.boot()

	assert.False(t, f.icpt.Initialized())
	assert.Nil(t, f.icpt.Cache())
	assert.Equal(t, "/assets/", l.BasePath())

	l.Object().Set(host.PropBasePath, "/other/")
	assert.True(t, f.icpt.Initialized())
	assert.False(t, l.Object().HasOwnTrap(host.PropBasePath))
}

func TestInterceptor_ListenerPanicsAreContained(t *testing.T) {
	f := newFixture(t, Options{StackMarkers: bootMarker})
	require.NoError(t, f.icpt.Install())

	ran := false
	f.icpt.AddBeforeInitListener(func(*host.Loader) { panic("boom") })
	f.icpt.AddBeforeInitListener(func(*host.Loader) { ran = true })
	f.boot()

	assert.True(t, ran)
	assert.Equal(t, 1, f.logs.FilterMessageSnippet("Error in before-init listener").Len())

	late := false
	f.icpt.AddBeforeInitListener(func(*host.Loader) { late = true })
	assert.True(t, late, "listeners added after init run immediately")
}

func TestInterceptor_ExistingQueue(t *testing.T) {
	f := newFixture(t, Options{StackMarkers: bootMarker})
	q := f.global.Queue(slot)
	require.NoError(t, f.icpt.Install())

	q.Push(&host.Chunk{IDs: []string{"0"}, Factories: []*host.Factory{factory("1", nil)}})
	require.Len(t, q.Chunks(), 1)
	assert.True(t, q.Chunks()[0].Factories[0].Wrapped())
}

func TestInterceptor_Uninstall(t *testing.T) {
	f := newFixture(t, Options{StackMarkers: bootMarker})
	require.NoError(t, f.icpt.Install())
	l := f.boot()

	f.icpt.Uninstall()
	assert.False(t, l.Object().HasOwnTrap(host.PropBasePath))

	q := f.global.Queue(slot)
	q.Push(&host.Chunk{IDs: []string{"x"}, Factories: []*host.Factory{factory("5", nil)}})
	got, ok := l.Factories().Get("5")
	require.True(t, ok, "the host's push still installs chunks")
	assert.False(t, got.Wrapped())

	before := newFixture(t, Options{})
	require.NoError(t, before.icpt.Install())
	before.icpt.Uninstall()
	assert.False(t, before.proto.HasTrap(host.PropFactories))
	assert.False(t, before.global.Object().HasOwnTrap(slot))
	require.NoError(t, before.icpt.Install(), "can be installed again")
}
