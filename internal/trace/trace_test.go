package trace

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"livepatch/internal/config"
	"livepatch/internal/logging"
)

func newTracer(t *testing.T, enabled bool) (*Tracer, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	return New(enabled, logging.NewFromZap(zap.New(core), config.LoggingConfig{})), logs
}

func TestTracer_BeginEnd(t *testing.T) {
	tr, logs := newTracer(t, true)

	require.NoError(t, tr.Begin("patch", "module-1"))
	time.Sleep(time.Millisecond)
	d := tr.End("patch")

	assert.Greater(t, d, time.Duration(0))
	assert.Equal(t, 0, tr.Open())
	assert.Equal(t, 1, logs.FilterMessageSnippet("patch [module-1]").Len())
}

func TestTracer_OverlapIsAnError(t *testing.T) {
	tr, _ := newTracer(t, true)

	require.NoError(t, tr.Begin("scan"))
	err := tr.Begin("scan")

	var overlap *OverlapError
	require.True(t, errors.As(err, &overlap))
	assert.Equal(t, "scan", overlap.Name)

	tr.End("scan")
	assert.NoError(t, tr.Begin("scan"))
}

func TestTracer_EndUnknownName(t *testing.T) {
	tr, _ := newTracer(t, true)
	assert.Equal(t, time.Duration(0), tr.End("never"))
}

func TestTracer_Disabled(t *testing.T) {
	for name, tr := range map[string]*Tracer{"nop": Nop, "disabled": New(false, logging.NewNop())} {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, tr.Begin("x"))
			require.NoError(t, tr.Begin("x"))
			assert.Equal(t, time.Duration(0), tr.End("x"))
			assert.False(t, tr.Enabled())
		})
	}
}

func TestFunc(t *testing.T) {
	tr, logs := newTracer(t, true)

	double := Func(tr, func(n int) string { return fmt.Sprintf("double-%d", n) }, func(n int) int { return n * 2 })
	assert.Equal(t, 8, double(4))
	assert.Equal(t, 1, logs.FilterMessageSnippet("double-4").Len())
	assert.Equal(t, 0, tr.Open())
}

func TestFunc_PanicStillClosesTrace(t *testing.T) {
	tr, _ := newTracer(t, true)

	boom := Func(tr, Static[int]("boom"), func(int) int { panic("bad") })
	assert.Panics(t, func() { boom(1) })
	assert.Equal(t, 0, tr.Open())
}

func TestFunc_OverlapLeavesOuterTraceOpen(t *testing.T) {
	tr, logs := newTracer(t, true)
	require.NoError(t, tr.Begin("scan"))

	ran := 0
	scan := Func(tr, Static[int]("scan"), func(n int) int { ran++; return n })
	assert.Equal(t, 3, scan(3))
	timed := FuncWithDuration(tr, Static[int]("scan"), func(n int) int { ran++; return n })
	out, d := timed(4)
	assert.Equal(t, 4, out)
	assert.Equal(t, time.Duration(0), d)

	assert.Equal(t, 2, ran)
	assert.Equal(t, 1, tr.Open(), "outer trace is still open")
	assert.Equal(t, 2, logs.FilterLevelExact(zapcore.WarnLevel).Len())
	assert.Zero(t, logs.FilterMessageSnippet("took").Len())
}

func TestFuncWithDuration(t *testing.T) {
	t.Run("enabled", func(t *testing.T) {
		tr, _ := newTracer(t, true)
		slow := FuncWithDuration(tr, Static[string]("slow"), func(s string) string {
			time.Sleep(time.Millisecond)
			return s + "!"
		})
		out, d := slow("hi")
		assert.Equal(t, "hi!", out)
		assert.Greater(t, d, time.Duration(0))
	})

	t.Run("disabled returns zero duration", func(t *testing.T) {
		fast := FuncWithDuration(Nop, Static[string]("fast"), func(s string) string { return s })
		out, d := fast("x")
		assert.Equal(t, "x", out)
		assert.Equal(t, time.Duration(0), d)
	})
}
