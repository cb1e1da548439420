package coroutines

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhd2015/coroutine-mcp/debug/common"
	"github.com/xhd2015/coroutine-mcp/debug/fakeproc"
	"github.com/xhd2015/coroutine-mcp/debug/manager"
)

func TestNoInstrumentation(t *testing.T) {
	f := newFixture(t, nil)

	cache := f.dump(t)
	require.False(t, cache.IsOk())
	assert.ErrorIs(t, cache.Err(), ErrNoInstrumentation)
	assert.Nil(t, cache.Snapshots())
	assert.Equal(t, 1, f.proc.Calls(fakeproc.OpFindClass))
	assert.Equal(t, 1, f.proc.TotalCalls(), "only the capability probe may reach the target")

	cache = f.dump(t)
	require.False(t, cache.IsOk())
	assert.Equal(t, 1, f.proc.TotalCalls(), "an unavailable session must not probe again")

	strategy, probed := f.proxy.Strategy()
	assert.True(t, probed)
	assert.Equal(t, Unavailable, strategy.Kind)
	assert.Empty(t, f.warnings())
}

func TestProbesNotInstalled(t *testing.T) {
	f := newFixture(t, &fakeproc.KotlinOptions{Probes: true, NotInstalled: true, Bulk: true})
	cache := f.dump(t)
	require.False(t, cache.IsOk())
	assert.ErrorIs(t, cache.Err(), ErrNoInstrumentation)
	assert.Equal(t, Unavailable, cache.Strategy())
}

func TestStrategyIsProbedOnce(t *testing.T) {
	f := newFixture(t, bulkOptions())
	f.k.AddCoroutine(fakeproc.Coroutine{ID: i64(1), State: "RUNNING"})

	require.True(t, f.dump(t).IsOk())
	lookups := func() int {
		return f.proc.Calls(fakeproc.OpFindClass) + f.proc.Calls(fakeproc.OpFindField) + f.proc.Calls(fakeproc.OpFindMethod)
	}
	before := lookups()
	invokes := f.proc.Calls(fakeproc.OpInvoke)

	require.True(t, f.dump(t).IsOk())
	assert.Equal(t, before, lookups(), "class and member handles are cached for the session")
	// isInstalled is not asked again
	assert.Equal(t, 2*invokes-1, f.proc.Calls(fakeproc.OpInvoke))
}

func TestProbeFailureIsRetried(t *testing.T) {
	f := newFixture(t, bulkOptions())
	f.proc.Resume()
	cache := f.dump(t)
	require.False(t, cache.IsOk())
	_, probed := f.proxy.Strategy()
	assert.False(t, probed)

	f.proc.Suspend()
	cache = f.dump(t)
	require.True(t, cache.IsOk(), "dump failed: %v", cache.Err())
	assert.Equal(t, Bulk, cache.Strategy())
}

func TestNewSuspensionAllowsNewDump(t *testing.T) {
	f := newFixture(t, bulkOptions())
	f.k.AddCoroutine(fakeproc.Coroutine{ID: i64(1), State: "RUNNING"})
	require.True(t, f.dump(t).IsOk())

	f.proc.Resume()
	f.proc.Suspend()
	cache := f.dump(t)
	require.True(t, cache.IsOk(), "dump failed: %v", cache.Err())
	assert.Len(t, cache.Snapshots(), 1)
}

func TestDumpOutsideManagerPanics(t *testing.T) {
	f := newFixture(t, bulkOptions())
	assert.Panics(t, func() {
		f.proxy.DumpCoroutines(context.Background())
	})
	assert.Equal(t, 0, f.proc.TotalCalls())
}

func TestDumpFromAnotherExecutorPanics(t *testing.T) {
	f := newFixture(t, bulkOptions())
	f.k.AddCoroutine(fakeproc.Coroutine{ID: i64(1), State: "SUSPENDED", Frame: f.suspendedAt("delay", 3)})
	cache := f.dump(t)
	require.True(t, cache.IsOk(), "dump failed: %v", cache.Err())
	snap := cache.Snapshots()[0]

	other := manager.New()
	defer other.Close()
	calls := f.proc.TotalCalls()
	require.NoError(t, other.Do(context.Background(), func(ctx context.Context) {
		assert.Panics(t, func() { f.proxy.DumpCoroutines(ctx) })
		assert.Panics(t, func() { f.proxy.Scope(ctx, snap) })
		assert.Panics(t, func() { _, _ = snap.ContinuationFrames(ctx) })
	}))
	assert.Equal(t, calls, f.proc.TotalCalls())
}

func TestProxyBoundToExecutor(t *testing.T) {
	f := newFixture(t, bulkOptions())
	other := manager.New()
	defer other.Close()
	proxy := NewProxy(f.proc, nil, WithExecutor(other))

	f.do(t, func(ctx context.Context) {
		assert.Panics(t, func() { proxy.DumpCoroutines(ctx) })
	})
	require.NoError(t, other.Do(context.Background(), func(ctx context.Context) {
		assert.True(t, proxy.DumpCoroutines(ctx).IsOk())
	}))
}

func TestFindSnapshot(t *testing.T) {
	f := newFixture(t, bulkOptions())
	f.k.AddCoroutine(fakeproc.Coroutine{ID: i64(3), State: "RUNNING"})
	f.k.AddCoroutine(fakeproc.Coroutine{ID: i64(8), State: "SUSPENDED"})
	cache := f.dump(t)
	require.True(t, cache.IsOk(), "dump failed: %v", cache.Err())

	s, ok := cache.Find(8)
	require.True(t, ok)
	assert.Equal(t, StateSuspended, s.State)
	_, ok = cache.Find(99)
	assert.False(t, ok)
}

func TestParseState(t *testing.T) {
	assert.Equal(t, StateCreated, ParseState("CREATED"))
	assert.Equal(t, StateRunning, ParseState(" running "))
	assert.Equal(t, StateSuspended, ParseState("Suspended"))
	assert.Equal(t, StateUnknown, ParseState(""))
	assert.Equal(t, StateUnknown, ParseState("CANCELLING"))
}

func TestScope(t *testing.T) {
	cases := []struct {
		name  string
		setup func(f *fixture, cont common.ObjectRef) common.ObjectRef
		want  bool
	}{
		{
			name: "scope job",
			setup: func(f *fixture, cont common.ObjectRef) common.ObjectRef {
				job := f.k.Job(true)
				f.k.SetContext(cont, common.ObjectValue(f.k.Context(common.ObjectValue(job), "", "")))
				return job
			},
			want: true,
		},
		{
			name: "job without scope tag",
			setup: func(f *fixture, cont common.ObjectRef) common.ObjectRef {
				f.k.SetContext(cont, common.ObjectValue(f.k.Context(common.ObjectValue(f.k.Job(false)), "", "")))
				return common.ObjectRef{}
			},
		},
		{
			name: "context without job",
			setup: func(f *fixture, cont common.ObjectRef) common.ObjectRef {
				f.k.SetContext(cont, common.ObjectValue(f.k.Context(common.Null, "x", "")))
				return common.ObjectRef{}
			},
		},
		{
			name: "null context",
			setup: func(f *fixture, cont common.ObjectRef) common.ObjectRef {
				return common.ObjectRef{}
			},
		},
		{
			name: "getContext throws",
			setup: func(f *fixture, cont common.ObjectRef) common.ObjectRef {
				f.proc.Class("kotlin.coroutines.jvm.internal.BaseContinuationImpl").Method("getContext", "()Lkotlin/coroutines/CoroutineContext;", func(ctx context.Context, this *common.ObjectRef, args []common.Value) (common.Value, error) {
					return common.Null, &common.RemoteInvocationError{Method: "getContext", Exception: "java.lang.IllegalStateException"}
				})
				return common.ObjectRef{}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, bulkOptions())
			frame := f.suspendedAt("await", 30)
			want := tc.setup(f, frame.Ref)
			f.k.AddCoroutine(fakeproc.Coroutine{ID: i64(1), State: "SUSPENDED", Frame: frame})

			cache := f.dump(t)
			require.True(t, cache.IsOk(), "dump failed: %v", cache.Err())
			f.do(t, func(ctx context.Context) {
				scope, ok := f.proxy.Scope(ctx, cache.Snapshots()[0])
				assert.Equal(t, tc.want, ok)
				if tc.want {
					assert.Equal(t, want, scope)
				}
			})
			assert.Empty(t, f.warnings())
		})
	}
}

func TestScopeAfterResumeIsAbsent(t *testing.T) {
	f := newFixture(t, bulkOptions())
	frame := f.suspendedAt("await", 30)
	f.k.SetContext(frame.Ref, common.ObjectValue(f.k.Context(common.ObjectValue(f.k.Job(true)), "", "")))
	f.k.AddCoroutine(fakeproc.Coroutine{ID: i64(1), State: "SUSPENDED", Frame: frame})
	cache := f.dump(t)
	require.True(t, cache.IsOk(), "dump failed: %v", cache.Err())

	f.proc.Resume()
	f.do(t, func(ctx context.Context) {
		_, ok := f.proxy.Scope(ctx, cache.Snapshots()[0])
		assert.False(t, ok)
	})
}

func TestScopeWithoutFrame(t *testing.T) {
	f := newFixture(t, bulkOptions())
	f.k.AddCoroutine(fakeproc.Coroutine{ID: i64(1), State: "CREATED"})
	cache := f.dump(t)
	require.True(t, cache.IsOk(), "dump failed: %v", cache.Err())
	f.do(t, func(ctx context.Context) {
		_, ok := f.proxy.Scope(ctx, cache.Snapshots()[0])
		assert.False(t, ok)
	})
}
