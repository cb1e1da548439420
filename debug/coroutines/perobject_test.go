package coroutines

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhd2015/coroutine-mcp/debug/common"
	"github.com/xhd2015/coroutine-mcp/debug/fakeproc"
)

func TestPerObjectFallback(t *testing.T) {
	f := newFixture(t, perObjectOptions())
	job := f.k.Job(true)
	thread := f.k.Thread("main")
	f.k.AddCoroutine(fakeproc.Coroutine{
		SequenceNumber: 2,
		State:          "RUNNING",
		Thread:         thread,
		Frame:          f.suspendedAt("download", 17),
		Context:        common.ObjectValue(f.k.Context(common.ObjectValue(job), "downloader", "Dispatchers.IO")),
	})
	f.k.AddCoroutine(fakeproc.Coroutine{SequenceNumber: 3, State: "SUSPENDED"})

	cache := f.dump(t)
	require.True(t, cache.IsOk(), "dump failed: %v", cache.Err())
	assert.Equal(t, PerObject, cache.Strategy())
	s := cache.Snapshots()
	require.Len(t, s, 2)

	require.NotNil(t, s[0].Name)
	assert.Equal(t, "downloader", *s[0].Name)
	assert.Equal(t, int64(2), s[0].ID)
	assert.Equal(t, int64(2), s[0].SequenceNumber)
	assert.Equal(t, StateRunning, s[0].State)
	require.NotNil(t, s[0].Dispatcher)
	assert.Equal(t, "Dispatchers.IO", *s[0].Dispatcher)
	require.NotNil(t, s[0].LastObservedThread)
	assert.Equal(t, thread.Ref, *s[0].LastObservedThread)

	assert.Nil(t, s[1].Name)
	assert.Nil(t, s[1].Dispatcher)
	assert.Nil(t, s[1].LastObservedThread)
	assert.Nil(t, s[1].LastObservedFrame)
	assert.Equal(t, StateSuspended, s[1].State)

	f.do(t, func(ctx context.Context) {
		frames, err := s[0].ContinuationFrames(ctx)
		require.NoError(t, err)
		require.Len(t, frames, 2)
		assert.Equal(t, "download", frames[0].Frame.MethodName)

		frames, err = s[1].ContinuationFrames(ctx)
		require.NoError(t, err)
		assert.Empty(t, frames)

		scope, ok := f.proxy.Scope(ctx, s[0])
		assert.False(t, ok, "the continuation has no context of its own")
		assert.Equal(t, common.ObjectRef{}, scope)
	})
}

func TestPerObjectLegacyFieldNames(t *testing.T) {
	f := newFixture(t, &fakeproc.KotlinOptions{Probes: true, PerObject: true, LegacyFields: true})
	f.k.AddCoroutine(fakeproc.Coroutine{SequenceNumber: 9, State: "SUSPENDED", Frame: f.suspendedAt("sleep", 5)})

	cache := f.dump(t)
	require.True(t, cache.IsOk(), "dump failed: %v", cache.Err())
	s := cache.Snapshots()
	require.Len(t, s, 1)
	assert.Equal(t, StateSuspended, s[0].State)
	assert.NotNil(t, s[0].LastObservedFrame)
}

func TestPerObjectEnumState(t *testing.T) {
	f := newFixture(t, &fakeproc.KotlinOptions{Probes: true, PerObject: true, LegacyFields: true, EnumState: true})
	f.k.AddCoroutine(fakeproc.Coroutine{SequenceNumber: 1, State: "SUSPENDED"})
	f.k.AddCoroutine(fakeproc.Coroutine{SequenceNumber: 2, State: "RUNNING"})

	cache := f.dump(t)
	require.True(t, cache.IsOk(), "dump failed: %v", cache.Err())
	s := cache.Snapshots()
	require.Len(t, s, 2)
	assert.Equal(t, StateSuspended, s[0].State)
	assert.Equal(t, StateRunning, s[1].State)
}

func TestPerObjectMissingFieldsDefault(t *testing.T) {
	f := newFixture(t, perObjectOptions())
	// an info class of an older library without state or sequence fields
	f.proc.DefineClass("kotlinx.coroutines.debug.CoroutineInfo", "java.lang.Object")
	info := f.proc.NewObject("kotlinx.coroutines.debug.CoroutineInfo", nil)
	f.proc.Class("kotlinx.coroutines.debug.internal.DebugProbesImpl").Method("dumpCoroutinesInfo", "()Ljava/util/List;", func(ctx context.Context, this *common.ObjectRef, args []common.Value) (common.Value, error) {
		return common.ObjectValue(f.k.List(common.ObjectValue(info))), nil
	})

	cache := f.dump(t)
	require.True(t, cache.IsOk(), "dump failed: %v", cache.Err())
	s := cache.Snapshots()
	require.Len(t, s, 1)
	assert.Equal(t, StateUnknown, s[0].State)
	assert.Nil(t, s[0].Name)
	assert.Equal(t, int64(0), s[0].ID)
	assert.Empty(t, s[0].CreationFrames)
}

func TestPerObjectBestEffortContext(t *testing.T) {
	f := newFixture(t, perObjectOptions())
	ctxObj := f.k.Context(common.Null, "named", "")
	f.k.AddCoroutine(fakeproc.Coroutine{SequenceNumber: 1, State: "RUNNING", Context: common.ObjectValue(ctxObj)})
	f.proc.Class("kotlin.coroutines.CoroutineContext").Method("get", "(Lkotlin/coroutines/CoroutineContext$Key;)Lkotlin/coroutines/CoroutineContext$Element;", func(ctx context.Context, this *common.ObjectRef, args []common.Value) (common.Value, error) {
		return common.Null, &common.RemoteInvocationError{Method: "get", Exception: "java.lang.ClassCastException"}
	})

	cache := f.dump(t)
	require.True(t, cache.IsOk(), "dump failed: %v", cache.Err())
	assert.Nil(t, cache.Snapshots()[0].Name)
	assert.Nil(t, cache.Snapshots()[0].Dispatcher)
}

func TestPerObjectNonObjectEntryFails(t *testing.T) {
	f := newFixture(t, perObjectOptions())
	f.proc.Class("kotlinx.coroutines.debug.internal.DebugProbesImpl").Method("dumpCoroutinesInfo", "()Ljava/util/List;", func(ctx context.Context, this *common.ObjectRef, args []common.Value) (common.Value, error) {
		return common.ObjectValue(f.k.List(common.IntValue(1))), nil
	})
	cache := f.dump(t)
	require.False(t, cache.IsOk())
	var malformed *common.MalformedDumpError
	assert.ErrorAs(t, cache.Err(), &malformed)
	require.Len(t, f.warnings(), 1)
	assert.Equal(t, "per-object", f.warnings()[0].Data["strategy"])
}

func TestPerObjectUnreadableFieldFailsDump(t *testing.T) {
	f := newFixture(t, perObjectOptions())
	info := f.k.AddCoroutine(fakeproc.Coroutine{SequenceNumber: 1, State: "RUNNING"})
	f.proc.FailField(info, "_state", &common.RemoteAccessError{Op: "read", Err: assert.AnError})

	cache := f.dump(t)
	require.False(t, cache.IsOk())
	var access *common.RemoteAccessError
	assert.ErrorAs(t, cache.Err(), &access)
}
