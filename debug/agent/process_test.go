package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhd2015/coroutine-mcp/debug/common"
	"github.com/xhd2015/coroutine-mcp/debug/fakeproc"
)

// loopback sends every call through the JSON codec to Handle
type loopback struct {
	proc  common.Process
	calls []Method
}

func (l *loopback) Call(ctx context.Context, method Method, params interface{}, out interface{}) error {
	l.calls = append(l.calls, method)
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	result, agentErr := Handle(ctx, l.proc, method, raw)
	if agentErr != nil {
		return agentErr
	}
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func newRemote(t *testing.T) (*fakeproc.Process, *loopback, *Process) {
	t.Helper()
	proc := fakeproc.New()
	l := &loopback{proc: proc}
	return proc, l, NewProcess(l, common.NewSuspendGuard())
}

func TestRoundTrip(t *testing.T) {
	proc, _, remote := newRemote(t)
	ctx := context.Background()

	point := proc.DefineClass("demo.Point", "java.lang.Object").Declare("x", "label")
	point.Method("plus", "(J)J", func(ctx context.Context, this *common.ObjectRef, args []common.Value) (common.Value, error) {
		return common.IntValue(args[0].Int + 1), nil
	})
	obj := proc.NewObject("demo.Point", map[string]common.Value{
		"x":     common.IntValue(7),
		"label": common.StringValue("origin"),
	})

	class, ok, err := remote.FindClass(ctx, "demo.Point")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, point.Ref(), class)

	_, ok, err = remote.FindClass(ctx, "demo.Missing")
	require.NoError(t, err)
	assert.False(t, ok)

	field, ok, err := remote.FindField(ctx, class, "label")
	require.NoError(t, err)
	require.True(t, ok)
	v, err := remote.GetField(ctx, obj, field)
	require.NoError(t, err)
	assert.Equal(t, common.StringValue("origin"), v)

	method, ok, err := remote.FindMethod(ctx, class, "plus", "(J)J")
	require.NoError(t, err)
	require.True(t, ok)
	v, err = remote.Invoke(ctx, &obj, method, []common.Value{common.IntValue(41)})
	require.NoError(t, err)
	assert.Equal(t, common.IntValue(42), v)

	arr, _ := proc.StringArray("a", "b").Object()
	elems, err := remote.ArrayElements(ctx, arr)
	require.NoError(t, err)
	assert.Equal(t, []common.Value{common.StringValue("a"), common.StringValue("b")}, elems)

	isPoint, err := remote.IsInstance(ctx, obj, class)
	require.NoError(t, err)
	assert.True(t, isPoint)
}

func TestLocate(t *testing.T) {
	proc, _, remote := newRemote(t)
	frame := common.SymbolicFrame{ClassName: "demo.MainKt", MethodName: "main", FileName: "Main.kt", Line: 3}
	proc.AddLocation(frame, common.Location{ClassName: "demo.MainKt", MethodName: "main", SourcePath: "src/Main.kt", Line: 3, ID: 11})

	loc, ok, err := remote.Locate(context.Background(), frame)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "src/Main.kt", loc.SourcePath)
	assert.Equal(t, uint64(11), loc.ID)

	_, ok, err = remote.Locate(context.Background(), common.SymbolicFrame{ClassName: "demo.Other", MethodName: "f", Line: 1})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoteExceptionIsInvocationError(t *testing.T) {
	proc, _, remote := newRemote(t)
	proc.DefineClass("demo.Boom", "java.lang.Object").StaticMethod("explode", "()V", func(ctx context.Context, this *common.ObjectRef, args []common.Value) (common.Value, error) {
		return common.Null, &common.RemoteInvocationError{Method: "explode", Exception: "java.lang.IllegalStateException: boom"}
	})
	ctx := context.Background()
	class, _, err := remote.FindClass(ctx, "demo.Boom")
	require.NoError(t, err)
	method, ok, err := remote.FindMethod(ctx, class, "explode", "")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = remote.Invoke(ctx, nil, method, nil)
	var invoke *common.RemoteInvocationError
	require.ErrorAs(t, err, &invoke)
	assert.Equal(t, "java.lang.IllegalStateException: boom", invoke.Exception)
}

func TestAgentSeesResume(t *testing.T) {
	proc, l, remote := newRemote(t)
	proc.Resume()

	_, _, err := remote.FindClass(context.Background(), "demo.Point")
	assert.ErrorIs(t, err, common.ErrNotSuspended)
	assert.False(t, remote.Suspension().Suspended, "the local guard follows the agent")

	_, _, err = remote.FindClass(context.Background(), "demo.Point")
	assert.ErrorIs(t, err, common.ErrNotSuspended)
	assert.Len(t, l.calls, 1, "a resumed target is not called again")
}

func TestLocateAssignsID(t *testing.T) {
	proc, _, remote := newRemote(t)
	frame := common.SymbolicFrame{ClassName: "demo.MainKt", MethodName: "main", Line: 3}
	proc.AddLocation(frame, common.Location{ClassName: "demo.MainKt", MethodName: "main", Line: 3})

	loc, ok, err := remote.Locate(context.Background(), frame)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotZero(t, loc.ID)
}

func TestHandleAtRejectsOldSuspension(t *testing.T) {
	proc := fakeproc.New()
	proc.DefineClass("demo.Point", "java.lang.Object")
	params, err := json.Marshal(FindClassIn{Name: "demo.Point"})
	require.NoError(t, err)
	ctx := context.Background()

	_, agentErr := HandleAt(ctx, proc, 1, MethodFindClass, params)
	assert.Nil(t, agentErr)

	proc.Resume()
	proc.Suspend()
	_, agentErr = HandleAt(ctx, proc, 1, MethodFindClass, params)
	require.NotNil(t, agentErr)
	assert.Equal(t, CodeNotSuspended, agentErr.Code)

	// unbound calls and state queries are served in any suspension
	_, agentErr = HandleAt(ctx, proc, 0, MethodFindClass, params)
	assert.Nil(t, agentErr)
	out, agentErr := HandleAt(ctx, proc, 1, MethodState, nil)
	require.Nil(t, agentErr)
	assert.Equal(t, StateOut{Suspended: true, Epoch: 2}, out)
}

func TestTransportFailureIsAccessError(t *testing.T) {
	remote := NewProcess(failing{}, common.NewSuspendGuard())
	_, _, err := remote.FindClass(context.Background(), "demo.Point")
	var access *common.RemoteAccessError
	require.ErrorAs(t, err, &access)
	assert.Equal(t, string(MethodFindClass), access.Op)
}

type failing struct{}

func (failing) Call(ctx context.Context, method Method, params interface{}, out interface{}) error {
	return assert.AnError
}

func TestHandleUnknownMethod(t *testing.T) {
	_, agentErr := Handle(context.Background(), fakeproc.New(), Method("Agent.Nope"), nil)
	require.NotNil(t, agentErr)
	assert.Equal(t, CodeInternal, agentErr.Code)
}

func TestValueCodec(t *testing.T) {
	values := []common.Value{
		common.Null,
		common.BoolValue(true),
		common.IntValue(-3),
		common.StringValue(""),
		common.ObjectValue(common.ObjectRef{ID: 5, ClassName: "demo.A"}),
		common.ArrayValue(common.ObjectRef{ID: 6, ClassName: "java.lang.Object[]"}),
	}
	for _, v := range values {
		got, err := DecodeValue(EncodeValue(v))
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
	_, err := DecodeValue(Value{Kind: "float"})
	assert.Error(t, err)
}
