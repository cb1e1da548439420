package debug

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhd2015/coroutine-mcp/debug/common"
	"github.com/xhd2015/coroutine-mcp/debug/fakeproc"
)

// fakeSession attaches to an in-memory process
type fakeSession struct {
	id     string
	addr   string
	proc   *fakeproc.Process
	closed bool
}

func (s *fakeSession) GetID() string                  { return s.id }
func (s *fakeSession) Addr() string                   { return s.addr }
func (s *fakeSession) Process() common.Process        { return s.proc }
func (s *fakeSession) Guard() *common.SuspendGuard    { return s.proc.Guard() }
func (s *fakeSession) Sync(ctx context.Context) error { return nil }
func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type target struct {
	proc    *fakeproc.Process
	k       *fakeproc.Kotlin
	session *fakeSession
}

func newManager(t *testing.T) (*SessionManager, *target) {
	t.Helper()
	proc := fakeproc.New()
	tgt := &target{proc: proc, k: fakeproc.NewKotlin(proc, fakeproc.KotlinOptions{Probes: true, Bulk: true, PerObject: true})}
	sm := NewSessionManager(Options{
		Dialer: func(ctx context.Context, transport string, id string, addr string, opts DialOptions) (common.Session, error) {
			tgt.session = &fakeSession{id: id, addr: addr, proc: proc}
			return tgt.session, nil
		},
	})
	t.Cleanup(sm.Close)
	return sm, tgt
}

func (tgt *target) addCoroutine(id int64, scope bool) common.ObjectRef {
	cont := tgt.k.Continuation("demo.MainKt$main$1", &common.SymbolicFrame{ClassName: "demo.MainKt", MethodName: "main", FileName: "Main.kt", Line: 5})
	job := tgt.k.Job(scope)
	tgt.k.Link(cont, common.ObjectValue(job))
	tgt.k.SetContext(cont, common.ObjectValue(tgt.k.Context(common.ObjectValue(job), "", "")))
	tgt.k.AddCoroutine(fakeproc.Coroutine{ID: &id, State: "SUSPENDED", Frame: common.ObjectValue(cont)})
	return job
}

func TestSessionLifecycle(t *testing.T) {
	sm, tgt := newManager(t)
	ctx := context.Background()

	info, err := sm.CreateSession(ctx, "", "127.0.0.1:5005", nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(info.ID, "session-"))
	assert.Equal(t, TransportHeadless, info.Transport)
	assert.Equal(t, "127.0.0.1:5005", info.Addr)
	assert.Equal(t, "suspended", info.State)

	list := sm.ListSessions()
	require.Len(t, list, 1)
	assert.Equal(t, info.ID, list[0].ID)

	require.NoError(t, sm.TerminateSession(info.ID))
	assert.True(t, tgt.session.closed)
	assert.Empty(t, sm.ListSessions())
	assert.Error(t, sm.TerminateSession(info.ID))
	_, err = sm.GetSession(info.ID)
	assert.Error(t, err)
}

func TestCreateSessionRequiresAddr(t *testing.T) {
	sm, _ := newManager(t)
	_, err := sm.CreateSession(context.Background(), "", "", nil)
	assert.Error(t, err)
}

func TestUnsupportedTransport(t *testing.T) {
	_, err := Dial(context.Background(), "jdwp", "session-1", "127.0.0.1:1", DialOptions{})
	assert.EqualError(t, err, "unsupported transport: jdwp")
}

func TestDumpAndScope(t *testing.T) {
	sm, tgt := newManager(t)
	ctx := context.Background()
	job := tgt.addCoroutine(3, true)
	tgt.addCoroutine(4, false)

	info, err := sm.CreateSession(ctx, TransportDAP, "pipe", nil)
	require.NoError(t, err)
	session, err := sm.GetSession(info.ID)
	require.NoError(t, err)

	_, _, err = session.Scope(ctx, 3)
	assert.Error(t, err, "scope needs a dump first")

	cache, text, err := session.Dump(ctx, true)
	require.NoError(t, err)
	require.True(t, cache.IsOk(), "dump failed: %v", cache.Err())
	assert.Len(t, cache.Snapshots(), 2)
	assert.Contains(t, text, `Coroutine "coroutine#3", state: SUSPENDED`)
	assert.Contains(t, text, "\tat demo.MainKt.main(Main.kt:5)\n")

	scope, ok, err := session.Scope(ctx, 3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job, scope)

	_, ok, err = session.Scope(ctx, 4)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = session.Scope(ctx, 99)
	assert.Error(t, err)
}

func TestMarkResumed(t *testing.T) {
	sm, tgt := newManager(t)
	ctx := context.Background()
	tgt.addCoroutine(1, true)

	info, err := sm.CreateSession(ctx, "", "addr", nil)
	require.NoError(t, err)
	session, err := sm.GetSession(info.ID)
	require.NoError(t, err)

	session.MarkResumed()
	assert.Equal(t, "running", session.Info().State)
	cache, text, err := session.Dump(ctx, false)
	require.NoError(t, err)
	assert.False(t, cache.IsOk())
	assert.ErrorIs(t, cache.Err(), common.ErrNotSuspended)
	assert.True(t, strings.HasPrefix(text, "No coroutine information available"))
	_, ok := session.LastDump()
	assert.False(t, ok)

	session.MarkSuspended()
	cache, _, err = session.Dump(ctx, false)
	require.NoError(t, err)
	assert.True(t, cache.IsOk(), "dump failed: %v", cache.Err())
}
