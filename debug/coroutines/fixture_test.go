package coroutines

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/xhd2015/coroutine-mcp/debug/common"
	"github.com/xhd2015/coroutine-mcp/debug/fakeproc"
	"github.com/xhd2015/coroutine-mcp/debug/manager"
	"github.com/xhd2015/coroutine-mcp/log"
)

type fixture struct {
	proc  *fakeproc.Process
	k     *fakeproc.Kotlin
	exec  *manager.Executor
	hook  *test.Hook
	proxy *Proxy
}

func newFixture(t *testing.T, opts *fakeproc.KotlinOptions) *fixture {
	f := &fixture{proc: fakeproc.New(), exec: manager.New()}
	t.Cleanup(f.exec.Close)
	if opts != nil {
		f.k = fakeproc.NewKotlin(f.proc, *opts)
	}
	l, hook := test.NewNullLogger()
	l.SetLevel(logrus.DebugLevel)
	f.hook = hook
	f.proxy = NewProxy(f.proc, log.New(l))
	return f
}

func bulkOptions() *fakeproc.KotlinOptions {
	return &fakeproc.KotlinOptions{Probes: true, Bulk: true, PerObject: true}
}

func perObjectOptions() *fakeproc.KotlinOptions {
	return &fakeproc.KotlinOptions{Probes: true, PerObject: true}
}

// do runs fn on the manager executor
func (f *fixture) do(t *testing.T, fn func(ctx context.Context)) {
	require.NoError(t, f.exec.Do(context.Background(), fn))
}

func (f *fixture) dump(t *testing.T) *InfoCache {
	var cache *InfoCache
	f.do(t, func(ctx context.Context) {
		cache = f.proxy.DumpCoroutines(ctx)
	})
	return cache
}

func (f *fixture) warnings() []*logrus.Entry {
	var warns []*logrus.Entry
	for _, e := range f.hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warns = append(warns, e)
		}
	}
	return warns
}

// suspendedAt builds a two frame continuation chain ending in a job
func (f *fixture) suspendedAt(method string, line int) common.Value {
	inner := f.k.Continuation("demo.MainKt$"+method+"$1", &common.SymbolicFrame{ClassName: "demo.MainKt", MethodName: method, FileName: "Main.kt", Line: line},
		fakeproc.Spill{Field: "L$0", Variable: "request", Value: common.StringValue(method)},
	)
	outer := f.k.Continuation("demo.MainKt$main$1", &common.SymbolicFrame{ClassName: "demo.MainKt", MethodName: "main", FileName: "Main.kt", Line: 3})
	f.k.Chain(inner, outer)
	f.k.Link(outer, common.ObjectValue(f.k.Job(true)))
	return common.ObjectValue(inner)
}

func str(s string) *string {
	return &s
}

func i64(n int64) *int64 {
	return &n
}
