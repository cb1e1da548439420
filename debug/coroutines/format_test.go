package coroutines

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhd2015/coroutine-mcp/debug/common"
	"github.com/xhd2015/coroutine-mcp/debug/fakeproc"
)

func TestFormat(t *testing.T) {
	f := newFixture(t, bulkOptions())
	f.k.AddCoroutine(fakeproc.Coroutine{
		Name:       str("main"),
		ID:         i64(1),
		Dispatcher: str("Dispatchers.Default"),
		State:      "SUSPENDED",
		Frame:      f.suspendedAt("fetch", 12),
		Creation: []common.SymbolicFrame{
			{ClassName: "demo.MainKt", MethodName: "main", FileName: "Main.kt", Line: 2},
		},
	})
	cache := f.dump(t)
	require.True(t, cache.IsOk(), "dump failed: %v", cache.Err())

	var withFrames, withoutFrames string
	f.do(t, func(ctx context.Context) {
		withFrames = Format(ctx, cache, true)
		withoutFrames = Format(ctx, cache, false)
	})

	assert.Contains(t, withFrames, "Coroutines dump (bulk strategy): 1 coroutines")
	assert.Contains(t, withFrames, `Coroutine "main#1", state: SUSPENDED, dispatcher: Dispatchers.Default`)
	assert.Contains(t, withFrames, "\tat demo.MainKt.fetch(Main.kt:12)\n")
	assert.Contains(t, withFrames, "\t\trequest (L$0)\n")
	assert.Contains(t, withFrames, "\tat demo.MainKt.main(Main.kt:3)\n")
	assert.Contains(t, withFrames, "\tcreated at\n\t\tdemo.MainKt.main(Main.kt:2)\n")

	assert.NotContains(t, withoutFrames, "\tat ")
	assert.Contains(t, withoutFrames, "created at")
}

func TestFormatFailed(t *testing.T) {
	f := newFixture(t, nil)
	cache := f.dump(t)
	out := Format(context.Background(), cache, true)
	assert.Equal(t, "No coroutine information available: "+ErrNoInstrumentation.Error()+"\n", out)
}
