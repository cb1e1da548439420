// Package coroutines reconstructs the coroutines of a suspended JVM from
// the bookkeeping of the kotlinx-coroutines debug probes.
package coroutines

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/xhd2015/coroutine-mcp/debug/common"
	"github.com/xhd2015/coroutine-mcp/debug/continuation"
	"github.com/xhd2015/coroutine-mcp/debug/manager"
	"github.com/xhd2015/coroutine-mcp/debug/mirror"
)

// ErrNoInstrumentation is the failure of every dump of a target without
// installed debug probes
var ErrNoInstrumentation = errors.New("coroutine debug probes are not installed in the target")

type State string

const (
	StateCreated   State = "CREATED"
	StateRunning   State = "RUNNING"
	StateSuspended State = "SUSPENDED"
	StateUnknown   State = "UNKNOWN"
)

// ParseState maps the state names of the coroutine library. Anything else
// is UNKNOWN.
func ParseState(s string) State {
	switch State(strings.ToUpper(strings.TrimSpace(s))) {
	case StateCreated:
		return StateCreated
	case StateRunning:
		return StateRunning
	case StateSuspended:
		return StateSuspended
	}
	return StateUnknown
}

// StackFrame is a logical frame of a coroutine
type StackFrame = continuation.StackFrame

// Snapshot is one coroutine as seen in one dump
type Snapshot struct {
	Name           *string
	ID             int64
	SequenceNumber int64
	State          State
	Dispatcher     *string

	// LastObservedThread and LastObservedFrame are set while the coroutine
	// runs on a thread
	LastObservedThread *common.ObjectRef
	LastObservedFrame  *common.ObjectRef

	// Info is the coroutine info object in the target
	Info *common.ObjectRef

	// CreationFrames is where the coroutine was created, outermost last
	CreationFrames []StackFrame

	frames *lazyFrames
	// reader and executor of the dump that produced the snapshot
	reader mirror.Reader
	exec   *manager.Executor
}

// DisplayName is the name with the id appended, as the coroutine library
// prints it
func (s *Snapshot) DisplayName() string {
	name := "coroutine"
	if s.Name != nil && *s.Name != "" {
		name = *s.Name
	}
	return name + "#" + strconv.FormatInt(s.ID, 10)
}

// ContinuationFrames walks the continuation chain on first use and
// remembers the result. It must run on the manager thread of the dump.
func (s *Snapshot) ContinuationFrames(ctx context.Context) ([]StackFrame, error) {
	if s.frames == nil {
		return nil, nil
	}
	manager.AssertOn(ctx, s.exec)
	return s.frames.get(ctx)
}

type lazyFrames struct {
	walker *continuation.Walker
	seed   common.ObjectRef

	mu     sync.Mutex
	done   bool
	frames []StackFrame
	err    error
}

func newLazyFrames(walker *continuation.Walker, seed *common.ObjectRef) *lazyFrames {
	if seed == nil {
		return nil
	}
	return &lazyFrames{walker: walker, seed: *seed}
}

func (l *lazyFrames) get(ctx context.Context) ([]StackFrame, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return l.frames, l.err
	}
	l.frames, l.err = l.walker.Walk(ctx, l.seed)
	// errors are remembered as well
	l.done = true
	return l.frames, l.err
}

// InfoCache is the outcome of one dump: snapshots, or a failure.
// Check IsOk before reading Snapshots.
type InfoCache struct {
	strategy  StrategyKind
	snapshots []*Snapshot
	err       error
}

func succeeded(strategy StrategyKind, snapshots []*Snapshot) *InfoCache {
	if snapshots == nil {
		snapshots = []*Snapshot{}
	}
	return &InfoCache{strategy: strategy, snapshots: snapshots}
}

func failed(strategy StrategyKind, err error) *InfoCache {
	return &InfoCache{strategy: strategy, err: err}
}

func (c *InfoCache) IsOk() bool {
	return c.err == nil
}

// Snapshots returns the coroutines in the order the target reported them.
// It is nil for a failed dump.
func (c *InfoCache) Snapshots() []*Snapshot {
	if c.err != nil {
		return nil
	}
	return c.snapshots
}

// Err returns why the dump failed
func (c *InfoCache) Err() error {
	return c.err
}

// Strategy returns the strategy the dump used
func (c *InfoCache) Strategy() StrategyKind {
	return c.strategy
}

// Find returns the snapshot with the given id
func (c *InfoCache) Find(id int64) (*Snapshot, bool) {
	for _, s := range c.Snapshots() {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}
